// Package metrics exposes Prometheus metrics for the entitlement service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// VerificationAttempts counts server verification calls by result:
	// verified, rejected, malformed, transport.
	VerificationAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peter",
		Subsystem: "entitlement",
		Name:      "verification_attempts_total",
		Help:      "Server verification calls by result.",
	}, []string{"result"})

	// AccessAllowed reflects the currently published access decision.
	AccessAllowed = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "peter",
		Subsystem: "entitlement",
		Name:      "access_allowed",
		Help:      "1 when the published access decision allows paid features.",
	})

	// DecisionsPublished counts published access decisions by status.
	DecisionsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peter",
		Subsystem: "entitlement",
		Name:      "decisions_published_total",
		Help:      "Access decisions published by subscription status.",
	}, []string{"status"})

	// ListenerEvents counts purchase platform events by disposition:
	// applied, failed, malformed, unverified.
	ListenerEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peter",
		Subsystem: "entitlement",
		Name:      "listener_events_total",
		Help:      "Purchase platform events by disposition.",
	}, []string{"disposition"})

	// ListenerReconnects counts event stream reconnection attempts.
	ListenerReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "peter",
		Subsystem: "entitlement",
		Name:      "listener_reconnects_total",
		Help:      "Purchase platform event stream reconnects.",
	})

	// RestoreRequests counts explicit restore-purchases flows.
	RestoreRequests = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "peter",
		Subsystem: "entitlement",
		Name:      "restore_requests_total",
		Help:      "Restore-purchases flows initiated.",
	})
)

// RecordDecision updates the decision-level metrics.
func RecordDecision(status string, allowed bool) {
	DecisionsPublished.WithLabelValues(status).Inc()
	if allowed {
		AccessAllowed.Set(1)
	} else {
		AccessAllowed.Set(0)
	}
}
