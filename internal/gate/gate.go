// Package gate maps access decisions onto the user-facing gate states and
// owns the recovery flows (restore purchases, re-enter purchase flow). It
// never computes entitlement itself.
package gate

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/phira-ventures/peter-entitlements/internal/entitlement"
	"github.com/phira-ventures/peter-entitlements/internal/metrics"
)

// State is what the presentation layer renders.
type State string

const (
	// StateVerifying withholds protected content behind a neutral waiting
	// indication; it is the initial state.
	StateVerifying State = "verifying"
	// StateAllowed admits protected content.
	StateAllowed State = "allowed"
	// StateBlocked blocks protected content and offers recovery actions.
	StateBlocked State = "blocked"
)

// ErrNoPurchasePlatform indicates no purchase platform is configured, so the
// purchase flow cannot be entered.
var ErrNoPurchasePlatform = errors.New("purchase platform not configured")

// BlockReason tells the presentation layer which recovery path to offer. Raw
// transport or protocol errors are never surfaced.
type BlockReason string

const (
	// ReasonNone applies to the Verifying and Allowed states.
	ReasonNone BlockReason = ""
	// ReasonSubscriptionRequired means there is no (valid) subscription.
	ReasonSubscriptionRequired BlockReason = "subscription_required"
	// ReasonVerificationUnavailable means the subscription looks good locally
	// but could not be verified before the cached outcome went stale.
	ReasonVerificationUnavailable BlockReason = "verification_unavailable"
)

// View is the immutable gate state handed to the presentation layer.
type View struct {
	State    State                           `json:"state"`
	Reason   BlockReason                     `json:"reason,omitempty"`
	Decision entitlement.AccessDecision      `json:"decision"`
	Outcome  entitlement.VerificationOutcome `json:"outcome"`
}

// Engine is the slice of the entitlement engine the gate consumes.
type Engine interface {
	Decision() entitlement.AccessDecision
	Outcome() entitlement.VerificationOutcome
	Subscribe() (<-chan entitlement.AccessDecision, func())
	RefreshLedger(ctx context.Context) error
	Verify(ctx context.Context, force bool) (entitlement.AccessDecision, error)
}

// Platform is the slice of the purchase platform the gate commands.
type Platform interface {
	Restore(ctx context.Context) error
	InitiatePurchase(ctx context.Context, productID string) error
}

// Gate tracks the current gate view from engine decision updates.
type Gate struct {
	engine   Engine
	platform Platform
	logger   zerolog.Logger

	mu   sync.RWMutex
	view View

	cancelSub func()
	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New creates a gate in the Verifying state.
func New(engine Engine, platform Platform, logger zerolog.Logger) *Gate {
	return &Gate{
		engine:   engine,
		platform: platform,
		logger:   logger.With().Str("component", "access_gate").Logger(),
		view: View{
			State: StateVerifying,
		},
		stopCh: make(chan struct{}),
	}
}

// Start subscribes to engine decisions. Idempotent.
func (g *Gate) Start() {
	g.startOnce.Do(func() {
		updates, cancel := g.engine.Subscribe()
		g.cancelSub = cancel

		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			for {
				select {
				case <-g.stopCh:
					return
				case decision, ok := <-updates:
					if !ok {
						return
					}
					g.apply(decision)
				}
			}
		}()
	})
}

// Stop unsubscribes and waits for the update loop to exit. Idempotent.
func (g *Gate) Stop() {
	g.stopOnce.Do(func() {
		close(g.stopCh)
		if g.cancelSub != nil {
			g.cancelSub()
		}
		g.wg.Wait()
	})
}

// Current returns the latest gate view.
func (g *Gate) Current() View {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.view
}

// Restore runs the restore-purchases flow: a forced ledger resync from the
// purchase platform followed by a forced (non-cached) server verification.
// Failures along the way degrade to the fail-closed decision rather than
// surfacing as errors; the returned view is always renderable.
func (g *Gate) Restore(ctx context.Context) View {
	metrics.RestoreRequests.Inc()
	g.logger.Info().Msg("restore purchases requested")

	if g.platform != nil {
		if err := g.platform.Restore(ctx); err != nil {
			g.logger.Warn().Err(err).Msg("platform restore command failed")
		}
	}
	if err := g.engine.RefreshLedger(ctx); err != nil {
		g.logger.Warn().Err(err).Msg("ledger resync during restore failed")
	}
	if _, err := g.engine.Verify(ctx, true); err != nil {
		g.logger.Warn().Err(err).Msg("forced verification during restore failed")
	}

	g.apply(g.engine.Decision())
	return g.Current()
}

// RequestPurchase re-enters the external purchase flow. The result, if any,
// arrives through the transaction listener like any other platform event.
func (g *Gate) RequestPurchase(ctx context.Context, productID string) error {
	if g.platform == nil {
		return ErrNoPurchasePlatform
	}
	g.logger.Info().Str("product_id", productID).Msg("purchase flow requested")
	return g.platform.InitiatePurchase(ctx, productID)
}

// apply recomputes the view from a decision.
func (g *Gate) apply(decision entitlement.AccessDecision) {
	outcome := g.engine.Outcome()
	view := View{
		Decision: decision,
		Outcome:  outcome,
	}

	switch {
	case decision.Status == entitlement.StatusUnknown:
		view.State = StateVerifying
	case decision.Allowed:
		view.State = StateAllowed
	default:
		view.State = StateBlocked
		view.Reason = blockReason(decision, outcome)
	}

	g.mu.Lock()
	changed := view.State != g.view.State || view.Reason != g.view.Reason
	g.view = view
	g.mu.Unlock()

	metrics.RecordDecision(string(decision.Status), decision.Allowed)
	if changed {
		g.logger.Info().
			Str("state", string(view.State)).
			Str("reason", string(view.Reason)).
			Str("status", string(decision.Status)).
			Msg("gate state changed")
	}
}

// blockReason picks the user-facing reason for a blocked gate. A subscription
// that looks valid locally but lacks a fresh verified outcome is reported as
// verification trouble, not as a missing subscription; an explicit server
// rejection is a missing subscription regardless of local state.
func blockReason(decision entitlement.AccessDecision, outcome entitlement.VerificationOutcome) BlockReason {
	if !decision.Status.GrantsAccess() {
		return ReasonSubscriptionRequired
	}
	if outcome.ErrorKind == entitlement.ErrorKindRejection {
		return ReasonSubscriptionRequired
	}
	return ReasonVerificationUnavailable
}
