package entitlement

import "time"

// OutcomeSource records whether a verification outcome came from a live server
// round trip or was reused from the cache.
type OutcomeSource string

const (
	// SourceLive marks an outcome produced by a completed server call.
	SourceLive OutcomeSource = "live"
	// SourceCached marks an outcome reused from a previous call.
	SourceCached OutcomeSource = "cached"
)

// ErrorKind classifies a failed verification.
type ErrorKind string

const (
	// ErrorKindNone means the verification completed without error.
	ErrorKindNone ErrorKind = ""
	// ErrorKindTransport is a transient network or server failure.
	ErrorKindTransport ErrorKind = "transport"
	// ErrorKindRejection is an explicit denial from the verification server.
	ErrorKindRejection ErrorKind = "rejection"
	// ErrorKindMalformed means the server could not parse our request.
	ErrorKindMalformed ErrorKind = "malformed"
)

// VerificationOutcome is the result of one server verification attempt.
// Outcomes age out: past the configured TTL an outcome must not be used to
// authorize access.
type VerificationOutcome struct {
	Verified  bool          `json:"verified"`
	CheckedAt time.Time     `json:"checked_at"`
	Source    OutcomeSource `json:"source"`
	ErrorKind ErrorKind     `json:"error_kind,omitempty"`
	Reason    string        `json:"reason,omitempty"`
}

// FreshWithin reports whether the outcome is still usable at the given
// instant.
func (o VerificationOutcome) FreshWithin(ttl time.Duration, now time.Time) bool {
	if o.CheckedAt.IsZero() {
		return false
	}
	return now.Sub(o.CheckedAt) <= ttl
}

// AccessDecision is the single authoritative answer to "is the paid feature
// set unlocked". It is recomputed wholesale on every input change and handed
// out as an immutable value.
type AccessDecision struct {
	Allowed        bool      `json:"allowed"`
	Status         Status    `json:"status"`
	LastVerifiedAt time.Time `json:"last_verified_at,omitzero"`
	Revision       uint64    `json:"revision"`
	EvaluatedAt    time.Time `json:"evaluated_at"`
}

// Combine produces the access decision from a derived status and the latest
// verification outcome. Access requires BOTH a qualifying local status AND a
// verified, non-stale server outcome; the two conditions are a conjunction,
// never a disjunction.
func Combine(status Status, outcome VerificationOutcome, ttl time.Duration, revision uint64, now time.Time) AccessDecision {
	allowed := status.GrantsAccess() &&
		outcome.Verified &&
		outcome.FreshWithin(ttl, now)

	var lastVerified time.Time
	if outcome.Verified {
		lastVerified = outcome.CheckedAt
	}

	return AccessDecision{
		Allowed:        allowed,
		Status:         status,
		LastVerifiedAt: lastVerified,
		Revision:       revision,
		EvaluatedAt:    now,
	}
}
