package entitlement

import "time"

// Status is the subscription state derived from a ledger snapshot. It is a
// pure function of the snapshot and the evaluation time and is never stored
// independently of the snapshot it was derived from.
type Status string

const (
	// StatusUnknown is the initial state before the first evaluation.
	StatusUnknown Status = "unknown"
	// StatusNotSubscribed means no transaction has ever been recorded.
	StatusNotSubscribed Status = "not_subscribed"
	// StatusSubscribed means an unexpired, unrevoked purchase exists.
	StatusSubscribed Status = "subscribed"
	// StatusInGracePeriod means payment lapsed but the platform grace window is open.
	StatusInGracePeriod Status = "in_grace_period"
	// StatusInBillingRetry means the platform is retrying a failed renewal charge.
	StatusInBillingRetry Status = "in_billing_retry"
	// StatusExpired means the latest purchase has passed its expiration date.
	StatusExpired Status = "expired"
	// StatusRevoked means the purchase was refunded or revoked by the platform.
	StatusRevoked Status = "revoked"
)

// ValidStatuses returns all recognized status values.
func ValidStatuses() []Status {
	return []Status{
		StatusUnknown,
		StatusNotSubscribed,
		StatusSubscribed,
		StatusInGracePeriod,
		StatusInBillingRetry,
		StatusExpired,
		StatusRevoked,
	}
}

// IsValid checks whether the status is a recognized value.
func (s Status) IsValid() bool {
	for _, valid := range ValidStatuses() {
		if s == valid {
			return true
		}
	}
	return false
}

// GrantsAccess reports whether the status alone would permit access to paid
// features. Server verification is a separate, mandatory condition; see
// Combine.
func (s Status) GrantsAccess() bool {
	return s == StatusSubscribed || s == StatusInGracePeriod
}

// statusRank orders statuses from least to most favorable so that a customer
// with several product families is judged by their best standing one.
var statusRank = map[Status]int{
	StatusNotSubscribed:  0,
	StatusRevoked:        1,
	StatusExpired:        2,
	StatusInBillingRetry: 3,
	StatusInGracePeriod:  4,
	StatusSubscribed:     5,
}

// DeriveStatus recomputes the subscription status from a ledger snapshot at
// the given instant. Every call is a full recomputation; no previous status
// constrains the result.
func DeriveStatus(snap Snapshot, now time.Time) Status {
	if snap.Empty() {
		return StatusNotSubscribed
	}

	best := StatusNotSubscribed
	for _, productID := range snap.ProductIDs() {
		st := deriveProductStatus(snap, productID, now)
		if statusRank[st] > statusRank[best] {
			best = st
		}
	}
	return best
}

// deriveProductStatus evaluates one product family. Revocation dominates every
// other signal for that product.
func deriveProductStatus(snap Snapshot, productID string, now time.Time) Status {
	var latest *Transaction
	for i := range snap.Transactions {
		txn := &snap.Transactions[i]
		if txn.ProductID != productID {
			continue
		}
		if txn.Revoked {
			return StatusRevoked
		}
		if latest == nil || laterTransaction(*txn, *latest) {
			latest = txn
		}
	}
	if latest == nil {
		return StatusNotSubscribed
	}

	switch {
	case !latest.Expires() || now.Before(latest.ExpirationTime):
		if latest.InGracePeriod || latest.InBillingRetry {
			break
		}
		return StatusSubscribed
	}

	if latest.InGracePeriod {
		if latest.GracePeriodExpiresAt.IsZero() || now.Before(latest.GracePeriodExpiresAt) {
			return StatusInGracePeriod
		}
		return StatusExpired
	}
	if latest.InBillingRetry {
		return StatusInBillingRetry
	}
	return StatusExpired
}

// laterTransaction reports whether a supersedes b for status purposes: the
// transaction covering the later expiration wins, falling back to purchase
// time for non-expiring purchases.
func laterTransaction(a, b Transaction) bool {
	switch {
	case !a.Expires() && b.Expires():
		return true
	case a.Expires() && !b.Expires():
		return false
	case !a.ExpirationTime.Equal(b.ExpirationTime):
		return a.ExpirationTime.After(b.ExpirationTime)
	default:
		return a.PurchaseTime.After(b.PurchaseTime)
	}
}
