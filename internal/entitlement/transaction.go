// Package entitlement implements the entitlement engine for Peter: it owns the
// purchase ledger, derives subscription status from it, combines that with
// server-side verification, and publishes the resulting access decision.
package entitlement

import (
	"sort"
	"time"
)

// Transaction is a single purchase record as reported by the purchase platform.
// A zero ExpirationTime means the purchase does not expire.
type Transaction struct {
	ProductID            string    `json:"product_id"`
	TransactionID        string    `json:"transaction_id"`
	PurchaseTime         time.Time `json:"purchase_time"`
	ExpirationTime       time.Time `json:"expiration_time,omitzero"`
	Revoked              bool      `json:"revoked"`
	InGracePeriod        bool      `json:"in_grace_period"`
	GracePeriodExpiresAt time.Time `json:"grace_period_expires_at,omitzero"`
	InBillingRetry       bool      `json:"in_billing_retry"`
}

// Expires reports whether the transaction carries an expiration date.
func (t Transaction) Expires() bool {
	return !t.ExpirationTime.IsZero()
}

// Snapshot is an immutable view of all locally known transactions. Apply and
// Replace return new snapshots; a snapshot handed out to a reader never changes
// underneath it.
type Snapshot struct {
	Transactions []Transaction `json:"transactions"`
	Revision     uint64        `json:"revision"`
	RefreshedAt  time.Time     `json:"refreshed_at"`
}

// Apply upserts a transaction record keyed by TransactionID and returns the
// resulting snapshot. Applying a record identical to one already present
// returns the receiver unchanged, so duplicate event delivery is a no-op.
func (s Snapshot) Apply(txn Transaction, now time.Time) Snapshot {
	for _, existing := range s.Transactions {
		if existing.TransactionID == txn.TransactionID {
			if existing == txn {
				return s
			}
			break
		}
	}

	next := make([]Transaction, 0, len(s.Transactions)+1)
	replaced := false
	for _, existing := range s.Transactions {
		if existing.TransactionID == txn.TransactionID {
			next = append(next, txn)
			replaced = true
			continue
		}
		next = append(next, existing)
	}
	if !replaced {
		next = append(next, txn)
	}
	sortTransactions(next)

	return Snapshot{
		Transactions: next,
		Revision:     s.Revision + 1,
		RefreshedAt:  now,
	}
}

// Replace swaps the full transaction set, as after a ledger resync from the
// purchase platform.
func (s Snapshot) Replace(txns []Transaction, now time.Time) Snapshot {
	next := make([]Transaction, len(txns))
	copy(next, txns)
	sortTransactions(next)

	return Snapshot{
		Transactions: next,
		Revision:     s.Revision + 1,
		RefreshedAt:  now,
	}
}

// Empty reports whether no transaction has ever been recorded.
func (s Snapshot) Empty() bool {
	return len(s.Transactions) == 0
}

// ProductIDs returns the distinct product identifiers in the snapshot, in
// snapshot order.
func (s Snapshot) ProductIDs() []string {
	seen := make(map[string]bool, len(s.Transactions))
	ids := make([]string, 0, len(s.Transactions))
	for _, txn := range s.Transactions {
		if seen[txn.ProductID] {
			continue
		}
		seen[txn.ProductID] = true
		ids = append(ids, txn.ProductID)
	}
	return ids
}

func sortTransactions(txns []Transaction) {
	sort.SliceStable(txns, func(i, j int) bool {
		if !txns[i].PurchaseTime.Equal(txns[j].PurchaseTime) {
			return txns[i].PurchaseTime.Before(txns[j].PurchaseTime)
		}
		return txns[i].TransactionID < txns[j].TransactionID
	})
}
