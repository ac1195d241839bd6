// Package platform implements the client for the external purchase platform:
// transaction sync, the live event stream, and the restore/purchase commands.
package platform

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/phira-ventures/peter-entitlements/internal/entitlement"
)

// EventType classifies a transaction update from the purchase platform.
type EventType string

const (
	// EventPurchase is an initial purchase.
	EventPurchase EventType = "purchase"
	// EventRenewal is a successful subscription renewal.
	EventRenewal EventType = "renewal"
	// EventRevocation is a refund or platform-side revocation.
	EventRevocation EventType = "revocation"
	// EventGracePeriod signals entry into the platform grace period.
	EventGracePeriod EventType = "grace_period"
	// EventBillingRetry signals the platform is retrying a failed charge.
	EventBillingRetry EventType = "billing_retry"
	// EventExpiration signals the subscription lapsed without renewal.
	EventExpiration EventType = "expiration"
)

var (
	// ErrInvalidSignature indicates the event signature does not verify.
	ErrInvalidSignature = errors.New("invalid event signature")
	// ErrMalformedEvent indicates the event is structurally unusable.
	ErrMalformedEvent = errors.New("malformed transaction event")
)

// TransactionEvent is one signed update from the platform event stream.
type TransactionEvent struct {
	ID          uuid.UUID               `json:"id"`
	Type        EventType               `json:"type"`
	Transaction entitlement.Transaction `json:"transaction"`
	SignedAt    time.Time               `json:"signed_at"`
	Signature   string                  `json:"signature"`
}

// eventPayload is the signed portion of an event, marshalled canonically
// (field order fixed by the struct).
type eventPayload struct {
	ID          uuid.UUID               `json:"id"`
	Type        EventType               `json:"type"`
	Transaction entitlement.Transaction `json:"transaction"`
	SignedAt    time.Time               `json:"signed_at"`
}

// Validate checks the event for structural sanity and, when a platform public
// key is available, verifies its Ed25519 signature. Events failing validation
// must be dropped, never applied to the ledger.
func (e *TransactionEvent) Validate(publicKey ed25519.PublicKey) error {
	if e.ID == uuid.Nil {
		return fmt.Errorf("%w: missing event id", ErrMalformedEvent)
	}
	if e.Transaction.TransactionID == "" || e.Transaction.ProductID == "" {
		return fmt.Errorf("%w: missing transaction identifiers", ErrMalformedEvent)
	}

	if len(publicKey) != ed25519.PublicKeySize {
		// No signing key configured; origin validation is delegated entirely
		// to the transport layer.
		return nil
	}

	sig, err := base64.RawURLEncoding.DecodeString(e.Signature)
	if err != nil {
		return fmt.Errorf("%w: undecodable signature", ErrMalformedEvent)
	}

	payload, err := json.Marshal(eventPayload{
		ID:          e.ID,
		Type:        e.Type,
		Transaction: e.Transaction,
		SignedAt:    e.SignedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	if !ed25519.Verify(publicKey, payload, sig) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign computes and attaches the event signature. Used by tests and by the
// platform simulator; production events arrive already signed.
func (e *TransactionEvent) Sign(privateKey ed25519.PrivateKey) error {
	payload, err := json.Marshal(eventPayload{
		ID:          e.ID,
		Type:        e.Type,
		Transaction: e.Transaction,
		SignedAt:    e.SignedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	e.Signature = base64.RawURLEncoding.EncodeToString(ed25519.Sign(privateKey, payload))
	return nil
}
