package platform

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phira-ventures/peter-entitlements/internal/entitlement"
)

func testEvent(t *testing.T) TransactionEvent {
	t.Helper()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return TransactionEvent{
		ID:   uuid.New(),
		Type: EventPurchase,
		Transaction: entitlement.Transaction{
			ProductID:      "peter.plus.monthly",
			TransactionID:  "txn-1",
			PurchaseTime:   now,
			ExpirationTime: now.Add(30 * 24 * time.Hour),
		},
		SignedAt: now,
	}
}

func TestEventSignAndValidate(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	event := testEvent(t)
	require.NoError(t, event.Sign(priv))
	assert.NoError(t, event.Validate(pub))
}

func TestEventValidateRejectsTampering(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	event := testEvent(t)
	require.NoError(t, event.Sign(priv))

	// Flipping any signed field after signing must invalidate the event.
	event.Transaction.Revoked = true
	assert.True(t, errors.Is(event.Validate(pub), ErrInvalidSignature))
}

func TestEventValidateRejectsWrongKey(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	event := testEvent(t)
	require.NoError(t, event.Sign(priv))
	assert.True(t, errors.Is(event.Validate(otherPub), ErrInvalidSignature))
}

func TestEventValidateStructural(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*TransactionEvent)
	}{
		{"missing id", func(e *TransactionEvent) { e.ID = uuid.Nil }},
		{"missing transaction id", func(e *TransactionEvent) { e.Transaction.TransactionID = "" }},
		{"missing product id", func(e *TransactionEvent) { e.Transaction.ProductID = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := testEvent(t)
			tt.mutate(&event)
			err := event.Validate(nil)
			assert.True(t, errors.Is(err, ErrMalformedEvent), "got %v", err)
		})
	}
}

func TestEventValidateWithoutKeySkipsSignature(t *testing.T) {
	event := testEvent(t)
	event.Signature = "not-a-signature"
	assert.NoError(t, event.Validate(nil))
}

func TestEventValidateUndecodableSignature(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	event := testEvent(t)
	event.Signature = "%%%not base64%%%"
	assert.True(t, errors.Is(event.Validate(pub), ErrMalformedEvent))
}
