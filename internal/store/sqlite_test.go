package store

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phira-ventures/peter-entitlements/internal/entitlement"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := New(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.LoadSnapshot(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "fresh store must report no snapshot")

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var base entitlement.Snapshot
	snap := base.Apply(entitlement.Transaction{
		ProductID:      "peter.plus.monthly",
		TransactionID:  "txn-1",
		PurchaseTime:   now.Add(-time.Hour),
		ExpirationTime: now.Add(30 * 24 * time.Hour),
	}, now)

	require.NoError(t, s.SaveSnapshot(ctx, snap))

	loaded, ok, err := s.LoadSnapshot(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, snap.Revision, loaded.Revision)
	require.Len(t, loaded.Transactions, 1)
	assert.Equal(t, "txn-1", loaded.Transactions[0].TransactionID)
	assert.True(t, loaded.Transactions[0].ExpirationTime.Equal(snap.Transactions[0].ExpirationTime))
}

func TestSnapshotOverwrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	var base entitlement.Snapshot
	first := base.Apply(entitlement.Transaction{ProductID: "p", TransactionID: "txn-1", PurchaseTime: now}, now)
	second := first.Apply(entitlement.Transaction{ProductID: "p", TransactionID: "txn-2", PurchaseTime: now}, now)

	require.NoError(t, s.SaveSnapshot(ctx, first))
	require.NoError(t, s.SaveSnapshot(ctx, second))

	loaded, ok, err := s.LoadSnapshot(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, second.Revision, loaded.Revision)
	assert.Len(t, loaded.Transactions, 2)
}

func TestOutcomeRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.LoadOutcome(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "fresh store must report no outcome")

	outcome := entitlement.VerificationOutcome{
		Verified:  true,
		CheckedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Source:    entitlement.SourceLive,
	}
	require.NoError(t, s.SaveOutcome(ctx, outcome))

	loaded, ok, err := s.LoadOutcome(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, loaded.Verified)
	assert.True(t, loaded.CheckedAt.Equal(outcome.CheckedAt))
}

func TestStateSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	s, err := New(dir, zerolog.Nop())
	require.NoError(t, err)

	var base entitlement.Snapshot
	snap := base.Apply(entitlement.Transaction{ProductID: "p", TransactionID: "txn-1", PurchaseTime: now}, now)
	require.NoError(t, s.SaveSnapshot(ctx, snap))
	require.NoError(t, s.SaveOutcome(ctx, entitlement.VerificationOutcome{Verified: true, CheckedAt: now}))
	require.NoError(t, s.Close())

	reopened, err := New(dir, zerolog.Nop())
	require.NoError(t, err)
	defer reopened.Close()

	loadedSnap, ok, err := reopened.LoadSnapshot(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, snap.Revision, loadedSnap.Revision)

	loadedOutcome, ok, err := reopened.LoadOutcome(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, loadedOutcome.Verified)
}
