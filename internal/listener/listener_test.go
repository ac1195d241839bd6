package listener

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phira-ventures/peter-entitlements/internal/entitlement"
	"github.com/phira-ventures/peter-entitlements/internal/platform"
)

// scriptedStream delivers a fixed sequence of frames and then blocks until
// closed. Each frame is either an event or an error from Next.
type frame struct {
	event platform.TransactionEvent
	err   error
}

type scriptedStream struct {
	mu     sync.Mutex
	frames []frame
	acks   []uuid.UUID
	closed chan struct{}
	once   sync.Once
}

func newScriptedStream(frames ...frame) *scriptedStream {
	return &scriptedStream{frames: frames, closed: make(chan struct{})}
}

func (s *scriptedStream) Next(ctx context.Context) (platform.TransactionEvent, error) {
	s.mu.Lock()
	if len(s.frames) > 0 {
		f := s.frames[0]
		s.frames = s.frames[1:]
		s.mu.Unlock()
		return f.event, f.err
	}
	s.mu.Unlock()

	select {
	case <-s.closed:
		return platform.TransactionEvent{}, io.EOF
	case <-ctx.Done():
		return platform.TransactionEvent{}, ctx.Err()
	}
}

func (s *scriptedStream) Ack(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acks = append(s.acks, id)
	return nil
}

func (s *scriptedStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *scriptedStream) ackedIDs() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uuid.UUID, len(s.acks))
	copy(out, s.acks)
	return out
}

type recordingLedger struct {
	mu      sync.Mutex
	applied []entitlement.Transaction
	err     error
}

func (r *recordingLedger) ApplyEvent(ctx context.Context, txn entitlement.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.applied = append(r.applied, txn)
	return nil
}

func (r *recordingLedger) appliedTxns() []entitlement.Transaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]entitlement.Transaction, len(r.applied))
	copy(out, r.applied)
	return out
}

func signedEvent(t *testing.T, priv ed25519.PrivateKey, txnID string) platform.TransactionEvent {
	t.Helper()
	event := platform.TransactionEvent{
		ID:   uuid.New(),
		Type: platform.EventPurchase,
		Transaction: entitlement.Transaction{
			ProductID:     "peter.plus.monthly",
			TransactionID: txnID,
			PurchaseTime:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		},
		SignedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, event.Sign(priv))
	return event
}

func testListenerConfig() Config {
	return Config{ReconnectBase: time.Millisecond, ReconnectMax: 5 * time.Millisecond}
}

func TestListenerAppliesAndAcksEvents(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	first := signedEvent(t, priv, "txn-1")
	second := signedEvent(t, priv, "txn-2")
	stream := newScriptedStream(frame{event: first}, frame{event: second})

	ledger := &recordingLedger{}
	dial := func(ctx context.Context) (Stream, error) { return stream, nil }

	l := New(testListenerConfig(), dial, ledger, pub, zerolog.Nop())
	l.Start()
	defer l.Stop()

	require.Eventually(t, func() bool {
		return len(stream.ackedIDs()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	applied := ledger.appliedTxns()
	require.Len(t, applied, 2)
	assert.Equal(t, "txn-1", applied[0].TransactionID)
	assert.Equal(t, "txn-2", applied[1].TransactionID)
	assert.Equal(t, []uuid.UUID{first.ID, second.ID}, stream.ackedIDs())
}

func TestListenerDropsAndAcksInvalidSignature(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	forged := signedEvent(t, otherPriv, "txn-forged")
	stream := newScriptedStream(frame{event: forged})

	ledger := &recordingLedger{}
	dial := func(ctx context.Context) (Stream, error) { return stream, nil }

	l := New(testListenerConfig(), dial, ledger, pub, zerolog.Nop())
	l.Start()
	defer l.Stop()

	// The forged event must not reach the ledger, but it is acknowledged so it
	// cannot wedge the stream.
	require.Eventually(t, func() bool {
		return len(stream.ackedIDs()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, ledger.appliedTxns())
}

func TestListenerLeavesFailedApplyUnacked(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	event := signedEvent(t, priv, "txn-1")
	stream := newScriptedStream(frame{event: event})

	ledger := &recordingLedger{err: errors.New("store locked")}
	dial := func(ctx context.Context) (Stream, error) { return stream, nil }

	l := New(testListenerConfig(), dial, ledger, pub, zerolog.Nop())
	l.Start()

	// Give the consumer time to process the frame, then stop and inspect.
	time.Sleep(100 * time.Millisecond)
	l.Stop()

	assert.Empty(t, stream.ackedIDs(), "a failed apply must stay unacknowledged for redelivery")
}

func TestListenerSkipsMalformedFrames(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	good := signedEvent(t, priv, "txn-1")
	stream := newScriptedStream(
		frame{err: platform.ErrMalformedEvent},
		frame{event: good},
	)

	ledger := &recordingLedger{}
	dial := func(ctx context.Context) (Stream, error) { return stream, nil }

	l := New(testListenerConfig(), dial, ledger, pub, zerolog.Nop())
	l.Start()
	defer l.Stop()

	require.Eventually(t, func() bool {
		return len(ledger.appliedTxns()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "txn-1", ledger.appliedTxns()[0].TransactionID)
}

func TestListenerReconnectsAfterStreamFailure(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	first := signedEvent(t, priv, "txn-1")
	second := signedEvent(t, priv, "txn-2")

	var mu sync.Mutex
	dials := 0
	streams := []*scriptedStream{
		newScriptedStream(frame{event: first}, frame{err: errors.New("connection reset")}),
		newScriptedStream(frame{event: second}),
	}

	dial := func(ctx context.Context) (Stream, error) {
		mu.Lock()
		defer mu.Unlock()
		if dials >= len(streams) {
			return nil, errors.New("no more streams")
		}
		s := streams[dials]
		dials++
		return s, nil
	}

	ledger := &recordingLedger{}
	l := New(testListenerConfig(), dial, ledger, pub, zerolog.Nop())
	l.Start()
	defer l.Stop()

	require.Eventually(t, func() bool {
		return len(ledger.appliedTxns()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, dials)
}

func TestListenerStartStopIdempotent(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	stream := newScriptedStream()
	ledger := &recordingLedger{}
	dial := func(ctx context.Context) (Stream, error) { return stream, nil }

	l := New(testListenerConfig(), dial, ledger, pub, zerolog.Nop())
	l.Start()
	l.Start()
	l.Stop()
	l.Stop()
}
