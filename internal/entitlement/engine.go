package entitlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultOutcomeTTL is how long a verification outcome remains usable to
	// authorize access when the server cannot be reached.
	DefaultOutcomeTTL = 6 * time.Hour

	// DefaultDebounceWindow collapses rapid successive ledger changes into a
	// single verification call.
	DefaultDebounceWindow = 250 * time.Millisecond

	// DefaultReverifyInterval is how often the engine re-checks with the
	// verification server in the absence of ledger activity.
	DefaultReverifyInterval = 1 * time.Hour

	// verifyCallBudget bounds background verification calls end to end,
	// including verifier-side retries.
	verifyCallBudget = 60 * time.Second
)

// ErrLedgerUnavailable indicates the purchase platform could not supply the
// current transaction set. The engine keeps serving the last known-good
// snapshot when this happens.
var ErrLedgerUnavailable = errors.New("purchase platform unavailable")

// Verifier performs one server-side verification of a ledger snapshot.
// Implementations absorb explicit server rejections into the returned outcome
// (verified=false with an error kind); a non-nil error always means a
// transient transport-class failure.
type Verifier interface {
	Verify(ctx context.Context, snap Snapshot) (VerificationOutcome, error)
}

// PlatformSource supplies the authoritative transaction set from the purchase
// platform, used for initial sync and restore.
type PlatformSource interface {
	CurrentTransactions(ctx context.Context) ([]Transaction, error)
}

// StateStore persists the last-known ledger snapshot and cached verification
// outcome across restarts. All methods must be safe for concurrent use.
type StateStore interface {
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	LoadSnapshot(ctx context.Context) (Snapshot, bool, error)
	SaveOutcome(ctx context.Context, outcome VerificationOutcome) error
	LoadOutcome(ctx context.Context) (VerificationOutcome, bool, error)
}

// Config holds the engine tunables. These are product policy values, not
// structural constants.
type Config struct {
	OutcomeTTL       time.Duration
	DebounceWindow   time.Duration
	ReverifyInterval time.Duration
}

// DefaultEngineConfig returns the default engine tunables.
func DefaultEngineConfig() Config {
	return Config{
		OutcomeTTL:       DefaultOutcomeTTL,
		DebounceWindow:   DefaultDebounceWindow,
		ReverifyInterval: DefaultReverifyInterval,
	}
}

// EngineOptions configures a new Engine.
type EngineOptions struct {
	Verifier Verifier
	Platform PlatformSource
	// Store is optional; without it the engine starts cold on every boot.
	Store  StateStore
	Config Config
	Logger zerolog.Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Engine owns the purchase ledger and the published access decision. All
// mutation of either goes through the engine's mutex; everything handed out is
// an immutable value, so readers never observe partially updated state.
type Engine struct {
	cfg      Config
	verifier Verifier
	platform PlatformSource
	store    StateStore
	logger   zerolog.Logger
	now      func() time.Time

	group singleflight.Group

	mu       sync.RWMutex
	snapshot Snapshot
	outcome  VerificationOutcome
	decision AccessDecision
	subs     map[int]chan AccessDecision
	nextSub  int
	debounce *time.Timer
	expiry   *time.Timer

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewEngine creates an engine in the Unknown state. Start must be called
// before the engine produces decisions.
func NewEngine(opts EngineOptions) *Engine {
	cfg := opts.Config
	if cfg.OutcomeTTL <= 0 {
		cfg.OutcomeTTL = DefaultOutcomeTTL
	}
	if cfg.ReverifyInterval <= 0 {
		cfg.ReverifyInterval = DefaultReverifyInterval
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	e := &Engine{
		cfg:      cfg,
		verifier: opts.Verifier,
		platform: opts.Platform,
		store:    opts.Store,
		logger:   opts.Logger.With().Str("component", "entitlement_engine").Logger(),
		now:      now,
		subs:     make(map[int]chan AccessDecision),
		stopCh:   make(chan struct{}),
	}
	e.decision = AccessDecision{
		Status:      StatusUnknown,
		EvaluatedAt: now(),
	}
	return e
}

// Start seeds the engine from persisted state, performs the initial ledger
// sync, kicks off the first verification, and starts the periodic
// re-verification loop. Calling Start more than once is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.startOnce.Do(func() {
		e.loadPersisted(ctx)

		if err := e.RefreshLedger(ctx); err != nil {
			e.logger.Warn().Err(err).Msg("initial ledger sync failed, using last known snapshot")
		}

		e.mu.Lock()
		e.evaluateLocked(e.now())
		e.mu.Unlock()

		e.wg.Add(1)
		go e.reverifyLoop()

		go func() {
			vctx, cancel := context.WithTimeout(context.Background(), verifyCallBudget)
			defer cancel()
			if _, err := e.Verify(vctx, false); err != nil {
				e.logger.Warn().Err(err).Msg("initial verification failed")
			}
		}()

		e.logger.Info().
			Dur("outcome_ttl", e.cfg.OutcomeTTL).
			Dur("reverify_interval", e.cfg.ReverifyInterval).
			Msg("entitlement engine started")
	})
	return nil
}

// Stop shuts down the background loop. In-flight verification calls are not
// cancelled; their results are simply no longer awaited. Calling Stop more
// than once is a no-op.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		e.mu.Lock()
		if e.debounce != nil {
			e.debounce.Stop()
		}
		if e.expiry != nil {
			e.expiry.Stop()
		}
		e.mu.Unlock()
		e.wg.Wait()
		e.logger.Info().Msg("entitlement engine stopped")
	})
}

// Decision returns the currently published access decision.
func (e *Engine) Decision() AccessDecision {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.decision
}

// Outcome returns the latest verification outcome.
func (e *Engine) Outcome() VerificationOutcome {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.outcome
}

// Ledger returns the current ledger snapshot.
func (e *Engine) Ledger() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshot
}

// Subscribe registers for decision updates. The returned cancel function must
// be called to release the subscription. Slow subscribers miss intermediate
// decisions rather than blocking the engine.
func (e *Engine) Subscribe() (<-chan AccessDecision, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextSub
	e.nextSub++
	ch := make(chan AccessDecision, 8)
	e.subs[id] = ch

	// Seed with the current decision so subscribers need no separate read.
	ch <- e.decision

	cancel := func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if _, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// ApplyEvent applies a single transaction event to the ledger, recomputes the
// decision against the existing verification outcome, and schedules a
// (debounced) verification of the new snapshot. Duplicate events are no-ops.
func (e *Engine) ApplyEvent(ctx context.Context, txn Transaction) error {
	now := e.now()

	e.mu.Lock()
	next := e.snapshot.Apply(txn, now)
	if next.Revision == e.snapshot.Revision {
		e.mu.Unlock()
		e.logger.Debug().
			Str("transaction_id", txn.TransactionID).
			Msg("duplicate transaction event ignored")
		return nil
	}
	e.snapshot = next
	e.evaluateLocked(now)
	e.scheduleVerifyLocked()
	e.mu.Unlock()

	e.logger.Info().
		Str("product_id", txn.ProductID).
		Str("transaction_id", txn.TransactionID).
		Uint64("revision", next.Revision).
		Bool("revoked", txn.Revoked).
		Msg("transaction event applied")

	e.persistSnapshot(ctx, next)
	return nil
}

// RefreshLedger replaces the ledger wholesale from the purchase platform. On
// platform failure the last known-good snapshot is kept; an empty snapshot is
// never fabricated, since that would be indistinguishable from "never
// purchased".
func (e *Engine) RefreshLedger(ctx context.Context) error {
	if e.platform == nil {
		return nil
	}

	txns, err := e.platform.CurrentTransactions(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("ledger refresh failed, keeping last known snapshot")
		return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}

	now := e.now()
	e.mu.Lock()
	e.snapshot = e.snapshot.Replace(txns, now)
	e.evaluateLocked(now)
	snap := e.snapshot
	e.mu.Unlock()

	e.logger.Info().
		Int("transactions", len(txns)).
		Uint64("revision", snap.Revision).
		Msg("ledger refreshed from purchase platform")

	e.persistSnapshot(ctx, snap)
	return nil
}

// Verify runs a server verification of the current snapshot and returns the
// resulting decision. Calls are single-flight: a trigger arriving while a
// verification is in progress attaches to the in-flight call instead of
// issuing a duplicate request.
//
// With force set, a transport failure is not papered over with a cached
// outcome; restore uses this to guarantee a genuinely fresh answer. A forced
// trigger that attached to an unforced in-flight call therefore runs once
// more afterwards, since the shared result may have come from the cache
// fallback. Concurrent forced triggers still coalesce onto one call.
func (e *Engine) Verify(ctx context.Context, force bool) (AccessDecision, error) {
	ran, err, shared := e.group.Do("verify", func() (interface{}, error) {
		e.runVerification(ctx, force)
		return force, nil
	})
	if shared {
		e.logger.Debug().Msg("verification trigger coalesced onto in-flight call")
	}

	if ranForced, _ := ran.(bool); force && shared && !ranForced {
		_, err, _ = e.group.Do("verify", func() (interface{}, error) {
			e.runVerification(ctx, true)
			return true, nil
		})
	}

	if err != nil {
		return e.Decision(), err
	}
	return e.Decision(), nil
}

// runVerification performs one verification pass. It is only ever executed
// under the single-flight group.
func (e *Engine) runVerification(ctx context.Context, force bool) {
	e.mu.RLock()
	snap := e.snapshot
	cached := e.outcome
	e.mu.RUnlock()

	outcome, err := e.verifier.Verify(ctx, snap)
	now := e.now()
	switch {
	case err == nil:
		outcome.Source = SourceLive
		if outcome.CheckedAt.IsZero() {
			outcome.CheckedAt = now
		}
	case !force && cached.FreshWithin(e.cfg.OutcomeTTL, now):
		e.logger.Warn().Err(err).
			Time("checked_at", cached.CheckedAt).
			Msg("verification unreachable, reusing cached outcome within TTL")
		outcome = cached
		outcome.Source = SourceCached
	default:
		// Fail closed: no fresh cached outcome means no access.
		e.logger.Warn().Err(err).Bool("forced", force).
			Msg("verification unreachable with no usable cached outcome")
		outcome = VerificationOutcome{
			Verified:  false,
			CheckedAt: now,
			Source:    SourceLive,
			ErrorKind: ErrorKindTransport,
			Reason:    err.Error(),
		}
	}

	e.mu.Lock()
	e.outcome = outcome
	e.evaluateLocked(now)
	advanced := e.snapshot.Revision != snap.Revision
	e.mu.Unlock()

	e.persistOutcome(outcome)

	// A ledger event that arrived mid-flight must not be absorbed into this
	// result; verify again with the newer snapshot.
	if advanced {
		go func() {
			vctx, cancel := context.WithTimeout(context.Background(), verifyCallBudget)
			defer cancel()
			if _, err := e.Verify(vctx, false); err != nil {
				e.logger.Warn().Err(err).Msg("follow-up verification failed")
			}
		}()
	}
}

// evaluateLocked recomputes and publishes the access decision from the current
// snapshot and outcome. Callers must hold e.mu.
func (e *Engine) evaluateLocked(now time.Time) {
	status := DeriveStatus(e.snapshot, now)
	decision := Combine(status, e.outcome, e.cfg.OutcomeTTL, e.snapshot.Revision, now)

	prev := e.decision
	e.decision = decision
	if decision.Allowed != prev.Allowed || decision.Status != prev.Status {
		e.logger.Info().
			Bool("allowed", decision.Allowed).
			Str("status", string(decision.Status)).
			Uint64("revision", decision.Revision).
			Msg("access decision changed")
	}

	for _, ch := range e.subs {
		select {
		case ch <- decision:
		default:
		}
	}

	e.scheduleExpiryLocked(now)
}

// scheduleExpiryLocked arranges a re-evaluation (and re-verification attempt)
// at the instant the current outcome goes stale, so an allowed decision does
// not silently outlive its TTL. Callers must hold e.mu.
func (e *Engine) scheduleExpiryLocked(now time.Time) {
	if e.expiry != nil {
		e.expiry.Stop()
		e.expiry = nil
	}
	if !e.decision.Allowed {
		return
	}

	staleAt := e.outcome.CheckedAt.Add(e.cfg.OutcomeTTL)
	delay := staleAt.Sub(now) + time.Millisecond
	if delay < 0 {
		delay = 0
	}
	e.expiry = time.AfterFunc(delay, e.onOutcomeExpired)
}

func (e *Engine) onOutcomeExpired() {
	select {
	case <-e.stopCh:
		return
	default:
	}

	e.mu.Lock()
	e.evaluateLocked(e.now())
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), verifyCallBudget)
	defer cancel()
	if _, err := e.Verify(ctx, false); err != nil {
		e.logger.Warn().Err(err).Msg("re-verification after outcome expiry failed")
	}
}

// scheduleVerifyLocked arms the debounce timer so that bursts of ledger events
// result in a single verification using the latest snapshot. Callers must hold
// e.mu.
func (e *Engine) scheduleVerifyLocked() {
	fire := func() {
		select {
		case <-e.stopCh:
			return
		default:
		}
		ctx, cancel := context.WithTimeout(context.Background(), verifyCallBudget)
		defer cancel()
		if _, err := e.Verify(ctx, false); err != nil {
			e.logger.Warn().Err(err).Msg("scheduled verification failed")
		}
	}

	if e.cfg.DebounceWindow <= 0 {
		go fire()
		return
	}
	if e.debounce != nil {
		e.debounce.Stop()
	}
	e.debounce = time.AfterFunc(e.cfg.DebounceWindow, fire)
}

func (e *Engine) reverifyLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.ReverifyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), verifyCallBudget)
			if _, err := e.Verify(ctx, false); err != nil {
				e.logger.Warn().Err(err).Msg("periodic verification failed")
			}
			cancel()
		}
	}
}

// loadPersisted seeds engine state from the store so a restart inside the
// outcome TTL does not lock out a paying user.
func (e *Engine) loadPersisted(ctx context.Context) {
	if e.store == nil {
		return
	}

	if snap, ok, err := e.store.LoadSnapshot(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("failed to load persisted ledger snapshot")
	} else if ok {
		e.mu.Lock()
		e.snapshot = snap
		e.mu.Unlock()
		e.logger.Info().
			Int("transactions", len(snap.Transactions)).
			Uint64("revision", snap.Revision).
			Msg("ledger snapshot restored from store")
	}

	if outcome, ok, err := e.store.LoadOutcome(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("failed to load persisted verification outcome")
	} else if ok {
		e.mu.Lock()
		e.outcome = outcome
		e.outcome.Source = SourceCached
		e.mu.Unlock()
	}
}

func (e *Engine) persistSnapshot(ctx context.Context, snap Snapshot) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveSnapshot(ctx, snap); err != nil {
		e.logger.Warn().Err(err).Msg("failed to persist ledger snapshot")
	}
}

func (e *Engine) persistOutcome(outcome VerificationOutcome) {
	if e.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.SaveOutcome(ctx, outcome); err != nil {
		e.logger.Warn().Err(err).Msg("failed to persist verification outcome")
	}
}
