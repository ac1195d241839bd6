// Package listener runs the long-lived subscription to the purchase platform
// event stream and feeds validated events into the entitlement engine.
package listener

import (
	"context"
	"crypto/ed25519"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/phira-ventures/peter-entitlements/internal/entitlement"
	"github.com/phira-ventures/peter-entitlements/internal/metrics"
	"github.com/phira-ventures/peter-entitlements/internal/platform"
)

const (
	// DefaultReconnectBase is the initial delay before reconnecting a failed
	// event stream.
	DefaultReconnectBase = 1 * time.Second
	// DefaultReconnectMax caps the reconnect delay.
	DefaultReconnectMax = 2 * time.Minute

	// applyTimeout bounds a single ledger update.
	applyTimeout = 10 * time.Second
)

// Stream is one live event stream connection.
type Stream interface {
	Next(ctx context.Context) (platform.TransactionEvent, error)
	Ack(id uuid.UUID) error
	Close() error
}

// DialFunc opens a new event stream connection.
type DialFunc func(ctx context.Context) (Stream, error)

// Ledger receives validated transaction events. Applying an event also
// schedules the re-evaluation of the access decision.
type Ledger interface {
	ApplyEvent(ctx context.Context, txn entitlement.Transaction) error
}

// Config holds listener tunables.
type Config struct {
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
}

// DefaultListenerConfig returns the default listener tunables.
func DefaultListenerConfig() Config {
	return Config{
		ReconnectBase: DefaultReconnectBase,
		ReconnectMax:  DefaultReconnectMax,
	}
}

// Listener consumes the platform event stream for the process lifetime.
// Start and Stop are idempotent: starting twice never creates two consumers.
type Listener struct {
	cfg       Config
	dial      DialFunc
	ledger    Ledger
	publicKey ed25519.PublicKey
	logger    zerolog.Logger

	mu     sync.Mutex
	stream Stream

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New creates a listener. The public key, when present, is used to validate
// event signatures; events failing validation are dropped.
func New(cfg Config, dial DialFunc, ledger Ledger, publicKey ed25519.PublicKey, logger zerolog.Logger) *Listener {
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = DefaultReconnectBase
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = DefaultReconnectMax
	}
	return &Listener{
		cfg:       cfg,
		dial:      dial,
		ledger:    ledger,
		publicKey: publicKey,
		logger:    logger.With().Str("component", "transaction_listener").Logger(),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the background consumer.
func (l *Listener) Start() {
	l.startOnce.Do(func() {
		l.wg.Add(1)
		go l.run()
		l.logger.Info().Msg("transaction listener started")
	})
}

// Stop terminates the consumer and waits for it to exit.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		l.mu.Lock()
		if l.stream != nil {
			_ = l.stream.Close()
		}
		l.mu.Unlock()
		l.wg.Wait()
		l.logger.Info().Msg("transaction listener stopped")
	})
}

// run is the connect/consume/reconnect loop. Transport failures back off
// exponentially and never crash the process.
func (l *Listener) run() {
	defer l.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.cfg.ReconnectBase
	bo.MaxInterval = l.cfg.ReconnectMax
	bo.MaxElapsedTime = 0

	for {
		select {
		case <-l.stopCh:
			return
		default:
		}

		stream, err := l.dial(context.Background())
		if err != nil {
			metrics.ListenerReconnects.Inc()
			delay := bo.NextBackOff()
			l.logger.Warn().Err(err).Dur("retry_in", delay).Msg("event stream connect failed")
			select {
			case <-l.stopCh:
				return
			case <-time.After(delay):
			}
			continue
		}

		bo.Reset()
		l.setStream(stream)
		l.consume(stream)
		l.setStream(nil)
		_ = stream.Close()

		select {
		case <-l.stopCh:
			return
		default:
			metrics.ListenerReconnects.Inc()
			delay := bo.NextBackOff()
			l.logger.Warn().Dur("retry_in", delay).Msg("event stream lost, reconnecting")
			select {
			case <-l.stopCh:
				return
			case <-time.After(delay):
			}
		}
	}
}

// consume reads events until the stream fails. Malformed frames are dropped
// without killing the connection; a valid event is acknowledged only after the
// ledger update (and the re-evaluation it schedules) has been accepted, so an
// unapplied event is redelivered rather than silently lost.
func (l *Listener) consume(stream Stream) {
	for {
		select {
		case <-l.stopCh:
			return
		default:
		}

		event, err := stream.Next(context.Background())
		if err != nil {
			if errors.Is(err, platform.ErrMalformedEvent) {
				metrics.ListenerEvents.WithLabelValues("malformed").Inc()
				l.logger.Warn().Err(err).Msg("dropped undecodable event frame")
				continue
			}
			select {
			case <-l.stopCh:
			default:
				l.logger.Warn().Err(err).Msg("event stream read failed")
			}
			return
		}

		l.handleEvent(stream, event)
	}
}

func (l *Listener) handleEvent(stream Stream, event platform.TransactionEvent) {
	if err := event.Validate(l.publicKey); err != nil {
		disposition := "malformed"
		if errors.Is(err, platform.ErrInvalidSignature) {
			disposition = "unverified"
		}
		metrics.ListenerEvents.WithLabelValues(disposition).Inc()
		l.logger.Warn().Err(err).
			Str("event_id", event.ID.String()).
			Str("type", string(event.Type)).
			Msg("dropped invalid transaction event")
		// Acknowledged anyway: a poison event must not wedge the stream.
		if err := stream.Ack(event.ID); err != nil {
			l.logger.Warn().Err(err).Msg("failed to acknowledge dropped event")
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), applyTimeout)
	err := l.ledger.ApplyEvent(ctx, event.Transaction)
	cancel()
	if err != nil {
		// Left unacknowledged so the platform redelivers it.
		metrics.ListenerEvents.WithLabelValues("failed").Inc()
		l.logger.Error().Err(err).
			Str("event_id", event.ID.String()).
			Msg("failed to apply transaction event, leaving unacknowledged")
		return
	}

	metrics.ListenerEvents.WithLabelValues("applied").Inc()
	l.logger.Debug().
		Str("event_id", event.ID.String()).
		Str("type", string(event.Type)).
		Str("transaction_id", event.Transaction.TransactionID).
		Msg("transaction event applied")

	if err := stream.Ack(event.ID); err != nil {
		l.logger.Warn().Err(err).
			Str("event_id", event.ID.String()).
			Msg("failed to acknowledge applied event")
	}
}

func (l *Listener) setStream(s Stream) {
	l.mu.Lock()
	l.stream = s
	l.mu.Unlock()
}
