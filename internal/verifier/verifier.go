// Package verifier implements the client for the remote entitlement
// verification endpoint, with bounded retry for transient failures.
package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/phira-ventures/peter-entitlements/internal/entitlement"
	"github.com/phira-ventures/peter-entitlements/internal/metrics"
)

const (
	// DefaultTimeout is the per-attempt HTTP timeout.
	DefaultTimeout = 10 * time.Second
	// DefaultMaxRetries is how many times a transient failure is retried.
	DefaultMaxRetries = 3
	// DefaultBackoffBase is the initial retry delay.
	DefaultBackoffBase = 500 * time.Millisecond
	// DefaultBackoffMax caps the retry delay.
	DefaultBackoffMax = 8 * time.Second
)

var (
	// ErrTransport indicates the verification server could not be reached or
	// answered with a transient (5xx-class) failure after all retries.
	ErrTransport = errors.New("verification transport failure")
	// errMalformed indicates the server rejected the request as unparseable.
	// Not retried: resending the same bytes cannot change the answer.
	errMalformed = errors.New("verification request malformed")
)

// Config holds verifier configuration.
type Config struct {
	// BaseURL of the verification endpoint, e.g. https://verify.peter.app
	BaseURL string
	// APIKey authenticates this instance to the verification server.
	APIKey string
	// Timeout per HTTP attempt.
	Timeout time.Duration
	// MaxRetries for transient failures.
	MaxRetries int
	// BackoffBase is the initial delay between retries; doubles per attempt.
	BackoffBase time.Duration
	// BackoffMax caps the delay between retries.
	BackoffMax time.Duration
}

// DefaultConfig returns verifier defaults for the given endpoint.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:     baseURL,
		Timeout:     DefaultTimeout,
		MaxRetries:  DefaultMaxRetries,
		BackoffBase: DefaultBackoffBase,
		BackoffMax:  DefaultBackoffMax,
	}
}

// Client verifies ledger snapshots against the remote authority. It satisfies
// entitlement.Verifier.
type Client struct {
	cfg    Config
	client *http.Client
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a verification client.
func New(cfg Config, logger zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultBackoffMax
	}

	return &Client{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger.With().Str("component", "server_verifier").Logger(),
		now:    time.Now,
	}
}

// verifyRequest is the wire form of a ledger snapshot: product ids plus
// transaction identifiers, nothing else leaves the device.
type verifyRequest struct {
	ProductIDs   []string          `json:"product_ids"`
	Transactions []wireTransaction `json:"transactions"`
	Revision     uint64            `json:"revision"`
}

type wireTransaction struct {
	ProductID     string `json:"product_id"`
	TransactionID string `json:"transaction_id"`
}

type verifyResponse struct {
	Verified bool   `json:"verified"`
	Reason   string `json:"reason,omitempty"`
}

// Verify checks the snapshot against the verification server. Transient
// failures (network errors, timeouts, 5xx) are retried with exponential
// backoff up to the configured attempt count and then surface as ErrTransport.
// Explicit rejections and malformed-request responses are never retried and
// are absorbed into the returned outcome with a distinguishing error kind.
func (c *Client) Verify(ctx context.Context, snap entitlement.Snapshot) (entitlement.VerificationOutcome, error) {
	req := verifyRequest{
		ProductIDs:   snap.ProductIDs(),
		Transactions: make([]wireTransaction, 0, len(snap.Transactions)),
		Revision:     snap.Revision,
	}
	for _, txn := range snap.Transactions {
		req.Transactions = append(req.Transactions, wireTransaction{
			ProductID:     txn.ProductID,
			TransactionID: txn.TransactionID,
		})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return entitlement.VerificationOutcome{}, fmt.Errorf("marshal verify request: %w", err)
	}

	var result verifyResponse
	var rejectionReason string

	attempt := func() error {
		res, err := c.post(ctx, body)
		if err != nil {
			c.logger.Debug().Err(err).Msg("verification attempt failed")
			return err
		}
		defer res.Body.Close()

		switch {
		case res.StatusCode >= http.StatusInternalServerError:
			return fmt.Errorf("server error: %s", res.Status)
		case res.StatusCode == http.StatusBadRequest:
			return backoff.Permanent(errMalformed)
		case res.StatusCode >= http.StatusBadRequest:
			rejectionReason = res.Status
			return backoff.Permanent(fmt.Errorf("verification rejected: %s", res.Status))
		}

		if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
			return fmt.Errorf("decode verify response: %w", err)
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.BackoffBase
	bo.MaxInterval = c.cfg.BackoffMax
	bo.MaxElapsedTime = 0

	err = backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.cfg.MaxRetries)), ctx))
	checkedAt := c.now()

	switch {
	case err == nil:
		if result.Verified {
			metrics.VerificationAttempts.WithLabelValues("verified").Inc()
			return entitlement.VerificationOutcome{
				Verified:  true,
				CheckedAt: checkedAt,
			}, nil
		}
		metrics.VerificationAttempts.WithLabelValues("rejected").Inc()
		c.logger.Warn().Str("reason", result.Reason).Msg("verification denied by server")
		return entitlement.VerificationOutcome{
			Verified:  false,
			CheckedAt: checkedAt,
			ErrorKind: entitlement.ErrorKindRejection,
			Reason:    result.Reason,
		}, nil

	case errors.Is(err, errMalformed):
		metrics.VerificationAttempts.WithLabelValues("malformed").Inc()
		c.logger.Error().Msg("verification server rejected request as malformed")
		return entitlement.VerificationOutcome{
			Verified:  false,
			CheckedAt: checkedAt,
			ErrorKind: entitlement.ErrorKindMalformed,
			Reason:    errMalformed.Error(),
		}, nil

	case rejectionReason != "":
		metrics.VerificationAttempts.WithLabelValues("rejected").Inc()
		return entitlement.VerificationOutcome{
			Verified:  false,
			CheckedAt: checkedAt,
			ErrorKind: entitlement.ErrorKindRejection,
			Reason:    rejectionReason,
		}, nil

	default:
		metrics.VerificationAttempts.WithLabelValues("transport").Inc()
		return entitlement.VerificationOutcome{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
}

func (c *Client) post(ctx context.Context, body []byte) (*http.Response, error) {
	url := c.cfg.BaseURL + "/api/v1/verify"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	return c.client.Do(req)
}
