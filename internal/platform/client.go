package platform

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/phira-ventures/peter-entitlements/internal/entitlement"
)

// DefaultTimeout is the default HTTP timeout for platform calls.
const DefaultTimeout = 30 * time.Second

// Config holds purchase platform connection settings.
type Config struct {
	// BaseURL of the platform REST API.
	BaseURL string
	// StreamURL of the websocket event stream; derived from BaseURL when empty.
	StreamURL string
	// APIKey authenticates this instance to the platform.
	APIKey string
	// Timeout for REST calls.
	Timeout time.Duration
	// PublicKey verifies event signatures; optional.
	PublicKey ed25519.PublicKey
}

// DefaultClientConfig returns platform client defaults for the given endpoint.
func DefaultClientConfig(baseURL string) Config {
	return Config{
		BaseURL: baseURL,
		Timeout: DefaultTimeout,
	}
}

// Client talks to the purchase platform. It satisfies
// entitlement.PlatformSource and provides the event stream consumed by the
// transaction listener.
type Client struct {
	cfg    Config
	client *http.Client
	logger zerolog.Logger
}

// NewClient creates a purchase platform client.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
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
		logger: logger.With().Str("component", "platform_client").Logger(),
	}
}

// PublicKey returns the configured event signing key, if any.
func (c *Client) PublicKey() ed25519.PublicKey {
	return c.cfg.PublicKey
}

// CurrentTransactions fetches the authoritative transaction set from the
// platform.
func (c *Client) CurrentTransactions(ctx context.Context) ([]entitlement.Transaction, error) {
	var result struct {
		Transactions []entitlement.Transaction `json:"transactions"`
	}
	if err := c.get(ctx, "/api/v1/transactions", &result); err != nil {
		return nil, fmt.Errorf("fetch current transactions: %w", err)
	}
	return result.Transactions, nil
}

// Restore asks the platform to replay the customer's purchases. Results
// re-enter through the event stream; the call itself only acknowledges the
// request.
func (c *Client) Restore(ctx context.Context) error {
	if err := c.post(ctx, "/api/v1/restore", nil, nil); err != nil {
		return fmt.Errorf("request restore: %w", err)
	}
	c.logger.Info().Msg("restore requested from purchase platform")
	return nil
}

// InitiatePurchase starts the platform purchase flow for a product. The
// resulting transaction, if any, arrives through the event stream.
func (c *Client) InitiatePurchase(ctx context.Context, productID string) error {
	body := map[string]string{"product_id": productID}
	if err := c.post(ctx, "/api/v1/purchases", body, nil); err != nil {
		return fmt.Errorf("initiate purchase: %w", err)
	}
	c.logger.Info().Str("product_id", productID).Msg("purchase flow initiated")
	return nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request to %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("platform returned %s for %s", resp.Status, req.URL.Path)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// streamEndpoint resolves the websocket URL for the event stream.
func (c *Client) streamEndpoint() (string, error) {
	if c.cfg.StreamURL != "" {
		return c.cfg.StreamURL, nil
	}

	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse platform base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/v1/events"
	return u.String(), nil
}
