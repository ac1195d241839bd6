// Package config provides configuration for the entitlement service.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML duration strings like
// "6h" or "250ms". yaml.v3 cannot decode those into time.Duration directly.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Environment represents the deployment environment.
type Environment string

const (
	// EnvDevelopment is the default local development environment.
	EnvDevelopment Environment = "development"
	// EnvStaging is the staging/pre-production environment.
	EnvStaging Environment = "staging"
	// EnvProduction is the production environment.
	EnvProduction Environment = "production"
)

// ServerConfig holds the full service configuration. Values come from an
// optional YAML file overridden by environment variables; every numeric is a
// tunable, not a contract.
type ServerConfig struct {
	Environment Environment `yaml:"environment"`
	ListenAddr  string      `yaml:"listen_addr"`
	// APIKey is the bearer token the Peter app presents to this service.
	APIKey  string `yaml:"api_key"`
	DataDir string `yaml:"data_dir"`

	RateLimitRequests int64    `yaml:"rate_limit_requests"`
	RateLimitPeriod   Duration `yaml:"rate_limit_period"`

	Platform PlatformConfig `yaml:"platform"`
	Verifier VerifierConfig `yaml:"verifier"`
	Engine   EngineConfig   `yaml:"engine"`
	Listener ListenerConfig `yaml:"listener"`
}

// PlatformConfig holds purchase platform connection settings.
type PlatformConfig struct {
	BaseURL   string `yaml:"base_url"`
	StreamURL string `yaml:"stream_url"`
	APIKey    string `yaml:"api_key"`
	// PublicKey is the hex-encoded Ed25519 key that signs stream events.
	PublicKey string `yaml:"public_key"`
}

// VerifierConfig holds verification endpoint settings.
type VerifierConfig struct {
	BaseURL     string   `yaml:"base_url"`
	APIKey      string   `yaml:"api_key"`
	Timeout     Duration `yaml:"timeout"`
	MaxRetries  int      `yaml:"max_retries"`
	BackoffBase Duration `yaml:"backoff_base"`
	BackoffMax  Duration `yaml:"backoff_max"`
}

// EngineConfig holds entitlement engine tunables.
type EngineConfig struct {
	OutcomeTTL       Duration `yaml:"outcome_ttl"`
	DebounceWindow   Duration `yaml:"debounce_window"`
	ReverifyInterval Duration `yaml:"reverify_interval"`
}

// ListenerConfig holds transaction listener tunables.
type ListenerConfig struct {
	ReconnectBase Duration `yaml:"reconnect_base"`
	ReconnectMax  Duration `yaml:"reconnect_max"`
}

// Default returns the baseline configuration before file and environment
// overrides.
func Default() ServerConfig {
	return ServerConfig{
		Environment:       EnvDevelopment,
		ListenAddr:        ":8484",
		DataDir:           "/var/lib/peter-entitlements",
		RateLimitRequests: 100,
		RateLimitPeriod:   Duration(time.Minute),
		Verifier: VerifierConfig{
			Timeout:     Duration(10 * time.Second),
			MaxRetries:  3,
			BackoffBase: Duration(500 * time.Millisecond),
			BackoffMax:  Duration(8 * time.Second),
		},
		Engine: EngineConfig{
			OutcomeTTL:       Duration(6 * time.Hour),
			DebounceWindow:   Duration(250 * time.Millisecond),
			ReverifyInterval: Duration(time.Hour),
		},
		Listener: ListenerConfig{
			ReconnectBase: Duration(time.Second),
			ReconnectMax:  Duration(2 * time.Minute),
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// non-empty and present), then environment variables.
func Load(path string) (ServerConfig, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	switch cfg.Environment {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		cfg.Environment = EnvDevelopment
	}
	return cfg, nil
}

// Validate checks the settings a running service cannot do without.
func (c ServerConfig) Validate() error {
	if c.Verifier.BaseURL == "" {
		return fmt.Errorf("verifier base URL is required (VERIFY_URL)")
	}
	if c.Platform.BaseURL == "" {
		return fmt.Errorf("purchase platform base URL is required (PLATFORM_URL)")
	}
	return nil
}

func (c *ServerConfig) applyEnv() {
	c.Environment = Environment(getEnvStr("ENV", string(c.Environment)))
	c.ListenAddr = getEnvStr("LISTEN_ADDR", c.ListenAddr)
	c.APIKey = getEnvStr("API_KEY", c.APIKey)
	c.DataDir = getEnvStr("DATA_DIR", c.DataDir)
	c.RateLimitRequests = int64(getEnvInt("RATE_LIMIT_REQUESTS", int(c.RateLimitRequests)))
	c.RateLimitPeriod = getEnvDuration("RATE_LIMIT_PERIOD", c.RateLimitPeriod)

	c.Platform.BaseURL = getEnvStr("PLATFORM_URL", c.Platform.BaseURL)
	c.Platform.StreamURL = getEnvStr("PLATFORM_STREAM_URL", c.Platform.StreamURL)
	c.Platform.APIKey = getEnvStr("PLATFORM_API_KEY", c.Platform.APIKey)
	c.Platform.PublicKey = getEnvStr("PLATFORM_PUBLIC_KEY", c.Platform.PublicKey)

	c.Verifier.BaseURL = getEnvStr("VERIFY_URL", c.Verifier.BaseURL)
	c.Verifier.APIKey = getEnvStr("VERIFY_API_KEY", c.Verifier.APIKey)
	c.Verifier.Timeout = getEnvDuration("VERIFY_TIMEOUT", c.Verifier.Timeout)
	c.Verifier.MaxRetries = getEnvInt("VERIFY_MAX_RETRIES", c.Verifier.MaxRetries)
	c.Verifier.BackoffBase = getEnvDuration("VERIFY_BACKOFF_BASE", c.Verifier.BackoffBase)
	c.Verifier.BackoffMax = getEnvDuration("VERIFY_BACKOFF_MAX", c.Verifier.BackoffMax)

	c.Engine.OutcomeTTL = getEnvDuration("OUTCOME_TTL", c.Engine.OutcomeTTL)
	c.Engine.DebounceWindow = getEnvDuration("DEBOUNCE_WINDOW", c.Engine.DebounceWindow)
	c.Engine.ReverifyInterval = getEnvDuration("REVERIFY_INTERVAL", c.Engine.ReverifyInterval)

	c.Listener.ReconnectBase = getEnvDuration("LISTENER_RECONNECT_BASE", c.Listener.ReconnectBase)
	c.Listener.ReconnectMax = getEnvDuration("LISTENER_RECONNECT_MAX", c.Listener.ReconnectMax)
}

// getEnvStr reads a string from an environment variable, returning the default
// if unset.
func getEnvStr(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// getEnvInt reads an integer from an environment variable, returning the
// default if unset or invalid.
func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

// getEnvDuration reads a duration from an environment variable, returning the
// default if unset or invalid.
func getEnvDuration(key string, defaultVal Duration) Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}
	return Duration(d)
}
