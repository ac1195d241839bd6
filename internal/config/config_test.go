package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, EnvDevelopment, cfg.Environment)
	assert.Equal(t, ":8484", cfg.ListenAddr)
	assert.Equal(t, Duration(6*time.Hour), cfg.Engine.OutcomeTTL)
	assert.Equal(t, Duration(250*time.Millisecond), cfg.Engine.DebounceWindow)
	assert.Equal(t, 3, cfg.Verifier.MaxRetries)
	assert.Equal(t, Duration(time.Second), cfg.Listener.ReconnectBase)
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadMissingFileIgnored(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
environment: production
listen_addr: ":9000"
verifier:
  base_url: https://verify.peter.app
  max_retries: 5
engine:
  outcome_ttl: 12h
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, EnvProduction, cfg.Environment)
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, "https://verify.peter.app", cfg.Verifier.BaseURL)
	assert.Equal(t, 5, cfg.Verifier.MaxRetries)
	assert.Equal(t, Duration(12*time.Hour), cfg.Engine.OutcomeTTL)
	// Untouched values keep their defaults.
	assert.Equal(t, Duration(250*time.Millisecond), cfg.Engine.DebounceWindow)
}

func TestLoadRejectsInvalidYAMLDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  outcome_ttl: six hours\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: \":9000\"\n"), 0o600))

	t.Setenv("LISTEN_ADDR", ":7777")
	t.Setenv("OUTCOME_TTL", "3h")
	t.Setenv("VERIFY_MAX_RETRIES", "1")
	t.Setenv("PLATFORM_PUBLIC_KEY", "abcd")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7777", cfg.ListenAddr)
	assert.Equal(t, Duration(3*time.Hour), cfg.Engine.OutcomeTTL)
	assert.Equal(t, 1, cfg.Verifier.MaxRetries)
	assert.Equal(t, "abcd", cfg.Platform.PublicKey)
}

func TestInvalidEnvValuesKeepDefaults(t *testing.T) {
	t.Setenv("OUTCOME_TTL", "not-a-duration")
	t.Setenv("VERIFY_MAX_RETRIES", "many")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, Duration(6*time.Hour), cfg.Engine.OutcomeTTL)
	assert.Equal(t, 3, cfg.Verifier.MaxRetries)
}

func TestUnknownEnvironmentFallsBack(t *testing.T) {
	t.Setenv("ENV", "qa")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, EnvDevelopment, cfg.Environment)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.Error(t, cfg.Validate())

	cfg.Verifier.BaseURL = "https://verify.peter.app"
	require.Error(t, cfg.Validate())

	cfg.Platform.BaseURL = "https://platform.peter.app"
	require.NoError(t, cfg.Validate())
}
