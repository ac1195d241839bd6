// Package main is the entrypoint for the Peter entitlement service.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/phira-ventures/peter-entitlements/internal/api"
	"github.com/phira-ventures/peter-entitlements/internal/config"
	"github.com/phira-ventures/peter-entitlements/internal/entitlement"
	"github.com/phira-ventures/peter-entitlements/internal/gate"
	"github.com/phira-ventures/peter-entitlements/internal/listener"
	"github.com/phira-ventures/peter-entitlements/internal/platform"
	"github.com/phira-ventures/peter-entitlements/internal/store"
	"github.com/phira-ventures/peter-entitlements/internal/verifier"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("version", Version).Logger()
	if os.Getenv("ENV") != string(config.EnvProduction) {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	logger.Info().
		Str("version", Version).
		Str("commit", Commit).
		Str("build_date", BuildDate).
		Msg("Starting Peter entitlement service")

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load configuration")
		return 1
	}
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("Invalid configuration")
		return 1
	}

	stateStore, err := store.New(cfg.DataDir, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to open state store")
		return 1
	}
	defer stateStore.Close()

	var platformKey ed25519.PublicKey
	if cfg.Platform.PublicKey != "" {
		decoded, err := hex.DecodeString(cfg.Platform.PublicKey)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to decode PLATFORM_PUBLIC_KEY (expected hex-encoded Ed25519 public key)")
			return 1
		}
		if len(decoded) != ed25519.PublicKeySize {
			logger.Error().Int("got", len(decoded)).Int("expected", ed25519.PublicKeySize).Msg("Invalid PLATFORM_PUBLIC_KEY size")
			return 1
		}
		platformKey = ed25519.PublicKey(decoded)
	} else {
		logger.Warn().Msg("No platform public key configured, event signatures will not be verified")
	}

	platformClient := platform.NewClient(platform.Config{
		BaseURL:   cfg.Platform.BaseURL,
		StreamURL: cfg.Platform.StreamURL,
		APIKey:    cfg.Platform.APIKey,
		PublicKey: platformKey,
	}, logger)

	verifyClient := verifier.New(verifier.Config{
		BaseURL:     cfg.Verifier.BaseURL,
		APIKey:      cfg.Verifier.APIKey,
		Timeout:     cfg.Verifier.Timeout.Std(),
		MaxRetries:  cfg.Verifier.MaxRetries,
		BackoffBase: cfg.Verifier.BackoffBase.Std(),
		BackoffMax:  cfg.Verifier.BackoffMax.Std(),
	}, logger)

	engine := entitlement.NewEngine(entitlement.EngineOptions{
		Verifier: verifyClient,
		Platform: platformClient,
		Store:    stateStore,
		Config: entitlement.Config{
			OutcomeTTL:       cfg.Engine.OutcomeTTL.Std(),
			DebounceWindow:   cfg.Engine.DebounceWindow.Std(),
			ReverifyInterval: cfg.Engine.ReverifyInterval.Std(),
		},
		Logger: logger,
	})

	accessGate := gate.New(engine, platformClient, logger)

	txListener := listener.New(listener.Config{
		ReconnectBase: cfg.Listener.ReconnectBase.Std(),
		ReconnectMax:  cfg.Listener.ReconnectMax.Std(),
	}, func(ctx context.Context) (listener.Stream, error) {
		return platformClient.DialEvents(ctx)
	}, engine, platformKey, logger)

	accessGate.Start()
	if err := engine.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to start entitlement engine")
		return 1
	}
	txListener.Start()

	router, err := api.NewRouter(api.Config{
		Environment:       cfg.Environment,
		APIKey:            cfg.APIKey,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitPeriod:   cfg.RateLimitPeriod.Std(),
		Version:           Version,
		Commit:            Commit,
		BuildDate:         BuildDate,
	}, accessGate, engine, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create API router")
		return 1
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("HTTP server listening")
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("HTTP server failed")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP server shutdown incomplete")
	}

	txListener.Stop()
	engine.Stop()
	accessGate.Stop()

	logger.Info().Msg("Shutdown complete")
	return 0
}
