// Package api provides the HTTP API for the entitlement service.
package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/phira-ventures/peter-entitlements/internal/api/handlers"
	"github.com/phira-ventures/peter-entitlements/internal/api/middleware"
	"github.com/phira-ventures/peter-entitlements/internal/config"
)

// Config holds configuration for the API router.
type Config struct {
	Environment config.Environment
	// APIKey the app client must present; empty disables auth (dev only).
	APIKey string
	// RateLimitRequests is the number of requests allowed per period.
	RateLimitRequests int64
	// RateLimitPeriod is the window the request budget applies to.
	RateLimitPeriod time.Duration
	// Version information for the version endpoint.
	Version   string
	Commit    string
	BuildDate string
}

// Router wraps a Gin engine with configured middleware and routes.
type Router struct {
	Engine *gin.Engine
	logger zerolog.Logger
}

// NewRouter creates a new Router with the given dependencies.
func NewRouter(cfg Config, g handlers.Gate, e handlers.Engine, logger zerolog.Logger) (*Router, error) {
	if cfg.Environment == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := &Router{
		Engine: gin.New(),
		logger: logger.With().Str("component", "router").Logger(),
	}

	r.Engine.Use(gin.Recovery())
	r.Engine.Use(middleware.RequestLogger(logger))

	rateLimiter, err := middleware.NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitPeriod)
	if err != nil {
		return nil, fmt.Errorf("create rate limiter: %w", err)
	}
	r.Engine.Use(rateLimiter)

	// Unauthenticated operational endpoints.
	r.Engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.Engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Engine.Group("/api/v1")
	v1.Use(middleware.APIKeyAuth(cfg.APIKey, logger))

	v1.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":    cfg.Version,
			"commit":     cfg.Commit,
			"build_date": cfg.BuildDate,
		})
	})

	entitlementHandler := handlers.NewEntitlementHandler(g, e, logger)
	entitlementHandler.RegisterRoutes(v1)

	return r, nil
}
