package middleware

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

// NewRateLimiter creates a Gin middleware allowing requests per period per
// client IP, backed by an in-memory store.
func NewRateLimiter(requests int64, period time.Duration) (gin.HandlerFunc, error) {
	if requests <= 0 {
		return nil, fmt.Errorf("rate limit requests must be positive, got %d", requests)
	}
	if period <= 0 {
		return nil, fmt.Errorf("rate limit period must be positive, got %s", period)
	}

	instance := limiter.New(memory.NewStore(), limiter.Rate{
		Period: period,
		Limit:  requests,
	})

	return mgin.NewMiddleware(instance), nil
}
