package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// APIKeyAuth returns a middleware requiring a bearer token matching the
// configured key. With an empty key the middleware is a no-op, which is only
// acceptable outside production.
func APIKeyAuth(apiKey string, logger zerolog.Logger) gin.HandlerFunc {
	log := logger.With().Str("component", "apikey_middleware").Logger()
	if apiKey == "" {
		log.Warn().Msg("API_KEY is empty, entitlement API is unauthenticated")
		return func(c *gin.Context) { c.Next() }
	}

	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
			log.Debug().Str("path", c.Request.URL.Path).Msg("rejected request with invalid API key")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid API key"})
			return
		}

		c.Next()
	}
}
