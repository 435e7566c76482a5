package middleware

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
)

// SecureHeadersConfig contains configuration for secure headers
type SecureHeadersConfig struct {
	UseHSTS    bool
	HSTSMaxAge time.Duration
	NoStore    bool
}

// DefaultSecureHeadersConfig returns the default secure headers configuration
func DefaultSecureHeadersConfig(production bool) SecureHeadersConfig {
	return SecureHeadersConfig{
		UseHSTS:    production,
		HSTSMaxAge: 365 * 24 * time.Hour,
		NoStore:    true,
	}
}

// SecureHeaders sets headers suitable for a JSON API serving balances
func SecureHeaders(config SecureHeadersConfig) gin.HandlerFunc {
	hsts := fmt.Sprintf("max-age=%d; includeSubDomains", int(config.HSTSMaxAge.Seconds()))

	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		if config.UseHSTS {
			h.Set("Strict-Transport-Security", hsts)
		}
		if config.NoStore {
			h.Set("Cache-Control", "no-store")
		}
		c.Next()
	}
}
