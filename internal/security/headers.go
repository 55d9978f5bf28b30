// Package security provides response hardening and CORS middleware for the
// audit API.
package security

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/approval-auditor/pkg/x402"
)

// HeadersMiddleware adds security headers to all responses
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")

		// JSON only; nothing is ever rendered.
		c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		c.Header("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
		c.Header("Cache-Control", "no-store")

		c.Next()
	}
}

var (
	allowedHeaders = strings.Join([]string{
		"Content-Type",
		"X-Request-ID",
		x402.ProofHeader,
		x402.LegacyProofHeader,
	}, ", ")
	exposedHeaders = strings.Join([]string{
		"X-Request-ID",
		"X-Payment-Required",
		"X-Payment-Amount",
		"X-Payment-Recipient",
		"X-Payment-Network",
		"Retry-After",
	}, ", ")
)

// CORSMiddleware handles CORS for API endpoints. Browser agents need to read
// the X-Payment-* headers of a 402 and send a proof header on the retry.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	originsMap := make(map[string]bool)
	for _, o := range allowedOrigins {
		originsMap[o] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		if len(allowedOrigins) == 0 || originsMap[origin] || originsMap["*"] {
			if origin != "" {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Methods", "GET, POST, HEAD, OPTIONS")
			c.Header("Access-Control-Allow-Headers", allowedHeaders)
			c.Header("Access-Control-Expose-Headers", exposedHeaders)
			c.Header("Access-Control-Max-Age", "86400")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
