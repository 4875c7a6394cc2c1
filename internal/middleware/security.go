package middleware

import (
	"github.com/gin-gonic/gin"
)

// SecurityHeaders marks client API responses as uncacheable, unframeable data
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("X-Frame-Options", "DENY")
		c.Writer.Header().Set("X-Content-Type-Options", "nosniff")
		c.Writer.Header().Set("Referrer-Policy", "no-referrer")

		// negotiation blobs carry ICE addresses
		c.Writer.Header().Set("Cache-Control", "no-store")

		c.Next()
	}
}
