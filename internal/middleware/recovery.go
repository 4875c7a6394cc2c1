package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"callsignal/pkg/logger"
	"callsignal/pkg/response"
)

// Recovery recovers from panics and returns 500 error
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("Panic in request handler",
					zap.Any("panic", err),
					zap.String("path", c.Request.URL.Path),
					zap.ByteString("stack", debug.Stack()))

				response.InternalError(c, "Internal server error")
				c.Abort()
			}
		}()
		c.Next()
	}
}

// HealthCheck answers /health, reporting degraded when check fails
func HealthCheck(serviceName string, check func() error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path != "/health" {
			c.Next()
			return
		}

		status, code := "healthy", http.StatusOK
		body := gin.H{"service": serviceName}
		if check != nil {
			if err := check(); err != nil {
				status, code = "degraded", http.StatusServiceUnavailable
				body["error"] = err.Error()
			}
		}
		body["status"] = status
		c.JSON(code, body)
		c.Abort()
	}
}
