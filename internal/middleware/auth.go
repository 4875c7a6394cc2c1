package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"callsignal/internal/auth"
	"callsignal/pkg/logger"
	"callsignal/pkg/response"
)

// IdentityResolver turns a bearer token into a caller identity
type IdentityResolver interface {
	Resolve(token string) (auth.Identity, error)
}

// AuthMiddleware validates the bearer token and attaches the caller identity
// to the request context. The client API acts for a single user, so a token
// for anyone other than self is rejected.
func AuthMiddleware(resolver IdentityResolver, self auth.Identity) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if token == "" {
			// browsers cannot set headers on websocket upgrades
			token = c.Query("access_token")
		}
		if token == "" {
			response.Unauthorized(c, "Authorization header required")
			c.Abort()
			return
		}

		identity, err := resolver.Resolve(token)
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}
		if identity.ID != self.ID {
			logger.Warn("Token for another user presented to client API",
				zap.String("user_id", identity.ID.String()))
			response.Error(c, http.StatusForbidden, "FORBIDDEN", "Token does not belong to this client")
			c.Abort()
			return
		}
		if identity.Name == "" {
			identity.Name = self.Name
		}

		c.Set("user_id", identity.ID)
		c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), identity))
		c.Next()
	}
}
