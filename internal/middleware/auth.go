package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"msgpilot/internal/auth"
	"msgpilot/internal/model"
	"msgpilot/internal/store"
)

const identityContextKey = "identityKey"

// IdentityFromContext returns the authenticated identity key set by
// RequireAPIKey.
func IdentityFromContext(c *gin.Context) (string, bool) {
	v, ok := c.Get(identityContextKey)
	if !ok {
		return "", false
	}
	key, ok := v.(string)
	return key, ok && key != ""
}

// IdentityResolver resolves an API key to a registered identity. The store
// satisfies it; authentication never starts a session.
type IdentityResolver interface {
	IdentityByAPIKey(ctx context.Context, apiKey string) (model.Identity, error)
}

// RequireAPIKey authenticates a request. Accepted forms: a raw API key in the
// Authorization header or x-api-key, or a Bearer token previously issued by
// the token endpoint.
func RequireAPIKey(resolver IdentityResolver, cfg auth.TokenConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("Authorization")
		if raw == "" {
			raw = c.GetHeader("x-api-key")
		}
		if raw == "" {
			unauthorized(c)
			return
		}

		if token, ok := strings.CutPrefix(raw, "Bearer "); ok {
			claims, err := auth.VerifyToken(token, cfg)
			if err != nil {
				unauthorized(c)
				return
			}
			c.Set(identityContextKey, claims.IdentityKey)
			c.Next()
			return
		}

		ident, err := resolver.IdentityByAPIKey(c.Request.Context(), raw)
		if err != nil {
			if errors.Is(err, store.ErrNotRegistered) {
				unauthorized(c)
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Authentication lookup failed"})
			c.Abort()
			return
		}
		c.Set(identityContextKey, ident.ID)
		c.Next()
	}
}

func unauthorized(c *gin.Context) {
	c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
	c.Abort()
}
