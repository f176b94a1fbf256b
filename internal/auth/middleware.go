package auth

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/destekhq/destek-server/internal/apierr"
	"github.com/destekhq/destek-server/internal/logger"
)

type contextKey string

const (
	// UserIDKey is the gin context key for the authenticated user id.
	UserIDKey contextKey = "user_id"
	// UsernameKey is the gin context key for the authenticated username.
	UsernameKey contextKey = "username"
)

// Middleware guards routes with access-token validation.
type Middleware struct {
	validator TokenValidator
}

// NewMiddleware creates the auth middleware over any validator.
func NewMiddleware(validator TokenValidator) *Middleware {
	return &Middleware{validator: validator}
}

// RequireAuth validates the access token and attaches the identity to the
// request. The token is accepted from the auth cookie, an Authorization
// Bearer header or, for WebSocket upgrades only, a token query parameter
// (the browser WebSocket API cannot set headers during the upgrade).
func (m *Middleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ""

		if cookie, err := c.Cookie(AccessCookieName); err == nil && cookie != "" {
			token = cookie
		}

		if token == "" {
			authHeader := c.GetHeader("Authorization")
			if strings.HasPrefix(authHeader, "Bearer ") {
				token = strings.TrimPrefix(authHeader, "Bearer ")
			}
		}

		if token == "" && strings.EqualFold(c.Request.Header.Get("Upgrade"), "websocket") {
			token = c.Query("token")
		}

		if token == "" {
			apierr.AbortWithUnauthorized(c, "authentication required", nil)
			return
		}

		claims, err := m.validator.Validate(token)
		if err != nil {
			apierr.AbortWithUnauthorized(c, "invalid or expired token", nil)
			return
		}

		ctx := c.Request.Context()
		ctx = logger.WithUserID(ctx, claims.UserID)
		c.Request = c.Request.WithContext(ctx)
		c.Set(string(UserIDKey), claims.UserID)
		c.Set(string(UsernameKey), claims.Username)

		c.Next()
	}
}

// GetUserID extracts the authenticated user id from the gin context.
func GetUserID(c *gin.Context) (string, bool) {
	v, exists := c.Get(string(UserIDKey))
	if !exists {
		return "", false
	}
	id, ok := v.(string)
	return id, ok
}

// GetUsername extracts the authenticated username from the gin context.
func GetUsername(c *gin.Context) (string, bool) {
	v, exists := c.Get(string(UsernameKey))
	if !exists {
		return "", false
	}
	name, ok := v.(string)
	return name, ok
}
