package ratelimit

import (
	"log/slog"

	"github.com/destekhq/destek-server/internal/apierr"
	"github.com/gin-gonic/gin"
)

// clientIPKey is set by the frontend's client-IP middleware. Falling back to
// gin's ClientIP keeps the limiter working when that middleware is absent
// (tests, stripped-down routers).
const clientIPKey = "client_ip"

// Middleware returns a gin handler that admits or rejects the request
// against the window for the given class. It runs before auth so
// unauthenticated abuse cannot exhaust auth resources.
func (l *Limiter) Middleware(class Class) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.GetString(clientIPKey)
		if ip == "" {
			ip = c.ClientIP()
		}

		decision, err := l.Allow(c.Request.Context(), ip, class)
		if err != nil {
			l.logger.Error("admission probe failed",
				slog.String("class", string(class)),
				slog.String("error", err.Error()))
			apierr.AbortWithInternal(c, "admission check failed", nil)
			return
		}

		if !decision.Allowed {
			apierr.AbortWithRateLimit(c, apierr.WindowExceeded(
				string(class), decision.Limit, decision.Used,
				int(decision.RetryAfter.Seconds())))
			return
		}

		c.Next()
	}
}
