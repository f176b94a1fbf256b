package apierr

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// RateLimitError represents a standardized 429 Too Many Requests response.
// Class distinguishes which sliding window rejected the request.
type RateLimitError struct {
	Error             string `json:"error"`
	Class             string `json:"class"`
	Limit             int    `json:"limit"`
	Used              int    `json:"used"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
}

// AbortWithRateLimit sends a 429 response with the RateLimitError and aborts the request.
func AbortWithRateLimit(c *gin.Context, err *RateLimitError) {
	c.Header("Retry-After", strconv.Itoa(err.RetryAfterSeconds))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, err)
}

// WindowExceeded creates a RateLimitError for a sliding-window rejection.
func WindowExceeded(class string, limit, used, retryAfterSeconds int) *RateLimitError {
	return &RateLimitError{
		Error:             "rate limit exceeded for " + class + " requests",
		Class:             class,
		Limit:             limit,
		Used:              used,
		RetryAfterSeconds: retryAfterSeconds,
	}
}
