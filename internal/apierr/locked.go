package apierr

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// AbortWithLocked sends a 423 Locked response and aborts the request.
// Used when the client IP is on the brute-force block list.
func AbortWithLocked(c *gin.Context, message string, details map[string]interface{}) {
	c.AbortWithStatusJSON(http.StatusLocked, NewAPIError(message, details))
}
