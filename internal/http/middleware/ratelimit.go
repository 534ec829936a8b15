package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Andrejs1979/cloud-code/internal/ratelimit"
)

type rateLimitResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Limit   int    `json:"limit"`
	ResetAt int64  `json:"resetAt"`
}

// RateLimit rejects requests over their category's quota with 429 before
// they reach a handler. A nil limiter admits everything.
func RateLimit(limiter *ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}

		category := ratelimit.CategoryForPath(c.Request.URL.Path)
		result := limiter.Check(c.Request.Context(), ratelimit.ClientIdentifier(c.Request.Header), category)
		result.SetHeaders(c.Writer)

		if !result.Allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, rateLimitResponse{
				Error:   "Rate limit exceeded",
				Message: result.Message,
				Limit:   result.Limit,
				ResetAt: result.ResetAt.UnixMilli(),
			})
			return
		}

		c.Next()
	}
}
