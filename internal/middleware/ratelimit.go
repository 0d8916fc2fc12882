package middleware

import (
	"net/http"

	"github.com/banditlabs/bandgate/internal/model"
	"github.com/banditlabs/bandgate/internal/service"
	"github.com/gin-gonic/gin"
)

func RateLimitMiddleware(registry *service.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Requires AuthMiddleware upstream
		clientVal, exists := c.Get(ContextClientKey)
		if !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		cli := clientVal.(*model.Client)

		limiter := registry.LimiterForClient(cli.ID)
		if limiter == nil {
			c.Next()
			return
		}

		if !limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": "1s",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
