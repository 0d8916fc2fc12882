package middleware

import (
	"net/http"

	"github.com/banditlabs/bandgate/internal/config"
	"github.com/banditlabs/bandgate/internal/service"
	"github.com/gin-gonic/gin"
)

const (
	HeaderAPIKey     = "X-Api-Key"
	ContextClientKey = "client"
)

func AuthMiddleware(cfg *config.Config, registry *service.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader(HeaderAPIKey)
		if apiKey == "" {
			if cfg != nil && !cfg.Auth.RequireAPIKey {
				if cli := registry.DefaultClient(); cli != nil {
					c.Set(ContextClientKey, cli)
					c.Next()
					return
				}
			}
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing API key"})
			c.Abort()
			return
		}

		cli, ok := registry.ClientByAPIKey(apiKey)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid API key"})
			c.Abort()
			return
		}

		c.Set(ContextClientKey, cli)
		c.Next()
	}
}
