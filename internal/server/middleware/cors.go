package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// CORSMiddleware answers preflight requests and stamps the configured origin
// on every response when CORS is enabled.
func CORSMiddleware(source SettingsSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		settings := source.GetSettings()
		if !settings.CORSEnabled {
			c.Next()
			return
		}

		origin := settings.CORSOrigin
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
