package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/polyrelay/polyrelay/internal/auth"
	"github.com/polyrelay/polyrelay/internal/config"
)

// ErrorResponse represents an OpenAI-shaped error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}

// SettingsSource yields the current gateway settings.
type SettingsSource interface {
	GetSettings() config.Settings
}

// AuthMiddleware enforces the configured API keys on the model routes.
type AuthMiddleware struct {
	source     SettingsSource
	jwtManager *auth.JWTManager
}

// NewAuthMiddleware creates the API-key middleware.
func NewAuthMiddleware(source SettingsSource, jwtManager *auth.JWTManager) *AuthMiddleware {
	return &AuthMiddleware{source: source, jwtManager: jwtManager}
}

// APIKeyMiddleware validates Authorization: Bearer <key> against the
// configured key list and gateway-issued keys. Enforcement is off unless
// enabled in settings.
func (am *AuthMiddleware) APIKeyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		settings := am.source.GetSettings()
		if !settings.EnableAPIKey {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			unauthorized(c, "Authorization header required")
			return
		}

		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		for _, key := range settings.APIKeys {
			if token == key {
				c.Set("client_id", "api_key")
				c.Next()
				return
			}
		}

		if am.jwtManager != nil && am.jwtManager.IsAPIKeyFormat(token) {
			if claims, err := am.jwtManager.ValidateAPIKey(token); err == nil {
				c.Set("client_id", claims.ClientID)
				c.Next()
				return
			}
		}

		unauthorized(c, "Invalid API key provided")
	}
}

func unauthorized(c *gin.Context, message string) {
	c.JSON(http.StatusUnauthorized, ErrorResponse{
		Error: ErrorDetail{
			Message: message,
			Type:    "invalid_api_key",
			Code:    "invalid_api_key",
		},
	})
	c.Abort()
}
