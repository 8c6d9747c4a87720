package auth

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// APIKeyPrefix marks gateway-issued API keys.
const APIKeyPrefix = "polyrelay-"

// JWTManager issues and validates gateway API keys.
type JWTManager struct {
	secretKey string
}

// Claims represents the gateway JWT claims.
type Claims struct {
	ClientID string `json:"client_id"`
	jwt.RegisteredClaims
}

// NewJWTManager creates a new JWT manager.
func NewJWTManager(secretKey string) *JWTManager {
	return &JWTManager{
		secretKey: secretKey,
	}
}

// GenerateToken generates a new JWT token for clientID.
func (j *JWTManager) GenerateToken(clientID string) (string, error) {
	claims := &Claims{
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(j.secretKey))
	if err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}

	return tokenString, nil
}

// GenerateAPIKey generates a JWT token and encodes it with the polyrelay- prefix.
func (j *JWTManager) GenerateAPIKey(clientID string) (string, error) {
	jwtToken, err := j.GenerateToken(clientID)
	if err != nil {
		return "", fmt.Errorf("failed to generate JWT token: %w", err)
	}

	// Base64 without padding keeps the key shell-friendly.
	encodedToken := strings.TrimRight(base64.URLEncoding.EncodeToString([]byte(jwtToken)), "=")

	return APIKeyPrefix + encodedToken, nil
}

// ValidateAPIKey validates a polyrelay- prefixed API key and returns its claims.
func (j *JWTManager) ValidateAPIKey(tokenString string) (*Claims, error) {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")

	if !strings.HasPrefix(tokenString, APIKeyPrefix) {
		return nil, fmt.Errorf("invalid API key format: must start with %q", APIKeyPrefix)
	}
	encodedToken := tokenString[len(APIKeyPrefix):]

	// Restore the padding stripped at generation time.
	if padding := len(encodedToken) % 4; padding != 0 {
		encodedToken += strings.Repeat("=", 4-padding)
	}

	jwtBytes, err := base64.URLEncoding.DecodeString(encodedToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decode API key: %w", err)
	}

	return j.validateJWT(string(jwtBytes))
}

// validateJWT parses and verifies a gateway JWT.
func (j *JWTManager) validateJWT(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(j.secretKey), nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid JWT token")
	}

	return claims, nil
}

// IsAPIKeyFormat checks whether the token looks like a gateway API key.
func (j *JWTManager) IsAPIKeyFormat(tokenString string) bool {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")
	return strings.HasPrefix(tokenString, APIKeyPrefix)
}
