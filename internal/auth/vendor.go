package auth

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// VendorClaims is the subset of upstream JWT payload fields the gateway
// inspects. Vendors disagree on field names, so several aliases are kept.
type VendorClaims struct {
	Sub      string `json:"sub"`
	Email    string `json:"email"`
	Exp      int64  `json:"exp"`
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
	AppID    string `json:"app_id"`
	Typ      string `json:"typ"`
}

// LooksLikeJWT reports whether s has the shape of an unencrypted JWT: an
// "eyJ" header and exactly three dot-separated base64url segments.
func LooksLikeJWT(s string) bool {
	if !strings.HasPrefix(s, "eyJ") {
		return false
	}
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return false
	}
	for _, part := range parts {
		if part == "" {
			return false
		}
		if _, err := base64.RawURLEncoding.DecodeString(part); err != nil {
			return false
		}
	}
	return true
}

// DecodeVendorJWT decodes the payload segment of an upstream JWT without
// verifying its signature. The gateway only reads identity fields, it never
// trusts upstream tokens for its own auth.
func DecodeVendorJWT(token string) (*VendorClaims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("not a JWT: expected 3 segments, got %d", len(parts))
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("failed to decode JWT payload: %w", err)
	}

	var claims VendorClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("failed to parse JWT payload: %w", err)
	}
	return &claims, nil
}

// Expired reports whether the claims carry an exp in the past.
func (c *VendorClaims) Expired() bool {
	return c.Exp > 0 && time.Now().Unix() >= c.Exp
}

// Identity returns the best available user identifier.
func (c *VendorClaims) Identity() string {
	for _, v := range []string{c.UserID, c.ID, c.Sub, c.Email} {
		if v != "" {
			return v
		}
	}
	return ""
}
