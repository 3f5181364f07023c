// Package auth provides the session endpoints and token helpers for the SDK.
package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims encodes JWT claims embedded into access tokens.
//
// This is a DTO matching the server's access token contract. The SDK never
// verifies signatures: access tokens are opaque to the client and claims are
// read for display and expiry hints only.
type Claims struct {
	Login string `json:"login,omitempty"`
	Role  string `json:"role,omitempty"`

	jwt.RegisteredClaims
}

// Expiry returns the token expiry, or the zero time when the claim is absent.
func (c *Claims) Expiry() time.Time {
	if c == nil || c.RegisteredClaims.ExpiresAt == nil {
		return time.Time{}
	}
	return c.RegisteredClaims.ExpiresAt.Time
}

// ParseUnverified decodes the claims of a JWT-shaped access token without
// checking its signature.
func ParseUnverified(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("sdk/auth: empty token")
	}
	// JWTs have 3 base64url segments separated by '.'.
	if strings.Count(token, ".") != 2 {
		return nil, errors.New("sdk/auth: token is not a JWT")
	}
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, err
	}
	return claims, nil
}
