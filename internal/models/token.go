package models

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenClaims are the JWT claims the engine reads from the subscription
// service's access and refresh tokens.
type TokenClaims struct {
	Email        string   `json:"email,omitempty"`
	Entitlements []string `json:"entitlements,omitempty"`
	jwt.RegisteredClaims
}

// HasEntitlement reports whether the claims carry the named entitlement.
func (c TokenClaims) HasEntitlement(name string) bool {
	for _, e := range c.Entitlements {
		if e == name {
			return true
		}
	}
	return false
}

// IsExpired reports whether the token expired before the given instant.
// Tokens without an exp claim never expire.
func (c TokenClaims) IsExpired(now time.Time) bool {
	if c.ExpiresAt == nil {
		return false
	}
	return c.ExpiresAt.Before(now)
}

// TokenContainer bundles the raw access/refresh token pair with their
// decoded claims. The engine consumes tokens minted by the subscription
// backend; it never verifies signatures locally, so both tokens are parsed
// unverified.
type TokenContainer struct {
	AccessToken         string
	RefreshToken        string
	DecodedAccessToken  TokenClaims
	DecodedRefreshToken TokenClaims
}

// NewTokenContainer decodes both tokens and returns the assembled container.
func NewTokenContainer(accessToken, refreshToken string) (*TokenContainer, error) {
	access, err := decodeClaims(accessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decode access token: %w", err)
	}
	refresh, err := decodeClaims(refreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decode refresh token: %w", err)
	}

	return &TokenContainer{
		AccessToken:         accessToken,
		RefreshToken:        refreshToken,
		DecodedAccessToken:  access,
		DecodedRefreshToken: refresh,
	}, nil
}

func decodeClaims(token string) (TokenClaims, error) {
	var claims TokenClaims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return TokenClaims{}, err
	}
	return claims, nil
}
