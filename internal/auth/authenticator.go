package auth

import (
	"context"
	"time"
)

// EntitlementBrokerProtection is the access-token entitlement that unlocks
// opt-out jobs. Without it the engine runs scan-only.
const EntitlementBrokerProtection = "data-broker-protection"

// Authenticator gates whether opt-out jobs are included in a batch.
type Authenticator interface {
	IsUserAuthenticated() bool
	HasValidEntitlement(ctx context.Context) (bool, error)
}

// TokenAuthenticator answers from the stored token container's claims.
type TokenAuthenticator struct {
	tokens *TokenStorage
	now    func() time.Time
}

// NewTokenAuthenticator creates an authenticator over the token storage.
func NewTokenAuthenticator(tokens *TokenStorage) *TokenAuthenticator {
	return &TokenAuthenticator{tokens: tokens, now: time.Now}
}

// IsUserAuthenticated reports whether a token container is stored.
// Storage errors read as "not authenticated" so a flaky secrets store
// degrades to scan-only instead of failing the batch.
func (a *TokenAuthenticator) IsUserAuthenticated() bool {
	container, err := a.tokens.GetTokenContainer()
	return err == nil && container != nil
}

// HasValidEntitlement reports whether the stored access token carries an
// unexpired broker-protection entitlement.
func (a *TokenAuthenticator) HasValidEntitlement(ctx context.Context) (bool, error) {
	container, err := a.tokens.GetTokenContainer()
	if err != nil {
		return false, err
	}
	if container == nil {
		return false, nil
	}

	claims := container.DecodedAccessToken
	if claims.IsExpired(a.now()) {
		return false, nil
	}
	return claims.HasEntitlement(EntitlementBrokerProtection), nil
}
