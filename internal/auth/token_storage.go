// Package auth persists the subscription token container in the secrets
// manager and answers the authentication/entitlement questions the job
// provider asks before including opt-out work in a batch.
package auth

import (
	"encoding/json"
	"fmt"

	"github.com/broker-protection/internal/models"
	"github.com/broker-protection/internal/pixel"
	"github.com/broker-protection/internal/secrets"
)

// tokenContainerKey is the single well-known entry the container lives
// under. Single-account model: saving a new container replaces any
// existing one.
const tokenContainerKey = "broker-protection.token-container"

// storedTokens is the persisted shape. Decoded claims are re-derived on
// load rather than stored.
type storedTokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// TokenStorage encodes/decodes a TokenContainer through the secrets
// manager under one fixed key. Persistence failures are pixeled and
// rethrown; this layer never swallows them.
type TokenStorage struct {
	keychain *secrets.Manager
	pixels   pixel.Sink
}

// NewTokenStorage creates a token storage over the given secrets manager.
func NewTokenStorage(keychain *secrets.Manager, pixels pixel.Sink) *TokenStorage {
	return &TokenStorage{keychain: keychain, pixels: pixels}
}

// GetTokenContainer returns the stored container, or nil when none is
// stored.
func (s *TokenStorage) GetTokenContainer() (*models.TokenContainer, error) {
	data, err := s.keychain.RetrieveData(tokenContainerKey)
	if err != nil {
		s.reportError("retrieve", err)
		return nil, err
	}
	if data == nil {
		return nil, nil
	}

	var stored storedTokens
	if err := json.Unmarshal(data, &stored); err != nil {
		err = fmt.Errorf("%w: %v", secrets.ErrFailedToDecode, err)
		s.reportError("decode", err)
		return nil, err
	}

	container, err := models.NewTokenContainer(stored.AccessToken, stored.RefreshToken)
	if err != nil {
		err = fmt.Errorf("%w: %v", secrets.ErrFailedToDecode, err)
		s.reportError("decode", err)
		return nil, err
	}
	return container, nil
}

// SaveTokenContainer persists the container. A nil container deletes the
// stored entry (logout / local account removal).
func (s *TokenStorage) SaveTokenContainer(container *models.TokenContainer) error {
	if container == nil {
		if err := s.keychain.DeleteItem(tokenContainerKey); err != nil {
			s.reportError("delete", err)
			return err
		}
		return nil
	}

	data, err := json.Marshal(storedTokens{
		AccessToken:  container.AccessToken,
		RefreshToken: container.RefreshToken,
	})
	if err != nil {
		err = fmt.Errorf("%w: %v", secrets.ErrFailedToEncode, err)
		s.reportError("encode", err)
		return err
	}

	if err := s.keychain.Store(tokenContainerKey, data); err != nil {
		s.reportError("store", err)
		return err
	}
	return nil
}

func (s *TokenStorage) reportError(operation string, err error) {
	pixel.Fire(s.pixels, pixel.NameTokenStorageError, map[string]string{
		"operation": operation,
		"error":     err.Error(),
	})
}
