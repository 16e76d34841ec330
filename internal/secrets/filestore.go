package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// FileStore is the production StoreOperations implementation: one
// AES-GCM-encrypted file per key under a private directory. A missing or
// unreadable directory maps to ErrStoreUnavailable so the manager's backlog
// machinery engages instead of hard-failing writes.
type FileStore struct {
	dir  string
	aead cipher.AEAD
}

// NewFileStore creates a file store rooted at dir, encrypting entries with
// the given 32-byte key.
func NewFileStore(dir string, key []byte) (*FileStore, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create secrets directory: %w", err)
	}

	return &FileStore{dir: dir, aead: aead}, nil
}

// path derives a stable filename from the key so arbitrary key strings
// cannot escape the store directory.
func (s *FileStore) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:]))
}

// Add implements StoreOperations. Fails with ErrDuplicateItem when an
// entry already exists.
func (s *FileStore) Add(key string, data []byte) error {
	if err := s.checkAvailable(); err != nil {
		return err
	}

	sealed, err := s.seal(data)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(s.path(key), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return ErrDuplicateItem
		}
		if os.IsPermission(err) {
			return ErrInteractionNotAllowed
		}
		return fmt.Errorf("failed to create secret file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(sealed); err != nil {
		return fmt.Errorf("failed to write secret file: %w", err)
	}
	return nil
}

// Copy implements StoreOperations.
func (s *FileStore) Copy(key string) ([]byte, error) {
	if err := s.checkAvailable(); err != nil {
		return nil, err
	}

	sealed, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrItemNotFound
		}
		if os.IsPermission(err) {
			return nil, ErrInteractionNotAllowed
		}
		return nil, fmt.Errorf("failed to read secret file: %w", err)
	}

	return s.open(sealed)
}

// Update implements StoreOperations. Fails with ErrItemNotFound when no
// entry exists; the write replaces the file atomically.
func (s *FileStore) Update(key string, data []byte) error {
	if err := s.checkAvailable(); err != nil {
		return err
	}

	path := s.path(key)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return ErrItemNotFound
		}
		return fmt.Errorf("failed to stat secret file: %w", err)
	}

	sealed, err := s.seal(data)
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return fmt.Errorf("failed to write secret file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace secret file: %w", err)
	}
	return nil
}

// Delete implements StoreOperations.
func (s *FileStore) Delete(key string) error {
	if err := s.checkAvailable(); err != nil {
		return err
	}

	if err := os.Remove(s.path(key)); err != nil {
		if os.IsNotExist(err) {
			return ErrItemNotFound
		}
		return fmt.Errorf("failed to delete secret file: %w", err)
	}
	return nil
}

// checkAvailable maps a missing or inaccessible store directory to
// ErrStoreUnavailable.
func (s *FileStore) checkAvailable() error {
	info, err := os.Stat(s.dir)
	if err != nil || !info.IsDir() {
		return ErrStoreUnavailable
	}
	return nil
}

func (s *FileStore) seal(data []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, data, nil), nil
}

func (s *FileStore) open(sealed []byte) ([]byte, error) {
	nonceSize := s.aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("%w: sealed data too short", ErrFailedToDecode)
	}
	plain, err := s.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailedToDecode, err)
	}
	return plain, nil
}
