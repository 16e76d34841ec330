// Package secrets provides the encrypted credential store used to hold the
// subscription token container: a low-level store interface, a file-backed
// implementation, and a manager that adds a write-backlog for transient
// store unavailability.
package secrets

import "errors"

// Store status conditions. The manager branches on these the way the
// platform credential APIs branch on their status codes.
var (
	// ErrDuplicateItem: Add found an existing entry for the key.
	ErrDuplicateItem = errors.New("secrets: duplicate item")
	// ErrItemNotFound: Copy/Update/Delete found no entry for the key.
	ErrItemNotFound = errors.New("secrets: item not found")
	// ErrStoreUnavailable: the backing store cannot be reached right now.
	ErrStoreUnavailable = errors.New("secrets: store unavailable")
	// ErrInteractionNotAllowed: the store exists but refuses access in the
	// current state (the locked-device analog).
	ErrInteractionNotAllowed = errors.New("secrets: interaction not allowed")
)

// Typed failures surfaced to callers of the manager and token storage.
var (
	ErrKeychainSaveFailure   = errors.New("secrets: save failure")
	ErrKeychainLookupFailure = errors.New("secrets: lookup failure")
	ErrKeychainDeleteFailure = errors.New("secrets: delete failure")
	ErrFailedToDecode        = errors.New("secrets: failed to decode stored data")
	ErrFailedToEncode        = errors.New("secrets: failed to encode data")
)

// StoreOperations is the thin leaf wrapper over the secure store: add,
// copy, update and delete by key. Implementations report conditions via the
// sentinel errors above and wrap anything unexpected.
type StoreOperations interface {
	Add(key string, data []byte) error
	Copy(key string) ([]byte, error)
	Update(key string, data []byte) error
	Delete(key string) error
}

// isTransient reports whether the store error should be absorbed into the
// write-backlog rather than surfaced to the caller.
func isTransient(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrInteractionNotAllowed)
}

func isItemNotFound(err error) bool {
	return errors.Is(err, ErrItemNotFound)
}

func isDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateItem)
}
