package secrets

import (
	"fmt"
	"sync"

	"github.com/broker-protection/internal/logging"
	"github.com/broker-protection/internal/pixel"
)

// Manager is the thread-safe facade over StoreOperations. When the store
// reports itself unavailable, writes land in an in-memory backlog and are
// retried later; reads prefer the backlog's pending value for a key over
// the store's last-committed one, preserving read-your-writes during an
// outage.
//
// All operations run under one lock: the store and the backlog are treated
// as a single critical section, so callers may invoke concurrently but
// every mutation and read is strictly ordered.
type Manager struct {
	mu      sync.Mutex
	ops     StoreOperations
	backlog map[string][]byte
	pixels  pixel.Sink
	logger  *logging.Logger
}

// NewManager creates a manager over the given store.
func NewManager(ops StoreOperations, pixels pixel.Sink, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Manager{
		ops:     ops,
		backlog: make(map[string][]byte),
		pixels:  pixels,
		logger:  logger,
	}
}

// Store writes data under key. An existing entry is updated in place. A
// transiently unavailable store does not fail the call: the write joins the
// backlog and is flushed on a later retrieve or availability signal. Any
// other store failure returns ErrKeychainSaveFailure.
func (m *Manager) Store(key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.writeLocked(key, data)
	switch {
	case err == nil:
		// A successful write supersedes any pending backlog entry.
		delete(m.backlog, key)
		return nil
	case isTransient(err):
		m.backlog[key] = data
		pixel.Fire(m.pixels, pixel.NameSecretsBacklogAdded, map[string]string{"key": key})
		m.logger.WithField("key", key).Warn("Secure store unavailable, write added to backlog")
		return nil
	default:
		return fmt.Errorf("%w: %v", ErrKeychainSaveFailure, err)
	}
}

// RetrieveData reads the value for key. When the store is reachable the
// backlog is drained first so the read observes pending writes. When it is
// not and a backlog entry exists, the pending value is returned directly.
// A missing item is a nil result, not an error.
func (m *Manager) RetrieveData(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.backlog) > 0 {
		m.drainBacklogLocked()
		if pending, ok := m.backlog[key]; ok {
			// Still unavailable; serve the pending write.
			return pending, nil
		}
	}

	data, err := m.ops.Copy(key)
	switch {
	case err == nil:
		return data, nil
	case isItemNotFound(err):
		return nil, nil
	case isTransient(err):
		if pending, ok := m.backlog[key]; ok {
			return pending, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrKeychainLookupFailure, err)
	default:
		return nil, fmt.Errorf("%w: %v", ErrKeychainLookupFailure, err)
	}
}

// DeleteItem removes the backlog entry and the persisted entry for key.
// A missing persisted entry is success.
func (m *Manager) DeleteItem(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.backlog, key)

	err := m.ops.Delete(key)
	if err != nil && !isItemNotFound(err) {
		return fmt.Errorf("%w: %v", ErrKeychainDeleteFailure, err)
	}
	return nil
}

// NotifyStoreMightBeAvailable is the host's availability signal (process
// foregrounded, protected data unlocked). It proactively re-drains the
// backlog.
func (m *Manager) NotifyStoreMightBeAvailable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drainBacklogLocked()
}

// BacklogSize reports the number of pending writes.
func (m *Manager) BacklogSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.backlog)
}

// Close reports a pending-write loss risk when the manager is torn down
// with a non-empty backlog.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.backlog) > 0 {
		pixel.Fire(m.pixels, pixel.NameSecretsDataLossRisk, map[string]string{
			"pending": fmt.Sprintf("%d", len(m.backlog)),
		})
		m.logger.WithField("pending", len(m.backlog)).Error("Secrets manager closed with pending backlog writes")
	}
}

// drainBacklogLocked retries every pending write. Entries that flush are
// removed; entries that fail stay for the next retry opportunity.
func (m *Manager) drainBacklogLocked() {
	for key, data := range m.backlog {
		if err := m.writeLocked(key, data); err != nil {
			pixel.Fire(m.pixels, pixel.NameSecretsBacklogFlushFail, map[string]string{"key": key})
			continue
		}
		delete(m.backlog, key)
		pixel.Fire(m.pixels, pixel.NameSecretsBacklogFlushed, map[string]string{"key": key})
	}
}

// writeLocked adds the entry, falling back to update when one exists.
func (m *Manager) writeLocked(key string, data []byte) error {
	err := m.ops.Add(key, data)
	if isDuplicate(err) {
		err = m.ops.Update(key, data)
	}
	return err
}
