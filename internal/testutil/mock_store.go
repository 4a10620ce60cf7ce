package testutil

import (
	"sort"
	"sync"
	"time"

	"github.com/developingchet/cascade-guard/internal/audit"
	"github.com/developingchet/cascade-guard/internal/storage"
	"github.com/oklog/ulid/v2"
)

// MockStore implements storage.Store with in-memory maps for testing.
// All methods are safe for concurrent use.
type MockStore struct {
	mu         sync.Mutex
	cache      map[string]storage.CacheEntry
	auditLog   []audit.Event
	operations map[string]storage.OperationRecord

	// Error injection: method -> next error (consumed on first call)
	errors map[string]error

	// Now stamps cache entries; defaults to time.Now.
	Now func() time.Time

	// SizeBytes value returned by SizeBytes()
	Size int64
}

// NewMockStore returns a zero-state MockStore ready for use.
func NewMockStore() *MockStore {
	return &MockStore{
		cache:      make(map[string]storage.CacheEntry),
		operations: make(map[string]storage.OperationRecord),
		errors:     make(map[string]error),
		Now:        time.Now,
		Size:       1024,
	}
}

// SetError injects an error to be returned on the next call to the named method.
func (m *MockStore) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[method] = err
}

func (m *MockStore) popError(method string) error {
	err := m.errors[method]
	delete(m.errors, method)
	return err
}

// --- Cache entries ----------------------------------------------------------

func (m *MockStore) GetCache(key string) (*storage.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("GetCache"); err != nil {
		return nil, err
	}
	e, ok := m.cache[key]
	if !ok {
		return nil, nil
	}
	e.Value = append([]byte(nil), e.Value...)
	return &e, nil
}

func (m *MockStore) PutCache(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("PutCache"); err != nil {
		return err
	}
	if key == "" {
		return storage.ErrEmptyKey
	}
	prev := m.cache[key]
	m.cache[key] = storage.CacheEntry{
		Value:     append([]byte(nil), value...),
		Version:   prev.Version + 1,
		UpdatedAt: m.Now().UTC(),
	}
	return nil
}

func (m *MockStore) DeleteCache(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("DeleteCache"); err != nil {
		return err
	}
	delete(m.cache, key)
	return nil
}

func (m *MockStore) ListCacheKeys() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("ListCacheKeys"); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(m.cache))
	for k := range m.cache {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MockStore) PruneCache(olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("PruneCache"); err != nil {
		return 0, err
	}
	pruned := 0
	for k, e := range m.cache {
		if e.UpdatedAt.Before(olderThan) {
			delete(m.cache, k)
			pruned++
		}
	}
	return pruned, nil
}

// --- Audit journal ----------------------------------------------------------

func (m *MockStore) AppendAudit(evt audit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("AppendAudit"); err != nil {
		return err
	}
	if _, err := ulid.ParseStrict(evt.ID); err != nil {
		evt.ID = ulid.Make().String()
	}
	m.auditLog = append(m.auditLog, evt)
	sort.SliceStable(m.auditLog, func(i, j int) bool { return m.auditLog[i].ID < m.auditLog[j].ID })
	return nil
}

func (m *MockStore) ListAudit(since time.Time, limit int) ([]audit.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("ListAudit"); err != nil {
		return nil, err
	}
	var out []audit.Event
	for _, evt := range m.auditLog {
		if !since.IsZero() && evt.Timestamp.Before(since) {
			continue
		}
		out = append(out, evt)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *MockStore) PruneAudit(olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("PruneAudit"); err != nil {
		return 0, err
	}
	kept := m.auditLog[:0]
	pruned := 0
	for _, evt := range m.auditLog {
		if evt.Timestamp.Before(olderThan) {
			pruned++
			continue
		}
		kept = append(kept, evt)
	}
	m.auditLog = kept
	return pruned, nil
}

// --- Operations -------------------------------------------------------------

func (m *MockStore) PutOperation(rec storage.OperationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("PutOperation"); err != nil {
		return err
	}
	if rec.OperationID == "" {
		return storage.ErrEmptyKey
	}
	m.operations[rec.OperationID] = rec
	return nil
}

func (m *MockStore) GetOperation(id string) (*storage.OperationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("GetOperation"); err != nil {
		return nil, err
	}
	rec, ok := m.operations[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MockStore) ListOperations() ([]storage.OperationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("ListOperations"); err != nil {
		return nil, err
	}
	out := make([]storage.OperationRecord, 0, len(m.operations))
	for _, rec := range m.operations {
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (m *MockStore) PruneOperations(olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("PruneOperations"); err != nil {
		return 0, err
	}
	pruned := 0
	for id, rec := range m.operations {
		if rec.Finished() && rec.FinishedAt.Before(olderThan) {
			delete(m.operations, id)
			pruned++
		}
	}
	return pruned, nil
}

// --- Utility ----------------------------------------------------------------

func (m *MockStore) SizeBytes() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("SizeBytes"); err != nil {
		return 0, err
	}
	return m.Size, nil
}

func (m *MockStore) Close() error {
	return nil
}
