package storage

import (
	"time"

	"github.com/developingchet/cascade-guard/internal/audit"
)

// CacheEntry is a persisted query-result tree. Value holds the JSON encoding
// so numbers round-trip as float64 like any other decoded API response.
type CacheEntry struct {
	Value     []byte
	Version   uint64
	UpdatedAt time.Time
}

// OperationRecord tracks a deletion submitted to the backend.
type OperationRecord struct {
	OperationID string
	UserID      string
	Kind        string
	EntityID    string
	Status      string // "running", "completed", "failed", "cancelled"
	StartedAt   time.Time
	FinishedAt  time.Time // zero while running
	Error       string
}

// Finished reports whether the operation reached a terminal status.
func (r OperationRecord) Finished() bool {
	return !r.FinishedAt.IsZero()
}

// Store is the local persistence interface.
type Store interface {
	// Cache entries backing optimistic updates.
	GetCache(key string) (*CacheEntry, error)
	PutCache(key string, value []byte) error
	DeleteCache(key string) error
	ListCacheKeys() ([]string, error)
	PruneCache(olderThan time.Time) (int, error)

	// Audit journal, keyed by the event's ULID.
	AppendAudit(evt audit.Event) error
	ListAudit(since time.Time, limit int) ([]audit.Event, error)
	PruneAudit(olderThan time.Time) (int, error)

	// Operation history.
	PutOperation(rec OperationRecord) error
	GetOperation(id string) (*OperationRecord, error)
	ListOperations() ([]OperationRecord, error)
	PruneOperations(olderThan time.Time) (int, error)

	SizeBytes() (int64, error)
	Close() error
}
