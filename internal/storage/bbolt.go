package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/developingchet/cascade-guard/internal/audit"
	"github.com/oklog/ulid/v2"
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

const (
	bucketCache      = "cache"
	bucketAudit      = "audit"
	bucketOperations = "operations"

	dbFile = "cascade-guard.db"
)

// ErrEmptyKey is returned for writes without a key.
var ErrEmptyKey = errors.New("storage: empty key")

type bboltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// NewBboltStore opens (or creates) a bbolt database at dataDir/cascade-guard.db.
func NewBboltStore(dataDir string) (Store, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, dbFile)
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt at %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketCache, bucketAudit, bucketOperations} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &bboltStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// ---- Cache entries ---------------------------------------------------------

func (s *bboltStore) GetCache(key string) (*CacheEntry, error) {
	var entry CacheEntry
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketCache)).Get([]byte(key))
		if v == nil {
			return nil
		}
		found = true
		return msgpack.Unmarshal(v, &entry)
	})
	if err != nil {
		return nil, fmt.Errorf("get cache %s: %w", key, err)
	}
	if !found {
		return nil, nil
	}
	return &entry, nil
}

// PutCache stores value under key and bumps the entry version.
func (s *bboltStore) PutCache(key string, value []byte) error {
	if key == "" {
		return ErrEmptyKey
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketCache))
		var prev CacheEntry
		if raw := b.Get([]byte(key)); raw != nil {
			if err := msgpack.Unmarshal(raw, &prev); err != nil {
				return fmt.Errorf("unmarshal CacheEntry for %s: %w", key, err)
			}
		}
		data, err := msgpack.Marshal(CacheEntry{
			Value:     value,
			Version:   prev.Version + 1,
			UpdatedAt: s.now(),
		})
		if err != nil {
			return fmt.Errorf("marshal CacheEntry: %w", err)
		}
		return b.Put([]byte(key), data)
	})
}

func (s *bboltStore) DeleteCache(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketCache)).Delete([]byte(key))
	})
}

func (s *bboltStore) ListCacheKeys() ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketCache)).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

func (s *bboltStore) PruneCache(olderThan time.Time) (int, error) {
	return s.pruneBucket(bucketCache, func(_, v []byte) bool {
		var entry CacheEntry
		if err := msgpack.Unmarshal(v, &entry); err != nil {
			return true
		}
		return entry.UpdatedAt.Before(olderThan)
	})
}

// ---- Audit journal ---------------------------------------------------------

// AppendAudit stores evt under its ID. Events without a ULID get one.
func (s *bboltStore) AppendAudit(evt audit.Event) error {
	if _, err := ulid.ParseStrict(evt.ID); err != nil {
		evt.ID = ulid.Make().String()
	}
	data, err := msgpack.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketAudit)).Put([]byte(evt.ID), data)
	})
}

// ListAudit returns events recorded at or after since, oldest first. A
// positive limit keeps only the newest limit events.
func (s *bboltStore) ListAudit(since time.Time, limit int) ([]audit.Event, error) {
	var out []audit.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketAudit)).Cursor()
		var k, v []byte
		if since.IsZero() {
			k, v = c.First()
		} else {
			var floor ulid.ULID
			if err := floor.SetTime(ulid.Timestamp(since)); err != nil {
				return err
			}
			k, v = c.Seek([]byte(floor.String()))
		}
		for ; k != nil; k, v = c.Next() {
			var evt audit.Event
			if err := msgpack.Unmarshal(v, &evt); err != nil {
				return fmt.Errorf("unmarshal audit event %s: %w", k, err)
			}
			out = append(out, evt)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// PruneAudit deletes events whose ULID time is before olderThan. Keys are
// time-ordered so the scan stops at the first newer key.
func (s *bboltStore) PruneAudit(olderThan time.Time) (int, error) {
	cutoff := ulid.Timestamp(olderThan)
	var pruned int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketAudit))
		var toDelete [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			id, err := ulid.ParseStrict(string(k))
			if err == nil && id.Time() >= cutoff {
				break
			}
			key := make([]byte, len(k))
			copy(key, k)
			toDelete = append(toDelete, key)
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	return pruned, err
}

// ---- Operations ------------------------------------------------------------

func (s *bboltStore) PutOperation(rec OperationRecord) error {
	if rec.OperationID == "" {
		return ErrEmptyKey
	}
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal OperationRecord: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketOperations)).Put([]byte(rec.OperationID), data)
	})
}

func (s *bboltStore) GetOperation(id string) (*OperationRecord, error) {
	var rec OperationRecord
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketOperations)).Get([]byte(id))
		if v == nil {
			return nil
		}
		found = true
		return msgpack.Unmarshal(v, &rec)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &rec, nil
}

// ListOperations returns every record, most recently started first.
func (s *bboltStore) ListOperations() ([]OperationRecord, error) {
	var out []OperationRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketOperations)).ForEach(func(k, v []byte) error {
			var rec OperationRecord
			if err := msgpack.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal OperationRecord for %s: %w", k, err)
			}
			out = append(out, rec)
			return nil
		})
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, err
}

// PruneOperations deletes finished operations that ended before olderThan.
// Running operations are kept regardless of age.
func (s *bboltStore) PruneOperations(olderThan time.Time) (int, error) {
	return s.pruneBucket(bucketOperations, func(_, v []byte) bool {
		var rec OperationRecord
		if err := msgpack.Unmarshal(v, &rec); err != nil {
			return true
		}
		return rec.Finished() && rec.FinishedAt.Before(olderThan)
	})
}

// ---- Utility ---------------------------------------------------------------

// pruneBucket deletes every key for which drop returns true.
func (s *bboltStore) pruneBucket(name string, drop func(k, v []byte) bool) (int, error) {
	var pruned int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(name))
		var toDelete [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			if drop(k, v) {
				key := make([]byte, len(k))
				copy(key, k)
				toDelete = append(toDelete, key)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	return pruned, err
}

func (s *bboltStore) SizeBytes() (int64, error) {
	info, err := os.Stat(s.db.Path())
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *bboltStore) Close() error {
	return s.db.Close()
}
