package storage

import (
	"context"
	"encoding/json"
	"fmt"
)

// BoltCache adapts a Store to the optimistic engine's cache interface.
// Trees are stored as JSON so every read returns a fresh copy.
type BoltCache struct {
	Store Store
}

func (c BoltCache) Read(ctx context.Context, key string) (any, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	entry, err := c.Store.GetCache(key)
	if err != nil {
		return nil, false, err
	}
	if entry == nil {
		return nil, false, nil
	}
	var v any
	if err := json.Unmarshal(entry.Value, &v); err != nil {
		return nil, false, fmt.Errorf("decode cache %s: %w", key, err)
	}
	return v, true, nil
}

func (c BoltCache) Write(ctx context.Context, key string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache %s: %w", key, err)
	}
	return c.Store.PutCache(key, data)
}
