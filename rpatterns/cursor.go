package rpatterns

import (
	"context"
	"strconv"
	"sync"

	"github.com/luno/txrelay"
)

// ReadThroughCursorStore provides a cursor store that queries the fallback
// cursor store if the cursor is not found in the primary. It always writes
// to the primary.
//
// Use cases:
//   - Migrating cursor stores: Use the new cursor store as the primary
//     and the old cursor store as the fallback. Revert to just the new
//     cursor store after the migration.
//   - Seeding a relay at a historical version without touching the
//     configured start version: Use a MemCursorStore seeded by
//     WithMemCursorInt as the fallback.
func ReadThroughCursorStore(primary, fallback txrelay.CursorStore) txrelay.CursorStore {
	return &readThroughCursorStore{CursorStore: primary, fallback: fallback}
}

type readThroughCursorStore struct {
	txrelay.CursorStore // Primary
	fallback            txrelay.CursorStore
}

func (c *readThroughCursorStore) GetCursor(ctx context.Context, name string) (string, error) {
	cursor, err := c.CursorStore.GetCursor(ctx, name)
	if err != nil {
		return "", err
	}

	if cursor != "" {
		return cursor, nil
	}

	return c.fallback.GetCursor(ctx, name)
}

// MemCursorStore returns an in-memory cursor store. Note that it obviously
// does not provide any persistence guarantees.
func MemCursorStore(opts ...MemOption) *MemStore {
	res := &MemStore{cursors: make(map[string]string)}
	for _, opt := range opts {
		opt(res)
	}
	return res
}

// MemStore is an in-memory cursor store that also records all writes.
type MemStore struct {
	mu      sync.Mutex
	cursors map[string]string
	sets    []string
}

func (m *MemStore) GetCursor(_ context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[name], nil
}

func (m *MemStore) SetCursor(_ context.Context, name string, cursor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[name] = cursor
	m.sets = append(m.sets, cursor)
	return nil
}

func (m *MemStore) Flush(_ context.Context) error { return nil }

// Sets returns every cursor written in order.
func (m *MemStore) Sets() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sets...)
}

// MemOption configures a MemStore.
type MemOption func(*MemStore)

// WithMemCursorInt returns a option that stores the cursor in the MemStore.
func WithMemCursorInt(name string, cursor uint64) MemOption {
	return func(m *MemStore) {
		m.cursors[name] = strconv.FormatUint(cursor, 10)
	}
}
