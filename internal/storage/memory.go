// internal/storage/memory.go
package storage

import (
	"context"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
)

type memoryEntry struct {
	value     []byte
	revision  int64
	expiresAt time.Time
}

// MemoryStore keeps records in process memory. Used for tests and
// single-instance deployments without a database.
type MemoryStore struct {
	entries cmap.ConcurrentMap[string, memoryEntry]
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: cmap.New[memoryEntry](),
		now:     time.Now,
	}
}

// WithClock replaces the time source; for tests.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

func (m *MemoryStore) live(e memoryEntry) bool {
	return e.expiresAt.After(m.now())
}

func (m *MemoryStore) Get(_ context.Context, key string) (Record, error) {
	e, ok := m.entries.Get(key)
	if !ok || !m.live(e) {
		return Record{}, ErrNotFound
	}
	value := make([]byte, len(e.value))
	copy(value, e.value)
	return Record{Value: value, Revision: e.revision, ExpiresAt: e.expiresAt}, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	stored := append([]byte(nil), value...)
	expiresAt := m.now().Add(ttl)
	m.entries.Upsert(key, memoryEntry{}, func(exist bool, old memoryEntry, _ memoryEntry) memoryEntry {
		rev := int64(1)
		if exist {
			rev = old.revision + 1
		}
		return memoryEntry{value: stored, revision: rev, expiresAt: expiresAt}
	})
	return nil
}

func (m *MemoryStore) CompareAndSwap(_ context.Context, key string, value []byte, revision int64, ttl time.Duration) (int64, error) {
	stored := append([]byte(nil), value...)
	expiresAt := m.now().Add(ttl)

	var (
		newRev int64
		err    error
	)
	m.entries.Upsert(key, memoryEntry{}, func(exist bool, old memoryEntry, _ memoryEntry) memoryEntry {
		switch {
		case !exist:
			err = ErrNotFound
			return memoryEntry{}
		case !m.live(old):
			err = ErrNotFound
			return old
		case old.revision != revision:
			err = ErrRevisionMismatch
			return old
		}
		newRev = old.revision + 1
		return memoryEntry{value: stored, revision: newRev, expiresAt: expiresAt}
	})
	if err != nil {
		if err == ErrNotFound {
			m.entries.RemoveCb(key, func(_ string, e memoryEntry, exists bool) bool {
				return exists && !m.live(e)
			})
		}
		return 0, err
	}
	return newRev, nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.entries.Remove(key)
	return nil
}

func (m *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	found := false
	expiresAt := m.now().Add(ttl)
	m.entries.Upsert(key, memoryEntry{}, func(exist bool, old memoryEntry, _ memoryEntry) memoryEntry {
		if !exist || !m.live(old) {
			return old
		}
		found = true
		old.expiresAt = expiresAt
		return old
	})
	if !found {
		m.entries.RemoveCb(key, func(_ string, e memoryEntry, exists bool) bool {
			return exists && !m.live(e)
		})
		return ErrNotFound
	}
	return nil
}

func (m *MemoryStore) Sweep(_ context.Context) (int64, error) {
	var removed int64
	for item := range m.entries.IterBuffered() {
		if m.entries.RemoveCb(item.Key, func(_ string, e memoryEntry, exists bool) bool {
			return exists && !m.live(e)
		}) {
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
