// internal/storage/store.go
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound         = errors.New("key not found")
	ErrRevisionMismatch = errors.New("revision mismatch")
)

// Record is a stored value together with its revision. Revisions start at 1
// and increase by one on every write.
type Record struct {
	Value     []byte
	Revision  int64
	ExpiresAt time.Time
}

// Store is a keyed blob store with per-key TTL. Expired keys behave as if
// they were deleted.
type Store interface {
	Get(ctx context.Context, key string) (Record, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// CompareAndSwap writes value only if the stored revision equals revision,
	// returning the new revision.
	CompareAndSwap(ctx context.Context, key string, value []byte, revision int64, ttl time.Duration) (int64, error)
	Delete(ctx context.Context, key string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Close() error
}

// Sweeper removes expired keys.
type Sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

// RunSweeper calls Sweep every interval until ctx is done.
func RunSweeper(ctx context.Context, s Sweeper, interval time.Duration, onSweep func(removed int64, err error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if onSweep != nil {
				onSweep(n, err)
			}
		}
	}
}

// Open returns the store for driver: "memory" or one of the SQL drivers.
func Open(driver, dsn string) (Store, error) {
	if driver == "memory" {
		return NewMemoryStore(), nil
	}
	s, err := NewSQLStore(driver, dsn)
	if err != nil {
		return nil, err
	}
	return s, nil
}
