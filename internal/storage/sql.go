// internal/storage/sql.go
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Supported database/sql driver names.
const (
	DriverSQLite   = "sqlite"  // modernc.org/sqlite, pure Go
	DriverSQLite3  = "sqlite3" // github.com/mattn/go-sqlite3, cgo
	DriverPostgres = "postgres"
)

type SQLStore struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

func NewSQLStore(driver, dsn string) (*SQLStore, error) {
	switch driver {
	case DriverSQLite, DriverSQLite3, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver != DriverPostgres {
		// sqlite allows a single writer; serialising connections avoids SQLITE_BUSY
		db.SetMaxOpenConns(1)
	}

	store := &SQLStore{db: db, driver: driver, now: time.Now}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS kv_store (
        key TEXT PRIMARY KEY,
        value TEXT NOT NULL,
        revision BIGINT NOT NULL,
        expires_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL
    );

    CREATE INDEX IF NOT EXISTS idx_kv_store_expires_at ON kv_store(expires_at);
    `

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) Get(ctx context.Context, key string) (Record, error) {
	var (
		value     string
		rec       Record
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
        SELECT value, revision, expires_at FROM kv_store WHERE key = ?
    `), key).Scan(&value, &rec.Revision, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to query key: %w", err)
	}

	now := s.now().UnixMilli()
	if expiresAt <= now {
		// lazily drop it; the sweeper would do the same
		_, _ = s.db.ExecContext(ctx, s.rebind(`DELETE FROM kv_store WHERE key = ? AND expires_at <= ?`), key, now)
		return Record{}, ErrNotFound
	}

	rec.Value = []byte(value)
	rec.ExpiresAt = time.UnixMilli(expiresAt)
	return rec, nil
}

func (s *SQLStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx, s.rebind(`
        INSERT INTO kv_store (key, value, revision, expires_at, updated_at)
        VALUES (?, ?, 1, ?, ?)
        ON CONFLICT (key) DO UPDATE SET
            value = excluded.value,
            revision = kv_store.revision + 1,
            expires_at = excluded.expires_at,
            updated_at = excluded.updated_at
    `), key, string(value), now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}
	return nil
}

func (s *SQLStore) CompareAndSwap(ctx context.Context, key string, value []byte, revision int64, ttl time.Duration) (int64, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, s.rebind(`
        UPDATE kv_store
        SET value = ?, revision = revision + 1, expires_at = ?, updated_at = ?
        WHERE key = ? AND revision = ? AND expires_at > ?
    `), string(value), now.Add(ttl).UnixMilli(), now.UnixMilli(), key, revision, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to update key: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 1 {
		return revision + 1, nil
	}

	if _, err := s.Get(ctx, key); err != nil {
		return 0, err
	}
	return 0, ErrRevisionMismatch
}

func (s *SQLStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM kv_store WHERE key = ?`), key); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return nil
}

func (s *SQLStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx, s.rebind(`
        UPDATE kv_store SET expires_at = ? WHERE key = ? AND expires_at > ?
    `), now.Add(ttl).UnixMilli(), key, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to update expiry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM kv_store WHERE expires_at <= ?`), s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired keys: %w", err)
	}
	return res.RowsAffected()
}
