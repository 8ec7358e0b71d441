// Package postgres provides a storage backend on PostgreSQL via pgx/v5.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/electwix/qcache/storage"
)

const schema = `CREATE TABLE IF NOT EXISTS qcache_kv (
	key        TEXT PRIMARY KEY COLLATE "C",
	value      BYTEA NOT NULL,
	expires_at TIMESTAMPTZ
)`

const (
	queryGet    = `SELECT value FROM qcache_kv WHERE key = $1 AND (expires_at IS NULL OR expires_at > $2)`
	queryUpsert = `INSERT INTO qcache_kv (key, value, expires_at) VALUES ($1, $2, $3)
	ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`
	queryDelete = `DELETE FROM qcache_kv WHERE key = $1`
	queryKeys   = `SELECT key FROM qcache_kv WHERE starts_with(key, $1) AND (expires_at IS NULL OR expires_at > $2)`
	queryPurge  = `DELETE FROM qcache_kv WHERE expires_at IS NOT NULL AND expires_at <= $1`
)

// Store implements storage.Storage on a PostgreSQL table.
type Store struct {
	pool    *pgxpool.Pool
	ownPool bool
	now     func() time.Time
}

// Open connects to dsn and prepares the table.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := New(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.ownPool = true
	return s, nil
}

// New wraps an existing pool, creating the table if needed.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("create qcache_kv: %w", err)
	}
	return &Store{pool: pool, now: time.Now}, nil
}

// Get retrieves a value.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.pool.QueryRow(ctx, queryGet, key, s.now()).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("postgres get %s: %w", key, err)
	}
	return value, true, nil
}

// Set upserts a value.
func (s *Store) Set(ctx context.Context, key string, value []byte, opts storage.SetOptions) error {
	if _, err := s.pool.Exec(ctx, queryUpsert, key, value, s.expiresAt(opts)); err != nil {
		return fmt.Errorf("postgres set %s: %w", key, err)
	}
	return nil
}

// SetMany sends all upserts as one pipelined pgx.Batch.
func (s *Store) SetMany(ctx context.Context, items []storage.Item, opts storage.SetOptions) error {
	if len(items) == 0 {
		return nil
	}
	expiresAt := s.expiresAt(opts)
	batch := &pgx.Batch{}
	for _, it := range items {
		batch.Queue(queryUpsert, it.Key, it.Value, expiresAt)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres batch set: %w", err)
	}
	return nil
}

// Delete removes a value.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, queryDelete, key); err != nil {
		return fmt.Errorf("postgres delete %s: %w", key, err)
	}
	return nil
}

// Keys returns live keys under prefix.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.pool.Query(ctx, queryKeys, prefix, s.now())
	if err != nil {
		return nil, fmt.Errorf("postgres keys %s: %w", prefix, err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres keys %s: %w", prefix, err)
	}
	return keys, nil
}

// Cleanup deletes rows whose expiry has passed.
func (s *Store) Cleanup(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, queryPurge, s.now())
	if err != nil {
		return 0, fmt.Errorf("postgres cleanup: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Close closes the pool if Open created it.
func (s *Store) Close() error {
	if s.ownPool {
		s.pool.Close()
	}
	return nil
}

func (s *Store) expiresAt(opts storage.SetOptions) *time.Time {
	at := opts.ExpiresAt(s.now())
	if at.IsZero() {
		return nil
	}
	return &at
}

var (
	_ storage.Storage     = (*Store)(nil)
	_ storage.BatchSetter = (*Store)(nil)
)
