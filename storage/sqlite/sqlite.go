// Package sqlite provides a storage backend on SQLite via modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/electwix/qcache/storage"
)

// DriverName is the database/sql driver used by Open.
const DriverName = "sqlite"

const schema = `CREATE TABLE IF NOT EXISTS qcache_kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	expires_at INTEGER
) WITHOUT ROWID`

const (
	queryGet    = `SELECT value, expires_at FROM qcache_kv WHERE key = ?`
	queryUpsert = `INSERT INTO qcache_kv (key, value, expires_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`
	queryDelete     = `DELETE FROM qcache_kv WHERE key = ?`
	queryKeysRange  = `SELECT key FROM qcache_kv WHERE key >= ? AND key < ? AND (expires_at IS NULL OR expires_at > ?)`
	queryKeysFrom   = `SELECT key FROM qcache_kv WHERE key >= ? AND (expires_at IS NULL OR expires_at > ?)`
	queryDeleteDead = `DELETE FROM qcache_kv WHERE expires_at IS NOT NULL AND expires_at <= ?`
)

// Store implements storage.Storage on a SQLite table. Expiry hints are kept
// in an expires_at column (Unix milliseconds) and filtered on read.
type Store struct {
	db     *sql.DB
	ownsDB bool
	now    func() time.Time
}

// Open opens (or creates) the database at dsn. ":memory:" gives a private
// in-memory database.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	s, err := New(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// New wraps an existing database handle, creating the table if needed.
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("create qcache_kv: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Get retrieves a value.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		value     []byte
		expiresAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, queryGet, key).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlite get %s: %w", key, err)
	}
	if expiresAt.Valid && expiresAt.Int64 <= s.now().UnixMilli() {
		return nil, false, nil
	}
	return value, true, nil
}

// Set upserts a value.
func (s *Store) Set(ctx context.Context, key string, value []byte, opts storage.SetOptions) error {
	if _, err := s.db.ExecContext(ctx, queryUpsert, key, value, s.expiresAt(opts)); err != nil {
		return fmt.Errorf("sqlite set %s: %w", key, err)
	}
	return nil
}

// SetMany upserts all items in one transaction.
func (s *Store) SetMany(ctx context.Context, items []storage.Item, opts storage.SetOptions) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, queryUpsert)
	if err != nil {
		return fmt.Errorf("sqlite prepare: %w", err)
	}
	defer stmt.Close()

	expiresAt := s.expiresAt(opts)
	for _, it := range items {
		if _, err := stmt.ExecContext(ctx, it.Key, it.Value, expiresAt); err != nil {
			return fmt.Errorf("sqlite set %s: %w", it.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite commit: %w", err)
	}
	return nil
}

// Delete removes a value.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, queryDelete, key); err != nil {
		return fmt.Errorf("sqlite delete %s: %w", key, err)
	}
	return nil
}

// Keys returns live keys under prefix using a range scan on the primary key.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	now := s.now().UnixMilli()
	var (
		rows *sql.Rows
		err  error
	)
	if end := storage.PrefixEnd([]byte(prefix)); end != nil {
		rows, err = s.db.QueryContext(ctx, queryKeysRange, prefix, string(end), now)
	} else {
		rows, err = s.db.QueryContext(ctx, queryKeysFrom, prefix, now)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite keys %s: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("sqlite keys %s: %w", prefix, err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite keys %s: %w", prefix, err)
	}
	return keys, nil
}

// Cleanup deletes rows whose expiry has passed.
func (s *Store) Cleanup(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, queryDeleteDead, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sqlite cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database if Open created it.
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

func (s *Store) expiresAt(opts storage.SetOptions) sql.NullInt64 {
	at := opts.ExpiresAt(s.now())
	if at.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: at.UnixMilli(), Valid: true}
}

var (
	_ storage.Storage     = (*Store)(nil)
	_ storage.BatchSetter = (*Store)(nil)
)
