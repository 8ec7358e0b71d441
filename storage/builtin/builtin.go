// Package builtin registers all built-in storage drivers.
//
// Import this package to make every backend available via storage.Open:
//
//	import _ "github.com/electwix/qcache/storage/builtin"
package builtin

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/electwix/qcache/storage"
	"github.com/electwix/qcache/storage/lru"
	"github.com/electwix/qcache/storage/pebble"
	"github.com/electwix/qcache/storage/postgres"
	"github.com/electwix/qcache/storage/sqlite"
)

// Driver names.
const (
	Memory   = "memory"
	File     = "file"
	SQLite   = "sqlite"
	Postgres = "postgres"
	Pebble   = "pebble"
	LRU      = "lru"
)

var errMissingDSN = errors.New("dsn is required")

var once sync.Once

//nolint:gochecknoinits // Package registration via init is idiomatic for this use case
func init() {
	RegisterAll()
}

// RegisterAll registers all built-in drivers. It is safe to call more than
// once.
func RegisterAll() {
	once.Do(func() {
		storage.Register(Memory, openMemory)
		storage.Register(File, openFile)
		storage.Register(SQLite, openSQLite)
		storage.Register(Postgres, openPostgres)
		storage.Register("postgresql", openPostgres) // Alias
		storage.Register(Pebble, openPebble)
		storage.Register(LRU, openLRU)
	})
}

func openMemory(_ context.Context, _ storage.Descriptor) (storage.Storage, error) {
	return storage.NewMemory(), nil
}

func openFile(_ context.Context, d storage.Descriptor) (storage.Storage, error) {
	if d.DSN == "" {
		return nil, errMissingDSN
	}
	return storage.NewFile(d.DSN)
}

func openSQLite(ctx context.Context, d storage.Descriptor) (storage.Storage, error) {
	dsn := d.DSN
	if dsn == "" {
		dsn = ":memory:"
	}
	return sqlite.Open(ctx, dsn)
}

func openPostgres(ctx context.Context, d storage.Descriptor) (storage.Storage, error) {
	if d.DSN == "" {
		return nil, errMissingDSN
	}
	return postgres.Open(ctx, d.DSN)
}

func openPebble(_ context.Context, d storage.Descriptor) (storage.Storage, error) {
	dsn := d.DSN
	if dsn == "" {
		dsn = pebble.MemoryDSN
	}
	return pebble.Open(dsn)
}

func openLRU(_ context.Context, d storage.Descriptor) (storage.Storage, error) {
	size := lru.DefaultSize
	if raw, ok := d.Options["size"]; ok {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid lru size %q", raw)
		}
		size = n
	}
	return lru.New(size)
}
