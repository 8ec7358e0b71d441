package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/electwix/qcache/storage"
	"github.com/electwix/qcache/storage/storagetest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Storage {
		return openTestStore(t)
	})
}

func TestExpiryColumn(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.UnixMilli(1_000_000)
	s.now = func() time.Time { return now }

	if err := s.Set(ctx, "k", []byte("v"), storage.SetOptions{TTL: time.Second}); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.Get(ctx, "k"); !ok {
		t.Fatal("expected live key")
	}

	now = now.Add(time.Second)

	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Error("expected key to be expired")
	}
	keys, err := s.Keys(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 0 {
		t.Errorf("Keys() = %v, want none", keys)
	}
	n, err := s.Cleanup(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("Cleanup() removed %d rows, want 1", n)
	}
}

func TestNewSharesHandle(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open(DriverName, filepath.Join(t.TempDir(), "kv.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	s, err := New(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "k", []byte("v"), storage.SetOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := db.PingContext(ctx); err != nil {
		t.Errorf("Close closed a caller-owned handle: %v", err)
	}
}
