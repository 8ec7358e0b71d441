package storage_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/electwix/qcache/storage"
	"github.com/electwix/qcache/storage/storagetest"
)

func TestMemoryConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Storage {
		return storage.NewMemory()
	})
}

func TestFileConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Storage {
		f, err := storage.NewFile(filepath.Join(t.TempDir(), "store"))
		if err != nil {
			t.Fatalf("NewFile failed: %v", err)
		}
		return f
	})
}

func TestMemoryTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1000, 0)
	m := storage.NewMemory(storage.WithMemoryClock(func() time.Time { return now }))

	if err := m.Set(ctx, "short", []byte("v"), storage.SetOptions{TTL: time.Second}); err != nil {
		t.Fatal(err)
	}
	if err := m.Set(ctx, "forever", []byte("v"), storage.SetOptions{}); err != nil {
		t.Fatal(err)
	}

	now = now.Add(time.Second)

	if _, ok, _ := m.Get(ctx, "short"); ok {
		t.Error("expected short-lived key to expire")
	}
	keys, _ := m.Keys(ctx, "")
	if diff := cmp.Diff([]string{"forever"}, keys); diff != "" {
		t.Errorf("Keys mismatch (-want +got):\n%s", diff)
	}

	if m.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", m.Len())
	}
	m.Cleanup()
	if m.Len() != 1 {
		t.Errorf("Len() after Cleanup = %d, want 1", m.Len())
	}
	m.Clear()
	if m.Len() != 0 {
		t.Errorf("Len() after Clear = %d, want 0", m.Len())
	}
}

func TestMemoryCopiesValues(t *testing.T) {
	ctx := context.Background()
	m := storage.NewMemory()
	buf := []byte("abc")
	_ = m.Set(ctx, "k", buf, storage.SetOptions{})
	buf[0] = 'x'
	got, _, _ := m.Get(ctx, "k")
	if string(got) != "abc" {
		t.Errorf("stored value aliased caller buffer: %q", got)
	}
}

func TestFileExpiredAndCleanup(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	f, err := storage.NewFile(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Set(ctx, "k", []byte("v"), storage.SetOptions{TTL: time.Nanosecond}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * time.Millisecond)
	if _, ok, _ := f.Get(ctx, "k"); ok {
		t.Error("expected expired file entry to be a miss")
	}
	if err := f.Cleanup(); err != nil {
		t.Fatal(err)
	}
	var files int
	_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() && strings.HasSuffix(path, ".json") {
			files++
		}
		return nil
	})
	if files != 0 {
		t.Errorf("Cleanup left %d files", files)
	}
}

func TestFileKeyWithSpecialCharacters(t *testing.T) {
	ctx := context.Background()
	f, err := storage.NewFile(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	key := `entry:q:1:a%2Fb:../../etc/passwd`
	if err := f.Set(ctx, key, []byte("v"), storage.SetOptions{}); err != nil {
		t.Fatal(err)
	}
	keys, err := f.Keys(ctx, "entry:")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{key}, keys); diff != "" {
		t.Errorf("Keys mismatch (-want +got):\n%s", diff)
	}
}

func TestWithPrefixEmpty(t *testing.T) {
	m := storage.NewMemory()
	if storage.WithPrefix(m, "") != storage.Storage(m) {
		t.Error("empty prefix should return the backend unchanged")
	}
}

type plainStorage struct{ storage.Storage }

func TestWithPrefixNoBatch(t *testing.T) {
	s := storage.WithPrefix(plainStorage{storage.NewMemory()}, "p")
	if _, ok := s.(storage.BatchSetter); ok {
		t.Error("prefix wrapper must not invent batch support")
	}
}

func TestPrefixEnd(t *testing.T) {
	tests := []struct {
		in   []byte
		want []byte
	}{
		{in: []byte("abc"), want: []byte("abd")},
		{in: []byte("a:"), want: []byte("a;")},
		{in: []byte{'a', 0xff}, want: []byte("b")},
		{in: []byte{0xff, 0xff}, want: nil},
		{in: nil, want: nil},
	}
	for _, tt := range tests {
		if got := storage.PrefixEnd(tt.in); !slices.Equal(got, tt.want) {
			t.Errorf("PrefixEnd(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRegistry(t *testing.T) {
	storage.Register("test-memory", func(_ context.Context, _ storage.Descriptor) (storage.Storage, error) {
		return storage.NewMemory(), nil
	})
	storage.Register("test-broken", func(_ context.Context, _ storage.Descriptor) (storage.Storage, error) {
		return nil, errors.New("boom")
	})

	if !storage.IsRegistered("test-memory") {
		t.Fatal("expected test-memory to be registered")
	}
	if !slices.Contains(storage.Drivers(), "test-memory") {
		t.Errorf("Drivers() = %v, missing test-memory", storage.Drivers())
	}

	s, err := storage.Open(context.Background(), storage.Descriptor{Driver: "test-memory"})
	if err != nil || s == nil {
		t.Fatalf("Open() = %v, %v", s, err)
	}

	if _, err := storage.Open(context.Background(), storage.Descriptor{Driver: "nope"}); !errors.Is(err, storage.ErrUnknownDriver) {
		t.Errorf("Open(nope) error = %v, want ErrUnknownDriver", err)
	}
	if _, err := storage.Open(context.Background(), storage.Descriptor{Driver: "test-broken"}); err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("Open(test-broken) error = %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	storage.Register("test-memory", nil)
}

func TestClose(t *testing.T) {
	if err := storage.Close(storage.NewMemory()); err != nil {
		t.Errorf("Close(memory) = %v", err)
	}
}
