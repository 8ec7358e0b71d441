// Package storagetest provides a conformance suite for storage backends.
//
// Backend tests call Run with a constructor returning a fresh, empty backend:
//
//	func TestConformance(t *testing.T) {
//		storagetest.Run(t, func(t *testing.T) storage.Storage {
//			return storage.NewMemory()
//		})
//	}
package storagetest

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/electwix/qcache/storage"
)

// Factory returns a fresh backend for one subtest.
type Factory func(t *testing.T) storage.Storage

// Run exercises the storage.Storage contract against backends from newStorage.
func Run(t *testing.T, newStorage Factory) {
	t.Helper()

	t.Run("get missing", func(t *testing.T) {
		s := newStorage(t)
		v, ok, err := s.Get(context.Background(), "missing")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if ok || v != nil {
			t.Errorf("Get() = %q, %v; want nil, false", v, ok)
		}
	})

	t.Run("set get overwrite", func(t *testing.T) {
		ctx := context.Background()
		s := newStorage(t)
		mustSet(t, s, "k", "v1", 0)
		mustGet(t, s, "k", "v1")
		mustSet(t, s, "k", "v2", time.Hour)
		mustGet(t, s, "k", "v2")
		if err := s.Set(ctx, "bin", []byte{0, 1, 0xff}, storage.SetOptions{}); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
		got, ok, err := s.Get(ctx, "bin")
		if err != nil || !ok || !bytes.Equal(got, []byte{0, 1, 0xff}) {
			t.Errorf("Get(bin) = %v, %v, %v", got, ok, err)
		}
	})

	t.Run("delete idempotent", func(t *testing.T) {
		ctx := context.Background()
		s := newStorage(t)
		mustSet(t, s, "k", "v", 0)
		for i := 0; i < 2; i++ {
			if err := s.Delete(ctx, "k"); err != nil {
				t.Fatalf("Delete() #%d error = %v", i, err)
			}
		}
		if _, ok, _ := s.Get(ctx, "k"); ok {
			t.Error("key still present after Delete")
		}
	})

	t.Run("keys by prefix", func(t *testing.T) {
		ctx := context.Background()
		s := newStorage(t)
		for _, k := range []string{"index:a:1", "index:a:2", "index:ab:1", "index:b:1", "entry:x"} {
			mustSet(t, s, k, "v", 0)
		}
		tests := []struct {
			prefix string
			want   []string
		}{
			{prefix: "index:a:", want: []string{"index:a:1", "index:a:2"}},
			{prefix: "index:", want: []string{"index:a:1", "index:a:2", "index:ab:1", "index:b:1"}},
			{prefix: "index:c:", want: nil},
			{prefix: "", want: []string{"entry:x", "index:a:1", "index:a:2", "index:ab:1", "index:b:1"}},
		}
		for _, tt := range tests {
			got, err := s.Keys(ctx, tt.prefix)
			if err != nil {
				t.Fatalf("Keys(%q) error = %v", tt.prefix, err)
			}
			slices.Sort(got)
			if diff := cmp.Diff(tt.want, got, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("Keys(%q) mismatch (-want +got):\n%s", tt.prefix, diff)
			}
		}
	})

	t.Run("batch", func(t *testing.T) {
		s := newStorage(t)
		b, ok := s.(storage.BatchSetter)
		if !ok {
			t.Skip("backend has no native batch")
		}
		items := make([]storage.Item, 0, 10)
		for i := 0; i < 10; i++ {
			items = append(items, storage.Item{Key: fmt.Sprintf("batch:%02d", i), Value: []byte{byte(i)}})
		}
		if err := b.SetMany(context.Background(), items, storage.SetOptions{TTL: time.Minute}); err != nil {
			t.Fatalf("SetMany() error = %v", err)
		}
		keys, err := s.Keys(context.Background(), "batch:")
		if err != nil {
			t.Fatal(err)
		}
		if len(keys) != len(items) {
			t.Errorf("Keys() after SetMany = %d keys, want %d", len(keys), len(items))
		}
	})

	t.Run("prefixed namespace", func(t *testing.T) {
		ctx := context.Background()
		raw := newStorage(t)
		a := storage.WithPrefix(raw, "a")
		b := storage.WithPrefix(raw, "b")
		mustSet(t, a, "k", "from-a", 0)
		mustSet(t, b, "k", "from-b", 0)
		mustGet(t, a, "k", "from-a")
		mustGet(t, b, "k", "from-b")
		keys, err := a.Keys(ctx, "")
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]string{"k"}, keys); diff != "" {
			t.Errorf("prefixed Keys mismatch (-want +got):\n%s", diff)
		}
		if _, native := raw.(storage.BatchSetter); native {
			if _, ok := a.(storage.BatchSetter); !ok {
				t.Error("prefix wrapper hides native batch support")
			}
		}
	})
}

func mustSet(t *testing.T, s storage.Storage, key, value string, ttl time.Duration) {
	t.Helper()
	if err := s.Set(context.Background(), key, []byte(value), storage.SetOptions{TTL: ttl}); err != nil {
		t.Fatalf("Set(%q) error = %v", key, err)
	}
}

func mustGet(t *testing.T, s storage.Storage, key, want string) {
	t.Helper()
	got, ok, err := s.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get(%q) error = %v", key, err)
	}
	if !ok || string(got) != want {
		t.Errorf("Get(%q) = %q, %v; want %q", key, got, ok, want)
	}
}
