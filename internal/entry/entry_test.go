package entry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/electwix/qcache/internal/testing/chaos"
	"github.com/electwix/qcache/storage"
)

func TestCodec(t *testing.T) {
	tests := []struct {
		name string
		in   Entry
		wire string
	}{
		{
			name: "full",
			in:   Entry{Value: []byte("hi"), ExpiresAt: time.UnixMilli(1500), Tables: []string{"posts", "users"}},
			wire: `{"value":"aGk=","expiresAt":1500,"tables":["posts","users"]}`,
		},
		{
			name: "no expiry no tables",
			in:   Entry{Value: []byte("hi")},
			wire: `{"value":"aGk="}`,
		},
		{
			name: "empty value",
			in:   Entry{Value: []byte{}},
			wire: `{"value":""}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.in)
			if err != nil {
				t.Fatal(err)
			}
			if string(data) != tt.wire {
				t.Errorf("Encode() = %s, want %s", data, tt.wire)
			}
			got, err := Decode(data)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.in, got); diff != "" {
				t.Errorf("Decode mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeCorrupt(t *testing.T) {
	for _, in := range []string{"", "nope", `{}`, `{"value":null}`, `{"value":"!!"}`, `[1]`} {
		if _, err := Decode([]byte(in)); !errors.Is(err, ErrCorruptEntry) {
			t.Errorf("Decode(%q) error = %v, want ErrCorruptEntry", in, err)
		}
	}
}

func TestIsExpired(t *testing.T) {
	now := time.UnixMilli(1000)
	tests := []struct {
		at   time.Time
		want bool
	}{
		{at: time.Time{}, want: false},
		{at: now.Add(-time.Millisecond), want: true},
		{at: now, want: true},
		{at: now.Add(time.Millisecond), want: false},
	}
	for _, tt := range tests {
		if got := (Entry{ExpiresAt: tt.at}).IsExpired(now); got != tt.want {
			t.Errorf("IsExpired(%v) = %v, want %v", tt.at, got, tt.want)
		}
	}
}

func TestStoreReadWrite(t *testing.T) {
	ctx := context.Background()
	s := NewStore(storage.NewMemory())

	if _, ok, err := s.Read(ctx, "missing"); ok || err != nil {
		t.Fatalf("Read(missing) = %v, %v", ok, err)
	}

	want := Entry{Value: []byte("v"), ExpiresAt: time.UnixMilli(99)}
	if err := s.Write(ctx, "k", want, time.Second); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.Read(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("Read(k) = %v, %v", ok, err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Read mismatch (-want +got):\n%s", diff)
	}

	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Errorf("second Delete = %v", err)
	}
}

func TestReadCorrupt(t *testing.T) {
	ctx := context.Background()
	m := storage.NewMemory()
	_ = m.Set(ctx, "k", []byte("garbage"), storage.SetOptions{})

	_, ok, err := NewStore(m).Read(ctx, "k")
	if ok || !errors.Is(err, ErrCorruptEntry) {
		t.Errorf("Read = %v, %v; want ErrCorruptEntry", ok, err)
	}
}

func TestReadBackendError(t *testing.T) {
	f := chaos.NewFaulty(storage.NewMemory())
	f.FailOn(chaos.OpGet, "", nil)
	_, _, err := NewStore(f).Read(context.Background(), "k")
	if !errors.Is(err, chaos.ErrInjected) {
		t.Errorf("Read error = %v, want injected", err)
	}
}

func batchItems(n int) []storage.Item {
	items := make([]storage.Item, n)
	for i := range items {
		items[i] = storage.Item{Key: fmt.Sprintf("k%d", i), Value: []byte{byte(i)}}
	}
	return items
}

func TestWriteBatchNative(t *testing.T) {
	ctx := context.Background()
	b := chaos.NewBatching(storage.NewMemory())
	s := NewStore(b)
	if !s.Batched() {
		t.Fatal("expected native batch support")
	}

	if err := s.WriteBatch(ctx, batchItems(3), time.Second); err != nil {
		t.Fatal(err)
	}
	if got := len(b.Batches()); got != 1 {
		t.Errorf("SetMany calls = %d, want 1", got)
	}
	if got := b.Calls(chaos.OpSet); got != 0 {
		t.Errorf("Set calls = %d, want 0", got)
	}
}

func TestWriteBatchEmulated(t *testing.T) {
	ctx := context.Background()
	f := chaos.NewFaulty(storage.NewMemory())
	s := NewStore(f)
	if s.Batched() {
		t.Fatal("Faulty should not be batched")
	}

	if err := s.WriteBatch(ctx, batchItems(4), time.Second); err != nil {
		t.Fatal(err)
	}
	if got := f.Calls(chaos.OpSet); got != 4 {
		t.Errorf("Set calls = %d, want 4", got)
	}
	keys, _ := f.Keys(ctx, "k")
	if diff := cmp.Diff([]string{"k0", "k1", "k2", "k3"}, keys); diff != "" {
		t.Errorf("Keys mismatch (-want +got):\n%s", diff)
	}

	f.FailOn(chaos.OpSet, "k2", nil)
	if err := s.WriteBatch(ctx, batchItems(4), time.Second); !errors.Is(err, chaos.ErrInjected) {
		t.Errorf("WriteBatch error = %v, want injected", err)
	}
}

func TestWriteBatchEmpty(t *testing.T) {
	b := chaos.NewBatching(storage.NewMemory())
	if err := NewStore(b).WriteBatch(context.Background(), nil, 0); err != nil {
		t.Fatal(err)
	}
	if len(b.Batches()) != 0 {
		t.Error("empty batch reached the backend")
	}
}

func TestDeleteAll(t *testing.T) {
	ctx := context.Background()
	f := chaos.NewFaulty(storage.NewMemory())
	s := NewStore(f)
	_ = s.WriteBatch(ctx, batchItems(3), 0)

	if err := s.DeleteAll(ctx, []string{"k0", "k1", "k2", "absent"}); err != nil {
		t.Fatal(err)
	}
	if keys, _ := f.Keys(ctx, ""); len(keys) != 0 {
		t.Errorf("keys left after DeleteAll: %v", keys)
	}

	f.FailOn(chaos.OpDelete, "x", nil)
	if err := s.DeleteAll(ctx, []string{"a", "x1"}); !errors.Is(err, chaos.ErrInjected) {
		t.Errorf("DeleteAll error = %v, want injected", err)
	}
	if err := s.DeleteAll(ctx, nil); err != nil {
		t.Errorf("DeleteAll(nil) = %v", err)
	}
}

func TestItem(t *testing.T) {
	it, err := Item("k", Entry{Value: []byte("v")})
	if err != nil {
		t.Fatal(err)
	}
	if it.Key != "k" || string(it.Value) != `{"value":"dg=="}` {
		t.Errorf("Item() = %+v", it)
	}
}
