package chaos_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/electwix/qcache/internal/testing/chaos"
	"github.com/electwix/qcache/storage"
)

func TestFaultyFailOn(t *testing.T) {
	ctx := context.Background()
	f := chaos.NewFaulty(storage.NewMemory())
	boom := errors.New("boom")
	f.FailOn(chaos.OpSet, "index:", boom)

	if err := f.Set(ctx, "entry:1", []byte("v"), storage.SetOptions{}); err != nil {
		t.Fatalf("unexpected error for unmatched key: %v", err)
	}
	if err := f.Set(ctx, "index:1", []byte("v"), storage.SetOptions{}); !errors.Is(err, boom) {
		t.Fatalf("Set(index:1) error = %v, want boom", err)
	}
	if got := f.Calls(chaos.OpSet); got != 2 {
		t.Errorf("Calls(set) = %d, want 2", got)
	}

	f.Heal()
	if err := f.Set(ctx, "index:1", []byte("v"), storage.SetOptions{}); err != nil {
		t.Errorf("Set after Heal: %v", err)
	}
}

func TestFaultyDefaultError(t *testing.T) {
	f := chaos.NewFaulty(storage.NewMemory())
	f.FailOn(chaos.OpKeys, "", nil)
	if _, err := f.Keys(context.Background(), "x"); !errors.Is(err, chaos.ErrInjected) {
		t.Errorf("Keys error = %v, want ErrInjected", err)
	}
}

func TestFaultyHidesBatch(t *testing.T) {
	var s storage.Storage = chaos.NewFaulty(storage.NewMemory())
	if _, ok := s.(storage.BatchSetter); ok {
		t.Error("Faulty must not expose SetMany")
	}
	s = chaos.NewBatching(storage.NewMemory())
	if _, ok := s.(storage.BatchSetter); !ok {
		t.Error("Batching must expose SetMany")
	}
}

func TestBatchingRecords(t *testing.T) {
	ctx := context.Background()
	b := chaos.NewBatching(storage.NewMemory())
	items := []storage.Item{{Key: "a", Value: []byte("1")}, {Key: "b", Value: []byte("2")}}
	if err := b.SetMany(ctx, items, storage.SetOptions{}); err != nil {
		t.Fatal(err)
	}
	if got := len(b.Batches()); got != 1 {
		t.Fatalf("Batches() = %d, want 1", got)
	}
	if v, ok, _ := b.Get(ctx, "b"); !ok || string(v) != "2" {
		t.Errorf("Get(b) = %q, %v", v, ok)
	}
}

func TestCorruptorDeterministic(t *testing.T) {
	input := []byte(`{"value":"aGVsbG8=","expiresAt":1000}`)
	a := chaos.NewCorruptor(42).CorruptN(input, 5)
	b := chaos.NewCorruptor(42).CorruptN(input, 5)
	if !bytes.Equal(a, b) {
		t.Errorf("same seed produced different output: %q vs %q", a, b)
	}
	if string(input) != `{"value":"aGVsbG8=","expiresAt":1000}` {
		t.Error("Corrupt modified its input")
	}
}

func TestCorruptorChangesShortInput(t *testing.T) {
	c := chaos.NewCorruptor(1)
	for _, in := range [][]byte{nil, []byte("x")} {
		if out := c.Corrupt(in); bytes.Equal(out, in) {
			t.Errorf("Corrupt(%q) returned input unchanged", in)
		}
	}
}

func TestOverwrite(t *testing.T) {
	ctx := context.Background()
	m := storage.NewMemory()
	_ = m.Set(ctx, "k", []byte("original payload"), storage.SetOptions{})

	if err := chaos.NewCorruptor(7).Overwrite(ctx, m, "k"); err != nil {
		t.Fatal(err)
	}
	if err := chaos.NewCorruptor(7).Overwrite(ctx, m, "missing"); err != nil {
		t.Errorf("Overwrite(missing) = %v", err)
	}
	if _, ok, _ := m.Get(ctx, "missing"); ok {
		t.Error("Overwrite created a missing key")
	}
}
