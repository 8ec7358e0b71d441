// Package chaos wraps storage backends with injected faults for tests.
//
// Faulty fails selected operations and records every call it sees.
// Corruptor mangles stored payloads so readers can be checked against
// garbage without panicking.
package chaos

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"

	"github.com/electwix/qcache/storage"
)

// ErrInjected is the default error returned by injected faults.
var ErrInjected = errors.New("chaos: injected fault")

// Op names a storage operation.
type Op string

// Storage operations.
const (
	OpGet     Op = "get"
	OpSet     Op = "set"
	OpSetMany Op = "set_many"
	OpDelete  Op = "delete"
	OpKeys    Op = "keys"
)

type fault struct {
	op     Op
	prefix string
	err    error
}

// Faulty wraps a backend, failing operations that match a registered fault.
// It never exposes SetMany; use Batching for that.
type Faulty struct {
	inner storage.Storage

	mu     sync.Mutex
	faults []fault
	calls  map[Op]int
}

// NewFaulty wraps inner.
func NewFaulty(inner storage.Storage) *Faulty {
	return &Faulty{inner: inner, calls: make(map[Op]int)}
}

// FailOn makes op fail with err for every key starting with prefix.
// A nil err means ErrInjected.
func (f *Faulty) FailOn(op Op, prefix string, err error) {
	if err == nil {
		err = ErrInjected
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = append(f.faults, fault{op: op, prefix: prefix, err: err})
}

// Heal removes all faults.
func (f *Faulty) Heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = nil
}

// Calls reports how many times op was invoked.
func (f *Faulty) Calls(op Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *Faulty) check(op Op, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	for _, ft := range f.faults {
		if ft.op == op && strings.HasPrefix(key, ft.prefix) {
			return ft.err
		}
	}
	return nil
}

// Get implements storage.Storage.
func (f *Faulty) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := f.check(OpGet, key); err != nil {
		return nil, false, err
	}
	return f.inner.Get(ctx, key)
}

// Set implements storage.Storage.
func (f *Faulty) Set(ctx context.Context, key string, value []byte, opts storage.SetOptions) error {
	if err := f.check(OpSet, key); err != nil {
		return err
	}
	return f.inner.Set(ctx, key, value, opts)
}

// Delete implements storage.Storage.
func (f *Faulty) Delete(ctx context.Context, key string) error {
	if err := f.check(OpDelete, key); err != nil {
		return err
	}
	return f.inner.Delete(ctx, key)
}

// Keys implements storage.Storage.
func (f *Faulty) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := f.check(OpKeys, prefix); err != nil {
		return nil, err
	}
	return f.inner.Keys(ctx, prefix)
}

// Batching is a Faulty that also exposes SetMany. Batches are emulated with
// sequential Sets on the inner backend; faults registered for OpSetMany
// match against the first key of the batch.
type Batching struct {
	*Faulty

	mu      sync.Mutex
	batches [][]storage.Item
}

// NewBatching wraps inner with batch support.
func NewBatching(inner storage.Storage) *Batching {
	return &Batching{Faulty: NewFaulty(inner)}
}

// SetMany implements storage.BatchSetter.
func (b *Batching) SetMany(ctx context.Context, items []storage.Item, opts storage.SetOptions) error {
	var first string
	if len(items) > 0 {
		first = items[0].Key
	}
	if err := b.check(OpSetMany, first); err != nil {
		return err
	}
	b.mu.Lock()
	b.batches = append(b.batches, append([]storage.Item(nil), items...))
	b.mu.Unlock()
	for _, it := range items {
		if err := b.inner.Set(ctx, it.Key, it.Value, opts); err != nil {
			return err
		}
	}
	return nil
}

// Batches returns the item lists passed to SetMany, in call order.
func (b *Batching) Batches() [][]storage.Item {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]storage.Item(nil), b.batches...)
}

var (
	_ storage.Storage     = (*Faulty)(nil)
	_ storage.BatchSetter = (*Batching)(nil)
)

// Mutation is a kind of byte-level corruption.
type Mutation int

const (
	ByteFlip Mutation = iota
	ByteDelete
	ByteInsert
	Truncation
	BitInversion
	mutationCount
)

// Corruptor applies seeded random corruption to payloads.
type Corruptor struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewCorruptor creates a Corruptor with the given seed.
func NewCorruptor(seed int64) *Corruptor {
	return &Corruptor{rng: rand.New(rand.NewSource(seed))}
}

// Corrupt returns a corrupted copy of input. The input is never modified.
func (c *Corruptor) Corrupt(input []byte) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := append([]byte(nil), input...)
	if len(out) < 2 {
		return append(out, byte(c.rng.Intn(256)), '}')
	}
	switch Mutation(c.rng.Intn(int(mutationCount))) {
	case ByteFlip:
		idx := c.rng.Intn(len(out))
		out[idx] ^= byte(1 << c.rng.Intn(8))
	case ByteDelete:
		idx := c.rng.Intn(len(out))
		out = append(out[:idx], out[idx+1:]...)
	case ByteInsert:
		idx := c.rng.Intn(len(out) + 1)
		out = append(out[:idx], append([]byte{byte(c.rng.Intn(256))}, out[idx:]...)...)
	case Truncation:
		out = out[:c.rng.Intn(len(out)-1)+1]
	case BitInversion:
		for range c.rng.Intn(5) + 1 {
			idx := c.rng.Intn(len(out))
			out[idx] ^= 1 << c.rng.Intn(8)
		}
	}
	return out
}

// CorruptN applies n corruptions in sequence.
func (c *Corruptor) CorruptN(input []byte, n int) []byte {
	out := input
	for range n {
		out = c.Corrupt(out)
	}
	return out
}

// Overwrite replaces the stored value of key with a corrupted copy.
func (c *Corruptor) Overwrite(ctx context.Context, s storage.Storage, key string) error {
	value, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return err
	}
	return s.Set(ctx, key, c.Corrupt(value), storage.SetOptions{})
}
