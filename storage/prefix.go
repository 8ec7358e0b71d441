package storage

import (
	"context"
	"strings"
)

// WithPrefix namespaces every key of s under prefix + ":". Keys returned by
// Keys have the namespace stripped. The result implements BatchSetter only
// when s does. An empty prefix returns s unchanged.
func WithPrefix(s Storage, prefix string) Storage {
	if prefix == "" {
		return s
	}
	p := &prefixed{inner: s, ns: prefix + ":"}
	if b, ok := s.(BatchSetter); ok {
		return &prefixedBatch{prefixed: p, batch: b}
	}
	return p
}

type prefixed struct {
	inner Storage
	ns    string
}

func (p *prefixed) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return p.inner.Get(ctx, p.ns+key)
}

func (p *prefixed) Set(ctx context.Context, key string, value []byte, opts SetOptions) error {
	return p.inner.Set(ctx, p.ns+key, value, opts)
}

func (p *prefixed) Delete(ctx context.Context, key string) error {
	return p.inner.Delete(ctx, p.ns+key)
}

func (p *prefixed) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := p.inner.Keys(ctx, p.ns+prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if rest, ok := strings.CutPrefix(k, p.ns); ok {
			out = append(out, rest)
		}
	}
	return out, nil
}

// Close closes the wrapped backend.
func (p *prefixed) Close() error {
	return Close(p.inner)
}

type prefixedBatch struct {
	*prefixed
	batch BatchSetter
}

func (p *prefixedBatch) SetMany(ctx context.Context, items []Item, opts SetOptions) error {
	scoped := make([]Item, len(items))
	for i, it := range items {
		scoped[i] = Item{Key: p.ns + it.Key, Value: it.Value}
	}
	return p.batch.SetMany(ctx, scoped, opts)
}

var (
	_ Storage     = (*prefixed)(nil)
	_ BatchSetter = (*prefixedBatch)(nil)
)
