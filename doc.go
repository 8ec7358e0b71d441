// Package qcache caches query results in any key-value store and drops
// them when the tables they were read from change.
//
// A Cache needs only get, set, delete and prefix listing from its
// backend (see storage.Storage). Every entry is addressed by its
// fingerprint, its kind (query or tag) and the sorted set of tables it
// depends on. For each dependent table an index record is written whose key
// alone identifies the entry, so invalidating a table is a prefix scan
// followed by deletes:
//
//	entry:q:1:posts,users:select%20...   the cached value
//	index:posts:posts,users:q:select...   one per table
//	index:users:posts,users:q:select...
//	tag:feed                              digest of a tagged entry
//
// Typical use from a data-access layer:
//
//	c, err := qcache.New(storage.NewMemory(), qcache.WithDefaultTTL(qcache.Seconds(30)))
//	...
//	q := qcache.Query{Fingerprint: sqlHash, Tables: []string{"users"}}
//	if v, ok, err := c.Lookup(ctx, q); ok { ... }
//	err = c.Store(ctx, q, rows, qcache.TTL{})
//	...
//	err = c.OnMutate(ctx, qcache.Mutation{Tables: []string{"users"}})
//
// Backends are not required to honor TTL hints; expired entries are
// detected on read and can be swept with Prune.
package qcache
