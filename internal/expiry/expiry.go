// Package expiry computes absolute expiry timestamps for cache entries.
package expiry

import (
	"math"
	"time"
)

// DefaultTTL applies when neither the request nor the defaults name a TTL.
const DefaultTTL = 1000 * time.Millisecond

// Config selects an entry's expiry. Fields are consulted in the order
// PX, EX, PXAt, EXAt; the first one present wins.
type Config struct {
	// PX is a TTL relative to now, in milliseconds.
	PX *int64 `toml:"px,omitempty" yaml:"px,omitempty" json:"px,omitempty"`
	// EX is a TTL relative to now, in seconds.
	EX *int64 `toml:"ex,omitempty" yaml:"ex,omitempty" json:"ex,omitempty"`
	// PXAt is an absolute Unix timestamp in milliseconds.
	PXAt *int64 `toml:"pxat,omitempty" yaml:"pxat,omitempty" json:"pxat,omitempty"`
	// EXAt is an absolute Unix timestamp in seconds.
	EXAt *int64 `toml:"exat,omitempty" yaml:"exat,omitempty" json:"exat,omitempty"`
	// KeepTTL reuses a still-valid previous expiry instead of computing one.
	KeepTTL bool `toml:"keep_ttl,omitempty" yaml:"keep_ttl,omitempty" json:"keep_ttl,omitempty"`
}

// Millis returns a Config expiring ms milliseconds after the write.
func Millis(ms int64) Config { return Config{PX: &ms} }

// Seconds returns a Config expiring s seconds after the write.
func Seconds(s int64) Config { return Config{EX: &s} }

// AtMillis returns a Config expiring at the given Unix millisecond timestamp.
func AtMillis(ms int64) Config { return Config{PXAt: &ms} }

// AtSeconds returns a Config expiring at the given Unix second timestamp.
func AtSeconds(s int64) Config { return Config{EXAt: &s} }

// Duration returns a Config expiring d after the write, truncated to milliseconds.
func Duration(d time.Duration) Config { return Millis(d.Milliseconds()) }

// Keep returns a copy of c with KeepTTL set.
func (c Config) Keep() Config {
	c.KeepTTL = true
	return c
}

// IsZero reports whether c names no TTL field.
func (c Config) IsZero() bool {
	return c.PX == nil && c.EX == nil && c.PXAt == nil && c.EXAt == nil
}

func (c Config) at(now time.Time) (time.Time, bool) {
	switch {
	case c.PX != nil:
		return now.Add(scale(*c.PX, time.Millisecond)), true
	case c.EX != nil:
		return now.Add(scale(*c.EX, time.Second)), true
	case c.PXAt != nil:
		return time.UnixMilli(*c.PXAt), true
	case c.EXAt != nil:
		return time.Unix(*c.EXAt, 0), true
	default:
		return time.Time{}, false
	}
}

// scale multiplies n by unit, saturating instead of wrapping around.
func scale(n int64, unit time.Duration) time.Duration {
	limit := int64(math.MaxInt64 / unit)
	switch {
	case n > limit:
		return math.MaxInt64
	case n < -limit:
		return math.MinInt64
	}
	return time.Duration(n) * unit
}

// Resolve returns the absolute expiry for a write at now.
//
// A KeepTTL request with a still-future existing expiry returns existing
// unchanged. Otherwise the first TTL field of requested is used, then the
// first of defaults, then DefaultTTL.
func Resolve(now time.Time, requested, defaults Config, existing time.Time) time.Time {
	if requested.KeepTTL && !existing.IsZero() && existing.After(now) {
		return existing
	}
	if at, ok := requested.at(now); ok {
		return at
	}
	if at, ok := defaults.at(now); ok {
		return at
	}
	return now.Add(DefaultTTL)
}

// IsExpired reports whether expiresAt is set and not after now.
func IsExpired(expiresAt, now time.Time) bool {
	return !expiresAt.IsZero() && !expiresAt.After(now)
}

// BackendTTL converts an absolute expiry into the native TTL hint handed to
// the storage backend: the remaining time rounded up to whole seconds, at
// least one second. A zero expiresAt yields no hint.
func BackendTTL(now, expiresAt time.Time) time.Duration {
	if expiresAt.IsZero() {
		return 0
	}
	remaining := expiresAt.Sub(now)
	secs := remaining / time.Second
	if remaining%time.Second > 0 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	if maxSecs := time.Duration(math.MaxInt64) / time.Second; secs > maxSecs {
		secs = maxSecs
	}
	return secs * time.Second
}
