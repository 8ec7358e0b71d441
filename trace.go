package qcache

import (
	"context"
	"log/slog"

	"github.com/electwix/qcache/internal/keys"
)

// traceMessage is the log message of every trace line; the event attribute
// tells them apart.
const traceMessage = "qcache"

// trace records an event about one entry. Trace output never influences
// the operation that emits it.
func (c *Cache) trace(ctx context.Context, event string, ref keys.Ref, attrs ...slog.Attr) {
	c.metrics.Event(event)
	if !c.debug {
		return
	}
	tables, err := ref.Tables()
	if err != nil {
		tables = keys.SplitDigest(ref.Digest)
	}
	base := []slog.Attr{
		slog.String("event", event),
		slog.String("kind", ref.Kind.String()),
		slog.String("fingerprint", ref.Fingerprint),
		slog.Any("tables", tables),
	}
	c.logger.LogAttrs(ctx, slog.LevelDebug, traceMessage, append(base, attrs...)...)
}

// event records an event not tied to a single entry.
func (c *Cache) event(ctx context.Context, event string, attrs ...slog.Attr) {
	c.metrics.Event(event)
	if !c.debug {
		return
	}
	c.logger.LogAttrs(ctx, slog.LevelDebug, traceMessage, append([]slog.Attr{slog.String("event", event)}, attrs...)...)
}
