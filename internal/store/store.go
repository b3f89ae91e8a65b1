// Package store defines the state the aggregation engine keeps: a point store
// for running totals and a time-ranged store for windowed counts.
//
// Backends live in subpackages (memory, redisstore). Both are owned
// explicitly by the caller: Init recovers durable state, Close flushes it.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotReady is returned before Init has completed or after Close.
	ErrNotReady = errors.New("state store not ready")
	// ErrUnavailable wraps backend failures (connection refused, timeouts).
	ErrUnavailable = errors.New("state store unavailable")
	// ErrWindowExpired is returned when writing a window older than the
	// retention horizon. The window is not re-opened.
	ErrWindowExpired = errors.New("window expired")
)

// DefaultRetention is how long windows are kept behind the newest one.
const DefaultRetention = 24 * time.Hour

// PointStore backs running totals.
type PointStore interface {
	Get(ctx context.Context, key string) (decimal.Decimal, bool, error)
	Put(ctx context.Context, key string, v decimal.Decimal) error
}

// WindowEntry is one stored window.
type WindowEntry struct {
	Start time.Time
	Count int64
}

// RangeStore backs windowed counts, keyed by (key, window start).
type RangeStore interface {
	Get(ctx context.Context, key string, start time.Time) (int64, bool, error)
	Put(ctx context.Context, key string, start time.Time, v int64) error
	// Scan returns windows with start in [from, to), ordered by start.
	Scan(ctx context.Context, key string, from, to time.Time) ([]WindowEntry, error)
}

// Update is one event's contribution to the aggregates of Key. Apply runs
// both reducers and records ID as applied in a single atomic step, so a
// failed Apply leaves nothing behind and a replayed ID changes nothing.
type Update struct {
	ID          string
	Key         string
	WindowStart time.Time
	Total       func(decimal.Decimal) (decimal.Decimal, error)
	Count       func(int64) int64
	// StreamCap is the furthest the key's stream time may advance. Zero
	// leaves it unbounded.
	StreamCap time.Time
}

// Applied reports what Apply did with an Update.
type Applied struct {
	// Duplicate means ID was already applied; nothing was written.
	Duplicate bool
	// WindowExpired means the total was updated but the window had fallen
	// behind the retention horizon and was not re-opened.
	WindowExpired bool
}

// Store groups both stores with their lifecycle.
type Store interface {
	Totals() PointStore
	Windows() RangeStore
	Apply(ctx context.Context, u Update) (Applied, error)
	Init(ctx context.Context) error
	Close(ctx context.Context) error
	Ready() bool
}

// Expired reports whether a window starting at start has fallen behind the
// retention horizon measured from streamTime, the newest window start seen
// for the same key.
func Expired(start, streamTime time.Time, retention time.Duration) bool {
	if retention <= 0 || streamTime.IsZero() {
		return false
	}
	return start.Before(streamTime.Add(-retention))
}

// Advance returns the stream time after a write to the window at start:
// the later of current and start, but never past limit.
func Advance(current, start, limit time.Time) time.Time {
	next := start
	if !limit.IsZero() && next.After(limit) {
		next = limit
	}
	if next.After(current) {
		return next
	}
	return current
}
