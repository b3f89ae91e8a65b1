// Package aggregate maintains the per payment method aggregates: an unbounded
// running total and a tumbling per-window transaction count.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"

	"github.com/gyaneshwarpardhi/paystream/internal/event"
	"github.com/gyaneshwarpardhi/paystream/internal/metrics"
	"github.com/gyaneshwarpardhi/paystream/internal/store"
)

// Outcome describes what Apply did with an event.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeLateWindow means the total was updated but the event's window
	// had already been evicted and was not re-opened.
	OutcomeLateWindow Outcome = "late_window"
)

// DefaultMaxSkew is how far ahead of the wall clock an event's window may
// move stream time.
const DefaultMaxSkew = time.Hour

// Options configure the engine.
type Options struct {
	Window           time.Duration
	RetryInitial     time.Duration
	RetryMaxInterval time.Duration
	// RetryMaxElapsed bounds how long a store failure stalls one event
	// before Apply gives up with store.ErrUnavailable. Zero retries until
	// ctx is cancelled.
	RetryMaxElapsed time.Duration
	// MaxSkew caps stream time at the window of now+MaxSkew, so one
	// event stamped far in the future cannot evict every live window.
	MaxSkew time.Duration
	Now     func() time.Time
}

func (o *Options) applyDefaults() {
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.RetryInitial <= 0 {
		o.RetryInitial = 100 * time.Millisecond
	}
	if o.RetryMaxInterval <= 0 {
		o.RetryMaxInterval = 5 * time.Second
	}
	if o.MaxSkew <= 0 {
		o.MaxSkew = DefaultMaxSkew
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Engine applies success events to the state store. Each event is one
// atomic store update, so concurrent engines over a shared store neither
// lose increments nor count a transaction twice.
type Engine struct {
	st   store.Store
	opts Options
	log  *slog.Logger
}

// New creates an Engine that owns st. Call Init before Apply.
func New(st store.Store, opts Options, log *slog.Logger) *Engine {
	opts.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Engine{st: st, opts: opts, log: log.With("component", "aggregate")}
}

// Init recovers the store to its last durable state.
func (e *Engine) Init(ctx context.Context) error {
	if err := e.st.Init(ctx); err != nil {
		return fmt.Errorf("init state store: %w", err)
	}
	return nil
}

// Close flushes and releases the store.
func (e *Engine) Close(ctx context.Context) error {
	if err := e.st.Close(ctx); err != nil {
		return fmt.Errorf("close state store: %w", err)
	}
	return nil
}

// Window returns the configured window size.
func (e *Engine) Window() time.Duration { return e.opts.Window }

// Apply folds one success event into both aggregates of its payment method.
//
// An invalid amount is rejected before anything is read or written. Store
// failures are retried; if retries run out the error wraps
// store.ErrUnavailable and nothing of the event was written.
func (e *Engine) Apply(ctx context.Context, ev event.Unified) (Outcome, error) {
	key := string(ev.PaymentMethod)
	if _, err := AddAmount(decimal.Zero, ev); err != nil {
		metrics.AggregationErrors.WithLabelValues("invalid_amount").Inc()
		return "", err
	}

	u := store.Update{
		ID:          ev.TransactionID,
		Key:         key,
		WindowStart: WindowStart(ev.Timestamp, e.opts.Window),
		Total:       func(total decimal.Decimal) (decimal.Decimal, error) { return AddAmount(total, ev) },
		Count:       IncrementCount,
		StreamCap:   WindowStart(e.opts.Now().Add(e.opts.MaxSkew), e.opts.Window),
	}
	if u.WindowStart.After(u.StreamCap) {
		metrics.FutureEvents.WithLabelValues(key).Inc()
		e.log.Warn("event timestamp ahead of the clock, stream time capped",
			"tx_id", ev.TransactionID, "method", key, "timestamp", ev.Timestamp, "cap", u.StreamCap)
	}

	res, err := retry(ctx, e, "apply", func() (store.Applied, error) {
		return e.st.Apply(ctx, u)
	})
	if err != nil {
		return "", err
	}
	switch {
	case res.Duplicate:
		metrics.DuplicatesSkipped.WithLabelValues(key).Inc()
		return OutcomeDuplicate, nil
	case res.WindowExpired:
		metrics.LateWindowsDropped.WithLabelValues(key).Inc()
		e.log.Info("window expired, event not counted", "tx_id", ev.TransactionID, "method", key, "timestamp", ev.Timestamp)
		return OutcomeLateWindow, nil
	}
	return OutcomeApplied, nil
}

// retry runs op with exponential backoff while it fails with a transient
// store error. Any other error is returned at once.
func retry[T any](ctx context.Context, e *Engine, op string, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.opts.RetryInitial
	b.MaxInterval = e.opts.RetryMaxInterval

	return backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		if err != nil && !transient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(e.opts.RetryMaxElapsed),
		backoff.WithNotify(func(err error, d time.Duration) {
			metrics.StoreRetries.Inc()
			e.log.Warn("state store retry", "op", op, "err", err, "backoff", d)
		}),
	)
}

func transient(err error) bool {
	return errors.Is(err, store.ErrUnavailable) || errors.Is(err, store.ErrNotReady)
}
