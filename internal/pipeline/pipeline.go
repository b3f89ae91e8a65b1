// Package pipeline wires the transport to the core: it pulls source events,
// normalizes and routes them, publishes to the output channels and feeds the
// aggregation engine.
//
// A message is acked once every route has been handled. Per-event failures
// (undecodable payload, rejected amount) are logged, counted and acked so
// they never block the stream. A store that stays unavailable leaves the
// message unacked for redelivery.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/gyaneshwarpardhi/paystream/internal/aggregate"
	"github.com/gyaneshwarpardhi/paystream/internal/event"
	"github.com/gyaneshwarpardhi/paystream/internal/metrics"
	"github.com/gyaneshwarpardhi/paystream/internal/normalizer"
	"github.com/gyaneshwarpardhi/paystream/internal/router"
	"github.com/gyaneshwarpardhi/paystream/internal/store"
	"github.com/gyaneshwarpardhi/paystream/internal/transport"
)

// Aggregator folds success events into the aggregates.
type Aggregator interface {
	Apply(ctx context.Context, ev event.Unified) (aggregate.Outcome, error)
}

// Options tune concurrency.
type Options struct {
	Workers    int
	QueueDepth int
}

// Result is the outcome of processing one message.
type Result struct {
	MessageID     string            `json:"message_id"`
	Channel       string            `json:"channel"`
	TransactionID string            `json:"transaction_id,omitempty"`
	Status        router.Label      `json:"status,omitempty"`
	Method        router.Label      `json:"method,omitempty"`
	Unroutable    bool              `json:"unroutable,omitempty"`
	Destinations  []string          `json:"destinations"`
	Outcome       aggregate.Outcome `json:"outcome,omitempty"`
	Acked         bool              `json:"acked"`
	DurationMs    int64             `json:"duration_ms"`
	Error         string            `json:"error,omitempty"`
}

// sources maps each consumed channel to the payload shape it carries.
var sources = map[string]event.PaymentMethod{
	transport.SourceCard:   event.MethodCard,
	transport.SourceWallet: event.MethodWallet,
}

// Pipeline consumes the source channels with a bounded worker pool.
type Pipeline struct {
	tr     transport.Transport
	router *router.Router
	agg    Aggregator
	opts   Options
	log    *slog.Logger

	// normalize is swappable so tests can produce methods the normalizer
	// never emits.
	normalize func(event.Source) event.Unified

	mu      sync.Mutex
	pool    *workerPool[transport.Message, *Result]
	cancel  context.CancelFunc
	loops   sync.WaitGroup
	started bool
}

// New creates a Pipeline. Call Start to begin consuming.
func New(tr transport.Transport, rt *router.Router, agg Aggregator, opts Options, log *slog.Logger) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 100
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		tr:        tr,
		router:    rt,
		agg:       agg,
		opts:      opts,
		log:       log.With("component", "pipeline"),
		normalize: normalizer.Normalize,
	}
}

// Start launches the worker pool and one fetch loop per source channel.
// It returns immediately; call Shutdown to stop.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("pipeline already started")
	}
	p.started = true

	p.pool = newWorkerPool[transport.Message, *Result](
		context.WithoutCancel(ctx),
		p.opts.Workers,
		p.opts.QueueDepth,
		p.Handle,
	)

	fetchCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for channel := range sources {
		p.loops.Add(1)
		go p.consume(fetchCtx, channel)
	}
	p.log.Info("pipeline started", "workers", p.opts.Workers, "queue_depth", p.opts.QueueDepth)
	return nil
}

// Shutdown stops fetching, then lets the workers finish every queued message.
func (p *Pipeline) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return
	}
	p.cancel()
	p.loops.Wait()
	p.pool.Drain()
	p.started = false
	metrics.QueueUtilization.Set(0)
	p.log.Info("pipeline stopped")
}

// QueueUtilization returns queue used / capacity (0–1).
func (p *Pipeline) QueueUtilization() float64 {
	p.mu.Lock()
	pool := p.pool
	p.mu.Unlock()
	if pool == nil || pool.QueueCap() == 0 {
		return 0
	}
	return float64(pool.QueueLen()) / float64(pool.QueueCap())
}

func (p *Pipeline) consume(ctx context.Context, channel string) {
	defer p.loops.Done()
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 10 * time.Second
	for {
		msg, err := p.tr.Fetch(ctx, channel)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return
			}
			wait := b.NextBackOff()
			p.log.Warn("fetch failed", "channel", channel, "err", err, "backoff", wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
			continue
		}
		b.Reset()
		if !p.pool.SubmitWait(ctx, msg) {
			return
		}
		metrics.QueueUtilization.Set(p.QueueUtilization())
	}
}

// Handle processes one message end to end and acks it unless the failure
// must be retried.
func (p *Pipeline) Handle(ctx context.Context, msg transport.Message) *Result {
	start := time.Now()
	res := &Result{MessageID: msg.ID, Channel: msg.Channel, Destinations: []string{}}
	metrics.EventsConsumed.WithLabelValues(msg.Channel).Inc()
	defer func() {
		res.DurationMs = time.Since(start).Milliseconds()
		metrics.EventProcessingDuration.Observe(float64(time.Since(start).Microseconds()) / 1000)
	}()

	src, err := event.Decode(sources[msg.Channel], msg.Payload)
	if err != nil {
		metrics.DecodeErrors.WithLabelValues(msg.Channel).Inc()
		p.log.Warn("dropping undecodable event", "channel", msg.Channel, "message_id", msg.ID, "err", err)
		res.Error = err.Error()
		p.ack(ctx, msg, res)
		return res
	}

	if err := p.dispatch(ctx, p.normalize(src), res); err != nil {
		res.Error = err.Error()
		if retryable(err) {
			p.log.Error("event left unacked for redelivery", "channel", msg.Channel, "tx_id", res.TransactionID, "err", err)
			return res
		}
		p.log.Warn("event rejected", "channel", msg.Channel, "tx_id", res.TransactionID, "err", err)
	}
	p.ack(ctx, msg, res)
	return res
}

// dispatch routes ev and delivers it to every destination. Errors that are
// not retryable are per-event and have already been counted.
func (p *Pipeline) dispatch(ctx context.Context, ev event.Unified, res *Result) error {
	rr := p.router.Route(ev)
	res.TransactionID = ev.TransactionID
	res.Status, res.Method, res.Unroutable = rr.Status, rr.Method, rr.Unroutable

	if rr.Unroutable {
		metrics.UnroutableEvents.WithLabelValues(string(ev.PaymentMethod)).Inc()
		p.log.Debug("unroutable event", "tx_id", ev.TransactionID, "payment_method", ev.PaymentMethod)
	}

	for _, route := range rr.Routes {
		if route.Destination == router.DestAggregate {
			outcome, err := p.agg.Apply(ctx, route.Event)
			if err != nil {
				return fmt.Errorf("aggregate %s: %w", ev.PaymentMethod, err)
			}
			res.Outcome = outcome
		} else {
			payload, err := json.Marshal(route.Event)
			if err != nil {
				return fmt.Errorf("encode for %s: %w", route.Channel, err)
			}
			if err := p.tr.Publish(ctx, route.Channel, ev.TransactionID, payload); err != nil {
				metrics.PublishErrors.WithLabelValues(route.Channel).Inc()
				return &publishError{channel: route.Channel, err: err}
			}
		}
		metrics.EventsRouted.WithLabelValues(route.Destination.String()).Inc()
		res.Destinations = append(res.Destinations, route.Destination.String())
	}
	return nil
}

func (p *Pipeline) ack(ctx context.Context, msg transport.Message, res *Result) {
	if err := msg.Ack(ctx); err != nil {
		p.log.Warn("ack failed", "channel", msg.Channel, "message_id", msg.ID, "err", err)
		return
	}
	res.Acked = true
}

// publishError marks an output channel write that should be retried by
// redelivering the source message.
type publishError struct {
	channel string
	err     error
}

func (e *publishError) Error() string { return fmt.Sprintf("publish %s: %v", e.channel, e.err) }
func (e *publishError) Unwrap() error { return e.err }

// retryable reports whether the message must stay unacked.
func retryable(err error) bool {
	var pe *publishError
	return errors.As(err, &pe) ||
		errors.Is(err, store.ErrUnavailable) ||
		errors.Is(err, store.ErrNotReady) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
