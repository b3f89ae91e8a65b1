package transport

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gyaneshwarpardhi/paystream/internal/metrics"
)

// Memory is an in-process Transport. Each channel is an unbounded FIFO
// trimmed to capacity, oldest first; acks are no-ops.
type Memory struct {
	capacity int
	seq      atomic.Uint64
	closed   atomic.Bool

	mu     sync.Mutex
	queues map[string]*queue
	done   chan struct{}
}

type queue struct {
	mu     sync.Mutex
	items  []Message
	notify chan struct{}
}

// NewMemory creates a bus. capacity <= 0 keeps every message.
func NewMemory(capacity int) *Memory {
	return &Memory{
		capacity: capacity,
		queues:   make(map[string]*queue),
		done:     make(chan struct{}),
	}
}

func (m *Memory) channelQueue(channel string) *queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[channel]
	if !ok {
		q = &queue{notify: make(chan struct{}, 1)}
		m.queues[channel] = q
	}
	return q
}

func (m *Memory) Publish(_ context.Context, channel, key string, payload []byte) error {
	if m.closed.Load() {
		return ErrClosed
	}
	msg := Message{
		ID:      strconv.FormatUint(m.seq.Add(1), 10),
		Channel: channel,
		Key:     key,
		Payload: append([]byte(nil), payload...),
	}
	q := m.channelQueue(channel)
	q.mu.Lock()
	q.items = append(q.items, msg)
	if m.capacity > 0 && len(q.items) > m.capacity {
		dropped := len(q.items) - m.capacity
		q.items = q.items[dropped:]
		metrics.EventsDropped.WithLabelValues(channel).Add(float64(dropped))
	}
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (m *Memory) Fetch(ctx context.Context, channel string) (Message, error) {
	q := m.channelQueue(channel)
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				// Wake another waiter.
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			return msg, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-m.done:
			return Message{}, ErrClosed
		}
	}
}

// Len returns the number of messages waiting on channel.
func (m *Memory) Len(channel string) int {
	q := m.channelQueue(channel)
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain removes and returns every message waiting on channel.
func (m *Memory) Drain(channel string) []Message {
	q := m.channelQueue(channel)
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

func (m *Memory) Close() error {
	if m.closed.CompareAndSwap(false, true) {
		close(m.done)
	}
	return nil
}
