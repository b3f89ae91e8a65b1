package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisOptions configure a RedisStreams transport.
type RedisOptions struct {
	Prefix   string        // stream key prefix
	Group    string        // consumer group shared by pipeline instances
	Consumer string        // this instance's name within the group
	Block    time.Duration // how long one XREADGROUP waits
	Batch    int64         // messages fetched per XREADGROUP
	MaxLen   int64         // approximate stream cap on publish; 0 = unbounded
}

// RedisStreams maps each channel onto a Redis stream and consumes through a
// consumer group. Unacked messages stay in the group's pending list and are
// re-read first after a restart.
type RedisStreams struct {
	rdb  redis.UniversalClient
	opts RedisOptions

	mu       sync.Mutex
	channels map[string]*streamState
}

type streamState struct {
	mu          sync.Mutex
	groupReady  bool
	pendingDone bool
	// pendingAfter is the last pending id handed out; the next pending
	// read starts after it so unacked in-flight messages are not repeated.
	pendingAfter string
	buf          []Message
}

func NewRedisStreams(rdb redis.UniversalClient, opts RedisOptions) *RedisStreams {
	if opts.Prefix == "" {
		opts.Prefix = "paystream"
	}
	if opts.Group == "" {
		opts.Group = "paystream"
	}
	if opts.Consumer == "" {
		opts.Consumer = "consumer-1"
	}
	if opts.Block <= 0 {
		opts.Block = time.Second
	}
	if opts.Batch <= 0 {
		opts.Batch = 16
	}
	return &RedisStreams{rdb: rdb, opts: opts, channels: make(map[string]*streamState)}
}

func (r *RedisStreams) stream(channel string) string { return r.opts.Prefix + ":" + channel }

func (r *RedisStreams) state(channel string) *streamState {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.channels[channel]
	if !ok {
		s = &streamState{}
		r.channels[channel] = s
	}
	return s
}

func (r *RedisStreams) Publish(ctx context.Context, channel, key string, payload []byte) error {
	args := &redis.XAddArgs{
		Stream: r.stream(channel),
		Values: map[string]interface{}{"key": key, "payload": payload},
	}
	if r.opts.MaxLen > 0 {
		args.MaxLen = r.opts.MaxLen
		args.Approx = true
	}
	if err := r.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", args.Stream, err)
	}
	return nil
}

func (r *RedisStreams) Fetch(ctx context.Context, channel string) (Message, error) {
	s := r.state(channel)
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.buf) == 0 {
		if err := ctx.Err(); err != nil {
			return Message{}, err
		}
		if err := r.ensureGroup(ctx, channel, s); err != nil {
			return Message{}, err
		}
		if err := r.read(ctx, channel, s); err != nil {
			return Message{}, err
		}
	}
	msg := s.buf[0]
	s.buf = s.buf[1:]
	return msg, nil
}

func (r *RedisStreams) ensureGroup(ctx context.Context, channel string, s *streamState) error {
	if s.groupReady {
		return nil
	}
	err := r.rdb.XGroupCreateMkStream(ctx, r.stream(channel), r.opts.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("xgroup create %s: %w", r.stream(channel), err)
	}
	s.groupReady = true
	return nil
}

// read fills s.buf. Until the pending list is exhausted it walks, once,
// the messages delivered to this consumer but never acked; then it reads
// new ones.
func (r *RedisStreams) read(ctx context.Context, channel string, s *streamState) error {
	start, block := ">", r.opts.Block
	if !s.pendingDone {
		start, block = s.pendingAfter, -1
	}
	res, err := r.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    r.opts.Group,
		Consumer: r.opts.Consumer,
		Streams:  []string{r.stream(channel), start},
		Count:    r.opts.Batch,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		s.pendingDone = true
		return nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("xreadgroup %s: %w", r.stream(channel), err)
	}
	n := 0
	for _, st := range res {
		for _, xm := range st.Messages {
			s.buf = append(s.buf, r.message(channel, xm))
			if !s.pendingDone {
				s.pendingAfter = xm.ID
			}
			n++
		}
	}
	if n == 0 && !s.pendingDone {
		s.pendingDone = true
	}
	return nil
}

func (r *RedisStreams) message(channel string, xm redis.XMessage) Message {
	key, _ := xm.Values["key"].(string)
	payload, _ := xm.Values["payload"].(string)
	stream, id := r.stream(channel), xm.ID
	return Message{
		ID:      id,
		Channel: channel,
		Key:     key,
		Payload: []byte(payload),
		ack: func(ctx context.Context) error {
			return r.rdb.XAck(ctx, stream, r.opts.Group, id).Err()
		},
	}
}

// Close releases nothing; the client belongs to the caller.
func (r *RedisStreams) Close() error { return nil }
