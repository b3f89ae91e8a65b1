package transport_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/paystream/internal/transport"
)

func TestMemory_PublishFetchOrder(t *testing.T) {
	bus := transport.NewMemory(0)
	defer bus.Close()
	ctx := context.Background()

	require.NoError(t, bus.Publish(ctx, transport.SourceCard, "k1", []byte("one")))
	require.NoError(t, bus.Publish(ctx, transport.SourceCard, "k2", []byte("two")))
	assert.Equal(t, 2, bus.Len(transport.SourceCard))

	m1, err := bus.Fetch(ctx, transport.SourceCard)
	require.NoError(t, err)
	m2, err := bus.Fetch(ctx, transport.SourceCard)
	require.NoError(t, err)
	assert.Equal(t, "one", string(m1.Payload))
	assert.Equal(t, "k2", m2.Key)
	assert.Equal(t, transport.SourceCard, m2.Channel)
	assert.NoError(t, m1.Ack(ctx))
}

func TestMemory_FetchBlocksUntilPublish(t *testing.T) {
	bus := transport.NewMemory(0)
	defer bus.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = bus.Publish(context.Background(), transport.SourceWallet, "k", []byte("late"))
	}()
	m, err := bus.Fetch(ctx, transport.SourceWallet)
	require.NoError(t, err)
	assert.Equal(t, "late", string(m.Payload))
}

func TestMemory_CancelAndClose(t *testing.T) {
	bus := transport.NewMemory(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := bus.Fetch(ctx, transport.SourceCard)
	assert.True(t, errors.Is(err, context.Canceled))

	require.NoError(t, bus.Close())
	_, err = bus.Fetch(context.Background(), transport.SourceCard)
	assert.ErrorIs(t, err, transport.ErrClosed)
	assert.ErrorIs(t, bus.Publish(context.Background(), transport.SourceCard, "k", nil), transport.ErrClosed)
}

func TestMemory_CapacityDropsOldest(t *testing.T) {
	bus := transport.NewMemory(2)
	defer bus.Close()
	ctx := context.Background()
	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, bus.Publish(ctx, transport.DLQFailed, p, []byte(p)))
	}
	msgs := bus.Drain(transport.DLQFailed)
	require.Len(t, msgs, 2)
	assert.Equal(t, "b", string(msgs[0].Payload))
	assert.Equal(t, "c", string(msgs[1].Payload))
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func TestRedisStreams_PublishFetchAck(t *testing.T) {
	_, rdb := newRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tr := transport.NewRedisStreams(rdb, transport.RedisOptions{Prefix: "test", Block: 50 * time.Millisecond})

	require.NoError(t, tr.Publish(ctx, transport.SourceCard, "tx-1", []byte(`{"a":1}`)))
	require.NoError(t, tr.Publish(ctx, transport.SourceCard, "tx-2", []byte(`{"a":2}`)))

	m, err := tr.Fetch(ctx, transport.SourceCard)
	require.NoError(t, err)
	assert.Equal(t, "tx-1", m.Key)
	assert.Equal(t, `{"a":1}`, string(m.Payload))
	require.NoError(t, m.Ack(ctx))

	m, err = tr.Fetch(ctx, transport.SourceCard)
	require.NoError(t, err)
	assert.Equal(t, "tx-2", m.Key)
	require.NoError(t, m.Ack(ctx))

	pending, err := rdb.XPending(ctx, "test:"+transport.SourceCard, "paystream").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 0, pending.Count)
}

func TestRedisStreams_UnackedRedeliveredAfterRestart(t *testing.T) {
	_, rdb := newRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	opts := transport.RedisOptions{Prefix: "test", Consumer: "worker-a", Block: 50 * time.Millisecond}

	first := transport.NewRedisStreams(rdb, opts)
	require.NoError(t, first.Publish(ctx, transport.SourceWallet, "tx-9", []byte("payload")))
	m, err := first.Fetch(ctx, transport.SourceWallet)
	require.NoError(t, err)
	assert.Equal(t, "tx-9", m.Key)
	// Crash before ack.

	restarted := transport.NewRedisStreams(rdb, opts)
	again, err := restarted.Fetch(ctx, transport.SourceWallet)
	require.NoError(t, err)
	assert.Equal(t, m.ID, again.ID)
	require.NoError(t, again.Ack(ctx))
}

func TestRedisStreams_FetchHonoursContext(t *testing.T) {
	_, rdb := newRedis(t)
	tr := transport.NewRedisStreams(rdb, transport.RedisOptions{Prefix: "test", Block: 20 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := tr.Fetch(ctx, transport.SourceCard)
	assert.Error(t, err)
}

func TestRedisStreams_PendingReplayedOnceAcrossBatches(t *testing.T) {
	_, rdb := newRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	opts := transport.RedisOptions{Prefix: "test", Consumer: "worker-a", Block: 50 * time.Millisecond, Batch: 2}

	first := transport.NewRedisStreams(rdb, opts)
	for _, key := range []string{"tx-1", "tx-2", "tx-3"} {
		require.NoError(t, first.Publish(ctx, transport.SourceCard, key, []byte(key)))
	}
	for i := 0; i < 3; i++ {
		_, err := first.Fetch(ctx, transport.SourceCard)
		require.NoError(t, err)
	}
	// Crash with all three in flight.

	restarted := transport.NewRedisStreams(rdb, opts)
	seen := map[string]int{}
	for i := 0; i < 3; i++ {
		m, err := restarted.Fetch(ctx, transport.SourceCard)
		require.NoError(t, err)
		seen[m.Key]++
	}
	assert.Equal(t, map[string]int{"tx-1": 1, "tx-2": 1, "tx-3": 1}, seen)

	// Still unacked, yet the next fetch moves on to new messages.
	require.NoError(t, first.Publish(ctx, transport.SourceCard, "tx-4", []byte("tx-4")))
	m, err := restarted.Fetch(ctx, transport.SourceCard)
	require.NoError(t, err)
	assert.Equal(t, "tx-4", m.Key)

	pending, err := rdb.XPending(ctx, "test:"+transport.SourceCard, "paystream").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 4, pending.Count)
}
