// Package redisstore keeps aggregation state in Redis.
//
// Layout, with prefix p:
//
//	p:totals              hash   key -> decimal string
//	p:windows:<key>       zset   member = score = window start (unix ms)
//	p:counts:<key>        hash   window start (unix ms) -> count
//	p:stream-time         hash   key -> newest window start (unix ms)
//	p:applied:<id>        string applied marker, expires after AppliedTTL
//
// Apply is an optimistic transaction: it WATCHes everything it reads, so
// the totals, the count, the stream time and the applied marker commit in
// one EXEC or not at all, across any number of processes.
//
// The sorted set gives ordered range scans; eviction trims it with
// ZREMRANGEBYSCORE-style cutoffs the way a sliding window limiter does.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/gyaneshwarpardhi/paystream/internal/store"
)

// maxTxAttempts bounds how often Apply re-runs after a WATCH conflict
// before reporting the store unavailable to the caller's backoff.
const maxTxAttempts = 32

// Options configure a Store.
type Options struct {
	// Prefix namespaces every key. Defaults to "paystream".
	Prefix string
	// Retention is the window eviction horizon; <= 0 disables eviction.
	Retention time.Duration
	// AppliedTTL is how long an applied marker is kept. Zero keeps it
	// for Retention; negative keeps it forever.
	AppliedTTL time.Duration
}

// Store implements store.Store on a Redis client it does not own.
type Store struct {
	rdb        redis.UniversalClient
	prefix     string
	retention  time.Duration
	appliedTTL time.Duration
	ready      atomic.Bool
}

// New wraps rdb.
func New(rdb redis.UniversalClient, opts Options) *Store {
	if opts.Prefix == "" {
		opts.Prefix = "paystream"
	}
	switch {
	case opts.AppliedTTL == 0:
		opts.AppliedTTL = opts.Retention
	case opts.AppliedTTL < 0:
		opts.AppliedTTL = 0
	}
	return &Store{rdb: rdb, prefix: opts.Prefix, retention: opts.Retention, appliedTTL: opts.AppliedTTL}
}

// Init checks connectivity. Redis persistence is the recovery mechanism.
func (s *Store) Init(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	s.ready.Store(true)
	return nil
}

// Close marks the store not ready. Every write is already committed, so
// there is nothing to flush; the client is closed by its owner.
func (s *Store) Close(context.Context) error {
	s.ready.Store(false)
	return nil
}

func (s *Store) Ready() bool               { return s.ready.Load() }
func (s *Store) Totals() store.PointStore  { return (*totals)(s) }
func (s *Store) Windows() store.RangeStore { return (*windows)(s) }

func (s *Store) totalsKey() string            { return s.prefix + ":totals" }
func (s *Store) streamTimeKey() string        { return s.prefix + ":stream-time" }
func (s *Store) windowsKey(key string) string { return s.prefix + ":windows:" + key }
func (s *Store) countsKey(key string) string  { return s.prefix + ":counts:" + key }
func (s *Store) appliedKey(id string) string  { return s.prefix + ":applied:" + id }

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: redis %s: %v", store.ErrUnavailable, op, err)
}

// -----------------------------------------------------------------------
// Apply
// -----------------------------------------------------------------------

func (s *Store) Apply(ctx context.Context, u store.Update) (store.Applied, error) {
	if !s.Ready() {
		return store.Applied{}, store.ErrNotReady
	}
	var (
		res      store.Applied
		advanced bool
		// rejected is set when the data, not Redis, failed the update.
		rejected error
	)
	txf := func(tx *redis.Tx) error {
		res, advanced, rejected = store.Applied{}, false, nil

		n, err := tx.Exists(ctx, s.appliedKey(u.ID)).Result()
		if err != nil {
			return unavailable("exists", err)
		}
		if n > 0 {
			res.Duplicate = true
			return nil
		}
		total, _, err := readTotal(ctx, tx, s.totalsKey(), u.Key)
		if err != nil {
			if !errors.Is(err, store.ErrUnavailable) {
				rejected = err
			}
			return err
		}
		next, err := u.Total(total)
		if err != nil {
			rejected = err
			return err
		}
		streamTime, err := readStreamTime(ctx, tx, s.streamTimeKey(), u.Key)
		if err != nil {
			return err
		}
		var count int64
		res.WindowExpired = store.Expired(u.WindowStart, streamTime, s.retention)
		if !res.WindowExpired {
			count, err = tx.HGet(ctx, s.countsKey(u.Key), msField(u.WindowStart)).Int64()
			if err != nil && !errors.Is(err, redis.Nil) {
				return unavailable("hget", err)
			}
		}
		moved := store.Advance(streamTime, u.WindowStart, u.StreamCap)
		advanced = !res.WindowExpired && moved.After(streamTime)

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.totalsKey(), u.Key, next.String())
			if !res.WindowExpired {
				ms := u.WindowStart.UnixMilli()
				pipe.HSet(ctx, s.countsKey(u.Key), msField(u.WindowStart), u.Count(count))
				pipe.ZAdd(ctx, s.windowsKey(u.Key), redis.Z{Score: float64(ms), Member: ms})
				if advanced {
					pipe.HSet(ctx, s.streamTimeKey(), u.Key, moved.UnixMilli())
				}
			}
			pipe.Set(ctx, s.appliedKey(u.ID), 1, s.appliedTTL)
			return nil
		})
		if err != nil && !errors.Is(err, redis.TxFailedErr) {
			return unavailable("exec", err)
		}
		return err
	}

	keys := []string{s.appliedKey(u.ID), s.totalsKey(), s.streamTimeKey(), s.countsKey(u.Key)}
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.rdb.Watch(ctx, txf, keys...)
		switch {
		case rejected != nil:
			return store.Applied{}, rejected
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, store.ErrUnavailable):
			return store.Applied{}, err
		case err != nil:
			return store.Applied{}, unavailable("watch", err)
		}
		if advanced {
			// The update is committed; a failed eviction is redone by the
			// next write that moves stream time.
			if streamTime, err := s.streamTime(ctx, u.Key); err == nil {
				_ = s.evict(ctx, u.Key, streamTime)
			}
		}
		return res, nil
	}
	return store.Applied{}, unavailable("apply", fmt.Errorf("%w after %d attempts", redis.TxFailedErr, maxTxAttempts))
}

// hgetter is satisfied by both the client and a watched *redis.Tx.
type hgetter interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
}

func readTotal(ctx context.Context, c hgetter, hash, key string) (decimal.Decimal, bool, error) {
	raw, err := c.HGet(ctx, hash, key).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, unavailable("hget", err)
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("parse total %s=%q: %w", key, raw, err)
	}
	return v, true, nil
}

func readStreamTime(ctx context.Context, c hgetter, hash, key string) (time.Time, error) {
	ms, err := c.HGet(ctx, hash, key).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, unavailable("hget", err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// -----------------------------------------------------------------------
// Totals
// -----------------------------------------------------------------------

type totals Store

func (t *totals) Get(ctx context.Context, key string) (decimal.Decimal, bool, error) {
	if !(*Store)(t).Ready() {
		return decimal.Zero, false, store.ErrNotReady
	}
	return readTotal(ctx, t.rdb, (*Store)(t).totalsKey(), key)
}

func (t *totals) Put(ctx context.Context, key string, v decimal.Decimal) error {
	if !(*Store)(t).Ready() {
		return store.ErrNotReady
	}
	if err := t.rdb.HSet(ctx, (*Store)(t).totalsKey(), key, v.String()).Err(); err != nil {
		return unavailable("hset", err)
	}
	return nil
}

// -----------------------------------------------------------------------
// Windows
// -----------------------------------------------------------------------

type windows Store

func (w *windows) Get(ctx context.Context, key string, start time.Time) (int64, bool, error) {
	s := (*Store)(w)
	if !s.Ready() {
		return 0, false, store.ErrNotReady
	}
	n, err := s.rdb.HGet(ctx, s.countsKey(key), msField(start)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, unavailable("hget", err)
	}
	return n, true, nil
}

func (w *windows) Put(ctx context.Context, key string, start time.Time, v int64) error {
	s := (*Store)(w)
	if !s.Ready() {
		return store.ErrNotReady
	}
	streamTime, err := s.streamTime(ctx, key)
	if err != nil {
		return err
	}
	if store.Expired(start, streamTime, s.retention) {
		return fmt.Errorf("%w: %s@%s", store.ErrWindowExpired, key, start.UTC().Format(time.RFC3339))
	}

	ms := start.UnixMilli()
	advanced := streamTime.IsZero() || start.After(streamTime)
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.countsKey(key), msField(start), v)
		pipe.ZAdd(ctx, s.windowsKey(key), redis.Z{Score: float64(ms), Member: ms})
		if advanced {
			pipe.HSet(ctx, s.streamTimeKey(), key, ms)
		}
		return nil
	})
	if err != nil {
		return unavailable("put window", err)
	}
	if advanced {
		return s.evict(ctx, key, start)
	}
	return nil
}

func (w *windows) Scan(ctx context.Context, key string, from, to time.Time) ([]store.WindowEntry, error) {
	s := (*Store)(w)
	if !s.Ready() {
		return nil, store.ErrNotReady
	}
	members, err := s.rdb.ZRangeByScore(ctx, s.windowsKey(key), &redis.ZRangeBy{
		Min: strconv.FormatInt(from.UnixMilli(), 10),
		Max: "(" + strconv.FormatInt(to.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, unavailable("zrangebyscore", err)
	}
	out := make([]store.WindowEntry, 0, len(members))
	if len(members) == 0 {
		return out, nil
	}
	vals, err := s.rdb.HMGet(ctx, s.countsKey(key), members...).Result()
	if err != nil {
		return nil, unavailable("hmget", err)
	}
	for i, m := range members {
		raw, ok := vals[i].(string)
		if !ok {
			continue // evicted between the two reads
		}
		ms, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse window start %q: %w", m, err)
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse window count %q: %w", raw, err)
		}
		out = append(out, store.WindowEntry{Start: time.UnixMilli(ms).UTC(), Count: n})
	}
	return out, nil
}

func (s *Store) streamTime(ctx context.Context, key string) (time.Time, error) {
	return readStreamTime(ctx, s.rdb, s.streamTimeKey(), key)
}

// evict removes windows of key that fell behind the retention horizon.
func (s *Store) evict(ctx context.Context, key string, streamTime time.Time) error {
	if s.retention <= 0 {
		return nil
	}
	cutoff := streamTime.Add(-s.retention).UnixMilli()
	old, err := s.rdb.ZRangeByScore(ctx, s.windowsKey(key), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return unavailable("zrangebyscore", err)
	}
	if len(old) == 0 {
		return nil
	}
	members := make([]interface{}, len(old))
	for i, m := range old {
		members[i] = m
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, s.windowsKey(key), members...)
		pipe.HDel(ctx, s.countsKey(key), old...)
		return nil
	})
	if err != nil {
		return unavailable("evict", err)
	}
	return nil
}

func msField(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
