// Package memory is an in-process state store. With a snapshot path it
// survives restarts: Init reloads the last snapshot and Close writes a new one.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gyaneshwarpardhi/paystream/internal/dedup"
	"github.com/gyaneshwarpardhi/paystream/internal/store"
)

// DefaultAppliedCapacity bounds the applied-id set when New is given none.
const DefaultAppliedCapacity = 100_000

// Store keeps totals and windows in maps guarded by one RWMutex each.
// Apply takes both, totals first.
type Store struct {
	snapshotPath string
	retention    time.Duration
	ready        atomic.Bool

	totals  *totals
	windows *windows
	applied *dedup.LRU
}

// New creates a memory store. snapshotPath may be empty for a purely
// volatile store; retention <= 0 disables window eviction. applied holds
// the ids Apply has committed; nil gets an LRU of DefaultAppliedCapacity
// ids kept for the retention horizon.
func New(snapshotPath string, retention time.Duration, applied *dedup.LRU) *Store {
	if applied == nil {
		applied = dedup.NewLRU(DefaultAppliedCapacity, retention)
	}
	return &Store{
		snapshotPath: snapshotPath,
		retention:    retention,
		totals:       &totals{m: make(map[string]decimal.Decimal)},
		windows:      &windows{series: make(map[string]*series), retention: retention},
		applied:      applied,
	}
}

func (s *Store) Totals() store.PointStore  { return &totalsGuard{s: s, t: s.totals} }
func (s *Store) Windows() store.RangeStore { return &windowsGuard{s: s, w: s.windows} }
func (s *Store) Ready() bool               { return s.ready.Load() }

// Init loads the snapshot, if any, and marks the store ready.
func (s *Store) Init(ctx context.Context) error {
	if s.snapshotPath != "" {
		if err := s.load(); err != nil {
			return err
		}
	}
	s.ready.Store(true)
	return nil
}

// Close writes the snapshot and marks the store not ready.
func (s *Store) Close(ctx context.Context) error {
	s.ready.Store(false)
	if s.snapshotPath == "" {
		return nil
	}
	return s.save()
}

// Apply commits u under both locks, so readers never see the total without
// the window count and a replayed id is found before anything is written.
func (s *Store) Apply(_ context.Context, u store.Update) (store.Applied, error) {
	if !s.Ready() {
		return store.Applied{}, store.ErrNotReady
	}
	s.totals.mu.Lock()
	defer s.totals.mu.Unlock()
	s.windows.mu.Lock()
	defer s.windows.mu.Unlock()

	if s.applied.Seen(u.ID) {
		return store.Applied{Duplicate: true}, nil
	}
	next, err := u.Total(s.totals.m[u.Key])
	if err != nil {
		return store.Applied{}, err
	}

	var res store.Applied
	err = s.windows.write(u.Key, u.WindowStart, u.StreamCap, u.Count)
	switch {
	case errors.Is(err, store.ErrWindowExpired):
		res.WindowExpired = true
	case err != nil:
		return store.Applied{}, err
	}
	s.totals.m[u.Key] = next
	s.applied.Mark(u.ID)
	return res, nil
}

// -----------------------------------------------------------------------
// Totals
// -----------------------------------------------------------------------

type totals struct {
	mu sync.RWMutex
	m  map[string]decimal.Decimal
}

func (t *totals) Get(_ context.Context, key string) (decimal.Decimal, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.m[key]
	return v, ok, nil
}

func (t *totals) Put(_ context.Context, key string, v decimal.Decimal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[key] = v
	return nil
}

// -----------------------------------------------------------------------
// Windows
// -----------------------------------------------------------------------

// series holds the windows of one key ordered by start (unix millis).
type series struct {
	starts     []int64
	counts     map[int64]int64
	streamTime int64
}

type windows struct {
	mu        sync.RWMutex
	series    map[string]*series
	retention time.Duration
}

func (w *windows) Get(_ context.Context, key string, start time.Time) (int64, bool, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	s, ok := w.series[key]
	if !ok {
		return 0, false, nil
	}
	v, ok := s.counts[start.UnixMilli()]
	return v, ok, nil
}

func (w *windows) Put(_ context.Context, key string, start time.Time, v int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.write(key, start, time.Time{}, func(int64) int64 { return v })
}

// write sets the window at start to next(current count), moving stream time
// forward but not past limit. Caller holds w.mu.
func (w *windows) write(key string, start, limit time.Time, next func(int64) int64) error {
	s, ok := w.series[key]
	if !ok {
		s = &series{counts: make(map[int64]int64)}
		w.series[key] = s
	}
	ms := start.UnixMilli()
	if s.streamTime != 0 && store.Expired(start, time.UnixMilli(s.streamTime), w.retention) {
		return fmt.Errorf("%w: %s@%s", store.ErrWindowExpired, key, start.UTC().Format(time.RFC3339))
	}
	if _, exists := s.counts[ms]; !exists {
		i := sort.Search(len(s.starts), func(i int) bool { return s.starts[i] >= ms })
		s.starts = append(s.starts, 0)
		copy(s.starts[i+1:], s.starts[i:])
		s.starts[i] = ms
	}
	s.counts[ms] = next(s.counts[ms])
	var current time.Time
	if s.streamTime != 0 {
		current = time.UnixMilli(s.streamTime)
	}
	if advanced := store.Advance(current, start, limit).UnixMilli(); advanced > s.streamTime {
		s.streamTime = advanced
		w.evict(s)
	}
	return nil
}

// evict drops windows behind the retention horizon. Caller holds w.mu.
func (w *windows) evict(s *series) {
	if w.retention <= 0 {
		return
	}
	cutoff := s.streamTime - w.retention.Milliseconds()
	n := sort.Search(len(s.starts), func(i int) bool { return s.starts[i] >= cutoff })
	for _, ms := range s.starts[:n] {
		delete(s.counts, ms)
	}
	s.starts = append(s.starts[:0], s.starts[n:]...)
}

func (w *windows) Scan(_ context.Context, key string, from, to time.Time) ([]store.WindowEntry, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	s, ok := w.series[key]
	if !ok {
		return []store.WindowEntry{}, nil
	}
	lo, hi := from.UnixMilli(), to.UnixMilli()
	i := sort.Search(len(s.starts), func(i int) bool { return s.starts[i] >= lo })
	out := []store.WindowEntry{}
	for ; i < len(s.starts) && s.starts[i] < hi; i++ {
		ms := s.starts[i]
		out = append(out, store.WindowEntry{Start: time.UnixMilli(ms).UTC(), Count: s.counts[ms]})
	}
	return out, nil
}

// -----------------------------------------------------------------------
// Ready guards
// -----------------------------------------------------------------------

// totalsGuard and windowsGuard reject every call with store.ErrNotReady
// outside Init..Close.
type totalsGuard struct {
	s *Store
	t *totals
}

func (g *totalsGuard) Get(ctx context.Context, key string) (decimal.Decimal, bool, error) {
	if !g.s.Ready() {
		return decimal.Zero, false, store.ErrNotReady
	}
	return g.t.Get(ctx, key)
}

func (g *totalsGuard) Put(ctx context.Context, key string, v decimal.Decimal) error {
	if !g.s.Ready() {
		return store.ErrNotReady
	}
	return g.t.Put(ctx, key, v)
}

type windowsGuard struct {
	s *Store
	w *windows
}

func (g *windowsGuard) Get(ctx context.Context, key string, start time.Time) (int64, bool, error) {
	if !g.s.Ready() {
		return 0, false, store.ErrNotReady
	}
	return g.w.Get(ctx, key, start)
}

func (g *windowsGuard) Put(ctx context.Context, key string, start time.Time, v int64) error {
	if !g.s.Ready() {
		return store.ErrNotReady
	}
	return g.w.Put(ctx, key, start, v)
}

func (g *windowsGuard) Scan(ctx context.Context, key string, from, to time.Time) ([]store.WindowEntry, error) {
	if !g.s.Ready() {
		return nil, store.ErrNotReady
	}
	return g.w.Scan(ctx, key, from, to)
}

// -----------------------------------------------------------------------
// Snapshot
// -----------------------------------------------------------------------

type snapshot struct {
	Totals  map[string]string          `json:"totals"`
	Windows map[string]map[int64]int64 `json:"windows"`
	Stream  map[string]int64           `json:"stream_time"`
	Applied []dedup.Entry              `json:"applied"`
}

func (s *Store) save() error {
	snap := snapshot{
		Totals:  make(map[string]string),
		Windows: make(map[string]map[int64]int64),
		Stream:  make(map[string]int64),
	}
	// Both read locks, so the snapshot never holds half an Apply.
	s.totals.mu.RLock()
	s.windows.mu.RLock()
	for k, v := range s.totals.m {
		snap.Totals[k] = v.String()
	}
	for k, ser := range s.windows.series {
		m := make(map[int64]int64, len(ser.counts))
		for ms, c := range ser.counts {
			m[ms] = c
		}
		snap.Windows[k] = m
		snap.Stream[k] = ser.streamTime
	}
	snap.Applied = s.applied.Entries()
	s.windows.mu.RUnlock()
	s.totals.mu.RUnlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.snapshotPath), ".snapshot-*")
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.snapshotPath); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.snapshotPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read snapshot %s: %w", s.snapshotPath, err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parse snapshot %s: %w", s.snapshotPath, err)
	}

	s.totals.mu.Lock()
	for k, v := range snap.Totals {
		d, err := decimal.NewFromString(v)
		if err != nil {
			s.totals.mu.Unlock()
			return fmt.Errorf("parse snapshot total %s: %w", k, err)
		}
		s.totals.m[k] = d
	}
	s.totals.mu.Unlock()

	s.windows.mu.Lock()
	defer s.windows.mu.Unlock()
	for k, m := range snap.Windows {
		ser := &series{counts: make(map[int64]int64, len(m)), streamTime: snap.Stream[k]}
		for ms, c := range m {
			ser.counts[ms] = c
			ser.starts = append(ser.starts, ms)
		}
		sort.Slice(ser.starts, func(i, j int) bool { return ser.starts[i] < ser.starts[j] })
		s.windows.series[k] = ser
	}
	s.applied.Restore(snap.Applied)
	return nil
}
