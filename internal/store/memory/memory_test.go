package memory_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/paystream/internal/store"
	"github.com/gyaneshwarpardhi/paystream/internal/store/memory"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newStore(t *testing.T, path string, retention time.Duration) *memory.Store {
	t.Helper()
	s := memory.New(path, retention, nil)
	require.NoError(t, s.Init(context.Background()))
	return s
}

func TestStore_NotReady(t *testing.T) {
	s := memory.New("", time.Hour, nil)
	ctx := context.Background()

	_, _, err := s.Totals().Get(ctx, "CARD")
	assert.ErrorIs(t, err, store.ErrNotReady)
	_, err = s.Windows().Scan(ctx, "CARD", t0, t0.Add(time.Hour))
	assert.ErrorIs(t, err, store.ErrNotReady)

	require.NoError(t, s.Init(ctx))
	assert.True(t, s.Ready())
	require.NoError(t, s.Close(ctx))
	assert.False(t, s.Ready())
	assert.ErrorIs(t, s.Totals().Put(ctx, "CARD", decimal.NewFromInt(1)), store.ErrNotReady)
}

func TestTotals_GetPut(t *testing.T) {
	s := newStore(t, "", time.Hour)
	ctx := context.Background()

	_, ok, err := s.Totals().Get(ctx, "CARD")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Totals().Put(ctx, "CARD", decimal.RequireFromString("12.34")))
	v, ok, err := s.Totals().Get(ctx, "CARD")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "12.34", v.String())
}

func TestWindows_ScanOrderedHalfOpen(t *testing.T) {
	s := newStore(t, "", 24*time.Hour)
	ctx := context.Background()
	w := s.Windows()

	// Insert out of order.
	require.NoError(t, w.Put(ctx, "CARD", t0.Add(2*time.Minute), 3))
	require.NoError(t, w.Put(ctx, "CARD", t0, 1))
	require.NoError(t, w.Put(ctx, "CARD", t0.Add(time.Minute), 2))
	require.NoError(t, w.Put(ctx, "WALLET", t0, 9))

	got, err := w.Scan(ctx, "CARD", t0, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []store.WindowEntry{
		{Start: t0, Count: 1},
		{Start: t0.Add(time.Minute), Count: 2},
	}, got)

	got, err = w.Scan(ctx, "CARD", t0.Add(time.Hour), t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)

	got, err = w.Scan(ctx, "UNKNOWN", t0, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestWindows_Retention(t *testing.T) {
	s := newStore(t, "", time.Hour)
	ctx := context.Background()
	w := s.Windows()

	require.NoError(t, w.Put(ctx, "CARD", t0, 1))
	require.NoError(t, w.Put(ctx, "CARD", t0.Add(2*time.Hour), 1))

	// Old window evicted once stream time moved past the horizon.
	_, ok, err := w.Get(ctx, "CARD", t0)
	require.NoError(t, err)
	assert.False(t, ok)

	// And is not re-opened by a late write.
	err = w.Put(ctx, "CARD", t0, 2)
	assert.True(t, errors.Is(err, store.ErrWindowExpired))

	// A late write still inside the horizon is applied.
	require.NoError(t, w.Put(ctx, "CARD", t0.Add(90*time.Minute), 5))
	v, ok, err := w.Get(ctx, "CARD", t0.Add(90*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 5, v)
}

func TestStore_SnapshotRecovery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	ctx := context.Background()

	s := newStore(t, path, time.Hour)
	require.NoError(t, s.Totals().Put(ctx, "WALLET", decimal.RequireFromString("50.00")))
	require.NoError(t, s.Windows().Put(ctx, "WALLET", t0, 4))
	require.NoError(t, s.Close(ctx))

	restored := newStore(t, path, time.Hour)
	v, ok, err := restored.Totals().Get(ctx, "WALLET")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, v.Equal(decimal.NewFromInt(50)))

	got, err := restored.Windows().Scan(ctx, "WALLET", t0, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []store.WindowEntry{{Start: t0, Count: 4}}, got)
}

func update(id, key string, amount int64, start time.Time) store.Update {
	return store.Update{
		ID:          id,
		Key:         key,
		WindowStart: start,
		Total:       func(v decimal.Decimal) (decimal.Decimal, error) { return v.Add(decimal.NewFromInt(amount)), nil },
		Count:       func(n int64) int64 { return n + 1 },
	}
}

func TestApply_DuplicateAndRejected(t *testing.T) {
	s := newStore(t, "", time.Hour)
	ctx := context.Background()

	res, err := s.Apply(ctx, update("tx-1", "CARD", 5, t0))
	require.NoError(t, err)
	assert.Equal(t, store.Applied{}, res)
	res, err = s.Apply(ctx, update("tx-1", "CARD", 5, t0))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	bad := update("tx-2", "CARD", 5, t0)
	bad.Total = func(decimal.Decimal) (decimal.Decimal, error) { return decimal.Zero, errors.New("rejected") }
	_, err = s.Apply(ctx, bad)
	require.Error(t, err)

	v, _, err := s.Totals().Get(ctx, "CARD")
	require.NoError(t, err)
	assert.True(t, v.Equal(decimal.NewFromInt(5)))
	n, _, err := s.Windows().Get(ctx, "CARD", t0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	// The rejected id was not marked.
	res, err = s.Apply(ctx, update("tx-2", "CARD", 1, t0))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
}

func TestApply_StreamCapBoundsEviction(t *testing.T) {
	s := newStore(t, "", time.Hour)
	ctx := context.Background()

	_, err := s.Apply(ctx, update("tx-1", "CARD", 1, t0))
	require.NoError(t, err)
	u := update("tx-2", "CARD", 1, t0.AddDate(0, 0, 30))
	u.StreamCap = t0.Add(30 * time.Minute)
	_, err = s.Apply(ctx, u)
	require.NoError(t, err)

	_, ok, err := s.Windows().Get(ctx, "CARD", t0)
	require.NoError(t, err)
	assert.True(t, ok, "capped stream time must not evict the live window")

	// Without a cap the same jump evicts it.
	_, err = s.Apply(ctx, update("tx-3", "CARD", 1, t0.AddDate(0, 0, 31)))
	require.NoError(t, err)
	_, ok, err = s.Windows().Get(ctx, "CARD", t0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestApply_SnapshotKeepsAppliedIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	ctx := context.Background()

	s := newStore(t, path, time.Hour)
	_, err := s.Apply(ctx, update("tx-1", "WALLET", 7, t0))
	require.NoError(t, err)
	require.NoError(t, s.Close(ctx))

	restored := newStore(t, path, time.Hour)
	res, err := restored.Apply(ctx, update("tx-1", "WALLET", 7, t0))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	v, _, err := restored.Totals().Get(ctx, "WALLET")
	require.NoError(t, err)
	assert.True(t, v.Equal(decimal.NewFromInt(7)))
}
