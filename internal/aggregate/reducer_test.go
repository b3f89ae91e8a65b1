package aggregate

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/gyaneshwarpardhi/paystream/internal/event"
)

func TestWindowStart(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		ts   time.Time
		want time.Time
	}{
		{base, base},
		{base.Add(10 * time.Second), base},
		{base.Add(59*time.Second + 999*time.Millisecond), base},
		{base.Add(90 * time.Second), base.Add(time.Minute)},
		{base.Add(90 * time.Second).In(time.FixedZone("IST", 5*3600+1800)), base.Add(time.Minute)},
		{time.UnixMilli(-1).UTC(), time.UnixMilli(-60000).UTC()},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, WindowStart(tc.ts, time.Minute), "ts=%s", tc.ts)
	}
}

func TestAddAmount(t *testing.T) {
	total := decimal.RequireFromString("0.1")
	next, err := AddAmount(total, event.Unified{Amount: decimal.RequireFromString("0.2")})
	assert.NoError(t, err)
	assert.Equal(t, "0.3", next.String())

	same, err := AddAmount(total, event.Unified{TransactionID: "bad", Amount: decimal.NewFromInt(-1)})
	assert.True(t, errors.Is(err, ErrInvalidAmount))
	assert.True(t, same.Equal(total))
}

func TestIncrementCount(t *testing.T) {
	assert.EqualValues(t, 1, IncrementCount(0))
	assert.EqualValues(t, 8, IncrementCount(7))
}
