package aggregate

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gyaneshwarpardhi/paystream/internal/event"
)

// DefaultWindow is the tumbling window size for transaction counts.
const DefaultWindow = time.Minute

// ErrInvalidAmount is returned for amounts the running sum must not absorb.
var ErrInvalidAmount = errors.New("invalid amount")

// AddAmount is the running-sum reducer: total' = total + amount.
// Negative amounts are rejected and total is returned unchanged.
func AddAmount(total decimal.Decimal, ev event.Unified) (decimal.Decimal, error) {
	if ev.Amount.IsNegative() {
		return total, fmt.Errorf("%w: %s for %s", ErrInvalidAmount, ev.Amount, ev.TransactionID)
	}
	return total.Add(ev.Amount), nil
}

// WindowStart returns floor(ts / size) * size, aligned to the Unix epoch.
func WindowStart(ts time.Time, size time.Duration) time.Time {
	ms, sz := ts.UnixMilli(), size.Milliseconds()
	if sz <= 0 {
		return time.UnixMilli(ms).UTC()
	}
	rem := ms % sz
	if rem < 0 {
		rem += sz
	}
	return time.UnixMilli(ms - rem).UTC()
}

// IncrementCount is the window-count reducer.
func IncrementCount(count int64) int64 { return count + 1 }
