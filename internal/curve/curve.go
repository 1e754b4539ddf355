// Package curve computes the deterministic price path of a market event.
package curve

import (
	"time"

	"github.com/shopspring/decimal"
)

var one = decimal.NewFromInt(1)

// Progress returns how far now is through a window of durationMinutes
// that starts at start, clamped to [0, 1]. A non-positive duration is
// already complete.
func Progress(start time.Time, durationMinutes float64, now time.Time) decimal.Decimal {
	if durationMinutes <= 0 {
		return one
	}
	elapsed := now.Sub(start)
	if elapsed <= 0 {
		return decimal.Zero
	}
	total := time.Duration(durationMinutes * float64(time.Minute))
	if elapsed >= total {
		return one
	}
	return decimal.NewFromInt(elapsed.Milliseconds()).
		Div(decimal.NewFromInt(total.Milliseconds()))
}

// Interpolate moves linearly from base to target over the window and holds
// at target once the window has elapsed.
func Interpolate(base, target decimal.Decimal, start time.Time, durationMinutes float64, now time.Time) decimal.Decimal {
	p := Progress(start, durationMinutes, now)
	return base.Add(target.Sub(base).Mul(p))
}
