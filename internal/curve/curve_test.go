package curve

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2025, 3, 1, 14, 30, 0, 0, time.UTC)

func TestInterpolate_AtStart(t *testing.T) {
	got := Interpolate(d(100), d(170), t0, 60, t0)
	if !got.Equal(d(100)) {
		t.Errorf("expected 100 at start, got %s", got)
	}
}

func TestInterpolate_AtEnd(t *testing.T) {
	got := Interpolate(d(100), d(170), t0, 60, t0.Add(60*time.Minute))
	if !got.Equal(d(170)) {
		t.Errorf("expected 170 at end of window, got %s", got)
	}
}

func TestInterpolate_SaturatesPastDuration(t *testing.T) {
	got := Interpolate(d(100), d(30), t0, 60, t0.Add(120*time.Minute))
	if !got.Equal(d(30)) {
		t.Errorf("expected 30 past the window, got %s", got)
	}
}

func TestInterpolate_Midpoint(t *testing.T) {
	got := Interpolate(d(100), d(170), t0, 60, t0.Add(30*time.Minute))
	if !got.Equal(d(135)) {
		t.Errorf("expected 135 halfway, got %s", got)
	}
}

func TestInterpolate_BeforeStartIsFloored(t *testing.T) {
	got := Interpolate(d(100), d(170), t0, 60, t0.Add(-10*time.Minute))
	if !got.Equal(d(100)) {
		t.Errorf("expected base before start, got %s", got)
	}
}

func TestInterpolate_ZeroDurationJumpsToTarget(t *testing.T) {
	got := Interpolate(d(100), d(170), t0, 0, t0)
	if !got.Equal(d(170)) {
		t.Errorf("expected target for zero duration, got %s", got)
	}
}

func TestProperty_InterpolateStaysBetweenBaseAndTarget(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		base := decimal.NewFromInt(rapid.Int64Range(1, 100000).Draw(t, "base"))
		target := decimal.NewFromInt(rapid.Int64Range(1, 100000).Draw(t, "target"))
		duration := rapid.IntRange(1, 1440).Draw(t, "duration")
		offset := time.Duration(rapid.Int64Range(-3600, 200000).Draw(t, "offsetSec")) * time.Second

		got := Interpolate(base, target, t0, float64(duration), t0.Add(offset))

		lo, hi := decimal.Min(base, target), decimal.Max(base, target)
		if got.LessThan(lo) || got.GreaterThan(hi) {
			t.Fatalf("price %s outside [%s, %s]", got, lo, hi)
		}
		if offset >= time.Duration(duration)*time.Minute && !got.Equal(target) {
			t.Fatalf("expected saturation at target %s, got %s", target, got)
		}
		if offset <= 0 && !got.Equal(base) {
			t.Fatalf("expected base %s before start, got %s", base, got)
		}
	})
}

func TestProperty_ProgressIsMonotonic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		duration := rapid.IntRange(1, 600).Draw(t, "duration")
		a := time.Duration(rapid.Int64Range(-600, 50000).Draw(t, "a")) * time.Second
		b := a + time.Duration(rapid.Int64Range(0, 5000).Draw(t, "delta"))*time.Second

		pa := Progress(t0, float64(duration), t0.Add(a))
		pb := Progress(t0, float64(duration), t0.Add(b))
		if pb.LessThan(pa) {
			t.Fatalf("progress decreased: %s then %s", pa, pb)
		}
	})
}
