package stream

import (
	"hash/fnv"
	"math/rand/v2"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stotra/trade-engine/internal/model"
)

// backfillStep is the maximum relative move between two backfill candles.
const backfillStep = 0.01

// symbolSeed derives a stable seed so every subscriber to a symbol sees the
// same backfill for the same minute.
func symbolSeed(symbol string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(symbol))
	return h.Sum64()
}

func scale(p decimal.Decimal, factor float64) decimal.Decimal {
	return p.Mul(decimal.NewFromFloat(factor))
}

// Backfill returns n one-minute candles ending at the minute containing
// now, walking backwards from last so the final close equals last. The
// series depends only on symbol, last and the minute of now.
func Backfill(symbol string, last decimal.Decimal, now time.Time, n int) []model.Candle {
	if n <= 0 {
		return []model.Candle{}
	}
	end := now.Truncate(time.Minute)
	rng := rand.New(rand.NewPCG(symbolSeed(symbol), uint64(end.Unix())))

	closes := make([]decimal.Decimal, n)
	closes[n-1] = last
	for i := n - 2; i >= 0; i-- {
		closes[i] = scale(closes[i+1], 1+(rng.Float64()-0.5)*backfillStep).Round(2)
	}

	candles := make([]model.Candle, n)
	for i := range candles {
		open := closes[i]
		if i > 0 {
			open = closes[i-1]
		}
		ts := end.Add(-time.Duration(n-1-i) * time.Minute)
		candles[i] = buildCandle(symbol, ts, open, closes[i], rng)
	}
	return candles
}

// buildCandle shapes an OHLCV bar from open and close with a small random
// wick and synthetic volume.
func buildCandle(symbol string, ts time.Time, open, close decimal.Decimal, rng *rand.Rand) model.Candle {
	hi := decimal.Max(open, close)
	lo := decimal.Min(open, close)
	return model.Candle{
		Symbol:    symbol,
		Timestamp: ts.UnixMilli(),
		Open:      open,
		High:      decimal.Max(hi, scale(hi, 1+rng.Float64()*0.002).Round(2)),
		Low:       decimal.Min(lo, scale(lo, 1-rng.Float64()*0.002).Round(2)),
		Close:     close,
		Volume:    1000 + rng.Int64N(9000),
	}
}
