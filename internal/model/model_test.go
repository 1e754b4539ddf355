package model

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestValidSymbol(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"AAPL", true},
		{"BRK.B", true},
		{"BF-B", true},
		{"A", true},
		{"", false},
		{"1ABC", false},
		{"TOOLONGSYMB", false},
		{"AA PL", false},
	}
	for _, tt := range tests {
		if got := ValidSymbol(NormalizeSymbol(tt.in)); got != tt.want {
			t.Errorf("ValidSymbol(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if NormalizeSymbol("  tsla ") != "TSLA" {
		t.Error("NormalizeSymbol should trim and upper-case")
	}
}

func TestInWindow(t *testing.T) {
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	e := MarketEvent{StartDate: start, EndDate: &end, Active: true}

	if e.InWindow(start.Add(-time.Second)) {
		t.Error("event applied before its start")
	}
	if !e.InWindow(start) || !e.InWindow(end) {
		t.Error("window bounds are inclusive")
	}
	if e.InWindow(end.Add(time.Second)) {
		t.Error("event applied after its end")
	}
	e.Active = false
	if e.InWindow(start.Add(time.Minute)) {
		t.Error("inactive event applied")
	}
}

func TestOrderError(t *testing.T) {
	err := InsufficientShares("AAPL", 5, 2)
	if !errors.Is(err, ErrInsufficientShares) {
		t.Fatal("OrderError must unwrap to its kind")
	}
	var oe *OrderError
	if !errors.As(err, &oe) {
		t.Fatal("expected *OrderError")
	}
	if !oe.Requested.Equal(decimal.NewFromInt(5)) || !oe.Available.Equal(decimal.NewFromInt(2)) {
		t.Errorf("unexpected details: %+v", oe)
	}
	if got := err.Error(); got != "insufficient_shares: AAPL requested 5, available 2" {
		t.Errorf("message: %q", got)
	}
}
