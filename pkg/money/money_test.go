package money

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestToCurrency(t *testing.T) {
	tests := []struct {
		cents int64
		want  string
	}{
		{0, "0"},
		{1, "0.01"},
		{50000, "500"},
		{12345, "123.45"},
		{-2000, "-20"},
	}
	for _, tt := range tests {
		got := ToCurrency(tt.cents)
		if !got.Equal(decimal.RequireFromString(tt.want)) {
			t.Errorf("ToCurrency(%d) = %s, want %s", tt.cents, got, tt.want)
		}
	}
}

func TestFromCurrency(t *testing.T) {
	if got := FromCurrency(decimal.RequireFromString("123.455")); got != 12346 {
		t.Errorf("expected 12346, got %d", got)
	}
	if got := FromCurrency(ToCurrency(98765)); got != 98765 {
		t.Errorf("expected round trip, got %d", got)
	}
}

func TestPercentage(t *testing.T) {
	tests := []struct {
		name     string
		num, den int64
		def      decimal.Decimal
		want     float64
	}{
		{"seven of nine", 7, 9, decimal.Zero, 77.78},
		{"two of nine", 2, 9, decimal.Zero, 22.22},
		{"all", 5, 5, decimal.Zero, 100},
		{"none", 0, 4, decimal.Zero, 0},
		{"zero denominator uses default", 0, 0, decimal.NewFromInt(100), 100},
		{"zero denominator zero default", 3, 0, decimal.Zero, 0},
		{"third", 1, 3, decimal.Zero, 33.33},
		{"two thirds", 2, 3, decimal.Zero, 66.67},
		{"just below half cent", 123449996, 1000000000, decimal.Zero, 12.34},
		{"under half cent", 1234500, 100000000, decimal.Zero, 1.23},
		{"exact half cent rounds up", 1235, 100000, decimal.Zero, 1.24},
		{"above half cent", 1235001, 100000000, decimal.Zero, 1.24},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Float(Percentage(tt.num, tt.den, tt.def))
			if got != tt.want {
				t.Errorf("Percentage(%d, %d) = %v, want %v", tt.num, tt.den, got, tt.want)
			}
		})
	}
}

func TestPercentage_Deterministic(t *testing.T) {
	a := Percentage(80000, 130000, decimal.Zero)
	b := Percentage(80000, 130000, decimal.Zero)
	if !a.Equal(b) {
		t.Errorf("expected identical results, got %s and %s", a, b)
	}
}

func TestDaysBetween(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		b    time.Time
		want int
	}{
		{"same instant", base, 0},
		{"just under a day", base.Add(23*time.Hour + 59*time.Minute), 0},
		{"exactly one day", base.Add(24 * time.Hour), 1},
		{"ten and a half days", base.Add(252 * time.Hour), 10},
		{"backwards partial day floors down", base.Add(-time.Hour), -1},
		{"backwards exact day", base.Add(-48 * time.Hour), -2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DaysBetween(base, tt.b); got != tt.want {
				t.Errorf("DaysBetween = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestWithinWindow(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	mid := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	before := start.Add(-time.Millisecond)
	after := end.Add(time.Millisecond)

	if !WithinWindow(mid, &start, &end) {
		t.Error("expected mid to be inside")
	}
	if !WithinWindow(start, &start, &end) || !WithinWindow(end, &start, &end) {
		t.Error("expected bounds to be inclusive")
	}
	if WithinWindow(before, &start, &end) || WithinWindow(after, &start, &end) {
		t.Error("expected out of range timestamps to be excluded")
	}
	if !WithinWindow(before, nil, &end) {
		t.Error("expected open start to accept early timestamps")
	}
	if !WithinWindow(after, &start, nil) {
		t.Error("expected open end to accept late timestamps")
	}
	if !WithinWindow(after, nil, nil) {
		t.Error("expected fully open window to accept anything")
	}
}
