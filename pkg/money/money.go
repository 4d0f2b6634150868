// Package money holds the minor-unit currency and calendar helpers shared by
// the billing engine. Amounts are stored as integer cents everywhere and only
// become decimals at presentation boundaries.
package money

import (
	"time"

	"github.com/shopspring/decimal"
)

// RatePlaces is the number of decimal places every percentage is rounded to.
const RatePlaces = 2

const msPerDay = int64(24 * time.Hour / time.Millisecond)

var hundred = decimal.NewFromInt(100)

// ToCurrency converts cents to a decimal currency amount (cents / 100).
func ToCurrency(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// FromCurrency converts a decimal currency amount to cents, rounding half away
// from zero at the second decimal place.
func FromCurrency(amount decimal.Decimal) int64 {
	return amount.Mul(hundred).Round(0).IntPart()
}

// Percentage returns numerator/denominator expressed on a 0-100 scale and
// rounded to RatePlaces. When denominator is zero the caller-supplied
// zeroDefault is returned unchanged; each metric owns its own policy.
func Percentage(numerator, denominator int64, zeroDefault decimal.Decimal) decimal.Decimal {
	if denominator == 0 {
		return zeroDefault
	}
	return decimal.NewFromInt(numerator).
		Mul(hundred).
		DivRound(decimal.NewFromInt(denominator), RatePlaces)
}

// DaysBetween returns floor((b - a) / 1 day) on millisecond timestamps.
func DaysBetween(a, b time.Time) int {
	ms := b.UnixMilli() - a.UnixMilli()
	days := ms / msPerDay
	if ms%msPerDay != 0 && ms < 0 {
		days--
	}
	return int(days)
}

// WithinWindow reports whether t lies inside [start, end]. A nil bound leaves
// that side open.
func WithinWindow(t time.Time, start, end *time.Time) bool {
	if start != nil && t.Before(*start) {
		return false
	}
	if end != nil && t.After(*end) {
		return false
	}
	return true
}

// Float converts a decimal to float64 for JSON responses. Values produced by
// this package are already rounded so the conversion is stable.
func Float(d decimal.Decimal) float64 {
	return d.InexactFloat64()
}
