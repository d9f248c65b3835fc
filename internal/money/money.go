// Package money implements the fixed-point money discipline used across
// fermata. All amounts are stored and computed as int64 micros (1 unit =
// 10^-6 of the display currency). Floating point never touches ledger math;
// the decimal library is used only at the string boundary, where client
// input is parsed and responses are rendered as 4-decimal strings.
package money

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// MicrosPerUnit is the number of micros in one display-currency unit.
const MicrosPerUnit = 1_000_000

// MaxDisplayScale is the largest number of fractional digits accepted on input.
const MaxDisplayScale = 4

var (
	// ErrScale indicates more than four fractional digits, an exponent,
	// or a non-numeric token such as NaN or Inf.
	ErrScale = errors.New("money: invalid scale or format")

	// ErrRange indicates a non-positive or out-of-range amount.
	ErrRange = errors.New("money: amount out of range")
)

var maxMicros = decimal.NewFromInt(math.MaxInt64)

// Parse converts a decimal string with at most four fractional digits into
// integer micros. The conversion is exact. Exponent notation, NaN, Inf,
// negative and zero amounts are all rejected.
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrScale)
	}
	if strings.ContainsAny(s, "eEnNiI") {
		// Catches exponents plus NaN/Inf spellings before the decimal parser
		// gets a chance to accept them.
		return 0, fmt.Errorf("%w: %q", ErrScale, s)
	}
	if dot := strings.IndexByte(s, '.'); dot >= 0 {
		frac := s[dot+1:]
		if strings.ContainsRune(frac, '.') {
			return 0, fmt.Errorf("%w: %q", ErrScale, s)
		}
		if len(frac) > MaxDisplayScale {
			return 0, fmt.Errorf("%w: %q has %d fractional digits", ErrScale, s, len(frac))
		}
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrScale, s)
	}
	if d.Sign() <= 0 {
		return 0, fmt.Errorf("%w: %q must be positive", ErrRange, s)
	}

	micros := d.Shift(6)
	if micros.Cmp(maxMicros) > 0 {
		return 0, fmt.Errorf("%w: %q", ErrRange, s)
	}
	return micros.IntPart(), nil
}

// Format renders micros as a 4-decimal string, rounding half-up.
// Display-only: the rounded value is never written back to storage.
func Format(micros int64) string {
	return decimal.New(micros, -6).StringFixed(MaxDisplayScale)
}

// MinimumFee computes the floor-rounded minimum fee for a reservation:
// floor(reserved * rate), clamped to [floor, ceiling] micros.
func MinimumFee(reservedMicros int64, rate float64, floorMicros, ceilingMicros int64) int64 {
	fee := decimal.NewFromInt(reservedMicros).Mul(decimal.NewFromFloat(rate)).IntPart()
	if fee < floorMicros {
		fee = floorMicros
	}
	if fee > ceilingMicros {
		fee = ceilingMicros
	}
	return fee
}
