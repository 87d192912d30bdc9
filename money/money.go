// Package money holds amounts in the smallest currency unit.
package money

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidAmount signals text that is not a non-negative decimal with at most two fraction digits.
var ErrInvalidAmount = errors.New("money: invalid amount")

// Amount is a value in minor units (cents).
type Amount int64

// Parse reads "100", "100.5" or "100.50" into minor units without going through floats.
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidAmount
	}
	whole, frac, hasFrac := strings.Cut(s, ".")
	if whole == "" || len(frac) > 2 || (hasFrac && frac == "") {
		return 0, ErrInvalidAmount
	}
	for _, r := range whole + frac {
		if r < '0' || r > '9' {
			return 0, ErrInvalidAmount
		}
	}
	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	for len(frac) < 2 {
		frac += "0"
	}
	cents, _ := strconv.ParseInt(frac, 10, 64)
	if units > (1<<63-1-cents)/100 {
		return 0, ErrInvalidAmount
	}
	return Amount(units*100 + cents), nil
}

// MustParse is Parse for constants in tests and defaults.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// PercentFloor returns pct percent of a, rounded down to the cent.
// pct is given in basis points (1/100 of a percent).
func (a Amount) PercentFloor(basisPoints int64) Amount {
	if a <= 0 || basisPoints <= 0 {
		return 0
	}
	return Amount(int64(a) * basisPoints / 10000)
}

// Positive reports a > 0.
func (a Amount) Positive() bool { return a > 0 }

func (a Amount) String() string {
	sign := ""
	v := int64(a)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// Format renders the amount with an upper-cased currency code, e.g. "100.00 USD".
func Format(a Amount, currency string) string {
	return a.String() + " " + strings.ToUpper(currency)
}

// BasisPoints converts a configured percentage such as 2.5 into 250 basis points.
func BasisPoints(percent float64) int64 {
	return int64(percent*100 + 0.5)
}
