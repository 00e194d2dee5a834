package money

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// minorScale is the number of decimal places between major and minor units.
const minorScale = 2

var (
	ErrNegativeAmount = errors.New("amount must not be negative")
	ErrInvalidAmount  = errors.New("invalid amount")
)

// Money is an amount expressed in integer minor units (e.g. pence).
// All arithmetic and transfer calls operate on minor units only.
type Money struct {
	minor int64
}

// Zero is the zero amount.
var Zero = Money{}

// FromMinor builds a Money from minor units.
func FromMinor(minor int64) Money {
	return Money{minor: minor}
}

// FromMajor converts a decimal major-unit value (e.g. 12.34) into minor units.
// Values with more than two decimal places are rounded half away from zero.
func FromMajor(major decimal.Decimal) Money {
	return Money{minor: major.Round(minorScale).Shift(minorScale).IntPart()}
}

// ParseMajor parses a decimal string in major units.
func ParseMajor(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("%w %q: %v", ErrInvalidAmount, s, err)
	}
	return FromMajor(d), nil
}

// AsMinor returns the amount in minor units.
func (m Money) AsMinor() int64 {
	return m.minor
}

// Major returns the amount in major units as an exact decimal.
func (m Money) Major() decimal.Decimal {
	return decimal.New(m.minor, -minorScale)
}

// Add returns m + other.
func (m Money) Add(other Money) Money {
	return Money{minor: m.minor + other.minor}
}

func (m Money) IsZero() bool     { return m.minor == 0 }
func (m Money) IsNegative() bool { return m.minor < 0 }

// String renders minor units, which is also the form used in dedupe keys.
func (m Money) String() string {
	return strconv.FormatInt(m.minor, 10)
}

// Sum adds up a list of amounts.
func Sum(amounts ...Money) Money {
	var total Money
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}
