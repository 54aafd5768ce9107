package types

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// MinorUnitExponent is the number of decimal places carried by Money (cents)
const MinorUnitExponent = 2

var (
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrAmountPrecision = errors.New("amount has more than two decimal places")
)

// Money is a currency amount in integer minor units (cents).
// Arithmetic never goes through floating point.
type Money int64

// ParseMoney converts a decimal string such as "10.00" into Money
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return FromDecimal(d)
}

// FromDecimal converts a decimal amount into Money, rejecting sub-cent precision
func FromDecimal(d decimal.Decimal) (Money, error) {
	if !d.Equal(d.Round(MinorUnitExponent)) {
		return 0, fmt.Errorf("%w: %s", ErrAmountPrecision, d.String())
	}
	minor := d.Shift(MinorUnitExponent)
	if !minor.IsInteger() || minor.GreaterThan(decimal.NewFromInt(maxMoney)) || minor.LessThan(decimal.NewFromInt(-maxMoney)) {
		return 0, fmt.Errorf("%w: %s out of range", ErrInvalidAmount, d.String())
	}
	return Money(minor.IntPart()), nil
}

const maxMoney = 1<<63 - 1

// Decimal returns the amount as a decimal value in major units
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(int64(m), -MinorUnitExponent)
}

// String formats the amount with exactly two decimal places
func (m Money) String() string {
	return m.Decimal().StringFixed(MinorUnitExponent)
}

// Times multiplies the amount by a quantity, reporting overflow
func (m Money) Times(quantity int) (Money, bool) {
	if quantity == 0 || m == 0 {
		return 0, true
	}
	product := m * Money(quantity)
	if product/Money(quantity) != m {
		return 0, false
	}
	return product, true
}

// Add sums two amounts, reporting overflow
func (m Money) Add(other Money) (Money, bool) {
	sum := m + other
	if (other > 0 && sum < m) || (other < 0 && sum > m) {
		return 0, false
	}
	return sum, true
}

// MarshalJSON encodes the amount as a quoted decimal string ("10.00")
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.String() + `"`), nil
}

// UnmarshalJSON accepts a quoted decimal string or a bare JSON number
func (m *Money) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, string(data))
	}
	v, err := FromDecimal(d)
	if err != nil {
		return err
	}
	*m = v
	return nil
}
