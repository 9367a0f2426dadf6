// Package money provides fixed-point currency amounts held in minor units (cents).
//
// The console bills in a single currency, so Money carries no currency code. All arithmetic is
// integer arithmetic on cents; decimals only appear at the parsing and formatting edges.
package money

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// MinorUnits is the number of fractional digits an amount may carry.
const MinorUnits = 2

var (
	// ErrInvalid is returned when a value cannot be read as a decimal amount.
	ErrInvalid = errors.New("invalid amount")
	// ErrPrecision is returned when a value has more fractional digits than MinorUnits.
	ErrPrecision = errors.New("amount has sub-cent precision")
	// ErrOverflow is returned when a value does not fit in int64 minor units.
	ErrOverflow = errors.New("amount out of range")
)

// Money represents a monetary amount in minor units (cents)
type Money struct {
	AmountMinor int64
}

// New creates a new Money value from minor units
func New(amountMinor int64) Money {
	return Money{AmountMinor: amountMinor}
}

// Zero returns a zero amount
func Zero() Money {
	return Money{}
}

// FromDecimal converts a decimal in major units (e.g. 12.50) to Money.
// Values with more than two fractional digits are rejected rather than rounded.
func FromDecimal(d decimal.Decimal) (Money, error) {
	scaled := d.Shift(MinorUnits)
	if !scaled.IsInteger() {
		return Money{}, fmt.Errorf("%s: %w", d.String(), ErrPrecision)
	}
	if scaled.GreaterThan(decimal.NewFromInt(math.MaxInt64)) || scaled.LessThan(decimal.NewFromInt(math.MinInt64)) {
		return Money{}, fmt.Errorf("%s: %w", d.String(), ErrOverflow)
	}
	return Money{AmountMinor: scaled.IntPart()}, nil
}

// Parse reads a major-unit decimal string such as "245.50".
func Parse(s string) (Money, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Money{}, fmt.Errorf("empty string: %w", ErrInvalid)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("%q: %w", s, ErrInvalid)
	}
	return FromDecimal(d)
}

// MustParse is Parse for literals known to be valid; it panics otherwise
func MustParse(s string) Money {
	m, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return m
}

// FromFloat converts a float64 in major units using its shortest decimal representation,
// so 0.1 becomes exactly 10 cents.
func FromFloat(f float64) (Money, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Money{}, fmt.Errorf("%v: %w", f, ErrInvalid)
	}
	return FromDecimal(decimal.NewFromFloat(f))
}

// IsZero returns true if the amount is zero
func (m Money) IsZero() bool {
	return m.AmountMinor == 0
}

// IsPositive returns true if the amount is positive
func (m Money) IsPositive() bool {
	return m.AmountMinor > 0
}

// IsNegative returns true if the amount is negative
func (m Money) IsNegative() bool {
	return m.AmountMinor < 0
}

// Add adds two money values
func (m Money) Add(other Money) Money {
	return Money{AmountMinor: m.AmountMinor + other.AmountMinor}
}

// AddChecked adds two money values, failing with ErrOverflow instead of wrapping around.
func (m Money) AddChecked(other Money) (Money, error) {
	sum := m.AmountMinor + other.AmountMinor
	if (other.AmountMinor > 0 && sum < m.AmountMinor) || (other.AmountMinor < 0 && sum > m.AmountMinor) {
		return Money{}, fmt.Errorf("%s + %s: %w", m, other, ErrOverflow)
	}
	return Money{AmountMinor: sum}, nil
}

// Sub subtracts two money values
func (m Money) Sub(other Money) Money {
	return Money{AmountMinor: m.AmountMinor - other.AmountMinor}
}

// Multiply multiplies by an integer
func (m Money) Multiply(factor int64) Money {
	return Money{AmountMinor: m.AmountMinor * factor}
}

// Compare returns -1, 0, or 1
func (m Money) Compare(other Money) int {
	switch {
	case m.AmountMinor < other.AmountMinor:
		return -1
	case m.AmountMinor > other.AmountMinor:
		return 1
	default:
		return 0
	}
}

// Equal checks equality
func (m Money) Equal(other Money) bool {
	return m.AmountMinor == other.AmountMinor
}

// GreaterThan checks if m > other
func (m Money) GreaterThan(other Money) bool {
	return m.AmountMinor > other.AmountMinor
}

// LessThan checks if m < other
func (m Money) LessThan(other Money) bool {
	return m.AmountMinor < other.AmountMinor
}

// Decimal returns the amount in major units
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.AmountMinor, -MinorUnits)
}

// String formats the amount with exactly two fractional digits, e.g. "558.00".
func (m Money) String() string {
	return m.Decimal().StringFixed(MinorUnits)
}

// MarshalJSON encodes the amount as a quoted decimal string so clients never see binary floats.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON accepts either a JSON number (187.25) or a decimal string ("187.25").
func (m *Money) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		*m = Money{}
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw = s
	}
	parsed, err := Parse(raw)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Scan implements sql.Scanner; amounts are stored as integer cents
func (m *Money) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*m = Money{}
		return nil
	case int64:
		m.AmountMinor = v
		return nil
	case int32:
		m.AmountMinor = int64(v)
		return nil
	default:
		return fmt.Errorf("cannot scan %T into Money", src)
	}
}

// Value implements driver.Valuer
func (m Money) Value() (driver.Value, error) {
	return m.AmountMinor, nil
}

// Sum adds up multiple money values
func Sum(amounts ...Money) Money {
	var total int64
	for _, a := range amounts {
		total += a.AmountMinor
	}
	return Money{AmountMinor: total}
}
