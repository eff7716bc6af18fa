package domain

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Money is an amount in minor units (paise). On the wire it is a decimal in
// major units, e.g. 12.50.
type Money int64

const moneyScale = 2

// Bounds on what a single amount or count may be. Products of two bounded
// values still fit in int64, so arithmetic on them cannot wrap.
const (
	MaxMoney    Money = 1_000_000_000_000 // 10,000,000,000.00
	MaxQuantity       = 1_000_000
)

var ErrOutOfRange = errors.New("value out of range")

var (
	maxMoneyDecimal    = decimal.NewFromInt(int64(MaxMoney))
	maxQuantityDecimal = decimal.NewFromInt(MaxQuantity)
)

func (m Money) Decimal() decimal.Decimal {
	return decimal.New(int64(m), -moneyScale)
}

func (m Money) String() string {
	return m.Decimal().StringFixed(moneyScale)
}

func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalJSON is lenient about shape but refuses magnitudes above MaxMoney.
func (m *Money) UnmarshalJSON(data []byte) error {
	minor := coerceDecimal(data).Shift(moneyScale).Round(0)
	if minor.Abs().GreaterThan(maxMoneyDecimal) {
		return fmt.Errorf("amount %s: %w", strings.TrimSpace(string(data)), ErrOutOfRange)
	}
	*m = Money(minor.IntPart())
	return nil
}

// Times multiplies by n, failing rather than wrapping when the result
// leaves [-MaxMoney, MaxMoney].
func (m Money) Times(n int64) (Money, bool) {
	product, ok := MulInt64(int64(m), n)
	if !ok || product > int64(MaxMoney) || product < -int64(MaxMoney) {
		return 0, false
	}
	return Money(product), true
}

// Plus adds o under the same bound as Times.
func (m Money) Plus(o Money) (Money, bool) {
	sum := int64(m) + int64(o)
	if sum > int64(MaxMoney) || sum < -int64(MaxMoney) {
		return 0, false
	}
	return Money(sum), true
}

// MulInt64 reports false instead of wrapping on overflow.
func MulInt64(a, b int64) (int64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	c := a * b
	if (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64) || c/b != a {
		return 0, false
	}
	return c, true
}

// Quantity is a whole count that decodes leniently: "3", 3 and 3.0 are all 3,
// and null, booleans or garbage become 0.
type Quantity int

func (q Quantity) Int() int {
	return int(q)
}

// UnmarshalJSON refuses counts whose magnitude exceeds MaxQuantity.
func (q *Quantity) UnmarshalJSON(data []byte) error {
	d := coerceDecimal(data).Truncate(0)
	if d.Abs().GreaterThan(maxQuantityDecimal) {
		return fmt.Errorf("quantity %s: %w", strings.TrimSpace(string(data)), ErrOutOfRange)
	}
	*q = Quantity(d.IntPart())
	return nil
}

func coerceDecimal(data []byte) decimal.Decimal {
	raw := strings.TrimSpace(string(data))
	if raw == "" || raw == "null" {
		return decimal.Zero
	}
	if unquoted, err := strconv.Unquote(raw); err == nil {
		raw = strings.TrimSpace(unquoted)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return d
}
