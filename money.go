package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// Money is a single-currency amount in major units. The currency itself is
// a service setting; Money only carries the value.
type Money struct {
	value decimal.Decimal
}

func NewMoney[T float64 | int | int64](v T) Money {
	switch x := any(v).(type) {
	case float64:
		return Money{value: decimal.NewFromFloat(x)}
	case int:
		return Money{value: decimal.NewFromInt(int64(x))}
	default:
		return Money{value: decimal.NewFromInt(x.(int64))}
	}
}

func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Money{}, fmt.Errorf("%w: invalid amount %q", ErrInvalidAmount, s)
	}
	return Money{value: d}, nil
}

func (m Money) Add(n Money) Money { return Money{value: m.value.Add(n.value)} }
func (m Money) Sub(n Money) Money { return Money{value: m.value.Sub(n.value)} }
func (m Money) MulQty(q int64) Money { return Money{value: m.value.Mul(decimal.NewFromInt(q))} }
func (m Money) IsZero() bool { return m.value.IsZero() }
func (m Money) IsNegative() bool { return m.value.IsNegative() }
func (m Money) IsPositive() bool { return m.value.IsPositive() }
func (m Money) LessThan(n Money) bool { return m.value.LessThan(n.value) }
func (m Money) GreaterThan(n Money) bool { return m.value.GreaterThan(n.value) }
func (m Money) Equal(n Money) bool { return m.value.Equal(n.value) }
func (m Money) Cmp(n Money) int { return m.value.Cmp(n.value) }
func (m Money) Decimal() decimal.Decimal { return m.value }
func (m Money) String() string { return m.value.String() }
func (m Money) InexactFloat64() float64 { return m.value.InexactFloat64() }

// Format renders the amount with the symbol and grouping of the currency
// code, e.g. "$1,100.00" for USD.
func (m Money) Format(currency string) string {
	cur := *money.New(0, currency).Currency()
	minor := m.value.Shift(int32(cur.Fraction)).Round(0)
	return cur.Formatter().Format(minor.IntPart())
}

func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.value.String() + `"`), nil
}

// UnmarshalJSON accepts both "12.5" and 12.5.
func (m *Money) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*m = Money{}
		return nil
	}
	var s string
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	} else {
		s = string(b)
	}
	parsed, err := ParseMoney(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
