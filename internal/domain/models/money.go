package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Money хранит денежную сумму в минорных единицах (центах)
type Money int64

const moneyScale = 2

var ErrInvalidMoney = errors.New("invalid money amount")

// ParseMoney разбирает десятичную строку вида "25.00"; больше двух знаков после точки не допускается
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidMoney, s)
	}
	return FromDecimal(d)
}

// FromDecimal переводит decimal в центы без потери точности
func FromDecimal(d decimal.Decimal) (Money, error) {
	cents := d.Shift(moneyScale)
	if !cents.Equal(cents.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s has more than %d fractional digits", ErrInvalidMoney, d.String(), moneyScale)
	}
	if cents.Abs().GreaterThan(decimal.NewFromInt(1 << 62)) {
		return 0, fmt.Errorf("%w: %s is out of range", ErrInvalidMoney, d.String())
	}
	return Money(cents.IntPart()), nil
}

// Decimal возвращает сумму в основных единицах
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(int64(m), -moneyScale)
}

func (m Money) String() string {
	return m.Decimal().StringFixed(moneyScale)
}

func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON принимает как строку "25.00", так и число 25.00
func (m *Money) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		data = []byte(s)
	}
	parsed, err := ParseMoney(string(data))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
