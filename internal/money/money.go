// Package money holds the currency precision table and the payout arithmetic.
package money

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Units maps ISO 4217 codes to the number of minor-unit digits.
type Units map[string]int32

// DefaultUnits covers the currencies the product ships with.
func DefaultUnits() Units {
	return Units{
		"KES": 2,
		"USD": 2,
		"EUR": 2,
		"GBP": 2,
		"JPY": 0,
		"UGX": 0,
	}
}

// Places returns the minor-unit digits for code.
func (u Units) Places(code string) (int32, bool) {
	p, ok := u[Normalize(code)]
	return p, ok
}

func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

var hundred = decimal.NewFromInt(100)

// Cut returns value × percent / 100 rounded half-to-even to places digits.
func Cut(value, percent decimal.Decimal, places int32) decimal.Decimal {
	return value.Mul(percent).Div(hundred).RoundBank(places)
}

// Parse reads a decimal amount and rejects empty input.
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("amount is empty")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q", s)
	}
	return d, nil
}

// Format renders an amount with the currency's fixed number of digits.
func (u Units) Format(amount decimal.Decimal, code string) string {
	places, ok := u.Places(code)
	if !ok {
		return amount.String()
	}
	return amount.StringFixedBank(places)
}

// Totals accumulates amounts per currency. Amounts in different currencies are never added together.
type Totals map[string]decimal.Decimal

func (t Totals) Add(code string, amount decimal.Decimal) {
	code = Normalize(code)
	t[code] = t[code].Add(amount)
}

// Currencies returns the currency codes in sorted order.
func (t Totals) Currencies() []string {
	out := make([]string, 0, len(t))
	for c := range t {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
