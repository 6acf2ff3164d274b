package money

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestCut(t *testing.T) {
	cases := []struct {
		value, pct string
		places     int32
		want       string
	}{
		{"10000", "70", 2, "7000"},
		{"0.05", "50", 2, "0.02"},  // 0.025 rounds to even
		{"0.07", "50", 2, "0.04"},  // 0.035 rounds to even
		{"1001", "0.5", 0, "5"},    // 5.005
		{"999.99", "100", 2, "999.99"},
		{"5000", "0", 2, "0"},
		{"3", "50", 0, "2"}, // 1.5 rounds to even
		{"5", "50", 0, "2"}, // 2.5 rounds to even
	}
	for _, c := range cases {
		got := Cut(decimal.RequireFromString(c.value), decimal.RequireFromString(c.pct), c.places)
		if !got.Equal(decimal.RequireFromString(c.want)) {
			t.Fatalf("Cut(%s, %s, %d) = %s, want %s", c.value, c.pct, c.places, got, c.want)
		}
	}
}

func TestFormat(t *testing.T) {
	u := DefaultUnits()
	if got := u.Format(decimal.NewFromInt(7000), "kes"); got != "7000.00" {
		t.Fatalf("format KES: %s", got)
	}
	if got := u.Format(decimal.NewFromInt(7000), "JPY"); got != "7000" {
		t.Fatalf("format JPY: %s", got)
	}
	if _, ok := u.Places("XXX"); ok {
		t.Fatalf("unknown currency should not resolve")
	}
}

func TestParse(t *testing.T) {
	if _, err := Parse(" "); err == nil {
		t.Fatalf("expected error for empty amount")
	}
	if _, err := Parse("12,50"); err == nil {
		t.Fatalf("expected error for malformed amount")
	}
	d, err := Parse("12.50")
	if err != nil || !d.Equal(decimal.RequireFromString("12.5")) {
		t.Fatalf("parse: %v %s", err, d)
	}
}

func TestTotals(t *testing.T) {
	tot := Totals{}
	tot.Add("usd", decimal.NewFromInt(5))
	tot.Add("KES", decimal.NewFromInt(10))
	tot.Add("USD", decimal.RequireFromString("2.5"))
	if !tot["USD"].Equal(decimal.RequireFromString("7.5")) {
		t.Fatalf("USD total: %s", tot["USD"])
	}
	cur := tot.Currencies()
	if len(cur) != 2 || cur[0] != "KES" || cur[1] != "USD" {
		t.Fatalf("currencies: %v", cur)
	}
}
