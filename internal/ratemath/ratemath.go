// Package ratemath contains the pure price arithmetic and formatting
// helpers shared by connectors and the display layer.
package ratemath

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// SpreadPrice applies a percentage spread and commission markdown to a
// base price. The percentage math goes through decimals so that quoted
// prices do not drift from binary float rounding.
func SpreadPrice(base, spreadPct, commissionPct float64) float64 {
	b := decimal.NewFromFloat(base)
	pct := decimal.NewFromFloat(spreadPct).Add(decimal.NewFromFloat(commissionPct))
	factor := decimal.NewFromInt(1).Sub(pct.Div(decimal.NewFromInt(100)))
	out, _ := b.Mul(factor).Float64()
	return out
}

// ConvertPrice derives the reporting-currency price from a spot price
// quoted in the reference asset. An invalid (non-positive or non-finite)
// rate yields 0, never an error.
func ConvertPrice(spot, rate float64) float64 {
	if rate <= 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		return 0
	}
	return spot * rate
}

// FormatNumber renders a value with thousands separators and a fixed
// number of decimal places.
func FormatNumber(v float64, decimals int) string {
	if decimals < 0 {
		decimals = 0
	}
	s := fmt.Sprintf("%.*f", decimals, math.Abs(v))

	intPart := s
	fracPart := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, fracPart = s[:i], s[i+1:]
	}

	var b strings.Builder
	if v < 0 {
		b.WriteByte('-')
	}
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if fracPart != "" {
		b.WriteByte('.')
		b.WriteString(fracPart)
	}
	return b.String()
}

// FormatCurrency renders a value followed by a currency symbol.
func FormatCurrency(v float64, currency string, decimals int) string {
	return FormatNumber(v, decimals) + " " + currency
}

// FormatPercentage renders a fraction (0.01 = 1%) as a percentage with
// magnitude-dependent precision, optionally keeping a leading plus sign.
func FormatPercentage(v float64, includeSign bool) string {
	pct := v * 100

	var decimals int
	switch abs := math.Abs(pct); {
	case abs < 0.1:
		decimals = 3
	case abs < 1:
		decimals = 2
	case abs < 10:
		decimals = 1
	default:
		decimals = 0
	}

	sign := ""
	if includeSign && pct > 0 {
		sign = "+"
	}
	return fmt.Sprintf("%s%.*f%%", sign, decimals, pct)
}
