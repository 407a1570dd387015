// Package valuation derives the implied company valuation of a funding request. Every
// surface that shows a valuation goes through Implied so the figures always agree.
package valuation

import (
	"math"
	"strconv"
	"strings"

	"deal-pipeline/internal/models"
)

// Implied returns provided when it is set and non-zero, otherwise
// round(amount / equity * 100). Zero or negative equity yields 0.
func Implied(amount, equity float64, provided *float64) float64 {
	if provided != nil && *provided != 0 {
		return *provided
	}
	if equity <= 0 {
		return 0
	}
	return math.Round(amount / equity * 100)
}

// ForRequest returns the valuation shown on a deal card or detail view.
func ForRequest(r models.FundingRequest) float64 {
	return Implied(r.Amount, r.Equity, r.Valuation)
}

// ForTerms returns the valuation implied by final acceptance terms.
func ForTerms(finalAmount, finalEquity float64) float64 {
	return Implied(finalAmount, finalEquity, nil)
}

// FormatUSD renders v as whole dollars with thousands separators, e.g. $1,333,333.
func FormatUSD(v float64) string {
	rounded := int64(math.Round(v))
	sign := ""
	if rounded < 0 {
		sign = "-"
		rounded = -rounded
	}

	digits := strconv.FormatInt(rounded, 10)
	var b strings.Builder
	b.WriteString(sign)
	b.WriteByte('$')
	for i, d := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(d)
	}
	return b.String()
}
