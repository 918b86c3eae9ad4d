package analytics

import "github.com/shopspring/decimal"

// PresentationPlaces is the number of decimal places results are rounded to
const PresentationPlaces = 2

var hundred = decimal.NewFromInt(100)

// Percentage returns part / whole × 100 clamped to [0, 100], rounded for
// presentation. It is 0 when whole is not positive.
func Percentage(part, whole decimal.Decimal) decimal.Decimal {
	if !whole.IsPositive() {
		return decimal.Zero
	}
	pct := part.Mul(hundred).Div(whole)
	if pct.IsNegative() {
		return decimal.Zero
	}
	if pct.GreaterThan(hundred) {
		return hundred
	}
	return pct.Round(PresentationPlaces)
}

// CountPercentage is Percentage for counts
func CountPercentage(part, whole int64) decimal.Decimal {
	return Percentage(decimal.NewFromInt(part), decimal.NewFromInt(whole))
}

// Average returns total / count rounded for presentation, or 0 when count is 0
func Average(total decimal.Decimal, count int64) decimal.Decimal {
	if count <= 0 {
		return decimal.Zero
	}
	return total.Div(decimal.NewFromInt(count)).Round(PresentationPlaces)
}

// SafeDiv returns a / b rounded for presentation, or 0 when b is not positive
func SafeDiv(a, b decimal.Decimal) decimal.Decimal {
	if !b.IsPositive() {
		return decimal.Zero
	}
	return a.Div(b).Round(PresentationPlaces)
}
