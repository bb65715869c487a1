package entity

import "math"

// Round2 rounds to the currency's minor unit (2 decimals).
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// DiscountedPrice applies a percent discount to a unit price and rounds to
// the minor unit.
func DiscountedPrice(unitPrice, discountPercent float64) float64 {
	return Round2(unitPrice * (1 - discountPercent/100))
}

// LineTotal computes one order line's total: discounted unit price times
// quantity, rounded to the minor unit.
func LineTotal(unitPrice, discountPercent float64, quantity int) float64 {
	return Round2(DiscountedPrice(unitPrice, discountPercent) * float64(quantity))
}

// MinorUnits converts a 2-decimal amount to integer minor units for the
// payment gateway.
func MinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}
