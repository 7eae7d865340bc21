// Package fees computes the platform fee deducted from a trade at release.
package fees

import "github.com/shopspring/decimal"

// Calculator holds the configured maker and taker rates.
type Calculator struct {
	MakerRate decimal.Decimal
	TakerRate decimal.Decimal
}

// NewCalculator creates a calculator with the given percentage rates
// (e.g. 0.001 for 0.1%).
func NewCalculator(maker, taker decimal.Decimal) *Calculator {
	return &Calculator{MakerRate: maker, TakerRate: taker}
}

// Fee returns amount multiplied by the maker or taker rate, rounded to
// 8 decimal places.
func (c *Calculator) Fee(amount decimal.Decimal, isMaker bool) decimal.Decimal {
	rate := c.TakerRate
	if isMaker {
		rate = c.MakerRate
	}
	return amount.Mul(rate).Round(8)
}
