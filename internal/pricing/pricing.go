// Package pricing rounds prices onto an instrument's tick grid.
//
// Decimal arithmetic keeps results exact on the grid, so two prices that
// round to the same tick compare equal with ==.
package pricing

import "github.com/shopspring/decimal"

// RoundTo rounds price to the nearest multiple of tick, halves to the even
// multiple (82.5 on a 5 tick is 80). A non-positive tick returns price
// unchanged.
func RoundTo(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	t := decimal.NewFromFloat(tick)
	v := decimal.NewFromFloat(price).Div(t).RoundBank(0).Mul(t)
	f, _ := v.Float64()
	return f
}

// Equal reports whether a and b land on the same tick.
func Equal(a, b, tick float64) bool {
	return RoundTo(a, tick) == RoundTo(b, tick)
}
