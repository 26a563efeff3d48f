// README: Money helpers shared by the fare engine and billing.
package types

import "math"

const Currency = "INR"

// RoundMoney rounds half-up to 2 decimal places. The epsilon absorbs binary
// representation error such as 1.005*100 = 100.49999.
func RoundMoney(v float64) float64 {
	if v < 0 {
		return -RoundMoney(-v)
	}
	return math.Floor(v*100+0.5+1e-9) / 100
}
