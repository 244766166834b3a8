package market

import "math/big"

// SecondsPerYear is the fixed annualization constant for converting the
// market's per-second rates into yearly figures.
const SecondsPerYear = 31_536_000

// AnnualizeRate converts a per-second rate (1e18 scale) to an annual rate
// on the same scale. Simple (non-compounding) annualization, matching how
// the markets themselves quote APR.
func AnnualizeRate(perSecond *big.Int) *big.Int {
	if perSecond == nil {
		return new(big.Int)
	}
	return new(big.Int).Mul(perSecond, big.NewInt(SecondsPerYear))
}
