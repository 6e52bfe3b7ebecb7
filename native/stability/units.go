package stability

import (
	"fmt"
	"math"
	"math/big"
)

// Scaled integer representations used for exact ledger arithmetic. Supply
// and reserve amounts are int64 minor units; price ratios are quantised to
// rate units before they touch ledger-affecting computations.
const (
	amountScale = int64(1_000_000)
	rateScale   = int64(1_000_000_000)
	maxInt64    = int64(^uint64(0) >> 1)
)

// ToAmountUnits converts a token amount to minor units, rejecting
// non-positive values and precision the scale cannot represent.
func ToAmountUnits(amount float64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("stability: amount must be positive")
	}
	scaled := math.Round(amount * float64(amountScale))
	units := int64(scaled)
	if units <= 0 {
		return 0, fmt.Errorf("stability: amount must be positive")
	}
	if !withinTolerance(amount, units, amountScale) {
		return 0, fmt.Errorf("stability: amount precision exceeds supported scale")
	}
	return units, nil
}

// FromAmountUnits converts minor units back to a token amount.
func FromAmountUnits(units int64) float64 {
	return float64(units) / float64(amountScale)
}

func withinTolerance(value float64, units, scale int64) bool {
	recon := float64(units) / float64(scale)
	diff := math.Abs(value - recon)
	tolerance := 1.0 / float64(scale*10)
	return diff <= tolerance
}

// mulDivRound computes a*b/denom with half-away-from-zero rounding, routing
// the intermediate product through big.Int to avoid overflow.
func mulDivRound(a, b, denom int64) int64 {
	if denom == 0 {
		return 0
	}
	numerator := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	denomBig := big.NewInt(denom)
	quotient := new(big.Int)
	remainder := new(big.Int)
	quotient.QuoRem(numerator, denomBig, remainder)
	doubled := new(big.Int).Lsh(new(big.Int).Abs(remainder), 1)
	if doubled.Cmp(new(big.Int).Abs(denomBig)) >= 0 {
		if numerator.Sign() >= 0 {
			quotient.Add(quotient, big.NewInt(1))
		} else {
			quotient.Sub(quotient, big.NewInt(1))
		}
	}
	return quotient.Int64()
}

// mulDivFloor computes floor(a*b/denom) for non-negative inputs. Clamp
// bounds that must never exceed the feasible limit round down.
func mulDivFloor(a, b, denom int64) int64 {
	if denom <= 0 {
		return 0
	}
	numerator := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	return new(big.Int).Div(numerator, big.NewInt(denom)).Int64()
}

// mulDivCeil computes ceil(a*b/denom) for non-negative inputs. Floors that
// must never undershoot the required minimum round up.
func mulDivCeil(a, b, denom int64) int64 {
	if denom <= 0 {
		return 0
	}
	numerator := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	quotient, remainder := new(big.Int).DivMod(numerator, big.NewInt(denom), new(big.Int))
	if remainder.Sign() != 0 {
		quotient.Add(quotient, big.NewInt(1))
	}
	return quotient.Int64()
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
