package stability

import (
	"math"
	"math/big"
)

// AdjustmentAction tags the direction of a supply adjustment.
type AdjustmentAction uint8

const (
	// ActionNone means the average price sits inside the tolerance band or
	// the computed amount rounded to zero.
	ActionNone AdjustmentAction = iota
	// ActionExpand mints new supply because the token trades above peg.
	ActionExpand
	// ActionContract buys back and burns supply because the token trades
	// below peg.
	ActionContract
)

// String renders the action for logs and wire payloads.
func (a AdjustmentAction) String() string {
	switch a {
	case ActionExpand:
		return "expand"
	case ActionContract:
		return "contract"
	default:
		return "none"
	}
}

// SupplyAdjustment is the outcome of a policy evaluation. Amount and
// NewSupply are in minor units; both are zero-valued when Action is
// ActionNone.
type SupplyAdjustment struct {
	Action    AdjustmentAction
	Amount    int64
	NewSupply int64
	AvgPrice  float64
	Deviation float64
}

// calculateAdjustment evaluates the policy against the averaged price. It is
// pure: no state is read or written beyond the arguments.
//
// Expansion mints against upside deviation. Contraction spends reserve 1:1
// at peg to buy supply back for burning, so the amount is additionally
// clamped to what the reserve can fund without breaching the minimum
// reserve ratio on the post-burn supply.
func calculateAdjustment(avgPrice float64, params PolicyParams, supply, reserve int64) SupplyAdjustment {
	out := SupplyAdjustment{Action: ActionNone, NewSupply: supply, AvgPrice: avgPrice}
	if avgPrice <= 0 || params.TargetPrice <= 0 || supply <= 0 {
		return out
	}
	deviation := (avgPrice - params.TargetPrice) / params.TargetPrice
	out.Deviation = deviation

	tolerance := float64(params.ToleranceBandBps) / float64(bpsDenom)
	if math.Abs(deviation) <= tolerance {
		return out
	}

	// Raw magnitude, damped, quantised through the rate scale so ledger
	// arithmetic stays integral.
	magnitude := math.Abs(deviation)
	rateUnits := int64(math.Round(magnitude * float64(rateScale)))
	if rateUnits <= 0 {
		return out
	}
	amount := mulDivRound(supply, rateUnits, rateScale)
	amount = mulDivRound(amount, int64(params.DampingBps), bpsDenom)

	// The cap is a hard bound, so it rounds down: rounding to nearest could
	// admit an amount just past maxChange*supply.
	maxChange := mulDivFloor(supply, int64(params.MaxSupplyChangeBps), bpsDenom)
	amount = minInt64(amount, maxChange)
	if amount <= 0 {
		return out
	}

	if deviation > 0 {
		if supply > maxInt64-amount {
			amount = maxInt64 - supply
		}
		if amount <= 0 {
			return out
		}
		out.Action = ActionExpand
		out.Amount = amount
		out.NewSupply = supply + amount
		return out
	}

	amount = minInt64(amount, contractionCapacity(params, supply, reserve))
	amount = minInt64(amount, supply)
	if amount <= 0 {
		return out
	}
	out.Action = ActionContract
	out.Amount = amount
	out.NewSupply = supply - amount
	return out
}

// contractionCapacity bounds a buy-back by the reserve ratio constraint:
// after spending x from the reserve and burning x from supply,
// (reserve-x) / (supply-x) must stay at or above the configured ratio.
// Solving for x gives x <= (reserve*bps - ratio*supply) / (bps - ratio),
// taken with floor division so the bound never exceeds the feasible limit.
func contractionCapacity(params PolicyParams, supply, reserve int64) int64 {
	if reserve <= 0 {
		return 0
	}
	ratio := int64(params.ReserveRatioBps)
	if ratio >= bpsDenom {
		// Full backing demanded: any buy-back keeps the gap
		// reserve-supply constant, so it is feasible only when the
		// reserve already covers supply outright.
		if reserve >= supply {
			return reserve
		}
		return 0
	}
	numerator := new(big.Int).Mul(big.NewInt(reserve), big.NewInt(bpsDenom))
	numerator.Sub(numerator, new(big.Int).Mul(big.NewInt(supply), big.NewInt(ratio)))
	if numerator.Sign() <= 0 {
		return 0
	}
	capacity := new(big.Int).Div(numerator, big.NewInt(bpsDenom-ratio)).Int64()
	return minInt64(capacity, reserve)
}
