package stability

import (
	"fmt"
	"time"
)

// Basis point denominator shared by every ratio-style parameter.
const bpsDenom = 10_000

// PolicyParams captures the tunable monetary policy for a pegged token.
// Ratio-style fields are expressed in basis points so invariant checks stay
// exact under integer arithmetic.
type PolicyParams struct {
	// TargetPrice is the peg the token tracks, in quote currency units.
	TargetPrice float64
	// ToleranceBandBps is the fractional deviation from peg tolerated
	// before any supply action is taken. Must be in [0, 10000).
	ToleranceBandBps uint64
	// ReserveRatioBps is the minimum fraction of circulating supply that
	// must remain backed by the reserve pool. Must be in [0, 10000].
	ReserveRatioBps uint64
	// MaxSupplyChangeBps caps a single adjustment relative to total
	// supply. Must be in [0, 10000].
	MaxSupplyChangeBps uint64
	// DampingBps scales the raw adjustment to avoid overshoot. Must be in
	// (0, 10000].
	DampingBps uint64
	// RebalanceInterval is the minimum spacing between two executed
	// adjustments.
	RebalanceInterval time.Duration
	// LookbackWindow bounds the price samples consulted when computing the
	// average used for adjustment decisions.
	LookbackWindow time.Duration
}

// Default policy values applied by Normalise.
const (
	DefaultTargetPrice        = 1.0
	DefaultToleranceBandBps   = 100
	DefaultReserveRatioBps    = 2_000
	DefaultMaxSupplyChangeBps = 500
	DefaultDampingBps         = 5_000
	DefaultRebalanceInterval  = time.Hour
	DefaultLookbackWindow     = 10 * time.Minute
)

// Normalise applies defaults to zero-valued fields and returns the result.
// It does not validate; callers combine it with Validate when accepting
// external input.
func (p PolicyParams) Normalise() PolicyParams {
	cfg := p
	if cfg.TargetPrice == 0 {
		cfg.TargetPrice = DefaultTargetPrice
	}
	if cfg.DampingBps == 0 {
		cfg.DampingBps = DefaultDampingBps
	}
	if cfg.MaxSupplyChangeBps == 0 {
		cfg.MaxSupplyChangeBps = DefaultMaxSupplyChangeBps
	}
	if cfg.RebalanceInterval <= 0 {
		cfg.RebalanceInterval = DefaultRebalanceInterval
	}
	if cfg.LookbackWindow <= 0 {
		cfg.LookbackWindow = DefaultLookbackWindow
	}
	return cfg
}

// Validate checks every field against its domain.
func (p PolicyParams) Validate() error {
	if p.TargetPrice <= 0 {
		return fmt.Errorf("stability: target price must be positive")
	}
	if p.ToleranceBandBps >= bpsDenom {
		return fmt.Errorf("stability: tolerance band must be below %d bps", bpsDenom)
	}
	if p.ReserveRatioBps > bpsDenom {
		return fmt.Errorf("stability: reserve ratio must not exceed %d bps", bpsDenom)
	}
	if p.MaxSupplyChangeBps > bpsDenom {
		return fmt.Errorf("stability: max supply change must not exceed %d bps", bpsDenom)
	}
	if p.DampingBps == 0 || p.DampingBps > bpsDenom {
		return fmt.Errorf("stability: damping must be in (0, %d] bps", bpsDenom)
	}
	if p.RebalanceInterval <= 0 {
		return fmt.Errorf("stability: rebalance interval must be positive")
	}
	if p.LookbackWindow <= 0 {
		return fmt.Errorf("stability: lookback window must be positive")
	}
	return nil
}

// PolicyUpdate carries a partial policy change. Nil fields keep their
// current values. The whole update is rejected when any supplied field is
// out of domain.
type PolicyUpdate struct {
	TargetPrice        *float64
	ToleranceBandBps   *uint64
	ReserveRatioBps    *uint64
	MaxSupplyChangeBps *uint64
	DampingBps         *uint64
	RebalanceInterval  *time.Duration
	LookbackWindow     *time.Duration
}

// Apply merges the update onto the receiver and validates the result. The
// receiver is unchanged on error.
func (p PolicyParams) Apply(update PolicyUpdate) (PolicyParams, error) {
	merged := p
	if update.TargetPrice != nil {
		merged.TargetPrice = *update.TargetPrice
	}
	if update.ToleranceBandBps != nil {
		merged.ToleranceBandBps = *update.ToleranceBandBps
	}
	if update.ReserveRatioBps != nil {
		merged.ReserveRatioBps = *update.ReserveRatioBps
	}
	if update.MaxSupplyChangeBps != nil {
		merged.MaxSupplyChangeBps = *update.MaxSupplyChangeBps
	}
	if update.DampingBps != nil {
		merged.DampingBps = *update.DampingBps
	}
	if update.RebalanceInterval != nil {
		merged.RebalanceInterval = *update.RebalanceInterval
	}
	if update.LookbackWindow != nil {
		merged.LookbackWindow = *update.LookbackWindow
	}
	if err := merged.Validate(); err != nil {
		return p, err
	}
	return merged, nil
}
