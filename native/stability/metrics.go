package stability

import "math"

// StabilityMetrics is a derived, read-only snapshot of peg health. It is
// recomputed on demand and never persisted as a source of truth.
type StabilityMetrics struct {
	TargetPrice    float64 `json:"targetPrice"`
	CurrentPrice   float64 `json:"currentPrice"`
	Deviation      float64 `json:"deviation"`
	Volatility     float64 `json:"volatility"`
	StabilityScore float64 `json:"stabilityScore"`
}

// Penalty weights for the stability score. Both terms are fractional, so a
// 5% deviation costs 25 points and 5% volatility costs 10.
const (
	deviationPenaltyWeight  = 500.0
	volatilityPenaltyWeight = 200.0
)

func computeMetrics(target, avgPrice, current float64, samples []PricePoint) StabilityMetrics {
	deviation := math.Abs(avgPrice-target) / target
	volatility := computeVolatility(samples)
	return StabilityMetrics{
		TargetPrice:    target,
		CurrentPrice:   current,
		Deviation:      deviation,
		Volatility:     volatility,
		StabilityScore: stabilityScore(deviation, volatility),
	}
}

// computeVolatility returns the standard deviation of consecutive relative
// price changes across the supplied samples. Fewer than three samples carry
// no dispersion information and yield zero.
func computeVolatility(samples []PricePoint) float64 {
	if len(samples) < 3 {
		return 0
	}
	changes := make([]float64, 0, len(samples)-1)
	for i := 1; i < len(samples); i++ {
		prev := samples[i-1].Price
		if prev <= 0 {
			continue
		}
		changes = append(changes, (samples[i].Price-prev)/prev)
	}
	if len(changes) < 2 {
		return 0
	}
	mean := 0.0
	for _, c := range changes {
		mean += c
	}
	mean /= float64(len(changes))
	variance := 0.0
	for _, c := range changes {
		diff := c - mean
		variance += diff * diff
	}
	variance /= float64(len(changes))
	return math.Sqrt(variance)
}

func stabilityScore(deviation, volatility float64) float64 {
	score := 100 - deviationPenaltyWeight*deviation - volatilityPenaltyWeight*volatility
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
