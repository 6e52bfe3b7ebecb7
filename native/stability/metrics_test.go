package stability

import (
	"math"
	"testing"
	"time"
)

func samplesFromPrices(base time.Time, prices ...float64) []PricePoint {
	out := make([]PricePoint, 0, len(prices))
	for i, price := range prices {
		out = append(out, PricePoint{Price: price, Timestamp: base.Add(time.Duration(i) * time.Minute)})
	}
	return out
}

func TestVolatilityRequiresThreeSamples(t *testing.T) {
	base := time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC)
	if v := computeVolatility(nil); v != 0 {
		t.Fatalf("nil samples: got %v", v)
	}
	if v := computeVolatility(samplesFromPrices(base, 1.0, 1.2)); v != 0 {
		t.Fatalf("two samples: got %v", v)
	}
}

func TestVolatilityZeroForConstantPrices(t *testing.T) {
	base := time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC)
	if v := computeVolatility(samplesFromPrices(base, 1.0, 1.0, 1.0, 1.0)); v != 0 {
		t.Fatalf("constant prices: got %v", v)
	}
}

func TestVolatilityMatchesStddevOfRelativeChanges(t *testing.T) {
	base := time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC)
	// Changes: +10%, then -10%/1.1. Mean and population stddev computed by hand.
	samples := samplesFromPrices(base, 1.0, 1.1, 1.0)
	changes := []float64{0.1, (1.0 - 1.1) / 1.1}
	mean := (changes[0] + changes[1]) / 2
	variance := (math.Pow(changes[0]-mean, 2) + math.Pow(changes[1]-mean, 2)) / 2
	want := math.Sqrt(variance)
	if got := computeVolatility(samples); math.Abs(got-want) > 1e-12 {
		t.Fatalf("volatility: got %v want %v", got, want)
	}
}

func TestStabilityScoreClamps(t *testing.T) {
	if got := stabilityScore(0, 0); got != 100 {
		t.Fatalf("perfect peg: got %v", got)
	}
	if got := stabilityScore(1, 1); got != 0 {
		t.Fatalf("score must clamp at zero: got %v", got)
	}
	got := stabilityScore(0.05, 0.02)
	want := 100 - 500*0.05 - 200*0.02
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("score: got %v want %v", got, want)
	}
}

func TestComputeMetricsSnapshot(t *testing.T) {
	base := time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC)
	samples := samplesFromPrices(base, 1.02, 1.04, 1.06)
	snapshot := computeMetrics(1.0, 1.04, 1.06, samples)
	if math.Abs(snapshot.Deviation-0.04) > 1e-9 {
		t.Fatalf("deviation: got %v", snapshot.Deviation)
	}
	if snapshot.CurrentPrice != 1.06 || snapshot.TargetPrice != 1.0 {
		t.Fatalf("snapshot fields: %+v", snapshot)
	}
	if snapshot.StabilityScore <= 0 || snapshot.StabilityScore >= 100 {
		t.Fatalf("score out of expected range: %v", snapshot.StabilityScore)
	}
}
