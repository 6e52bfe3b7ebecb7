package stability

import (
	"errors"
	"time"
)

// Validation failures surfaced when recording price samples.
var (
	ErrInvalidPrice      = errors.New("stability: price must be positive")
	ErrInvalidVolume     = errors.New("stability: volume must not be negative")
	ErrInvalidConfidence = errors.New("stability: confidence must be within [0, 1]")
	ErrMissingTimestamp  = errors.New("stability: timestamp required")
)

// PricePoint is a single observed price sample. Points are immutable once
// recorded.
type PricePoint struct {
	Price      float64
	Timestamp  time.Time
	Volume     float64
	Confidence float64
}

// Validate checks the structural constraints on a sample.
func (p PricePoint) Validate() error {
	if p.Price <= 0 {
		return ErrInvalidPrice
	}
	if p.Volume < 0 {
		return ErrInvalidVolume
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return ErrInvalidConfidence
	}
	if p.Timestamp.IsZero() {
		return ErrMissingTimestamp
	}
	return nil
}

const defaultHistoryCap = 512

// PriceHistory buffers timestamped samples in arrival order with a bounded
// capacity. It is not safe for concurrent use; the owning engine serialises
// access.
type PriceHistory struct {
	samples []PricePoint
	cap     int
}

// NewPriceHistory constructs a buffer holding at most cap samples. A
// non-positive cap selects the default.
func NewPriceHistory(cap int) *PriceHistory {
	if cap <= 0 {
		cap = defaultHistoryCap
	}
	return &PriceHistory{cap: cap}
}

// Record appends a validated sample, evicting the oldest entries beyond the
// capacity.
func (h *PriceHistory) Record(point PricePoint) error {
	if err := point.Validate(); err != nil {
		return err
	}
	point.Timestamp = point.Timestamp.UTC()
	h.samples = append(h.samples, point)
	if len(h.samples) > h.cap {
		h.samples = append([]PricePoint{}, h.samples[len(h.samples)-h.cap:]...)
	}
	return nil
}

// Latest returns the most recently recorded sample.
func (h *PriceHistory) Latest() (PricePoint, bool) {
	if h == nil || len(h.samples) == 0 {
		return PricePoint{}, false
	}
	return h.samples[len(h.samples)-1], true
}

// Len reports the number of buffered samples.
func (h *PriceHistory) Len() int {
	if h == nil {
		return 0
	}
	return len(h.samples)
}

// Window returns the samples whose timestamps fall within [now-window, now],
// in arrival order. A non-positive window returns every buffered sample.
func (h *PriceHistory) Window(now time.Time, window time.Duration) []PricePoint {
	if h == nil || len(h.samples) == 0 {
		return nil
	}
	if window <= 0 {
		return append([]PricePoint{}, h.samples...)
	}
	cutoff := now.Add(-window)
	out := make([]PricePoint, 0, len(h.samples))
	for _, sample := range h.samples {
		if sample.Timestamp.Before(cutoff) || sample.Timestamp.After(now) {
			continue
		}
		out = append(out, sample)
	}
	return out
}

// Average computes the arithmetic mean price over the window, reporting the
// sample count consulted. A count of zero means the window was empty.
func (h *PriceHistory) Average(now time.Time, window time.Duration) (float64, int) {
	samples := h.Window(now, window)
	if len(samples) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, sample := range samples {
		sum += sample.Price
	}
	return sum / float64(len(samples)), len(samples)
}
