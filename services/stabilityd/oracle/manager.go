package oracle

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"civicoin/native/stability"
	"civicoin/observability"
)

// Quote is a single price observation from an upstream feed.
type Quote struct {
	Rate      *big.Rat
	Volume    float64
	Timestamp time.Time
}

// Source resolves a price quote for a currency pair.
type Source interface {
	Name() string
	Fetch(ctx context.Context, base, quote string) (Quote, error)
}

// Ingestor consumes aggregated price points.
type Ingestor interface {
	AddPriceData(ctx context.Context, point stability.PricePoint) error
}

// SampleStore persists raw per-source observations for audit and warm-up.
type SampleStore interface {
	RecordPriceSample(ctx context.Context, pair, source string, point stability.PricePoint) error
}

// Pair identifies a base/quote pair.
type Pair struct {
	Base  string
	Quote string
}

func (p Pair) String() string {
	return strings.ToUpper(strings.TrimSpace(p.Base)) + "/" + strings.ToUpper(strings.TrimSpace(p.Quote))
}

// Manager orchestrates periodic aggregation across configured sources. Each
// cycle fetches every source, filters stale or invalid quotes, and feeds the
// median into the policy engine with a confidence proportional to the number
// of contributing feeds.
type Manager struct {
	logger   *log.Logger
	engine   Ingestor
	samples  SampleStore
	sources  []Source
	pair     Pair
	minFeeds int
	maxAge   time.Duration
	interval time.Duration
	metrics  *observability.OracleFeedMetrics
	clock    func() time.Time
	once     sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger installs a custom logger.
func WithLogger(l *log.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithClock overrides the manager clock for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// New constructs a manager instance.
func New(engine Ingestor, samples SampleStore, sources []Source, pair Pair, interval, maxAge time.Duration, minFeeds int, opts ...Option) (*Manager, error) {
	if engine == nil {
		return nil, fmt.Errorf("ingestor required")
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("at least one source required")
	}
	if strings.TrimSpace(pair.Base) == "" || strings.TrimSpace(pair.Quote) == "" {
		return nil, fmt.Errorf("pair must be configured")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}
	if maxAge <= 0 {
		maxAge = time.Minute
	}
	if minFeeds <= 0 {
		minFeeds = 1
	}
	mgr := &Manager{
		logger:   log.Default(),
		engine:   engine,
		samples:  samples,
		sources:  append([]Source{}, sources...),
		pair:     pair,
		interval: interval,
		maxAge:   maxAge,
		minFeeds: minFeeds,
		metrics:  observability.OracleFeed(),
		clock:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(mgr)
		}
	}
	return mgr, nil
}

// Run blocks, periodically polling upstream feeds until the context is
// cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if m == nil {
		return fmt.Errorf("manager not configured")
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.once.Do(func() {
		m.logger.Printf("stabilityd: oracle manager started with %d sources", len(m.sources))
	})
	for {
		if err := m.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Printf("stabilityd: tick error: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick performs a single aggregation cycle.
func (m *Manager) Tick(ctx context.Context) error {
	if m == nil {
		return fmt.Errorf("manager not configured")
	}
	base := strings.TrimSpace(m.pair.Base)
	quote := strings.TrimSpace(m.pair.Quote)
	now := m.clock()
	rates := make([]*big.Rat, 0, len(m.sources))
	volume := 0.0
	for _, src := range m.sources {
		if src == nil {
			continue
		}
		observed, err := src.Fetch(ctx, base, quote)
		m.metrics.RecordFetch(src.Name(), err)
		if err != nil {
			m.logger.Printf("stabilityd: source %s failed for %s/%s: %v", src.Name(), base, quote, err)
			continue
		}
		if observed.Rate == nil || observed.Rate.Sign() <= 0 {
			m.logger.Printf("stabilityd: source %s returned invalid rate", src.Name())
			continue
		}
		if observed.Timestamp.After(now.Add(5 * time.Second)) {
			m.logger.Printf("stabilityd: source %s produced future timestamp", src.Name())
			continue
		}
		if m.maxAge > 0 && observed.Timestamp.Before(now.Add(-m.maxAge)) {
			m.logger.Printf("stabilityd: source %s quote expired", src.Name())
			continue
		}
		m.metrics.RecordFreshness(src.Name(), now.Sub(observed.Timestamp))
		rates = append(rates, new(big.Rat).Set(observed.Rate))
		if observed.Volume > 0 {
			volume += observed.Volume
		}
		if m.samples != nil {
			price, _ := observed.Rate.Float64()
			sample := stability.PricePoint{
				Price:      price,
				Timestamp:  observed.Timestamp,
				Volume:     observed.Volume,
				Confidence: 1,
			}
			if err := m.samples.RecordPriceSample(ctx, m.pair.String(), src.Name(), sample); err != nil {
				m.logger.Printf("stabilityd: record sample: %v", err)
			}
		}
	}
	if len(rates) < m.minFeeds {
		return fmt.Errorf("insufficient oracle feeds for %s/%s: %d of %d", base, quote, len(rates), m.minFeeds)
	}
	median := computeMedian(rates)
	if median == nil || median.Sign() <= 0 {
		return fmt.Errorf("median computation failed for %s/%s", base, quote)
	}
	price, _ := median.Float64()
	point := stability.PricePoint{
		Price:      price,
		Timestamp:  now,
		Volume:     volume,
		Confidence: float64(len(rates)) / float64(len(m.sources)),
	}
	if err := m.engine.AddPriceData(ctx, point); err != nil {
		return fmt.Errorf("ingest aggregate: %w", err)
	}
	m.metrics.RecordAggregate(m.pair.String(), len(rates), price)
	return nil
}

func computeMedian(rates []*big.Rat) *big.Rat {
	if len(rates) == 0 {
		return nil
	}
	sorted := make([]*big.Rat, 0, len(rates))
	for _, r := range rates {
		if r == nil {
			continue
		}
		sorted = append(sorted, new(big.Rat).Set(r))
	}
	if len(sorted) == 0 {
		return nil
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Cmp(sorted[j]) < 0
	})
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return new(big.Rat).Set(sorted[mid])
	}
	sum := new(big.Rat).Add(sorted[mid-1], sorted[mid])
	return sum.Quo(sum, big.NewRat(2, 1))
}
