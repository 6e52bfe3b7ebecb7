package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	stabilityMetricsOnce sync.Once
	stabilityRegistry    *StabilityEngineMetrics

	oracleMetricsOnce sync.Once
	oracleRegistry    *OracleFeedMetrics
)

// StabilityEngineMetrics captures metrics for monetary policy operations and
// the ledger state they act on.
type StabilityEngineMetrics struct {
	requests     *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	errors       *prometheus.CounterVec
	supply       prometheus.Gauge
	reserve      prometheus.Gauge
	reserveRatio prometheus.Gauge
	score        prometheus.Gauge
	rebalances   *prometheus.CounterVec
}

// Stability returns the singleton metrics registry for the policy engine.
func Stability() *StabilityEngineMetrics {
	stabilityMetricsOnce.Do(func() {
		stabilityRegistry = &StabilityEngineMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "civicoin",
				Subsystem: "stability",
				Name:      "requests_total",
				Help:      "Count of policy engine operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "civicoin",
				Subsystem: "stability",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for policy engine operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "civicoin",
				Subsystem: "stability",
				Name:      "errors_total",
				Help:      "Count of policy engine failures segmented by operation and reason.",
			}, []string{"operation", "reason"}),
			supply: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "civicoin",
				Subsystem: "stability",
				Name:      "total_supply",
				Help:      "Circulating token supply in whole tokens.",
			}),
			reserve: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "civicoin",
				Subsystem: "stability",
				Name:      "reserve_pool",
				Help:      "Reserve pool balance in whole tokens.",
			}),
			reserveRatio: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "civicoin",
				Subsystem: "stability",
				Name:      "reserve_ratio",
				Help:      "Reserve pool divided by circulating supply (0 when supply is empty).",
			}),
			score: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "civicoin",
				Subsystem: "stability",
				Name:      "stability_score",
				Help:      "Composite peg health score on a 0-100 scale.",
			}),
			rebalances: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "civicoin",
				Subsystem: "stability",
				Name:      "rebalances_total",
				Help:      "Count of rebalance evaluations segmented by resulting action.",
			}, []string{"action"}),
		}
		prometheus.MustRegister(
			stabilityRegistry.requests,
			stabilityRegistry.latency,
			stabilityRegistry.errors,
			stabilityRegistry.supply,
			stabilityRegistry.reserve,
			stabilityRegistry.reserveRatio,
			stabilityRegistry.score,
			stabilityRegistry.rebalances,
		)
	})
	return stabilityRegistry
}

// Observe records the execution metrics for a policy engine operation.
func (m *StabilityEngineMetrics) Observe(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
		reason := strings.TrimSpace(err.Error())
		if reason == "" {
			reason = "unknown"
		}
		m.errors.WithLabelValues(op, reason).Inc()
	}
	m.requests.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordLedger updates the supply, reserve, and ratio gauges.
func (m *StabilityEngineMetrics) RecordLedger(supply, reserve, ratio float64) {
	if m == nil {
		return
	}
	m.supply.Set(supply)
	m.reserve.Set(reserve)
	m.reserveRatio.Set(ratio)
}

// RecordScore updates the stability score gauge.
func (m *StabilityEngineMetrics) RecordScore(score float64) {
	if m == nil {
		return
	}
	m.score.Set(score)
}

// RecordRebalance increments the rebalance counter for the action taken.
// Actions should be stable strings such as "expand", "contract", or "none"
// so dashboards remain consistent.
func (m *StabilityEngineMetrics) RecordRebalance(action string) {
	if m == nil {
		return
	}
	if action = strings.TrimSpace(action); action == "" {
		action = "none"
	}
	m.rebalances.WithLabelValues(action).Inc()
}

// OracleFeedMetrics bundles collectors for oracle polling and freshness
// tracking.
type OracleFeedMetrics struct {
	fetches   *prometheus.CounterVec
	freshness *prometheus.GaugeVec
	quorum    prometheus.Gauge
	price     *prometheus.GaugeVec
}

// OracleFeed returns the metrics registry for the price feed manager.
func OracleFeed() *OracleFeedMetrics {
	oracleMetricsOnce.Do(func() {
		oracleRegistry = &OracleFeedMetrics{
			fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "civicoin",
				Subsystem: "oracle",
				Name:      "fetches_total",
				Help:      "Count of source fetch attempts segmented by source and outcome.",
			}, []string{"source", "outcome"}),
			freshness: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "civicoin",
				Subsystem: "oracle",
				Name:      "feed_freshness_seconds",
				Help:      "Age in seconds of the most recent accepted quote per source.",
			}, []string{"source"}),
			quorum: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "civicoin",
				Subsystem: "oracle",
				Name:      "quorum_feeds",
				Help:      "Number of feeds contributing to the most recent aggregate.",
			}),
			price: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "civicoin",
				Subsystem: "oracle",
				Name:      "pair_price",
				Help:      "Most recent aggregated price per trading pair.",
			}, []string{"pair"}),
		}
		prometheus.MustRegister(
			oracleRegistry.fetches,
			oracleRegistry.freshness,
			oracleRegistry.quorum,
			oracleRegistry.price,
		)
	})
	return oracleRegistry
}

// RecordFetch increments the fetch counter for the supplied source.
func (m *OracleFeedMetrics) RecordFetch(source string, err error) {
	if m == nil {
		return
	}
	if source = strings.TrimSpace(source); source == "" {
		source = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.fetches.WithLabelValues(source, outcome).Inc()
}

// RecordFreshness records the observed quote age for a source.
func (m *OracleFeedMetrics) RecordFreshness(source string, age time.Duration) {
	if m == nil {
		return
	}
	if source = strings.TrimSpace(source); source == "" {
		source = "unknown"
	}
	seconds := age.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.freshness.WithLabelValues(source).Set(seconds)
}

// RecordAggregate records the quorum size and aggregated price for a pair.
func (m *OracleFeedMetrics) RecordAggregate(pair string, feeds int, price float64) {
	if m == nil {
		return
	}
	if pair = strings.TrimSpace(pair); pair == "" {
		pair = "unknown"
	}
	m.quorum.Set(float64(feeds))
	m.price.WithLabelValues(strings.ToUpper(pair)).Set(price)
}
