package stability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"civicoin/observability"
)

// Business rule failures surfaced at service boundaries. Ledger operations
// report them as boolean outcomes; these sentinels carry the canonical
// wording.
var (
	ErrInsufficientReserve = errors.New("insufficient reserve")
	ErrExcessiveBurn       = errors.New("burn exceeds circulating supply")
	ErrRebalanceTooSoon    = errors.New("rebalance interval not elapsed")
)

// SupplyState is an exact snapshot of the two ledgers and the scheduler
// bookkeeping, in minor units.
type SupplyState struct {
	TotalSupply   int64
	ReservePool   int64
	LastRebalance time.Time
	Sequence      uint64
}

// AdjustmentRecord describes one executed supply adjustment. Sequence is
// strictly monotonic per engine and doubles as the idempotency key for
// downstream consumers.
type AdjustmentRecord struct {
	ID         string
	Sequence   uint64
	Action     AdjustmentAction
	Amount     int64
	NewSupply  int64
	AvgPrice   float64
	Deviation  float64
	ExecutedAt time.Time
}

// RebalanceResult reports the outcome of a rebalance evaluation. Record is
// populated only when Executed is true. Gated means the interval since the
// previous executed adjustment had not elapsed and nothing was evaluated.
type RebalanceResult struct {
	Record     AdjustmentRecord
	Adjustment SupplyAdjustment
	Executed   bool
	Gated      bool
}

// StateStore persists the supply state snapshot after each mutation.
type StateStore interface {
	SaveSupplyState(ctx context.Context, state SupplyState) error
}

// AdjustmentStore persists executed adjustment records.
type AdjustmentStore interface {
	SaveAdjustment(ctx context.Context, record AdjustmentRecord) error
}

// Engine owns the price history, both ledgers, and the policy parameters. A
// single mutex serialises every operation, so writers never interleave and
// readers see consistent snapshots.
type Engine struct {
	mu            sync.RWMutex
	params        PolicyParams
	history       *PriceHistory
	supply        int64
	reserve       int64
	lastRebalance time.Time
	sequence      uint64
	stateStore    StateStore
	adjStore      AdjustmentStore
	storeCtx      context.Context
	clock         func() time.Time
	metrics       *observability.StabilityEngineMetrics
	tracer        trace.Tracer
}

// NewEngine constructs an Engine with the supplied policy and opening ledger
// balances in minor units. Zero-valued policy fields receive defaults before
// validation.
func NewEngine(params PolicyParams, initialSupply, initialReserve int64) (*Engine, error) {
	cfg := params.Normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if initialSupply < 0 {
		return nil, fmt.Errorf("stability: initial supply must not be negative")
	}
	if initialReserve < 0 {
		return nil, fmt.Errorf("stability: initial reserve must not be negative")
	}
	return &Engine{
		params:   cfg,
		history:  NewPriceHistory(0),
		supply:   initialSupply,
		reserve:  initialReserve,
		storeCtx: context.Background(),
		clock:    time.Now,
		metrics:  observability.Stability(),
		tracer:   otel.Tracer("stability/engine"),
	}, nil
}

// WithClock overrides the engine clock for deterministic tests.
func (e *Engine) WithClock(clock func() time.Time) {
	if clock == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clock = clock
}

// WithStateStore wires durable persistence for the supply state.
func (e *Engine) WithStateStore(store StateStore) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stateStore = store
}

// WithAdjustmentStore wires durable persistence for adjustment records.
func (e *Engine) WithAdjustmentStore(store AdjustmentStore) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.adjStore = store
}

// RestoreSupplyState initialises the ledgers and scheduler bookkeeping from
// persisted state. Call before the engine starts serving.
func (e *Engine) RestoreSupplyState(state SupplyState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if state.TotalSupply >= 0 {
		e.supply = state.TotalSupply
	}
	if state.ReservePool >= 0 {
		e.reserve = state.ReservePool
	}
	e.lastRebalance = state.LastRebalance
	e.sequence = state.Sequence
	e.recordLedgerLocked()
}

// AddPriceData validates and records a price sample.
func (e *Engine) AddPriceData(ctx context.Context, point PricePoint) error {
	if e == nil {
		return fmt.Errorf("stability: engine not initialised")
	}
	start := e.now()
	_, span := e.tracer.Start(ctx, "stability.add_price",
		trace.WithAttributes(attribute.Float64("price", point.Price)))
	defer span.End()
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.history.Record(point); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.metrics.Observe("add_price", e.clock().Sub(start), err)
		return err
	}
	span.SetStatus(codes.Ok, "sample recorded")
	e.metrics.Observe("add_price", e.clock().Sub(start), nil)
	return nil
}

// CurrentPrice returns the most recent sample, or the target price when no
// samples have been recorded.
func (e *Engine) CurrentPrice() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if latest, ok := e.history.Latest(); ok {
		return latest.Price
	}
	return e.params.TargetPrice
}

// AveragePrice returns the mean price over the trailing window, or the
// target price when the window holds no samples. A non-positive window
// averages the whole history.
func (e *Engine) AveragePrice(window time.Duration) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.averagePriceLocked(window)
}

func (e *Engine) averagePriceLocked(window time.Duration) float64 {
	avg, count := e.history.Average(e.clock(), window)
	if count == 0 {
		return e.params.TargetPrice
	}
	return avg
}

// Metrics computes the stability snapshot over the configured lookback
// window.
func (e *Engine) Metrics() StabilityMetrics {
	e.mu.RLock()
	defer e.mu.RUnlock()
	now := e.clock()
	samples := e.history.Window(now, e.params.LookbackWindow)
	avg := e.params.TargetPrice
	if len(samples) > 0 {
		sum := 0.0
		for _, sample := range samples {
			sum += sample.Price
		}
		avg = sum / float64(len(samples))
	}
	current := e.params.TargetPrice
	if latest, ok := e.history.Latest(); ok {
		current = latest.Price
	}
	snapshot := computeMetrics(e.params.TargetPrice, avg, current, samples)
	e.metrics.RecordScore(snapshot.StabilityScore)
	return snapshot
}

// CalculateSupplyAdjustment evaluates the policy against the current window
// without mutating any state.
func (e *Engine) CalculateSupplyAdjustment() SupplyAdjustment {
	e.mu.RLock()
	defer e.mu.RUnlock()
	avg := e.averagePriceLocked(e.params.LookbackWindow)
	return calculateAdjustment(avg, e.params, e.supply, e.reserve)
}

// Rebalance evaluates the policy and, when the tolerance band is breached,
// applies the clamped adjustment to the ledgers. Only executed adjustments
// advance the interval gate, so a run that decides nothing leaves the
// scheduler free to act as soon as conditions change.
func (e *Engine) Rebalance(ctx context.Context) (RebalanceResult, error) {
	if e == nil {
		return RebalanceResult{}, fmt.Errorf("stability: engine not initialised")
	}
	start := e.now()
	ctx, span := e.tracer.Start(ctx, "stability.rebalance")
	defer span.End()
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock()
	if !e.lastRebalance.IsZero() && now.Sub(e.lastRebalance) < e.params.RebalanceInterval {
		span.AddEvent("rebalance gated")
		span.SetStatus(codes.Ok, "gated")
		e.metrics.Observe("rebalance", e.clock().Sub(start), nil)
		return RebalanceResult{Gated: true}, nil
	}
	avg := e.averagePriceLocked(e.params.LookbackWindow)
	adj := calculateAdjustment(avg, e.params, e.supply, e.reserve)
	result := RebalanceResult{Adjustment: adj}
	if adj.Action == ActionNone {
		e.metrics.RecordRebalance(adj.Action.String())
		span.SetStatus(codes.Ok, "within tolerance")
		e.metrics.Observe("rebalance", e.clock().Sub(start), nil)
		return result, nil
	}

	prevSupply := e.supply
	prevReserve := e.reserve
	prevSequence := e.sequence
	prevRebalance := e.lastRebalance

	switch adj.Action {
	case ActionExpand:
		e.supply += adj.Amount
	case ActionContract:
		e.supply -= adj.Amount
		e.reserve -= adj.Amount
	}
	e.sequence++
	e.lastRebalance = now
	record := AdjustmentRecord{
		ID:         uuid.NewString(),
		Sequence:   e.sequence,
		Action:     adj.Action,
		Amount:     adj.Amount,
		NewSupply:  e.supply,
		AvgPrice:   adj.AvgPrice,
		Deviation:  adj.Deviation,
		ExecutedAt: now,
	}
	if err := e.persistAdjustmentLocked(record); err != nil {
		e.supply = prevSupply
		e.reserve = prevReserve
		e.sequence = prevSequence
		e.lastRebalance = prevRebalance
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.metrics.Observe("rebalance", e.clock().Sub(start), err)
		return RebalanceResult{Adjustment: adj}, err
	}
	if err := e.persistStateLocked(); err != nil {
		e.supply = prevSupply
		e.reserve = prevReserve
		e.sequence = prevSequence
		e.lastRebalance = prevRebalance
		if revertErr := e.persistStateLocked(); revertErr != nil {
			slog.Error("stability: revert supply state after persistence failure", "error", revertErr)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.metrics.Observe("rebalance", e.clock().Sub(start), err)
		return RebalanceResult{Adjustment: adj}, err
	}
	result.Record = record
	result.Executed = true
	e.recordLedgerLocked()
	e.metrics.RecordRebalance(adj.Action.String())
	span.SetAttributes(
		attribute.String("action", adj.Action.String()),
		attribute.Int64("amount", adj.Amount),
		attribute.Int64("sequence", int64(record.Sequence)),
	)
	span.SetStatus(codes.Ok, "adjustment executed")
	e.metrics.Observe("rebalance", e.clock().Sub(start), nil)
	slog.InfoContext(ctx, "supply adjustment executed",
		slog.String("action", adj.Action.String()),
		slog.Float64("amount", FromAmountUnits(adj.Amount)),
		slog.Float64("new_supply", FromAmountUnits(e.supply)),
		slog.Float64("avg_price", adj.AvgPrice),
		slog.Uint64("sequence", record.Sequence),
	)
	return result, nil
}

// Mint adds newly issued tokens to the circulating supply. It succeeds for
// any non-negative amount; zero changes nothing.
func (e *Engine) Mint(ctx context.Context, amount int64) error {
	start := e.now()
	_, span := e.tracer.Start(ctx, "stability.mint",
		trace.WithAttributes(attribute.Int64("amount", amount)))
	defer span.End()
	e.mu.Lock()
	defer e.mu.Unlock()
	err := func() error {
		if amount < 0 {
			return fmt.Errorf("stability: mint amount must not be negative")
		}
		// Zero is a no-op success.
		if amount == 0 {
			return nil
		}
		if e.supply > maxInt64-amount {
			return fmt.Errorf("stability: mint would overflow supply")
		}
		prev := e.supply
		e.supply += amount
		if err := e.persistStateLocked(); err != nil {
			e.supply = prev
			return err
		}
		return nil
	}()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		e.recordLedgerLocked()
		span.SetStatus(codes.Ok, "minted")
	}
	e.metrics.Observe("mint", e.clock().Sub(start), err)
	return err
}

// Burn removes tokens from the circulating supply. It succeeds whenever the
// amount does not exceed the supply (zero included); a larger burn is
// refused with ok=false and no state change.
func (e *Engine) Burn(ctx context.Context, amount int64) (bool, error) {
	start := e.now()
	_, span := e.tracer.Start(ctx, "stability.burn",
		trace.WithAttributes(attribute.Int64("amount", amount)))
	defer span.End()
	e.mu.Lock()
	defer e.mu.Unlock()
	if amount < 0 {
		err := fmt.Errorf("stability: burn amount must not be negative")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.metrics.Observe("burn", e.clock().Sub(start), err)
		return false, err
	}
	// A zero burn trivially satisfies amount <= supply and changes nothing.
	if amount == 0 {
		span.SetStatus(codes.Ok, "no-op")
		e.metrics.Observe("burn", e.clock().Sub(start), nil)
		return true, nil
	}
	if amount > e.supply {
		span.AddEvent("burn refused", trace.WithAttributes(attribute.Int64("supply", e.supply)))
		span.SetStatus(codes.Ok, "refused")
		e.metrics.Observe("burn", e.clock().Sub(start), nil)
		return false, nil
	}
	prev := e.supply
	e.supply -= amount
	if err := e.persistStateLocked(); err != nil {
		e.supply = prev
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.metrics.Observe("burn", e.clock().Sub(start), err)
		return false, err
	}
	e.recordLedgerLocked()
	span.SetStatus(codes.Ok, "burned")
	e.metrics.Observe("burn", e.clock().Sub(start), nil)
	return true, nil
}

// AddReserves credits the reserve pool.
func (e *Engine) AddReserves(ctx context.Context, amount int64) error {
	start := e.now()
	_, span := e.tracer.Start(ctx, "stability.add_reserves",
		trace.WithAttributes(attribute.Int64("amount", amount)))
	defer span.End()
	e.mu.Lock()
	defer e.mu.Unlock()
	err := func() error {
		if amount <= 0 {
			return fmt.Errorf("stability: reserve amount must be positive")
		}
		if e.reserve > maxInt64-amount {
			return fmt.Errorf("stability: deposit would overflow reserve")
		}
		prev := e.reserve
		e.reserve += amount
		if err := e.persistStateLocked(); err != nil {
			e.reserve = prev
			return err
		}
		return nil
	}()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		e.recordLedgerLocked()
		span.SetStatus(codes.Ok, "reserves added")
	}
	e.metrics.Observe("add_reserves", e.clock().Sub(start), err)
	return err
}

// RemoveReserves debits the reserve pool. The withdrawal is refused with
// ok=false when the pool cannot cover it or when the remaining reserve would
// breach the minimum ratio against the circulating supply. An empty supply
// imposes no ratio constraint.
func (e *Engine) RemoveReserves(ctx context.Context, amount int64) (bool, error) {
	start := e.now()
	_, span := e.tracer.Start(ctx, "stability.remove_reserves",
		trace.WithAttributes(attribute.Int64("amount", amount)))
	defer span.End()
	e.mu.Lock()
	defer e.mu.Unlock()
	if amount <= 0 {
		err := fmt.Errorf("stability: reserve amount must be positive")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.metrics.Observe("remove_reserves", e.clock().Sub(start), err)
		return false, err
	}
	remaining := e.reserve - amount
	refused := remaining < 0
	if !refused && e.supply > 0 {
		// Required minimum rounds up: rounding to nearest could let the
		// remaining reserve dip below ratio*supply.
		minReserve := mulDivCeil(e.supply, int64(e.params.ReserveRatioBps), bpsDenom)
		refused = remaining < minReserve
	}
	if refused {
		span.AddEvent("withdrawal refused", trace.WithAttributes(attribute.Int64("reserve", e.reserve)))
		span.SetStatus(codes.Ok, "refused")
		e.metrics.Observe("remove_reserves", e.clock().Sub(start), nil)
		return false, nil
	}
	prev := e.reserve
	e.reserve = remaining
	if err := e.persistStateLocked(); err != nil {
		e.reserve = prev
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.metrics.Observe("remove_reserves", e.clock().Sub(start), err)
		return false, err
	}
	e.recordLedgerLocked()
	span.SetStatus(codes.Ok, "reserves removed")
	e.metrics.Observe("remove_reserves", e.clock().Sub(start), nil)
	return true, nil
}

// Params returns a snapshot of the active policy.
func (e *Engine) Params() PolicyParams {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.params
}

// UpdateParams merges a partial policy change. The whole update is rejected
// when any supplied field is out of domain; accepted values apply only to
// computations after the call returns.
func (e *Engine) UpdateParams(update PolicyUpdate) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	merged, err := e.params.Apply(update)
	if err != nil {
		return err
	}
	e.params = merged
	return nil
}

// SupplyState returns an exact snapshot of the ledgers.
func (e *Engine) SupplyState() SupplyState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return SupplyState{
		TotalSupply:   e.supply,
		ReservePool:   e.reserve,
		LastRebalance: e.lastRebalance,
		Sequence:      e.sequence,
	}
}

// ReserveRatio reports reserve/supply as a float, zero when the supply is
// empty.
func (e *Engine) ReserveRatio() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return reserveRatio(e.supply, e.reserve)
}

func reserveRatio(supply, reserve int64) float64 {
	if supply <= 0 {
		return 0
	}
	return float64(reserve) / float64(supply)
}

func (e *Engine) now() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.clock()
}

func (e *Engine) recordLedgerLocked() {
	e.metrics.RecordLedger(
		FromAmountUnits(e.supply),
		FromAmountUnits(e.reserve),
		reserveRatio(e.supply, e.reserve),
	)
}

func (e *Engine) persistStateLocked() error {
	if e.stateStore == nil {
		return nil
	}
	ctx := e.storeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	state := SupplyState{
		TotalSupply:   e.supply,
		ReservePool:   e.reserve,
		LastRebalance: e.lastRebalance,
		Sequence:      e.sequence,
	}
	if err := e.stateStore.SaveSupplyState(ctx, state); err != nil {
		return fmt.Errorf("persist supply state: %w", err)
	}
	return nil
}

func (e *Engine) persistAdjustmentLocked(record AdjustmentRecord) error {
	if e.adjStore == nil {
		return nil
	}
	ctx := e.storeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := e.adjStore.SaveAdjustment(ctx, record); err != nil {
		return fmt.Errorf("persist adjustment: %w", err)
	}
	return nil
}
