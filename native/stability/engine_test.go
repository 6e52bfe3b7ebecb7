package stability

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"
)

type testClock struct {
	now time.Time
}

func newTestClock(base time.Time) *testClock {
	return &testClock{now: base}
}

func (c *testClock) Now() time.Time {
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func buildTestEngine(t *testing.T, base time.Time, params PolicyParams, supply, reserve int64) (*Engine, *testClock) {
	t.Helper()
	engine, err := NewEngine(params, supply, reserve)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	clock := newTestClock(base)
	engine.WithClock(clock.Now)
	return engine, clock
}

type capturingStateStore struct {
	saved  []SupplyState
	failOn int
	calls  int
}

func (s *capturingStateStore) SaveSupplyState(ctx context.Context, state SupplyState) error {
	s.calls++
	if s.failOn > 0 && s.calls >= s.failOn {
		return errors.New("disk full")
	}
	s.saved = append(s.saved, state)
	return nil
}

type capturingAdjustmentStore struct {
	records []AdjustmentRecord
}

func (s *capturingAdjustmentStore) SaveAdjustment(ctx context.Context, record AdjustmentRecord) error {
	s.records = append(s.records, record)
	return nil
}

func TestNewEngineReserveRatio(t *testing.T) {
	base := time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC)
	engine, _ := buildTestEngine(t, base, PolicyParams{}, 10_000*amountScale, 2_000*amountScale)
	if got := engine.ReserveRatio(); math.Abs(got-0.2) > 1e-12 {
		t.Fatalf("reserve ratio: got %v want 0.2", got)
	}
}

func TestCurrentPriceTracksLatestSample(t *testing.T) {
	base := time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC)
	engine, clock := buildTestEngine(t, base, PolicyParams{}, 10_000*amountScale, 2_000*amountScale)
	ctx := context.Background()
	if got := engine.CurrentPrice(); got != DefaultTargetPrice {
		t.Fatalf("empty history must fall back to target: got %v", got)
	}
	if err := engine.AddPriceData(ctx, PricePoint{Price: 1.05, Timestamp: clock.Now()}); err != nil {
		t.Fatalf("add price: %v", err)
	}
	if got := engine.CurrentPrice(); got != 1.05 {
		t.Fatalf("current price: got %v want 1.05", got)
	}
}

func TestAddPriceDataRejectsInvalidSamples(t *testing.T) {
	base := time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC)
	engine, clock := buildTestEngine(t, base, PolicyParams{}, 10_000*amountScale, 2_000*amountScale)
	ctx := context.Background()
	if err := engine.AddPriceData(ctx, PricePoint{Price: -1, Timestamp: clock.Now()}); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice, got %v", err)
	}
	if err := engine.AddPriceData(ctx, PricePoint{Price: 1, Confidence: 2, Timestamp: clock.Now()}); !errors.Is(err, ErrInvalidConfidence) {
		t.Fatalf("expected ErrInvalidConfidence, got %v", err)
	}
}

func TestAveragePriceOverWindow(t *testing.T) {
	base := time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC)
	engine, clock := buildTestEngine(t, base, PolicyParams{}, 10_000*amountScale, 2_000*amountScale)
	ctx := context.Background()
	prices := []float64{1.00, 1.02, 1.04}
	for i, price := range prices {
		point := PricePoint{Price: price, Timestamp: base.Add(time.Duration(i) * time.Minute)}
		if err := engine.AddPriceData(ctx, point); err != nil {
			t.Fatalf("add price: %v", err)
		}
	}
	clock.Advance(2 * time.Minute)
	if got := engine.AveragePrice(10 * time.Minute); math.Abs(got-1.02) > 1e-9 {
		t.Fatalf("average: got %v want 1.02", got)
	}
	// Nothing inside a stale window: fall back to target.
	clock.Advance(24 * time.Hour)
	if got := engine.AveragePrice(time.Minute); got != DefaultTargetPrice {
		t.Fatalf("stale window must fall back to target: got %v", got)
	}
}

func TestRebalanceExpandsAbovePeg(t *testing.T) {
	base := time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC)
	params := PolicyParams{ToleranceBandBps: 100, ReserveRatioBps: 2_000}
	engine, clock := buildTestEngine(t, base, params, 10_000*amountScale, 2_000*amountScale)
	states := &capturingStateStore{}
	adjustments := &capturingAdjustmentStore{}
	engine.WithStateStore(states)
	engine.WithAdjustmentStore(adjustments)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		point := PricePoint{Price: 1.05, Timestamp: base.Add(time.Duration(i) * time.Minute)}
		if err := engine.AddPriceData(ctx, point); err != nil {
			t.Fatalf("add price: %v", err)
		}
	}
	clock.Advance(2 * time.Minute)
	result, err := engine.Rebalance(ctx)
	if err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	if !result.Executed || result.Gated {
		t.Fatalf("expected executed adjustment: %+v", result)
	}
	if result.Record.Action != ActionExpand {
		t.Fatalf("action: got %s want expand", result.Record.Action)
	}
	if result.Record.Sequence != 1 {
		t.Fatalf("sequence: got %d want 1", result.Record.Sequence)
	}
	if result.Record.ID == "" {
		t.Fatalf("record must carry an identifier")
	}
	state := engine.SupplyState()
	if state.TotalSupply != result.Record.NewSupply {
		t.Fatalf("supply mismatch: state=%d record=%d", state.TotalSupply, result.Record.NewSupply)
	}
	if state.ReservePool != 2_000*amountScale {
		t.Fatalf("expansion must not touch the reserve: %d", state.ReservePool)
	}
	if len(adjustments.records) != 1 || len(states.saved) == 0 {
		t.Fatalf("persistence not invoked: adjustments=%d states=%d", len(adjustments.records), len(states.saved))
	}
}

func TestRebalanceContractionSpendsReserve(t *testing.T) {
	base := time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC)
	params := PolicyParams{ToleranceBandBps: 100, ReserveRatioBps: 2_000}
	supply := int64(10_000) * amountScale
	reserve := int64(5_000) * amountScale
	engine, clock := buildTestEngine(t, base, params, supply, reserve)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		point := PricePoint{Price: 0.95, Timestamp: base.Add(time.Duration(i) * time.Minute)}
		if err := engine.AddPriceData(ctx, point); err != nil {
			t.Fatalf("add price: %v", err)
		}
	}
	clock.Advance(2 * time.Minute)
	result, err := engine.Rebalance(ctx)
	if err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	if result.Record.Action != ActionContract {
		t.Fatalf("action: got %s want contract", result.Record.Action)
	}
	state := engine.SupplyState()
	if state.TotalSupply != supply-result.Record.Amount {
		t.Fatalf("supply: got %d", state.TotalSupply)
	}
	if state.ReservePool != reserve-result.Record.Amount {
		t.Fatalf("buy-back must spend reserve: got %d", state.ReservePool)
	}
	if float64(state.ReservePool)/float64(state.TotalSupply) < 0.2 {
		t.Fatalf("reserve ratio breached after contraction")
	}
}

func TestRebalanceGatedWithinInterval(t *testing.T) {
	base := time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC)
	params := PolicyParams{ToleranceBandBps: 100, ReserveRatioBps: 2_000, RebalanceInterval: time.Hour}
	engine, clock := buildTestEngine(t, base, params, 10_000*amountScale, 2_000*amountScale)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		point := PricePoint{Price: 1.05, Timestamp: base.Add(time.Duration(i) * time.Minute)}
		if err := engine.AddPriceData(ctx, point); err != nil {
			t.Fatalf("add price: %v", err)
		}
	}
	clock.Advance(2 * time.Minute)
	first, err := engine.Rebalance(ctx)
	if err != nil || !first.Executed {
		t.Fatalf("first rebalance: executed=%v err=%v", first.Executed, err)
	}
	before := engine.SupplyState()
	second, err := engine.Rebalance(ctx)
	if err != nil {
		t.Fatalf("second rebalance: %v", err)
	}
	if !second.Gated || second.Executed {
		t.Fatalf("second call within interval must gate: %+v", second)
	}
	if after := engine.SupplyState(); after != before {
		t.Fatalf("gated rebalance mutated state: before=%+v after=%+v", before, after)
	}
	// After the interval elapses the gate opens again.
	clock.Advance(time.Hour)
	point := PricePoint{Price: 1.05, Timestamp: clock.Now()}
	if err := engine.AddPriceData(ctx, point); err != nil {
		t.Fatalf("add price: %v", err)
	}
	third, err := engine.Rebalance(ctx)
	if err != nil {
		t.Fatalf("third rebalance: %v", err)
	}
	if third.Gated {
		t.Fatalf("gate must open after the interval")
	}
}

func TestRebalanceNoneDoesNotAdvanceGate(t *testing.T) {
	base := time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC)
	params := PolicyParams{ToleranceBandBps: 500, ReserveRatioBps: 2_000}
	engine, clock := buildTestEngine(t, base, params, 10_000*amountScale, 2_000*amountScale)
	ctx := context.Background()
	point := PricePoint{Price: 1.02, Timestamp: base}
	if err := engine.AddPriceData(ctx, point); err != nil {
		t.Fatalf("add price: %v", err)
	}
	result, err := engine.Rebalance(ctx)
	if err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	if result.Executed || result.Gated || result.Adjustment.Action != ActionNone {
		t.Fatalf("expected a free none outcome: %+v", result)
	}
	if state := engine.SupplyState(); !state.LastRebalance.IsZero() || state.Sequence != 0 {
		t.Fatalf("none outcome must not advance the gate: %+v", state)
	}
	// A decisive sample right after is acted on immediately.
	clock.Advance(time.Second)
	if err := engine.AddPriceData(ctx, PricePoint{Price: 1.10, Timestamp: clock.Now()}); err != nil {
		t.Fatalf("add price: %v", err)
	}
	next, err := engine.Rebalance(ctx)
	if err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	if !next.Executed {
		t.Fatalf("expected immediate execution after none: %+v", next)
	}
}

func TestBurnBoundaries(t *testing.T) {
	base := time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC)
	supply := int64(1_000) * amountScale
	engine, _ := buildTestEngine(t, base, PolicyParams{}, supply, 0)
	ctx := context.Background()
	ok, err := engine.Burn(ctx, supply+1)
	if err != nil {
		t.Fatalf("burn: %v", err)
	}
	if ok {
		t.Fatalf("burn beyond supply must be refused")
	}
	if engine.SupplyState().TotalSupply != supply {
		t.Fatalf("refused burn mutated supply")
	}
	ok, err = engine.Burn(ctx, supply)
	if err != nil || !ok {
		t.Fatalf("full burn: ok=%v err=%v", ok, err)
	}
	if engine.SupplyState().TotalSupply != 0 {
		t.Fatalf("supply after full burn: %d", engine.SupplyState().TotalSupply)
	}
	// Zero satisfies amount <= supply, so it succeeds as a no-op.
	ok, err = engine.Burn(ctx, 0)
	if err != nil || !ok {
		t.Fatalf("zero burn must be a no-op success: ok=%v err=%v", ok, err)
	}
	if _, err := engine.Burn(ctx, -1); err == nil {
		t.Fatalf("negative burn must be a validation error")
	}
}

func TestMintZeroIsNoOp(t *testing.T) {
	base := time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC)
	supply := int64(1_000) * amountScale
	engine, _ := buildTestEngine(t, base, PolicyParams{}, supply, 0)
	states := &capturingStateStore{}
	engine.WithStateStore(states)
	ctx := context.Background()
	if err := engine.Mint(ctx, 0); err != nil {
		t.Fatalf("zero mint must succeed: %v", err)
	}
	if engine.SupplyState().TotalSupply != supply {
		t.Fatalf("zero mint mutated supply: %d", engine.SupplyState().TotalSupply)
	}
	if len(states.saved) != 0 {
		t.Fatalf("zero mint must not persist: %d", len(states.saved))
	}
	if err := engine.Mint(ctx, -1); err == nil {
		t.Fatalf("negative mint must be a validation error")
	}
}

func TestRemoveReservesHonoursRatioFloor(t *testing.T) {
	base := time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC)
	params := PolicyParams{ReserveRatioBps: 3_000}
	supply := int64(10_000) * amountScale
	reserve := int64(3_000) * amountScale
	engine, _ := buildTestEngine(t, base, params, supply, reserve)
	ctx := context.Background()
	ok, err := engine.RemoveReserves(ctx, 100*amountScale)
	if err != nil {
		t.Fatalf("remove reserves: %v", err)
	}
	if ok {
		t.Fatalf("withdrawal at the ratio floor must be refused")
	}
	if engine.SupplyState().ReservePool != reserve {
		t.Fatalf("refused withdrawal mutated reserve: %d", engine.SupplyState().ReservePool)
	}
	if err := engine.AddReserves(ctx, 500*amountScale); err != nil {
		t.Fatalf("add reserves: %v", err)
	}
	ok, err = engine.RemoveReserves(ctx, 500*amountScale)
	if err != nil || !ok {
		t.Fatalf("withdrawal above the floor: ok=%v err=%v", ok, err)
	}
	if engine.SupplyState().ReservePool != reserve {
		t.Fatalf("reserve after round trip: %d", engine.SupplyState().ReservePool)
	}
}

func TestRemoveReservesFloorRoundsUp(t *testing.T) {
	base := time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC)
	params := PolicyParams{ReserveRatioBps: 1_111}
	engine, _ := buildTestEngine(t, base, params, 3, 2)
	ctx := context.Background()
	// The exact minimum is 3*1111/10000 = 0.3333 units. Rounding to
	// nearest would accept a remaining reserve of zero.
	ok, err := engine.RemoveReserves(ctx, 2)
	if err != nil {
		t.Fatalf("remove reserves: %v", err)
	}
	if ok {
		t.Fatalf("withdrawal below the rounded-up minimum must be refused")
	}
	if engine.SupplyState().ReservePool != 2 {
		t.Fatalf("refused withdrawal mutated reserve: %d", engine.SupplyState().ReservePool)
	}
	ok, err = engine.RemoveReserves(ctx, 1)
	if err != nil || !ok {
		t.Fatalf("withdrawal leaving the minimum: ok=%v err=%v", ok, err)
	}
	state := engine.SupplyState()
	if state.ReservePool*bpsDenom < int64(params.ReserveRatioBps)*state.TotalSupply {
		t.Fatalf("ratio floor breached: %+v", state)
	}
}

func TestRemoveReservesWithEmptySupply(t *testing.T) {
	base := time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC)
	params := PolicyParams{ReserveRatioBps: 3_000}
	engine, _ := buildTestEngine(t, base, params, 0, 1_000*amountScale)
	ctx := context.Background()
	ok, err := engine.RemoveReserves(ctx, 1_000*amountScale)
	if err != nil || !ok {
		t.Fatalf("empty supply imposes no ratio constraint: ok=%v err=%v", ok, err)
	}
}

func TestMintPersistenceFailureReverts(t *testing.T) {
	base := time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC)
	supply := int64(1_000) * amountScale
	engine, _ := buildTestEngine(t, base, PolicyParams{}, supply, 0)
	engine.WithStateStore(&capturingStateStore{failOn: 1})
	ctx := context.Background()
	if err := engine.Mint(ctx, 100*amountScale); err == nil {
		t.Fatalf("expected persistence failure")
	}
	if engine.SupplyState().TotalSupply != supply {
		t.Fatalf("failed mint mutated supply: %d", engine.SupplyState().TotalSupply)
	}
}

func TestRestoreSupplyState(t *testing.T) {
	base := time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC)
	engine, clock := buildTestEngine(t, base, PolicyParams{ToleranceBandBps: 100}, 0, 0)
	restored := SupplyState{
		TotalSupply:   10_000 * amountScale,
		ReservePool:   2_000 * amountScale,
		LastRebalance: base.Add(-time.Minute),
		Sequence:      7,
	}
	engine.RestoreSupplyState(restored)
	if state := engine.SupplyState(); state != restored {
		t.Fatalf("restore mismatch: %+v", state)
	}
	// The restored rebalance instant keeps the gate closed.
	ctx := context.Background()
	if err := engine.AddPriceData(ctx, PricePoint{Price: 1.10, Timestamp: clock.Now()}); err != nil {
		t.Fatalf("add price: %v", err)
	}
	result, err := engine.Rebalance(ctx)
	if err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	if !result.Gated {
		t.Fatalf("restart must not double-adjust: %+v", result)
	}
}

func TestUpdateParamsRejectionKeepsPolicy(t *testing.T) {
	base := time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC)
	engine, _ := buildTestEngine(t, base, PolicyParams{}, 1_000*amountScale, 0)
	before := engine.Params()
	bad := uint64(bpsDenom)
	if err := engine.UpdateParams(PolicyUpdate{ToleranceBandBps: &bad}); err == nil {
		t.Fatalf("expected rejection")
	}
	if engine.Params() != before {
		t.Fatalf("rejected update mutated policy")
	}
	target := 1.10
	if err := engine.UpdateParams(PolicyUpdate{TargetPrice: &target}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if engine.Params().TargetPrice != target {
		t.Fatalf("accepted update not applied")
	}
}

func TestMetricsSnapshot(t *testing.T) {
	base := time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC)
	engine, clock := buildTestEngine(t, base, PolicyParams{}, 10_000*amountScale, 2_000*amountScale)
	ctx := context.Background()
	snapshot := engine.Metrics()
	if snapshot.StabilityScore != 100 || snapshot.Deviation != 0 {
		t.Fatalf("empty history must score a perfect peg: %+v", snapshot)
	}
	for i, price := range []float64{1.00, 1.10, 1.00, 1.10} {
		point := PricePoint{Price: price, Timestamp: base.Add(time.Duration(i) * time.Minute)}
		if err := engine.AddPriceData(ctx, point); err != nil {
			t.Fatalf("add price: %v", err)
		}
	}
	clock.Advance(3 * time.Minute)
	snapshot = engine.Metrics()
	if snapshot.Volatility <= 0 {
		t.Fatalf("oscillating prices must register volatility: %+v", snapshot)
	}
	if snapshot.StabilityScore >= 100 {
		t.Fatalf("score must reflect deviation and volatility: %+v", snapshot)
	}
	if snapshot.CurrentPrice != 1.10 {
		t.Fatalf("current price: got %v", snapshot.CurrentPrice)
	}
}
