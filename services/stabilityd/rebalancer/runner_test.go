package rebalancer

import (
	"context"
	"errors"
	"log"
	"testing"
	"time"

	"civicoin/native/stability"
	"civicoin/services/stabilityd/bridge"
)

const amountScale = int64(1_000_000)

func buildEngine(t *testing.T, base time.Time) (*stability.Engine, *clock) {
	t.Helper()
	params := stability.PolicyParams{ToleranceBandBps: 100, ReserveRatioBps: 2_000}
	engine, err := stability.NewEngine(params, 10_000*amountScale, 2_000*amountScale)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	c := &clock{now: base}
	engine.WithClock(c.Now)
	return engine, c
}

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time { return c.now }

func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func feedAbovePeg(t *testing.T, engine *stability.Engine, base time.Time) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		point := stability.PricePoint{Price: 1.05, Timestamp: base.Add(time.Duration(i) * time.Minute)}
		if err := engine.AddPriceData(ctx, point); err != nil {
			t.Fatalf("add price: %v", err)
		}
	}
}

func TestTickDispatchesExecutedAdjustment(t *testing.T) {
	base := time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC)
	engine, c := buildEngine(t, base)
	feedAbovePeg(t, engine, base)
	c.Advance(2 * time.Minute)

	var dispatched []stability.AdjustmentRecord
	dispatcher := bridge.NewDispatcher(bridge.PublisherFunc(func(ctx context.Context, record stability.AdjustmentRecord) error {
		dispatched = append(dispatched, record)
		return nil
	}))
	runner, err := New(engine, dispatcher, time.Second, log.Default())
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	if err := runner.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(dispatched) != 1 {
		t.Fatalf("expected one dispatch, got %d", len(dispatched))
	}
	if dispatched[0].Action != stability.ActionExpand {
		t.Fatalf("action: %s", dispatched[0].Action)
	}
	// A second tick inside the interval is gated and dispatches nothing.
	if err := runner.Tick(context.Background()); err != nil {
		t.Fatalf("gated tick: %v", err)
	}
	if len(dispatched) != 1 {
		t.Fatalf("gated tick must not dispatch: %d", len(dispatched))
	}
}

func TestTickRetriesFailedDelivery(t *testing.T) {
	base := time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC)
	engine, c := buildEngine(t, base)
	feedAbovePeg(t, engine, base)
	c.Advance(2 * time.Minute)

	fail := true
	delivered := 0
	dispatcher := bridge.NewDispatcher(bridge.PublisherFunc(func(ctx context.Context, record stability.AdjustmentRecord) error {
		if fail {
			return errors.New("bridge down")
		}
		delivered++
		return nil
	}))
	runner, err := New(engine, dispatcher, time.Second, log.Default())
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	if err := runner.Tick(context.Background()); err == nil {
		t.Fatalf("expected delivery failure")
	}
	// The adjustment committed despite the bridge outage.
	if engine.SupplyState().Sequence != 1 {
		t.Fatalf("adjustment must commit before delivery: %+v", engine.SupplyState())
	}
	fail = false
	if err := runner.Tick(context.Background()); err != nil {
		t.Fatalf("retry tick: %v", err)
	}
	if delivered != 1 {
		t.Fatalf("pending record must be retried: delivered=%d", delivered)
	}
}

func TestNewValidation(t *testing.T) {
	base := time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC)
	engine, _ := buildEngine(t, base)
	if _, err := New(nil, nil, time.Second, nil); err == nil {
		t.Fatalf("nil engine must fail")
	}
	if _, err := New(engine, nil, 0, nil); err == nil {
		t.Fatalf("zero cadence must fail")
	}
}
