package rebalancer

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"civicoin/native/stability"
	"civicoin/services/stabilityd/bridge"
)

// Runner drives the policy engine on a fixed cadence and forwards executed
// adjustments to the bridge. The engine enforces the rebalance interval
// itself; the runner cadence only bounds how quickly a newly eligible
// adjustment is noticed.
type Runner struct {
	engine     *stability.Engine
	dispatcher *bridge.Dispatcher
	cadence    time.Duration
	logger     *log.Logger

	mu      sync.Mutex
	pending []stability.AdjustmentRecord
}

// New constructs a runner. A nil dispatcher disables forwarding.
func New(engine *stability.Engine, dispatcher *bridge.Dispatcher, cadence time.Duration, logger *log.Logger) (*Runner, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine required")
	}
	if cadence <= 0 {
		return nil, fmt.Errorf("cadence must be positive")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Runner{engine: engine, dispatcher: dispatcher, cadence: cadence, logger: logger}, nil
}

// Run blocks, evaluating the policy until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	if r == nil {
		return fmt.Errorf("runner not configured")
	}
	ticker := time.NewTicker(r.cadence)
	defer ticker.Stop()
	r.logger.Printf("stabilityd: rebalance loop started, cadence %s", r.cadence)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Tick(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.logger.Printf("stabilityd: rebalance tick: %v", err)
			}
		}
	}
}

// Tick runs a single evaluation cycle. Records whose delivery failed on an
// earlier tick are retried first; the ledger commit is never blocked on the
// bridge.
func (r *Runner) Tick(ctx context.Context) error {
	if err := r.flushPending(ctx); err != nil {
		return err
	}
	result, err := r.engine.Rebalance(ctx)
	if err != nil {
		return err
	}
	if !result.Executed || r.dispatcher == nil {
		return nil
	}
	if err := r.dispatcher.Dispatch(ctx, result.Record); err != nil {
		r.mu.Lock()
		r.pending = append(r.pending, result.Record)
		r.mu.Unlock()
		return err
	}
	return nil
}

func (r *Runner) flushPending(ctx context.Context) error {
	if r.dispatcher == nil {
		return nil
	}
	r.mu.Lock()
	queue := r.pending
	r.pending = nil
	r.mu.Unlock()
	for i, record := range queue {
		if err := r.dispatcher.Dispatch(ctx, record); err != nil {
			r.mu.Lock()
			r.pending = append(queue[i:], r.pending...)
			r.mu.Unlock()
			return err
		}
	}
	return nil
}
