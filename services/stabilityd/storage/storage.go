package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/sqlite"

	"civicoin/native/stability"
)

// Storage wraps the stabilityd persistence layer.
type Storage struct {
	db *sql.DB
}

// ErrPathRequired is returned when the backing store path is missing.
var ErrPathRequired = errors.New("stabilityd storage path must be configured")

const policyID = "default"

// Open initialises the backing store using a sqlite-compatible DSN.
func Open(path string) (*Storage, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close releases database resources.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveSupplyState upserts the single durable ledger snapshot. It satisfies
// stability.StateStore.
func (s *Storage) SaveSupplyState(ctx context.Context, state stability.SupplyState) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	var lastRebalance int64
	if !state.LastRebalance.IsZero() {
		lastRebalance = state.LastRebalance.UTC().Unix()
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO supply_state(id, total_supply, reserve_pool, last_rebalance, sequence, updated_at)
        VALUES(1, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            total_supply = excluded.total_supply,
            reserve_pool = excluded.reserve_pool,
            last_rebalance = excluded.last_rebalance,
            sequence = excluded.sequence,
            updated_at = excluded.updated_at
    `, state.TotalSupply, state.ReservePool, lastRebalance, state.Sequence, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert supply state: %w", err)
	}
	return nil
}

// LoadSupplyState returns the persisted ledger snapshot, reporting whether
// one exists.
func (s *Storage) LoadSupplyState(ctx context.Context) (stability.SupplyState, bool, error) {
	state := stability.SupplyState{}
	if s == nil {
		return state, false, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `
        SELECT total_supply, reserve_pool, last_rebalance, sequence
        FROM supply_state
        WHERE id = 1
    `)
	var lastRebalance int64
	if err := row.Scan(&state.TotalSupply, &state.ReservePool, &lastRebalance, &state.Sequence); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state, false, nil
		}
		return state, false, fmt.Errorf("query supply state: %w", err)
	}
	if lastRebalance > 0 {
		state.LastRebalance = time.Unix(lastRebalance, 0).UTC()
	}
	return state, true, nil
}

// SaveAdjustment persists an executed adjustment. The sequence number is the
// idempotency key, so replays after a crash are silently absorbed. It
// satisfies stability.AdjustmentStore.
func (s *Storage) SaveAdjustment(ctx context.Context, record stability.AdjustmentRecord) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO adjustments(sequence, record_id, action, amount, new_supply, avg_price, deviation, executed_at, recorded_at)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(sequence) DO NOTHING
    `, record.Sequence, record.ID, record.Action.String(), record.Amount, record.NewSupply,
		record.AvgPrice, record.Deviation, record.ExecutedAt.UTC().Unix(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert adjustment: %w", err)
	}
	return nil
}

// ListAdjustments returns up to limit records with sequence strictly above
// the cursor, oldest first.
func (s *Storage) ListAdjustments(ctx context.Context, afterSequence uint64, limit int) ([]stability.AdjustmentRecord, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT sequence, record_id, action, amount, new_supply, avg_price, deviation, executed_at
        FROM adjustments
        WHERE sequence > ?
        ORDER BY sequence ASC
        LIMIT ?
    `, afterSequence, limit)
	if err != nil {
		return nil, fmt.Errorf("query adjustments: %w", err)
	}
	defer rows.Close()
	records := make([]stability.AdjustmentRecord, 0, limit)
	for rows.Next() {
		var record stability.AdjustmentRecord
		var action string
		var executedAt int64
		if err := rows.Scan(&record.Sequence, &record.ID, &action, &record.Amount,
			&record.NewSupply, &record.AvgPrice, &record.Deviation, &executedAt); err != nil {
			return nil, fmt.Errorf("scan adjustment: %w", err)
		}
		record.Action = parseAction(action)
		record.ExecutedAt = time.Unix(executedAt, 0).UTC()
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate adjustments: %w", err)
	}
	return records, nil
}

// RecordPriceSample persists a raw price observation for audit and warm-up.
func (s *Storage) RecordPriceSample(ctx context.Context, pair, source string, point stability.PricePoint) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO price_samples(pair, source, price, volume, confidence, observed_at, recorded_at)
        VALUES(?, ?, ?, ?, ?, ?, ?)
    `, normalisePair(pair), strings.ToLower(strings.TrimSpace(source)), point.Price, point.Volume,
		point.Confidence, point.Timestamp.UTC().Unix(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert price sample: %w", err)
	}
	return nil
}

// RecentPriceSamples returns samples for the pair observed at or after the
// cutoff, oldest first.
func (s *Storage) RecentPriceSamples(ctx context.Context, pair string, cutoff time.Time) ([]stability.PricePoint, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT price, volume, confidence, observed_at
        FROM price_samples
        WHERE pair = ? AND observed_at >= ?
        ORDER BY observed_at ASC
    `, normalisePair(pair), cutoff.UTC().Unix())
	if err != nil {
		return nil, fmt.Errorf("query price samples: %w", err)
	}
	defer rows.Close()
	points := make([]stability.PricePoint, 0)
	for rows.Next() {
		var point stability.PricePoint
		var observedAt int64
		if err := rows.Scan(&point.Price, &point.Volume, &point.Confidence, &observedAt); err != nil {
			return nil, fmt.Errorf("scan price sample: %w", err)
		}
		point.Timestamp = time.Unix(observedAt, 0).UTC()
		points = append(points, point)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate price samples: %w", err)
	}
	return points, nil
}

// PrunePriceSamples removes samples observed before the cutoff.
func (s *Storage) PrunePriceSamples(ctx context.Context, cutoff time.Time) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if _, err := s.db.ExecContext(ctx, `
        DELETE FROM price_samples
        WHERE observed_at < ?
    `, cutoff.UTC().Unix()); err != nil {
		return fmt.Errorf("prune price samples: %w", err)
	}
	return nil
}

// SavePolicy upserts the active policy so restarts pick up admin changes.
func (s *Storage) SavePolicy(ctx context.Context, params stability.PolicyParams) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO stability_policy(id, target_price, tolerance_bps, reserve_ratio_bps, max_change_bps, damping_bps, interval_seconds, window_seconds, updated_at)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            target_price = excluded.target_price,
            tolerance_bps = excluded.tolerance_bps,
            reserve_ratio_bps = excluded.reserve_ratio_bps,
            max_change_bps = excluded.max_change_bps,
            damping_bps = excluded.damping_bps,
            interval_seconds = excluded.interval_seconds,
            window_seconds = excluded.window_seconds,
            updated_at = excluded.updated_at
    `, policyID, params.TargetPrice, params.ToleranceBandBps, params.ReserveRatioBps,
		params.MaxSupplyChangeBps, params.DampingBps,
		int64(params.RebalanceInterval/time.Second), int64(params.LookbackWindow/time.Second),
		time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert policy: %w", err)
	}
	return nil
}

// LoadPolicy returns the persisted policy, reporting whether one exists.
func (s *Storage) LoadPolicy(ctx context.Context) (stability.PolicyParams, bool, error) {
	params := stability.PolicyParams{}
	if s == nil {
		return params, false, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `
        SELECT target_price, tolerance_bps, reserve_ratio_bps, max_change_bps, damping_bps, interval_seconds, window_seconds
        FROM stability_policy
        WHERE id = ?
    `, policyID)
	var intervalSeconds, windowSeconds int64
	if err := row.Scan(&params.TargetPrice, &params.ToleranceBandBps, &params.ReserveRatioBps,
		&params.MaxSupplyChangeBps, &params.DampingBps, &intervalSeconds, &windowSeconds); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return params, false, nil
		}
		return params, false, fmt.Errorf("query policy: %w", err)
	}
	params.RebalanceInterval = time.Duration(intervalSeconds) * time.Second
	params.LookbackWindow = time.Duration(windowSeconds) * time.Second
	return params, true, nil
}

func parseAction(raw string) stability.AdjustmentAction {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "expand":
		return stability.ActionExpand
	case "contract":
		return stability.ActionContract
	default:
		return stability.ActionNone
	}
}

func normalisePair(pair string) string {
	return strings.ToUpper(strings.TrimSpace(pair))
}

const schema = `
CREATE TABLE IF NOT EXISTS supply_state (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    total_supply INTEGER NOT NULL,
    reserve_pool INTEGER NOT NULL,
    last_rebalance INTEGER NOT NULL,
    sequence INTEGER NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS price_samples (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    pair TEXT NOT NULL,
    source TEXT NOT NULL,
    price REAL NOT NULL,
    volume REAL NOT NULL,
    confidence REAL NOT NULL,
    observed_at INTEGER NOT NULL,
    recorded_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_price_samples_pair_ts ON price_samples(pair, observed_at);

CREATE TABLE IF NOT EXISTS adjustments (
    sequence INTEGER PRIMARY KEY,
    record_id TEXT NOT NULL,
    action TEXT NOT NULL,
    amount INTEGER NOT NULL,
    new_supply INTEGER NOT NULL,
    avg_price REAL NOT NULL,
    deviation REAL NOT NULL,
    executed_at INTEGER NOT NULL,
    recorded_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS stability_policy (
    id TEXT PRIMARY KEY,
    target_price REAL NOT NULL,
    tolerance_bps INTEGER NOT NULL,
    reserve_ratio_bps INTEGER NOT NULL,
    max_change_bps INTEGER NOT NULL,
    damping_bps INTEGER NOT NULL,
    interval_seconds INTEGER NOT NULL,
    window_seconds INTEGER NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`
