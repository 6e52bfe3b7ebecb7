package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"civicoin/native/stability"
)

// Publisher forwards executed supply adjustments to an external consumer,
// typically the on-chain execution side.
type Publisher interface {
	PublishAdjustment(ctx context.Context, record stability.AdjustmentRecord) error
}

// PublisherFunc adapts ordinary functions to Publisher.
type PublisherFunc func(ctx context.Context, record stability.AdjustmentRecord) error

// PublishAdjustment implements Publisher.
func (f PublisherFunc) PublishAdjustment(ctx context.Context, record stability.AdjustmentRecord) error {
	if f == nil {
		return nil
	}
	return f(ctx, record)
}

// Dispatcher wraps a Publisher with at-most-once delivery per sequence
// number. Replays after a crash or a scheduler/admin race hit the same
// sequence and are dropped instead of double-publishing.
type Dispatcher struct {
	mu        sync.Mutex
	publisher Publisher
	delivered map[uint64]struct{}
	highest   uint64
}

// NewDispatcher constructs a dispatcher over the supplied publisher. A nil
// publisher yields a dispatcher that records sequences and publishes
// nothing.
func NewDispatcher(publisher Publisher) *Dispatcher {
	if publisher == nil {
		publisher = PublisherFunc(func(context.Context, stability.AdjustmentRecord) error { return nil })
	}
	return &Dispatcher{
		publisher: publisher,
		delivered: make(map[uint64]struct{}),
	}
}

// Prime marks every sequence at or below the supplied value as already
// delivered. Call on boot with the persisted sequence so a restart does not
// republish history.
func (d *Dispatcher) Prime(sequence uint64) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if sequence > d.highest {
		d.highest = sequence
	}
}

// Dispatch publishes the record unless its sequence was already delivered.
// The sequence is marked delivered only after the publisher succeeds, so a
// failed delivery is retried on the next dispatch.
func (d *Dispatcher) Dispatch(ctx context.Context, record stability.AdjustmentRecord) error {
	if d == nil {
		return fmt.Errorf("dispatcher not configured")
	}
	d.mu.Lock()
	if record.Sequence <= d.highest {
		d.mu.Unlock()
		return nil
	}
	if _, seen := d.delivered[record.Sequence]; seen {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()
	if err := d.publisher.PublishAdjustment(ctx, record); err != nil {
		return fmt.Errorf("publish adjustment %d: %w", record.Sequence, err)
	}
	d.mu.Lock()
	d.delivered[record.Sequence] = struct{}{}
	d.mu.Unlock()
	slog.InfoContext(ctx, "adjustment dispatched",
		slog.Uint64("sequence", record.Sequence),
		slog.String("action", record.Action.String()),
	)
	return nil
}

// WebhookPublisher POSTs adjustment records as JSON to a configured
// endpoint.
type WebhookPublisher struct {
	client   *http.Client
	endpoint string
	token    string
}

// NewWebhookPublisher constructs a webhook publisher. The bearer token is
// optional.
func NewWebhookPublisher(client *http.Client, endpoint, token string) (*WebhookPublisher, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("webhook endpoint required")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookPublisher{client: client, endpoint: trimmed, token: strings.TrimSpace(token)}, nil
}

type webhookPayload struct {
	ID         string  `json:"id"`
	Sequence   uint64  `json:"sequence"`
	Action     string  `json:"action"`
	Amount     float64 `json:"amount"`
	NewSupply  float64 `json:"newSupply"`
	AvgPrice   float64 `json:"avgPrice"`
	Deviation  float64 `json:"deviation"`
	ExecutedAt string  `json:"executedAt"`
}

// PublishAdjustment implements Publisher.
func (p *WebhookPublisher) PublishAdjustment(ctx context.Context, record stability.AdjustmentRecord) error {
	if p == nil {
		return fmt.Errorf("webhook publisher not configured")
	}
	payload := webhookPayload{
		ID:         record.ID,
		Sequence:   record.Sequence,
		Action:     record.Action.String(),
		Amount:     stability.FromAmountUnits(record.Amount),
		NewSupply:  stability.FromAmountUnits(record.NewSupply),
		AvgPrice:   record.AvgPrice,
		Deviation:  record.Deviation,
		ExecutedAt: record.ExecutedAt.UTC().Format(time.RFC3339),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode adjustment: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook: status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}
