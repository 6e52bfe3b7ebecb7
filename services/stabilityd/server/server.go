package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"civicoin/native/stability"
	"civicoin/services/stabilityd/bridge"
)

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress string
	Ingest        RateLimit
	TLS           TLSConfig
}

// TLSConfig describes TLS settings for the server.
type TLSConfig struct {
	Disabled bool
	CertFile string
	KeyFile  string
	Config   *tls.Config
}

// Store is the slice of persistence the HTTP layer needs directly.
type Store interface {
	ListAdjustments(ctx context.Context, afterSequence uint64, limit int) ([]stability.AdjustmentRecord, error)
	SavePolicy(ctx context.Context, params stability.PolicyParams) error
}

// Server hosts the public price/state endpoints and the admin API.
type Server struct {
	cfg        Config
	engine     *stability.Engine
	store      Store
	dispatcher *bridge.Dispatcher
	logger     *log.Logger
	adminAuth  *Authenticator
	limiter    *RateLimiter
}

// New constructs a new HTTP server.
func New(cfg Config, engine *stability.Engine, store Store, dispatcher *bridge.Dispatcher, auth *Authenticator, logger *log.Logger) (*Server, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine required")
	}
	if store == nil {
		return nil, fmt.Errorf("storage required")
	}
	if auth == nil {
		return nil, fmt.Errorf("admin authenticator required")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		cfg:        cfg,
		engine:     engine,
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
		adminAuth:  auth,
		limiter:    NewRateLimiter(cfg.Ingest),
	}, nil
}

// Handler builds the routing tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.With(s.limiter.Middleware).Post("/price", s.handlePrice)
	r.Get("/state", s.handleState)
	r.Get("/metrics", s.handleMetrics)
	r.Method(http.MethodGet, "/metrics/prometheus", promhttp.Handler())
	r.Route("/admin", func(admin chi.Router) {
		admin.Use(s.adminAuth.Middleware)
		admin.Post("/rebalance", s.handleRebalance)
		admin.Get("/policy", s.handleGetPolicy)
		admin.Patch("/policy", s.handlePatchPolicy)
		admin.Post("/reserves", s.handleReserves)
		admin.Post("/supply", s.handleSupply)
		admin.Get("/adjustments", s.handleAdjustments)
	})
	return otelhttp.NewHandler(r, "stabilityd.http")
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server not configured")
	}
	srv := &http.Server{Addr: s.cfg.ListenAddress, Handler: s.Handler(), TLSConfig: s.cfg.TLS.Config}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.logger.Printf("stabilityd: http server listening on %s", s.cfg.ListenAddress)
	var err error
	if s.cfg.TLS.Disabled || s.cfg.TLS.CertFile == "" {
		err = srv.ListenAndServe()
	} else {
		err = srv.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type priceRequest struct {
	Price      float64  `json:"price"`
	Timestamp  string   `json:"timestamp"`
	Volume     float64  `json:"volume"`
	Confidence *float64 `json:"confidence"`
}

// pricePoint converts the request body into an engine sample. An absent
// confidence key defaults to full confidence; an explicit zero is kept so a
// caller can record a quote it does not trust.
func (req priceRequest) pricePoint(now time.Time) (stability.PricePoint, error) {
	ts := now.UTC()
	if raw := strings.TrimSpace(req.Timestamp); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return stability.PricePoint{}, fmt.Errorf("timestamp must be RFC3339")
		}
		ts = parsed.UTC()
	}
	confidence := 1.0
	if req.Confidence != nil {
		confidence = *req.Confidence
	}
	return stability.PricePoint{
		Price:      req.Price,
		Timestamp:  ts,
		Volume:     req.Volume,
		Confidence: confidence,
	}, nil
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	var req priceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	point, err := req.pricePoint(time.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.engine.AddPriceData(r.Context(), point); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	state := s.engine.SupplyState()
	writeJSON(w, http.StatusOK, renderState(state))
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Metrics())
}

func (s *Server) handleRebalance(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.Rebalance(r.Context())
	if err != nil {
		s.logger.Printf("stabilityd: rebalance: %v", err)
		writeError(w, http.StatusInternalServerError, "rebalance failed")
		return
	}
	if result.Gated {
		writeError(w, http.StatusConflict, stability.ErrRebalanceTooSoon.Error())
		return
	}
	if !result.Executed {
		writeError(w, http.StatusConflict, "no adjustment required")
		return
	}
	if s.dispatcher != nil {
		if err := s.dispatcher.Dispatch(r.Context(), result.Record); err != nil {
			s.logger.Printf("stabilityd: dispatch adjustment: %v", err)
		}
	}
	writeJSON(w, http.StatusOK, renderRecord(result.Record))
}

type policyResponse struct {
	TargetPrice       float64 `json:"targetPrice"`
	ToleranceBps      uint64  `json:"toleranceBps"`
	ReserveRatioBps   uint64  `json:"reserveRatioBps"`
	MaxChangeBps      uint64  `json:"maxChangeBps"`
	DampingBps        uint64  `json:"dampingBps"`
	RebalanceInterval string  `json:"rebalanceInterval"`
	LookbackWindow    string  `json:"lookbackWindow"`
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, renderPolicy(s.engine.Params()))
}

type policyPatch struct {
	TargetPrice       *float64 `json:"targetPrice"`
	ToleranceBps      *uint64  `json:"toleranceBps"`
	ReserveRatioBps   *uint64  `json:"reserveRatioBps"`
	MaxChangeBps      *uint64  `json:"maxChangeBps"`
	DampingBps        *uint64  `json:"dampingBps"`
	RebalanceInterval *string  `json:"rebalanceInterval"`
	LookbackWindow    *string  `json:"lookbackWindow"`
}

func (s *Server) handlePatchPolicy(w http.ResponseWriter, r *http.Request) {
	var req policyPatch
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	update := stability.PolicyUpdate{
		TargetPrice:        req.TargetPrice,
		ToleranceBandBps:   req.ToleranceBps,
		ReserveRatioBps:    req.ReserveRatioBps,
		MaxSupplyChangeBps: req.MaxChangeBps,
		DampingBps:         req.DampingBps,
	}
	if req.RebalanceInterval != nil {
		parsed, err := time.ParseDuration(*req.RebalanceInterval)
		if err != nil {
			writeError(w, http.StatusBadRequest, "rebalanceInterval must be a duration")
			return
		}
		update.RebalanceInterval = &parsed
	}
	if req.LookbackWindow != nil {
		parsed, err := time.ParseDuration(*req.LookbackWindow)
		if err != nil {
			writeError(w, http.StatusBadRequest, "lookbackWindow must be a duration")
			return
		}
		update.LookbackWindow = &parsed
	}
	if err := s.engine.UpdateParams(update); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.SavePolicy(r.Context(), s.engine.Params()); err != nil {
		s.logger.Printf("stabilityd: save policy: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to persist policy")
		return
	}
	writeJSON(w, http.StatusOK, renderPolicy(s.engine.Params()))
}

type ledgerRequest struct {
	Action string  `json:"action"`
	Amount float64 `json:"amount"`
}

func (s *Server) handleReserves(w http.ResponseWriter, r *http.Request) {
	var req ledgerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	units, err := stability.ToAmountUnits(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case "add":
		if err := s.engine.AddReserves(r.Context(), units); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	case "remove":
		ok, err := s.engine.RemoveReserves(r.Context(), units)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if !ok {
			writeError(w, http.StatusConflict, stability.ErrInsufficientReserve.Error())
			return
		}
	default:
		writeError(w, http.StatusBadRequest, "unknown action")
		return
	}
	writeJSON(w, http.StatusOK, renderState(s.engine.SupplyState()))
}

func (s *Server) handleSupply(w http.ResponseWriter, r *http.Request) {
	var req ledgerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	units, err := stability.ToAmountUnits(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case "mint":
		if err := s.engine.Mint(r.Context(), units); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	case "burn":
		ok, err := s.engine.Burn(r.Context(), units)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if !ok {
			writeError(w, http.StatusConflict, stability.ErrExcessiveBurn.Error())
			return
		}
	default:
		writeError(w, http.StatusBadRequest, "unknown action")
		return
	}
	writeJSON(w, http.StatusOK, renderState(s.engine.SupplyState()))
}

func (s *Server) handleAdjustments(w http.ResponseWriter, r *http.Request) {
	var cursor uint64
	if raw := strings.TrimSpace(r.URL.Query().Get("cursor")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "cursor must be a sequence number")
			return
		}
		cursor = parsed
	}
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 500 {
			writeError(w, http.StatusBadRequest, "limit must be in [1, 500]")
			return
		}
		limit = parsed
	}
	records, err := s.store.ListAdjustments(r.Context(), cursor, limit)
	if err != nil {
		s.logger.Printf("stabilityd: list adjustments: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list adjustments")
		return
	}
	rendered := make([]map[string]any, 0, len(records))
	next := cursor
	for _, record := range records {
		rendered = append(rendered, renderRecord(record))
		if record.Sequence > next {
			next = record.Sequence
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"adjustments": rendered,
		"nextCursor":  next,
	})
}

func renderState(state stability.SupplyState) map[string]any {
	ratio := 0.0
	if state.TotalSupply > 0 {
		ratio = float64(state.ReservePool) / float64(state.TotalSupply)
	}
	out := map[string]any{
		"totalSupply":  stability.FromAmountUnits(state.TotalSupply),
		"reservePool":  stability.FromAmountUnits(state.ReservePool),
		"reserveRatio": ratio,
		"sequence":     state.Sequence,
	}
	if !state.LastRebalance.IsZero() {
		out["lastRebalance"] = state.LastRebalance.UTC().Format(time.RFC3339)
	}
	return out
}

func renderRecord(record stability.AdjustmentRecord) map[string]any {
	return map[string]any{
		"id":         record.ID,
		"sequence":   record.Sequence,
		"action":     record.Action.String(),
		"amount":     stability.FromAmountUnits(record.Amount),
		"newSupply":  stability.FromAmountUnits(record.NewSupply),
		"avgPrice":   record.AvgPrice,
		"deviation":  record.Deviation,
		"executedAt": record.ExecutedAt.UTC().Format(time.RFC3339),
	}
}

func renderPolicy(params stability.PolicyParams) policyResponse {
	return policyResponse{
		TargetPrice:       params.TargetPrice,
		ToleranceBps:      params.ToleranceBandBps,
		ReserveRatioBps:   params.ReserveRatioBps,
		MaxChangeBps:      params.MaxSupplyChangeBps,
		DampingBps:        params.DampingBps,
		RebalanceInterval: params.RebalanceInterval.String(),
		LookbackWindow:    params.LookbackWindow.String(),
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
