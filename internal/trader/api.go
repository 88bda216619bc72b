package trader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"kalitrade-go/internal/marketdata"
	"kalitrade-go/internal/models"
	"kalitrade-go/internal/orders"
	"kalitrade-go/internal/portfolio"
	"kalitrade-go/internal/signal"

	"go.uber.org/zap"
)

// APIServer provides the HTTP interface over the orchestrator, ledger
// and signal engine.
type APIServer struct {
	server       *http.Server
	logger       *zap.Logger
	store        *orders.Store
	orchestrator *orders.Orchestrator
	ledger       *portfolio.Ledger
	rebalancer   *portfolio.Rebalancer
	signals      *signal.Engine
	market       marketdata.Provider
}

// NewAPIServer creates a new APIServer listening on the given port.
func NewAPIServer(port int, store *orders.Store, orchestrator *orders.Orchestrator, ledger *portfolio.Ledger, rebalancer *portfolio.Rebalancer, signals *signal.Engine, market marketdata.Provider, logger *zap.Logger) *APIServer {
	s := &APIServer{
		logger:       logger.Named("api-server"),
		store:        store,
		orchestrator: orchestrator,
		ledger:       ledger,
		rebalancer:   rebalancer,
		signals:      signals,
		market:       market,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /orders", s.placeOrderHandler)
	mux.HandleFunc("POST /orders/{id}/cancel", s.cancelOrderHandler)
	mux.HandleFunc("GET /orders", s.listOrdersHandler)
	mux.HandleFunc("GET /orders/statistics", s.statisticsHandler)
	mux.HandleFunc("GET /portfolio", s.portfolioHandler)
	mux.HandleFunc("GET /portfolio/allocation", s.allocationHandler)
	mux.HandleFunc("GET /portfolio/performance", s.performanceHandler)
	mux.HandleFunc("POST /rebalance", s.rebalanceHandler)
	mux.HandleFunc("GET /signal", s.signalHandler)
	mux.HandleFunc("GET /health", s.healthHandler)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	return s
}

// Start runs the HTTP server in a new goroutine.
func (s *APIServer) Start() {
	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *APIServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server...")
	return s.server.Shutdown(ctx)
}

type errorEnvelope struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// errorKind maps an error chain onto a stable wire string.
func errorKind(err error) (string, int) {
	switch {
	case errors.Is(err, models.ErrValidation):
		return "VALIDATION", http.StatusBadRequest
	case errors.Is(err, models.ErrNoActiveConnection):
		return "NO_ACTIVE_CONNECTION", http.StatusBadRequest
	case errors.Is(err, models.ErrAuthenticationExpired):
		return "AUTHENTICATION_EXPIRED", http.StatusUnauthorized
	case errors.Is(err, models.ErrDataInsufficient):
		return "DATA_INSUFFICIENT", http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrUpstreamUnavailable):
		return "UPSTREAM_UNAVAILABLE", http.StatusBadGateway
	case errors.Is(err, models.ErrPartialExecution):
		return "PARTIAL_EXECUTION", http.StatusMultiStatus
	case errors.Is(err, models.ErrInconsistentState):
		return "INCONSISTENT_STATE", http.StatusConflict
	}
	return "INTERNAL", http.StatusInternalServerError
}

func (s *APIServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (s *APIServer) writeError(w http.ResponseWriter, err error) {
	kind, status := errorKind(err)
	s.writeJSON(w, status, errorEnvelope{Error: err.Error(), Kind: kind})
}

type placeOrderPayload struct {
	orders.PlaceRequest
	Conditional *orders.ConditionalConfig `json:"conditional,omitempty"`
}

func (s *APIServer) placeOrderHandler(w http.ResponseWriter, r *http.Request) {
	var payload placeOrderPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, fmt.Errorf("invalid request body: %v: %w", err, models.ErrValidation))
		return
	}

	result, err := s.orchestrator.PlaceOrder(r.Context(), &payload.PlaceRequest, payload.Conditional)
	if err != nil {
		// A partial execution still placed orders; the caller gets the
		// result body along with the error kind.
		if errors.Is(err, models.ErrPartialExecution) && result != nil {
			s.writeJSON(w, http.StatusMultiStatus, map[string]any{
				"result": result,
				"error":  err.Error(),
				"kind":   "PARTIAL_EXECUTION",
			})
			return
		}
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, result)
}

func (s *APIServer) cancelOrderHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeError(w, fmt.Errorf("invalid order id: %w", models.ErrValidation))
		return
	}

	order, err := s.orchestrator.CancelOrder(r.Context(), uint(id))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, order)
}

func (s *APIServer) listOrdersHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))

	history, err := s.store.History(orders.HistoryFilter{
		UserID:   query.Get("user_id"),
		Exchange: query.Get("exchange"),
		Symbol:   query.Get("symbol"),
		Status:   query.Get("status"),
		Limit:    limit,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, history)
}

func (s *APIServer) statisticsHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	stats, err := s.store.Statistics(query.Get("user_id"), query.Get("period"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *APIServer) portfolioHandler(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.ledger.GetSnapshot(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snapshot)
}

func (s *APIServer) allocationHandler(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.ledger.GetSnapshot(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, portfolio.Allocation(snapshot))
}

func (s *APIServer) performanceHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	perf, err := s.ledger.Performance(r.Context(), query.Get("user_id"), query.Get("period"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, perf)
}

type rebalancePayload struct {
	UserID string             `json:"user_id"`
	Target map[string]float64 `json:"target"`
}

func (s *APIServer) rebalanceHandler(w http.ResponseWriter, r *http.Request) {
	var payload rebalancePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, fmt.Errorf("invalid request body: %v: %w", err, models.ErrValidation))
		return
	}
	if len(payload.Target) == 0 {
		s.writeError(w, fmt.Errorf("target weights are required: %w", models.ErrValidation))
		return
	}

	snapshot, err := s.ledger.GetSnapshot(r.Context(), payload.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	proposals, err := s.rebalancer.Propose(r.Context(), snapshot, payload.Target)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"proposals":   proposals,
		"total_value": snapshot.TotalValue,
	})
}

func (s *APIServer) signalHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	symbol := query.Get("symbol")
	if symbol == "" {
		s.writeError(w, fmt.Errorf("symbol is required: %w", models.ErrValidation))
		return
	}
	interval := query.Get("interval")
	if interval == "" {
		interval = "1h"
	}
	limit, _ := strconv.Atoi(query.Get("limit"))
	if limit <= 0 {
		limit = 100
	}

	klines, err := s.market.GetPriceHistory(r.Context(), symbol, interval, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	ticker, err := s.market.GetTicker(r.Context(), symbol)
	if err != nil {
		s.writeError(w, err)
		return
	}

	sig, err := s.signals.Compute(symbol, marketdata.ClosePrices(klines), ticker.Price, ticker.Change24h)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sig)
}

func (s *APIServer) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}
