package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"riskengine/internal/challenge"
	"riskengine/internal/models"
	"riskengine/internal/quotes"
	"riskengine/internal/risk"

	"go.uber.org/zap"
)

// Server exposes the engine operations over HTTP: valuation passes,
// the sweep trigger, and payout request/approval.
type Server struct {
	server  *http.Server
	monitor *risk.Monitor
	engine  *challenge.Engine
	sweeper *challenge.Sweeper
	logger  *zap.Logger
}

// NewServer creates the API server.
func NewServer(port int, monitor *risk.Monitor, engine *challenge.Engine, sweeper *challenge.Sweeper, logger *zap.Logger) *Server {
	s := &Server{
		monitor: monitor,
		engine:  engine,
		sweeper: sweeper,
		logger:  logger.Named("api-server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("POST /accounts/wallet/{id}/valuate", s.valuateWalletHandler)
	mux.HandleFunc("POST /accounts/challenge/{id}/valuate", s.valuateChallengeHandler)
	mux.HandleFunc("POST /accounts/challenge", s.createChallengeHandler)
	mux.HandleFunc("POST /positions", s.openTradeHandler)
	mux.HandleFunc("POST /positions/{id}/close", s.closeTradeHandler)
	mux.HandleFunc("POST /sweep", s.sweepHandler)
	mux.HandleFunc("POST /payouts", s.requestPayoutHandler)
	mux.HandleFunc("POST /payouts/{id}/approve", s.approvePayoutHandler)
	mux.HandleFunc("POST /payouts/{id}/reject", s.rejectPayoutHandler)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	return s
}

// Start runs the HTTP server in a new goroutine.
func (s *Server) Start() {
	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server...")
	return s.server.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

func (s *Server) valuateWalletHandler(w http.ResponseWriter, r *http.Request) {
	snap, err := s.monitor.Valuate(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) valuateChallengeHandler(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.Evaluate(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) createChallengeHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InitialBalance        float64 `json:"initial_balance"`
		WalletAccountID       string  `json:"wallet_account_id"`
		MaxDailyLossPct       float64 `json:"max_daily_loss_pct"`
		MaxTotalLossPct       float64 `json:"max_total_loss_pct"`
		MaxSingleTradeLossPct float64 `json:"max_single_trade_loss_pct"`
		PayoutOption          string  `json:"payout_option"`
		Phases                []struct {
			ProfitTargetPct   float64 `json:"profit_target_pct"`
			MinTradingDays    int     `json:"min_trading_days"`
			TradingPeriodDays int     `json:"trading_period_days"`
		} `json:"phases"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	spec := challenge.AccountSpec{
		InitialBalance:        req.InitialBalance,
		WalletAccountID:       req.WalletAccountID,
		MaxDailyLossPct:       req.MaxDailyLossPct,
		MaxTotalLossPct:       req.MaxTotalLossPct,
		MaxSingleTradeLossPct: req.MaxSingleTradeLossPct,
		PayoutOption:          req.PayoutOption,
	}
	for _, p := range req.Phases {
		spec.Phases = append(spec.Phases, challenge.PhaseSpec{
			ProfitTargetPct:   p.ProfitTargetPct,
			MinTradingDays:    p.MinTradingDays,
			TradingPeriodDays: p.TradingPeriodDays,
		})
	}

	account, err := s.engine.CreateAccount(r.Context(), spec)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, account)
}

func (s *Server) openTradeHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID string  `json:"account_id"`
		Symbol    string  `json:"symbol"`
		Side      string  `json:"side"`
		Volume    float64 `json:"volume"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AccountID == "" {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	position, err := s.engine.OpenTrade(r.Context(), req.AccountID, req.Symbol, models.Side(req.Side), req.Volume)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, position)
}

func (s *Server) closeTradeHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Volume float64 `json:"volume"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req) // empty body means full close
	}
	result, err := s.engine.CloseTrade(r.Context(), r.PathValue("id"), req.Volume)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) sweepHandler(w http.ResponseWriter, r *http.Request) {
	result, err := s.sweeper.Sweep(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) requestPayoutHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID string  `json:"account_id"`
		Amount    float64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AccountID == "" {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	record, err := s.engine.RequestPayout(r.Context(), req.AccountID, req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, record)
}

func (s *Server) approvePayoutHandler(w http.ResponseWriter, r *http.Request) {
	record, err := s.engine.ApprovePayout(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) rejectPayoutHandler(w http.ResponseWriter, r *http.Request) {
	record, err := s.engine.RejectPayout(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to write response", zap.Error(err))
	}
}

// writeError maps domain errors to HTTP statuses. The specific unmet
// condition stays in the body for the caller.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrAccountNotFound),
		errors.Is(err, models.ErrPositionNotFound),
		errors.Is(err, models.ErrPayoutNotFound):
		status = http.StatusNotFound
	case errors.Is(err, quotes.ErrQuoteUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, models.ErrInvalidStateTransition), errors.Is(err, models.ErrAlreadyProcessed):
		status = http.StatusConflict
	case errors.Is(err, models.ErrInvalidVolume),
		errors.Is(err, models.ErrInvalidSide),
		errors.Is(err, models.ErrInvalidPrice),
		errors.Is(err, models.ErrUnknownSymbol),
		errors.Is(err, models.ErrUnknownPayoutOption):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrInsufficientMargin),
		errors.Is(err, models.ErrInsufficientBalance),
		errors.Is(err, models.ErrPayoutBelowMinimum),
		errors.Is(err, models.ErrPayoutExceedsProfit),
		errors.Is(err, models.ErrConsistencyTooLow),
		errors.Is(err, models.ErrPayoutThrottled):
		status = http.StatusUnprocessableEntity
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.Error(err))
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
