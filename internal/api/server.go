// Package api exposes the wallet over a small REST facade: balance and
// transaction reads, run submission, deposits and withdrawals, runner grant
// management and a manual balance sync.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"MeterVault/internal/amount"
	"MeterVault/internal/billing"
	xerrors "MeterVault/internal/errors"
	"MeterVault/internal/observability/metrics"
	"MeterVault/internal/wallet"
)

// Server serves the wallet REST API for one session.
type Server struct {
	addr    string
	service *wallet.Service
}

// NewServer builds the API server.
func NewServer(addr string, service *wallet.Service) *Server {
	return &Server{addr: addr, service: service}
}

// Start runs the HTTP server until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/wallet", s.instrument("wallet", s.handleWallet))
	mux.HandleFunc("/api/v1/wallet/transactions", s.instrument("transactions", s.handleTransactions))
	mux.HandleFunc("/api/v1/wallet/sync", s.instrument("sync", s.handleSync))
	mux.HandleFunc("/api/v1/wallet/deposit", s.instrument("deposit", s.handleDeposit))
	mux.HandleFunc("/api/v1/wallet/withdraw", s.instrument("withdraw", s.handleWithdraw))
	mux.HandleFunc("/api/v1/wallet/grants", s.instrument("grants", s.handleGrants))
	mux.HandleFunc("/api/v1/runs", s.instrument("runs", s.handleRuns))
	mux.HandleFunc("/api/v1/runs/", s.instrument("run_retry", s.handleRunRetry))
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) instrument(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		handler(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	}
}

type walletView struct {
	Balance       string `json:"balance"`
	BalanceUnits  int64  `json:"balanceUnits"`
	SyncedBalance string `json:"syncedBalance"`
	LifetimeSpend string `json:"lifetimeSpend"`
	Transactions  int    `json:"transactions"`
}

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "only GET is supported")
		return
	}
	snap := s.service.Snapshot()
	metrics.RecordWalletBalance(s.service.Session(), snap.BalanceUnits)
	writeJSON(w, http.StatusOK, walletView{
		Balance:       amount.FormatUnits(snap.BalanceUnits),
		BalanceUnits:  snap.BalanceUnits,
		SyncedBalance: amount.FormatUnits(snap.SyncedUnits),
		LifetimeSpend: amount.FormatUnits(snap.LifetimeSpendUnits),
		Transactions:  len(snap.Transactions),
	})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "only GET is supported")
		return
	}
	writeJSON(w, http.StatusOK, s.service.Snapshot().Transactions)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "only POST is supported")
		return
	}
	delta, err := s.service.SyncBalance(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	units, formatted := s.service.Balance()
	metrics.RecordWalletBalance(s.service.Session(), units)
	writeJSON(w, http.StatusOK, map[string]any{
		"delta":   delta,
		"balance": formatted,
	})
}

type amountRequest struct {
	Amount string `json:"amount"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "only POST is supported")
		return
	}
	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	tx, err := s.service.Deposit(r.Context(), nil, req.Amount)
	if err != nil {
		writeFailure(w, err)
		return
	}
	metrics.RecordWalletBalance(s.service.Session(), tx.BalanceAfterUnits)
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "only POST is supported")
		return
	}
	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	tx, err := s.service.Withdraw(r.Context(), nil, req.Amount)
	if err != nil {
		writeFailure(w, err)
		return
	}
	metrics.RecordWalletBalance(s.service.Session(), tx.BalanceAfterUnits)
	writeJSON(w, http.StatusOK, tx)
}

type grantRequest struct {
	AgentID uint32 `json:"agentId"`
}

func (s *Server) handleGrants(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	var err error
	switch r.Method {
	case http.MethodPost:
		err = s.service.GrantRunner(r.Context(), nil, req.AgentID)
	case http.MethodDelete:
		err = s.service.RevokeRunner(r.Context(), nil, req.AgentID)
	default:
		writeError(w, http.StatusMethodNotAllowed, "only POST/DELETE are supported")
		return
	}
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type startRunRequest struct {
	AgentID    uint32         `json:"agentId"`
	MaxCharge  string         `json:"maxCharge"`
	BaseUsage  billing.Usage  `json:"baseUsage"`
	WorkflowID string         `json:"workflowId,omitempty"`
	Label      string         `json:"label,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "only POST is supported")
		return
	}
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result, err := s.service.StartRun(r.Context(), wallet.StartRunRequest{
		AgentID:    req.AgentID,
		MaxCharge:  req.MaxCharge,
		BaseUsage:  req.BaseUsage,
		WorkflowID: req.WorkflowID,
		Label:      req.Label,
		Metadata:   req.Metadata,
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	if !result.OK {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":        result.Reason,
			"insufficient": result.Insufficient,
		})
		return
	}
	units, _ := s.service.Balance()
	metrics.RecordWalletBalance(s.service.Session(), units)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRunRetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "only POST is supported")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/runs/")
	id, ok := strings.CutSuffix(rest, "/retry")
	if !ok || id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	run, err := s.service.RetryRun(r.Context(), id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeFailure maps an internal error onto an HTTP status via its code.
func writeFailure(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument, amount.CodeInvalidAmount:
		status = http.StatusBadRequest
	case xerrors.CodeNotFound:
		status = http.StatusNotFound
	case xerrors.CodeUnauthorized:
		status = http.StatusForbidden
	case xerrors.CodeInsufficientFunds:
		status = http.StatusPaymentRequired
	case xerrors.CodeConflict:
		status = http.StatusConflict
	case xerrors.CodeConnectivity, xerrors.CodeTimeout:
		status = http.StatusBadGateway
	}
	writeError(w, status, err.Error())
}
