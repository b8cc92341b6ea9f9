// Package wallet composes the session-scoped prepaid wallet: the run
// submission workflow, the vault balance synchronizer, the run-status poller
// and the failure interpreter. One Service is built per user session and
// injected where needed; there are no ambient singletons.
package wallet

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"MeterVault/internal/amount"
	"MeterVault/internal/billing"
	xerrors "MeterVault/internal/errors"
	"MeterVault/internal/events"
	"MeterVault/internal/ledger"
	"MeterVault/internal/registry"
	"MeterVault/internal/runner"
	"MeterVault/internal/vault"
	"MeterVault/pkg/logger"
)

// Config wires a Service's collaborators. Vault, Registry, Runner and Ledger
// are required; Publisher is optional.
type Config struct {
	Session   string
	User      common.Address
	Runner    common.Address
	Ledger    *ledger.Manager
	Vault     vault.Client
	Registry  registry.Client
	Runs      runner.Service
	Publisher events.Publisher
	// MaxPerRunUnits, when positive, refuses any run whose spending cap
	// exceeds it before the submission is attempted. Daily spending caps stay
	// on-chain; this guard only rejects obviously over-policy requests early.
	MaxPerRunUnits int64
}

// Service is the per-session wallet core.
type Service struct {
	session    string
	user       common.Address
	runnerAddr common.Address
	ledger     *ledger.Manager
	vault      vault.Client
	registry   registry.Client
	runs       runner.Service
	publisher  events.Publisher
	maxPerRun  int64
	log        *slog.Logger

	mu      sync.Mutex
	configs map[uint32]registry.AgentConfig
}

// NewService builds a wallet service for one session.
func NewService(cfg Config) (*Service, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("ledger manager is required")
	}
	if cfg.Vault == nil {
		return nil, errors.New("vault client is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("registry client is required")
	}
	if cfg.Runs == nil {
		return nil, errors.New("run queue client is required")
	}
	return &Service{
		session:    cfg.Session,
		user:       cfg.User,
		runnerAddr: cfg.Runner,
		ledger:     cfg.Ledger,
		vault:      cfg.Vault,
		registry:   cfg.Registry,
		runs:       cfg.Runs,
		publisher:  cfg.Publisher,
		maxPerRun:  cfg.MaxPerRunUnits,
		log:        logger.Named("wallet"),
		configs:    make(map[uint32]registry.AgentConfig),
	}, nil
}

// Open restores the session ledger and performs the first authoritative
// balance read. Until Open succeeds the local balance stays at zero.
func (s *Service) Open(ctx context.Context) error {
	if err := s.ledger.Load(ctx); err != nil {
		return err
	}
	if _, err := s.SyncBalance(ctx); err != nil {
		return err
	}
	return nil
}

// StartRunRequest asks for one metered agent run bounded by a spending cap.
type StartRunRequest struct {
	AgentID uint32
	// MaxCharge is the decimal spending cap the user authorizes.
	MaxCharge  string
	BaseUsage  billing.Usage
	WorkflowID string
	Label      string
	Metadata   map[string]any
}

// StartRunResult is the structured outcome of a submission attempt. Expected
// failures land in Reason instead of an error.
type StartRunResult struct {
	OK           bool
	Reason       string
	Insufficient bool
	Transaction  *ledger.Transaction
	Run          *runner.Run
}

func failure(reason string, insufficient bool) *StartRunResult {
	return &StartRunResult{Reason: reason, Insufficient: insufficient}
}

// StartRun runs the submission workflow: validate the cap, verify the runner
// grant against the vault, resolve the agent's rate card, convert the cap
// into a usage budget, submit the run and only then commit the optimistic
// debit. A failed submission leaves the ledger untouched.
func (s *Service) StartRun(ctx context.Context, req StartRunRequest) (*StartRunResult, error) {
	capUnits, err := amount.ParseUnits(req.MaxCharge)
	if err != nil || capUnits <= 0 {
		return failure("max charge must be a positive amount", false), nil
	}
	if s.maxPerRun > 0 && capUnits > s.maxPerRun {
		return failure("max charge exceeds the per-run spending policy of "+amount.FormatUnits(s.maxPerRun), false), nil
	}
	if s.session == "" || s.user == (common.Address{}) {
		return failure("no active session", false), nil
	}
	if !s.ledger.Loaded() {
		return failure("wallet is not initialized", false), nil
	}

	// The grant is queried live on every attempt; a revocation elsewhere
	// must take effect immediately.
	authorized, err := s.vault.IsRunnerAuthorized(ctx, s.user, s.runnerAddr, req.AgentID)
	if err != nil {
		out := Interpret(err.Error())
		return failure(out.Message, out.InsufficientFunds), nil
	}
	if !authorized {
		return failure("runner is not authorized for this agent", false), nil
	}

	cfg, err := s.agentConfig(ctx, req.AgentID)
	if err != nil {
		out := Interpret(err.Error())
		return failure(out.Message, out.InsufficientFunds), nil
	}

	budget, err := billing.BudgetFor(capUnits, req.BaseUsage, cfg.Rates)
	if err != nil {
		return failure(err.Error(), false), nil
	}
	charge, err := billing.ChargeFor(budget, cfg.Rates)
	if err != nil {
		return failure(err.Error(), false), nil
	}
	if charge <= 0 {
		return failure("computed budget has no chargeable usage", false), nil
	}

	run, err := s.runs.SubmitRun(ctx, runner.SubmitRequest{
		User:        s.user.Hex(),
		AgentID:     req.AgentID,
		RateVersion: cfg.RateVersion,
		Budgets:     budget,
		WorkflowID:  req.WorkflowID,
		Label:       req.Label,
		Metadata:    req.Metadata,
	})
	if err != nil {
		out := Interpret(err.Error())
		s.log.Warn("run submission failed",
			slog.String("session", s.session),
			slog.Uint64("agent_id", uint64(req.AgentID)),
			slog.String("error", err.Error()),
		)
		return failure(out.Message, out.InsufficientFunds), nil
	}

	meta := ledger.Metadata{
		Usage:           budget.Sparse(),
		RunnerRequestID: run.ID,
		ContractRunID:   run.ContractRunID,
		Status:          string(run.Status),
	}
	if charge != capUnits {
		meta.RequestedUnits = capUnits
	}
	tx, err := s.ledger.Debit(ctx, charge, meta)
	if err != nil {
		// The run is already in flight; the missing debit will be absorbed
		// by the next authoritative sync once the charge settles.
		s.log.Error("optimistic debit failed after submission",
			slog.String("session", s.session),
			slog.String("run_id", run.ID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	s.publish(ctx, events.Event{
		Type:            events.TypeRunOpened,
		Session:         s.session,
		RunnerRequestID: run.ID,
		Status:          string(run.Status),
		AmountUnits:     charge,
		BalanceUnits:    tx.BalanceAfterUnits,
	})
	return &StartRunResult{OK: true, Transaction: &tx, Run: &run}, nil
}

// SyncBalance reads the authoritative vault balance and folds it into the
// ledger as a delta. Returns the applied delta.
func (s *Service) SyncBalance(ctx context.Context) (int64, error) {
	units, err := s.vault.BalanceOf(ctx, s.user)
	if err != nil {
		return 0, err
	}
	delta, err := s.ledger.ApplyAuthoritativeBalance(ctx, units)
	if err != nil {
		return 0, err
	}
	if delta != 0 {
		s.publish(ctx, events.Event{
			Type:         events.TypeBalanceSynced,
			Session:      s.session,
			AmountUnits:  delta,
			BalanceUnits: s.ledger.BalanceUnits(),
		})
	}
	return delta, nil
}

// Deposit moves funds into the vault and records the matching credit.
func (s *Service) Deposit(ctx context.Context, auth *bind.TransactOpts, depositAmount string) (ledger.Transaction, error) {
	units, err := amount.ParseUnits(depositAmount)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if units <= 0 {
		return ledger.Transaction{}, xerrors.New(xerrors.CodeInvalidArgument, "deposit amount must be positive")
	}
	if err := s.vault.Deposit(ctx, auth, s.user, units); err != nil {
		return ledger.Transaction{}, err
	}
	return s.ledger.CreditObserved(ctx, units, ledger.Metadata{Status: "deposited"})
}

// Withdraw moves funds out of the vault and records the matching debit.
func (s *Service) Withdraw(ctx context.Context, auth *bind.TransactOpts, withdrawAmount string) (ledger.Transaction, error) {
	units, err := amount.ParseUnits(withdrawAmount)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if units <= 0 {
		return ledger.Transaction{}, xerrors.New(xerrors.CodeInvalidArgument, "withdraw amount must be positive")
	}
	if err := s.vault.Withdraw(ctx, auth, s.user, units); err != nil {
		return ledger.Transaction{}, err
	}
	return s.ledger.DebitObserved(ctx, units, ledger.Metadata{Status: "withdrawn"})
}

// GrantRunner authorizes the session's executor for an agent.
func (s *Service) GrantRunner(ctx context.Context, auth *bind.TransactOpts, agentID uint32) error {
	return s.vault.GrantRunner(ctx, auth, s.user, s.runnerAddr, agentID)
}

// RevokeRunner removes the session executor's grant for an agent.
func (s *Service) RevokeRunner(ctx context.Context, auth *bind.TransactOpts, agentID uint32) error {
	return s.vault.RevokeRunner(ctx, auth, s.user, s.runnerAddr, agentID)
}

// RetryRun resubmits a previously failed run and re-tags the linked ledger
// transaction with the fresh status.
func (s *Service) RetryRun(ctx context.Context, requestID string) (runner.Run, error) {
	run, err := s.runs.RetryRun(ctx, requestID)
	if err != nil {
		return runner.Run{}, err
	}
	if _, err := s.ledger.UpdateRunStatus(ctx, run.ID, string(run.Status), run.ContractRunID); err != nil {
		return runner.Run{}, err
	}
	return run, nil
}

// Session returns the session identifier the service was built for.
func (s *Service) Session() string {
	return s.session
}

// Snapshot returns the current wallet state.
func (s *Service) Snapshot() ledger.Snapshot {
	return s.ledger.Snapshot()
}

// Balance returns the locally believed spendable balance, formatted.
func (s *Service) Balance() (int64, string) {
	units := s.ledger.BalanceUnits()
	return units, amount.FormatUnits(units)
}

// agentConfig returns the cached per-agent billing view, fetching it once per
// session. The cached value is replaced wholesale on refetch, never mutated.
func (s *Service) agentConfig(ctx context.Context, agentID uint32) (registry.AgentConfig, error) {
	s.mu.Lock()
	cfg, ok := s.configs[agentID]
	s.mu.Unlock()
	if ok {
		return cfg, nil
	}

	cfg, err := registry.FetchConfig(ctx, s.registry, agentID)
	if err != nil {
		return registry.AgentConfig{}, err
	}
	s.mu.Lock()
	s.configs[agentID] = cfg
	s.mu.Unlock()
	return cfg, nil
}

// RefreshAgentConfig drops the cached config so the next charge attempt
// refetches the latest rate version.
func (s *Service) RefreshAgentConfig(agentID uint32) {
	s.mu.Lock()
	delete(s.configs, agentID)
	s.mu.Unlock()
}

// publish mirrors a wallet event to the broker, best effort.
func (s *Service) publish(ctx context.Context, event events.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.log.Warn("event publish failed",
			slog.String("session", s.session),
			slog.String("type", string(event.Type)),
			slog.String("error", err.Error()),
		)
	}
}

// Close releases the service's collaborators.
func (s *Service) Close() {
	if s.publisher != nil {
		_ = s.publisher.Close()
	}
	s.vault.Close()
	s.registry.Close()
}
