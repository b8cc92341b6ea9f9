package wallet

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"MeterVault/internal/events"
	"MeterVault/internal/runner"
	"MeterVault/pkg/logger"
)

// DefaultPollInterval is the run-status polling cadence.
const DefaultPollInterval = 5 * time.Second

// Poller periodically reconciles the ledger's transaction log against the
// external run queue. Ticks never overlap: the next tick is armed only after
// the previous one finished, and a failed fetch is retried on the next tick
// rather than aborting the loop.
type Poller struct {
	service  *Service
	interval time.Duration
	log      *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller builds a poller for one wallet session. A non-positive interval
// falls back to the default.
func NewPoller(service *Service, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		service:  service,
		interval: interval,
		log:      logger.Named("poller"),
	}
}

// Start launches the polling loop. It is a no-op if the poller already runs.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		timer := time.NewTimer(p.interval)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
			p.Tick(ctx)
			timer.Reset(p.interval)
		}
	}()
}

// Stop cancels the loop and waits for the in-flight tick to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Tick fetches the full run set once and updates every linked transaction.
// When any run newly reached a terminal state, one balance resync follows,
// regardless of how many runs finalized in the same tick.
func (p *Poller) Tick(ctx context.Context) {
	runs, err := p.service.runs.ListRuns(ctx)
	if err != nil {
		p.log.Warn("run list fetch failed",
			slog.String("session", p.service.session),
			slog.String("error", err.Error()),
		)
		return
	}
	byID := make(map[string]runner.Run, len(runs))
	for _, run := range runs {
		byID[run.ID] = run
	}

	resync := false
	for _, tx := range p.service.ledger.Snapshot().Transactions {
		if tx.RunnerRequestID == "" {
			continue
		}
		run, ok := byID[tx.RunnerRequestID]
		if !ok {
			continue
		}
		newStatus := string(run.Status)
		if newStatus == tx.Status && (run.ContractRunID == "" || run.ContractRunID == tx.ContractRunID) {
			continue
		}
		changed, err := p.service.ledger.UpdateRunStatus(ctx, tx.RunnerRequestID, newStatus, run.ContractRunID)
		if err != nil {
			p.log.Error("run status update failed",
				slog.String("request_id", tx.RunnerRequestID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !changed {
			continue
		}
		if run.Status.Terminal() && newStatus != tx.Status {
			resync = true
			p.onTerminal(ctx, tx.RunnerRequestID, run)
		}
	}

	if resync {
		if _, err := p.service.SyncBalance(ctx); err != nil {
			p.log.Warn("balance resync failed",
				slog.String("session", p.service.session),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (p *Poller) onTerminal(ctx context.Context, requestID string, run runner.Run) {
	if run.Status == runner.StatusFailed && Interpret(run.Error).InsufficientFunds {
		if err := p.service.ledger.MarkInsufficient(ctx, requestID); err != nil {
			p.log.Warn("mark insufficient failed",
				slog.String("request_id", requestID),
				slog.String("error", err.Error()),
			)
		}
	}
	event := events.Event{
		Type:            events.TypeRunFinalized,
		Session:         p.service.session,
		RunnerRequestID: requestID,
		ContractRunID:   run.ContractRunID,
		Status:          string(run.Status),
		BalanceUnits:    p.service.ledger.BalanceUnits(),
	}
	if run.Receipt != nil {
		event.AmountUnits = run.Receipt.ActualChargeUnits
	}
	p.service.publish(ctx, event)
}
