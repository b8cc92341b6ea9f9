package wallet

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"MeterVault/internal/billing"
	"MeterVault/internal/events"
	"MeterVault/internal/ledger"
	"MeterVault/internal/registry"
	"MeterVault/internal/runner"
	"MeterVault/internal/vault"
)

// countingVault counts authoritative balance reads so tests can assert how
// often a tick resynced.
type countingVault struct {
	*vault.MemoryVault
	reads atomic.Int64
}

func (v *countingVault) BalanceOf(ctx context.Context, user common.Address) (int64, error) {
	v.reads.Add(1)
	return v.MemoryVault.BalanceOf(ctx, user)
}

type pollerFixture struct {
	service *Service
	vault   *countingVault
	queue   *runner.MemoryQueue
	pub     *events.MemoryPublisher
}

func newPollerFixture(t *testing.T) *pollerFixture {
	t.Helper()
	f := &pollerFixture{
		vault: &countingVault{MemoryVault: vault.NewMemoryVault()},
		queue: runner.NewMemoryQueue(),
		pub:   events.NewMemoryPublisher(),
	}
	f.vault.SetBalance(testUser, 100_000_000)
	f.vault.Authorize(testUser, testRunner, 1)

	reg := registry.NewMemoryRegistry()
	reg.Register(1, common.HexToAddress("0x3333333333333333333333333333333333333333"),
		[]common.Address{testRunner}, testRates)

	service, err := NewService(Config{
		Session:   "session-poll",
		User:      testUser,
		Runner:    testRunner,
		Ledger:    ledger.NewManager("session-poll", ledger.NewMemoryStore()),
		Vault:     f.vault,
		Registry:  reg,
		Runs:      f.queue,
		Publisher: f.pub,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if err := service.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	f.service = service
	return f
}

func (f *pollerFixture) startRun(t *testing.T, maxCharge string) *StartRunResult {
	t.Helper()
	result, err := f.service.StartRun(context.Background(), StartRunRequest{
		AgentID:   1,
		MaxCharge: maxCharge,
		BaseUsage: billing.Usage{LLMIn: 1000},
	})
	if err != nil || !result.OK {
		t.Fatalf("start run: %v %+v", err, result)
	}
	return result
}

func TestTickResyncsOnceForMultipleFinalizedRuns(t *testing.T) {
	f := newPollerFixture(t)
	ctx := context.Background()

	first := f.startRun(t, "1.00")
	second := f.startRun(t, "1.00")

	f.queue.SetStatus(first.Run.ID, runner.StatusFinalized, "chain-1")
	f.queue.SetStatus(second.Run.ID, runner.StatusFinalized, "chain-2")
	// Both charges settled on-chain.
	f.vault.SetBalance(testUser, 80_000_000)

	poller := NewPoller(f.service, time.Minute)
	before := f.vault.reads.Load()
	poller.Tick(ctx)

	if got := f.vault.reads.Load() - before; got != 1 {
		t.Fatalf("expected exactly one resync, got %d", got)
	}
	for _, tx := range f.service.Snapshot().Transactions {
		if tx.Status != string(runner.StatusFinalized) {
			t.Fatalf("transaction not updated: %+v", tx)
		}
	}
	// The resync applied delta 80M-100M = -20M on top of the local 80M.
	if balance, _ := f.service.Balance(); balance != 60_000_000 {
		t.Fatalf("balance = %d, want 60000000", balance)
	}
}

func TestTickWithoutTerminalTransitionSkipsResync(t *testing.T) {
	f := newPollerFixture(t)
	ctx := context.Background()

	result := f.startRun(t, "1.00")
	f.queue.SetStatus(result.Run.ID, runner.StatusRunning, "chain-9")

	poller := NewPoller(f.service, time.Minute)
	before := f.vault.reads.Load()
	poller.Tick(ctx)

	if got := f.vault.reads.Load() - before; got != 0 {
		t.Fatalf("in-flight transition must not resync, got %d reads", got)
	}
	tx := f.service.Snapshot().Transactions[0]
	if tx.Status != string(runner.StatusRunning) || tx.ContractRunID != "chain-9" {
		t.Fatalf("transaction not updated: %+v", tx)
	}
}

func TestTickRepeatedTerminalStateResyncsOnce(t *testing.T) {
	f := newPollerFixture(t)
	ctx := context.Background()

	result := f.startRun(t, "1.00")
	f.queue.SetStatus(result.Run.ID, runner.StatusFinalized, "chain-3")

	poller := NewPoller(f.service, time.Minute)
	poller.Tick(ctx)
	before := f.vault.reads.Load()
	poller.Tick(ctx)

	if got := f.vault.reads.Load() - before; got != 0 {
		t.Fatalf("unchanged terminal state must not resync again, got %d reads", got)
	}
}

func TestTickSurvivesFetchFailure(t *testing.T) {
	f := newPollerFixture(t)
	ctx := context.Background()

	result := f.startRun(t, "1.00")
	f.queue.SetStatus(result.Run.ID, runner.StatusFinalized, "chain-4")

	poller := NewPoller(f.service, time.Minute)

	f.queue.ListErr = context.DeadlineExceeded
	poller.Tick(ctx)
	if tx := f.service.Snapshot().Transactions[0]; tx.Status == string(runner.StatusFinalized) {
		t.Fatal("failed fetch must leave transactions untouched")
	}

	f.queue.ListErr = nil
	poller.Tick(ctx)
	if tx := f.service.Snapshot().Transactions[0]; tx.Status != string(runner.StatusFinalized) {
		t.Fatalf("recovered tick must update, got %+v", tx)
	}
}

func TestTickFlagsInsufficientFailure(t *testing.T) {
	f := newPollerFixture(t)
	ctx := context.Background()

	result := f.startRun(t, "1.00")
	f.queue.Fail(result.Run.ID, "host error: insufficient balance")

	poller := NewPoller(f.service, time.Minute)
	poller.Tick(ctx)

	tx := f.service.Snapshot().Transactions[0]
	if tx.Status != string(runner.StatusFailed) {
		t.Fatalf("status = %s, want failed", tx.Status)
	}
	if !tx.Insufficient {
		t.Fatal("expected insufficient flag on the linked transaction")
	}

	var finalized bool
	for _, event := range f.pub.Events() {
		if event.Type == events.TypeRunFinalized && event.RunnerRequestID == result.Run.ID {
			finalized = true
		}
	}
	if !finalized {
		t.Fatal("expected run_finalized event")
	}
}

func TestPollerStartStop(t *testing.T) {
	f := newPollerFixture(t)

	result := f.startRun(t, "1.00")
	f.queue.SetStatus(result.Run.ID, runner.StatusFinalized, "chain-5")

	poller := NewPoller(f.service, 10*time.Millisecond)
	poller.Start(context.Background())

	deadline := time.After(2 * time.Second)
	for {
		if f.service.Snapshot().Transactions[0].Status == string(runner.StatusFinalized) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("poller never applied the status update")
		case <-time.After(5 * time.Millisecond):
		}
	}
	poller.Stop()

	// A second Stop is a no-op.
	poller.Stop()
}
