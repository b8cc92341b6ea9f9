package wallet

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"MeterVault/internal/billing"
	xerrors "MeterVault/internal/errors"
	"MeterVault/internal/events"
	"MeterVault/internal/ledger"
	"MeterVault/internal/registry"
	"MeterVault/internal/runner"
	"MeterVault/internal/vault"
)

var (
	testUser   = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testRunner = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testRates  = billing.Rates{LLMIn: 125, LLMOut: 500, HTTPCalls: 2000, RuntimeMS: 100}
)

type fixture struct {
	service   *Service
	vault     *vault.MemoryVault
	registry  *registry.MemoryRegistry
	queue     *runner.MemoryQueue
	publisher *events.MemoryPublisher
	ledger    *ledger.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		vault:     vault.NewMemoryVault(),
		registry:  registry.NewMemoryRegistry(),
		queue:     runner.NewMemoryQueue(),
		publisher: events.NewMemoryPublisher(),
		ledger:    ledger.NewManager("session-test", ledger.NewMemoryStore()),
	}
	f.vault.SetBalance(testUser, 100_000_000) // 10.00
	f.vault.Authorize(testUser, testRunner, 1)
	f.registry.Register(1, common.HexToAddress("0x3333333333333333333333333333333333333333"),
		[]common.Address{testRunner}, testRates)

	service, err := NewService(Config{
		Session:   "session-test",
		User:      testUser,
		Runner:    testRunner,
		Ledger:    f.ledger,
		Vault:     f.vault,
		Registry:  f.registry,
		Runs:      f.queue,
		Publisher: f.publisher,
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

func TestStartRunHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Cap 2.00 with a 4000-token base: the remaining 1.95 tops up llm_in by
	// ceil(19500000/125) = 156000 units, landing exactly on the cap.
	result, err := f.service.StartRun(ctx, StartRunRequest{
		AgentID:   1,
		MaxCharge: "2.00",
		BaseUsage: billing.Usage{LLMIn: 4000},
		Label:     "demo",
	})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	if !result.OK {
		t.Fatalf("expected success, got reason %q", result.Reason)
	}
	if result.Transaction.AmountUnits != 20_000_000 {
		t.Fatalf("debit = %d, want 20000000", result.Transaction.AmountUnits)
	}
	if result.Transaction.RunnerRequestID != result.Run.ID {
		t.Fatal("transaction must be tagged with the run id")
	}
	if result.Transaction.Usage[billing.MeterLLMIn] != 160_000 {
		t.Fatalf("budgeted llm_in = %d, want 160000", result.Transaction.Usage[billing.MeterLLMIn])
	}
	if balance, _ := f.service.Balance(); balance != 80_000_000 {
		t.Fatalf("balance = %d, want 80000000", balance)
	}

	published := f.publisher.Events()
	var opened bool
	for _, event := range published {
		if event.Type == events.TypeRunOpened && event.RunnerRequestID == result.Run.ID {
			opened = true
		}
	}
	if !opened {
		t.Fatalf("expected run_opened event, got %+v", published)
	}
}

func TestStartRunRejectsBadAmount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, text := range []string{"", "0", "abc", "-1"} {
		result, err := f.service.StartRun(ctx, StartRunRequest{AgentID: 1, MaxCharge: text})
		if err != nil {
			t.Fatalf("%q: unexpected error %v", text, err)
		}
		if result.OK {
			t.Fatalf("%q: expected validation failure", text)
		}
	}
	if len(f.service.Snapshot().Transactions) != 0 {
		t.Fatal("rejected submissions must not touch the ledger")
	}
}

func TestStartRunRejectsNegativeBaseUsage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.service.StartRun(ctx, StartRunRequest{
		AgentID:   1,
		MaxCharge: "2.00",
		BaseUsage: billing.Usage{LLMOut: -10},
	})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	if result.OK {
		t.Fatalf("expected validation failure, got %+v", result)
	}
	runs, err := f.queue.ListRuns(ctx)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 0 {
		t.Fatal("negative usage must never reach the run queue")
	}
	if len(f.service.Snapshot().Transactions) != 0 {
		t.Fatal("negative usage must not touch the ledger")
	}
}

func TestStartRunEnforcesSpendingPolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.service.maxPerRun = 15_000_000 // policy ceiling 1.5

	result, err := f.service.StartRun(ctx, StartRunRequest{AgentID: 1, MaxCharge: "2.00"})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	if result.OK {
		t.Fatalf("expected policy rejection, got %+v", result)
	}
	if len(f.service.Snapshot().Transactions) != 0 {
		t.Fatal("policy rejections must not touch the ledger")
	}

	under, err := f.service.StartRun(ctx, StartRunRequest{AgentID: 1, MaxCharge: "1.5"})
	if err != nil || !under.OK {
		t.Fatalf("run at the policy ceiling must pass: %v %+v", err, under)
	}
}

func TestStartRunUnauthorizedRunner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Agent 2 has a rate card but no grant for the session runner.
	f.registry.Register(2, common.HexToAddress("0x3333333333333333333333333333333333333333"),
		nil, testRates)

	result, err := f.service.StartRun(ctx, StartRunRequest{
		AgentID:   2,
		MaxCharge: "1.00",
	})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	if result.OK || result.Reason != "runner is not authorized for this agent" {
		t.Fatalf("expected authorization failure, got %+v", result)
	}
	if len(f.service.Snapshot().Transactions) != 0 {
		t.Fatal("authorization failures must not touch the ledger")
	}
}

func TestStartRunSubmitFailureLeavesLedgerUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.queue.SubmitErr = xerrors.New(xerrors.CodeInsufficientFunds, "insufficient balance")
	result, err := f.service.StartRun(ctx, StartRunRequest{
		AgentID:   1,
		MaxCharge: "2.00",
	})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	if result.OK {
		t.Fatal("expected failure")
	}
	if !result.Insufficient {
		t.Fatalf("expected insufficient flag, got %+v", result)
	}
	if len(f.service.Snapshot().Transactions) != 0 {
		t.Fatal("no debit may be committed when submission fails")
	}
	if balance, _ := f.service.Balance(); balance != 100_000_000 {
		t.Fatalf("balance changed on failed submission: %d", balance)
	}
}

func TestStartRunCachesAgentConfig(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.service.StartRun(ctx, StartRunRequest{AgentID: 1, MaxCharge: "1.00"})
	if err != nil || !first.OK {
		t.Fatalf("first run: %v %+v", err, first)
	}

	// A newer rate card doubles llm_in; the cached config keeps the session
	// on the version it started with until an explicit refresh.
	f.registry.PublishRateCard(1, billing.Rates{LLMIn: 250, LLMOut: 500, HTTPCalls: 2000, RuntimeMS: 100})

	second, err := f.service.StartRun(ctx, StartRunRequest{AgentID: 1, MaxCharge: "1.00"})
	if err != nil || !second.OK {
		t.Fatalf("second run: %v %+v", err, second)
	}
	if got := second.Transaction.Usage[billing.MeterLLMIn]; got != 80_000 {
		t.Fatalf("cached rates must apply: llm_in = %d, want 80000", got)
	}

	f.service.RefreshAgentConfig(1)
	third, err := f.service.StartRun(ctx, StartRunRequest{AgentID: 1, MaxCharge: "1.00"})
	if err != nil || !third.OK {
		t.Fatalf("third run: %v %+v", err, third)
	}
	if got := third.Transaction.Usage[billing.MeterLLMIn]; got != 40_000 {
		t.Fatalf("refreshed rates must apply: llm_in = %d, want 40000", got)
	}
}

func TestDepositAndWithdrawKeepSyncStable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tx, err := f.service.Deposit(ctx, nil, "2.5")
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if tx.Direction != ledger.DirectionCredit || tx.AmountUnits != 25_000_000 {
		t.Fatalf("unexpected credit: %+v", tx)
	}
	delta, err := f.service.SyncBalance(ctx)
	if err != nil || delta != 0 {
		t.Fatalf("post-deposit sync = %d, %v; want 0, nil", delta, err)
	}
	if balance, _ := f.service.Balance(); balance != 125_000_000 {
		t.Fatalf("balance = %d, want 125000000", balance)
	}

	if _, err := f.service.Withdraw(ctx, nil, "5"); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	delta, err = f.service.SyncBalance(ctx)
	if err != nil || delta != 0 {
		t.Fatalf("post-withdraw sync = %d, %v; want 0, nil", delta, err)
	}
	if balance, _ := f.service.Balance(); balance != 75_000_000 {
		t.Fatalf("balance = %d, want 75000000", balance)
	}
}

func TestWithdrawBeyondVaultBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Withdraw(ctx, nil, "999")
	if err == nil {
		t.Fatal("expected vault rejection")
	}
	if xerrors.CodeOf(err) != xerrors.CodeInsufficientFunds {
		t.Fatalf("unexpected code: %v", err)
	}
	if len(f.service.Snapshot().Transactions) != 0 {
		t.Fatal("failed withdrawal must not record a transaction")
	}
}

func TestSyncBalanceAbsorbsExternalDeposit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.service.StartRun(ctx, StartRunRequest{AgentID: 1, MaxCharge: "2.00"})
	if err != nil || !result.OK {
		t.Fatalf("start run: %v %+v", err, result)
	}
	// A deposit lands on-chain from elsewhere while the run debit is still
	// only local. The delta absorbs the deposit without losing the debit.
	f.vault.SetBalance(testUser, 130_000_000)

	delta, err := f.service.SyncBalance(ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if delta != 30_000_000 {
		t.Fatalf("delta = %d, want 30000000", delta)
	}
	if balance, _ := f.service.Balance(); balance != 110_000_000 {
		t.Fatalf("balance = %d, want 110000000", balance)
	}
}

func TestRetryRunRetagsTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.service.StartRun(ctx, StartRunRequest{AgentID: 1, MaxCharge: "1.00"})
	if err != nil || !result.OK {
		t.Fatalf("start run: %v %+v", err, result)
	}
	f.queue.Fail(result.Run.ID, "worker crashed")
	if _, err := f.ledger.UpdateRunStatus(ctx, result.Run.ID, string(runner.StatusFailed), ""); err != nil {
		t.Fatalf("seed failed status: %v", err)
	}

	run, err := f.service.RetryRun(ctx, result.Run.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if run.Status != runner.StatusPending {
		t.Fatalf("retried run status = %s, want pending", run.Status)
	}
	tx := f.service.Snapshot().Transactions[0]
	if tx.Status != string(runner.StatusPending) {
		t.Fatalf("transaction status = %s, want pending", tx.Status)
	}
}
