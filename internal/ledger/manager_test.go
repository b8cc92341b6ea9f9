package ledger

import (
	"context"
	stdErrors "errors"
	"fmt"
	"testing"

	"MeterVault/internal/billing"
)

func newLoadedManager(t *testing.T) (*Manager, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	mgr := NewManager("session-1", store)
	if err := mgr.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	return mgr, store
}

func TestDebitRejectsNonPositiveAmounts(t *testing.T) {
	mgr, _ := newLoadedManager(t)
	ctx := context.Background()

	if _, err := mgr.Debit(ctx, 0, Metadata{}); !stdErrors.Is(err, ErrInvalidAmount) {
		t.Fatalf("zero debit: expected ErrInvalidAmount, got %v", err)
	}
	if _, err := mgr.Debit(ctx, -5, Metadata{}); !stdErrors.Is(err, ErrInvalidAmount) {
		t.Fatalf("negative debit: expected ErrInvalidAmount, got %v", err)
	}
	if len(mgr.Snapshot().Transactions) != 0 {
		t.Fatal("rejected debits must not record transactions")
	}
}

func TestDebitCommitsTransaction(t *testing.T) {
	// Scenario: balance 10.00, debit 3.25 -> balance 6.75.
	mgr, store := newLoadedManager(t)
	ctx := context.Background()

	if _, err := mgr.ApplyAuthoritativeBalance(ctx, 100_000_000); err != nil {
		t.Fatalf("seed balance: %v", err)
	}
	tx, err := mgr.Debit(ctx, 32_500_000, Metadata{
		RunnerRequestID: "req-1",
		Status:          "pending",
		Usage:           map[billing.Meter]int64{billing.MeterLLMIn: 4000},
	})
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if tx.BalanceAfterUnits != 67_500_000 {
		t.Fatalf("balanceAfter = %d, want 67500000", tx.BalanceAfterUnits)
	}
	if mgr.BalanceUnits() != 67_500_000 {
		t.Fatalf("balance = %d, want 67500000", mgr.BalanceUnits())
	}

	snap := mgr.Snapshot()
	if len(snap.Transactions) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(snap.Transactions))
	}
	if snap.Transactions[0].ID != tx.ID || snap.Transactions[0].Direction != DirectionDebit {
		t.Fatalf("unexpected transaction: %+v", snap.Transactions[0])
	}
	if snap.LifetimeSpendUnits != 32_500_000 {
		t.Fatalf("lifetime spend = %d, want 32500000", snap.LifetimeSpendUnits)
	}
	if store.Saves() == 0 {
		t.Fatal("debit must persist the snapshot")
	}
}

func TestApplyAuthoritativeBalanceUsesDeltas(t *testing.T) {
	// Scenario: synced 6.75, authoritative read 5.00 -> local balance drops
	// by 1.75, synced becomes 5.00.
	mgr, _ := newLoadedManager(t)
	ctx := context.Background()

	if _, err := mgr.ApplyAuthoritativeBalance(ctx, 67_500_000); err != nil {
		t.Fatalf("seed: %v", err)
	}
	// A pending debit lands on-chain: the authoritative read returns 5.00.
	delta, err := mgr.ApplyAuthoritativeBalance(ctx, 50_000_000)
	if err != nil {
		t.Fatalf("apply delta: %v", err)
	}
	if delta != -17_500_000 {
		t.Fatalf("delta = %d, want -17500000", delta)
	}
	if got := mgr.BalanceUnits(); got != 50_000_000 {
		t.Fatalf("balance = %d, want 50000000", got)
	}
	snap := mgr.Snapshot()
	if snap.SyncedUnits != 50_000_000 {
		t.Fatalf("synced = %d, want 50000000", snap.SyncedUnits)
	}
}

func TestApplyAuthoritativeBalanceIdempotent(t *testing.T) {
	mgr, store := newLoadedManager(t)
	ctx := context.Background()

	if _, err := mgr.ApplyAuthoritativeBalance(ctx, 42_000_000); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	before := mgr.BalanceUnits()
	saves := store.Saves()

	delta, err := mgr.ApplyAuthoritativeBalance(ctx, 42_000_000)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if delta != 0 {
		t.Fatalf("second apply delta = %d, want 0", delta)
	}
	if mgr.BalanceUnits() != before {
		t.Fatalf("balance changed on idempotent apply: %d -> %d", before, mgr.BalanceUnits())
	}
	if store.Saves() != saves {
		t.Fatal("idempotent apply must not persist")
	}
}

func TestObservedMutationsDoNotDoubleApply(t *testing.T) {
	// A confirmed deposit moves balance and synced balance together, so the
	// next authoritative read of the same vault value is a no-op.
	mgr, _ := newLoadedManager(t)
	ctx := context.Background()

	if _, err := mgr.ApplyAuthoritativeBalance(ctx, 50_000_000); err != nil {
		t.Fatalf("seed: %v", err)
	}
	tx, err := mgr.CreditObserved(ctx, 20_000_000, Metadata{Status: "deposited"})
	if err != nil {
		t.Fatalf("credit observed: %v", err)
	}
	if tx.BalanceAfterUnits != 70_000_000 {
		t.Fatalf("balanceAfter = %d, want 70000000", tx.BalanceAfterUnits)
	}
	delta, err := mgr.ApplyAuthoritativeBalance(ctx, 70_000_000)
	if err != nil || delta != 0 {
		t.Fatalf("post-deposit sync = %d, %v; want 0, nil", delta, err)
	}

	if _, err := mgr.DebitObserved(ctx, 30_000_000, Metadata{Status: "withdrawn"}); err != nil {
		t.Fatalf("debit observed: %v", err)
	}
	delta, err = mgr.ApplyAuthoritativeBalance(ctx, 40_000_000)
	if err != nil || delta != 0 {
		t.Fatalf("post-withdraw sync = %d, %v; want 0, nil", delta, err)
	}
	if mgr.BalanceUnits() != 40_000_000 {
		t.Fatalf("balance = %d, want 40000000", mgr.BalanceUnits())
	}
	if spend := mgr.Snapshot().LifetimeSpendUnits; spend != 0 {
		t.Fatalf("withdrawal must not count as spend, got %d", spend)
	}
}

func TestBalanceNeverNegative(t *testing.T) {
	mgr, _ := newLoadedManager(t)
	ctx := context.Background()

	steps := []struct {
		debit  int64
		synced int64 // 0 means debit step
	}{
		{synced: 30_000_000},
		{debit: 10_000_000},
		{debit: 25_000_000},
		{synced: 5_000_000},
		{debit: 40_000_000},
		{synced: 1_000_000},
		{synced: 90_000_000},
		{debit: 200_000_000},
	}

	for i, step := range steps {
		if step.synced != 0 {
			if _, err := mgr.ApplyAuthoritativeBalance(ctx, step.synced); err != nil {
				t.Fatalf("step %d apply: %v", i, err)
			}
		} else {
			if _, err := mgr.Debit(ctx, step.debit, Metadata{}); err != nil {
				t.Fatalf("step %d debit: %v", i, err)
			}
		}
		if balance := mgr.BalanceUnits(); balance < 0 {
			t.Fatalf("step %d: balance went negative: %d", i, balance)
		}
	}
}

func TestTransactionLogBounded(t *testing.T) {
	mgr, _ := newLoadedManager(t)
	ctx := context.Background()

	if _, err := mgr.ApplyAuthoritativeBalance(ctx, 1_000_000_000); err != nil {
		t.Fatalf("seed: %v", err)
	}
	total := MaxTransactions + 13
	ids := make([]string, 0, total)
	for i := 0; i < total; i++ {
		tx, err := mgr.Debit(ctx, 1000, Metadata{RunnerRequestID: fmt.Sprintf("req-%d", i)})
		if err != nil {
			t.Fatalf("debit %d: %v", i, err)
		}
		ids = append(ids, tx.ID)
	}

	snap := mgr.Snapshot()
	if len(snap.Transactions) != MaxTransactions {
		t.Fatalf("log length = %d, want %d", len(snap.Transactions), MaxTransactions)
	}
	// Newest first; the most recent MaxTransactions debits survive.
	for i := 0; i < MaxTransactions; i++ {
		want := ids[total-1-i]
		if snap.Transactions[i].ID != want {
			t.Fatalf("transactions[%d] = %s, want %s", i, snap.Transactions[i].ID, want)
		}
	}
}

func TestUpdateRunStatus(t *testing.T) {
	mgr, store := newLoadedManager(t)
	ctx := context.Background()

	if _, err := mgr.ApplyAuthoritativeBalance(ctx, 10_000_000); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := mgr.Debit(ctx, 1000, Metadata{RunnerRequestID: "req-9", Status: "pending"}); err != nil {
		t.Fatalf("debit: %v", err)
	}

	changed, err := mgr.UpdateRunStatus(ctx, "req-9", "running", "run-42")
	if err != nil || !changed {
		t.Fatalf("update = %v, %v; want true, nil", changed, err)
	}
	tx := mgr.Snapshot().Transactions[0]
	if tx.Status != "running" || tx.ContractRunID != "run-42" {
		t.Fatalf("unexpected transaction after update: %+v", tx)
	}

	saves := store.Saves()
	changed, err = mgr.UpdateRunStatus(ctx, "req-9", "running", "run-42")
	if err != nil || changed {
		t.Fatalf("repeat update = %v, %v; want false, nil", changed, err)
	}
	if store.Saves() != saves {
		t.Fatal("no-op status update must not persist")
	}

	changed, err = mgr.UpdateRunStatus(ctx, "missing", "failed", "")
	if err != nil || changed {
		t.Fatalf("unknown request update = %v, %v; want false, nil", changed, err)
	}
}

func TestLoadResetsBalances(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first := NewManager("session-2", store)
	if err := first.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := first.ApplyAuthoritativeBalance(ctx, 77_000_000); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := first.Debit(ctx, 7_000_000, Metadata{}); err != nil {
		t.Fatalf("debit: %v", err)
	}

	second := NewManager("session-2", store)
	if err := second.Load(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	snap := second.Snapshot()
	if snap.BalanceUnits != 0 || snap.SyncedUnits != 0 {
		t.Fatalf("stale balances must reset to zero, got %+v", snap)
	}
	if snap.LifetimeSpendUnits != 7_000_000 {
		t.Fatalf("lifetime spend must survive reload, got %d", snap.LifetimeSpendUnits)
	}
	if len(snap.Transactions) != 1 {
		t.Fatalf("transaction log must survive reload, got %d entries", len(snap.Transactions))
	}
}
