package ledger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"MeterVault/internal/billing"
	xerrors "MeterVault/internal/errors"
	"MeterVault/pkg/logger"
)

// Manager serializes every mutation of one session's wallet state. Each
// operation is a read-compute-commit step under a single lock, with
// persistence inside the critical section, so a synchronizer delta and a
// submission debit can never interleave mid-computation.
type Manager struct {
	mu      sync.Mutex
	session string
	store   Store
	state   Snapshot
	loaded  bool
	log     *slog.Logger
}

// NewManager builds a ledger manager for one user session.
func NewManager(session string, store Store) *Manager {
	return &Manager{
		session: session,
		store:   store,
		log:     logger.Named("ledger"),
	}
}

// Load moves the ledger from Uninitialized to Loaded. The persisted snapshot
// is restored but its balances are forced to zero: a synced balance recorded
// by a previous session must never be trusted before a fresh authoritative
// read.
func (m *Manager) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, found, err := m.store.Load(ctx, m.session)
	if err != nil {
		return xerrors.Wrap(CodePersistFailure, err, "load ledger snapshot")
	}
	if found {
		m.state = snap
	} else {
		m.state = Snapshot{}
	}
	m.state.BalanceUnits = 0
	m.state.SyncedUnits = 0
	m.loaded = true

	m.log.Info("ledger loaded",
		slog.String("session", m.session),
		slog.Int("transactions", len(m.state.Transactions)),
		slog.Int64("lifetime_spend", m.state.LifetimeSpendUnits),
	)
	return nil
}

// Debit commits a spend: a new transaction is prepended, the balance drops
// and lifetime spend grows. Amounts must be positive; the committed balance
// never goes below zero.
func (m *Manager) Debit(ctx context.Context, amountUnits int64, meta Metadata) (Transaction, error) {
	if amountUnits <= 0 {
		return Transaction{}, ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		return Transaction{}, ErrNotLoaded
	}

	next := cloneSnapshot(m.state)
	next.BalanceUnits -= amountUnits
	if next.BalanceUnits < 0 {
		next.BalanceUnits = 0
	}
	next.LifetimeSpendUnits += amountUnits

	tx := m.newTransaction(DirectionDebit, amountUnits, next.BalanceUnits, meta)
	next.Transactions = prepend(next.Transactions, tx)

	if err := m.commit(ctx, next); err != nil {
		return Transaction{}, err
	}
	logger.Audit().Info("ledger debit",
		slog.String("session", m.session),
		slog.String("transaction_id", tx.ID),
		slog.Int64("amount", amountUnits),
		slog.Int64("balance_after", tx.BalanceAfterUnits),
		slog.String("runner_request_id", meta.RunnerRequestID),
	)
	return cloneTransaction(tx), nil
}

// Credit commits a deposit or refund.
func (m *Manager) Credit(ctx context.Context, amountUnits int64, meta Metadata) (Transaction, error) {
	if amountUnits <= 0 {
		return Transaction{}, ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		return Transaction{}, ErrNotLoaded
	}

	next := cloneSnapshot(m.state)
	next.BalanceUnits += amountUnits

	tx := m.newTransaction(DirectionCredit, amountUnits, next.BalanceUnits, meta)
	next.Transactions = prepend(next.Transactions, tx)

	if err := m.commit(ctx, next); err != nil {
		return Transaction{}, err
	}
	logger.Audit().Info("ledger credit",
		slog.String("session", m.session),
		slog.String("transaction_id", tx.ID),
		slog.Int64("amount", amountUnits),
		slog.Int64("balance_after", tx.BalanceAfterUnits),
	)
	return cloneTransaction(tx), nil
}

// CreditObserved commits a credit the authoritative ledger has already
// observed, such as a confirmed deposit. Balance and the synced balance
// advance together so the next authoritative read does not apply the same
// amount twice.
func (m *Manager) CreditObserved(ctx context.Context, amountUnits int64, meta Metadata) (Transaction, error) {
	if amountUnits <= 0 {
		return Transaction{}, ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		return Transaction{}, ErrNotLoaded
	}

	next := cloneSnapshot(m.state)
	next.BalanceUnits += amountUnits
	next.SyncedUnits += amountUnits

	tx := m.newTransaction(DirectionCredit, amountUnits, next.BalanceUnits, meta)
	next.Transactions = prepend(next.Transactions, tx)

	if err := m.commit(ctx, next); err != nil {
		return Transaction{}, err
	}
	logger.Audit().Info("ledger credit observed",
		slog.String("session", m.session),
		slog.String("transaction_id", tx.ID),
		slog.Int64("amount", amountUnits),
		slog.Int64("balance_after", tx.BalanceAfterUnits),
	)
	return cloneTransaction(tx), nil
}

// DebitObserved commits a debit the authoritative ledger has already
// observed, such as a confirmed withdrawal. Lifetime spend is untouched
// because the amount was not metered spend.
func (m *Manager) DebitObserved(ctx context.Context, amountUnits int64, meta Metadata) (Transaction, error) {
	if amountUnits <= 0 {
		return Transaction{}, ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		return Transaction{}, ErrNotLoaded
	}

	next := cloneSnapshot(m.state)
	next.BalanceUnits -= amountUnits
	if next.BalanceUnits < 0 {
		next.BalanceUnits = 0
	}
	next.SyncedUnits -= amountUnits

	tx := m.newTransaction(DirectionDebit, amountUnits, next.BalanceUnits, meta)
	next.Transactions = prepend(next.Transactions, tx)

	if err := m.commit(ctx, next); err != nil {
		return Transaction{}, err
	}
	logger.Audit().Info("ledger debit observed",
		slog.String("session", m.session),
		slog.String("transaction_id", tx.ID),
		slog.Int64("amount", amountUnits),
		slog.Int64("balance_after", tx.BalanceAfterUnits),
	)
	return cloneTransaction(tx), nil
}

// ApplyAuthoritativeBalance folds a fresh authoritative read into the local
// state by applying the delta against the last synced value, never by
// overwrite. An optimistic debit for an in-flight run therefore stays
// reflected even though the vault has not observed it yet, while deposits
// made elsewhere are still absorbed. Returns the delta that was applied.
func (m *Manager) ApplyAuthoritativeBalance(ctx context.Context, syncedUnits int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		return 0, ErrNotLoaded
	}

	delta := syncedUnits - m.state.SyncedUnits
	if delta == 0 {
		// Repeated read of an unchanged authoritative balance leaves the
		// local balance untouched.
		return 0, nil
	}

	next := cloneSnapshot(m.state)
	next.BalanceUnits += delta
	if next.BalanceUnits < 0 {
		next.BalanceUnits = 0
	}
	next.SyncedUnits = syncedUnits

	if err := m.commit(ctx, next); err != nil {
		return 0, err
	}
	logger.Audit().Info("ledger synced",
		slog.String("session", m.session),
		slog.Int64("delta", delta),
		slog.Int64("synced_balance", syncedUnits),
		slog.Int64("balance", next.BalanceUnits),
	)
	return delta, nil
}

// UpdateRunStatus records the last known lifecycle state of the run linked to
// a transaction. Unknown request ids and unchanged statuses are no-ops.
func (m *Manager) UpdateRunStatus(ctx context.Context, requestID, status, contractRunID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		return false, ErrNotLoaded
	}

	idx := -1
	for i, tx := range m.state.Transactions {
		if tx.RunnerRequestID == requestID && requestID != "" {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, nil
	}
	current := m.state.Transactions[idx]
	if current.Status == status && (contractRunID == "" || current.ContractRunID == contractRunID) {
		return false, nil
	}

	next := cloneSnapshot(m.state)
	next.Transactions[idx].Status = status
	if contractRunID != "" {
		next.Transactions[idx].ContractRunID = contractRunID
	}
	if err := m.commit(ctx, next); err != nil {
		return false, err
	}
	return true, nil
}

// MarkInsufficient flags the transaction linked to a runner request as having
// failed for lack of authoritative funds.
func (m *Manager) MarkInsufficient(ctx context.Context, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		return ErrNotLoaded
	}
	for i, tx := range m.state.Transactions {
		if tx.RunnerRequestID != requestID || requestID == "" {
			continue
		}
		if tx.Insufficient {
			return nil
		}
		next := cloneSnapshot(m.state)
		next.Transactions[i].Insufficient = true
		return m.commit(ctx, next)
	}
	return ErrTransactionNotFound
}

// Snapshot returns a copy of the current wallet state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneSnapshot(m.state)
}

// BalanceUnits returns the locally believed spendable balance.
func (m *Manager) BalanceUnits() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.BalanceUnits
}

// Loaded reports whether the session snapshot has been restored.
func (m *Manager) Loaded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loaded
}

func (m *Manager) newTransaction(direction Direction, amountUnits, balanceAfter int64, meta Metadata) Transaction {
	tx := Transaction{
		ID:                uuid.NewString(),
		Direction:         direction,
		AmountUnits:       amountUnits,
		RequestedUnits:    meta.RequestedUnits,
		BalanceAfterUnits: balanceAfter,
		RunnerRequestID:   meta.RunnerRequestID,
		ContractRunID:     meta.ContractRunID,
		Status:            meta.Status,
		CreatedAt:         time.Now().Unix(),
	}
	if len(meta.Usage) > 0 {
		tx.Usage = make(map[billing.Meter]int64, len(meta.Usage))
		for meter, units := range meta.Usage {
			if units > 0 {
				tx.Usage[meter] = units
			}
		}
	}
	return tx
}

// commit persists the candidate snapshot and only then makes it visible.
func (m *Manager) commit(ctx context.Context, next Snapshot) error {
	if err := m.store.Save(ctx, m.session, next); err != nil {
		return xerrors.Wrap(CodePersistFailure, err, "persist ledger snapshot")
	}
	m.state = next
	return nil
}

func prepend(txs []Transaction, tx Transaction) []Transaction {
	out := make([]Transaction, 0, len(txs)+1)
	out = append(out, tx)
	out = append(out, txs...)
	if len(out) > MaxTransactions {
		out = out[:MaxTransactions]
	}
	return out
}
