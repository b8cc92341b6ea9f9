// Package ledger owns the locally-held wallet state: the optimistic balance,
// lifetime spend and the bounded transaction log. Every balance mutation goes
// through the Manager; nothing else in the system may assign balances.
package ledger

import (
	"MeterVault/internal/billing"
	xerrors "MeterVault/internal/errors"
)

// Direction tells whether a transaction removed or added funds.
type Direction string

const (
	DirectionDebit  Direction = "debit"
	DirectionCredit Direction = "credit"
)

// MaxTransactions bounds the persisted transaction log. Older entries are
// evicted once the cap is reached.
const MaxTransactions = 50

// Transaction is one committed ledger entry.
type Transaction struct {
	ID        string    `json:"id"`
	Direction Direction `json:"direction"`
	// AmountUnits is the fixed-point amount actually applied.
	AmountUnits int64 `json:"amount"`
	// RequestedUnits is the cap the caller asked to reserve before
	// ceiling-adjustment, when it differs from the applied amount.
	RequestedUnits int64 `json:"requested,omitempty"`
	// BalanceAfterUnits snapshots the balance right after this entry
	// committed.
	BalanceAfterUnits int64 `json:"balanceAfter"`
	// Usage holds only meters with positive values.
	Usage map[billing.Meter]int64 `json:"usage,omitempty"`
	// RunnerRequestID links the entry to the external run request;
	// ContractRunID and Status track the run's last known lifecycle state.
	RunnerRequestID string `json:"runnerRequestId,omitempty"`
	ContractRunID   string `json:"contractRunId,omitempty"`
	Status          string `json:"status,omitempty"`
	// Insufficient marks an attempt that failed for lack of authoritative
	// funds.
	Insufficient bool  `json:"insufficient,omitempty"`
	CreatedAt    int64 `json:"createdAt"`
}

// Snapshot is the persisted wallet document for one user session. Amounts are
// fixed-point units at the vault's scale.
type Snapshot struct {
	BalanceUnits       int64         `json:"balance"`
	SyncedUnits        int64         `json:"syncedBalance"`
	LifetimeSpendUnits int64         `json:"lifetimeSpend"`
	Transactions       []Transaction `json:"transactions"`
}

// Metadata carries the optional fields recorded alongside a debit or credit.
type Metadata struct {
	RequestedUnits  int64
	Usage           map[billing.Meter]int64
	RunnerRequestID string
	ContractRunID   string
	Status          string
}

var (
	// ErrInvalidAmount indicates a non-positive debit or credit amount.
	ErrInvalidAmount = xerrors.New(CodeInvalidAmount, "amount must be positive")
	// ErrNotLoaded indicates a ledger used before Load.
	ErrNotLoaded = xerrors.New(CodeNotLoaded, "ledger not loaded")
	// ErrTransactionNotFound indicates a status update for an unknown
	// runner request.
	ErrTransactionNotFound = xerrors.New(CodeTransactionNotFound, "transaction not found")
)

const (
	CodeInvalidAmount       xerrors.Code = "LEDGER_INVALID_AMOUNT"
	CodeNotLoaded           xerrors.Code = "LEDGER_NOT_LOADED"
	CodeTransactionNotFound xerrors.Code = "LEDGER_TRANSACTION_NOT_FOUND"
	CodePersistFailure      xerrors.Code = "LEDGER_PERSIST_FAILED"
)

func init() {
	xerrors.Register(CodeInvalidAmount, xerrors.Attributes{
		Message:   "amount must be positive",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeNotLoaded, xerrors.Attributes{
		Message:   "ledger not loaded",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTransactionNotFound, xerrors.Attributes{
		Message:   "transaction not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodePersistFailure, xerrors.Attributes{
		Message:   "failed to persist ledger snapshot",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}

func cloneTransaction(tx Transaction) Transaction {
	clone := tx
	if tx.Usage != nil {
		usage := make(map[billing.Meter]int64, len(tx.Usage))
		for meter, units := range tx.Usage {
			usage[meter] = units
		}
		clone.Usage = usage
	}
	return clone
}

func cloneSnapshot(snap Snapshot) Snapshot {
	clone := snap
	clone.Transactions = make([]Transaction, len(snap.Transactions))
	for i, tx := range snap.Transactions {
		clone.Transactions[i] = cloneTransaction(tx)
	}
	return clone
}
