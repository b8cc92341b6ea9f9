package vault

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	xerrors "MeterVault/internal/errors"
)

type grantKey struct {
	user    common.Address
	runner  common.Address
	agentID uint32
}

// MemoryVault mimics the vault contract in memory, mainly for tests.
type MemoryVault struct {
	mu       sync.Mutex
	balances map[common.Address]int64
	grants   map[grantKey]bool

	// Err, when set, is returned by every call to simulate an unreachable
	// or failing contract.
	Err error
}

// NewMemoryVault creates an empty in-memory vault.
func NewMemoryVault() *MemoryVault {
	return &MemoryVault{
		balances: make(map[common.Address]int64),
		grants:   make(map[grantKey]bool),
	}
}

// SetBalance seeds the authoritative balance for a user.
func (v *MemoryVault) SetBalance(user common.Address, units int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balances[user] = units
}

// Authorize seeds a runner grant.
func (v *MemoryVault) Authorize(user, runner common.Address, agentID uint32) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.grants[grantKey{user: user, runner: runner, agentID: agentID}] = true
}

// BalanceOf implements Client.
func (v *MemoryVault) BalanceOf(_ context.Context, user common.Address) (int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.Err != nil {
		return 0, v.Err
	}
	return v.balances[user], nil
}

// Deposit implements Client.
func (v *MemoryVault) Deposit(_ context.Context, _ *bind.TransactOpts, user common.Address, amountUnits int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.Err != nil {
		return v.Err
	}
	if amountUnits <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "deposit amount must be positive")
	}
	v.balances[user] += amountUnits
	return nil
}

// Withdraw implements Client.
func (v *MemoryVault) Withdraw(_ context.Context, _ *bind.TransactOpts, user common.Address, amountUnits int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.Err != nil {
		return v.Err
	}
	if amountUnits <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "withdraw amount must be positive")
	}
	if v.balances[user] < amountUnits {
		return xerrors.New(xerrors.CodeInsufficientFunds, "insufficient balance")
	}
	v.balances[user] -= amountUnits
	return nil
}

// GrantRunner implements Client.
func (v *MemoryVault) GrantRunner(_ context.Context, _ *bind.TransactOpts, user, runner common.Address, agentID uint32) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.Err != nil {
		return v.Err
	}
	key := grantKey{user: user, runner: runner, agentID: agentID}
	if v.grants[key] {
		return xerrors.New(xerrors.CodeConflict, "runner grant exists")
	}
	v.grants[key] = true
	return nil
}

// RevokeRunner implements Client.
func (v *MemoryVault) RevokeRunner(_ context.Context, _ *bind.TransactOpts, user, runner common.Address, agentID uint32) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.Err != nil {
		return v.Err
	}
	key := grantKey{user: user, runner: runner, agentID: agentID}
	if !v.grants[key] {
		return xerrors.New(xerrors.CodeNotFound, "runner grant not found")
	}
	delete(v.grants, key)
	return nil
}

// IsRunnerAuthorized implements Client.
func (v *MemoryVault) IsRunnerAuthorized(_ context.Context, user, runner common.Address, agentID uint32) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.Err != nil {
		return false, v.Err
	}
	return v.grants[grantKey{user: user, runner: runner, agentID: agentID}], nil
}

// Close implements Client.
func (v *MemoryVault) Close() {}

var _ Client = (*MemoryVault)(nil)
