// Package vault talks to the authoritative prepaid-vault contract. The vault
// holds the real funds; everything read from it is coerced into typed values
// at this boundary before it reaches the core.
package vault

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	xerrors "MeterVault/internal/errors"
)

// Client is the minimal vault surface the wallet core needs. Amounts are
// fixed-point units. Mutating calls take the caller's transact opts because
// signing stays outside the core.
type Client interface {
	BalanceOf(ctx context.Context, user common.Address) (int64, error)
	Deposit(ctx context.Context, auth *bind.TransactOpts, user common.Address, amountUnits int64) error
	Withdraw(ctx context.Context, auth *bind.TransactOpts, user common.Address, amountUnits int64) error
	GrantRunner(ctx context.Context, auth *bind.TransactOpts, user, runner common.Address, agentID uint32) error
	RevokeRunner(ctx context.Context, auth *bind.TransactOpts, user, runner common.Address, agentID uint32) error
	IsRunnerAuthorized(ctx context.Context, user, runner common.Address, agentID uint32) (bool, error)
	Close()
}

const (
	CodeBadBalance xerrors.Code = "VAULT_BAD_BALANCE"
)

func init() {
	xerrors.Register(CodeBadBalance, xerrors.Attributes{
		Message:   "vault returned an unusable balance",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// CoerceUnits validates a raw on-chain amount and narrows it to int64 units.
func CoerceUnits(raw *big.Int) (int64, error) {
	if raw == nil {
		return 0, xerrors.New(CodeBadBalance, "vault returned a nil amount")
	}
	if !raw.IsInt64() {
		return 0, xerrors.New(CodeBadBalance, "vault amount does not fit 64 bits")
	}
	return raw.Int64(), nil
}
