// Package ethereum binds the vault contract on EVM compatible chains.
package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"MeterVault/internal/vault"
)

const vaultABI = `[
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"int256"}]},
  {"type":"function","name":"deposit","stateMutability":"nonpayable","inputs":[{"name":"user","type":"address"},{"name":"amount","type":"int256"}],"outputs":[]},
  {"type":"function","name":"withdraw","stateMutability":"nonpayable","inputs":[{"name":"user","type":"address"},{"name":"amount","type":"int256"}],"outputs":[]},
  {"type":"function","name":"grantRunner","stateMutability":"nonpayable","inputs":[{"name":"user","type":"address"},{"name":"runner","type":"address"},{"name":"agentId","type":"uint32"}],"outputs":[]},
  {"type":"function","name":"revokeRunner","stateMutability":"nonpayable","inputs":[{"name":"user","type":"address"},{"name":"runner","type":"address"},{"name":"agentId","type":"uint32"}],"outputs":[]},
  {"type":"function","name":"isRunnerAuthorized","stateMutability":"view","inputs":[{"name":"user","type":"address"},{"name":"runner","type":"address"},{"name":"agentId","type":"uint32"}],"outputs":[{"name":"","type":"bool"}]}
]`

// Config describes how to reach the deployed vault contract.
type Config struct {
	RPCURL          string
	ContractAddress string
}

// Client implements vault.Client against a bound EVM contract.
type Client struct {
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	contract  *bind.BoundContract
	address   common.Address
}

// NewClient dials the RPC endpoint and binds the vault contract.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("vault rpc url is required")
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("invalid vault contract address: %q", cfg.ContractAddress)
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial vault rpc: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	parsedABI, err := abi.JSON(strings.NewReader(vaultABI))
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("parse vault abi: %w", err)
	}

	address := common.HexToAddress(cfg.ContractAddress)
	contract := bind.NewBoundContract(address, parsedABI, eth, eth, eth)
	return &Client{rpcClient: rpcClient, eth: eth, contract: contract, address: address}, nil
}

// BalanceOf implements vault.Client.
func (c *Client) BalanceOf(ctx context.Context, user common.Address) (int64, error) {
	var out []interface{}
	opts := &bind.CallOpts{Context: ctx}
	if err := c.contract.Call(opts, &out, "balanceOf", user); err != nil {
		return 0, fmt.Errorf("vault balanceOf: %w", err)
	}
	if len(out) != 1 {
		return 0, errors.New("vault balanceOf: unexpected result shape")
	}
	raw, ok := out[0].(*big.Int)
	if !ok {
		return 0, errors.New("vault balanceOf: unexpected result type")
	}
	return vault.CoerceUnits(raw)
}

// Deposit implements vault.Client.
func (c *Client) Deposit(ctx context.Context, auth *bind.TransactOpts, user common.Address, amountUnits int64) error {
	return c.transact(ctx, auth, "deposit", user, big.NewInt(amountUnits))
}

// Withdraw implements vault.Client.
func (c *Client) Withdraw(ctx context.Context, auth *bind.TransactOpts, user common.Address, amountUnits int64) error {
	return c.transact(ctx, auth, "withdraw", user, big.NewInt(amountUnits))
}

// GrantRunner implements vault.Client.
func (c *Client) GrantRunner(ctx context.Context, auth *bind.TransactOpts, user, runner common.Address, agentID uint32) error {
	return c.transact(ctx, auth, "grantRunner", user, runner, agentID)
}

// RevokeRunner implements vault.Client.
func (c *Client) RevokeRunner(ctx context.Context, auth *bind.TransactOpts, user, runner common.Address, agentID uint32) error {
	return c.transact(ctx, auth, "revokeRunner", user, runner, agentID)
}

// IsRunnerAuthorized implements vault.Client.
func (c *Client) IsRunnerAuthorized(ctx context.Context, user, runner common.Address, agentID uint32) (bool, error) {
	var out []interface{}
	opts := &bind.CallOpts{Context: ctx}
	if err := c.contract.Call(opts, &out, "isRunnerAuthorized", user, runner, agentID); err != nil {
		return false, fmt.Errorf("vault isRunnerAuthorized: %w", err)
	}
	if len(out) != 1 {
		return false, errors.New("vault isRunnerAuthorized: unexpected result shape")
	}
	authorized, ok := out[0].(bool)
	if !ok {
		return false, errors.New("vault isRunnerAuthorized: unexpected result type")
	}
	return authorized, nil
}

// Close releases the RPC connection.
func (c *Client) Close() {
	if c == nil {
		return
	}
	if c.eth != nil {
		c.eth.Close()
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
}

func (c *Client) transact(ctx context.Context, auth *bind.TransactOpts, method string, params ...interface{}) error {
	if auth == nil {
		return errors.New("transact opts are required for vault writes")
	}
	originalCtx := auth.Context
	auth.Context = ctx
	defer func() { auth.Context = originalCtx }()

	if _, err := c.contract.Transact(auth, method, params...); err != nil {
		return fmt.Errorf("vault %s: %w", method, err)
	}
	return nil
}

var _ vault.Client = (*Client)(nil)
