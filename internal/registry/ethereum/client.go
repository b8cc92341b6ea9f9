// Package ethereum binds the agent-registry contract on EVM compatible
// chains.
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

	"MeterVault/internal/billing"
	"MeterVault/internal/registry"
	"MeterVault/internal/vault"
)

const registryABI = `[
  {"type":"function","name":"latestRateVersion","stateMutability":"view","inputs":[{"name":"agentId","type":"uint32"}],"outputs":[{"name":"","type":"uint32"}]},
  {"type":"function","name":"getRateCard","stateMutability":"view","inputs":[{"name":"agentId","type":"uint32"},{"name":"version","type":"uint32"}],"outputs":[{"name":"llmIn","type":"int256"},{"name":"llmOut","type":"int256"},{"name":"httpCalls","type":"int256"},{"name":"runtimeMs","type":"int256"}]},
  {"type":"function","name":"getAgent","stateMutability":"view","inputs":[{"name":"agentId","type":"uint32"}],"outputs":[{"name":"developer","type":"address"},{"name":"runners","type":"address[]"},{"name":"latestRateVersion","type":"uint32"}]}
]`

// Config describes how to reach the deployed registry contract.
type Config struct {
	RPCURL          string
	ContractAddress string
}

// Client implements registry.Client against a bound EVM contract.
type Client struct {
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	contract  *bind.BoundContract
}

// NewClient dials the RPC endpoint and binds the registry contract.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("registry rpc url is required")
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("invalid registry contract address: %q", cfg.ContractAddress)
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial registry rpc: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	parsedABI, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("parse registry abi: %w", err)
	}

	contract := bind.NewBoundContract(common.HexToAddress(cfg.ContractAddress), parsedABI, eth, eth, eth)
	return &Client{rpcClient: rpcClient, eth: eth, contract: contract}, nil
}

// LatestRateVersion implements registry.Client.
func (c *Client) LatestRateVersion(ctx context.Context, agentID uint32) (uint32, error) {
	var out []interface{}
	opts := &bind.CallOpts{Context: ctx}
	if err := c.contract.Call(opts, &out, "latestRateVersion", agentID); err != nil {
		return 0, fmt.Errorf("registry latestRateVersion: %w", err)
	}
	if len(out) != 1 {
		return 0, errors.New("registry latestRateVersion: unexpected result shape")
	}
	version, ok := out[0].(uint32)
	if !ok {
		return 0, errors.New("registry latestRateVersion: unexpected result type")
	}
	return version, nil
}

// GetRateCard implements registry.Client.
func (c *Client) GetRateCard(ctx context.Context, agentID, version uint32) (billing.Rates, error) {
	var out []interface{}
	opts := &bind.CallOpts{Context: ctx}
	if err := c.contract.Call(opts, &out, "getRateCard", agentID, version); err != nil {
		return billing.Rates{}, fmt.Errorf("registry getRateCard: %w", err)
	}
	if len(out) != 4 {
		return billing.Rates{}, errors.New("registry getRateCard: unexpected result shape")
	}

	values := make([]int64, 4)
	for i, item := range out {
		raw, ok := item.(*big.Int)
		if !ok {
			return billing.Rates{}, errors.New("registry getRateCard: unexpected result type")
		}
		units, err := vault.CoerceUnits(raw)
		if err != nil {
			return billing.Rates{}, err
		}
		values[i] = units
	}
	return billing.Rates{
		LLMIn:     values[0],
		LLMOut:    values[1],
		HTTPCalls: values[2],
		RuntimeMS: values[3],
	}, nil
}

// GetAgent implements registry.Client.
func (c *Client) GetAgent(ctx context.Context, agentID uint32) (registry.Agent, error) {
	var out []interface{}
	opts := &bind.CallOpts{Context: ctx}
	if err := c.contract.Call(opts, &out, "getAgent", agentID); err != nil {
		return registry.Agent{}, fmt.Errorf("registry getAgent: %w", err)
	}
	if len(out) != 3 {
		return registry.Agent{}, errors.New("registry getAgent: unexpected result shape")
	}
	developer, ok := out[0].(common.Address)
	if !ok {
		return registry.Agent{}, errors.New("registry getAgent: unexpected developer type")
	}
	runners, ok := out[1].([]common.Address)
	if !ok {
		return registry.Agent{}, errors.New("registry getAgent: unexpected runners type")
	}
	version, ok := out[2].(uint32)
	if !ok {
		return registry.Agent{}, errors.New("registry getAgent: unexpected version type")
	}
	return registry.Agent{
		AgentID:           agentID,
		Developer:         developer,
		Runners:           runners,
		LatestRateVersion: version,
	}, nil
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

var _ registry.Client = (*Client)(nil)
