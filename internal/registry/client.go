// Package registry reads agent records and versioned rate cards from the
// agent-registry contract. Raw contract results are coerced into AgentConfig
// before the core sees them.
package registry

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"MeterVault/internal/billing"
	xerrors "MeterVault/internal/errors"
)

// Client is the registry surface the wallet core needs.
type Client interface {
	LatestRateVersion(ctx context.Context, agentID uint32) (uint32, error)
	GetRateCard(ctx context.Context, agentID, version uint32) (billing.Rates, error)
	GetAgent(ctx context.Context, agentID uint32) (Agent, error)
	Close()
}

// Agent is the coerced agent record.
type Agent struct {
	AgentID           uint32
	Developer         common.Address
	Runners           []common.Address
	LatestRateVersion uint32
}

// AgentConfig is the per-agent billing view cached by the wallet for one
// session: the latest rate version, its rates, and the authorized runners.
// Configs are replaced wholesale on refetch, never mutated in place.
type AgentConfig struct {
	AgentID     uint32
	RateVersion uint32
	Rates       billing.Rates
	Runners     []common.Address
}

// HasRunner reports whether the executor address is in the agent's runner set.
func (c AgentConfig) HasRunner(runner common.Address) bool {
	for _, candidate := range c.Runners {
		if candidate == runner {
			return true
		}
	}
	return false
}

const (
	CodeAgentNotFound xerrors.Code = "REGISTRY_AGENT_NOT_FOUND"
	CodeBadRateCard   xerrors.Code = "REGISTRY_BAD_RATE_CARD"
)

// ErrAgentNotFound indicates an agent id the registry does not know.
var ErrAgentNotFound = xerrors.New(CodeAgentNotFound, "agent not found")

func init() {
	xerrors.Register(CodeAgentNotFound, xerrors.Attributes{
		Message:   "agent not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeBadRateCard, xerrors.Attributes{
		Message:   "registry returned an unusable rate card",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// FetchConfig resolves the current AgentConfig for an agent: latest rate
// version, the matching rate card, and the runner set.
func FetchConfig(ctx context.Context, client Client, agentID uint32) (AgentConfig, error) {
	version, err := client.LatestRateVersion(ctx, agentID)
	if err != nil {
		return AgentConfig{}, err
	}
	rates, err := client.GetRateCard(ctx, agentID, version)
	if err != nil {
		return AgentConfig{}, err
	}
	if !rates.NonNegative() {
		return AgentConfig{}, xerrors.New(CodeBadRateCard, "rate card has negative rates")
	}
	agent, err := client.GetAgent(ctx, agentID)
	if err != nil {
		return AgentConfig{}, err
	}
	return AgentConfig{
		AgentID:     agentID,
		RateVersion: version,
		Rates:       rates,
		Runners:     append([]common.Address(nil), agent.Runners...),
	}, nil
}
