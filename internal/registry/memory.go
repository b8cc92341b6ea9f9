package registry

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"MeterVault/internal/billing"
)

type rateKey struct {
	agentID uint32
	version uint32
}

// MemoryRegistry mimics the registry contract in memory, mainly for tests.
type MemoryRegistry struct {
	mu     sync.Mutex
	agents map[uint32]Agent
	rates  map[rateKey]billing.Rates

	// Err, when set, is returned by every call.
	Err error
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		agents: make(map[uint32]Agent),
		rates:  make(map[rateKey]billing.Rates),
	}
}

// Register seeds an agent with an initial rate card at version 1.
func (r *MemoryRegistry) Register(agentID uint32, developer common.Address, runners []common.Address, rates billing.Rates) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[agentID] = Agent{
		AgentID:           agentID,
		Developer:         developer,
		Runners:           append([]common.Address(nil), runners...),
		LatestRateVersion: 1,
	}
	r.rates[rateKey{agentID: agentID, version: 1}] = rates
}

// PublishRateCard seeds a newer rate card version.
func (r *MemoryRegistry) PublishRateCard(agentID uint32, rates billing.Rates) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent := r.agents[agentID]
	agent.LatestRateVersion++
	r.agents[agentID] = agent
	r.rates[rateKey{agentID: agentID, version: agent.LatestRateVersion}] = rates
	return agent.LatestRateVersion
}

// LatestRateVersion implements Client.
func (r *MemoryRegistry) LatestRateVersion(_ context.Context, agentID uint32) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return 0, r.Err
	}
	agent, ok := r.agents[agentID]
	if !ok {
		return 0, ErrAgentNotFound
	}
	return agent.LatestRateVersion, nil
}

// GetRateCard implements Client.
func (r *MemoryRegistry) GetRateCard(_ context.Context, agentID, version uint32) (billing.Rates, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return billing.Rates{}, r.Err
	}
	rates, ok := r.rates[rateKey{agentID: agentID, version: version}]
	if !ok {
		return billing.Rates{}, ErrAgentNotFound
	}
	return rates, nil
}

// GetAgent implements Client.
func (r *MemoryRegistry) GetAgent(_ context.Context, agentID uint32) (Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return Agent{}, r.Err
	}
	agent, ok := r.agents[agentID]
	if !ok {
		return Agent{}, ErrAgentNotFound
	}
	clone := agent
	clone.Runners = append([]common.Address(nil), agent.Runners...)
	return clone, nil
}

// Close implements Client.
func (r *MemoryRegistry) Close() {}

var _ Client = (*MemoryRegistry)(nil)
