// Package runner talks to the external run queue service that executes
// metered agent runs. Run records are read-only to the wallet core.
package runner

import (
	"context"

	"MeterVault/internal/billing"
)

// Status is a run's lifecycle state as reported by the run queue.
type Status string

const (
	StatusPending    Status = "pending"
	StatusOpening    Status = "opening"
	StatusRunning    Status = "running"
	StatusFinalizing Status = "finalizing"
	StatusFinalized  Status = "finalized"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further status change is expected. Any other
// state, including ones this client does not know, counts as in-flight and
// stays subject to polling.
func (s Status) Terminal() bool {
	return s == StatusFinalized || s == StatusFailed
}

// Known reports whether the status is one of the documented lifecycle states.
func (s Status) Known() bool {
	switch s {
	case StatusPending, StatusOpening, StatusRunning, StatusFinalizing, StatusFinalized, StatusFailed:
		return true
	}
	return false
}

// Receipt is the settlement attached to a finalized run.
type Receipt struct {
	ActualChargeUnits int64 `json:"actualCharge"`
	RefundUnits       int64 `json:"refund"`
	FinalizedAt       int64 `json:"finalizedAt"`
}

// Run is one external run record.
type Run struct {
	ID            string        `json:"id"`
	Status        Status        `json:"status"`
	ContractRunID string        `json:"contractRunId,omitempty"`
	Budgets       billing.Usage `json:"budgets"`
	Error         string        `json:"error,omitempty"`
	Receipt       *Receipt      `json:"receipt,omitempty"`
}

// SubmitRequest is the payload for creating a run.
type SubmitRequest struct {
	User        string         `json:"user"`
	AgentID     uint32         `json:"agentId"`
	RateVersion uint32         `json:"rateVersion"`
	Budgets     billing.Usage  `json:"budgets"`
	WorkflowID  string         `json:"workflowId,omitempty"`
	Label       string         `json:"label,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Service abstracts the run queue so the wallet can be tested with fakes.
type Service interface {
	SubmitRun(ctx context.Context, req SubmitRequest) (Run, error)
	ListRuns(ctx context.Context) ([]Run, error)
	RetryRun(ctx context.Context, id string) (Run, error)
}
