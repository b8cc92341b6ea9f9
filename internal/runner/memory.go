package runner

import (
	"context"
	"fmt"
	"sync"

	xerrors "MeterVault/internal/errors"
)

// MemoryQueue is an in-memory run queue, mainly for tests.
type MemoryQueue struct {
	mu     sync.Mutex
	runs   map[string]Run
	order  []string
	nextID int

	// SubmitErr and ListErr, when set, are returned by the matching call.
	SubmitErr error
	ListErr   error
}

// NewMemoryQueue creates an empty in-memory run queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{runs: make(map[string]Run)}
}

// SubmitRun implements Service.
func (q *MemoryQueue) SubmitRun(_ context.Context, req SubmitRequest) (Run, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.SubmitErr != nil {
		return Run{}, q.SubmitErr
	}
	q.nextID++
	run := Run{
		ID:      fmt.Sprintf("run-%d", q.nextID),
		Status:  StatusPending,
		Budgets: req.Budgets,
	}
	q.runs[run.ID] = run
	q.order = append(q.order, run.ID)
	return run, nil
}

// ListRuns implements Service.
func (q *MemoryQueue) ListRuns(_ context.Context) ([]Run, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ListErr != nil {
		return nil, q.ListErr
	}
	out := make([]Run, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, q.runs[id])
	}
	return out, nil
}

// RetryRun implements Service.
func (q *MemoryQueue) RetryRun(_ context.Context, id string) (Run, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	run, ok := q.runs[id]
	if !ok {
		return Run{}, xerrors.New(xerrors.CodeNotFound, "run not found")
	}
	run.Status = StatusPending
	run.Error = ""
	q.runs[id] = run
	return run, nil
}

// Fail marks a run failed with the given error message.
func (q *MemoryQueue) Fail(id, message string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	run, ok := q.runs[id]
	if !ok {
		return
	}
	run.Status = StatusFailed
	run.Error = message
	q.runs[id] = run
}

// SetStatus moves a run through its lifecycle, for test orchestration.
func (q *MemoryQueue) SetStatus(id string, status Status, contractRunID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	run, ok := q.runs[id]
	if !ok {
		return
	}
	run.Status = status
	if contractRunID != "" {
		run.ContractRunID = contractRunID
	}
	q.runs[id] = run
}

var _ Service = (*MemoryQueue)(nil)
