// Package events mirrors wallet lifecycle events to an external broker so
// downstream consumers (billing dashboards, alerting) can follow runs without
// polling the wallet. Publishing is best effort: a failed publish is logged
// by the caller and never blocks a ledger commit.
package events

import (
	"context"
	"time"
)

// Type identifies a wallet lifecycle event.
type Type string

const (
	TypeRunOpened     Type = "run_opened"
	TypeRunFinalized  Type = "run_finalized"
	TypeBalanceSynced Type = "balance_synced"
)

// Event is one published wallet lifecycle record.
type Event struct {
	Type            Type   `json:"type"`
	Session         string `json:"session"`
	RunnerRequestID string `json:"runnerRequestId,omitempty"`
	ContractRunID   string `json:"contractRunId,omitempty"`
	Status          string `json:"status,omitempty"`
	AmountUnits     int64  `json:"amount,omitempty"`
	BalanceUnits    int64  `json:"balance"`
	OccurredAt      int64  `json:"occurredAt"`
}

// Publisher delivers wallet events to an external broker.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Stamp fills OccurredAt when the caller left it zero.
func Stamp(event Event) Event {
	if event.OccurredAt == 0 {
		event.OccurredAt = time.Now().Unix()
	}
	return event
}
