// Package payout submits automatic settlement transfers to a payout rail and
// reports the rail's outcome back to the workflow.
package payout

import (
	"context"

	"github.com/shopspring/decimal"

	"freeflow/internal/domain"
)

// Transfer is one automatic payout. SettlementID doubles as the idempotency
// key, so a rail sees the same key across retries.
type Transfer struct {
	SettlementID string                  `json:"settlement_id"`
	Amount       decimal.Decimal         `json:"amount"`
	Currency     string                  `json:"currency"`
	Destination  string                  `json:"destination"`
	Method       domain.SettlementMethod `json:"method"`
}

type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) Valid() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Result is the rail's final answer for a transfer.
type Result struct {
	SettlementID string `json:"settlement_id"`
	Status       Status `json:"status"`
	RailRef      string `json:"rail_ref,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// Receipt acknowledges a submission. Result is set when the rail answered
// synchronously; otherwise the answer arrives through the callback endpoint.
type Receipt struct {
	RailRef string
	Result  *Result
}

type Rail interface {
	Name() string
	Submit(ctx context.Context, t Transfer) (Receipt, error)
}

// ResultHandler applies a rail result to the settlement it belongs to.
type ResultHandler func(ctx context.Context, r Result) error
