package gateway

import (
	"context"

	"github.com/shopspring/decimal"
)

// Status tags a gateway result
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
)

// Result is the outcome of a gateway operation. A FAILURE result is a
// business decline (card refused, nothing to unstore); transport errors
// are returned as errors instead.
type Result struct {
	Status   Status          `json:"status"`
	ChargeID string          `json:"charge_id,omitempty"`
	Amount   decimal.Decimal `json:"amount"`
	Message  string          `json:"message,omitempty"`
}

// Succeeded reports whether the operation succeeded
func (r Result) Succeeded() bool {
	return r.Status == StatusSuccess
}

// Failure builds a FAILURE result
func Failure(message string) Result {
	return Result{Status: StatusFailure, Message: message}
}

// CardData is the card metadata shown to organization admins
type CardData struct {
	Brand      string `json:"brand"`
	Last4      string `json:"last4"`
	Expiration string `json:"expiration"`
	Holder     string `json:"holder"`
}

// EventType is a gateway webhook event type
type EventType string

const (
	EventChargeSucceeded       EventType = "charge.succeeded"
	EventChargeFailed          EventType = "charge.failed"
	EventChargeDisputeCreated  EventType = "charge.dispute.created"
	EventPaymentMethodAttached EventType = "payment_method.attached"
)

// Event is a verified gateway webhook event reduced to the fields the
// invoice ledger consumes. ChargeRef matches Result.ChargeID.
type Event struct {
	ID          string
	Type        EventType
	ChargeRef   string
	CustomerRef string
	Disputed    bool
}

// Gateway is the payment gateway port used by billing
type Gateway interface {
	Authorize(ctx context.Context, customer string) (Result, error)
	Purchase(ctx context.Context, amount decimal.Decimal, customer string) (Result, error)
	Unstore(ctx context.Context, customer string) (Result, error)
	GetCardData(ctx context.Context, customer string) (*CardData, error)
	Refund(ctx context.Context, chargeRef string) (Result, error)
}
