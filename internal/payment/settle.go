package payment

import (
	"context"

	"billpay/internal/common/money"
)

// SettlementRequest is what the machine hands the gateway for one attempt.
type SettlementRequest struct {
	AttemptID     string
	OrderID       string
	TransactionID string
	Amount        money.Money
	Instrument    Instrument
	Comment       string
}

// Outcome is the gateway's verdict on a settlement.
type Outcome struct {
	Succeeded bool
	Reason    FailureReason
}

// Succeeded returns a successful outcome.
func Succeeded() Outcome {
	return Outcome{Succeeded: true}
}

// Failed returns a failed outcome with the given reason.
func Failed(category FailureCategory, message string) Outcome {
	return Outcome{Reason: FailureReason{Category: category, Message: message}}
}

// Settler performs the single asynchronous settlement step of an attempt.
// A returned error means the gateway could not give a verdict; the attempt then fails.
type Settler interface {
	Settle(ctx context.Context, req SettlementRequest) (Outcome, error)
}

// SettlerFunc adapts a function to Settler.
type SettlerFunc func(ctx context.Context, req SettlementRequest) (Outcome, error)

func (f SettlerFunc) Settle(ctx context.Context, req SettlementRequest) (Outcome, error) {
	return f(ctx, req)
}
