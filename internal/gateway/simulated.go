package gateway

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"billpay/internal/payment"
)

const simulatedFailureMessage = "Payment failed due to insufficient funds or network error."

// Simulated stands in for a real gateway: it waits, then succeeds with probability SuccessRatio.
type Simulated struct {
	InitiatedDelay  time.Duration
	ProcessingDelay time.Duration
	SuccessRatio    float64

	mu     sync.Mutex
	rand   *rand.Rand
	logger *slog.Logger
}

// NewSimulated creates a simulated gateway seeded from the clock.
func NewSimulated(initiated, processing time.Duration, successRatio float64, logger *slog.Logger) *Simulated {
	return NewSimulatedWithRand(initiated, processing, successRatio, rand.New(rand.NewSource(time.Now().UnixNano())), logger)
}

// NewSimulatedWithRand creates a simulated gateway with a caller-supplied random source.
func NewSimulatedWithRand(initiated, processing time.Duration, successRatio float64, r *rand.Rand, logger *slog.Logger) *Simulated {
	return &Simulated{
		InitiatedDelay:  initiated,
		ProcessingDelay: processing,
		SuccessRatio:    successRatio,
		rand:            r,
		logger:          logger,
	}
}

// Settle implements payment.Settler.
func (s *Simulated) Settle(ctx context.Context, req payment.SettlementRequest) (payment.Outcome, error) {
	if err := sleep(ctx, s.InitiatedDelay); err != nil {
		return payment.Outcome{}, err
	}
	s.logger.Debug("simulated gateway accepted payment",
		"order_id", req.OrderID,
		"transaction_id", req.TransactionID,
	)
	if err := sleep(ctx, s.ProcessingDelay); err != nil {
		return payment.Outcome{}, err
	}

	s.mu.Lock()
	roll := s.rand.Float64()
	category := payment.FailureInsufficientFunds
	if s.rand.Intn(2) == 1 {
		category = payment.FailureNetworkError
	}
	s.mu.Unlock()

	if roll < s.SuccessRatio {
		return payment.Succeeded(), nil
	}
	return payment.Failed(category, simulatedFailureMessage), nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Scripted returns queued outcomes in order, then succeeds.
type Scripted struct {
	mu       sync.Mutex
	outcomes []payment.Outcome
}

// NewScripted creates a scripted gateway.
func NewScripted(outcomes ...payment.Outcome) *Scripted {
	return &Scripted{outcomes: outcomes}
}

// Settle implements payment.Settler.
func (s *Scripted) Settle(ctx context.Context, _ payment.SettlementRequest) (payment.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return payment.Outcome{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.outcomes) == 0 {
		return payment.Succeeded(), nil
	}
	next := s.outcomes[0]
	s.outcomes = s.outcomes[1:]
	return next, nil
}
