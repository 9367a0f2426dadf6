package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
)

const defaultFailureMessage = "Payment failed due to insufficient funds or network error."

// Machine drives attempts from Form through settlement.
// It keeps no registry of attempts; serializing attempts per target is up to the caller.
type Machine struct {
	settler       Settler
	observers     []Observer
	logger        *slog.Logger
	settleTimeout time.Duration
	now           func() time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithObserver registers an observer for every status change.
func WithObserver(o Observer) Option {
	return func(m *Machine) { m.observers = append(m.observers, o) }
}

// WithSettleTimeout bounds each settlement call. Zero means no bound.
func WithSettleTimeout(d time.Duration) Option {
	return func(m *Machine) { m.settleTimeout = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// NewMachine creates a machine that settles through settler.
func NewMachine(settler Settler, logger *slog.Logger, opts ...Option) *Machine {
	m := &Machine{
		settler: settler,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Submit validates the attempt and settles it inline.
// It returns nil once a terminal status is reached; a failed settlement is a status, not an error.
// If ctx ends while waiting on the gateway, Submit returns ctx.Err() and the attempt stays in
// Processing; a late result is discarded.
func (m *Machine) Submit(ctx context.Context, a *Attempt) error {
	if _, err := m.initiate(ctx, a); err != nil {
		return err
	}
	return m.settle(ctx, a, nil)
}

// Start validates the attempt synchronously and settles it on a new goroutine.
// The returned channel yields the Initiated, Processing and terminal snapshots in order, then closes.
// It closes early if ctx ends or the attempt is released mid-settlement.
func (m *Machine) Start(ctx context.Context, a *Attempt) (<-chan Snapshot, error) {
	snap, err := m.initiate(ctx, a)
	if err != nil {
		return nil, err
	}

	out := make(chan Snapshot, 3)
	out <- snap
	go func() {
		defer close(out)
		if err := m.settle(ctx, a, out); err != nil {
			m.logger.Debug("settlement stopped", "attempt_id", a.ID(), "error", err)
		}
	}()
	return out, nil
}

func (m *Machine) initiate(ctx context.Context, a *Attempt) (Snapshot, error) {
	snap, err := a.transition("Submit", StatusInitiated, func() error {
		if err := a.amount.Validate(); err != nil {
			return fmt.Errorf("Submit: %w: %w", ErrInvalidSubmission, err)
		}
		if !a.amount.Total.IsPositive() {
			return fmt.Errorf("Submit: total %s: %w", a.amount.Total, ErrInvalidSubmission)
		}
		if a.instrument.IsZero() {
			return fmt.Errorf("Submit: %w", ErrMissingInstrument)
		}
		a.orderID = newID("ORD")
		a.startedAt = m.now()
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	m.notify(ctx, snap)
	return snap, nil
}

func (m *Machine) settle(ctx context.Context, a *Attempt, out chan<- Snapshot) error {
	snap, err := a.transition("settle", StatusProcessing, func() error {
		a.transactionID = newID("TXN")
		return nil
	})
	if err != nil {
		return err
	}
	m.emit(ctx, snap, out)

	outcome, err := m.await(ctx, a.settlementRequest())
	if err != nil {
		m.logger.Warn("stopped waiting for settlement",
			"attempt_id", snap.AttemptID,
			"transaction_id", snap.TransactionID,
			"error", err,
		)
		return err
	}

	if outcome.Succeeded {
		snap, err = a.transition("settle", StatusCompleted, func() error {
			a.settledAt = m.now()
			a.receipt = &Receipt{
				AttemptID:     a.id,
				OrderID:       a.orderID,
				TransactionID: a.transactionID,
				Amount:        a.amount,
				Instrument:    a.instrument.Masked(),
				Comment:       a.comment,
				SettledAt:     a.settledAt,
			}
			return nil
		})
	} else {
		reason := normalizeReason(outcome.Reason)
		snap, err = a.transition("settle", StatusFailed, func() error {
			a.reason = &reason
			return nil
		})
	}
	if err != nil {
		m.logger.Info("settlement result discarded",
			"attempt_id", a.ID(),
			"succeeded", outcome.Succeeded,
			"error", err,
		)
		return err
	}
	m.emit(ctx, snap, out)
	return nil
}

// await calls the settler and waits for its verdict. Gateway errors become failed outcomes.
// The only error returned is the caller's context ending.
func (m *Machine) await(ctx context.Context, req SettlementRequest) (Outcome, error) {
	settleCtx, cancel := ctx, context.CancelFunc(func() {})
	if m.settleTimeout > 0 {
		settleCtx, cancel = context.WithTimeout(ctx, m.settleTimeout)
	}
	defer cancel()

	type result struct {
		outcome Outcome
		err     error
	}
	done := make(chan result, 1)
	go func() {
		outcome, err := m.settler.Settle(settleCtx, req)
		done <- result{outcome: outcome, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-settleCtx.Done():
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		res = result{err: settleCtx.Err()}
	}

	if res.err == nil {
		return res.outcome, nil
	}
	if ctx.Err() != nil {
		return Outcome{}, ctx.Err()
	}

	m.logger.Error("settlement call failed",
		"attempt_id", req.AttemptID,
		"transaction_id", req.TransactionID,
		"error", res.err,
	)
	if errors.Is(res.err, context.DeadlineExceeded) {
		return Failed(FailureTimeout, "Payment timed out before the gateway responded."), nil
	}
	return Failed(FailureGatewayError, "Payment gateway is unavailable. Please try again."), nil
}

func (m *Machine) emit(ctx context.Context, snap Snapshot, out chan<- Snapshot) {
	m.notify(ctx, snap)
	if out != nil {
		out <- snap
	}
}

func (m *Machine) notify(ctx context.Context, snap Snapshot) {
	for _, o := range m.observers {
		o.AttemptChanged(ctx, snap)
	}
}

func normalizeReason(r FailureReason) FailureReason {
	if r.Category == "" {
		r.Category = FailureUnknown
	}
	if r.Message == "" {
		r.Message = defaultFailureMessage
	}
	return r
}

func newID(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, ulid.Make().String())
}
