package payment

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Attempt is one payment attempt. The caller holds the only reference for its lifetime.
// Fields are guarded so snapshots can be taken while settlement runs on another goroutine.
type Attempt struct {
	mu sync.Mutex

	id            string
	orderID       string
	transactionID string
	amount        ResolvedAmount
	instrument    Instrument
	comment       string
	status        Status
	reason        *FailureReason
	receipt       *Receipt
	sequence      int
	previousID    string
	createdAt     time.Time
	startedAt     time.Time
	settledAt     time.Time
}

// Snapshot is an immutable copy of an attempt for rendering and persistence.
// The instrument is always masked.
type Snapshot struct {
	AttemptID         string         `json:"attempt_id"`
	OrderID           string         `json:"order_id,omitempty"`
	TransactionID     string         `json:"transaction_id,omitempty"`
	Amount            ResolvedAmount `json:"amount"`
	Instrument        Instrument     `json:"instrument"`
	Status            Status         `json:"status"`
	ErrorReason       *FailureReason `json:"error_reason,omitempty"`
	Comment           string         `json:"comment,omitempty"`
	Sequence          int            `json:"sequence"`
	PreviousAttemptID string         `json:"previous_attempt_id,omitempty"`
	Receipt           *Receipt       `json:"receipt,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	StartedAt         *time.Time     `json:"started_at,omitempty"`
	SettledAt         *time.Time     `json:"settled_at,omitempty"`
}

// NewAttempt creates an attempt in Form status bound to the values Submit will use.
func NewAttempt(amount ResolvedAmount, instrument Instrument, comment string) *Attempt {
	return &Attempt{
		id:         ulid.Make().String(),
		amount:     amount,
		instrument: instrument.clone(),
		comment:    comment,
		status:     StatusForm,
		sequence:   1,
		createdAt:  time.Now().UTC(),
	}
}

// ID returns the attempt id.
func (a *Attempt) ID() string {
	return a.id
}

// Status returns the current status.
func (a *Attempt) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Snapshot returns a copy of the attempt's current state.
func (a *Attempt) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Attempt) snapshotLocked() Snapshot {
	s := Snapshot{
		AttemptID:         a.id,
		OrderID:           a.orderID,
		TransactionID:     a.transactionID,
		Amount:            a.amount,
		Instrument:        a.instrument.Masked(),
		Status:            a.status,
		Comment:           a.comment,
		Sequence:          a.sequence,
		PreviousAttemptID: a.previousID,
		CreatedAt:         a.createdAt,
	}
	if a.reason != nil {
		r := *a.reason
		s.ErrorReason = &r
	}
	if a.receipt != nil {
		r := *a.receipt
		s.Receipt = &r
	}
	if !a.startedAt.IsZero() {
		t := a.startedAt
		s.StartedAt = &t
	}
	if !a.settledAt.IsZero() {
		t := a.settledAt
		s.SettledAt = &t
	}
	return s
}

// transition moves the attempt to status to, running apply under the lock first.
// apply may veto the change by returning an error, in which case nothing is modified.
func (a *Attempt) transition(op string, to Status, apply func() error) (Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.status.Released() {
		return Snapshot{}, ErrAttemptReleased
	}
	if !canTransition(a.status, to) {
		return Snapshot{}, &TransitionError{Op: op, From: a.status, To: to}
	}
	if apply != nil {
		if err := apply(); err != nil {
			return Snapshot{}, err
		}
	}
	a.status = to
	return a.snapshotLocked(), nil
}

// Retry replaces a failed attempt with a new one in Form status.
// Amount, instrument and comment carry over; identifiers and the failure reason do not.
// The failed attempt is released.
func (a *Attempt) Retry() (*Attempt, error) {
	var next *Attempt
	_, err := a.transition("Retry", StatusRetried, func() error {
		next = NewAttempt(a.amount, a.instrument, a.comment)
		next.sequence = a.sequence + 1
		next.previousID = a.id
		return nil
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

// Abandon discards the attempt. During settlement the pending result is dropped when it arrives;
// the settlement itself is not aborted.
func (a *Attempt) Abandon() error {
	_, err := a.transition("Abandon", StatusAbandoned, nil)
	return err
}

// Acknowledge collects the receipt of a completed attempt and releases it.
func (a *Attempt) Acknowledge() (Receipt, error) {
	var receipt Receipt
	_, err := a.transition("Acknowledge", StatusAcknowledged, func() error {
		receipt = *a.receipt
		return nil
	})
	return receipt, err
}

func (a *Attempt) settlementRequest() SettlementRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return SettlementRequest{
		AttemptID:     a.id,
		OrderID:       a.orderID,
		TransactionID: a.transactionID,
		Amount:        a.amount.Total,
		Instrument:    a.instrument.clone(),
		Comment:       a.comment,
	}
}
