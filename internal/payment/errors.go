package payment

import (
	"errors"
	"fmt"
)

// Resolver input errors. All are caller-correctable.
var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrEmptySelection = errors.New("no invoices selected")
	ErrInvalidAmount  = errors.New("invalid amount")
)

// Submission and lifecycle errors.
var (
	ErrInvalidSubmission = errors.New("invalid submission: total must be positive")
	ErrMissingInstrument = errors.New("missing payment instrument")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrAttemptReleased   = errors.New("attempt already released")
)

// TransitionError reports an operation that is not allowed from the attempt's current status.
type TransitionError struct {
	Op   string
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: cannot move from %s to %s", e.Op, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
