package payment

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billpay/internal/common/money"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func upi() Instrument {
	return Instrument{Method: MethodUPI, Details: map[string]string{DetailUPIID: "payer@bank"}}
}

// scripted returns the queued outcomes in order and records every request.
type scripted struct {
	mu       sync.Mutex
	outcomes []Outcome
	requests []SettlementRequest
}

func (s *scripted) Settle(_ context.Context, req SettlementRequest) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.outcomes) == 0 {
		return Outcome{}, errors.New("no outcome scripted")
	}
	next := s.outcomes[0]
	s.outcomes = s.outcomes[1:]
	return next, nil
}

type recorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *recorder) AttemptChanged(_ context.Context, snap Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, snap)
}

func (r *recorder) statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, len(r.snaps))
	for i, s := range r.snaps {
		out[i] = s.Status
	}
	return out
}

func collect(ch <-chan Snapshot) []Snapshot {
	var out []Snapshot
	for s := range ch {
		out = append(out, s)
	}
	return out
}

func mustCustom(t *testing.T, amount string) ResolvedAmount {
	t.Helper()
	r, err := ResolveCustom(amount)
	require.NoError(t, err)
	return r
}

func TestMachine_Start_SuccessSequence(t *testing.T) {
	m := NewMachine(&scripted{outcomes: []Outcome{Succeeded()}}, testLogger())
	a := NewAttempt(mustCustom(t, "50.00"), upi(), "march bill")

	seen := []Status{a.Snapshot().Status}
	ch, err := m.Start(context.Background(), a)
	require.NoError(t, err)
	snaps := collect(ch)
	for _, s := range snaps {
		seen = append(seen, s.Status)
	}

	assert.Equal(t, []Status{StatusForm, StatusInitiated, StatusProcessing, StatusCompleted}, seen)

	initiated, processing, completed := snaps[0], snaps[1], snaps[2]
	assert.True(t, strings.HasPrefix(initiated.OrderID, "ORD-"))
	assert.Empty(t, initiated.TransactionID)
	assert.NotNil(t, initiated.StartedAt)
	assert.True(t, strings.HasPrefix(processing.TransactionID, "TXN-"))
	assert.Equal(t, initiated.OrderID, completed.OrderID)
	assert.Equal(t, processing.TransactionID, completed.TransactionID)
	require.NotNil(t, completed.Receipt)
	require.NotNil(t, completed.SettledAt)
	assert.Equal(t, "50.00", completed.Receipt.Amount.Total.String())
	assert.Equal(t, "march bill", completed.Receipt.Comment)
}

func TestMachine_Start_FailureSequence(t *testing.T) {
	rec := &recorder{}
	m := NewMachine(&scripted{outcomes: []Outcome{Failed(FailureInsufficientFunds, "not enough money")}}, testLogger(), WithObserver(rec))
	a := NewAttempt(mustCustom(t, "50.00"), upi(), "")

	ch, err := m.Start(context.Background(), a)
	require.NoError(t, err)
	snaps := collect(ch)

	require.Len(t, snaps, 3)
	assert.Equal(t, []Status{StatusInitiated, StatusProcessing, StatusFailed}, rec.statuses())

	failed := snaps[2]
	require.NotNil(t, failed.ErrorReason)
	assert.Equal(t, FailureInsufficientFunds, failed.ErrorReason.Category)
	assert.NotEmpty(t, failed.OrderID, "ids stay visible after failure")
	assert.NotEmpty(t, failed.TransactionID)
	assert.Nil(t, failed.Receipt)
}

func TestMachine_Submit_ScenarioOutstanding(t *testing.T) {
	rec := &recorder{}
	m := NewMachine(&scripted{outcomes: []Outcome{Succeeded()}}, testLogger(), WithObserver(rec))

	amount, err := ResolveOutstanding(AccountPayable{AccountID: "ACC-1", AccountName: "Acme", OutstandingBalance: money.MustParse("245.50")})
	require.NoError(t, err)
	a := NewAttempt(amount, upi(), "")

	require.NoError(t, m.Submit(context.Background(), a))

	snap := a.Snapshot()
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.Equal(t, "245.50", snap.Amount.Total.String())
	assert.Equal(t, []Status{StatusInitiated, StatusProcessing, StatusCompleted}, rec.statuses())

	receipt, err := a.Acknowledge()
	require.NoError(t, err)
	assert.Equal(t, snap.OrderID, receipt.OrderID)
	assert.Equal(t, snap.TransactionID, receipt.TransactionID)
	assert.Equal(t, StatusAcknowledged, a.Status())

	_, err = a.Acknowledge()
	assert.ErrorIs(t, err, ErrAttemptReleased)
	assert.ErrorIs(t, a.Abandon(), ErrAttemptReleased)
}

func TestMachine_Submit_ScenarioInvoiceSelection(t *testing.T) {
	m := NewMachine(&scripted{outcomes: []Outcome{Succeeded()}}, testLogger())

	amount, err := ResolveInvoiceSelection([]InvoiceRef{
		{ID: "1", BaseAmount: money.MustParse("187.25"), LateFee: money.MustParse("25.00")},
		{ID: "2", BaseAmount: money.MustParse("345.75"), LateFee: money.Zero()},
	}, NewSelection("1", "2"))
	require.NoError(t, err)
	assert.Equal(t, "558.00", amount.Total.String())

	a := NewAttempt(amount, upi(), "")
	require.NoError(t, m.Submit(context.Background(), a))
	assert.Equal(t, StatusCompleted, a.Status())
	assert.Equal(t, "558.00", a.Snapshot().Amount.Total.String())
}

func TestMachine_FailureThenRetry(t *testing.T) {
	settler := &scripted{outcomes: []Outcome{
		Failed(FailureNetworkError, "connection reset"),
		Succeeded(),
	}}
	m := NewMachine(settler, testLogger())

	card := Instrument{Method: MethodCard, Details: map[string]string{DetailCardNumber: "4111111111111234"}}
	first := NewAttempt(mustCustom(t, "80.00"), card, "retry me")
	require.NoError(t, m.Submit(context.Background(), first))

	failed := first.Snapshot()
	require.Equal(t, StatusFailed, failed.Status)
	require.NotNil(t, failed.ErrorReason)

	second, err := first.Retry()
	require.NoError(t, err)
	assert.Equal(t, StatusRetried, first.Status())

	fresh := second.Snapshot()
	assert.Equal(t, StatusForm, fresh.Status)
	assert.NotEqual(t, failed.AttemptID, fresh.AttemptID)
	assert.Empty(t, fresh.OrderID)
	assert.Empty(t, fresh.TransactionID)
	assert.Nil(t, fresh.ErrorReason)
	assert.Equal(t, 2, fresh.Sequence)
	assert.Equal(t, failed.AttemptID, fresh.PreviousAttemptID)
	assert.Equal(t, "retry me", fresh.Comment)

	require.NoError(t, m.Submit(context.Background(), second))
	done := second.Snapshot()
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, failed.Amount.Total, done.Amount.Total)
	assert.NotEqual(t, failed.OrderID, done.OrderID)
	assert.NotEqual(t, failed.TransactionID, done.TransactionID)

	require.Len(t, settler.requests, 2)
	assert.Equal(t, settler.requests[0].Instrument, settler.requests[1].Instrument)
	assert.Equal(t, "4111111111111234", settler.requests[1].Instrument.Details[DetailCardNumber])
	assert.Equal(t, "**** 1234", done.Instrument.Details[DetailCardNumber])

	_, err = first.Retry()
	assert.ErrorIs(t, err, ErrAttemptReleased)
}

func TestMachine_SubmissionGating(t *testing.T) {
	zero, err := ResolveOutstanding(AccountPayable{AccountID: "ACC-1"})
	require.NoError(t, err)

	tests := []struct {
		name       string
		amount     ResolvedAmount
		instrument Instrument
		wantErrIs  error
	}{
		{name: "zero total", amount: zero, instrument: upi(), wantErrIs: ErrInvalidSubmission},
		{name: "missing instrument", amount: mustCustom(t, "1.00"), instrument: Instrument{}, wantErrIs: ErrMissingInstrument},
		{
			name:       "breakdown disagrees with total",
			amount:     ResolvedAmount{Mode: ModeCustom, Total: money.New(500), Breakdown: CustomBreakdown{EnteredAmount: money.New(100)}},
			instrument: upi(),
			wantErrIs:  ErrInvalidSubmission,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			settler := &scripted{outcomes: []Outcome{Succeeded()}}
			rec := &recorder{}
			m := NewMachine(settler, testLogger(), WithObserver(rec))
			a := NewAttempt(tc.amount, tc.instrument, "")

			err := m.Submit(context.Background(), a)
			require.ErrorIs(t, err, tc.wantErrIs)

			snap := a.Snapshot()
			assert.Equal(t, StatusForm, snap.Status)
			assert.Empty(t, snap.OrderID)
			assert.Nil(t, snap.StartedAt)
			assert.Empty(t, rec.statuses())
			assert.Empty(t, settler.requests)
		})
	}
}

func TestMachine_SubmitTwice(t *testing.T) {
	m := NewMachine(&scripted{outcomes: []Outcome{Succeeded(), Succeeded()}}, testLogger())
	a := NewAttempt(mustCustom(t, "5.00"), upi(), "")
	require.NoError(t, m.Submit(context.Background(), a))

	err := m.Submit(context.Background(), a)
	require.ErrorIs(t, err, ErrInvalidTransition)

	var terr *TransitionError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, StatusCompleted, terr.From)
	assert.Equal(t, StatusInitiated, terr.To)
}

func TestAttempt_InvalidTransitions(t *testing.T) {
	a := NewAttempt(mustCustom(t, "5.00"), upi(), "")

	_, err := a.Retry()
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = a.Acknowledge()
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, a.Abandon())
	assert.Equal(t, StatusAbandoned, a.Status())

	m := NewMachine(&scripted{outcomes: []Outcome{Succeeded()}}, testLogger())
	assert.ErrorIs(t, m.Submit(context.Background(), a), ErrAttemptReleased)
}

func TestAttempt_CompletedCannotBeAbandoned(t *testing.T) {
	m := NewMachine(&scripted{outcomes: []Outcome{Succeeded()}}, testLogger())
	a := NewAttempt(mustCustom(t, "5.00"), upi(), "")
	require.NoError(t, m.Submit(context.Background(), a))

	assert.ErrorIs(t, a.Abandon(), ErrInvalidTransition)
}

func TestMachine_AbandonDuringSettlementDropsResult(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	settler := SettlerFunc(func(ctx context.Context, req SettlementRequest) (Outcome, error) {
		close(entered)
		<-release
		return Succeeded(), nil
	})
	m := NewMachine(settler, testLogger())
	a := NewAttempt(mustCustom(t, "5.00"), upi(), "")

	ch, err := m.Start(context.Background(), a)
	require.NoError(t, err)

	<-entered
	require.NoError(t, a.Abandon())
	close(release)

	snaps := collect(ch)
	require.Len(t, snaps, 2)
	assert.Equal(t, StatusProcessing, snaps[1].Status)
	assert.Equal(t, StatusAbandoned, a.Status())
}

func TestMachine_Submit_ContextCancelledStopsListening(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	settler := SettlerFunc(func(_ context.Context, _ SettlementRequest) (Outcome, error) {
		close(entered)
		<-release
		return Succeeded(), nil
	})
	m := NewMachine(settler, testLogger())
	a := NewAttempt(mustCustom(t, "5.00"), upi(), "")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- m.Submit(ctx, a) }()

	<-entered
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Submit did not return after cancellation")
	}
	assert.Equal(t, StatusProcessing, a.Status())
}

func TestMachine_SettlerErrorFailsAttempt(t *testing.T) {
	settler := SettlerFunc(func(context.Context, SettlementRequest) (Outcome, error) {
		return Outcome{}, errors.New("connection refused")
	})
	m := NewMachine(settler, testLogger())
	a := NewAttempt(mustCustom(t, "5.00"), upi(), "")

	require.NoError(t, m.Submit(context.Background(), a))

	snap := a.Snapshot()
	assert.Equal(t, StatusFailed, snap.Status)
	require.NotNil(t, snap.ErrorReason)
	assert.Equal(t, FailureGatewayError, snap.ErrorReason.Category)
}

func TestMachine_SettleTimeout(t *testing.T) {
	settler := SettlerFunc(func(ctx context.Context, _ SettlementRequest) (Outcome, error) {
		<-ctx.Done()
		return Outcome{}, ctx.Err()
	})
	m := NewMachine(settler, testLogger(), WithSettleTimeout(20*time.Millisecond))
	a := NewAttempt(mustCustom(t, "5.00"), upi(), "")

	require.NoError(t, m.Submit(context.Background(), a))

	snap := a.Snapshot()
	assert.Equal(t, StatusFailed, snap.Status)
	require.NotNil(t, snap.ErrorReason)
	assert.Equal(t, FailureTimeout, snap.ErrorReason.Category)
}

func TestMachine_FailureReasonDefaults(t *testing.T) {
	m := NewMachine(&scripted{outcomes: []Outcome{{Succeeded: false}}}, testLogger())
	a := NewAttempt(mustCustom(t, "5.00"), upi(), "")

	require.NoError(t, m.Submit(context.Background(), a))

	reason := a.Snapshot().ErrorReason
	require.NotNil(t, reason)
	assert.Equal(t, FailureUnknown, reason.Category)
	assert.Equal(t, defaultFailureMessage, reason.Message)
}

func TestMachine_WithClock(t *testing.T) {
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewMachine(&scripted{outcomes: []Outcome{Succeeded()}}, testLogger(), WithClock(func() time.Time { return fixed }))
	a := NewAttempt(mustCustom(t, "5.00"), upi(), "")

	require.NoError(t, m.Submit(context.Background(), a))

	snap := a.Snapshot()
	require.NotNil(t, snap.StartedAt)
	require.NotNil(t, snap.SettledAt)
	assert.Equal(t, fixed, *snap.StartedAt)
	assert.Equal(t, fixed, snap.Receipt.SettledAt)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, canTransition(StatusForm, StatusInitiated))
	assert.True(t, canTransition(StatusProcessing, StatusFailed))
	assert.False(t, canTransition(StatusForm, StatusProcessing))
	assert.False(t, canTransition(StatusCompleted, StatusFailed))
	assert.False(t, canTransition(StatusFailed, StatusCompleted))
	assert.False(t, canTransition(StatusAbandoned, StatusForm))
}
