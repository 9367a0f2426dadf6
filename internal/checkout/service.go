// Package checkout is the integration layer between the billing console and the payment core.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"billpay/internal/common/database"
	"billpay/internal/common/events"
	"billpay/internal/common/middleware"
	"billpay/internal/payment"
)

var (
	// ErrAttemptNotFound is returned for an attempt id the service has never seen.
	ErrAttemptNotFound = errors.New("payment attempt not found")
	// ErrTargetInFlight is returned when another attempt for the same payable target is settling.
	ErrTargetInFlight = errors.New("another payment for this target is in progress")
)

const aggregateType = "payment_attempt"

// Service holds the session's attempts and enforces one in-flight attempt per payable target.
type Service struct {
	machine   *payment.Machine
	store     Store
	publisher events.EventPublisher
	logger    *slog.Logger

	mu       sync.Mutex
	attempts map[string]*session
	inFlight map[string]string // target key -> attempt id

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// session is one registered attempt and the target keys it claims while settling.
type session struct {
	attempt *payment.Attempt
	keys    []string
}

// NewService creates a new checkout service.
func NewService(machine *payment.Machine, store Store, publisher events.EventPublisher, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		machine:   machine,
		store:     store,
		publisher: publisher,
		logger:    logger,
		attempts:  make(map[string]*session),
		inFlight:  make(map[string]string),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Close stops listening for pending settlements and waits for their goroutines.
// Attempts still settling stay in Processing.
func (s *Service) Close(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CreateAttemptRequest is the request to create a payment attempt.
type CreateAttemptRequest struct {
	payment.ResolveRequest
	Instrument payment.Instrument `json:"instrument"`
	Comment    string             `json:"comment,omitempty" validate:"max=500"`
}

// Resolve computes the payable amount without creating an attempt.
func (s *Service) Resolve(ctx context.Context, req payment.ResolveRequest) (payment.ResolvedAmount, error) {
	return payment.Resolve(req)
}

// CreateAttempt resolves the amount and registers a new attempt in Form status.
func (s *Service) CreateAttempt(ctx context.Context, req CreateAttemptRequest) (payment.Snapshot, error) {
	amount, err := payment.Resolve(req.ResolveRequest)
	if err != nil {
		return payment.Snapshot{}, fmt.Errorf("create attempt: %w", err)
	}

	attempt := payment.NewAttempt(amount, req.Instrument, req.Comment)
	sess := &session{
		attempt: attempt,
		keys:    targetKeys(req.ResolveRequest, amount),
	}

	s.mu.Lock()
	s.attempts[attempt.ID()] = sess
	s.mu.Unlock()

	snap := attempt.Snapshot()
	s.logger.Info("payment attempt created",
		"attempt_id", snap.AttemptID,
		"mode", amount.Mode,
		"amount", amount.Total.String(),
		"targets", sess.keys,
	)
	s.record(ctx, snap)
	return snap, nil
}

// SubmitAttempt claims the attempt's targets and starts settlement in the background.
// It returns the Initiated snapshot; poll GetAttempt for the outcome.
func (s *Service) SubmitAttempt(ctx context.Context, attemptID string) (payment.Snapshot, error) {
	sess, err := s.find(ctx, attemptID)
	if err != nil {
		return payment.Snapshot{}, err
	}
	if err := s.acquire(sess); err != nil {
		return payment.Snapshot{}, err
	}

	// Settlement outlives the request but not the service.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(s.ctx, cancel)

	s.wg.Add(1)
	updates, err := s.machine.Start(runCtx, sess.attempt)
	if err != nil {
		s.wg.Done()
		stop()
		cancel()
		s.release(sess)
		return payment.Snapshot{}, fmt.Errorf("submit attempt: %w", err)
	}

	initiated := <-updates
	s.record(ctx, initiated)

	go func() {
		defer s.wg.Done()
		defer cancel()
		defer stop()
		// Abandoned or cancelled settlements never yield a terminal snapshot.
		defer s.release(sess)

		recordCtx := context.WithoutCancel(runCtx)
		for snap := range updates {
			if snap.Status.IsTerminal() {
				s.release(sess)
			}
			s.record(recordCtx, snap)
		}
	}()

	return initiated, nil
}

// GetAttempt returns the current snapshot. Released attempts are served from the store.
func (s *Service) GetAttempt(ctx context.Context, attemptID string) (payment.Snapshot, error) {
	if sess, err := s.lookup(attemptID); err == nil {
		return sess.attempt.Snapshot(), nil
	}
	snap, err := s.store.GetAttempt(ctx, attemptID)
	if err != nil {
		if database.IsNotFound(err) {
			return payment.Snapshot{}, fmt.Errorf("get attempt %s: %w", attemptID, ErrAttemptNotFound)
		}
		return payment.Snapshot{}, fmt.Errorf("get attempt: %w", err)
	}
	return snap, nil
}

// AttemptHistory returns the retry chain ending at attemptID, oldest first.
func (s *Service) AttemptHistory(ctx context.Context, attemptID string) ([]payment.Snapshot, error) {
	chain, err := s.store.ListChain(ctx, attemptID)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, fmt.Errorf("attempt history %s: %w", attemptID, ErrAttemptNotFound)
		}
		return nil, fmt.Errorf("attempt history: %w", err)
	}
	return chain, nil
}

// RetryAttempt replaces a failed attempt with a fresh one targeting the same amount.
func (s *Service) RetryAttempt(ctx context.Context, attemptID string) (payment.Snapshot, error) {
	sess, err := s.find(ctx, attemptID)
	if err != nil {
		return payment.Snapshot{}, err
	}

	next, err := sess.attempt.Retry()
	if err != nil {
		return payment.Snapshot{}, fmt.Errorf("retry attempt: %w", err)
	}

	successor := &session{attempt: next, keys: sess.keys}
	s.mu.Lock()
	delete(s.attempts, attemptID)
	s.attempts[next.ID()] = successor
	s.mu.Unlock()

	old := sess.attempt.Snapshot()
	snap := next.Snapshot()
	s.logger.Info("payment attempt retried",
		"attempt_id", snap.AttemptID,
		"previous_attempt_id", old.AttemptID,
		"sequence", snap.Sequence,
	)
	s.record(ctx, old)
	s.record(ctx, snap)
	return snap, nil
}

// AbandonAttempt discards an attempt. A pending settlement keeps its target claimed until it resolves.
func (s *Service) AbandonAttempt(ctx context.Context, attemptID string) (payment.Snapshot, error) {
	sess, err := s.find(ctx, attemptID)
	if err != nil {
		return payment.Snapshot{}, err
	}

	if err := sess.attempt.Abandon(); err != nil {
		return payment.Snapshot{}, fmt.Errorf("abandon attempt: %w", err)
	}
	s.forget(attemptID)

	snap := sess.attempt.Snapshot()
	s.logger.Info("payment attempt abandoned", "attempt_id", attemptID, "order_id", snap.OrderID)
	s.record(ctx, snap)
	return snap, nil
}

// AcknowledgeAttempt hands back the receipt of a completed attempt and releases it.
func (s *Service) AcknowledgeAttempt(ctx context.Context, attemptID string) (payment.Receipt, error) {
	sess, err := s.find(ctx, attemptID)
	if err != nil {
		return payment.Receipt{}, err
	}

	receipt, err := sess.attempt.Acknowledge()
	if err != nil {
		return payment.Receipt{}, fmt.Errorf("acknowledge attempt: %w", err)
	}
	s.forget(attemptID)

	snap := sess.attempt.Snapshot()
	if err := s.store.SaveAcknowledgement(ctx, snap, receipt); err != nil {
		s.logger.Error("failed to save acknowledgement",
			"attempt_id", attemptID,
			"order_id", receipt.OrderID,
			"error", err,
		)
	}
	s.publish(ctx, snap)
	return receipt, nil
}

// GetReceipt returns the stored receipt of an acknowledged attempt.
func (s *Service) GetReceipt(ctx context.Context, attemptID string) (payment.Receipt, error) {
	receipt, err := s.store.GetReceipt(ctx, attemptID)
	if err != nil {
		if database.IsNotFound(err) {
			return payment.Receipt{}, fmt.Errorf("get receipt %s: %w", attemptID, ErrAttemptNotFound)
		}
		return payment.Receipt{}, fmt.Errorf("get receipt: %w", err)
	}
	return receipt, nil
}

func (s *Service) lookup(attemptID string) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.attempts[attemptID]
	if !ok {
		return nil, fmt.Errorf("attempt %s: %w", attemptID, ErrAttemptNotFound)
	}
	return sess, nil
}

// find returns the registered session, or explains why there is none.
func (s *Service) find(ctx context.Context, attemptID string) (*session, error) {
	sess, err := s.lookup(attemptID)
	if err == nil {
		return sess, nil
	}
	if snap, storeErr := s.store.GetAttempt(ctx, attemptID); storeErr == nil && snap.Status.Released() {
		return nil, fmt.Errorf("attempt %s is %s: %w", attemptID, snap.Status, payment.ErrAttemptReleased)
	}
	return nil, err
}

func (s *Service) forget(attemptID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attempts, attemptID)
}

// acquire claims every target key of the session or none of them.
func (s *Service) acquire(sess *session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := sess.attempt.ID()
	for _, key := range sess.keys {
		holder, busy := s.inFlight[key]
		if !busy {
			continue
		}
		if holder == id {
			return fmt.Errorf("submit attempt %s: already submitted: %w", id, payment.ErrInvalidTransition)
		}
		s.logger.Warn("payment target already in flight",
			"attempt_id", id,
			"target", key,
			"in_flight_attempt_id", holder,
		)
		return fmt.Errorf("submit attempt %s: %s held by %s: %w", id, key, holder, ErrTargetInFlight)
	}
	for _, key := range sess.keys {
		s.inFlight[key] = id
	}
	return nil
}

func (s *Service) release(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := sess.attempt.ID()
	for _, key := range sess.keys {
		if s.inFlight[key] == id {
			delete(s.inFlight, key)
		}
	}
}

// record saves and publishes a snapshot. Failures are logged; the in-memory attempt stays authoritative.
func (s *Service) record(ctx context.Context, snap payment.Snapshot) {
	if err := s.store.SaveAttempt(ctx, snap); err != nil {
		s.logger.Error("failed to save attempt",
			"attempt_id", snap.AttemptID,
			"status", snap.Status,
			"error", err,
		)
	}
	s.publish(ctx, snap)
}

// publish emits the snapshot as a payment.attempt.<status> event.
func (s *Service) publish(ctx context.Context, snap payment.Snapshot) {
	evt, err := events.NewEvent(events.AttemptEventType(string(snap.Status)), aggregateType, snap.AttemptID, snap)
	if err != nil {
		s.logger.Error("failed to build attempt event", "attempt_id", snap.AttemptID, "error", err)
		return
	}
	evt.WithCorrelation(middleware.GetCorrelationID(ctx), snap.PreviousAttemptID)

	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.logger.Error("failed to publish attempt event",
			"attempt_id", snap.AttemptID,
			"type", evt.Type,
			"error", err,
		)
	}
}

// targetKeys names what an attempt pays for. Attempts sharing any key may not settle concurrently.
func targetKeys(req payment.ResolveRequest, amount payment.ResolvedAmount) []string {
	var keys []string
	switch b := amount.Breakdown.(type) {
	case payment.OutstandingBreakdown:
		if req.Account != nil {
			keys = append(keys, "account:"+req.Account.AccountID)
		}
	case payment.InvoiceBreakdown:
		for _, id := range b.SelectedIDs {
			keys = append(keys, "invoice:"+id)
		}
	case payment.CustomBreakdown:
		if req.Account != nil {
			keys = append(keys, "custom:"+req.Account.AccountID)
		}
	}
	sort.Strings(keys)
	return keys
}
