package checkout

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"billpay/internal/common/database"
	"billpay/internal/payment"
)

// Migrations holds the schema for PostgresStore, applied with database.Migrate.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsDir is the directory inside Migrations holding the SQL files.
const MigrationsDir = "migrations"

// Store keeps attempt history and receipts beyond the in-memory session.
type Store interface {
	// SaveAttempt upserts the latest snapshot of an attempt. A released attempt is never overwritten.
	SaveAttempt(ctx context.Context, snap payment.Snapshot) error
	GetAttempt(ctx context.Context, attemptID string) (payment.Snapshot, error)
	// ListChain returns the attempt and every attempt it retried, oldest first.
	ListChain(ctx context.Context, attemptID string) ([]payment.Snapshot, error)

	// SaveAcknowledgement stores the acknowledged snapshot and its receipt together.
	SaveAcknowledgement(ctx context.Context, snap payment.Snapshot, receipt payment.Receipt) error
	GetReceipt(ctx context.Context, attemptID string) (payment.Receipt, error)
}

// MemoryStore implements Store in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	attempts map[string]payment.Snapshot
	receipts map[string]payment.Receipt
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		attempts: make(map[string]payment.Snapshot),
		receipts: make(map[string]payment.Receipt),
	}
}

func (s *MemoryStore) SaveAttempt(_ context.Context, snap payment.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveAttemptLocked(snap)
	return nil
}

func (s *MemoryStore) saveAttemptLocked(snap payment.Snapshot) {
	if existing, ok := s.attempts[snap.AttemptID]; ok && existing.Status.Released() {
		return
	}
	s.attempts[snap.AttemptID] = snap
}

func (s *MemoryStore) GetAttempt(_ context.Context, attemptID string) (payment.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.attempts[attemptID]
	if !ok {
		return payment.Snapshot{}, fmt.Errorf("attempt %s: %w", attemptID, database.ErrNotFound)
	}
	return snap, nil
}

func (s *MemoryStore) ListChain(_ context.Context, attemptID string) ([]payment.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var chain []payment.Snapshot
	for id := attemptID; id != ""; {
		snap, ok := s.attempts[id]
		if !ok {
			break
		}
		chain = append(chain, snap)
		id = snap.PreviousAttemptID
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("attempt %s: %w", attemptID, database.ErrNotFound)
	}
	sort.Slice(chain, func(i, j int) bool { return chain[i].Sequence < chain[j].Sequence })
	return chain, nil
}

func (s *MemoryStore) SaveAcknowledgement(_ context.Context, snap payment.Snapshot, receipt payment.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveAttemptLocked(snap)
	if _, ok := s.receipts[receipt.AttemptID]; !ok {
		s.receipts[receipt.AttemptID] = receipt
	}
	return nil
}

func (s *MemoryStore) GetReceipt(_ context.Context, attemptID string) (payment.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.receipts[attemptID]
	if !ok {
		return payment.Receipt{}, fmt.Errorf("receipt %s: %w", attemptID, database.ErrNotFound)
	}
	return r, nil
}

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const attemptColumns = `
	id, previous_attempt_id, sequence, amount, instrument, status,
	order_id, transaction_id, error_category, error_message, comment, receipt,
	created_at, started_at, settled_at`

// SaveAttempt upserts the attempt row unless it already carries a release status.
func (s *PostgresStore) SaveAttempt(ctx context.Context, snap payment.Snapshot) error {
	return saveAttempt(ctx, s.db.Pool(), snap)
}

// SaveAcknowledgement writes the acknowledged row and the receipt in one transaction.
func (s *PostgresStore) SaveAcknowledgement(ctx context.Context, snap payment.Snapshot, receipt payment.Receipt) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := saveAttempt(ctx, tx, snap); err != nil {
			return err
		}
		return saveReceipt(ctx, tx, receipt)
	})
}

func saveAttempt(ctx context.Context, q database.Querier, snap payment.Snapshot) error {
	query := `
		INSERT INTO payment_attempts (
			id, previous_attempt_id, sequence, mode, amount_minor, amount, instrument, status,
			order_id, transaction_id, error_category, error_message, comment, receipt,
			created_at, started_at, settled_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, now()
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			order_id = EXCLUDED.order_id,
			transaction_id = EXCLUDED.transaction_id,
			error_category = EXCLUDED.error_category,
			error_message = EXCLUDED.error_message,
			receipt = EXCLUDED.receipt,
			started_at = EXCLUDED.started_at,
			settled_at = EXCLUDED.settled_at,
			updated_at = now()
		WHERE payment_attempts.status NOT IN ('abandoned', 'acknowledged', 'retried')
	`

	amount, err := json.Marshal(snap.Amount)
	if err != nil {
		return fmt.Errorf("marshaling amount: %w", err)
	}
	instrument, err := json.Marshal(snap.Instrument)
	if err != nil {
		return fmt.Errorf("marshaling instrument: %w", err)
	}
	var receipt []byte
	if snap.Receipt != nil {
		if receipt, err = json.Marshal(snap.Receipt); err != nil {
			return fmt.Errorf("marshaling receipt: %w", err)
		}
	}
	var category, message *string
	if snap.ErrorReason != nil {
		category = nullStr(string(snap.ErrorReason.Category))
		message = nullStr(snap.ErrorReason.Message)
	}

	_, err = q.Exec(ctx, query,
		snap.AttemptID, nullStr(snap.PreviousAttemptID), snap.Sequence, snap.Amount.Mode,
		snap.Amount.Total.AmountMinor, amount, instrument, snap.Status,
		nullStr(snap.OrderID), nullStr(snap.TransactionID), category, message,
		nullStr(snap.Comment), receipt,
		snap.CreatedAt, snap.StartedAt, snap.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("saving attempt %s: %w", snap.AttemptID, err)
	}
	return nil
}

// GetAttempt retrieves the latest snapshot of an attempt.
func (s *PostgresStore) GetAttempt(ctx context.Context, attemptID string) (payment.Snapshot, error) {
	query := `SELECT ` + attemptColumns + ` FROM payment_attempts WHERE id = $1`

	snap, err := scanSnapshot(s.db.Pool().QueryRow(ctx, query, attemptID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return payment.Snapshot{}, fmt.Errorf("attempt %s: %w", attemptID, database.ErrNotFound)
		}
		return payment.Snapshot{}, err
	}
	return snap, nil
}

// ListChain walks previous_attempt_id links back to the first attempt.
func (s *PostgresStore) ListChain(ctx context.Context, attemptID string) ([]payment.Snapshot, error) {
	query := `
		WITH RECURSIVE chain AS (
			SELECT * FROM payment_attempts WHERE id = $1
			UNION ALL
			SELECT p.* FROM payment_attempts p JOIN chain c ON p.id = c.previous_attempt_id
		)
		SELECT ` + attemptColumns + ` FROM chain ORDER BY sequence
	`

	rows, err := s.db.Pool().Query(ctx, query, attemptID)
	if err != nil {
		return nil, fmt.Errorf("listing attempt chain: %w", err)
	}
	defer rows.Close()

	var chain []payment.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		chain = append(chain, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("attempt %s: %w", attemptID, database.ErrNotFound)
	}
	return chain, nil
}

// saveReceipt inserts the receipt of an acknowledged attempt. Saving the same receipt twice is a no-op.
func saveReceipt(ctx context.Context, q database.Querier, r payment.Receipt) error {
	query := `
		INSERT INTO payment_receipts (
			attempt_id, order_id, transaction_id, amount_minor, amount, instrument, comment, settled_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (attempt_id) DO NOTHING
	`

	amount, err := json.Marshal(r.Amount)
	if err != nil {
		return fmt.Errorf("marshaling amount: %w", err)
	}
	instrument, err := json.Marshal(r.Instrument)
	if err != nil {
		return fmt.Errorf("marshaling instrument: %w", err)
	}

	_, err = q.Exec(ctx, query,
		r.AttemptID, r.OrderID, r.TransactionID, r.Amount.Total.AmountMinor,
		amount, instrument, nullStr(r.Comment), r.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("saving receipt %s: %w", r.AttemptID, err)
	}
	return nil
}

// GetReceipt retrieves the receipt of an acknowledged attempt.
func (s *PostgresStore) GetReceipt(ctx context.Context, attemptID string) (payment.Receipt, error) {
	query := `
		SELECT attempt_id, order_id, transaction_id, amount, instrument, comment, settled_at
		FROM payment_receipts WHERE attempt_id = $1
	`

	var r payment.Receipt
	var amount, instrument []byte
	var comment *string
	err := s.db.Pool().QueryRow(ctx, query, attemptID).Scan(
		&r.AttemptID, &r.OrderID, &r.TransactionID, &amount, &instrument, &comment, &r.SettledAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return payment.Receipt{}, fmt.Errorf("receipt %s: %w", attemptID, database.ErrNotFound)
		}
		return payment.Receipt{}, err
	}

	if err := json.Unmarshal(amount, &r.Amount); err != nil {
		return payment.Receipt{}, fmt.Errorf("decoding receipt amount: %w", err)
	}
	if err := json.Unmarshal(instrument, &r.Instrument); err != nil {
		return payment.Receipt{}, fmt.Errorf("decoding receipt instrument: %w", err)
	}
	if comment != nil {
		r.Comment = *comment
	}
	r.SettledAt = r.SettledAt.UTC()
	return r, nil
}

func scanSnapshot(row pgx.Row) (payment.Snapshot, error) {
	var snap payment.Snapshot
	var previousID, orderID, transactionID, category, message, comment *string
	var amount, instrument, receipt []byte

	err := row.Scan(
		&snap.AttemptID, &previousID, &snap.Sequence, &amount, &instrument, &snap.Status,
		&orderID, &transactionID, &category, &message, &comment, &receipt,
		&snap.CreatedAt, &snap.StartedAt, &snap.SettledAt,
	)
	if err != nil {
		return payment.Snapshot{}, err
	}

	if err := json.Unmarshal(amount, &snap.Amount); err != nil {
		return payment.Snapshot{}, fmt.Errorf("decoding attempt amount: %w", err)
	}
	if err := json.Unmarshal(instrument, &snap.Instrument); err != nil {
		return payment.Snapshot{}, fmt.Errorf("decoding attempt instrument: %w", err)
	}
	if len(receipt) > 0 {
		snap.Receipt = &payment.Receipt{}
		if err := json.Unmarshal(receipt, snap.Receipt); err != nil {
			return payment.Snapshot{}, fmt.Errorf("decoding attempt receipt: %w", err)
		}
	}
	if category != nil {
		snap.ErrorReason = &payment.FailureReason{Category: payment.FailureCategory(*category)}
		if message != nil {
			snap.ErrorReason.Message = *message
		}
	}
	snap.PreviousAttemptID = deref(previousID)
	snap.OrderID = deref(orderID)
	snap.TransactionID = deref(transactionID)
	snap.Comment = deref(comment)
	snap.CreatedAt = snap.CreatedAt.UTC()
	snap.StartedAt = utc(snap.StartedAt)
	snap.SettledAt = utc(snap.SettledAt)
	return snap, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
