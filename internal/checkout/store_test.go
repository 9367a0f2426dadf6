package checkout

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"billpay/internal/common/database"
	"billpay/internal/common/money"
	"billpay/internal/payment"
)

func settledPair(t *testing.T) (failed, retried, completed, acknowledged payment.Snapshot) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	outcomes := []payment.Outcome{payment.Failed(payment.FailureDeclined, "card declined"), payment.Succeeded()}
	machine := payment.NewMachine(payment.SettlerFunc(func(context.Context, payment.SettlementRequest) (payment.Outcome, error) {
		next := outcomes[0]
		outcomes = outcomes[1:]
		return next, nil
	}), logger)

	amount, err := payment.ResolveOutstanding(payment.AccountPayable{AccountID: "ACC-9", OutstandingBalance: money.MustParse("245.50")})
	require.NoError(t, err)
	first := payment.NewAttempt(amount, payment.Instrument{
		Method:  payment.MethodCard,
		Details: map[string]string{payment.DetailCardNumber: "4111111111111111"},
	}, "march rent")

	require.NoError(t, machine.Submit(context.Background(), first))
	failed = first.Snapshot()

	second, err := first.Retry()
	require.NoError(t, err)
	retried = first.Snapshot()

	require.NoError(t, machine.Submit(context.Background(), second))
	completed = second.Snapshot()

	_, err = second.Acknowledge()
	require.NoError(t, err)
	acknowledged = second.Snapshot()
	return failed, retried, completed, acknowledged
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	failed, retried, completed, acknowledged := settledPair(t)

	_, err := store.GetAttempt(ctx, failed.AttemptID)
	assert.True(t, database.IsNotFound(err))

	require.NoError(t, store.SaveAttempt(ctx, failed))
	require.NoError(t, store.SaveAttempt(ctx, retried))
	require.NoError(t, store.SaveAttempt(ctx, failed))

	got, err := store.GetAttempt(ctx, failed.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusRetried, got.Status, "released snapshot is never overwritten")

	require.NoError(t, store.SaveAttempt(ctx, completed))
	chain, err := store.ListChain(ctx, completed.AttemptID)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, 1, chain[0].Sequence)
	assert.Equal(t, 2, chain[1].Sequence)

	require.NotNil(t, acknowledged.Receipt)
	require.NoError(t, store.SaveAcknowledgement(ctx, acknowledged, *acknowledged.Receipt))
	receipt, err := store.GetReceipt(ctx, completed.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, completed.OrderID, receipt.OrderID)
	got, err = store.GetAttempt(ctx, completed.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusAcknowledged, got.Status)

	_, err = store.GetReceipt(ctx, failed.AttemptID)
	assert.True(t, database.IsNotFound(err))
}

func setupPostgres(t *testing.T) *database.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("billpay_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	require.NoError(t, database.Migrate(connStr, Migrations, MigrationsDir, logger))

	db, err := database.New(ctx, database.Config{URL: connStr, MaxConns: 4, MinConns: 1, MaxConnLifetime: time.Hour, MaxConnIdleTime: time.Minute}, logger)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

func TestPostgresStore(t *testing.T) {
	db := setupPostgres(t)
	ctx := context.Background()
	store := NewPostgresStore(db)
	failed, retried, completed, acknowledged := settledPair(t)

	_, err := store.GetAttempt(ctx, failed.AttemptID)
	assert.True(t, database.IsNotFound(err))

	require.NoError(t, store.SaveAttempt(ctx, failed))
	got, err := store.GetAttempt(ctx, failed.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorReason)
	assert.Equal(t, payment.FailureDeclined, got.ErrorReason.Category)
	assert.Equal(t, "**** 1111", got.Instrument.Details[payment.DetailCardNumber])
	assert.Equal(t, failed.Amount.Total, got.Amount.Total)
	assert.Equal(t, failed.CreatedAt.Truncate(time.Microsecond), got.CreatedAt.Truncate(time.Microsecond))

	require.NoError(t, store.SaveAttempt(ctx, retried))
	require.NoError(t, store.SaveAttempt(ctx, failed))
	got, err = store.GetAttempt(ctx, failed.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusRetried, got.Status, "released row is never overwritten")

	require.NoError(t, store.SaveAttempt(ctx, completed))
	chain, err := store.ListChain(ctx, completed.AttemptID)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, failed.AttemptID, chain[0].AttemptID)
	assert.Equal(t, completed.AttemptID, chain[1].AttemptID)
	assert.Equal(t, failed.AttemptID, chain[1].PreviousAttemptID)

	_, err = store.ListChain(ctx, "missing")
	assert.True(t, database.IsNotFound(err))

	require.NotNil(t, acknowledged.Receipt)
	require.NoError(t, store.SaveAcknowledgement(ctx, acknowledged, *acknowledged.Receipt))
	require.NoError(t, store.SaveAcknowledgement(ctx, acknowledged, *acknowledged.Receipt))

	got, err = store.GetAttempt(ctx, completed.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusAcknowledged, got.Status)
	require.NoError(t, store.SaveAttempt(ctx, completed))
	got, err = store.GetAttempt(ctx, completed.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusAcknowledged, got.Status, "acknowledged row is never overwritten")

	receipt, err := store.GetReceipt(ctx, completed.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, completed.TransactionID, receipt.TransactionID)
	assert.Equal(t, "245.50", receipt.Amount.Total.String())
	assert.Equal(t, "march rent", receipt.Comment)
}
