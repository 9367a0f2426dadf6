package payment

import (
	"context"
	"log/slog"
)

// Observer is told about every status change the machine makes, in order.
type Observer interface {
	AttemptChanged(ctx context.Context, snap Snapshot)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, snap Snapshot)

func (f ObserverFunc) AttemptChanged(ctx context.Context, snap Snapshot) {
	f(ctx, snap)
}

// LogObserver writes one structured line per status change.
type LogObserver struct {
	logger *slog.Logger
}

// NewLogObserver creates a LogObserver.
func NewLogObserver(logger *slog.Logger) *LogObserver {
	return &LogObserver{logger: logger}
}

func (o *LogObserver) AttemptChanged(ctx context.Context, snap Snapshot) {
	attrs := []any{
		"attempt_id", snap.AttemptID,
		"status", snap.Status,
		"amount", snap.Amount.Total.String(),
		"method", snap.Instrument.Method,
	}
	if snap.OrderID != "" {
		attrs = append(attrs, "order_id", snap.OrderID)
	}
	if snap.TransactionID != "" {
		attrs = append(attrs, "transaction_id", snap.TransactionID)
	}
	if snap.ErrorReason != nil {
		attrs = append(attrs, "reason", snap.ErrorReason.Category)
		o.logger.WarnContext(ctx, "payment attempt failed", attrs...)
		return
	}
	o.logger.InfoContext(ctx, "payment attempt status changed", attrs...)
}
