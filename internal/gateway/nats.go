package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"billpay/internal/payment"
)

// NATSSettler settles over NATS request/reply.
type NATSSettler struct {
	nc      *nats.Conn
	subject string
	logger  *slog.Logger
}

// NewNATSSettler creates a new NATS settler.
func NewNATSSettler(nc *nats.Conn, subject string, logger *slog.Logger) *NATSSettler {
	return &NATSSettler{nc: nc, subject: subject, logger: logger}
}

// Settle implements payment.Settler. The reply deadline is the context's.
func (s *NATSSettler) Settle(ctx context.Context, req payment.SettlementRequest) (payment.Outcome, error) {
	data, err := json.Marshal(newSettleRequest(req))
	if err != nil {
		return payment.Outcome{}, fmt.Errorf("marshal request: %w", err)
	}

	s.logger.Info("requesting settlement",
		"subject", s.subject,
		"order_id", req.OrderID,
		"transaction_id", req.TransactionID,
	)

	msg, err := s.nc.RequestWithContext(ctx, s.subject, data)
	if err != nil {
		return payment.Outcome{}, fmt.Errorf("nats request: %w", err)
	}

	var reply SettleReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return payment.Outcome{}, fmt.Errorf("unmarshal response: %w", err)
	}
	return reply.outcome()
}
