// Package gateway provides the settlers the payment machine hands submitted attempts to.
package gateway

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"

	"billpay/internal/payment"
)

// Gateway modes.
const (
	ModeSimulated = "simulated"
	ModeHTTP      = "http"
	ModeNATS      = "nats"
)

// Config selects and configures the settlement gateway.
type Config struct {
	Mode             string        `envconfig:"GATEWAY_MODE" default:"simulated"`
	URL              string        `envconfig:"GATEWAY_URL"`
	APIKey           string        `envconfig:"GATEWAY_API_KEY"`
	Subject          string        `envconfig:"GATEWAY_SUBJECT" default:"gateway.settle"`
	Timeout          time.Duration `envconfig:"GATEWAY_TIMEOUT" default:"20s"`
	InitiatedDelay   time.Duration `envconfig:"SIMULATED_INITIATED_DELAY" default:"1500ms"`
	ProcessingDelay  time.Duration `envconfig:"SIMULATED_PROCESSING_DELAY" default:"2500ms"`
	SimulatedSuccess float64       `envconfig:"SIMULATED_SUCCESS_RATIO" default:"0.9"`
}

// Reply statuses on the wire.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// SettleRequest is the body sent to an external gateway.
type SettleRequest struct {
	AttemptID     string            `json:"attempt_id"`
	OrderID       string            `json:"order_id"`
	TransactionID string            `json:"transaction_id"`
	AmountMinor   int64             `json:"amount_minor"`
	Amount        string            `json:"amount"`
	Method        payment.Method    `json:"method"`
	Details       map[string]string `json:"details,omitempty"`
	Comment       string            `json:"comment,omitempty"`
}

// SettleReply is the gateway's verdict.
type SettleReply struct {
	Status   string `json:"status"`
	Category string `json:"category,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Error    string `json:"error,omitempty"`
}

func newSettleRequest(req payment.SettlementRequest) SettleRequest {
	return SettleRequest{
		AttemptID:     req.AttemptID,
		OrderID:       req.OrderID,
		TransactionID: req.TransactionID,
		AmountMinor:   req.Amount.AmountMinor,
		Amount:        req.Amount.String(),
		Method:        req.Instrument.Method,
		Details:       req.Instrument.Details,
		Comment:       req.Comment,
	}
}

// outcome converts a reply into a settlement outcome. An unrecognized status is an error.
func (r SettleReply) outcome() (payment.Outcome, error) {
	switch r.Status {
	case StatusSucceeded:
		return payment.Succeeded(), nil
	case StatusFailed:
		category := payment.FailureCategory(r.Category)
		if category == "" {
			category = payment.FailureDeclined
		}
		return payment.Failed(category, r.Reason), nil
	default:
		if r.Error != "" {
			return payment.Outcome{}, fmt.Errorf("gateway error: %s", r.Error)
		}
		return payment.Outcome{}, fmt.Errorf("unexpected gateway status %q", r.Status)
	}
}

// New builds the settler named by cfg.Mode. nc is only used in nats mode.
func New(cfg Config, nc *nats.Conn, logger *slog.Logger) (payment.Settler, error) {
	switch cfg.Mode {
	case "", ModeSimulated:
		return NewSimulated(cfg.InitiatedDelay, cfg.ProcessingDelay, cfg.SimulatedSuccess, logger), nil
	case ModeHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("gateway mode %s requires GATEWAY_URL", cfg.Mode)
		}
		return NewHTTPSettler(cfg.URL, cfg.APIKey, &http.Client{Timeout: cfg.Timeout}, logger), nil
	case ModeNATS:
		if nc == nil {
			return nil, fmt.Errorf("gateway mode %s requires NATS_URL", cfg.Mode)
		}
		return NewNATSSettler(nc, cfg.Subject, logger), nil
	default:
		return nil, fmt.Errorf("unknown gateway mode %q", cfg.Mode)
	}
}
