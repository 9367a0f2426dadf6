package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"billpay/internal/payment"
)

// HTTPSettler posts settlement requests to an external gateway.
type HTTPSettler struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPSettler creates a new HTTP settler.
func NewHTTPSettler(baseURL, apiKey string, client *http.Client, logger *slog.Logger) *HTTPSettler {
	return &HTTPSettler{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: client,
		logger:     logger,
	}
}

// Settle implements payment.Settler.
func (s *HTTPSettler) Settle(ctx context.Context, req payment.SettlementRequest) (payment.Outcome, error) {
	body, err := json.Marshal(newSettleRequest(req))
	if err != nil {
		return payment.Outcome{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/settlements", bytes.NewReader(body))
	if err != nil {
		return payment.Outcome{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.TransactionID)
	if s.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	s.logger.Info("submitting settlement",
		"order_id", req.OrderID,
		"transaction_id", req.TransactionID,
		"amount", req.Amount.String(),
	)

	httpResp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return payment.Outcome{}, fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return payment.Outcome{}, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode >= 400 {
		return payment.Outcome{}, fmt.Errorf("gateway api error: status=%d body=%s", httpResp.StatusCode, string(respBody))
	}

	var reply SettleReply
	if err := json.Unmarshal(respBody, &reply); err != nil {
		return payment.Outcome{}, fmt.Errorf("unmarshal response: %w", err)
	}
	return reply.outcome()
}
