package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"billpay/internal/checkout"
	"billpay/internal/common/api"
	"billpay/internal/common/middleware"
	"billpay/internal/payment"
)

// Error codes for payment failures.
const (
	ErrCodeInvalidInput      = "INVALID_INPUT"
	ErrCodeEmptySelection    = "EMPTY_SELECTION"
	ErrCodeInvalidAmount     = "INVALID_AMOUNT"
	ErrCodeInvalidSubmission = "INVALID_SUBMISSION"
	ErrCodeMissingInstrument = "MISSING_INSTRUMENT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeAttemptReleased   = "ATTEMPT_RELEASED"
	ErrCodeTargetInFlight    = "TARGET_IN_FLIGHT"
	ErrCodeAttemptNotFound   = "ATTEMPT_NOT_FOUND"
)

// Handler handles payment attempt HTTP requests
type Handler struct {
	service *checkout.Service
	logger  *slog.Logger
}

// NewHandler creates a new payment handler
func NewHandler(service *checkout.Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Routes returns the payment routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/resolve", h.Resolve)

	r.Post("/attempts", h.CreateAttempt)
	r.Route("/attempts/{id}", func(r chi.Router) {
		r.Get("/", h.GetAttempt)
		r.Get("/history", h.GetHistory)
		r.Get("/receipt", h.GetReceipt)
		r.Post("/submit", h.SubmitAttempt)
		r.Post("/retry", h.RetryAttempt)
		r.Post("/abandon", h.AbandonAttempt)
		r.Post("/acknowledge", h.AcknowledgeAttempt)
	})

	return r
}

// Resolve handles POST /resolve
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req payment.ResolveRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.DecodeError(w, err)
		return
	}

	amount, err := h.service.Resolve(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	api.WriteData(w, http.StatusOK, amount)
}

// CreateAttempt handles POST /attempts
func (h *Handler) CreateAttempt(w http.ResponseWriter, r *http.Request) {
	var req checkout.CreateAttemptRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.DecodeError(w, err)
		return
	}

	snap, err := h.service.CreateAttempt(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	api.WriteData(w, http.StatusCreated, snap)
}

// GetAttempt handles GET /attempts/{id}
func (h *Handler) GetAttempt(w http.ResponseWriter, r *http.Request) {
	snap, err := h.service.GetAttempt(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	api.WriteData(w, http.StatusOK, snap)
}

// GetHistory handles GET /attempts/{id}/history
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	chain, err := h.service.AttemptHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	api.WriteData(w, http.StatusOK, chain)
}

// GetReceipt handles GET /attempts/{id}/receipt
func (h *Handler) GetReceipt(w http.ResponseWriter, r *http.Request) {
	receipt, err := h.service.GetReceipt(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	api.WriteData(w, http.StatusOK, receipt)
}

// SubmitAttempt handles POST /attempts/{id}/submit.
// Settlement continues after the response; poll GET /attempts/{id}.
func (h *Handler) SubmitAttempt(w http.ResponseWriter, r *http.Request) {
	snap, err := h.service.SubmitAttempt(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	api.WriteData(w, http.StatusAccepted, snap)
}

// RetryAttempt handles POST /attempts/{id}/retry
func (h *Handler) RetryAttempt(w http.ResponseWriter, r *http.Request) {
	snap, err := h.service.RetryAttempt(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	api.WriteData(w, http.StatusCreated, snap)
}

// AbandonAttempt handles POST /attempts/{id}/abandon
func (h *Handler) AbandonAttempt(w http.ResponseWriter, r *http.Request) {
	snap, err := h.service.AbandonAttempt(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	api.WriteData(w, http.StatusOK, snap)
}

// AcknowledgeAttempt handles POST /attempts/{id}/acknowledge
func (h *Handler) AcknowledgeAttempt(w http.ResponseWriter, r *http.Request) {
	receipt, err := h.service.AcknowledgeAttempt(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	api.WriteData(w, http.StatusOK, receipt)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("payment request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"correlation_id", middleware.GetCorrelationID(r.Context()),
			"error", err,
		)
		api.InternalError(w, "internal server error")
		return
	}
	api.WriteError(w, status, code, err.Error())
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, checkout.ErrAttemptNotFound):
		return http.StatusNotFound, ErrCodeAttemptNotFound
	case errors.Is(err, payment.ErrEmptySelection):
		return http.StatusUnprocessableEntity, ErrCodeEmptySelection
	case errors.Is(err, payment.ErrInvalidAmount):
		return http.StatusUnprocessableEntity, ErrCodeInvalidAmount
	case errors.Is(err, payment.ErrInvalidSubmission):
		return http.StatusUnprocessableEntity, ErrCodeInvalidSubmission
	case errors.Is(err, payment.ErrMissingInstrument):
		return http.StatusUnprocessableEntity, ErrCodeMissingInstrument
	case errors.Is(err, payment.ErrInvalidInput):
		return http.StatusUnprocessableEntity, ErrCodeInvalidInput
	case errors.Is(err, payment.ErrAttemptReleased):
		return http.StatusConflict, ErrCodeAttemptReleased
	case errors.Is(err, checkout.ErrTargetInFlight):
		return http.StatusConflict, ErrCodeTargetInFlight
	case errors.Is(err, payment.ErrInvalidTransition):
		return http.StatusConflict, ErrCodeInvalidTransition
	default:
		return http.StatusInternalServerError, api.ErrCodeInternalError
	}
}
