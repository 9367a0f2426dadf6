// Package payment resolves payable amounts and drives a single payment attempt through settlement.
package payment

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"billpay/internal/common/money"
)

// Mode selects which resolver branch computes the payable amount.
type Mode string

const (
	ModeOutstanding      Mode = "outstanding"
	ModeInvoiceSelection Mode = "invoice-selection"
	ModeCustom           Mode = "custom"
)

// InvoiceRef is a read-only snapshot of an invoice supplied by the listing layer.
type InvoiceRef struct {
	ID            string      `json:"id" validate:"required"`
	InvoiceNumber string      `json:"invoice_number"`
	BaseAmount    money.Money `json:"base_amount"`
	LateFee       money.Money `json:"late_fee"`
	DueDate       time.Time   `json:"due_date"`
	DaysOverdue   int         `json:"days_overdue"`
}

// AccountPayable is the account-level aggregate target for outstanding-balance payments.
type AccountPayable struct {
	AccountID          string      `json:"account_id" validate:"required"`
	AccountName        string      `json:"account_name"`
	OutstandingBalance money.Money `json:"outstanding_balance"`
}

// Selection is a set of invoice ids. Order is irrelevant and duplicates collapse.
type Selection map[string]struct{}

// NewSelection builds a selection from ids.
func NewSelection(ids ...string) Selection {
	s := make(Selection, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports whether id is selected.
func (s Selection) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// IDs returns the selected ids in sorted order.
func (s Selection) IDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MarshalJSON encodes the selection as a sorted array of ids.
func (s Selection) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.IDs())
}

// UnmarshalJSON decodes an array of ids.
func (s *Selection) UnmarshalJSON(data []byte) error {
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	*s = NewSelection(ids...)
	return nil
}

// Breakdown is the mode-specific detail behind a resolved total.
// It is implemented only by OutstandingBreakdown, InvoiceBreakdown and CustomBreakdown.
type Breakdown interface {
	Mode() Mode
	Total() money.Money
	isBreakdown()
}

// OutstandingBreakdown backs an outstanding-balance resolution.
type OutstandingBreakdown struct {
	OutstandingBalance money.Money `json:"outstanding_balance"`
}

func (OutstandingBreakdown) Mode() Mode            { return ModeOutstanding }
func (b OutstandingBreakdown) Total() money.Money { return b.OutstandingBalance }
func (OutstandingBreakdown) isBreakdown()          {}

// InvoiceBreakdown backs an invoice-selection resolution.
type InvoiceBreakdown struct {
	InvoiceSubtotal money.Money `json:"invoice_subtotal"`
	LateFeeSubtotal money.Money `json:"late_fee_subtotal"`
	SelectedIDs     []string    `json:"selected_ids"`
}

func (InvoiceBreakdown) Mode() Mode { return ModeInvoiceSelection }
func (b InvoiceBreakdown) Total() money.Money {
	return b.InvoiceSubtotal.Add(b.LateFeeSubtotal)
}
func (InvoiceBreakdown) isBreakdown() {}

// CustomBreakdown backs a free-form amount.
type CustomBreakdown struct {
	EnteredAmount money.Money `json:"entered_amount"`
}

func (CustomBreakdown) Mode() Mode            { return ModeCustom }
func (b CustomBreakdown) Total() money.Money { return b.EnteredAmount }
func (CustomBreakdown) isBreakdown()          {}

// ResolvedAmount is the single authoritative amount to charge.
// Values are produced fresh by the resolver and are never mutated afterwards.
type ResolvedAmount struct {
	Mode      Mode
	Total     money.Money
	Breakdown Breakdown
}

// Validate checks that the total is non-negative and matches what the breakdown implies.
func (r ResolvedAmount) Validate() error {
	if r.Breakdown == nil {
		return fmt.Errorf("missing breakdown: %w", ErrInvalidInput)
	}
	if r.Breakdown.Mode() != r.Mode {
		return fmt.Errorf("breakdown for %q under mode %q: %w", r.Breakdown.Mode(), r.Mode, ErrInvalidInput)
	}
	if r.Total.IsNegative() {
		return fmt.Errorf("negative total %s: %w", r.Total, ErrInvalidInput)
	}
	if !r.Total.Equal(r.Breakdown.Total()) {
		return fmt.Errorf("total %s does not match breakdown %s: %w", r.Total, r.Breakdown.Total(), ErrInvalidInput)
	}
	return nil
}

type resolvedAmountJSON struct {
	Mode      Mode            `json:"mode"`
	Total     money.Money     `json:"total"`
	Breakdown json.RawMessage `json:"breakdown"`
}

// MarshalJSON encodes the amount with its breakdown tagged by mode.
func (r ResolvedAmount) MarshalJSON() ([]byte, error) {
	breakdown, err := json.Marshal(r.Breakdown)
	if err != nil {
		return nil, err
	}
	return json.Marshal(resolvedAmountJSON{Mode: r.Mode, Total: r.Total, Breakdown: breakdown})
}

// UnmarshalJSON decodes the breakdown variant named by mode and rejects inconsistent totals.
func (r *ResolvedAmount) UnmarshalJSON(data []byte) error {
	var raw resolvedAmountJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var breakdown Breakdown
	switch raw.Mode {
	case ModeOutstanding:
		var b OutstandingBreakdown
		if err := json.Unmarshal(raw.Breakdown, &b); err != nil {
			return err
		}
		breakdown = b
	case ModeInvoiceSelection:
		var b InvoiceBreakdown
		if err := json.Unmarshal(raw.Breakdown, &b); err != nil {
			return err
		}
		breakdown = b
	case ModeCustom:
		var b CustomBreakdown
		if err := json.Unmarshal(raw.Breakdown, &b); err != nil {
			return err
		}
		breakdown = b
	default:
		return fmt.Errorf("unknown mode %q: %w", raw.Mode, ErrInvalidInput)
	}

	decoded := ResolvedAmount{Mode: raw.Mode, Total: raw.Total, Breakdown: breakdown}
	if err := decoded.Validate(); err != nil {
		return err
	}
	*r = decoded
	return nil
}

// Method names the kind of instrument the payer chose.
type Method string

const (
	MethodUPI    Method = "upi"
	MethodCard   Method = "card"
	MethodWallet Method = "wallet"
)

// Well-known instrument detail keys.
const (
	DetailCardNumber = "card_number"
	DetailCardHolder = "card_holder"
	DetailExpiry     = "expiry"
	DetailUPIID      = "upi_id"
	DetailWallet     = "wallet"
)

// Instrument is an opaque payment-method descriptor. Only its presence is checked.
type Instrument struct {
	Method  Method            `json:"method"`
	Details map[string]string `json:"details,omitempty"`
}

// IsZero reports whether no instrument was chosen.
func (i Instrument) IsZero() bool {
	return i.Method == ""
}

// Masked returns a copy safe for logs and receipts.
// Every detail value is hidden except the last four digits of a card number.
func (i Instrument) Masked() Instrument {
	out := Instrument{Method: i.Method}
	if len(i.Details) == 0 {
		return out
	}
	out.Details = make(map[string]string, len(i.Details))
	for k, v := range i.Details {
		if k == DetailCardNumber {
			digits := strings.ReplaceAll(v, " ", "")
			if len(digits) > 4 {
				out.Details[k] = "**** " + digits[len(digits)-4:]
				continue
			}
		}
		out.Details[k] = "****"
	}
	return out
}

func (i Instrument) clone() Instrument {
	out := Instrument{Method: i.Method}
	if i.Details != nil {
		out.Details = make(map[string]string, len(i.Details))
		for k, v := range i.Details {
			out.Details[k] = v
		}
	}
	return out
}

// FailureCategory classifies a settlement failure. It never changes machine behavior.
type FailureCategory string

const (
	FailureInsufficientFunds FailureCategory = "insufficient_funds"
	FailureGatewayError      FailureCategory = "gateway_error"
	FailureNetworkError      FailureCategory = "network_error"
	FailureTimeout           FailureCategory = "timeout"
	FailureDeclined          FailureCategory = "declined"
	FailureUnknown           FailureCategory = "unknown"
)

// FailureReason is attached to a failed attempt for the user-facing message.
type FailureReason struct {
	Category FailureCategory `json:"category"`
	Message  string          `json:"message"`
}

func (r FailureReason) String() string {
	return fmt.Sprintf("%s: %s", r.Category, r.Message)
}

// Receipt is handed to the caller once an attempt completes.
type Receipt struct {
	AttemptID     string         `json:"attempt_id"`
	OrderID       string         `json:"order_id"`
	TransactionID string         `json:"transaction_id"`
	Amount        ResolvedAmount `json:"amount"`
	Instrument    Instrument     `json:"instrument"`
	Comment       string         `json:"comment,omitempty"`
	SettledAt     time.Time      `json:"settled_at"`
}
