package payment

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"billpay/internal/common/money"
)

// ResolveRequest carries the inputs for one resolution. Only the fields for Mode are read.
type ResolveRequest struct {
	Mode         Mode            `json:"mode" validate:"required,oneof=outstanding invoice-selection custom"`
	Account      *AccountPayable `json:"account,omitempty" validate:"omitempty"`
	Invoices     []InvoiceRef    `json:"invoices,omitempty" validate:"omitempty,dive"`
	SelectedIDs  []string        `json:"selected_ids,omitempty"`
	CustomAmount any             `json:"custom_amount,omitempty"`
}

// Resolve dispatches to the resolver branch named by req.Mode.
func Resolve(req ResolveRequest) (ResolvedAmount, error) {
	switch req.Mode {
	case ModeOutstanding:
		if req.Account == nil {
			return ResolvedAmount{}, fmt.Errorf("Resolve: outstanding mode requires an account: %w", ErrInvalidInput)
		}
		return ResolveOutstanding(*req.Account)
	case ModeInvoiceSelection:
		return ResolveInvoiceSelection(req.Invoices, NewSelection(req.SelectedIDs...))
	case ModeCustom:
		return ResolveCustom(req.CustomAmount)
	default:
		return ResolvedAmount{}, fmt.Errorf("Resolve: unknown mode %q: %w", req.Mode, ErrInvalidInput)
	}
}

// ResolveOutstanding charges the account's full outstanding balance. A zero balance resolves to zero.
func ResolveOutstanding(account AccountPayable) (ResolvedAmount, error) {
	if account.OutstandingBalance.IsNegative() {
		return ResolvedAmount{}, fmt.Errorf("ResolveOutstanding: account %q has negative balance %s: %w",
			account.AccountID, account.OutstandingBalance, ErrInvalidInput)
	}

	breakdown := OutstandingBreakdown{OutstandingBalance: account.OutstandingBalance}
	return ResolvedAmount{
		Mode:      ModeOutstanding,
		Total:     breakdown.Total(),
		Breakdown: breakdown,
	}, nil
}

// ResolveInvoiceSelection sums base amounts and late fees of the selected invoices in integer cents.
// Selected ids are reported in invoice-list order.
func ResolveInvoiceSelection(invoices []InvoiceRef, selected Selection) (ResolvedAmount, error) {
	if len(selected) == 0 {
		return ResolvedAmount{}, fmt.Errorf("ResolveInvoiceSelection: %w", ErrEmptySelection)
	}

	var subtotal, lateFees money.Money
	ids := make([]string, 0, len(selected))
	seen := make(map[string]struct{}, len(selected))

	for _, inv := range invoices {
		if !selected.Has(inv.ID) {
			continue
		}
		if _, dup := seen[inv.ID]; dup {
			return ResolvedAmount{}, fmt.Errorf("ResolveInvoiceSelection: invoice %q listed twice: %w", inv.ID, ErrInvalidInput)
		}
		if inv.BaseAmount.IsNegative() || inv.LateFee.IsNegative() {
			return ResolvedAmount{}, fmt.Errorf("ResolveInvoiceSelection: invoice %q has a negative amount: %w", inv.ID, ErrInvalidInput)
		}
		seen[inv.ID] = struct{}{}

		var err error
		if subtotal, err = subtotal.AddChecked(inv.BaseAmount); err != nil {
			return ResolvedAmount{}, fmt.Errorf("ResolveInvoiceSelection: %w: %w", ErrInvalidInput, err)
		}
		if lateFees, err = lateFees.AddChecked(inv.LateFee); err != nil {
			return ResolvedAmount{}, fmt.Errorf("ResolveInvoiceSelection: %w: %w", ErrInvalidInput, err)
		}
		ids = append(ids, inv.ID)
	}

	if len(ids) == 0 {
		return ResolvedAmount{}, fmt.Errorf("ResolveInvoiceSelection: selection matches no invoice: %w", ErrEmptySelection)
	}

	if _, err := subtotal.AddChecked(lateFees); err != nil {
		return ResolvedAmount{}, fmt.Errorf("ResolveInvoiceSelection: %w: %w", ErrInvalidInput, err)
	}

	breakdown := InvoiceBreakdown{
		InvoiceSubtotal: subtotal,
		LateFeeSubtotal: lateFees,
		SelectedIDs:     ids,
	}
	return ResolvedAmount{
		Mode:      ModeInvoiceSelection,
		Total:     breakdown.Total(),
		Breakdown: breakdown,
	}, nil
}

// ResolveCustom parses a free-form amount in major units.
// Accepted inputs are string, json.Number, int, int64, float64, decimal.Decimal and money.Money.
// Unparseable values, values <= 0 and sub-cent values fail with ErrInvalidAmount.
func ResolveCustom(entered any) (ResolvedAmount, error) {
	amount, err := parseEntered(entered)
	if err != nil {
		return ResolvedAmount{}, fmt.Errorf("ResolveCustom: %w: %w", ErrInvalidAmount, err)
	}
	if !amount.IsPositive() {
		return ResolvedAmount{}, fmt.Errorf("ResolveCustom: amount %s must be positive: %w", amount, ErrInvalidAmount)
	}

	breakdown := CustomBreakdown{EnteredAmount: amount}
	return ResolvedAmount{
		Mode:      ModeCustom,
		Total:     breakdown.Total(),
		Breakdown: breakdown,
	}, nil
}

func parseEntered(entered any) (money.Money, error) {
	switch v := entered.(type) {
	case string:
		return money.Parse(v)
	case json.Number:
		return money.Parse(v.String())
	case int:
		return money.FromDecimal(decimal.NewFromInt(int64(v)))
	case int64:
		return money.FromDecimal(decimal.NewFromInt(v))
	case float64:
		return money.FromFloat(v)
	case decimal.Decimal:
		return money.FromDecimal(v)
	case money.Money:
		return v, nil
	case nil:
		return money.Money{}, fmt.Errorf("no amount entered")
	default:
		return money.Money{}, fmt.Errorf("unsupported amount type %T", entered)
	}
}
