package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/mcclellann/microlend/pkg/models"
	"github.com/shopspring/decimal"
)

const maxBodyBytes = 1 << 16

// IntakePolicy bounds loan applications and prices them at a fixed rate.
type IntakePolicy struct {
	MinAmount     decimal.Decimal
	MaxAmount     decimal.Decimal
	MinTermMonths int
	MaxTermMonths int
	AnnualRate    decimal.Decimal
}

func DefaultIntakePolicy() IntakePolicy {
	return IntakePolicy{
		MinAmount:     decimal.NewFromInt(1000),
		MaxAmount:     decimal.NewFromInt(1000000),
		MinTermMonths: 1,
		MaxTermMonths: 60,
		AnnualRate:    decimal.NewFromInt(12),
	}
}

// decodeJSON reads a single JSON object into dst, rejecting unknown fields
// and trailing data.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return models.Invalid("request body is required")
		}
		return models.Invalid("malformed request body: %v", err)
	}
	if dec.More() {
		return models.Invalid("request body must contain a single object")
	}
	return nil
}

func requireCents(field string, d decimal.Decimal) error {
	if !d.IsPositive() {
		return models.Invalid("%s must be positive", field)
	}
	if !d.Round(models.CurrencyPlaces).Equal(d) {
		return models.Invalid("%s must have at most %d decimal places", field, models.CurrencyPlaces)
	}
	return nil
}

type applyRequest struct {
	Amount     decimal.Decimal `json:"amount"`
	TermMonths int             `json:"term_months"`
}

func (req applyRequest) validate(p IntakePolicy) error {
	if err := requireCents("amount", req.Amount); err != nil {
		return err
	}
	if req.Amount.LessThan(p.MinAmount) || req.Amount.GreaterThan(p.MaxAmount) {
		return models.Invalid("amount must be between %s and %s", p.MinAmount, p.MaxAmount)
	}
	if req.TermMonths < p.MinTermMonths || req.TermMonths > p.MaxTermMonths {
		return models.Invalid("term_months must be between %d and %d", p.MinTermMonths, p.MaxTermMonths)
	}
	return nil
}

type paymentRequest struct {
	Amount decimal.Decimal      `json:"amount"`
	Method models.PaymentMethod `json:"method"`
}

func (req *paymentRequest) validate() error {
	if err := requireCents("amount", req.Amount); err != nil {
		return err
	}
	if req.Method == "" {
		req.Method = models.PaymentMethodWallet
	}
	// Card and bank transfer payments are recorded by an admin once settled.
	if req.Method != models.PaymentMethodWallet {
		return models.Invalid("method must be %q", models.PaymentMethodWallet)
	}
	return nil
}

// externalPaymentRequest records a payment settled outside the wallet.
type externalPaymentRequest struct {
	Amount decimal.Decimal      `json:"amount"`
	Method models.PaymentMethod `json:"method"`
}

func (req externalPaymentRequest) validate() error {
	if err := requireCents("amount", req.Amount); err != nil {
		return err
	}
	if !req.Method.External() {
		return models.Invalid("method must be %q or %q", models.PaymentMethodCard, models.PaymentMethodBankTransfer)
	}
	return nil
}

type amountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (req amountRequest) validate() error {
	return requireCents("amount", req.Amount)
}

type creditRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

func (req *creditRequest) validate() error {
	if err := requireCents("amount", req.Amount); err != nil {
		return err
	}
	req.Description = strings.TrimSpace(req.Description)
	if len(req.Description) > 255 {
		return models.Invalid("description must be at most 255 characters")
	}
	return nil
}

func parseStatus(raw string) (models.LoanStatus, error) {
	if raw == "" {
		return "", nil
	}
	s := models.LoanStatus(strings.ToLower(raw))
	if !s.Valid() {
		return "", fmt.Errorf("unknown loan status %q: %w", raw, models.ErrValidation)
	}
	return s, nil
}
