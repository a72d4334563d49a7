package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/microlend/pkg/models"
	"github.com/mcclellann/microlend/pkg/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Allocation is the interest-first split of one payment.
type Allocation struct {
	Interest  decimal.Decimal
	Principal decimal.Decimal
}

// Allocate splits amount against a balance snapshot. Accrued interest is
// settled first and the remainder reduces principal. The split always sums to
// amount exactly. Paying more principal than is outstanding is rejected.
func Allocate(snapshot models.BalanceSnapshot, amount decimal.Decimal) (Allocation, error) {
	if err := RequireAmount(amount); err != nil {
		return Allocation{}, err
	}

	var a Allocation
	if amount.GreaterThanOrEqual(snapshot.AccruedInterest) {
		a.Interest = snapshot.AccruedInterest
		a.Principal = amount.Sub(snapshot.AccruedInterest)
	} else {
		a.Interest = amount
		a.Principal = decimal.Zero
	}

	if a.Principal.GreaterThan(snapshot.PrincipalBalance) {
		return Allocation{}, models.Invalid("payment %s exceeds outstanding balance %s of loan %s",
			amount.StringFixed(models.CurrencyPlaces), snapshot.Balance.StringFixed(models.CurrencyPlaces), snapshot.LoanID)
	}
	return a, nil
}

// PaymentRequest is a borrower payment as received from the submission
// endpoint. Borrower payments are always drawn from the borrower's wallet;
// card and bank transfer payments go through RecordPayment.
type PaymentRequest struct {
	UserID string
	LoanID uuid.UUID
	Amount decimal.Decimal
}

// Validate checks the request fields before any storage is touched.
func (p PaymentRequest) Validate() error {
	if p.UserID == "" {
		return models.Invalid("user id is required")
	}
	if p.LoanID == uuid.Nil {
		return models.Invalid("loan id is required")
	}
	return RequireAmount(p.Amount)
}

// PaymentResult is the persisted payment and the balance after applying it.
type PaymentResult struct {
	Payment *models.Payment           `json:"payment"`
	Balance models.BalanceSnapshot    `json:"balance"`
	Debit   *models.WalletTransaction `json:"wallet_transaction,omitempty"`
}

// ApplyPayment records a borrower payment and debits the same amount from the
// borrower's wallet. Ownership, status and the balance ceiling are checked
// and the payment is split and inserted in the same unit of work as the
// debit: either every row is written or none is.
func (l *Ledger) ApplyPayment(ctx context.Context, req PaymentRequest) (*PaymentResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	var result *PaymentResult
	err := l.storage.WithTx(ctx, func(r store.Repository) error {
		loan, err := r.GetLoan(ctx, req.LoanID)
		if err != nil {
			return err
		}
		// A foreign loan is reported as missing.
		if loan.UserID != req.UserID {
			return models.NotFound("loan", req.LoanID)
		}

		payment, snapshot, err := l.applyPaymentTx(ctx, r, loan, req.Amount, models.PaymentMethodWallet)
		if err != nil {
			return err
		}
		result = &PaymentResult{Payment: payment, Balance: snapshot}

		loanID := loan.ID
		result.Debit, err = l.debitTx(ctx, r, Movement{
			UserID:      req.UserID,
			Amount:      req.Amount,
			Type:        models.TransactionTypePayment,
			Description: fmt.Sprintf("Payment for loan %s", loan.ID),
			LoanID:      &loanID,
		})
		return err
	})
	l.metrics.Observe("apply_payment", start, err)
	if err != nil {
		l.logFailure("apply payment", err,
			zap.String("loan_id", req.LoanID.String()),
			zap.String("user_id", req.UserID),
			zap.String("amount", req.Amount.String()))
		return nil, err
	}

	l.metrics.PaymentApplied(result.Payment.PrincipalAmount, result.Payment.InterestAmount)
	l.metrics.WalletTransaction(string(result.Debit.Type))
	l.logger.Info("payment applied",
		zap.String("loan_id", req.LoanID.String()),
		zap.String("payment_id", result.Payment.ID.String()),
		zap.String("interest", result.Payment.InterestAmount.StringFixed(models.CurrencyPlaces)),
		zap.String("principal", result.Payment.PrincipalAmount.StringFixed(models.CurrencyPlaces)),
		zap.String("principal_balance", result.Balance.PrincipalBalance.StringFixed(models.CurrencyPlaces)))
	return result, nil
}

// RecordPayment applies a card or bank transfer payment settled outside the
// wallet. No wallet is touched, so it is reserved for admin tooling.
func (l *Ledger) RecordPayment(ctx context.Context, loanID uuid.UUID, amount decimal.Decimal, method models.PaymentMethod) (*PaymentResult, error) {
	if err := RequireAmount(amount); err != nil {
		return nil, err
	}
	if !method.External() {
		return nil, models.Invalid("external payments must use %q or %q, got %q",
			models.PaymentMethodCard, models.PaymentMethodBankTransfer, method)
	}

	start := time.Now()
	var result *PaymentResult
	err := l.storage.WithTx(ctx, func(r store.Repository) error {
		loan, err := r.GetLoan(ctx, loanID)
		if err != nil {
			return err
		}
		payment, snapshot, err := l.applyPaymentTx(ctx, r, loan, amount, method)
		if err != nil {
			return err
		}
		result = &PaymentResult{Payment: payment, Balance: snapshot}
		return nil
	})
	l.metrics.Observe("record_payment", start, err)
	if err != nil {
		l.logFailure("record payment", err, zap.String("loan_id", loanID.String()), zap.String("amount", amount.String()))
		return nil, err
	}
	l.metrics.PaymentApplied(result.Payment.PrincipalAmount, result.Payment.InterestAmount)
	return result, nil
}

func (l *Ledger) applyPaymentTx(ctx context.Context, r store.Repository, loan *models.Loan, amount decimal.Decimal, method models.PaymentMethod) (*models.Payment, models.BalanceSnapshot, error) {
	if !loan.Status.Payable() {
		return nil, models.BalanceSnapshot{}, &models.StateError{LoanID: loan.ID, From: loan.Status, Op: "pay"}
	}

	before, err := l.balanceFor(ctx, r, loan)
	if err != nil {
		return nil, models.BalanceSnapshot{}, err
	}
	if amount.GreaterThan(before.Balance) {
		return nil, models.BalanceSnapshot{}, models.Invalid("payment %s exceeds outstanding balance %s of loan %s",
			amount.StringFixed(models.CurrencyPlaces), before.Balance.StringFixed(models.CurrencyPlaces), loan.ID)
	}

	split, err := Allocate(before, amount)
	if err != nil {
		return nil, models.BalanceSnapshot{}, err
	}

	payment := &models.Payment{
		ID:              uuid.New(),
		LoanID:          loan.ID,
		Amount:          amount,
		PrincipalAmount: split.Principal,
		InterestAmount:  split.Interest,
		Method:          method,
		PaymentDate:     l.now(),
		Status:          models.PaymentStatusCompleted,
	}
	if err := r.CreatePayment(ctx, payment); err != nil {
		return nil, models.BalanceSnapshot{}, err
	}

	after, err := l.balanceFor(ctx, r, loan)
	if err != nil {
		return nil, models.BalanceSnapshot{}, err
	}
	return payment, after, nil
}
