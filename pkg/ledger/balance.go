package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/microlend/pkg/models"
	"github.com/mcclellann/microlend/pkg/store"
	"github.com/shopspring/decimal"
)

var (
	hundred       = decimal.NewFromInt(100)
	monthsPerYear = decimal.NewFromInt(12)
)

// MonthlyRate converts an annual percentage rate into a per-month fraction.
func MonthlyRate(annualPercent decimal.Decimal) decimal.Decimal {
	return annualPercent.Div(hundred).Div(monthsPerYear)
}

// ComputeBalance derives a loan's balance from its terms and the totals of
// its payment history. Accrual is always one month's interest on the current
// principal balance; elapsed time is not compounded.
//
// A loan that has not been disbursed uses now as its reference date, so a
// balance query before funding reads as if the money had just been lent.
func ComputeBalance(loan *models.Loan, principalPaid, interestPaid decimal.Decimal, now time.Time) models.BalanceSnapshot {
	principalBalance := loan.Amount.Sub(principalPaid)
	if principalBalance.IsNegative() {
		principalBalance = decimal.Zero
	}
	monthlyRate := MonthlyRate(loan.InterestRate)
	accrued := principalBalance.Mul(monthlyRate).Round(models.CurrencyPlaces)

	reference := now
	if loan.DisbursedAt != nil {
		reference = *loan.DisbursedAt
	}

	return models.BalanceSnapshot{
		LoanID:              loan.ID,
		OriginalAmount:      loan.Amount,
		PrincipalPaid:       principalPaid,
		InterestPaid:        interestPaid,
		PrincipalBalance:    principalBalance,
		AccruedInterest:     accrued,
		TotalPaid:           principalPaid.Add(interestPaid),
		Balance:             principalBalance.Add(accrued),
		MonthlyInterestRate: monthlyRate,
		ReferenceDate:       reference,
		AsOf:                now,
	}
}

// Balance returns the current balance snapshot for a loan.
func (l *Ledger) Balance(ctx context.Context, loanID uuid.UUID) (models.BalanceSnapshot, error) {
	loan, err := l.storage.GetLoan(ctx, loanID)
	if err != nil {
		return models.BalanceSnapshot{}, err
	}
	return l.balanceFor(ctx, l.storage, loan)
}

func (l *Ledger) balanceFor(ctx context.Context, r store.Repository, loan *models.Loan) (models.BalanceSnapshot, error) {
	principal, interest, err := r.PaymentTotals(ctx, loan.ID)
	if err != nil {
		return models.BalanceSnapshot{}, err
	}
	return ComputeBalance(loan, principal, interest, l.now()), nil
}
