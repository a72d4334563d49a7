package ledger

import (
	"time"

	"github.com/mcclellann/microlend/pkg/models"
	"github.com/shopspring/decimal"
)

// Quote is the priced form of a loan application.
type Quote struct {
	Amount         decimal.Decimal `json:"amount"`
	InterestRate   decimal.Decimal `json:"interest_rate"`
	TermMonths     int             `json:"term_months"`
	MonthlyPayment decimal.Decimal `json:"monthly_payment"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	TotalInterest  decimal.Decimal `json:"total_interest"`
}

// Price computes the fixed monthly installment of a fully amortizing loan,
//
//	payment = P * r * (1+r)^n / ((1+r)^n - 1)
//
// with r the monthly rate, falling back to an even split at 0%. The payment
// is rounded to cents and the total payable is payment * n.
func Price(amount, annualRate decimal.Decimal, termMonths int) (Quote, error) {
	if err := RequireAmount(amount); err != nil {
		return Quote{}, err
	}
	if annualRate.IsNegative() {
		return Quote{}, models.Invalid("interest rate must not be negative, got %s", annualRate)
	}
	if termMonths < 1 {
		return Quote{}, models.Invalid("term must be at least one month, got %d", termMonths)
	}

	n := decimal.NewFromInt(int64(termMonths))
	r := MonthlyRate(annualRate)

	var payment decimal.Decimal
	if r.IsZero() {
		payment = amount.Div(n)
	} else {
		factor := r.Add(decimal.NewFromInt(1)).Pow(n)
		payment = amount.Mul(r).Mul(factor).Div(factor.Sub(decimal.NewFromInt(1)))
	}
	// Round up so n installments never fall short of the principal.
	payment = payment.RoundCeil(models.CurrencyPlaces)
	total := payment.Mul(n)

	return Quote{
		Amount:         amount,
		InterestRate:   annualRate,
		TermMonths:     termMonths,
		MonthlyPayment: payment,
		TotalAmount:    total,
		TotalInterest:  total.Sub(amount),
	}, nil
}

// Terms converts a quote into the terms CreateLoan expects.
func (q Quote) Terms(userID string) LoanTerms {
	return LoanTerms{
		UserID:         userID,
		Amount:         q.Amount,
		InterestRate:   q.InterestRate,
		TermMonths:     q.TermMonths,
		MonthlyPayment: q.MonthlyPayment,
		TotalAmount:    q.TotalAmount,
	}
}

// Installment is one row of a declining-balance amortization table.
type Installment struct {
	Period           int             `json:"period"`
	DueDate          time.Time       `json:"due_date"`
	Payment          decimal.Decimal `json:"payment"`
	Interest         decimal.Decimal `json:"interest"`
	Principal        decimal.Decimal `json:"principal"`
	RemainingBalance decimal.Decimal `json:"remaining_balance"`
}

// Schedule returns the nominal repayment table for a loan, starting one month
// after disbursement (or application, if not yet disbursed). It is derived
// from the fixed monthly payment and is informational only: the balance a
// borrower owes is always computed from the recorded payments.
func Schedule(loan *models.Loan) []Installment {
	if loan.TermMonths < 1 || !loan.Amount.IsPositive() {
		return nil
	}

	start := loan.AppliedAt
	if loan.DisbursedAt != nil {
		start = *loan.DisbursedAt
	}
	r := MonthlyRate(loan.InterestRate)
	remaining := loan.Amount

	schedule := make([]Installment, 0, loan.TermMonths)
	for period := 1; period <= loan.TermMonths; period++ {
		interest := remaining.Mul(r).Round(models.CurrencyPlaces)
		principal := loan.MonthlyPayment.Sub(interest)
		// The final installment absorbs rounding so the balance reaches zero.
		if period == loan.TermMonths || principal.GreaterThan(remaining) {
			principal = remaining
		}
		remaining = remaining.Sub(principal)

		schedule = append(schedule, Installment{
			Period:           period,
			DueDate:          start.AddDate(0, period, 0),
			Payment:          principal.Add(interest),
			Interest:         interest,
			Principal:        principal,
			RemainingBalance: remaining,
		})
		if remaining.IsZero() {
			break
		}
	}
	return schedule
}
