package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/microlend/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonthlyRate(t *testing.T) {
	assert.True(t, MonthlyRate(dec("24")).Equal(dec("0.02")))
	assert.True(t, MonthlyRate(dec("12")).Equal(dec("0.01")))
	assert.True(t, MonthlyRate(decimal.Zero).IsZero())
}

func TestComputeBalance(t *testing.T) {
	disbursed := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	loan := &models.Loan{ID: uuid.New(), Amount: dec("1000000"), InterestRate: dec("24"), DisbursedAt: &disbursed}

	snap := ComputeBalance(loan, decimal.Zero, decimal.Zero, fixedNow)
	assert.True(t, snap.PrincipalBalance.Equal(dec("1000000")))
	assert.True(t, snap.AccruedInterest.Equal(dec("20000")), "accrued %s", snap.AccruedInterest)
	assert.True(t, snap.Balance.Equal(dec("1020000")))
	assert.True(t, snap.TotalPaid.IsZero())
	assert.True(t, snap.MonthlyInterestRate.Equal(dec("0.02")))
	assert.Equal(t, disbursed, snap.ReferenceDate)
	assert.Equal(t, fixedNow, snap.AsOf)

	snap = ComputeBalance(loan, dec("5000"), dec("20000"), fixedNow)
	assert.True(t, snap.PrincipalBalance.Equal(dec("995000")))
	assert.True(t, snap.AccruedInterest.Equal(dec("19900")))
	assert.True(t, snap.TotalPaid.Equal(dec("25000")))
}

func TestComputeBalanceRoundsAccrualToCents(t *testing.T) {
	loan := &models.Loan{ID: uuid.New(), Amount: dec("1000"), InterestRate: dec("10")}

	snap := ComputeBalance(loan, decimal.Zero, decimal.Zero, fixedNow)

	// 1000 * 0.10 / 12 = 8.3333...
	assert.True(t, snap.AccruedInterest.Equal(dec("8.33")), "accrued %s", snap.AccruedInterest)
	assert.True(t, snap.Balance.Equal(dec("1008.33")))
}

func TestComputeBalanceWithoutDisbursementUsesNow(t *testing.T) {
	loan := &models.Loan{ID: uuid.New(), Amount: dec("100"), InterestRate: dec("12")}
	snap := ComputeBalance(loan, decimal.Zero, decimal.Zero, fixedNow)
	assert.Equal(t, fixedNow, snap.ReferenceDate)
}

func TestBalanceIsPureOverHistory(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	loan := disbursedLoan(t, l, "user-1", "1000000", "24", 12)

	first, err := l.Balance(ctx, loan.ID)
	require.NoError(t, err)
	second, err := l.Balance(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
