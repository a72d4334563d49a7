package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/mcclellann/microlend/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocate(t *testing.T) {
	snap := models.BalanceSnapshot{
		LoanID:           uuid.New(),
		PrincipalBalance: dec("1000000"),
		AccruedInterest:  dec("20000"),
		Balance:          dec("1020000"),
	}

	tests := []struct {
		amount    string
		interest  string
		principal string
	}{
		{"15000", "15000", "0"},
		{"20000", "20000", "0"},
		{"25000", "20000", "5000"},
		{"0.01", "0.01", "0"},
		{"1020000", "20000", "1000000"},
	}
	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			a, err := Allocate(snap, dec(tt.amount))
			require.NoError(t, err)
			assert.True(t, a.Interest.Equal(dec(tt.interest)), "interest %s", a.Interest)
			assert.True(t, a.Principal.Equal(dec(tt.principal)), "principal %s", a.Principal)
			assert.True(t, a.Interest.Add(a.Principal).Equal(dec(tt.amount)))
		})
	}
}

func TestAllocateRejectsOverpayment(t *testing.T) {
	snap := models.BalanceSnapshot{PrincipalBalance: dec("100"), AccruedInterest: dec("1"), Balance: dec("101")}

	_, err := Allocate(snap, dec("101.01"))
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = Allocate(snap, decimal.Zero)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestApplyPaymentInterestOnly(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	loan := disbursedLoan(t, l, "user-1", "1000000", "24", 12)

	res, err := l.ApplyPayment(ctx, PaymentRequest{UserID: "user-1", LoanID: loan.ID, Amount: dec("15000")})
	require.NoError(t, err)

	assert.True(t, res.Payment.InterestAmount.Equal(dec("15000")))
	assert.True(t, res.Payment.PrincipalAmount.IsZero())
	assert.True(t, res.Balance.PrincipalBalance.Equal(dec("1000000")))
	require.NotNil(t, res.Debit)
	assert.True(t, res.Debit.Amount.Equal(dec("-15000")))
	assert.Equal(t, models.TransactionTypePayment, res.Debit.Type)
	require.NotNil(t, res.Debit.LoanID)
	assert.Equal(t, loan.ID, *res.Debit.LoanID)

	w, err := l.Wallet(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(dec("985000")), "wallet %s", w.Balance)
	requireReconciled(t, l, "user-1")
}

func TestApplyPaymentSplitsInterestFirst(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	loan := disbursedLoan(t, l, "user-1", "1000000", "24", 12)

	res, err := l.ApplyPayment(ctx, PaymentRequest{UserID: "user-1", LoanID: loan.ID, Amount: dec("25000")})
	require.NoError(t, err)
	assert.True(t, res.Payment.InterestAmount.Equal(dec("20000")))
	assert.True(t, res.Payment.PrincipalAmount.Equal(dec("5000")))

	snap, err := l.Balance(ctx, loan.ID)
	require.NoError(t, err)
	assert.True(t, snap.PrincipalBalance.Equal(dec("995000")), "principal %s", snap.PrincipalBalance)
	assert.Equal(t, res.Balance, snap)
}

func TestRecordPaymentDoesNotTouchWallet(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	loan := disbursedLoan(t, l, "user-1", "1000", "12", 12)

	res, err := l.RecordPayment(ctx, loan.ID, dec("110"), models.PaymentMethodCard)
	require.NoError(t, err)
	assert.Nil(t, res.Debit)
	assert.True(t, res.Payment.InterestAmount.Equal(dec("10")))
	assert.True(t, res.Payment.PrincipalAmount.Equal(dec("100")))

	w, err := l.Wallet(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(dec("1000")))
}

func TestApplyPaymentRejections(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	loan := disbursedLoan(t, l, "user-1", "1000", "12", 12)
	pending := createLoan(t, l, "user-1", "1000", "12", 12)

	_, err := l.ApplyPayment(ctx, PaymentRequest{UserID: "user-2", LoanID: loan.ID, Amount: dec("10")})
	assert.ErrorIs(t, err, models.ErrNotFound, "foreign loan")

	_, err = l.ApplyPayment(ctx, PaymentRequest{UserID: "user-1", LoanID: pending.ID, Amount: dec("10")})
	assert.ErrorIs(t, err, models.ErrInvalidStateTransition, "pending loan")

	_, err = l.ApplyPayment(ctx, PaymentRequest{UserID: "user-1", LoanID: loan.ID, Amount: dec("1010.01")})
	assert.ErrorIs(t, err, models.ErrValidation, "above balance")

	_, err = l.ApplyPayment(ctx, PaymentRequest{UserID: "user-1", LoanID: loan.ID, Amount: dec("-5")})
	assert.ErrorIs(t, err, models.ErrValidation, "negative amount")

	payments, err := l.Payments(ctx, loan.ID)
	require.NoError(t, err)
	assert.Empty(t, payments)
}

func TestApplyPaymentInsufficientWalletWritesNothing(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	loan := disbursedLoan(t, l, "user-1", "1000", "12", 12)
	_, err := l.Withdraw(ctx, "user-1", dec("950"))
	require.NoError(t, err)

	_, err = l.ApplyPayment(ctx, PaymentRequest{UserID: "user-1", LoanID: loan.ID, Amount: dec("100")})
	var insufficient *models.InsufficientFundsError
	require.ErrorAs(t, err, &insufficient)
	assert.True(t, insufficient.Available.Equal(dec("50")))
	assert.True(t, insufficient.Requested.Equal(dec("100")))

	payments, err := l.Payments(ctx, loan.ID)
	require.NoError(t, err)
	assert.Empty(t, payments, "payment row must roll back with the failed debit")
	requireReconciled(t, l, "user-1")
}

func TestPaymentsNeverOverdrawPrincipal(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	loan := disbursedLoan(t, l, "user-1", "1000", "12", 3)
	_, err := l.Deposit(ctx, "user-1", dec("100"))
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		snap, err := l.Balance(ctx, loan.ID)
		require.NoError(t, err)
		if snap.PrincipalBalance.IsZero() {
			break
		}
		amount := decimal.Min(dec("123.45"), snap.Balance)
		res, err := l.ApplyPayment(ctx, PaymentRequest{UserID: "user-1", LoanID: loan.ID, Amount: amount})
		require.NoError(t, err)
		assert.True(t, res.Payment.PrincipalAmount.Add(res.Payment.InterestAmount).Equal(res.Payment.Amount))
		assert.False(t, res.Balance.PrincipalBalance.IsNegative())
	}

	payments, err := l.Payments(ctx, loan.ID)
	require.NoError(t, err)
	principal := decimal.Zero
	for _, p := range payments {
		principal = principal.Add(p.PrincipalAmount)
	}
	assert.True(t, principal.Equal(loan.Amount), "principal repaid %s", principal)

	_, err = l.ApplyPayment(ctx, PaymentRequest{UserID: "user-1", LoanID: loan.ID, Amount: dec("0.01")})
	assert.ErrorIs(t, err, models.ErrValidation, "nothing left to pay")
	requireReconciled(t, l, "user-1")
}

func TestRecordPayment(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	loan := disbursedLoan(t, l, "user-1", "1000", "12", 12)

	res, err := l.RecordPayment(ctx, loan.ID, dec("5"), models.PaymentMethodBankTransfer)
	require.NoError(t, err)
	assert.True(t, res.Payment.InterestAmount.Equal(dec("5")))
	assert.Equal(t, models.PaymentMethodBankTransfer, res.Payment.Method)

	_, err = l.RecordPayment(ctx, uuid.New(), dec("5"), models.PaymentMethodCard)
	assert.ErrorIs(t, err, models.ErrNotFound)

	for _, method := range []models.PaymentMethod{models.PaymentMethodWallet, "cash"} {
		_, err = l.RecordPayment(ctx, loan.ID, dec("5"), method)
		assert.ErrorIs(t, err, models.ErrValidation, string(method))
	}
}

// Wallet and externally recorded payments racing on one loan must settle it
// exactly once.
func TestConcurrentPaymentsSettleOnce(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *Ledger) {
		ctx := context.Background()
		loan := disbursedLoan(t, l, "user-1", "1000", "12", 12)
		_, err := l.Deposit(ctx, "user-1", dec("10"))
		require.NoError(t, err)
		full := dec("1010")

		var wg sync.WaitGroup
		var settled atomic.Int32
		for i := 0; i < 4; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, err := l.ApplyPayment(ctx, PaymentRequest{UserID: "user-1", LoanID: loan.ID, Amount: full})
				if err == nil {
					settled.Add(1)
					return
				}
				assert.ErrorIs(t, err, models.ErrValidation)
			}()
			go func() {
				defer wg.Done()
				_, err := l.RecordPayment(ctx, loan.ID, full, models.PaymentMethodCard)
				if err == nil {
					settled.Add(1)
					return
				}
				assert.ErrorIs(t, err, models.ErrValidation)
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), settled.Load())

		payments, err := l.Payments(ctx, loan.ID)
		require.NoError(t, err)
		require.Len(t, payments, 1)
		assert.True(t, payments[0].PrincipalAmount.Equal(loan.Amount))
		requireReconciled(t, l, "user-1")
	})
}
