package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/microlend/pkg/models"
	"github.com/mcclellann/microlend/pkg/store"
	"go.uber.org/zap"
)

// Loan status machine:
//
//	pending -> approved -> disbursed -> completed
//	pending -> rejected
//	approved -> completed
//
// Every transition is a conditional update on the current status, so a
// transition that loses a race changes nothing.

// Approve moves a pending loan to approved and stamps approved_at.
func (l *Ledger) Approve(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	return l.transition(ctx, "approve", id, func(r store.Repository) (*models.Loan, error) {
		return l.approveTx(ctx, r, id)
	})
}

// Reject moves a pending loan to the terminal rejected status.
func (l *Ledger) Reject(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	return l.transition(ctx, "reject", id, func(r store.Repository) (*models.Loan, error) {
		return l.simpleTransitionTx(ctx, r, id, "reject", models.LoanStatusPending, models.LoanStatusRejected)
	})
}

// Disburse funds an approved loan: the status moves to disbursed and the
// borrower's wallet is credited with the full principal together with a
// loan_disbursement transaction, in one unit of work. Disbursing a loan that
// is already disbursed returns it unchanged without crediting again.
func (l *Ledger) Disburse(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	var credited bool
	loan, err := l.transition(ctx, "disburse", id, func(r store.Repository) (*models.Loan, error) {
		loan, changed, err := l.disburseTx(ctx, r, id)
		credited = changed
		return loan, err
	})
	if err == nil && credited {
		l.metrics.Disbursed(loan.Amount)
		l.metrics.WalletTransaction(string(models.TransactionTypeLoanDisbursement))
	}
	return loan, err
}

// ApproveAndDisburse performs the combined admin action: approval followed
// immediately by disbursement, committed together.
func (l *Ledger) ApproveAndDisburse(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	loan, err := l.transition(ctx, "approve_and_disburse", id, func(r store.Repository) (*models.Loan, error) {
		if _, err := l.approveTx(ctx, r, id); err != nil {
			return nil, err
		}
		loan, _, err := l.disburseTx(ctx, r, id)
		return loan, err
	})
	if err == nil {
		l.metrics.Disbursed(loan.Amount)
		l.metrics.WalletTransaction(string(models.TransactionTypeLoanDisbursement))
	}
	return loan, err
}

// Complete closes a loan whose principal has been fully repaid.
func (l *Ledger) Complete(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	return l.transition(ctx, "complete", id, func(r store.Repository) (*models.Loan, error) {
		loan, err := r.GetLoan(ctx, id)
		if err != nil {
			return nil, err
		}
		if loan.Status != models.LoanStatusApproved && loan.Status != models.LoanStatusDisbursed {
			return nil, &models.StateError{LoanID: id, From: loan.Status, Op: "complete"}
		}
		snapshot, err := l.balanceFor(ctx, r, loan)
		if err != nil {
			return nil, err
		}
		if !snapshot.PrincipalBalance.IsZero() {
			return nil, fmt.Errorf("loan %s still owes %s principal: %w",
				id, snapshot.PrincipalBalance.StringFixed(models.CurrencyPlaces), models.ErrInvalidStateTransition)
		}
		return l.simpleTransitionTx(ctx, r, id, "complete", loan.Status, models.LoanStatusCompleted)
	})
}

func (l *Ledger) transition(ctx context.Context, op string, id uuid.UUID, fn func(r store.Repository) (*models.Loan, error)) (*models.Loan, error) {
	start := time.Now()
	var loan *models.Loan
	err := l.storage.WithTx(ctx, func(r store.Repository) error {
		var err error
		loan, err = fn(r)
		return err
	})
	l.metrics.Observe(op, start, err)
	if err != nil {
		l.logFailure(op+" loan", err, zap.String("loan_id", id.String()))
		return nil, err
	}
	l.logger.Info("loan transition", zap.String("op", op), zap.String("loan_id", id.String()), zap.String("status", string(loan.Status)))
	return loan, nil
}

func (l *Ledger) approveTx(ctx context.Context, r store.Repository, id uuid.UUID) (*models.Loan, error) {
	return l.simpleTransitionTx(ctx, r, id, "approve", models.LoanStatusPending, models.LoanStatusApproved)
}

// simpleTransitionTx applies a conditional status update and reports a
// StateError, carrying the observed status, when the loan was not in `from`.
func (l *Ledger) simpleTransitionTx(ctx context.Context, r store.Repository, id uuid.UUID, op string, from, to models.LoanStatus) (*models.Loan, error) {
	changed, err := r.TransitionLoan(ctx, id, from, to, l.now())
	if err != nil {
		return nil, err
	}
	loan, err := r.GetLoan(ctx, id)
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, &models.StateError{LoanID: id, From: loan.Status, Op: op}
	}
	return loan, nil
}

// disburseTx reports whether this call moved the loan and credited the wallet.
func (l *Ledger) disburseTx(ctx context.Context, r store.Repository, id uuid.UUID) (*models.Loan, bool, error) {
	changed, err := r.TransitionLoan(ctx, id, models.LoanStatusApproved, models.LoanStatusDisbursed, l.now())
	if err != nil {
		return nil, false, err
	}
	loan, err := r.GetLoan(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if !changed {
		if loan.Status == models.LoanStatusDisbursed {
			return loan, false, nil
		}
		return nil, false, &models.StateError{LoanID: id, From: loan.Status, Op: "disburse"}
	}

	loanID := loan.ID
	_, err = l.creditTx(ctx, r, Movement{
		UserID:      loan.UserID,
		Amount:      loan.Amount,
		Type:        models.TransactionTypeLoanDisbursement,
		Description: fmt.Sprintf("Disbursement of loan %s", loan.ID),
		LoanID:      &loanID,
	})
	if err != nil {
		return nil, false, err
	}
	return loan, true, nil
}
