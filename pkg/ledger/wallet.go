package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/microlend/pkg/models"
	"github.com/mcclellann/microlend/pkg/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Movement describes one change to a user's wallet. Amount is always
// positive; Credit and Debit decide the sign of the transaction row.
type Movement struct {
	UserID      string
	Amount      decimal.Decimal
	Type        models.TransactionType
	Description string
	LoanID      *uuid.UUID
}

func (m Movement) validate() error {
	if m.UserID == "" {
		return models.Invalid("user id is required")
	}
	if m.Type == "" {
		return models.Invalid("transaction type is required")
	}
	return RequireAmount(m.Amount)
}

var referencePrefix = map[models.TransactionType]string{
	models.TransactionTypeLoanDisbursement: "DSB",
	models.TransactionTypeDeposit:          "DEP",
	models.TransactionTypeWithdrawal:       "WDR",
	models.TransactionTypePayment:          "PAY",
	models.TransactionTypeAdminAdd:         "ADM",
}

// Credit adds funds to a wallet, creating the wallet on first use, and appends
// the matching transaction row in the same unit of work.
func (l *Ledger) Credit(ctx context.Context, m Movement) (*models.WalletTransaction, error) {
	return l.move(ctx, "credit", m, l.creditTx)
}

// Debit removes funds from a wallet. It fails with *models.InsufficientFundsError
// when the balance does not cover the amount, leaving the wallet untouched.
func (l *Ledger) Debit(ctx context.Context, m Movement) (*models.WalletTransaction, error) {
	return l.move(ctx, "debit", m, l.debitTx)
}

// Deposit credits a borrower-initiated top-up.
func (l *Ledger) Deposit(ctx context.Context, userID string, amount decimal.Decimal) (*models.WalletTransaction, error) {
	return l.Credit(ctx, Movement{UserID: userID, Amount: amount, Type: models.TransactionTypeDeposit, Description: "Wallet deposit"})
}

// Withdraw debits a borrower-initiated cash-out.
func (l *Ledger) Withdraw(ctx context.Context, userID string, amount decimal.Decimal) (*models.WalletTransaction, error) {
	return l.Debit(ctx, Movement{UserID: userID, Amount: amount, Type: models.TransactionTypeWithdrawal, Description: "Wallet withdrawal"})
}

// AdminCredit adds funds on behalf of an administrator.
func (l *Ledger) AdminCredit(ctx context.Context, userID string, amount decimal.Decimal, description string) (*models.WalletTransaction, error) {
	if description == "" {
		description = "Admin credit"
	}
	return l.Credit(ctx, Movement{UserID: userID, Amount: amount, Type: models.TransactionTypeAdminAdd, Description: description})
}

type movementFunc func(ctx context.Context, r store.Repository, m Movement) (*models.WalletTransaction, error)

func (l *Ledger) move(ctx context.Context, op string, m Movement, fn movementFunc) (*models.WalletTransaction, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	var out *models.WalletTransaction
	err := l.storage.WithTx(ctx, func(r store.Repository) error {
		t, err := fn(ctx, r, m)
		out = t
		return err
	})
	l.metrics.Observe("wallet_"+op, start, err)
	if err != nil {
		if errors.Is(err, models.ErrInsufficientFunds) {
			l.metrics.InsufficientFunds()
			l.logger.Info("wallet debit declined", zap.String("user_id", m.UserID), zap.Error(err))
		}
		l.logFailure("wallet "+op, err, zap.String("user_id", m.UserID), zap.String("amount", m.Amount.String()), zap.String("type", string(m.Type)))
		return nil, err
	}
	l.metrics.WalletTransaction(string(m.Type))
	return out, nil
}

func (l *Ledger) creditTx(ctx context.Context, r store.Repository, m Movement) (*models.WalletTransaction, error) {
	wallet, err := r.EnsureWallet(ctx, m.UserID)
	if err != nil {
		return nil, err
	}
	return l.post(ctx, r, wallet, m, m.Amount)
}

func (l *Ledger) debitTx(ctx context.Context, r store.Repository, m Movement) (*models.WalletTransaction, error) {
	wallet, err := r.EnsureWallet(ctx, m.UserID)
	if err != nil {
		return nil, err
	}
	if m.Amount.GreaterThan(wallet.Balance) {
		return nil, &models.InsufficientFundsError{UserID: m.UserID, Requested: m.Amount, Available: wallet.Balance}
	}
	return l.post(ctx, r, wallet, m, m.Amount.Neg())
}

// post writes the new balance and the transaction row. The wallet must have
// been read through EnsureWallet in r so that its row is locked.
func (l *Ledger) post(ctx context.Context, r store.Repository, wallet *models.Wallet, m Movement, signed decimal.Decimal) (*models.WalletTransaction, error) {
	now := l.now()
	if err := r.UpdateWalletBalance(ctx, wallet.ID, wallet.Balance.Add(signed), now); err != nil {
		return nil, err
	}
	t := &models.WalletTransaction{
		ID:          uuid.New(),
		WalletID:    wallet.ID,
		LoanID:      m.LoanID,
		Type:        m.Type,
		Amount:      signed,
		Description: m.Description,
		Reference:   l.reference(referencePrefix[m.Type], now),
		CreatedAt:   now,
	}
	if err := r.CreateWalletTransaction(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Wallet returns the user's wallet, or a zero-balance view if none exists yet.
func (l *Ledger) Wallet(ctx context.Context, userID string) (*models.Wallet, error) {
	w, err := l.storage.GetWallet(ctx, userID)
	if errors.Is(err, models.ErrNotFound) {
		return &models.Wallet{UserID: userID, Balance: decimal.Zero}, nil
	}
	return w, err
}

// Transactions returns the wallet history, oldest first. No wallet yields an
// empty list.
func (l *Ledger) Transactions(ctx context.Context, userID string) ([]*models.WalletTransaction, error) {
	w, err := l.storage.GetWallet(ctx, userID)
	if errors.Is(err, models.ErrNotFound) {
		return []*models.WalletTransaction{}, nil
	}
	if err != nil {
		return nil, err
	}
	return l.storage.ListWalletTransactions(ctx, w.ID)
}

// Reconciliation compares a wallet's stored balance with its history.
type Reconciliation struct {
	UserID      string          `json:"user_id"`
	WalletID    uuid.UUID       `json:"wallet_id"`
	Balance     decimal.Decimal `json:"balance"`
	LedgerTotal decimal.Decimal `json:"ledger_total"`
	Drift       decimal.Decimal `json:"drift"`
	Balanced    bool            `json:"balanced"`
}

// Reconcile reads the balance and the transaction sum in one unit of work.
// The wallet row is locked first so no movement can commit between the two
// reads.
func (l *Ledger) Reconcile(ctx context.Context, userID string) (*Reconciliation, error) {
	var rec *Reconciliation
	err := l.storage.WithTx(ctx, func(r store.Repository) error {
		w, err := r.GetWallet(ctx, userID)
		if err != nil {
			return err
		}
		sum, err := r.SumWalletTransactions(ctx, w.ID)
		if err != nil {
			return err
		}
		drift := w.Balance.Sub(sum)
		rec = &Reconciliation{
			UserID:      userID,
			WalletID:    w.ID,
			Balance:     w.Balance,
			LedgerTotal: sum,
			Drift:       drift,
			Balanced:    drift.IsZero(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !rec.Balanced {
		l.logger.Error("wallet ledger out of balance",
			zap.String("user_id", userID),
			zap.String("wallet_id", rec.WalletID.String()),
			zap.String("balance", rec.Balance.String()),
			zap.String("ledger_total", rec.LedgerTotal.String()))
	}
	return rec, nil
}
