package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/microlend/pkg/models"
	"github.com/shopspring/decimal"
)

// Repository defines the database operations on loans, payments and wallets.
// Every method is usable both on a Storage and inside a WithTx callback.
type Repository interface {
	CreateLoan(ctx context.Context, loan *models.Loan) error
	// GetLoan reads one loan. Inside a transaction the loan row stays locked
	// until commit, which serializes payments and transitions on that loan.
	GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error)
	ListLoans(ctx context.Context, filter models.LoanFilter) ([]*models.Loan, error)
	// TransitionLoan moves a loan from one status to another only if it is
	// currently in `from`. It reports whether a row was changed. The timestamp
	// is written to approved_at or disbursed_at when `to` calls for it.
	TransitionLoan(ctx context.Context, id uuid.UUID, from, to models.LoanStatus, at time.Time) (bool, error)
	// DeleteLoan removes a loan and its payments. Wallet transactions that
	// referenced it are kept with their loan reference cleared.
	DeleteLoan(ctx context.Context, id uuid.UUID) error

	CreatePayment(ctx context.Context, payment *models.Payment) error
	ListPayments(ctx context.Context, loanID uuid.UUID) ([]*models.Payment, error)
	PaymentTotals(ctx context.Context, loanID uuid.UUID) (principal, interest decimal.Decimal, err error)

	// GetWallet reads the user's wallet without creating it. Inside a
	// transaction the wallet row stays locked until commit.
	GetWallet(ctx context.Context, userID string) (*models.Wallet, error)
	// EnsureWallet returns the user's wallet, creating an empty one if absent.
	// Inside a transaction the wallet row stays locked until commit.
	EnsureWallet(ctx context.Context, userID string) (*models.Wallet, error)
	UpdateWalletBalance(ctx context.Context, walletID uuid.UUID, balance decimal.Decimal, at time.Time) error
	CreateWalletTransaction(ctx context.Context, tx *models.WalletTransaction) error
	ListWalletTransactions(ctx context.Context, walletID uuid.UUID) ([]*models.WalletTransaction, error)
	SumWalletTransactions(ctx context.Context, walletID uuid.UUID) (decimal.Decimal, error)
}

// Storage is a Repository that can open atomic units of work.
type Storage interface {
	Repository

	// WithTx runs fn inside a single transaction. The transaction commits if
	// fn returns nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(r Repository) error) error

	Close() error
}
