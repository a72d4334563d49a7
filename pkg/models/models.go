package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CurrencyPlaces is the number of fractional digits money amounts carry.
const CurrencyPlaces = 2

type LoanStatus string

const (
	LoanStatusPending   LoanStatus = "pending"
	LoanStatusApproved  LoanStatus = "approved"
	LoanStatusRejected  LoanStatus = "rejected"
	LoanStatusDisbursed LoanStatus = "disbursed"
	LoanStatusCompleted LoanStatus = "completed"
)

// Valid reports whether s is one of the known loan statuses.
func (s LoanStatus) Valid() bool {
	switch s {
	case LoanStatusPending, LoanStatusApproved, LoanStatusRejected, LoanStatusDisbursed, LoanStatusCompleted:
		return true
	}
	return false
}

// Payable reports whether a loan in this status accepts payments.
func (s LoanStatus) Payable() bool {
	return s == LoanStatusApproved || s == LoanStatusDisbursed
}

type Loan struct {
	ID             uuid.UUID       `json:"id"`
	UserID         string          `json:"user_id"`         // Borrower, as supplied by the identity layer
	Amount         decimal.Decimal `json:"amount"`          // Original principal
	InterestRate   decimal.Decimal `json:"interest_rate"`   // Annual rate in percent, e.g. 24 for 24%
	TermMonths     int             `json:"term_months"`
	MonthlyPayment decimal.Decimal `json:"monthly_payment"` // Fixed at application time
	TotalAmount    decimal.Decimal `json:"total_amount"`
	Status         LoanStatus      `json:"status"`
	AppliedAt      time.Time       `json:"applied_at"`
	ApprovedAt     *time.Time      `json:"approved_at,omitempty"`
	DisbursedAt    *time.Time      `json:"disbursed_at,omitempty"`
}

type PaymentMethod string

const (
	PaymentMethodWallet       PaymentMethod = "wallet"
	PaymentMethodCard         PaymentMethod = "card"
	PaymentMethodBankTransfer PaymentMethod = "bank_transfer"
)

// External reports whether the payment was settled outside the wallet.
func (m PaymentMethod) External() bool {
	return m == PaymentMethodCard || m == PaymentMethodBankTransfer
}

const PaymentStatusCompleted = "completed"

type Payment struct {
	ID              uuid.UUID       `json:"id"`
	LoanID          uuid.UUID       `json:"loan_id"`
	Amount          decimal.Decimal `json:"amount"`
	PrincipalAmount decimal.Decimal `json:"principal_amount"`
	InterestAmount  decimal.Decimal `json:"interest_amount"`
	Method          PaymentMethod   `json:"method"`
	PaymentDate     time.Time       `json:"payment_date"`
	Status          string          `json:"status"`
}

type Wallet struct {
	ID        uuid.UUID       `json:"id"`
	UserID    string          `json:"user_id"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type TransactionType string

const (
	TransactionTypeLoanDisbursement TransactionType = "loan_disbursement"
	TransactionTypeDeposit          TransactionType = "deposit"
	TransactionTypeWithdrawal       TransactionType = "withdrawal"
	TransactionTypePayment          TransactionType = "payment"
	TransactionTypeAdminAdd         TransactionType = "admin_add"
)

// WalletTransaction is an append-only ledger row. Amount is signed:
// positive for credits, negative for debits.
type WalletTransaction struct {
	ID          uuid.UUID       `json:"id"`
	WalletID    uuid.UUID       `json:"wallet_id"`
	LoanID      *uuid.UUID      `json:"loan_id,omitempty"`
	Type        TransactionType `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	Reference   string          `json:"reference"`
	CreatedAt   time.Time       `json:"created_at"`
}

// BalanceSnapshot is the derived state of a loan at a point in time.
type BalanceSnapshot struct {
	LoanID              uuid.UUID       `json:"loan_id"`
	OriginalAmount      decimal.Decimal `json:"original_amount"`
	PrincipalPaid       decimal.Decimal `json:"principal_paid"`
	InterestPaid        decimal.Decimal `json:"interest_paid"`
	PrincipalBalance    decimal.Decimal `json:"principal_balance"`
	AccruedInterest     decimal.Decimal `json:"accrued_interest"`
	TotalPaid           decimal.Decimal `json:"total_paid"`
	Balance             decimal.Decimal `json:"balance"`
	MonthlyInterestRate decimal.Decimal `json:"monthly_interest_rate"`
	ReferenceDate       time.Time       `json:"reference_date"`
	AsOf                time.Time       `json:"as_of"`
}

// LoanFilter narrows ListLoans. Zero values match everything.
type LoanFilter struct {
	UserID string
	Status LoanStatus
}
