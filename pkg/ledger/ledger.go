package ledger

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/microlend/pkg/metrics"
	"github.com/mcclellann/microlend/pkg/models"
	"github.com/mcclellann/microlend/pkg/store"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Ledger handles the business logic for loans, payments and wallets.
type Ledger struct {
	storage store.Storage
	logger  *zap.Logger
	metrics *metrics.Recorder
	now     func() time.Time

	refMu   sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithMetrics records operation counts and amounts on r.
func WithMetrics(r *metrics.Recorder) Option {
	return func(l *Ledger) { l.metrics = r }
}

// WithClock overrides the time source; tests use it to pin timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates a new Ledger with a given Storage implementation.
func NewLedger(s store.Storage, opts ...Option) *Ledger {
	l := &Ledger{
		storage: s,
		logger:  zap.NewNop(),
		now:     func() time.Time { return time.Now().UTC() },
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// reference returns a sortable receipt number for a wallet transaction.
func (l *Ledger) reference(prefix string, at time.Time) string {
	l.refMu.Lock()
	defer l.refMu.Unlock()
	return prefix + "-" + ulid.MustNew(ulid.Timestamp(at), l.entropy).String()
}

// CreateLoan persists a pending loan from validated, already-priced terms.
func (l *Ledger) CreateLoan(ctx context.Context, terms LoanTerms) (*models.Loan, error) {
	if err := terms.Validate(); err != nil {
		return nil, err
	}
	loan := &models.Loan{
		ID:             uuid.New(),
		UserID:         terms.UserID,
		Amount:         terms.Amount,
		InterestRate:   terms.InterestRate,
		TermMonths:     terms.TermMonths,
		MonthlyPayment: terms.MonthlyPayment,
		TotalAmount:    terms.TotalAmount,
		Status:         models.LoanStatusPending,
		AppliedAt:      l.now(),
	}

	start := time.Now()
	err := l.storage.CreateLoan(ctx, loan)
	l.metrics.Observe("create_loan", start, err)
	if err != nil {
		l.logFailure("create loan", err, zap.String("user_id", terms.UserID), zap.String("amount", terms.Amount.String()))
		return nil, err
	}
	l.logger.Info("loan application recorded",
		zap.String("loan_id", loan.ID.String()),
		zap.String("user_id", loan.UserID),
		zap.String("amount", loan.Amount.StringFixed(models.CurrencyPlaces)))
	return loan, nil
}

// GetLoan retrieves a loan by its ID.
func (l *Ledger) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	return l.storage.GetLoan(ctx, id)
}

// ListLoans returns the loans matching filter, oldest application first.
func (l *Ledger) ListLoans(ctx context.Context, filter models.LoanFilter) ([]*models.Loan, error) {
	return l.storage.ListLoans(ctx, filter)
}

// Payments lists the payments applied to a loan. An unknown loan is NotFound.
func (l *Ledger) Payments(ctx context.Context, loanID uuid.UUID) ([]*models.Payment, error) {
	if _, err := l.storage.GetLoan(ctx, loanID); err != nil {
		return nil, err
	}
	return l.storage.ListPayments(ctx, loanID)
}

// DeleteLoan hard-deletes a loan and its payments. Wallet history is kept.
func (l *Ledger) DeleteLoan(ctx context.Context, id uuid.UUID) error {
	start := time.Now()
	err := l.storage.DeleteLoan(ctx, id)
	l.metrics.Observe("delete_loan", start, err)
	if err != nil {
		l.logFailure("delete loan", err, zap.String("loan_id", id.String()))
		return err
	}
	l.logger.Info("loan deleted", zap.String("loan_id", id.String()))
	return nil
}

// logFailure logs persistence faults at error level. Expected business
// failures (not found, bad state, insufficient funds) are left to the caller.
func (l *Ledger) logFailure(op string, err error, fields ...zap.Field) {
	if !errors.Is(err, models.ErrPersistence) {
		return
	}
	l.logger.Error(op+" failed", append(fields, zap.Error(err))...)
}

// LoanTerms are the validated, priced terms the intake layer hands to CreateLoan.
type LoanTerms struct {
	UserID         string
	Amount         decimal.Decimal
	InterestRate   decimal.Decimal
	TermMonths     int
	MonthlyPayment decimal.Decimal
	TotalAmount    decimal.Decimal
}

// Validate rejects terms that cannot be persisted as a loan.
func (t LoanTerms) Validate() error {
	switch {
	case t.UserID == "":
		return models.Invalid("user id is required")
	case !t.Amount.IsPositive():
		return models.Invalid("loan amount must be positive, got %s", t.Amount)
	case !isCurrency(t.Amount):
		return models.Invalid("loan amount %s has more than %d decimal places", t.Amount, models.CurrencyPlaces)
	case t.InterestRate.IsNegative():
		return models.Invalid("interest rate must not be negative, got %s", t.InterestRate)
	case t.TermMonths < 1:
		return models.Invalid("term must be at least one month, got %d", t.TermMonths)
	case !t.MonthlyPayment.IsPositive():
		return models.Invalid("monthly payment must be positive, got %s", t.MonthlyPayment)
	case t.TotalAmount.LessThan(t.Amount):
		return models.Invalid("total payable %s is less than principal %s", t.TotalAmount, t.Amount)
	}
	return nil
}

// isCurrency reports whether d has no more than the currency's fractional digits.
func isCurrency(d decimal.Decimal) bool {
	return d.Equal(d.Round(models.CurrencyPlaces))
}

// RequireAmount checks a money amount given to a wallet or payment operation.
func RequireAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return models.Invalid("amount must be positive, got %s", amount)
	}
	if !isCurrency(amount) {
		return models.Invalid("amount %s has more than %d decimal places", amount, models.CurrencyPlaces)
	}
	return nil
}
