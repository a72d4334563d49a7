package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mcclellann/microlend/pkg/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// pgQueryer is the subset shared by *pgxpool.Pool and pgx.Tx.
type pgQueryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresConfig tunes the connection pool.
type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	ConnectRetries  int
}

// PostgresStore is the production backend. Wallet rows are locked with
// SELECT ... FOR UPDATE for the lifetime of the enclosing transaction.
type PostgresStore struct {
	*pgRepo
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore connects with exponential backoff and applies the schema.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig, logger *zap.Logger) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	retries := cfg.ConnectRetries
	if retries < 1 {
		retries = 1
	}
	delay := 2 * time.Second

	var pool *pgxpool.Pool
	for i := 1; i <= retries; i++ {
		logger.Info("connecting to database", zap.Int("attempt", i), zap.Int("max_attempts", retries))
		pool, err = connectPool(ctx, poolCfg)
		if err == nil {
			break
		}
		logger.Warn("database connection failed", zap.Int("attempt", i), zap.Error(err))
		if i < retries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", retries, err)
	}

	s := &PostgresStore{pgRepo: &pgRepo{q: pool}, pool: pool, logger: logger}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	return s, nil
}

func connectPool(ctx context.Context, cfg *pgxpool.Config) (*pgxpool.Pool, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping failed: %w", err)
	}
	return pool, nil
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS loans (
		id UUID PRIMARY KEY,
		user_id TEXT NOT NULL,
		amount NUMERIC(20,2) NOT NULL CHECK (amount > 0),
		interest_rate NUMERIC(9,4) NOT NULL,
		term_months INTEGER NOT NULL CHECK (term_months >= 1),
		monthly_payment NUMERIC(20,2) NOT NULL,
		total_amount NUMERIC(20,2) NOT NULL,
		status TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL,
		approved_at TIMESTAMPTZ,
		disbursed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_loans_user ON loans(user_id)`,
	`CREATE TABLE IF NOT EXISTS payments (
		id UUID PRIMARY KEY,
		loan_id UUID NOT NULL REFERENCES loans(id) ON DELETE CASCADE,
		amount NUMERIC(20,2) NOT NULL CHECK (amount > 0),
		principal_amount NUMERIC(20,2) NOT NULL CHECK (principal_amount >= 0),
		interest_amount NUMERIC(20,2) NOT NULL CHECK (interest_amount >= 0),
		method TEXT NOT NULL,
		payment_date TIMESTAMPTZ NOT NULL,
		status TEXT NOT NULL,
		CHECK (principal_amount + interest_amount = amount)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_payments_loan ON payments(loan_id)`,
	`CREATE TABLE IF NOT EXISTS wallets (
		id UUID PRIMARY KEY,
		user_id TEXT NOT NULL UNIQUE,
		balance NUMERIC(20,2) NOT NULL CHECK (balance >= 0),
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS wallet_transactions (
		id UUID PRIMARY KEY,
		wallet_id UUID NOT NULL REFERENCES wallets(id),
		loan_id UUID REFERENCES loans(id) ON DELETE SET NULL,
		transaction_type TEXT NOT NULL,
		amount NUMERIC(20,2) NOT NULL,
		description TEXT NOT NULL,
		reference TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_wallet_tx_wallet ON wallet_transactions(wallet_id)`,
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// WithTx runs fn inside one read-committed transaction.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(r Repository) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return models.Persistence("begin transaction", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Warn("rollback failed", zap.Error(rbErr))
		}
	}()

	if err := fn(&pgRepo{q: tx, locking: true}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Persistence("commit transaction", err)
	}
	return nil
}

// DeleteLoan removes a loan, its payments and its wallet references atomically.
func (s *PostgresStore) DeleteLoan(ctx context.Context, id uuid.UUID) error {
	return s.WithTx(ctx, func(r Repository) error {
		return r.DeleteLoan(ctx, id)
	})
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

type pgRepo struct {
	q       pgQueryer
	locking bool
}

func pgScanLoan(row pgx.Row) (*models.Loan, error) {
	var loan models.Loan
	err := row.Scan(&loan.ID, &loan.UserID, &loan.Amount, &loan.InterestRate, &loan.TermMonths,
		&loan.MonthlyPayment, &loan.TotalAmount, &loan.Status, &loan.AppliedAt, &loan.ApprovedAt, &loan.DisbursedAt)
	if err != nil {
		return nil, err
	}
	return &loan, nil
}

func (r *pgRepo) CreateLoan(ctx context.Context, loan *models.Loan) error {
	_, err := r.q.Exec(ctx,
		`INSERT INTO loans (`+loanColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		loan.ID, loan.UserID, loan.Amount, loan.InterestRate, loan.TermMonths,
		loan.MonthlyPayment, loan.TotalAmount, loan.Status, loan.AppliedAt, loan.ApprovedAt, loan.DisbursedAt,
	)
	if err != nil {
		return models.Persistence("create loan", err)
	}
	return nil
}

// forUpdate appends a row lock to query when running inside a transaction.
func (r *pgRepo) forUpdate(query string) string {
	if r.locking {
		return query + ` FOR UPDATE`
	}
	return query
}

func (r *pgRepo) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	loan, err := pgScanLoan(r.q.QueryRow(ctx, r.forUpdate(`SELECT `+loanColumns+` FROM loans WHERE id = $1`), id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.NotFound("loan", id)
		}
		return nil, models.Persistence("get loan", err)
	}
	return loan, nil
}

func (r *pgRepo) ListLoans(ctx context.Context, filter models.LoanFilter) ([]*models.Loan, error) {
	query := `SELECT ` + loanColumns + ` FROM loans WHERE ($1 = '' OR user_id = $1) AND ($2 = '' OR status = $2) ORDER BY applied_at ASC`
	rows, err := r.q.Query(ctx, query, filter.UserID, string(filter.Status))
	if err != nil {
		return nil, models.Persistence("list loans", err)
	}
	defer rows.Close()

	loans := []*models.Loan{}
	for rows.Next() {
		loan, err := pgScanLoan(rows)
		if err != nil {
			return nil, models.Persistence("scan loan row", err)
		}
		loans = append(loans, loan)
	}
	if err := rows.Err(); err != nil {
		return nil, models.Persistence("iterate loan rows", err)
	}
	return loans, nil
}

func (r *pgRepo) TransitionLoan(ctx context.Context, id uuid.UUID, from, to models.LoanStatus, at time.Time) (bool, error) {
	var tag pgconn.CommandTag
	var err error
	switch to {
	case models.LoanStatusApproved:
		tag, err = r.q.Exec(ctx, `UPDATE loans SET status = $1, approved_at = $2 WHERE id = $3 AND status = $4`, to, at, id, from)
	case models.LoanStatusDisbursed:
		tag, err = r.q.Exec(ctx, `UPDATE loans SET status = $1, disbursed_at = $2 WHERE id = $3 AND status = $4`, to, at, id, from)
	default:
		tag, err = r.q.Exec(ctx, `UPDATE loans SET status = $1 WHERE id = $2 AND status = $3`, to, id, from)
	}
	if err != nil {
		return false, models.Persistence("update loan status", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *pgRepo) DeleteLoan(ctx context.Context, id uuid.UUID) error {
	if _, err := r.q.Exec(ctx, `UPDATE wallet_transactions SET loan_id = NULL WHERE loan_id = $1`, id); err != nil {
		return models.Persistence("detach wallet transactions", err)
	}
	if _, err := r.q.Exec(ctx, `DELETE FROM payments WHERE loan_id = $1`, id); err != nil {
		return models.Persistence("delete associated payments", err)
	}
	tag, err := r.q.Exec(ctx, `DELETE FROM loans WHERE id = $1`, id)
	if err != nil {
		return models.Persistence("delete loan", err)
	}
	if tag.RowsAffected() == 0 {
		return models.NotFound("loan", id)
	}
	return nil
}

func (r *pgRepo) CreatePayment(ctx context.Context, p *models.Payment) error {
	_, err := r.q.Exec(ctx,
		`INSERT INTO payments (id, loan_id, amount, principal_amount, interest_amount, method, payment_date, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.LoanID, p.Amount, p.PrincipalAmount, p.InterestAmount, p.Method, p.PaymentDate, p.Status,
	)
	if err != nil {
		return models.Persistence("create payment", err)
	}
	return nil
}

func (r *pgRepo) ListPayments(ctx context.Context, loanID uuid.UUID) ([]*models.Payment, error) {
	rows, err := r.q.Query(ctx,
		`SELECT id, loan_id, amount, principal_amount, interest_amount, method, payment_date, status
		FROM payments WHERE loan_id = $1 ORDER BY payment_date ASC`, loanID)
	if err != nil {
		return nil, models.Persistence(fmt.Sprintf("list payments for loan %s", loanID), err)
	}
	defer rows.Close()

	payments := []*models.Payment{}
	for rows.Next() {
		var p models.Payment
		if err := rows.Scan(&p.ID, &p.LoanID, &p.Amount, &p.PrincipalAmount, &p.InterestAmount, &p.Method, &p.PaymentDate, &p.Status); err != nil {
			return nil, models.Persistence("scan payment row", err)
		}
		payments = append(payments, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, models.Persistence("iterate payment rows", err)
	}
	return payments, nil
}

func (r *pgRepo) PaymentTotals(ctx context.Context, loanID uuid.UUID) (decimal.Decimal, decimal.Decimal, error) {
	var principal, interest decimal.Decimal
	err := r.q.QueryRow(ctx,
		`SELECT COALESCE(SUM(principal_amount), 0), COALESCE(SUM(interest_amount), 0) FROM payments WHERE loan_id = $1`, loanID,
	).Scan(&principal, &interest)
	if err != nil {
		return decimal.Zero, decimal.Zero, models.Persistence("sum payments", err)
	}
	return principal, interest, nil
}

func (r *pgRepo) scanWallet(row pgx.Row, userID string) (*models.Wallet, error) {
	var w models.Wallet
	if err := row.Scan(&w.ID, &w.UserID, &w.Balance, &w.CreatedAt, &w.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.NotFound("wallet for user", userID)
		}
		return nil, models.Persistence("get wallet", err)
	}
	return &w, nil
}

func (r *pgRepo) GetWallet(ctx context.Context, userID string) (*models.Wallet, error) {
	return r.scanWallet(r.q.QueryRow(ctx,
		r.forUpdate(`SELECT id, user_id, balance, created_at, updated_at FROM wallets WHERE user_id = $1`), userID), userID)
}

func (r *pgRepo) EnsureWallet(ctx context.Context, userID string) (*models.Wallet, error) {
	now := time.Now().UTC()
	_, err := r.q.Exec(ctx,
		`INSERT INTO wallets (id, user_id, balance, created_at, updated_at) VALUES ($1, $2, 0, $3, $3)
		ON CONFLICT (user_id) DO NOTHING`, uuid.New(), userID, now)
	if err != nil {
		return nil, models.Persistence("create wallet", err)
	}

	return r.scanWallet(r.q.QueryRow(ctx,
		r.forUpdate(`SELECT id, user_id, balance, created_at, updated_at FROM wallets WHERE user_id = $1`), userID), userID)
}

func (r *pgRepo) UpdateWalletBalance(ctx context.Context, walletID uuid.UUID, balance decimal.Decimal, at time.Time) error {
	tag, err := r.q.Exec(ctx, `UPDATE wallets SET balance = $1, updated_at = $2 WHERE id = $3`, balance, at, walletID)
	if err != nil {
		return models.Persistence("update wallet balance", err)
	}
	if tag.RowsAffected() == 0 {
		return models.NotFound("wallet", walletID)
	}
	return nil
}

func (r *pgRepo) CreateWalletTransaction(ctx context.Context, t *models.WalletTransaction) error {
	_, err := r.q.Exec(ctx,
		`INSERT INTO wallet_transactions (id, wallet_id, loan_id, transaction_type, amount, description, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.WalletID, t.LoanID, t.Type, t.Amount, t.Description, t.Reference, t.CreatedAt,
	)
	if err != nil {
		return models.Persistence("create wallet transaction", err)
	}
	return nil
}

func (r *pgRepo) ListWalletTransactions(ctx context.Context, walletID uuid.UUID) ([]*models.WalletTransaction, error) {
	rows, err := r.q.Query(ctx,
		`SELECT id, wallet_id, loan_id, transaction_type, amount, description, reference, created_at
		FROM wallet_transactions WHERE wallet_id = $1 ORDER BY created_at ASC, reference ASC`, walletID)
	if err != nil {
		return nil, models.Persistence(fmt.Sprintf("list transactions for wallet %s", walletID), err)
	}
	defer rows.Close()

	txs := []*models.WalletTransaction{}
	for rows.Next() {
		var t models.WalletTransaction
		if err := rows.Scan(&t.ID, &t.WalletID, &t.LoanID, &t.Type, &t.Amount, &t.Description, &t.Reference, &t.CreatedAt); err != nil {
			return nil, models.Persistence("scan wallet transaction row", err)
		}
		txs = append(txs, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, models.Persistence("iterate wallet transaction rows", err)
	}
	return txs, nil
}

func (r *pgRepo) SumWalletTransactions(ctx context.Context, walletID uuid.UUID) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := r.q.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM wallet_transactions WHERE wallet_id = $1`, walletID).Scan(&sum)
	if err != nil {
		return decimal.Zero, models.Persistence("sum wallet transactions", err)
	}
	return sum, nil
}
