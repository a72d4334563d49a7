package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/microlend/pkg/models"
	"github.com/shopspring/decimal"

	_ "github.com/mattn/go-sqlite3"
)

// sqlQueryer is the subset shared by *sql.DB and *sql.Tx.
type sqlQueryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore manages the database connection and operations for SQLite.
type SQLiteStore struct {
	*sqliteRepo
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and initializes the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}
	// A single connection serializes writers; BEGIN IMMEDIATE takes the
	// write lock before the first read so read-modify-write cannot interleave.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &SQLiteStore{sqliteRepo: &sqliteRepo{q: db}, db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	return s, nil
}

func sqliteDSN(path string) string {
	params := "_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	if strings.Contains(path, "?") {
		return path + "&" + params
	}
	return path + "?" + params
}

// initSchema creates the tables if they don't already exist.
// Decimal fields are TEXT so no precision is lost.
func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		interest_rate TEXT NOT NULL,
		term_months INTEGER NOT NULL,
		monthly_payment TEXT NOT NULL,
		total_amount TEXT NOT NULL,
		status TEXT NOT NULL,
		applied_at DATETIME NOT NULL,
		approved_at DATETIME,
		disbursed_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_loans_user ON loans(user_id);
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL REFERENCES loans(id) ON DELETE CASCADE,
		amount TEXT NOT NULL,
		principal_amount TEXT NOT NULL,
		interest_amount TEXT NOT NULL,
		method TEXT NOT NULL,
		payment_date DATETIME NOT NULL,
		status TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_payments_loan ON payments(loan_id);
	CREATE TABLE IF NOT EXISTS wallets (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL UNIQUE,
		balance TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS wallet_transactions (
		id TEXT PRIMARY KEY,
		wallet_id TEXT NOT NULL REFERENCES wallets(id),
		loan_id TEXT REFERENCES loans(id) ON DELETE SET NULL,
		transaction_type TEXT NOT NULL,
		amount TEXT NOT NULL,
		description TEXT NOT NULL,
		reference TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_wallet_tx_wallet ON wallet_transactions(wallet_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// WithTx runs fn inside one SQLite transaction.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(r Repository) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Persistence("begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(&sqliteRepo{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return models.Persistence("commit transaction", err)
	}
	return nil
}

// DeleteLoan removes a loan, its payments and its wallet references atomically.
func (s *SQLiteStore) DeleteLoan(ctx context.Context, id uuid.UUID) error {
	return s.WithTx(ctx, func(r Repository) error {
		return r.DeleteLoan(ctx, id)
	})
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type sqliteRepo struct {
	q sqlQueryer
}

const loanColumns = `id, user_id, amount, interest_rate, term_months, monthly_payment, total_amount, status, applied_at, approved_at, disbursed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLoan(row rowScanner) (*models.Loan, error) {
	var loan models.Loan
	var approved, disbursed sql.NullTime
	err := row.Scan(&loan.ID, &loan.UserID, &loan.Amount, &loan.InterestRate, &loan.TermMonths,
		&loan.MonthlyPayment, &loan.TotalAmount, &loan.Status, &loan.AppliedAt, &approved, &disbursed)
	if err != nil {
		return nil, err
	}
	if approved.Valid {
		loan.ApprovedAt = &approved.Time
	}
	if disbursed.Valid {
		loan.DisbursedAt = &disbursed.Time
	}
	return &loan, nil
}

func (r *sqliteRepo) CreateLoan(ctx context.Context, loan *models.Loan) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO loans (`+loanColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		loan.ID.String(), loan.UserID, loan.Amount, loan.InterestRate, loan.TermMonths,
		loan.MonthlyPayment, loan.TotalAmount, loan.Status, loan.AppliedAt, loan.ApprovedAt, loan.DisbursedAt,
	)
	if err != nil {
		return models.Persistence("create loan", err)
	}
	return nil
}

func (r *sqliteRepo) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = ?`, id.String())
	loan, err := scanLoan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.NotFound("loan", id)
		}
		return nil, models.Persistence("get loan", err)
	}
	return loan, nil
}

func (r *sqliteRepo) ListLoans(ctx context.Context, filter models.LoanFilter) ([]*models.Loan, error) {
	query := `SELECT ` + loanColumns + ` FROM loans WHERE 1 = 1`
	var args []any
	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY applied_at ASC`

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, models.Persistence("list loans", err)
	}
	defer rows.Close()

	loans := []*models.Loan{}
	for rows.Next() {
		loan, err := scanLoan(rows)
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

func (r *sqliteRepo) TransitionLoan(ctx context.Context, id uuid.UUID, from, to models.LoanStatus, at time.Time) (bool, error) {
	query := `UPDATE loans SET status = ? WHERE id = ? AND status = ?`
	switch to {
	case models.LoanStatusApproved:
		query = `UPDATE loans SET status = ?, approved_at = ? WHERE id = ? AND status = ?`
	case models.LoanStatusDisbursed:
		query = `UPDATE loans SET status = ?, disbursed_at = ? WHERE id = ? AND status = ?`
	}
	args := []any{to, id.String(), from}
	if to == models.LoanStatusApproved || to == models.LoanStatusDisbursed {
		args = []any{to, at, id.String(), from}
	}

	result, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, models.Persistence("update loan status", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, models.Persistence("check rows affected", err)
	}
	return n == 1, nil
}

func (r *sqliteRepo) DeleteLoan(ctx context.Context, id uuid.UUID) error {
	if _, err := r.q.ExecContext(ctx, `UPDATE wallet_transactions SET loan_id = NULL WHERE loan_id = ?`, id.String()); err != nil {
		return models.Persistence("detach wallet transactions", err)
	}
	if _, err := r.q.ExecContext(ctx, `DELETE FROM payments WHERE loan_id = ?`, id.String()); err != nil {
		return models.Persistence("delete associated payments", err)
	}
	result, err := r.q.ExecContext(ctx, `DELETE FROM loans WHERE id = ?`, id.String())
	if err != nil {
		return models.Persistence("delete loan", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return models.Persistence("check rows affected", err)
	}
	if n == 0 {
		return models.NotFound("loan", id)
	}
	return nil
}

func (r *sqliteRepo) CreatePayment(ctx context.Context, p *models.Payment) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO payments (id, loan_id, amount, principal_amount, interest_amount, method, payment_date, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.LoanID.String(), p.Amount, p.PrincipalAmount, p.InterestAmount, p.Method, p.PaymentDate, p.Status,
	)
	if err != nil {
		return models.Persistence("create payment", err)
	}
	return nil
}

func (r *sqliteRepo) ListPayments(ctx context.Context, loanID uuid.UUID) ([]*models.Payment, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT id, loan_id, amount, principal_amount, interest_amount, method, payment_date, status
		FROM payments WHERE loan_id = ? ORDER BY payment_date ASC`, loanID.String())
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

// PaymentTotals sums in Go: SQLite would coerce the TEXT amounts to REAL.
func (r *sqliteRepo) PaymentTotals(ctx context.Context, loanID uuid.UUID) (decimal.Decimal, decimal.Decimal, error) {
	payments, err := r.ListPayments(ctx, loanID)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	principal, interest := decimal.Zero, decimal.Zero
	for _, p := range payments {
		principal = principal.Add(p.PrincipalAmount)
		interest = interest.Add(p.InterestAmount)
	}
	return principal, interest, nil
}

func (r *sqliteRepo) GetWallet(ctx context.Context, userID string) (*models.Wallet, error) {
	var w models.Wallet
	err := r.q.QueryRowContext(ctx,
		`SELECT id, user_id, balance, created_at, updated_at FROM wallets WHERE user_id = ?`, userID,
	).Scan(&w.ID, &w.UserID, &w.Balance, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.NotFound("wallet for user", userID)
		}
		return nil, models.Persistence("get wallet", err)
	}
	return &w, nil
}

func (r *sqliteRepo) EnsureWallet(ctx context.Context, userID string) (*models.Wallet, error) {
	now := time.Now().UTC()
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO wallets (id, user_id, balance, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO NOTHING`,
		uuid.New().String(), userID, decimal.Zero, now, now,
	)
	if err != nil {
		return nil, models.Persistence("create wallet", err)
	}
	return r.GetWallet(ctx, userID)
}

func (r *sqliteRepo) UpdateWalletBalance(ctx context.Context, walletID uuid.UUID, balance decimal.Decimal, at time.Time) error {
	result, err := r.q.ExecContext(ctx, `UPDATE wallets SET balance = ?, updated_at = ? WHERE id = ?`, balance, at, walletID.String())
	if err != nil {
		return models.Persistence("update wallet balance", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return models.Persistence("check rows affected", err)
	}
	if n == 0 {
		return models.NotFound("wallet", walletID)
	}
	return nil
}

func (r *sqliteRepo) CreateWalletTransaction(ctx context.Context, t *models.WalletTransaction) error {
	var loanID any
	if t.LoanID != nil {
		loanID = t.LoanID.String()
	}
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO wallet_transactions (id, wallet_id, loan_id, transaction_type, amount, description, reference, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID.String(), t.WalletID.String(), loanID, t.Type, t.Amount, t.Description, t.Reference, t.CreatedAt,
	)
	if err != nil {
		return models.Persistence("create wallet transaction", err)
	}
	return nil
}

func (r *sqliteRepo) ListWalletTransactions(ctx context.Context, walletID uuid.UUID) ([]*models.WalletTransaction, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT id, wallet_id, loan_id, transaction_type, amount, description, reference, created_at
		FROM wallet_transactions WHERE wallet_id = ? ORDER BY created_at ASC, reference ASC`, walletID.String())
	if err != nil {
		return nil, models.Persistence(fmt.Sprintf("list transactions for wallet %s", walletID), err)
	}
	defer rows.Close()

	txs := []*models.WalletTransaction{}
	for rows.Next() {
		var t models.WalletTransaction
		var loanID uuid.NullUUID
		if err := rows.Scan(&t.ID, &t.WalletID, &loanID, &t.Type, &t.Amount, &t.Description, &t.Reference, &t.CreatedAt); err != nil {
			return nil, models.Persistence("scan wallet transaction row", err)
		}
		if loanID.Valid {
			id := loanID.UUID
			t.LoanID = &id
		}
		txs = append(txs, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, models.Persistence("iterate wallet transaction rows", err)
	}
	return txs, nil
}

func (r *sqliteRepo) SumWalletTransactions(ctx context.Context, walletID uuid.UUID) (decimal.Decimal, error) {
	txs, err := r.ListWalletTransactions(ctx, walletID)
	if err != nil {
		return decimal.Zero, err
	}
	sum := decimal.Zero
	for _, t := range txs {
		sum = sum.Add(t.Amount)
	}
	return sum, nil
}
