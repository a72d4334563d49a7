package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/microlend/pkg/models"
	"github.com/shopspring/decimal"
)

// MemoryStore keeps all records in process memory. It backs the offline demo
// mode and the ledger tests. One mutex serializes transactions, and each
// transaction runs against a copy that replaces the live state on success.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

func (m *MemoryStore) WithTx(ctx context.Context, fn func(r Repository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.state.clone()
	if err := fn(work); err != nil {
		return err
	}
	m.state = work
	return nil
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) read(fn func(s *memState) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.state)
}

func (m *MemoryStore) write(ctx context.Context, fn func(r Repository) error) error {
	return m.WithTx(ctx, fn)
}

func (m *MemoryStore) CreateLoan(ctx context.Context, loan *models.Loan) error {
	return m.write(ctx, func(r Repository) error { return r.CreateLoan(ctx, loan) })
}

func (m *MemoryStore) GetLoan(ctx context.Context, id uuid.UUID) (loan *models.Loan, err error) {
	err = m.read(func(s *memState) error {
		loan, err = s.GetLoan(ctx, id)
		return err
	})
	return loan, err
}

func (m *MemoryStore) ListLoans(ctx context.Context, filter models.LoanFilter) (loans []*models.Loan, err error) {
	err = m.read(func(s *memState) error {
		loans, err = s.ListLoans(ctx, filter)
		return err
	})
	return loans, err
}

func (m *MemoryStore) TransitionLoan(ctx context.Context, id uuid.UUID, from, to models.LoanStatus, at time.Time) (changed bool, err error) {
	err = m.write(ctx, func(r Repository) error {
		changed, err = r.TransitionLoan(ctx, id, from, to, at)
		return err
	})
	return changed, err
}

func (m *MemoryStore) DeleteLoan(ctx context.Context, id uuid.UUID) error {
	return m.write(ctx, func(r Repository) error { return r.DeleteLoan(ctx, id) })
}

func (m *MemoryStore) CreatePayment(ctx context.Context, p *models.Payment) error {
	return m.write(ctx, func(r Repository) error { return r.CreatePayment(ctx, p) })
}

func (m *MemoryStore) ListPayments(ctx context.Context, loanID uuid.UUID) (payments []*models.Payment, err error) {
	err = m.read(func(s *memState) error {
		payments, err = s.ListPayments(ctx, loanID)
		return err
	})
	return payments, err
}

func (m *MemoryStore) PaymentTotals(ctx context.Context, loanID uuid.UUID) (principal, interest decimal.Decimal, err error) {
	err = m.read(func(s *memState) error {
		principal, interest, err = s.PaymentTotals(ctx, loanID)
		return err
	})
	return principal, interest, err
}

func (m *MemoryStore) GetWallet(ctx context.Context, userID string) (w *models.Wallet, err error) {
	err = m.read(func(s *memState) error {
		w, err = s.GetWallet(ctx, userID)
		return err
	})
	return w, err
}

func (m *MemoryStore) EnsureWallet(ctx context.Context, userID string) (w *models.Wallet, err error) {
	err = m.write(ctx, func(r Repository) error {
		w, err = r.EnsureWallet(ctx, userID)
		return err
	})
	return w, err
}

func (m *MemoryStore) UpdateWalletBalance(ctx context.Context, walletID uuid.UUID, balance decimal.Decimal, at time.Time) error {
	return m.write(ctx, func(r Repository) error { return r.UpdateWalletBalance(ctx, walletID, balance, at) })
}

func (m *MemoryStore) CreateWalletTransaction(ctx context.Context, t *models.WalletTransaction) error {
	return m.write(ctx, func(r Repository) error { return r.CreateWalletTransaction(ctx, t) })
}

func (m *MemoryStore) ListWalletTransactions(ctx context.Context, walletID uuid.UUID) (txs []*models.WalletTransaction, err error) {
	err = m.read(func(s *memState) error {
		txs, err = s.ListWalletTransactions(ctx, walletID)
		return err
	})
	return txs, err
}

func (m *MemoryStore) SumWalletTransactions(ctx context.Context, walletID uuid.UUID) (sum decimal.Decimal, err error) {
	err = m.read(func(s *memState) error {
		sum, err = s.SumWalletTransactions(ctx, walletID)
		return err
	})
	return sum, err
}

// memState holds the records. Values are stored by copy so callers can never
// mutate committed state through a returned pointer.
type memState struct {
	loans        map[uuid.UUID]models.Loan
	payments     []models.Payment
	wallets      map[string]models.Wallet // keyed by user id
	transactions []models.WalletTransaction
}

func newMemState() *memState {
	return &memState{
		loans:   make(map[uuid.UUID]models.Loan),
		wallets: make(map[string]models.Wallet),
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		loans:        make(map[uuid.UUID]models.Loan, len(s.loans)),
		payments:     append([]models.Payment(nil), s.payments...),
		wallets:      make(map[string]models.Wallet, len(s.wallets)),
		transactions: append([]models.WalletTransaction(nil), s.transactions...),
	}
	for k, v := range s.loans {
		c.loans[k] = v
	}
	for k, v := range s.wallets {
		c.wallets[k] = v
	}
	return c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyLoan(l models.Loan) *models.Loan {
	l.ApprovedAt = copyTime(l.ApprovedAt)
	l.DisbursedAt = copyTime(l.DisbursedAt)
	return &l
}

func (s *memState) CreateLoan(_ context.Context, loan *models.Loan) error {
	if _, ok := s.loans[loan.ID]; ok {
		return models.Invalid("loan %s already exists", loan.ID)
	}
	s.loans[loan.ID] = *copyLoan(*loan)
	return nil
}

func (s *memState) GetLoan(_ context.Context, id uuid.UUID) (*models.Loan, error) {
	loan, ok := s.loans[id]
	if !ok {
		return nil, models.NotFound("loan", id)
	}
	return copyLoan(loan), nil
}

func (s *memState) ListLoans(_ context.Context, filter models.LoanFilter) ([]*models.Loan, error) {
	loans := []*models.Loan{}
	for _, l := range s.loans {
		if filter.UserID != "" && l.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && l.Status != filter.Status {
			continue
		}
		loans = append(loans, copyLoan(l))
	}
	sort.Slice(loans, func(i, j int) bool { return loans[i].AppliedAt.Before(loans[j].AppliedAt) })
	return loans, nil
}

func (s *memState) TransitionLoan(_ context.Context, id uuid.UUID, from, to models.LoanStatus, at time.Time) (bool, error) {
	loan, ok := s.loans[id]
	if !ok || loan.Status != from {
		return false, nil
	}
	loan.Status = to
	switch to {
	case models.LoanStatusApproved:
		loan.ApprovedAt = &at
	case models.LoanStatusDisbursed:
		loan.DisbursedAt = &at
	}
	s.loans[id] = loan
	return true, nil
}

func (s *memState) DeleteLoan(_ context.Context, id uuid.UUID) error {
	if _, ok := s.loans[id]; !ok {
		return models.NotFound("loan", id)
	}
	delete(s.loans, id)

	kept := s.payments[:0]
	for _, p := range s.payments {
		if p.LoanID != id {
			kept = append(kept, p)
		}
	}
	s.payments = kept

	for i := range s.transactions {
		if ref := s.transactions[i].LoanID; ref != nil && *ref == id {
			s.transactions[i].LoanID = nil
		}
	}
	return nil
}

func (s *memState) CreatePayment(_ context.Context, p *models.Payment) error {
	if _, ok := s.loans[p.LoanID]; !ok {
		return models.NotFound("loan", p.LoanID)
	}
	s.payments = append(s.payments, *p)
	return nil
}

func (s *memState) ListPayments(_ context.Context, loanID uuid.UUID) ([]*models.Payment, error) {
	payments := []*models.Payment{}
	for _, p := range s.payments {
		if p.LoanID == loanID {
			p := p
			payments = append(payments, &p)
		}
	}
	return payments, nil
}

func (s *memState) PaymentTotals(_ context.Context, loanID uuid.UUID) (decimal.Decimal, decimal.Decimal, error) {
	principal, interest := decimal.Zero, decimal.Zero
	for _, p := range s.payments {
		if p.LoanID == loanID {
			principal = principal.Add(p.PrincipalAmount)
			interest = interest.Add(p.InterestAmount)
		}
	}
	return principal, interest, nil
}

func (s *memState) GetWallet(_ context.Context, userID string) (*models.Wallet, error) {
	w, ok := s.wallets[userID]
	if !ok {
		return nil, models.NotFound("wallet for user", userID)
	}
	return &w, nil
}

func (s *memState) EnsureWallet(ctx context.Context, userID string) (*models.Wallet, error) {
	if _, ok := s.wallets[userID]; !ok {
		now := time.Now().UTC()
		s.wallets[userID] = models.Wallet{
			ID:        uuid.New(),
			UserID:    userID,
			Balance:   decimal.Zero,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}
	return s.GetWallet(ctx, userID)
}

func (s *memState) UpdateWalletBalance(_ context.Context, walletID uuid.UUID, balance decimal.Decimal, at time.Time) error {
	for userID, w := range s.wallets {
		if w.ID == walletID {
			w.Balance = balance
			w.UpdatedAt = at
			s.wallets[userID] = w
			return nil
		}
	}
	return models.NotFound("wallet", walletID)
}

func (s *memState) CreateWalletTransaction(_ context.Context, t *models.WalletTransaction) error {
	row := *t
	if row.LoanID != nil {
		id := *row.LoanID
		row.LoanID = &id
	}
	s.transactions = append(s.transactions, row)
	return nil
}

func (s *memState) ListWalletTransactions(_ context.Context, walletID uuid.UUID) ([]*models.WalletTransaction, error) {
	txs := []*models.WalletTransaction{}
	for _, t := range s.transactions {
		if t.WalletID == walletID {
			t := t
			if t.LoanID != nil {
				id := *t.LoanID
				t.LoanID = &id
			}
			txs = append(txs, &t)
		}
	}
	return txs, nil
}

func (s *memState) SumWalletTransactions(_ context.Context, walletID uuid.UUID) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, t := range s.transactions {
		if t.WalletID == walletID {
			sum = sum.Add(t.Amount)
		}
	}
	return sum, nil
}
