package store

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/mcclellann/microlend/pkg/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Postgres tests run only against a disposable database named by
// MICROLEND_TEST_POSTGRES_DSN. Every table is truncated between tests.
func newPostgresStore(t *testing.T) Storage {
	t.Helper()
	dsn := os.Getenv("MICROLEND_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MICROLEND_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := NewPostgresStore(ctx, PostgresConfig{DSN: dsn, MaxConns: 8, ConnectRetries: 1}, zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	if _, err := s.pool.Exec(ctx, `TRUNCATE wallet_transactions, payments, wallets, loans`); err != nil {
		s.Close()
		t.Fatalf("Failed to truncate: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPostgresStore(t *testing.T) {
	testRepository(t, newPostgresStore)
}

// Concurrent read-modify-write on one wallet must serialize on the row lock.
func TestPostgresStore_WalletLock(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()

	const workers = 10
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.WithTx(ctx, func(r Repository) error {
				w, err := r.EnsureWallet(ctx, "user-1")
				if err != nil {
					return err
				}
				return r.UpdateWalletBalance(ctx, w.ID, w.Balance.Add(decimal.NewFromInt(1)), testTime)
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("WithTx: %v", err)
		}
	}

	w, err := s.GetWallet(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetWallet: %v", err)
	}
	if !w.Balance.Equal(decimal.NewFromInt(workers)) {
		t.Errorf("Expected balance %d, got %s (lost update)", workers, w.Balance)
	}
}

func TestPostgresStore_RejectsNegativeBalance(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	w, err := s.EnsureWallet(ctx, "user-1")
	if err != nil {
		t.Fatalf("EnsureWallet: %v", err)
	}
	err = s.UpdateWalletBalance(ctx, w.ID, decimal.NewFromInt(-1), testTime)
	if !errors.Is(err, models.ErrPersistence) {
		t.Errorf("Expected the CHECK constraint to fail with a persistence error, got %v", err)
	}
}
