package main

import (
	"errors"
	"fmt"

	"github.com/mcclellann/microlend/pkg/ledger"
	"github.com/mcclellann/microlend/pkg/models"
	"github.com/spf13/cobra"
)

var errUnbalanced = errors.New("one or more wallets are out of balance")

func init() {
	rootCmd.AddCommand(reconcileCmd)
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile <user-id>...",
	Short: "Check wallet balances against their transaction history",
	Long: `Compare each wallet's stored balance with the sum of its transactions.
Exits non-zero if any wallet drifts.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runReconcile,
}

func runReconcile(cmd *cobra.Command, args []string) error {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	defer logger.Sync()

	storage, err := openStorage(cmd.Context(), cfg.Store, logger)
	if err != nil {
		return err
	}
	defer storage.Close()

	return reconcileUsers(cmd, ledger.NewLedger(storage, ledger.WithLogger(logger)), args)
}

func reconcileUsers(cmd *cobra.Command, l *ledger.Ledger, users []string) error {
	out := cmd.OutOrStdout()
	unbalanced := false
	for _, user := range users {
		rec, err := l.Reconcile(cmd.Context(), user)
		if errors.Is(err, models.ErrNotFound) {
			fmt.Fprintf(out, "%-24s no wallet\n", user)
			continue
		}
		if err != nil {
			return err
		}
		status := "ok"
		if !rec.Balanced {
			status = "DRIFT " + rec.Drift.StringFixed(models.CurrencyPlaces)
			unbalanced = true
		}
		fmt.Fprintf(out, "%-24s balance=%s ledger=%s %s\n", user,
			rec.Balance.StringFixed(models.CurrencyPlaces), rec.LedgerTotal.StringFixed(models.CurrencyPlaces), status)
	}
	if unbalanced {
		return errUnbalanced
	}
	return nil
}
