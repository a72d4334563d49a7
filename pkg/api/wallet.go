package api

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/mcclellann/microlend/pkg/models"
	"github.com/shopspring/decimal"
)

func (s *Server) walletHandler(w http.ResponseWriter, r *http.Request) {
	caller, _ := identityFrom(r.Context())
	wallet, err := s.ledger.Wallet(r.Context(), caller.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

func (s *Server) walletTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	caller, _ := identityFrom(r.Context())
	txs, err := s.ledger.Transactions(r.Context(), caller.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

type movementFunc func(r *http.Request, userID string, amount decimal.Decimal) (*models.WalletTransaction, error)

func (s *Server) movementHandler(w http.ResponseWriter, r *http.Request, fn movementFunc) {
	var req amountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		s.writeError(w, r, err)
		return
	}
	caller, _ := identityFrom(r.Context())
	tx, err := fn(r, caller.UserID, req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

func (s *Server) depositHandler(w http.ResponseWriter, r *http.Request) {
	s.movementHandler(w, r, func(r *http.Request, userID string, amount decimal.Decimal) (*models.WalletTransaction, error) {
		return s.ledger.Deposit(r.Context(), userID, amount)
	})
}

func (s *Server) withdrawHandler(w http.ResponseWriter, r *http.Request) {
	s.movementHandler(w, r, func(r *http.Request, userID string, amount decimal.Decimal) (*models.WalletTransaction, error) {
		return s.ledger.Withdraw(r.Context(), userID, amount)
	})
}

func pathUser(r *http.Request) (string, error) {
	user := strings.TrimSpace(mux.Vars(r)["user"])
	if user == "" {
		return "", models.Invalid("user id is required")
	}
	return user, nil
}

func (s *Server) adminCreditHandler(w http.ResponseWriter, r *http.Request) {
	user, err := pathUser(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req creditRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		s.writeError(w, r, err)
		return
	}
	tx, err := s.ledger.AdminCredit(r.Context(), user, req.Amount, req.Description)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

func (s *Server) reconcileHandler(w http.ResponseWriter, r *http.Request) {
	user, err := pathUser(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.ledger.Reconcile(r.Context(), user)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
