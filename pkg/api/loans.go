package api

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/mcclellann/microlend/pkg/ledger"
	"github.com/mcclellann/microlend/pkg/models"
)

func loanID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		return uuid.Nil, models.Invalid("invalid loan id %q", mux.Vars(r)["id"])
	}
	return id, nil
}

// visibleLoan loads the loan in the path. Borrowers only see their own
// loans; anything else is reported as not found.
func (s *Server) visibleLoan(r *http.Request) (*models.Loan, error) {
	id, err := loanID(r)
	if err != nil {
		return nil, err
	}
	loan, err := s.ledger.GetLoan(r.Context(), id)
	if err != nil {
		return nil, err
	}
	caller, _ := identityFrom(r.Context())
	if !caller.Admin && loan.UserID != caller.UserID {
		return nil, models.NotFound("loan", id.String())
	}
	return loan, nil
}

func (s *Server) applyHandler(w http.ResponseWriter, r *http.Request) {
	var req applyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := req.validate(s.policy); err != nil {
		s.writeError(w, r, err)
		return
	}

	quote, err := ledger.Price(req.Amount, s.policy.AnnualRate, req.TermMonths)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	caller, _ := identityFrom(r.Context())
	loan, err := s.ledger.CreateLoan(r.Context(), quote.Terms(caller.UserID))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

func (s *Server) listLoansHandler(w http.ResponseWriter, r *http.Request) {
	status, err := parseStatus(r.URL.Query().Get("status"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	caller, _ := identityFrom(r.Context())
	filter := models.LoanFilter{UserID: caller.UserID, Status: status}
	if caller.Admin {
		filter.UserID = r.URL.Query().Get("user_id")
	}

	loans, err := s.ledger.ListLoans(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loans)
}

func (s *Server) getLoanHandler(w http.ResponseWriter, r *http.Request) {
	loan, err := s.visibleLoan(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) balanceHandler(w http.ResponseWriter, r *http.Request) {
	loan, err := s.visibleLoan(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	snapshot, err := s.ledger.Balance(r.Context(), loan.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) scheduleHandler(w http.ResponseWriter, r *http.Request) {
	loan, err := s.visibleLoan(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ledger.Schedule(loan))
}

func (s *Server) listPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	loan, err := s.visibleLoan(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	payments, err := s.ledger.Payments(r.Context(), loan.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payments)
}

func (s *Server) paymentHandler(w http.ResponseWriter, r *http.Request) {
	id, err := loanID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req paymentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		s.writeError(w, r, err)
		return
	}

	caller, _ := identityFrom(r.Context())
	res, err := s.ledger.ApplyPayment(r.Context(), ledger.PaymentRequest{
		UserID: caller.UserID,
		LoanID: id,
		Amount: req.Amount,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) recordPaymentHandler(w http.ResponseWriter, r *http.Request) {
	id, err := loanID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req externalPaymentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.ledger.RecordPayment(r.Context(), id, req.Amount, req.Method)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) transitionHandler(w http.ResponseWriter, r *http.Request, fn func(*http.Request, uuid.UUID) (*models.Loan, error)) {
	id, err := loanID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	loan, err := fn(r, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

// approveHandler approves and disburses in one step unless ?disburse=false.
func (s *Server) approveHandler(w http.ResponseWriter, r *http.Request) {
	disburse := true
	if raw := r.URL.Query().Get("disburse"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			s.writeError(w, r, models.Invalid("disburse must be a boolean, got %q", raw))
			return
		}
		disburse = v
	}
	s.transitionHandler(w, r, func(r *http.Request, id uuid.UUID) (*models.Loan, error) {
		if disburse {
			return s.ledger.ApproveAndDisburse(r.Context(), id)
		}
		return s.ledger.Approve(r.Context(), id)
	})
}

func (s *Server) rejectHandler(w http.ResponseWriter, r *http.Request) {
	s.transitionHandler(w, r, func(r *http.Request, id uuid.UUID) (*models.Loan, error) {
		return s.ledger.Reject(r.Context(), id)
	})
}

func (s *Server) disburseHandler(w http.ResponseWriter, r *http.Request) {
	s.transitionHandler(w, r, func(r *http.Request, id uuid.UUID) (*models.Loan, error) {
		return s.ledger.Disburse(r.Context(), id)
	})
}

func (s *Server) completeHandler(w http.ResponseWriter, r *http.Request) {
	s.transitionHandler(w, r, func(r *http.Request, id uuid.UUID) (*models.Loan, error) {
		return s.ledger.Complete(r.Context(), id)
	})
}

func (s *Server) deleteLoanHandler(w http.ResponseWriter, r *http.Request) {
	id, err := loanID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.ledger.DeleteLoan(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
