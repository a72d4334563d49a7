// Package api exposes the ledger over a JSON REST interface. Every route
// except /health and the metrics endpoint requires an HS256 bearer token;
// /admin routes additionally require the admin claim.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/mcclellann/microlend/pkg/ledger"
	"go.uber.org/zap"
)

type Server struct {
	ledger   *ledger.Ledger
	verifier *Verifier
	logger   *zap.Logger
	policy   IntakePolicy
	router   *mux.Router

	metricsPath    string
	metricsHandler http.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request and error logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithIntakePolicy overrides the application bounds and pricing rate.
func WithIntakePolicy(p IntakePolicy) Option {
	return func(s *Server) { s.policy = p }
}

// WithMetricsHandler mounts h, unauthenticated, at path.
func WithMetricsHandler(path string, h http.Handler) Option {
	return func(s *Server) {
		s.metricsPath = path
		s.metricsHandler = h
	}
}

// NewServer builds the router for l. Every route except /health and the
// metrics handler requires a token accepted by v.
func NewServer(l *ledger.Ledger, v *Verifier, opts ...Option) *Server {
	s := &Server{
		ledger:   l,
		verifier: v,
		logger:   zap.NewNop(),
		policy:   DefaultIntakePolicy(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.recoverPanics, s.logRequests)

	router.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	if s.metricsHandler != nil {
		router.Handle(s.metricsPath, s.metricsHandler).Methods(http.MethodGet)
	}

	authed := router.NewRoute().Subrouter()
	authed.Use(s.authenticate)

	authed.HandleFunc("/loans", s.applyHandler).Methods(http.MethodPost)
	authed.HandleFunc("/loans", s.listLoansHandler).Methods(http.MethodGet)
	authed.HandleFunc("/loans/{id}", s.getLoanHandler).Methods(http.MethodGet)
	authed.HandleFunc("/loans/{id}/balance", s.balanceHandler).Methods(http.MethodGet)
	authed.HandleFunc("/loans/{id}/schedule", s.scheduleHandler).Methods(http.MethodGet)
	authed.HandleFunc("/loans/{id}/payments", s.listPaymentsHandler).Methods(http.MethodGet)
	authed.HandleFunc("/loans/{id}/payments", s.paymentHandler).Methods(http.MethodPost)

	authed.HandleFunc("/wallet", s.walletHandler).Methods(http.MethodGet)
	authed.HandleFunc("/wallet/transactions", s.walletTransactionsHandler).Methods(http.MethodGet)
	authed.HandleFunc("/wallet/deposit", s.depositHandler).Methods(http.MethodPost)
	authed.HandleFunc("/wallet/withdraw", s.withdrawHandler).Methods(http.MethodPost)

	admin := authed.PathPrefix("/admin").Subrouter()
	admin.Use(requireAdmin)
	admin.HandleFunc("/loans/{id}/approve", s.approveHandler).Methods(http.MethodPost)
	admin.HandleFunc("/loans/{id}/reject", s.rejectHandler).Methods(http.MethodPost)
	admin.HandleFunc("/loans/{id}/disburse", s.disburseHandler).Methods(http.MethodPost)
	admin.HandleFunc("/loans/{id}/complete", s.completeHandler).Methods(http.MethodPost)
	admin.HandleFunc("/loans/{id}/payments", s.recordPaymentHandler).Methods(http.MethodPost)
	admin.HandleFunc("/loans/{id}", s.deleteLoanHandler).Methods(http.MethodDelete)
	admin.HandleFunc("/wallets/{user}/credit", s.adminCreditHandler).Methods(http.MethodPost)
	admin.HandleFunc("/wallets/{user}/reconcile", s.reconcileHandler).Methods(http.MethodGet)

	return router
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
