package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mcclellann/microlend/pkg/ledger"
	"github.com/mcclellann/microlend/pkg/models"
	"github.com/mcclellann/microlend/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret-test-secret-test-secret")

type testEnv struct {
	t      *testing.T
	server *Server
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	l := ledger.NewLedger(store.NewMemoryStore())
	return &testEnv{t: t, server: NewServer(l, NewVerifier(testSecret, ""), opts...)}
}

func signToken(t *testing.T, user string, admin bool, expires time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Admin: admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user,
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	})
	signed, err := token.SignedString(testSecret)
	require.NoError(t, err)
	return signed
}

func (e *testEnv) token(user string, admin bool) string {
	return signToken(e.t, user, admin, time.Now().Add(time.Hour))
}

func (e *testEnv) do(method, path, token string, body any) *httptest.ResponseRecorder {
	e.t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(e.t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.server.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestHealthIsPublic(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestAuthentication(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(http.MethodGet, "/loans", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = env.do(http.MethodGet, "/loans", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	expired := signToken(t, "user-1", false, time.Now().Add(-time.Minute))
	rr = env.do(http.MethodGet, "/loans", expired, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = env.do(http.MethodPost, "/admin/wallets/user-1/credit", env.token("user-1", false), map[string]string{"amount": "10"})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = env.do(http.MethodGet, "/loans", env.token("user-1", false), nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestVerifierRejectsOtherAlgorithms(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS512, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}})
	signed, err := token.SignedString(testSecret)
	require.NoError(t, err)

	_, err = NewVerifier(testSecret, "").Verify(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestLoanLifecycle(t *testing.T) {
	env := newTestEnv(t)
	borrower := env.token("user-1", false)
	admin := env.token("admin-1", true)

	rr := env.do(http.MethodPost, "/loans", borrower, map[string]any{"amount": "100000", "term_months": 12})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	loan := decodeBody[models.Loan](t, rr)
	assert.Equal(t, models.LoanStatusPending, loan.Status)
	assert.Equal(t, "user-1", loan.UserID)
	assert.True(t, loan.InterestRate.Equal(dec("12")))

	rr = env.do(http.MethodPost, "/admin/loans/"+loan.ID.String()+"/approve", admin, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, models.LoanStatusDisbursed, decodeBody[models.Loan](t, rr).Status)

	rr = env.do(http.MethodGet, "/wallet", borrower, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, decodeBody[models.Wallet](t, rr).Balance.Equal(dec("100000")))

	rr = env.do(http.MethodPost, "/loans/"+loan.ID.String()+"/payments", borrower, map[string]string{"amount": "1500"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	res := decodeBody[ledger.PaymentResult](t, rr)
	assert.True(t, res.Payment.InterestAmount.Equal(dec("1000")), "interest %s", res.Payment.InterestAmount)
	assert.True(t, res.Payment.PrincipalAmount.Equal(dec("500")))
	require.NotNil(t, res.Debit)

	rr = env.do(http.MethodGet, "/loans/"+loan.ID.String()+"/balance", borrower, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	snap := decodeBody[models.BalanceSnapshot](t, rr)
	assert.True(t, snap.PrincipalBalance.Equal(dec("99500")))

	rr = env.do(http.MethodGet, "/loans/"+loan.ID.String()+"/payments", borrower, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeBody[[]models.Payment](t, rr), 1)

	rr = env.do(http.MethodGet, "/loans/"+loan.ID.String()+"/schedule", borrower, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeBody[[]ledger.Installment](t, rr), 12)

	rr = env.do(http.MethodGet, "/wallet/transactions", borrower, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeBody[[]models.WalletTransaction](t, rr), 2)

	rr = env.do(http.MethodGet, "/admin/wallets/user-1/reconcile", admin, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, decodeBody[ledger.Reconciliation](t, rr).Balanced)

	rr = env.do(http.MethodPost, "/admin/loans/"+loan.ID.String()+"/reject", admin, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "invalid_state", decodeBody[errorResponse](t, rr).Code)
}

func TestApproveWithoutDisbursing(t *testing.T) {
	env := newTestEnv(t)
	borrower := env.token("user-1", false)
	admin := env.token("admin-1", true)

	rr := env.do(http.MethodPost, "/loans", borrower, map[string]any{"amount": "5000", "term_months": 6})
	require.Equal(t, http.StatusCreated, rr.Code)
	loan := decodeBody[models.Loan](t, rr)

	rr = env.do(http.MethodPost, "/admin/loans/"+loan.ID.String()+"/approve?disburse=false", admin, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, models.LoanStatusApproved, decodeBody[models.Loan](t, rr).Status)

	rr = env.do(http.MethodGet, "/wallet", borrower, nil)
	assert.True(t, decodeBody[models.Wallet](t, rr).Balance.IsZero())

	rr = env.do(http.MethodPost, "/admin/loans/"+loan.ID.String()+"/disburse", admin, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	rr = env.do(http.MethodPost, "/admin/loans/"+loan.ID.String()+"/disburse", admin, nil)
	require.Equal(t, http.StatusOK, rr.Code, "disbursing twice is a no-op")

	rr = env.do(http.MethodGet, "/wallet", borrower, nil)
	assert.True(t, decodeBody[models.Wallet](t, rr).Balance.Equal(dec("5000")))

	rr = env.do(http.MethodPost, "/admin/loans/"+loan.ID.String()+"/approve?disburse=maybe", admin, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestLoansAreScopedToOwner(t *testing.T) {
	env := newTestEnv(t)
	owner := env.token("user-1", false)
	other := env.token("user-2", false)
	admin := env.token("admin-1", true)

	rr := env.do(http.MethodPost, "/loans", owner, map[string]any{"amount": "2000", "term_months": 3})
	require.Equal(t, http.StatusCreated, rr.Code)
	loan := decodeBody[models.Loan](t, rr)

	rr = env.do(http.MethodGet, "/loans/"+loan.ID.String(), other, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	rr = env.do(http.MethodGet, "/loans/"+loan.ID.String(), admin, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = env.do(http.MethodGet, "/loans", other, nil)
	assert.Empty(t, decodeBody[[]models.Loan](t, rr))
	rr = env.do(http.MethodGet, "/loans?status=pending", admin, nil)
	assert.Len(t, decodeBody[[]models.Loan](t, rr), 1)
	rr = env.do(http.MethodGet, "/loans?status=lost", admin, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(http.MethodGet, "/loans/not-a-uuid", owner, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRequestValidation(t *testing.T) {
	env := newTestEnv(t)
	borrower := env.token("user-1", false)

	tests := []struct {
		name string
		path string
		body any
	}{
		{"empty body", "/loans", nil},
		{"unknown field", "/loans", `{"amount":"5000","term_months":6,"rate":"1"}`},
		{"amount below minimum", "/loans", map[string]any{"amount": "10", "term_months": 6}},
		{"term too long", "/loans", map[string]any{"amount": "5000", "term_months": 600}},
		{"sub-cent amount", "/loans", map[string]any{"amount": "5000.001", "term_months": 6}},
		{"negative deposit", "/wallet/deposit", map[string]string{"amount": "-1"}},
		{"trailing data", "/wallet/deposit", `{"amount":"1"}{"amount":"2"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(http.MethodPost, tt.path, borrower, tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
			assert.Equal(t, "validation", decodeBody[errorResponse](t, rr).Code)
		})
	}
}

func TestWalletEndpoints(t *testing.T) {
	env := newTestEnv(t)
	borrower := env.token("user-1", false)
	admin := env.token("admin-1", true)

	rr := env.do(http.MethodPost, "/wallet/deposit", borrower, map[string]string{"amount": "75.25"})
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = env.do(http.MethodPost, "/wallet/withdraw", borrower, map[string]string{"amount": "100"})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, "insufficient_funds", decodeBody[errorResponse](t, rr).Code)

	rr = env.do(http.MethodPost, "/admin/wallets/user-1/credit", admin, map[string]string{"amount": "24.75", "description": "refund"})
	require.Equal(t, http.StatusCreated, rr.Code)
	tx := decodeBody[models.WalletTransaction](t, rr)
	assert.Equal(t, models.TransactionTypeAdminAdd, tx.Type)
	assert.Equal(t, "refund", tx.Description)

	rr = env.do(http.MethodPost, "/wallet/withdraw", borrower, map[string]string{"amount": "100"})
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = env.do(http.MethodGet, "/admin/wallets/user-1/reconcile", admin, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	rec := decodeBody[ledger.Reconciliation](t, rr)
	assert.True(t, rec.Balanced)
	assert.True(t, rec.Balance.IsZero())

	rr = env.do(http.MethodGet, "/admin/wallets/nobody/reconcile", admin, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAdminRecordsExternalPaymentAndDeletes(t *testing.T) {
	env := newTestEnv(t)
	borrower := env.token("user-1", false)
	admin := env.token("admin-1", true)

	rr := env.do(http.MethodPost, "/loans", borrower, map[string]any{"amount": "1000", "term_months": 12})
	require.Equal(t, http.StatusCreated, rr.Code)
	loan := decodeBody[models.Loan](t, rr)
	rr = env.do(http.MethodPost, "/admin/loans/"+loan.ID.String()+"/approve", admin, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = env.do(http.MethodPost, "/admin/loans/"+loan.ID.String()+"/payments", admin, map[string]string{"amount": "10", "method": "wallet"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(http.MethodPost, "/admin/loans/"+loan.ID.String()+"/payments", admin, map[string]string{"amount": "1010", "method": "bank_transfer"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Nil(t, decodeBody[ledger.PaymentResult](t, rr).Debit)

	rr = env.do(http.MethodPost, "/admin/loans/"+loan.ID.String()+"/complete", admin, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, models.LoanStatusCompleted, decodeBody[models.Loan](t, rr).Status)

	rr = env.do(http.MethodDelete, "/admin/loans/"+loan.ID.String(), admin, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = env.do(http.MethodGet, "/loans/"+loan.ID.String(), borrower, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestBorrowerPaymentsMustComeFromWallet(t *testing.T) {
	env := newTestEnv(t)
	borrower := env.token("user-1", false)
	admin := env.token("admin-1", true)

	rr := env.do(http.MethodPost, "/loans", borrower, map[string]any{"amount": "1000", "term_months": 12})
	require.Equal(t, http.StatusCreated, rr.Code)
	loan := decodeBody[models.Loan](t, rr)
	rr = env.do(http.MethodPost, "/admin/loans/"+loan.ID.String()+"/approve", admin, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	rr = env.do(http.MethodPost, "/wallet/withdraw", borrower, map[string]string{"amount": "1000"})
	require.Equal(t, http.StatusCreated, rr.Code)

	for _, method := range []string{"card", "bank_transfer"} {
		rr = env.do(http.MethodPost, "/loans/"+loan.ID.String()+"/payments", borrower, map[string]string{"amount": "1010", "method": method})
		assert.Equal(t, http.StatusBadRequest, rr.Code, method)
		assert.Equal(t, "validation", decodeBody[errorResponse](t, rr).Code)
	}

	rr = env.do(http.MethodPost, "/loans/"+loan.ID.String()+"/payments", borrower, map[string]string{"amount": "1010", "method": "wallet"})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = env.do(http.MethodGet, "/loans/"+loan.ID.String()+"/balance", borrower, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, decodeBody[models.BalanceSnapshot](t, rr).PrincipalBalance.Equal(dec("1000")))

	rr = env.do(http.MethodGet, "/loans/"+loan.ID.String()+"/payments", borrower, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decodeBody[[]models.Payment](t, rr))

	rr = env.do(http.MethodGet, "/wallet", borrower, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, decodeBody[models.Wallet](t, rr).Balance.IsZero())
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, WithMetricsHandler("/metrics", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})))
	rr := env.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
}

func TestPersistenceErrorsAreHidden(t *testing.T) {
	env := newTestEnv(t)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/loans", nil)

	env.server.writeError(rr, req, models.Persistence("load loan", errors.New("disk I/O error at /var/lib/db")))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	body := decodeBody[errorResponse](t, rr)
	assert.Equal(t, "internal", body.Code)
	assert.NotContains(t, body.Error, "disk")
}
