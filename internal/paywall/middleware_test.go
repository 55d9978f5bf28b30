package paywall

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/approval-auditor/pkg/x402"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	payTo = "0x01D11F7e1a46AbFC6092d7be484895D2d505095c"
	payer = "0x1234567890123456789012345678901234567890"
)

var goodTx = "0x" + strings.Repeat("ab", 32)

type fakeVerifier struct {
	ok    bool
	err   error
	calls atomic.Int32
	last  string
}

func (f *fakeVerifier) Address() string { return payTo }

func (f *fakeVerifier) VerifyPayment(_ context.Context, _ string, minAmount string, _ string) (bool, error) {
	f.calls.Add(1)
	f.last = minAmount
	return f.ok, f.err
}

func newPaywall(t *testing.T, v Verifier, free bool) *Paywall {
	t.Helper()
	p, err := New(Config{
		Verifier:    v,
		Price:       "0.05",
		Asset:       "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		Resource:    "https://auditor.example/entrypoints/approval-risk-auditor/invoke",
		Description: "Approval Risk Auditor",
		FreeMode:    free,
	})
	require.NoError(t, err)
	return p
}

func router(p *Paywall) *gin.Engine {
	r := gin.New()
	r.GET("/invoke", p.Discovery)
	r.POST("/invoke", p.Middleware(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"paid": GetPaymentProof(c) != nil})
	})
	return r
}

func do(r http.Handler, method, proof string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/invoke", strings.NewReader(`{}`))
	if proof != "" {
		req.Header.Set(x402.ProofHeader, proof)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func requirements(t *testing.T, w *httptest.ResponseRecorder) x402.PaymentRequirements {
	t.Helper()
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	var req x402.PaymentRequirements
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &req))
	return req
}

func proofFor(t *testing.T, nonce, tx string) string {
	t.Helper()
	h, err := x402.CreatePaymentProof(tx, payer, nonce).ToHeader()
	require.NoError(t, err)
	return h
}

func TestNew_Validates(t *testing.T) {
	_, err := New(Config{Price: "abc", Verifier: &fakeVerifier{}})
	assert.Error(t, err)
	_, err = New(Config{Price: "0.05"})
	assert.Error(t, err, "verifier required when payments are on")
	_, err = New(Config{Price: "0.05", FreeMode: true})
	assert.NoError(t, err)
}

func TestDiscovery(t *testing.T) {
	p := newPaywall(t, &fakeVerifier{}, false)
	w := do(router(p), http.MethodGet, "")

	req := requirements(t, w)
	assert.Equal(t, 1, req.X402Version)
	assert.NotEmpty(t, req.Nonce)
	require.Len(t, req.Accepts, 1)

	a := req.Accepts[0]
	assert.Equal(t, "exact", a.Scheme)
	assert.Equal(t, "base", a.Network)
	assert.Equal(t, "50000", a.MaxAmountRequired)
	assert.Equal(t, payTo, a.PayTo)
	assert.Equal(t, 30, a.MaxTimeoutSeconds)
	assert.Equal(t, "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", a.Asset)
	require.NotNil(t, a.OutputSchema)
	assert.Equal(t, http.MethodPost, a.OutputSchema.Input.Method)
	assert.True(t, a.OutputSchema.Input.BodyFields["wallet"].Required)
	assert.Equal(t, "true", w.Header().Get("X-Payment-Required"))
}

func TestMiddleware_NoProof(t *testing.T) {
	v := &fakeVerifier{ok: true}
	w := do(router(newPaywall(t, v, false)), http.MethodPost, "")
	requirements(t, w)
	assert.Equal(t, int32(0), v.calls.Load())
}

func TestMiddleware_FreeMode(t *testing.T) {
	w := do(router(newPaywall(t, nil, true)), http.MethodPost, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMiddleware_MalformedProof(t *testing.T) {
	before := paymentCount(t, "malformed")
	w := do(router(newPaywall(t, &fakeVerifier{ok: true}, false)), http.MethodPost, "{not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 1.0, paymentCount(t, "malformed")-before)
}

func paymentCount(t *testing.T, outcome string) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, paymentsTotal.WithLabelValues(outcome).Write(&m))
	return m.GetCounter().GetValue()
}

func TestMiddleware_ValidPayment(t *testing.T) {
	v := &fakeVerifier{ok: true}
	r := router(newPaywall(t, v, false))
	accepted := paymentCount(t, "accepted")

	nonce := requirements(t, do(r, http.MethodGet, "")).Nonce
	w := do(r, http.MethodPost, proofFor(t, nonce, goodTx))

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"paid":true}`, w.Body.String())
	assert.Equal(t, "0.05", v.last)
	assert.Equal(t, 1.0, paymentCount(t, "accepted")-accepted)
}

func TestMiddleware_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		verifier *fakeVerifier
		nonce    func(t *testing.T, r http.Handler) string
		tx       string
		wantCode string
	}{
		{
			name:     "unknown nonce",
			verifier: &fakeVerifier{ok: true},
			nonce:    func(*testing.T, http.Handler) string { return "never-issued" },
			tx:       goodTx,
			wantCode: "payment_proof_expired",
		},
		{
			name:     "bad tx hash",
			verifier: &fakeVerifier{ok: true},
			nonce:    func(t *testing.T, r http.Handler) string { return requirements(t, do(r, http.MethodGet, "")).Nonce },
			tx:       "0x1234",
			wantCode: "invalid_payment_proof",
		},
		{
			name:     "underpaid",
			verifier: &fakeVerifier{ok: false},
			nonce:    func(t *testing.T, r http.Handler) string { return requirements(t, do(r, http.MethodGet, "")).Nonce },
			tx:       goodTx,
			wantCode: "payment_insufficient",
		},
		{
			name:     "rpc error",
			verifier: &fakeVerifier{err: errors.New("receipt not found")},
			nonce:    func(t *testing.T, r http.Handler) string { return requirements(t, do(r, http.MethodGet, "")).Nonce },
			tx:       goodTx,
			wantCode: "payment_verification_failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := router(newPaywall(t, tt.verifier, false))
			w := do(r, http.MethodPost, proofFor(t, tt.nonce(t, r), tt.tx))
			req := requirements(t, w)
			assert.Equal(t, tt.wantCode, req.Error)
		})
	}
}

func TestMiddleware_NonceIsSingleUse(t *testing.T) {
	r := router(newPaywall(t, &fakeVerifier{ok: true}, false))
	nonce := requirements(t, do(r, http.MethodGet, "")).Nonce

	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, proofFor(t, nonce, goodTx)).Code)
	assert.Equal(t, http.StatusPaymentRequired, do(r, http.MethodPost, proofFor(t, nonce, goodTx)).Code)
}

func TestMiddleware_TxCannotPayTwice(t *testing.T) {
	r := router(newPaywall(t, &fakeVerifier{ok: true}, false))

	n1 := requirements(t, do(r, http.MethodGet, "")).Nonce
	require.Equal(t, http.StatusOK, do(r, http.MethodPost, proofFor(t, n1, goodTx)).Code)

	n2 := requirements(t, do(r, http.MethodGet, "")).Nonce
	w := do(r, http.MethodPost, proofFor(t, n2, strings.ToUpper(goodTx[2:])))
	assert.Equal(t, "payment_already_used", requirements(t, w).Error)
}

func TestMiddleware_FailedVerificationReleasesTx(t *testing.T) {
	v := &fakeVerifier{ok: false}
	p := newPaywall(t, v, false)
	r := router(p)

	n1 := requirements(t, do(r, http.MethodGet, "")).Nonce
	requirements(t, do(r, http.MethodPost, proofFor(t, n1, goodTx)))

	v.ok = true
	n2 := requirements(t, do(r, http.MethodGet, "")).Nonce
	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, proofFor(t, n2, goodTx)).Code)
}

func TestNonceExpiry(t *testing.T) {
	p := newPaywall(t, &fakeVerifier{ok: true}, false)
	base := time.Unix(1_700_000_000, 0)
	p.nonces.issue("n", base)

	assert.False(t, p.nonces.consume("n", base.Add(6*time.Minute)))
	p.nonces.issue("m", base)
	assert.True(t, p.nonces.consume("m", base.Add(time.Minute)))
	assert.False(t, p.nonces.consume("m", base.Add(time.Minute)), "one-time use")
}
