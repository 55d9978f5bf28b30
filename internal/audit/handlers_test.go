package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/approval-auditor/internal/approval"
	"github.com/mbd888/approval-auditor/internal/chains"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(t *testing.T, sc ChainScanner, guard gin.HandlerFunc) *gin.Engine {
	t.Helper()
	r := gin.New()
	NewHandler(NewAuditor(testRegistry(t), sc)).RegisterRoutes(r.Group(""), guard)
	return r
}

func postAudit(r http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/approvals/audit", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_Audit(t *testing.T) {
	reg := testRegistry(t)
	eth, _ := reg.Resolve(1)
	sc := newFakeScanner()
	sc.on(1, func(context.Context, chains.Descriptor, time.Time) ([]approval.Finding, error) {
		return []approval.Finding{finding(eth, "0x00000000000000000000000000000000000000e1", approval.FlagUnlimited)}, nil
	})
	sc.on(10, func(context.Context, chains.Descriptor, time.Time) ([]approval.Finding, error) {
		return nil, errors.New("down")
	})
	r := setupRouter(t, sc, nil)

	w := postAudit(r, `{"wallet":"`+testWallet+`","chains":[1,10]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, testWallet, body["wallet"])
	assert.Equal(t, []any{float64(1)}, body["chains_scanned"])
	assert.Equal(t, float64(1), body["total_approvals"])

	failed := body["chains_failed"].([]any)
	require.Len(t, failed, 1)
	assert.Equal(t, "rpc_error", failed[0].(map[string]any)["reason"])

	approvals := body["approvals"].([]any)
	require.Len(t, approvals, 1)
	rec := approvals[0].(map[string]any)
	assert.Equal(t, "ERC20", rec["type"])
	assert.Equal(t, []any{"unlimited_approval"}, rec["risk_flags"])

	txs := body["revoke_tx_data"].([]any)
	require.Len(t, txs, 1)
	assert.Equal(t, "0", txs[0].(map[string]any)["value"])
}

func TestHandler_AuditRejects(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"not json", `wallet=0x`, ""},
		{"bad wallet", `{"wallet":"0xabc","chains":[1]}`, "wallet"},
		{"empty chains", `{"wallet":"` + testWallet + `","chains":[]}`, "chains"},
		{"unsupported chain", `{"wallet":"` + testWallet + `","chains":[1,999999]}`, "chains"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := newFakeScanner()
			w := postAudit(setupRouter(t, sc, nil), tt.body)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			var body map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, "invalid_request", body["error"])
			if tt.field != "" {
				assert.Equal(t, tt.field, body["field"])
			}
			assert.Equal(t, int32(0), sc.called.Load())
		})
	}
}

func TestHandler_GuardRunsFirst(t *testing.T) {
	sc := newFakeScanner()
	guard := func(c *gin.Context) {
		c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{"error": "payment_required"})
	}

	w := postAudit(setupRouter(t, sc, guard), `{"wallet":"`+testWallet+`","chains":[1]}`)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, int32(0), sc.called.Load())
}

func TestHandler_ListChains(t *testing.T) {
	r := setupRouter(t, newFakeScanner(), nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/chains", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Chains []ChainInfo `json:"chains"`
		Total  int         `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 7, body.Total)
	require.Len(t, body.Chains, 7)
	assert.Equal(t, ChainInfo{ChainID: 1, Name: "Ethereum", Symbol: "ETH"}, body.Chains[0])
	assert.NotContains(t, w.Body.String(), "llamarpc", "RPC URLs are never exposed")
}
