package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mbd888/approval-auditor/pkg/x402"
)

// Config holds the configuration for connecting to the auditor API.
type Config struct {
	APIURL  string        // Base URL, e.g. "http://localhost:8080"
	Timeout time.Duration // per request; audits can take up to the server's AUDIT_TIMEOUT
}

// AuditorClient is an HTTP client for the approval auditor API.
type AuditorClient struct {
	cfg Config
}

// NewAuditorClient creates a new client for the auditor API.
func NewAuditorClient(cfg Config) *AuditorClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	return &AuditorClient{cfg: cfg}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request and returns the response body. A 402 that
// payer cannot settle comes back as *x402.PaymentRequiredError.
func (c *AuditorClient) doRequest(ctx context.Context, method, path string, query url.Values, body any, payer x402.Payer) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := x402.NewClient(payer, c.cfg.Timeout).Do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			if apiErr.Field != "" {
				return nil, fmt.Errorf("API error (%d): %s: %s", resp.StatusCode, apiErr.Field, apiErr.Message)
			}
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// AuditRequest mirrors the API's audit body.
type AuditRequest struct {
	Wallet    string  `json:"wallet"`
	Chains    []int64 `json:"chains"`
	RiskyOnly bool    `json:"risky_only,omitempty"`
}

// Audit runs a paid audit. payer may be nil.
func (c *AuditorClient) Audit(ctx context.Context, req AuditRequest, payer x402.Payer) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/audit", nil, req, payer)
}

// ListChains returns the supported chains.
func (c *AuditorClient) ListChains(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/chains", nil, nil, nil)
}

// AuditHistory returns report summaries for wallet, newest first, starting
// after cursor when it is set.
func (c *AuditorClient) AuditHistory(ctx context.Context, wallet string, limit int, cursor string) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/audits/"+url.PathEscape(wallet), q, nil, nil)
}

// txPayer answers a 402 with a payment the agent already made, bound to the
// nonce the server just issued.
type txPayer struct {
	txHash string
	from   string
}

func (p txPayer) Pay(_ context.Context, _ x402.Accept, nonce string) (*x402.PaymentProof, error) {
	return x402.CreatePaymentProof(p.txHash, p.from, nonce), nil
}
