package x402

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Payer settles a payment requirement and returns the proof to attach.
// The nonce is the one issued with the requirement.
type Payer interface {
	Pay(ctx context.Context, accept Accept, nonce string) (*PaymentProof, error)
}

// PaymentRequiredError is returned when a server wants payment and the
// client has no Payer, or the payment was refused after retrying.
type PaymentRequiredError struct {
	Requirements *PaymentRequirements
}

func (e *PaymentRequiredError) Error() string {
	if e.Requirements == nil || len(e.Requirements.Accepts) == 0 {
		return "x402: payment required"
	}
	a := e.Requirements.Accepts[0]
	return fmt.Sprintf("x402: payment required: %s units of %s on %s to %s", a.MaxAmountRequired, a.Asset, a.Network, a.PayTo)
}

// ErrMaxRetries is returned when every paid retry was answered with 402.
var ErrMaxRetries = errors.New("x402: max payment retries exceeded")

// Client wraps http.Client with 402 payment handling.
type Client struct {
	httpClient *http.Client
	payer      Payer

	MaxRetries int // paid retries after a 402 (default: 1)

	// OnPayment is called after each payment, before the retry.
	OnPayment func(accept Accept, proof *PaymentProof)
}

// NewClient creates a new x402-aware HTTP client. payer may be nil, in which
// case 402 responses surface as *PaymentRequiredError.
func NewClient(payer Payer, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		payer:      payer,
		MaxRetries: 1,
	}
}

// Do performs an HTTP request with 402 handling. On success the caller owns
// the response body.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		_ = req.Body.Close()
	}
	req = req.WithContext(ctx)

	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		if !Is402Response(resp) {
			return resp, nil
		}

		payReq, err := ParsePaymentRequirements(resp)
		_ = resp.Body.Close()
		if err != nil {
			return nil, err
		}
		if c.payer == nil || attempt == c.MaxRetries {
			return nil, &PaymentRequiredError{Requirements: payReq}
		}

		accept := payReq.Accepts[0]
		proof, err := c.payer.Pay(ctx, accept, payReq.Nonce)
		if err != nil {
			return nil, fmt.Errorf("payment failed: %w", err)
		}
		if c.OnPayment != nil {
			c.OnPayment(accept, proof)
		}
		if err := AddProofToRequest(req, proof); err != nil {
			return nil, fmt.Errorf("failed to add proof: %w", err)
		}
	}

	return nil, ErrMaxRetries
}
