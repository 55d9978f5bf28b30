// Package x402 implements the x402 payment-required protocol types shared by
// the approval auditor server and its clients.
package x402

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Version is the x402 protocol version spoken here.
const Version = 1

// Header names.
const (
	ProofHeader       = "X-Payment-Proof"
	LegacyProofHeader = "X-402-Payment"
)

// PaymentRequirements is the body of a 402 response.
type PaymentRequirements struct {
	X402Version int      `json:"x402Version"`
	Accepts     []Accept `json:"accepts"`
	Nonce       string   `json:"nonce,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// Accept describes one acceptable way to pay for a resource.
type Accept struct {
	Scheme            string        `json:"scheme"`
	Network           string        `json:"network"`
	MaxAmountRequired string        `json:"maxAmountRequired"` // raw token units
	Resource          string        `json:"resource"`
	Description       string        `json:"description"`
	MimeType          string        `json:"mimeType"`
	PayTo             string        `json:"payTo"`
	MaxTimeoutSeconds int           `json:"maxTimeoutSeconds"`
	Asset             string        `json:"asset"`
	OutputSchema      *OutputSchema `json:"outputSchema,omitempty"`
}

// OutputSchema documents how to call the paid resource.
type OutputSchema struct {
	Input  InputSpec  `json:"input"`
	Output OutputSpec `json:"output"`
}

// InputSpec describes the request of a paid HTTP resource.
type InputSpec struct {
	Type       string               `json:"type"`
	Method     string               `json:"method"`
	BodyType   string               `json:"bodyType"`
	BodyFields map[string]FieldSpec `json:"bodyFields"`
}

// FieldSpec describes one request body field.
type FieldSpec struct {
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Description string `json:"description"`
}

// OutputSpec describes the response of a paid resource.
type OutputSpec struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// PaymentProof is sent to servers to prove payment
type PaymentProof struct {
	TxHash    string `json:"txHash"`
	From      string `json:"from"`
	Nonce     string `json:"nonce,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Error represents an x402 error response
type Error struct {
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is402Response checks if an HTTP response is a 402 Payment Required
func Is402Response(resp *http.Response) bool {
	return resp.StatusCode == http.StatusPaymentRequired
}

// ParsePaymentRequirements extracts payment requirements from a 402 response.
func ParsePaymentRequirements(resp *http.Response) (*PaymentRequirements, error) {
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("not a 402 response: got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var req PaymentRequirements
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("failed to parse payment requirements: %w", err)
	}
	if len(req.Accepts) == 0 {
		return nil, fmt.Errorf("payment requirements list no accepted payment")
	}
	return &req, nil
}

// CreatePaymentProof creates a proof object for a completed payment
func CreatePaymentProof(txHash, fromAddress, nonce string) *PaymentProof {
	return &PaymentProof{
		TxHash:    txHash,
		From:      fromAddress,
		Nonce:     nonce,
		Timestamp: time.Now().Unix(),
	}
}

// ToHeader serializes the payment proof for HTTP header
func (p *PaymentProof) ToHeader() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to marshal proof: %w", err)
	}
	return string(data), nil
}

// ParseProofHeader decodes a proof header value.
func ParseProofHeader(h string) (*PaymentProof, error) {
	var p PaymentProof
	if err := json.Unmarshal([]byte(h), &p); err != nil {
		return nil, fmt.Errorf("failed to parse payment proof: %w", err)
	}
	return &p, nil
}

// AddProofToRequest adds the payment proof header to an HTTP request
func AddProofToRequest(req *http.Request, proof *PaymentProof) error {
	header, err := proof.ToHeader()
	if err != nil {
		return err
	}
	req.Header.Set(ProofHeader, header)
	return nil
}
