// Package paywall implements HTTP 402 Payment Required middleware for paid
// audit routes, speaking the x402 protocol.
package paywall

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/approval-auditor/internal/logging"
	"github.com/mbd888/approval-auditor/internal/payment"
	"github.com/mbd888/approval-auditor/pkg/x402"
)

var paymentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "approval_auditor",
	Name:      "payments_total",
	Help:      "Payment proofs by outcome.",
}, []string{"outcome"})

func init() {
	prometheus.MustRegister(paymentsTotal)
}

var (
	ErrMissingProof = errors.New("paywall: missing payment proof field")
	ErrBadNonce     = errors.New("paywall: invalid or expired nonce")
	ErrProofExpired = errors.New("paywall: payment proof expired or has future timestamp")
	ErrTxReused     = errors.New("paywall: transaction already used")
	ErrUnderpaid    = errors.New("paywall: payment not found or insufficient")
)

var txHashRe = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// nonceStore tracks issued nonces to prevent replay attacks.
type nonceStore struct {
	mu     sync.Mutex
	nonces map[string]time.Time // nonce → issued-at
	ttl    time.Duration
}

func (ns *nonceStore) issue(nonce string, now time.Time) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.nonces[nonce] = now
	cutoff := now.Add(-2 * ns.ttl)
	for k, t := range ns.nonces {
		if t.Before(cutoff) {
			delete(ns.nonces, k)
		}
	}
}

func (ns *nonceStore) consume(nonce string, now time.Time) bool {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	issued, ok := ns.nonces[nonce]
	if !ok {
		return false
	}
	delete(ns.nonces, nonce) // One-time use
	return now.Sub(issued) <= ns.ttl
}

// spentStore remembers transactions that already paid for a request.
type spentStore struct {
	mu  sync.Mutex
	txs map[string]bool
}

// reserve claims tx, returning false if it was already claimed.
func (s *spentStore) reserve(tx string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.txs[tx] {
		return false
	}
	s.txs[tx] = true
	return true
}

func (s *spentStore) release(tx string) {
	s.mu.Lock()
	delete(s.txs, tx)
	s.mu.Unlock()
}

// Verifier checks a payment on chain. *payment.Verifier satisfies it.
type Verifier interface {
	Address() string
	VerifyPayment(ctx context.Context, from string, minAmount string, txHash string) (bool, error)
}

// Config for the paywall middleware
type Config struct {
	Verifier Verifier

	Price       string // USDC, decimal
	Network     string // x402 network name, e.g. "base"
	Asset       string // USDC contract address
	Resource    string // absolute URL of the paid entrypoint
	Description string

	// ValidFor bounds how long an issued nonce and a proof timestamp stay valid.
	ValidFor   time.Duration
	MaxTimeout time.Duration

	// FreeMode lets every request through without payment.
	FreeMode bool

	OnPaymentReceived func(proof *x402.PaymentProof, route string)
	OnPaymentFailed   func(proof *x402.PaymentProof, err error)
}

// Paywall issues payment requirements and verifies proofs.
type Paywall struct {
	cfg       Config
	rawAmount string
	nonces    *nonceStore
	spent     *spentStore
	now       func() time.Time
}

// New validates cfg and creates a paywall.
func New(cfg Config) (*Paywall, error) {
	if cfg.ValidFor <= 0 {
		cfg.ValidFor = 5 * time.Minute
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = 30 * time.Second
	}
	if cfg.Network == "" {
		cfg.Network = "base"
	}
	raw, err := payment.ParseUSDC(cfg.Price)
	if err != nil {
		return nil, fmt.Errorf("paywall: price %q: %w", cfg.Price, err)
	}
	if !cfg.FreeMode && cfg.Verifier == nil {
		return nil, errors.New("paywall: verifier required unless free mode")
	}
	return &Paywall{
		cfg:       cfg,
		rawAmount: raw.String(),
		nonces:    &nonceStore{nonces: make(map[string]time.Time), ttl: cfg.ValidFor},
		spent:     &spentStore{txs: make(map[string]bool)},
		now:       time.Now,
	}, nil
}

// FreeMode reports whether payment checks are disabled.
func (p *Paywall) FreeMode() bool { return p.cfg.FreeMode }

// Requirements returns the 402 document for the paid entrypoint.
func (p *Paywall) Requirements(nonce string) x402.PaymentRequirements {
	return x402.PaymentRequirements{
		X402Version: x402.Version,
		Nonce:       nonce,
		Accepts: []x402.Accept{{
			Scheme:            "exact",
			Network:           p.cfg.Network,
			MaxAmountRequired: p.rawAmount,
			Resource:          p.cfg.Resource,
			Description:       p.cfg.Description,
			MimeType:          "application/json",
			PayTo:             p.payTo(),
			MaxTimeoutSeconds: int(p.cfg.MaxTimeout.Seconds()),
			Asset:             p.cfg.Asset,
			OutputSchema: &x402.OutputSchema{
				Input: x402.InputSpec{
					Type:     "http",
					Method:   http.MethodPost,
					BodyType: "json",
					BodyFields: map[string]x402.FieldSpec{
						"wallet":     {Type: "string", Required: true, Description: "Wallet address to audit"},
						"chains":     {Type: "array", Required: true, Description: "List of chain IDs to scan (e.g., [1, 137, 42161])"},
						"risky_only": {Type: "boolean", Required: false, Description: "Only return flagged approvals"},
					},
				},
				Output: x402.OutputSpec{
					Type:        "object",
					Description: "Approval risk audit results with flagged tokens and revoke transactions",
				},
			},
		}},
	}
}

func (p *Paywall) payTo() string {
	if p.cfg.Verifier == nil {
		return ""
	}
	return p.cfg.Verifier.Address()
}

// Discovery answers with 402 and a fresh requirement, for GET/HEAD on the
// entrypoint and /.well-known/x402.
func (p *Paywall) Discovery(c *gin.Context) {
	p.paymentRequired(c, "")
}

// Middleware requires a valid payment proof before the next handler runs.
func (p *Paywall) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if p.cfg.FreeMode {
			c.Next()
			return
		}

		proofHeader := c.GetHeader(x402.ProofHeader)
		if proofHeader == "" {
			proofHeader = c.GetHeader(x402.LegacyProofHeader)
		}
		if proofHeader == "" {
			p.paymentRequired(c, "")
			return
		}

		proof, err := x402.ParseProofHeader(proofHeader)
		if err != nil {
			paymentsTotal.WithLabelValues("malformed").Inc()
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_payment_proof",
				"message": "Could not parse payment proof JSON",
			})
			return
		}

		if err := p.verify(c.Request.Context(), proof); err != nil {
			paymentsTotal.WithLabelValues(outcome(err)).Inc()
			logging.L(c.Request.Context()).Warn("payment rejected", "from", proof.From, "tx", proof.TxHash, "error", err)
			if p.cfg.OnPaymentFailed != nil {
				p.cfg.OnPaymentFailed(proof, err)
			}
			p.paymentRequired(c, errorCode(err))
			return
		}

		paymentsTotal.WithLabelValues("accepted").Inc()
		if p.cfg.OnPaymentReceived != nil {
			p.cfg.OnPaymentReceived(proof, c.FullPath())
		}
		c.Set("payment_proof", proof)
		c.Next()
	}
}

func (p *Paywall) paymentRequired(c *gin.Context, errCode string) {
	nonce, err := generateSecureNonce()
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to generate secure nonce",
		})
		return
	}
	p.nonces.issue(nonce, p.now())

	req := p.Requirements(nonce)
	req.Error = errCode

	c.Header("X-Payment-Required", "true")
	c.Header("X-Payment-Amount", p.cfg.Price)
	c.Header("X-Payment-Recipient", p.payTo())
	c.Header("X-Payment-Network", p.cfg.Network)
	c.AbortWithStatusJSON(http.StatusPaymentRequired, req)
}

func (p *Paywall) verify(ctx context.Context, proof *x402.PaymentProof) error {
	if proof.TxHash == "" || proof.From == "" || proof.Nonce == "" {
		return ErrMissingProof
	}

	txHash := proof.TxHash
	if !strings.HasPrefix(txHash, "0x") {
		txHash = "0x" + txHash
	}
	if !txHashRe.MatchString(txHash) {
		return fmt.Errorf("%w: invalid transaction hash format", ErrMissingProof)
	}
	if !strings.HasPrefix(proof.From, "0x") || len(proof.From) != 42 {
		return fmt.Errorf("%w: invalid sender address format", ErrMissingProof)
	}

	now := p.now()
	if !p.nonces.consume(proof.Nonce, now) {
		return ErrBadNonce
	}
	if proof.Timestamp > 0 {
		age := now.Sub(time.Unix(proof.Timestamp, 0))
		if age > p.cfg.ValidFor || age < -30*time.Second {
			return ErrProofExpired
		}
	}

	key := strings.ToLower(txHash)
	if !p.spent.reserve(key) {
		return ErrTxReused
	}
	ok, err := p.cfg.Verifier.VerifyPayment(ctx, proof.From, p.cfg.Price, txHash)
	if err != nil {
		p.spent.release(key)
		return fmt.Errorf("verification failed: %w", err)
	}
	if !ok {
		p.spent.release(key)
		return ErrUnderpaid
	}
	return nil
}

func outcome(err error) string {
	switch {
	case errors.Is(err, ErrBadNonce), errors.Is(err, ErrProofExpired):
		return "stale"
	case errors.Is(err, ErrTxReused):
		return "replayed"
	case errors.Is(err, ErrUnderpaid):
		return "underpaid"
	case errors.Is(err, ErrMissingProof):
		return "malformed"
	default:
		return "error"
	}
}

func errorCode(err error) string {
	switch outcome(err) {
	case "stale":
		return "payment_proof_expired"
	case "replayed":
		return "payment_already_used"
	case "underpaid":
		return "payment_insufficient"
	case "malformed":
		return "invalid_payment_proof"
	default:
		return "payment_verification_failed"
	}
}

// generateSecureNonce creates a cryptographically secure nonce
func generateSecureNonce() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

// GetPaymentProof retrieves the payment proof from the gin context
func GetPaymentProof(c *gin.Context) *x402.PaymentProof {
	if proof, exists := c.Get("payment_proof"); exists {
		return proof.(*x402.PaymentProof)
	}
	return nil
}
