package audit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/approval-auditor/internal/approval"
	"github.com/mbd888/approval-auditor/internal/chains"
	"github.com/mbd888/approval-auditor/internal/circuitbreaker"
	"github.com/mbd888/approval-auditor/internal/logging"
	"github.com/mbd888/approval-auditor/internal/traces"
	"github.com/mbd888/approval-auditor/internal/validation"
)

// ChainScanner scans one chain. *approval.Scanner satisfies it.
type ChainScanner interface {
	Scan(ctx context.Context, wallet common.Address, chain chains.Descriptor, now time.Time) ([]approval.Finding, approval.ScanStats, error)
}

// CompletionHook observes every finished audit. Hooks run synchronously on
// the request path and must not modify the result.
type CompletionHook func(ctx context.Context, res *Result)

// Default timeouts.
const (
	DefaultTimeout      = 60 * time.Second
	DefaultChainTimeout = 45 * time.Second
)

// Option configures an Auditor.
type Option func(*Auditor)

// WithTimeout bounds a whole audit.
func WithTimeout(d time.Duration) Option {
	return func(a *Auditor) { a.timeout = d }
}

// WithChainTimeout bounds a single chain scan.
func WithChainTimeout(d time.Duration) Option {
	return func(a *Auditor) { a.chainTimeout = d }
}

// WithBreaker fails chains fast while their circuit is open.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(a *Auditor) { a.breaker = b }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Auditor) { a.now = now }
}

// OnComplete registers a hook called with every finished audit.
func OnComplete(h CompletionHook) Option {
	return func(a *Auditor) { a.hooks = append(a.hooks, h) }
}

// Auditor validates requests, fans scans out across chains and merges the
// outcomes. It holds no per-audit state and is safe for concurrent use.
type Auditor struct {
	registry     *chains.Registry
	scanner      ChainScanner
	timeout      time.Duration
	chainTimeout time.Duration
	breaker      *circuitbreaker.Breaker
	now          func() time.Time
	hooks        []CompletionHook
}

// NewAuditor creates an Auditor over registry and scanner.
func NewAuditor(registry *chains.Registry, scanner ChainScanner, opts ...Option) *Auditor {
	a := &Auditor{
		registry:     registry,
		scanner:      scanner,
		timeout:      DefaultTimeout,
		chainTimeout: DefaultChainTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.chainTimeout > a.timeout {
		a.chainTimeout = a.timeout
	}
	return a
}

// Registry returns the chain registry the auditor validates against.
func (a *Auditor) Registry() *chains.Registry { return a.registry }

// Validate checks req as a whole. It returns the parsed wallet and the
// requested chains in order with duplicates removed.
func (a *Auditor) Validate(req Request) (common.Address, []chains.Descriptor, error) {
	if errs := validation.Validate(
		validation.Required("wallet", req.Wallet),
		validation.ValidAddress("wallet", req.Wallet),
		validation.NonEmptyChains("chains", req.Chains),
	); len(errs) > 0 {
		return common.Address{}, nil, &RequestError{Field: errs[0].Field, Message: errs[0].Message}
	}

	seen := make(map[int64]bool, len(req.Chains))
	descs := make([]chains.Descriptor, 0, len(req.Chains))
	for _, id := range req.Chains {
		if seen[id] {
			continue
		}
		seen[id] = true
		d, err := a.registry.Resolve(id)
		if err != nil {
			return common.Address{}, nil, &RequestError{
				Field:   "chains",
				Message: fmt.Sprintf("chain %d not supported (supported: %v)", id, a.registry.IDs()),
			}
		}
		descs = append(descs, d)
	}
	return common.HexToAddress(req.Wallet), descs, nil
}

type chainOutcome struct {
	findings []approval.Finding
	reason   string // empty on success
}

// Audit scans every requested chain concurrently and merges the results in
// request order. A chain that fails or misses the deadline is listed in
// ChainsFailed; the audit itself only fails on an invalid request.
func (a *Auditor) Audit(ctx context.Context, req Request) (*Result, error) {
	wallet, descs, err := a.Validate(req)
	if err != nil {
		auditsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	started := time.Now()
	now := a.now().UTC()
	logger := logging.L(ctx).With("wallet", wallet.Hex())

	ctx, span := traces.StartSpan(ctx, "audit", traces.Wallet(wallet.Hex()))
	defer span.End()

	scanCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	outcomes := make([]chainOutcome, len(descs))
	done := make(chan int, len(descs))

	var g errgroup.Group
	for i, d := range descs {
		g.Go(func() error {
			outcomes[i] = a.scanChain(scanCtx, wallet, d, now)
			done <- i
			return nil
		})
	}

	finished := make([]bool, len(descs))
collect:
	for received := 0; received < len(descs); received++ {
		select {
		case i := <-done:
			finished[i] = true
		case <-scanCtx.Done():
			break collect
		}
	}
	go func() {
		_ = g.Wait()
	}()

	res := &Result{
		Wallet:        wallet.Hex(),
		ChainsScanned: []int64{},
		ChainsFailed:  []ChainFailure{},
		Approvals:     []approval.Record{},
		RevokeTxData:  []approval.RevocationTx{},
	}
	for i, d := range descs {
		if !finished[i] {
			res.ChainsFailed = append(res.ChainsFailed, ChainFailure{ChainID: d.ID, ChainName: d.Name, Reason: approval.ReasonTimeout})
			chainScansTotal.WithLabelValues(strconv.FormatInt(d.ID, 10), approval.ReasonTimeout).Inc()
			logger.Warn("chain scan abandoned at audit deadline", "chain_id", d.ID)
			continue
		}
		out := outcomes[i]
		if out.reason != "" {
			res.ChainsFailed = append(res.ChainsFailed, ChainFailure{ChainID: d.ID, ChainName: d.Name, Reason: out.reason})
			continue
		}
		res.ChainsScanned = append(res.ChainsScanned, d.ID)
		for _, f := range out.findings {
			if req.RiskyOnly && !f.Record.Risky() {
				continue
			}
			res.Approvals = append(res.Approvals, f.Record)
			res.RevokeTxData = append(res.RevokeTxData, f.Revocation)
		}
	}
	res.TotalApprovals = len(res.Approvals)
	res.Timestamp = a.now().UTC()

	for flag, n := range res.FlagCounts() {
		flaggedApprovals.WithLabelValues(string(flag)).Add(float64(n))
	}
	outcome := "complete"
	switch {
	case len(res.ChainsScanned) == 0:
		outcome = "failed"
	case len(res.ChainsFailed) > 0:
		outcome = "partial"
	}
	auditsTotal.WithLabelValues(outcome).Inc()
	auditDuration.Observe(time.Since(started).Seconds())
	span.SetAttributes(traces.Approvals(res.TotalApprovals))

	logger.Info("audit complete",
		"outcome", outcome,
		"chains_scanned", len(res.ChainsScanned),
		"chains_failed", len(res.ChainsFailed),
		"approvals", res.TotalApprovals,
		"duration_ms", time.Since(started).Milliseconds(),
	)

	for _, h := range a.hooks {
		h(ctx, res)
	}
	return res, nil
}

// scanChain runs one chain scan under the breaker and the per-chain deadline.
func (a *Auditor) scanChain(ctx context.Context, wallet common.Address, d chains.Descriptor, now time.Time) chainOutcome {
	label := strconv.FormatInt(d.ID, 10)
	logger := logging.Chain(ctx, d.ID, d.Name)

	if a.breaker != nil && !a.breaker.Allow(d.ID) {
		chainScansTotal.WithLabelValues(label, approval.ReasonCircuitOpen).Inc()
		logger.Warn("chain skipped, circuit open")
		return chainOutcome{reason: approval.ReasonCircuitOpen}
	}

	cctx, cancel := context.WithTimeout(ctx, a.chainTimeout)
	defer cancel()
	cctx, span := traces.StartSpan(cctx, "chain.scan", traces.ChainID(d.ID), traces.ChainName(d.Name))

	start := time.Now()
	findings, _, err := a.scanner.Scan(cctx, wallet, d, now)
	chainScanDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())

	if err != nil {
		reason := approval.ReasonRPC
		var cse *approval.ChainScanError
		if errors.As(err, &cse) && cse.Reason != "" {
			reason = cse.Reason
		}
		if ctx.Err() != nil {
			// The whole audit ran out of time; the chain itself is not to blame.
			reason = approval.ReasonTimeout
			if a.breaker != nil {
				a.breaker.Release(d.ID)
			}
		} else if a.breaker != nil {
			a.breaker.RecordFailure(d.ID)
		}
		span.SetAttributes(traces.FailureReason(reason))
		traces.End(span, err)
		chainScansTotal.WithLabelValues(label, reason).Inc()
		logger.Warn("chain scan failed", "reason", reason, "error", err)
		return chainOutcome{reason: reason}
	}

	if a.breaker != nil {
		a.breaker.RecordSuccess(d.ID)
	}
	span.SetAttributes(traces.Approvals(len(findings)))
	traces.End(span, nil)
	chainScansTotal.WithLabelValues(label, "ok").Inc()
	return chainOutcome{findings: findings}
}
