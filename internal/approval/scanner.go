package approval

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/approval-auditor/internal/chains"
	"github.com/mbd888/approval-auditor/internal/evm"
	"github.com/mbd888/approval-auditor/internal/logging"
	"github.com/mbd888/approval-auditor/internal/retry"
)

// Failure reasons reported for a chain. Raw provider errors never leave the
// scanner through these.
const (
	ReasonRPC         = "rpc_error"
	ReasonTimeout     = "timeout"
	ReasonCircuitOpen = "circuit_open"
)

// ChainScanError reports that a chain could not be scanned.
type ChainScanError struct {
	ChainID int64
	Reason  string
	Err     error
}

func (e *ChainScanError) Error() string {
	return fmt.Sprintf("approval: scan chain %d failed (%s): %v", e.ChainID, e.Reason, e.Err)
}

func (e *ChainScanError) Unwrap() error { return e.Err }

// ClientSource hands out an RPC client per chain. *evm.Pool satisfies it.
type ClientSource interface {
	Client(ctx context.Context, chainID int64) (evm.Client, error)
}

// ScannerConfig tunes log retrieval and RPC retries.
type ScannerConfig struct {
	FromBlock     uint64 // first block to scan, 0 = genesis
	ChunkSize     uint64 // max blocks per eth_getLogs
	Retry         retry.Policy
	LiveCheckConc int // parallel allowance queries per chain
}

// DefaultScannerConfig returns the defaults used by the server.
func DefaultScannerConfig() ScannerConfig {
	return ScannerConfig{
		ChunkSize:     500_000,
		Retry:         retry.Policy{MaxAttempts: 3, BaseDelay: 250 * time.Millisecond, MaxDelay: 4 * time.Second},
		LiveCheckConc: 8,
	}
}

// ScanStats summarizes one chain scan.
type ScanStats struct {
	Head         uint64
	FromBlock    uint64
	Chunks       int
	Logs         int
	Dropped      int
	Candidates   int
	Revoked      int
	Unverifiable int
}

// Scanner finds live approvals for a wallet on one chain.
// It is safe for concurrent use.
type Scanner struct {
	clients ClientSource
	cfg     ScannerConfig
}

// NewScanner creates a Scanner.
func NewScanner(clients ClientSource, cfg ScannerConfig) *Scanner {
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = DefaultScannerConfig().ChunkSize
	}
	if cfg.LiveCheckConc <= 0 {
		cfg.LiveCheckConc = 1
	}
	return &Scanner{clients: clients, cfg: cfg}
}

type grantKey struct {
	kind         evm.EventKind
	token        common.Address
	counterparty common.Address
}

// Scan returns every live approval granted by wallet on chain, each flagged
// and paired with its revocation, ordered by the position of the event that
// last set it. now is the audit instant used for ages.
func (s *Scanner) Scan(ctx context.Context, wallet common.Address, chain chains.Descriptor, now time.Time) ([]Finding, ScanStats, error) {
	var stats ScanStats
	log := logging.Chain(ctx, chain.ID, chain.Name)
	label := strconv.FormatInt(chain.ID, 10)

	fail := func(err error) ([]Finding, ScanStats, error) {
		reason := ReasonRPC
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			reason = ReasonTimeout
		}
		return nil, stats, &ChainScanError{ChainID: chain.ID, Reason: reason, Err: err}
	}

	client, err := s.clients.Client(ctx, chain.ID)
	if err != nil {
		return fail(err)
	}

	var head uint64
	err = s.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		var err error
		head, err = client.BlockNumber(ctx)
		return err
	})
	if err != nil {
		return fail(fmt.Errorf("head block: %w", err))
	}
	stats.Head = head
	stats.FromBlock = s.cfg.FromBlock

	var logs []evmLog
	if s.cfg.FromBlock <= head {
		logs, err = s.fetchLogs(ctx, client, wallet, s.cfg.FromBlock, head, label, &stats)
		if err != nil {
			return fail(err)
		}
	}
	stats.Logs = len(logs)

	latest := make(map[grantKey]evm.Event)
	for _, l := range logs {
		ev := l.event
		if l.err != nil {
			stats.Dropped++
			droppedLogs.WithLabelValues(label, dropReason(l.err)).Inc()
			continue
		}
		if ev.Owner != wallet {
			stats.Dropped++
			droppedLogs.WithLabelValues(label, "foreign_owner").Inc()
			continue
		}
		k := grantKey{kind: ev.Kind, token: ev.Token, counterparty: ev.Counterparty}
		if prev, ok := latest[k]; !ok || prev.Before(ev) {
			latest[k] = ev
		}
	}

	candidates := make([]evm.Event, 0, len(latest))
	for _, ev := range latest {
		candidates = append(candidates, ev)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Before(candidates[j]) })
	stats.Candidates = len(candidates)

	findings, err := s.reconcile(ctx, client, wallet, chain, head, now, candidates, label, &stats)
	if err != nil {
		return fail(err)
	}

	log.Info("chain scanned",
		"wallet", wallet.Hex(),
		"head", head,
		"chunks", stats.Chunks,
		"logs", stats.Logs,
		"dropped", stats.Dropped,
		"revoked", stats.Revoked,
		"unverifiable", stats.Unverifiable,
		"approvals", len(findings),
	)
	return findings, stats, nil
}

type evmLog struct {
	event evm.Event
	err   error
}

// fetchLogs covers [from, to] with eth_getLogs calls of at most ChunkSize
// blocks, halving the chunk whenever the provider refuses a range.
func (s *Scanner) fetchLogs(ctx context.Context, client evm.Client, wallet common.Address, from, to uint64, label string, stats *ScanStats) ([]evmLog, error) {
	topics := [][]common.Hash{
		{evm.ApprovalTopic, evm.ApprovalForAllTopic},
		{evm.AddressTopic(wallet)},
	}

	var out []evmLog
	chunk := s.cfg.ChunkSize
	start := from
	for {
		end := to
		if to-start >= chunk {
			end = start + chunk - 1
		}

		q := ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(end),
			Topics:    topics,
		}

		var raw []types.Log
		err := s.cfg.Retry.Do(ctx, func(ctx context.Context) error {
			logs, err := client.FilterLogs(ctx, q)
			if err != nil {
				if evm.IsRangeTooLarge(err) {
					return retry.Permanent(err)
				}
				return err
			}
			raw = logs
			return nil
		})
		if err != nil {
			if evm.IsRangeTooLarge(err) && end > start {
				logChunks.WithLabelValues(label, "split").Inc()
				chunk = (end - start + 1) / 2
				continue
			}
			return nil, fmt.Errorf("logs %d-%d: %w", start, end, err)
		}

		logChunks.WithLabelValues(label, "ok").Inc()
		stats.Chunks++
		for _, l := range raw {
			ev, derr := evm.DecodeLog(l)
			out = append(out, evmLog{event: ev, err: derr})
		}

		if end == to {
			return out, nil
		}
		start = end + 1
	}
}

// reconcile re-reads each candidate's live state at head and keeps only the
// ones still in force.
func (s *Scanner) reconcile(ctx context.Context, client evm.Client, wallet common.Address, chain chains.Descriptor,
	head uint64, now time.Time, candidates []evm.Event, label string, stats *ScanStats) ([]Finding, error) {

	results := make([]*Finding, len(candidates))
	outcomes := make([]string, len(candidates))
	headNum := new(big.Int).SetUint64(head)
	times := &blockTimes{client: client, retry: s.cfg.Retry, cache: make(map[uint64]int64)}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.LiveCheckConc)
	for i, ev := range candidates {
		g.Go(func() error {
			grant, outcome, err := s.liveGrant(gctx, client, wallet, ev, headNum)
			if err != nil {
				return err
			}
			outcomes[i] = outcome
			if outcome != "live" {
				return nil
			}

			ts, err := times.get(gctx, ev.BlockNumber)
			if err != nil {
				return fmt.Errorf("block %d header: %w", ev.BlockNumber, err)
			}

			rec := newRecord(ev, wallet, chain, grant, ts, now)
			revoke, err := BuildRevocation(&rec)
			if err != nil {
				return err
			}
			results[i] = &Finding{Record: rec, Revocation: revoke}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	findings := make([]Finding, 0, len(candidates))
	for i, f := range results {
		liveChecks.WithLabelValues(label, outcomes[i]).Inc()
		switch outcomes[i] {
		case "revoked":
			stats.Revoked++
		case "unverifiable":
			stats.Unverifiable++
		}
		if f != nil {
			findings = append(findings, *f)
		}
	}
	return findings, nil
}

// liveGrant queries the current allowance or operator flag for ev. The
// outcome is "live", "revoked" or "unverifiable".
func (s *Scanner) liveGrant(ctx context.Context, client evm.Client, wallet common.Address, ev evm.Event, head *big.Int) (Grant, string, error) {
	// A zero or false event value cannot have grown since without a newer event.
	if ev.Kind == evm.EventApproval && ev.Value.Sign() == 0 {
		return Grant{}, "revoked", nil
	}
	if ev.Kind == evm.EventApprovalForAll && !ev.Approved {
		return Grant{}, "revoked", nil
	}

	var data []byte
	var err error
	if ev.Kind == evm.EventApproval {
		data, err = evm.PackAllowance(wallet, ev.Counterparty)
	} else {
		data, err = evm.PackIsApprovedForAll(wallet, ev.Counterparty)
	}
	if err != nil {
		return Grant{}, "", err
	}

	token := ev.Token
	var out []byte
	err = s.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, head)
		if evm.IsExecutionReverted(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		if evm.IsExecutionReverted(err) {
			return Grant{}, "unverifiable", nil
		}
		return Grant{}, "", fmt.Errorf("live state of %s: %w", token.Hex(), err)
	}

	if ev.Kind == evm.EventApproval {
		allowance, err := evm.UnpackAllowance(out)
		if err != nil {
			return Grant{}, "unverifiable", nil
		}
		if allowance.Sign() == 0 {
			return Grant{}, "revoked", nil
		}
		return Grant{Kind: KindERC20, Allowance: allowance}, "live", nil
	}

	approved, err := evm.UnpackIsApprovedForAll(out)
	if err != nil {
		return Grant{}, "unverifiable", nil
	}
	if !approved {
		return Grant{}, "revoked", nil
	}
	return Grant{Kind: KindERC721, Approved: true}, "live", nil
}

func newRecord(ev evm.Event, wallet common.Address, chain chains.Descriptor, g Grant, ts int64, now time.Time) Record {
	age := AgeDays(now, ts)
	rec := Record{
		Kind:         g.Kind,
		TokenAddress: ev.Token.Hex(),
		Owner:        wallet.Hex(),
		BlockNumber:  ev.BlockNumber,
		LogIndex:     ev.LogIndex,
		Timestamp:    ts,
		TxHash:       ev.TxHash.Hex(),
		ExplorerURL:  chain.TxURL(ev.TxHash.Hex()),
		ChainID:      chain.ID,
		ChainName:    chain.Name,
		AgeDays:      age,
		RiskFlags:    Classify(g, age),
	}
	if g.Kind == KindERC20 {
		rec.Spender = ev.Counterparty.Hex()
		rec.Value = ev.Value.String()
		rec.CurrentAllowance = g.Allowance.String()
	} else {
		rec.Operator = ev.Counterparty.Hex()
		rec.Approved = true
	}
	return rec
}

// blockTimes caches header timestamps for the duration of one scan.
type blockTimes struct {
	client evm.Client
	retry  retry.Policy

	mu    sync.Mutex
	cache map[uint64]int64
}

func (b *blockTimes) get(ctx context.Context, n uint64) (int64, error) {
	b.mu.Lock()
	ts, ok := b.cache[n]
	b.mu.Unlock()
	if ok {
		return ts, nil
	}

	err := b.retry.Do(ctx, func(ctx context.Context) error {
		h, err := b.client.HeaderByNumber(ctx, new(big.Int).SetUint64(n))
		if err != nil {
			return err
		}
		ts = int64(h.Time) //nolint:gosec // block timestamps fit in int64
		return nil
	})
	if err != nil {
		return 0, err
	}

	b.mu.Lock()
	b.cache[n] = ts
	b.mu.Unlock()
	return ts, nil
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, evm.ErrRemovedLog):
		return "removed"
	case errors.Is(err, evm.ErrMalformedLog):
		return "malformed"
	default:
		return "unknown_event"
	}
}
