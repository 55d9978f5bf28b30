// Package evm wraps go-ethereum for the read-only calls an approval audit
// needs: head block, headers, log filters and view calls.
package evm

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"github.com/mbd888/approval-auditor/internal/chains"
	"github.com/mbd888/approval-auditor/internal/syncutil"
)

// Client is the subset of ethclient.Client used by the auditor.
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

var _ Client = (*ethclient.Client)(nil)

// Dialer opens a Client for an RPC URL.
type Dialer func(ctx context.Context, rawURL string) (Client, error)

// DialEth dials a go-ethereum client.
func DialEth(ctx context.Context, rawURL string) (Client, error) {
	c, err := ethclient.DialContext(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// instrumentedClient rate-limits and measures every call to an inner Client.
type instrumentedClient struct {
	inner   Client
	limiter *rate.Limiter // nil = unlimited
	chain   string
}

// Instrument wraps c with a token-bucket limiter of rps/burst and RPC metrics.
// rps <= 0 disables limiting.
func Instrument(c Client, chainID int64, rps float64, burst int) Client {
	ic := &instrumentedClient{inner: c, chain: strconv.FormatInt(chainID, 10)}
	if rps > 0 {
		if burst < 1 {
			burst = 1
		}
		ic.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return ic
}

func (c *instrumentedClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	r := c.limiter.Reserve()
	if !r.OK() {
		return fmt.Errorf("evm: rate limiter cannot reserve token")
	}
	delay := r.Delay()
	if delay <= 0 {
		return nil
	}
	rpcRateLimitWaits.WithLabelValues(c.chain).Inc()
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

func (c *instrumentedClient) observe(method string, start time.Time, err error) {
	rpcCallDuration.WithLabelValues(c.chain, method).Observe(time.Since(start).Seconds())
	rpcCallsTotal.WithLabelValues(c.chain, method, ClassifyRPCError(err)).Inc()
}

func (c *instrumentedClient) BlockNumber(ctx context.Context) (n uint64, err error) {
	if err = c.wait(ctx); err != nil {
		return 0, err
	}
	defer func(start time.Time) { c.observe("eth_blockNumber", start, err) }(time.Now())
	return c.inner.BlockNumber(ctx)
}

func (c *instrumentedClient) HeaderByNumber(ctx context.Context, number *big.Int) (h *types.Header, err error) {
	if err = c.wait(ctx); err != nil {
		return nil, err
	}
	defer func(start time.Time) { c.observe("eth_getBlockByNumber", start, err) }(time.Now())
	return c.inner.HeaderByNumber(ctx, number)
}

func (c *instrumentedClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) (logs []types.Log, err error) {
	if err = c.wait(ctx); err != nil {
		return nil, err
	}
	defer func(start time.Time) { c.observe("eth_getLogs", start, err) }(time.Now())
	return c.inner.FilterLogs(ctx, q)
}

func (c *instrumentedClient) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) (out []byte, err error) {
	if err = c.wait(ctx); err != nil {
		return nil, err
	}
	defer func(start time.Time) { c.observe("eth_call", start, err) }(time.Now())
	return c.inner.CallContract(ctx, call, blockNumber)
}

func (c *instrumentedClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (r *types.Receipt, err error) {
	if err = c.wait(ctx); err != nil {
		return nil, err
	}
	defer func(start time.Time) { c.observe("eth_getTransactionReceipt", start, err) }(time.Now())
	return c.inner.TransactionReceipt(ctx, txHash)
}

func (c *instrumentedClient) Close() { c.inner.Close() }

// PoolConfig controls per-chain client limits.
type PoolConfig struct {
	RateLimit float64 // requests per second per chain, 0 = unlimited
	Burst     int
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithDialer replaces the go-ethereum dialer, mostly for tests.
func WithDialer(d Dialer) PoolOption {
	return func(p *Pool) { p.dial = d }
}

// Pool holds one long-lived client per chain, dialed on first use.
// Clients are shared across concurrent audits.
type Pool struct {
	registry *chains.Registry
	cfg      PoolConfig
	dial     Dialer

	mu      sync.Mutex
	clients map[int64]Client
	dialing syncutil.KeyedMutex[int64]
}

// NewPool creates a pool over the chains in registry.
func NewPool(registry *chains.Registry, cfg PoolConfig, opts ...PoolOption) *Pool {
	p := &Pool{
		registry: registry,
		cfg:      cfg,
		dial:     DialEth,
		clients:  make(map[int64]Client),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Client returns the client for chainID, dialing it if needed. A slow dial
// only blocks callers of the same chain.
func (p *Pool) Client(ctx context.Context, chainID int64) (Client, error) {
	if c, ok := p.cached(chainID); ok {
		return c, nil
	}

	d, err := p.registry.Resolve(chainID)
	if err != nil {
		return nil, err
	}

	unlock, err := p.dialing.LockContext(ctx, chainID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if c, ok := p.cached(chainID); ok {
		return c, nil
	}
	raw, err := p.dial(ctx, d.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("evm: dial chain %d: %w", chainID, err)
	}
	c := Instrument(raw, chainID, p.cfg.RateLimit, p.cfg.Burst)

	p.mu.Lock()
	p.clients[chainID] = c
	p.mu.Unlock()
	return c, nil
}

func (p *Pool) cached(chainID int64) (Client, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.clients[chainID]
	return c, ok
}

// Close closes every dialed client.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, c := range p.clients {
		c.Close()
		delete(p.clients, id)
	}
}
