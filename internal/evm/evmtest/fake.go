// Package evmtest provides an in-memory evm.Client for tests.
package evmtest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/mbd888/approval-auditor/internal/evm"
)

// GenesisTime is the timestamp of block 0 on a fake chain. Block n is
// GenesisTime + n*BlockTime unless overridden.
const (
	GenesisTime = 1_600_000_000
	BlockTime   = 12
)

var (
	allowanceSelector        = mustSelector(evm.PackAllowance(common.Address{}, common.Address{}))
	isApprovedForAllSelector = mustSelector(evm.PackIsApprovedForAll(common.Address{}, common.Address{}))
)

func mustSelector(data []byte, err error) []byte {
	if err != nil {
		panic(err)
	}
	return data[:4]
}

type pair struct {
	token, owner, counterparty common.Address
}

// Chain is a scripted chain. Zero value is usable after NewChain.
type Chain struct {
	mu sync.Mutex

	head       uint64
	logs       []types.Log
	blockTimes map[uint64]uint64
	allowances map[pair]*big.Int
	operators  map[pair]bool
	reverting  map[common.Address]bool
	receipts   map[common.Hash]*types.Receipt

	// MaxRange makes FilterLogs reject ranges wider than this many blocks.
	MaxRange uint64
	// Delay stalls every call until it elapses or ctx is done.
	Delay time.Duration
	// Err makes every call fail with this error.
	Err error
	// FailFirst makes the first n calls of a method fail with a transient error.
	FailFirst map[string]int

	calls   map[string]int
	queries []ethereum.FilterQuery
	closed  bool
}

// NewChain creates a chain whose head is head.
func NewChain(head uint64) *Chain {
	return &Chain{
		head:       head,
		blockTimes: make(map[uint64]uint64),
		allowances: make(map[pair]*big.Int),
		operators:  make(map[pair]bool),
		reverting:  make(map[common.Address]bool),
		receipts:   make(map[common.Hash]*types.Receipt),
		FailFirst:  make(map[string]int),
		calls:      make(map[string]int),
	}
}

// BlockTimeAt returns the timestamp of block n.
func (c *Chain) BlockTimeAt(n uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blockTimeLocked(n)
}

func (c *Chain) blockTimeLocked(n uint64) uint64 {
	if t, ok := c.blockTimes[n]; ok {
		return t
	}
	return GenesisTime + n*BlockTime
}

// SetBlockTime pins the timestamp of block n.
func (c *Chain) SetBlockTime(n uint64, t time.Time) {
	c.mu.Lock()
	c.blockTimes[n] = uint64(t.Unix())
	c.mu.Unlock()
}

// AddLog appends a raw log.
func (c *Chain) AddLog(l types.Log) {
	c.mu.Lock()
	c.logs = append(c.logs, l)
	c.mu.Unlock()
}

// Approve emits an ERC-20 Approval log.
func (c *Chain) Approve(token, owner, spender common.Address, value *big.Int, block uint64, index uint) {
	c.AddLog(ApprovalLog(token, owner, spender, value, block, index))
}

// SetApprovalForAll emits an ApprovalForAll log.
func (c *Chain) SetApprovalForAll(token, owner, operator common.Address, approved bool, block uint64, index uint) {
	c.AddLog(ApprovalForAllLog(token, owner, operator, approved, block, index))
}

// SetAllowance sets the live allowance returned by allowance().
func (c *Chain) SetAllowance(token, owner, spender common.Address, value *big.Int) {
	c.mu.Lock()
	c.allowances[pair{token, owner, spender}] = value
	c.mu.Unlock()
}

// SetOperator sets the live value returned by isApprovedForAll().
func (c *Chain) SetOperator(token, owner, operator common.Address, approved bool) {
	c.mu.Lock()
	c.operators[pair{token, owner, operator}] = approved
	c.mu.Unlock()
}

// Revert makes every view call on token revert.
func (c *Chain) Revert(token common.Address) {
	c.mu.Lock()
	c.reverting[token] = true
	c.mu.Unlock()
}

// SetReceipt registers a transaction receipt.
func (c *Chain) SetReceipt(hash common.Hash, r *types.Receipt) {
	c.mu.Lock()
	c.receipts[hash] = r
	c.mu.Unlock()
}

// Calls returns how many times method was invoked.
func (c *Chain) Calls(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[method]
}

// Queries returns every FilterLogs query received.
func (c *Chain) Queries() []ethereum.FilterQuery {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ethereum.FilterQuery, len(c.queries))
	copy(out, c.queries)
	return out
}

// Closed reports whether Close was called.
func (c *Chain) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// enter records a call and applies scripted delays and failures.
func (c *Chain) enter(ctx context.Context, method string) error {
	c.mu.Lock()
	c.calls[method]++
	delay := c.Delay
	err := c.Err
	if err == nil && c.FailFirst[method] > 0 {
		c.FailFirst[method]--
		err = fmt.Errorf("%s: 503 service unavailable", method)
	}
	c.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (c *Chain) BlockNumber(ctx context.Context) (uint64, error) {
	if err := c.enter(ctx, "BlockNumber"); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, nil
}

func (c *Chain) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	if err := c.enter(ctx, "HeaderByNumber"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.head
	if number != nil {
		n = number.Uint64()
	}
	if n > c.head {
		return nil, ethereum.NotFound
	}
	return &types.Header{Number: new(big.Int).SetUint64(n), Time: c.blockTimeLocked(n)}, nil
}

func (c *Chain) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if err := c.enter(ctx, "FilterLogs"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries = append(c.queries, q)

	from := uint64(0)
	if q.FromBlock != nil {
		from = q.FromBlock.Uint64()
	}
	to := c.head
	if q.ToBlock != nil {
		to = q.ToBlock.Uint64()
	}
	if c.MaxRange > 0 && to-from+1 > c.MaxRange {
		return nil, fmt.Errorf("query returned more than 10000 results; block range %d exceeds %d", to-from+1, c.MaxRange)
	}

	var out []types.Log
	for _, l := range c.logs {
		if l.BlockNumber < from || l.BlockNumber > to {
			continue
		}
		if len(q.Addresses) > 0 && !containsAddress(q.Addresses, l.Address) {
			continue
		}
		if !matchTopics(q.Topics, l.Topics) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (c *Chain) CallContract(ctx context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if err := c.enter(ctx, "CallContract"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if call.To == nil || len(call.Data) != 68 {
		return nil, errors.New("execution reverted")
	}
	token := *call.To
	if c.reverting[token] {
		return nil, errors.New("execution reverted")
	}
	owner := common.BytesToAddress(call.Data[4:36])
	counterparty := common.BytesToAddress(call.Data[36:68])
	key := pair{token, owner, counterparty}

	switch {
	case bytes.Equal(call.Data[:4], allowanceSelector):
		v := c.allowances[key]
		if v == nil {
			v = new(big.Int)
		}
		return common.LeftPadBytes(v.Bytes(), 32), nil
	case bytes.Equal(call.Data[:4], isApprovedForAllSelector):
		out := make([]byte, 32)
		if c.operators[key] {
			out[31] = 1
		}
		return out, nil
	}
	return nil, errors.New("execution reverted")
}

func (c *Chain) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if err := c.enter(ctx, "TransactionReceipt"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (c *Chain) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

var _ evm.Client = (*Chain)(nil)

// ApprovalLog builds an ERC-20 Approval log.
func ApprovalLog(token, owner, spender common.Address, value *big.Int, block uint64, index uint) types.Log {
	return types.Log{
		Address:     token,
		Topics:      []common.Hash{evm.ApprovalTopic, evm.AddressTopic(owner), evm.AddressTopic(spender)},
		Data:        common.LeftPadBytes(value.Bytes(), 32),
		BlockNumber: block,
		Index:       index,
		TxHash:      TxHash(block, index),
	}
}

// ApprovalForAllLog builds an ApprovalForAll log.
func ApprovalForAllLog(token, owner, operator common.Address, approved bool, block uint64, index uint) types.Log {
	data := make([]byte, 32)
	if approved {
		data[31] = 1
	}
	return types.Log{
		Address:     token,
		Topics:      []common.Hash{evm.ApprovalForAllTopic, evm.AddressTopic(owner), evm.AddressTopic(operator)},
		Data:        data,
		BlockNumber: block,
		Index:       index,
		TxHash:      TxHash(block, index),
	}
}

// TransferLog builds an ERC-20 Transfer log.
func TransferLog(token, from, to common.Address, value *big.Int) *types.Log {
	return &types.Log{
		Address: token,
		Topics:  []common.Hash{evm.TransferTopic, evm.AddressTopic(from), evm.AddressTopic(to)},
		Data:    common.LeftPadBytes(value.Bytes(), 32),
	}
}

// TxHash derives a deterministic transaction hash for a log position.
func TxHash(block uint64, index uint) common.Hash {
	return common.BigToHash(new(big.Int).SetUint64(block<<20 | uint64(index)))
}

// Dialer returns an evm.Dialer that hands out chains by RPC URL.
func Dialer(byURL map[string]*Chain) evm.Dialer {
	return func(_ context.Context, rawURL string) (evm.Client, error) {
		c, ok := byURL[rawURL]
		if !ok {
			return nil, fmt.Errorf("evmtest: no chain for %s", rawURL)
		}
		return c, nil
	}
}

func containsAddress(list []common.Address, a common.Address) bool {
	for _, x := range list {
		if x == a {
			return true
		}
	}
	return false
}

func matchTopics(filter [][]common.Hash, topics []common.Hash) bool {
	for i, alts := range filter {
		if len(alts) == 0 {
			continue
		}
		if i >= len(topics) {
			return false
		}
		found := false
		for _, h := range alts {
			if h == topics[i] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
