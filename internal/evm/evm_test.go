package evm_test

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/approval-auditor/internal/chains"
	"github.com/mbd888/approval-auditor/internal/evm"
	"github.com/mbd888/approval-auditor/internal/evm/evmtest"
)

var (
	token   = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	owner   = common.HexToAddress("0xd8dA6BF26964aF9D7eEd9e03E53415D37aA96045")
	spender = common.HexToAddress("0x1111111254EEB25477B68fb85Ed929f73A960582")
)

func TestTopics(t *testing.T) {
	assert.Equal(t, "0x8c5be1e5ebec7d5bd14f71427d1e84f3dd0314c0f7b2291e5b200ac8c7c3b925", evm.ApprovalTopic.Hex())
	assert.Equal(t, "0x17307eab39ab6107e8899845ad3d59bd9653f200f220920489ca2b5937696c31", evm.ApprovalForAllTopic.Hex())
	assert.Equal(t, "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef", evm.TransferTopic.Hex())
}

func TestPackSelectors(t *testing.T) {
	data, err := evm.PackAllowance(owner, spender)
	require.NoError(t, err)
	assert.Equal(t, "0xdd62ed3e", hexutil.Encode(data[:4]))
	assert.Len(t, data, 68)

	data, err = evm.PackApprove(spender, big.NewInt(0))
	require.NoError(t, err)
	assert.Equal(t, "0x095ea7b3", hexutil.Encode(data[:4]))

	data, err = evm.PackSetApprovalForAll(spender, false)
	require.NoError(t, err)
	assert.Equal(t, "0xa22cb465", hexutil.Encode(data[:4]))

	data, err = evm.PackIsApprovedForAll(owner, spender)
	require.NoError(t, err)
	assert.Equal(t, "0xe985e9c5", hexutil.Encode(data[:4]))
}

func TestUnpack(t *testing.T) {
	v, err := evm.UnpackAllowance(common.LeftPadBytes(big.NewInt(42).Bytes(), 32))
	require.NoError(t, err)
	assert.Equal(t, int64(42), v.Int64())

	_, err = evm.UnpackAllowance(nil)
	assert.ErrorIs(t, err, evm.ErrEmptyReturn)

	_, err = evm.UnpackAllowance([]byte{1, 2})
	assert.Error(t, err)

	ok, err := evm.UnpackIsApprovedForAll(common.LeftPadBytes([]byte{1}, 32))
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = evm.UnpackIsApprovedForAll(nil)
	assert.ErrorIs(t, err, evm.ErrEmptyReturn)
}

func TestDecodeLog(t *testing.T) {
	erc20 := evmtest.ApprovalLog(token, owner, spender, big.NewInt(500), 10, 3)
	ev, err := evm.DecodeLog(erc20)
	require.NoError(t, err)
	assert.Equal(t, evm.EventApproval, ev.Kind)
	assert.Equal(t, token, ev.Token)
	assert.Equal(t, owner, ev.Owner)
	assert.Equal(t, spender, ev.Counterparty)
	assert.Equal(t, int64(500), ev.Value.Int64())
	assert.Equal(t, uint64(10), ev.BlockNumber)
	assert.Equal(t, uint(3), ev.LogIndex)

	op := evmtest.ApprovalForAllLog(token, owner, spender, true, 11, 0)
	ev, err = evm.DecodeLog(op)
	require.NoError(t, err)
	assert.Equal(t, evm.EventApprovalForAll, ev.Kind)
	assert.True(t, ev.Approved)
}

func TestDecodeLog_Rejects(t *testing.T) {
	nft := evmtest.ApprovalLog(token, owner, spender, big.NewInt(1), 1, 0)
	nft.Topics = append(nft.Topics, common.BigToHash(big.NewInt(7)))
	nft.Data = nil

	short := evmtest.ApprovalLog(token, owner, spender, big.NewInt(1), 1, 0)
	short.Data = short.Data[:16]

	badBool := evmtest.ApprovalForAllLog(token, owner, spender, true, 1, 0)
	badBool.Data[31] = 2

	removed := evmtest.ApprovalLog(token, owner, spender, big.NewInt(1), 1, 0)
	removed.Removed = true

	tests := []struct {
		name string
		log  types.Log
		want error
	}{
		{"erc721 single token approval", nft, evm.ErrUnknownEvent},
		{"short data", short, evm.ErrMalformedLog},
		{"non canonical bool", badBool, evm.ErrMalformedLog},
		{"removed", removed, evm.ErrRemovedLog},
		{"no topics", types.Log{}, evm.ErrUnknownEvent},
		{"other event", types.Log{Topics: []common.Hash{evm.TransferTopic}}, evm.ErrUnknownEvent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := evm.DecodeLog(tt.log)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestEventBefore(t *testing.T) {
	a := evm.Event{BlockNumber: 5, LogIndex: 9}
	b := evm.Event{BlockNumber: 6, LogIndex: 0}
	c := evm.Event{BlockNumber: 6, LogIndex: 1}
	assert.True(t, a.Before(b))
	assert.True(t, b.Before(c))
	assert.False(t, c.Before(b))
	assert.False(t, b.Before(b))
}

func TestErrorClassifiers(t *testing.T) {
	assert.True(t, evm.IsRangeTooLarge(errors.New("query returned more than 10000 results")))
	assert.True(t, evm.IsRangeTooLarge(errors.New("Log response size exceeded. You can make eth_getLogs requests with up to a 2K block range")))
	assert.False(t, evm.IsRangeTooLarge(errors.New("rate limit exceeded")))
	assert.False(t, evm.IsRangeTooLarge(nil))

	assert.True(t, evm.IsExecutionReverted(errors.New("execution reverted")))
	assert.False(t, evm.IsExecutionReverted(errors.New("connection refused")))

	assert.Equal(t, "ok", evm.ClassifyRPCError(nil))
	assert.Equal(t, "timeout", evm.ClassifyRPCError(context.DeadlineExceeded))
	assert.Equal(t, "rate_limited", evm.ClassifyRPCError(errors.New("429 Too Many Requests")))
	assert.Equal(t, "network_error", evm.ClassifyRPCError(errors.New("dial tcp: connection refused")))
	assert.Equal(t, "reverted", evm.ClassifyRPCError(errors.New("execution reverted")))
}

func TestPool_DialsOncePerChain(t *testing.T) {
	reg, err := chains.NewRegistry([]chains.Descriptor{
		{ID: 1, Name: "Ethereum", RPCURL: "https://eth.test"},
	})
	require.NoError(t, err)

	fake := evmtest.NewChain(100)
	dials := 0
	dialer := func(ctx context.Context, url string) (evm.Client, error) {
		dials++
		return evmtest.Dialer(map[string]*evmtest.Chain{"https://eth.test": fake})(ctx, url)
	}

	pool := evm.NewPool(reg, evm.PoolConfig{}, evm.WithDialer(dialer))
	c1, err := pool.Client(context.Background(), 1)
	require.NoError(t, err)
	c2, err := pool.Client(context.Background(), 1)
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.Equal(t, 1, dials)

	head, err := c1.BlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(100), head)

	_, err = pool.Client(context.Background(), 56)
	assert.ErrorIs(t, err, chains.ErrUnknownChain)

	pool.Close()
	assert.True(t, fake.Closed())
}

func TestPool_ConcurrentFirstUseDialsOnce(t *testing.T) {
	reg, err := chains.NewRegistry([]chains.Descriptor{
		{ID: 1, Name: "Ethereum", RPCURL: "https://eth.test"},
		{ID: 137, Name: "Polygon", RPCURL: "https://polygon.test"},
	})
	require.NoError(t, err)

	fakes := map[string]*evmtest.Chain{
		"https://eth.test":     evmtest.NewChain(100),
		"https://polygon.test": evmtest.NewChain(200),
	}
	var dials atomic.Int32
	dialer := func(ctx context.Context, url string) (evm.Client, error) {
		dials.Add(1)
		time.Sleep(10 * time.Millisecond)
		return evmtest.Dialer(fakes)(ctx, url)
	}
	pool := evm.NewPool(reg, evm.PoolConfig{}, evm.WithDialer(dialer))
	defer pool.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		for _, id := range []int64{1, 137} {
			wg.Add(1)
			go func(id int64) {
				defer wg.Done()
				_, err := pool.Client(context.Background(), id)
				assert.NoError(t, err)
			}(id)
		}
	}
	wg.Wait()
	assert.Equal(t, int32(2), dials.Load())
}

func TestInstrument_RateLimitHonoursContext(t *testing.T) {
	fake := evmtest.NewChain(1)
	c := evm.Instrument(fake, 1, 0.001, 1)

	_, err := c.BlockNumber(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.FilterLogs(ctx, ethereum.FilterQuery{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, fake.Calls("FilterLogs"))
}
