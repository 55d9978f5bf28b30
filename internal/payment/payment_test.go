package payment

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/approval-auditor/internal/evm/evmtest"
)

var (
	usdc  = common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	payTo = common.HexToAddress("0x01D11F7e1a46AbFC6092d7be484895D2d505095c")
	payer = common.HexToAddress("0x1234567890123456789012345678901234567890")
)

func TestParseUSDC(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"0.05", 50_000, false},
		{"1", 1_000_000, false},
		{"1.5", 1_500_000, false},
		{".25", 250_000, false},
		{"0.000001", 1, false},
		{"0.0000001", 0, true},
		{"", 0, true},
		{"-1", 0, true},
		{"1.2.3", 0, true},
		{"abc", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseUSDC(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Int64())
		})
	}
}

func TestFormatUSDC(t *testing.T) {
	assert.Equal(t, "0", FormatUSDC(nil))
	assert.Equal(t, "2", FormatUSDC(big.NewInt(2_000_000)))
	assert.Equal(t, "0.05", FormatUSDC(big.NewInt(50_000)))
	assert.Equal(t, "1.000001", FormatUSDC(big.NewInt(1_000_001)))
}

func TestNewVerifier_RejectsBadAddresses(t *testing.T) {
	_, err := NewVerifier(evmtest.NewChain(1), "nope", payTo.Hex())
	assert.ErrorIs(t, err, ErrInvalidAddress)
	_, err = NewVerifier(evmtest.NewChain(1), usdc.Hex(), "")
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestVerifyPayment(t *testing.T) {
	chain := evmtest.NewChain(100)
	v, err := NewVerifier(chain, usdc.Hex(), payTo.Hex())
	require.NoError(t, err)
	assert.Equal(t, payTo.Hex(), v.Address())

	hash := func(n int64) common.Hash { return common.BigToHash(big.NewInt(n)) }
	receipt := func(status uint64, logs ...*types.Log) *types.Receipt {
		return &types.Receipt{Status: status, Logs: logs}
	}
	other := common.HexToAddress("0x00000000000000000000000000000000000000ff")

	chain.SetReceipt(hash(1), receipt(types.ReceiptStatusSuccessful, evmtest.TransferLog(usdc, payer, payTo, big.NewInt(50_000))))
	chain.SetReceipt(hash(2), receipt(types.ReceiptStatusSuccessful, evmtest.TransferLog(usdc, payer, payTo, big.NewInt(49_999))))
	chain.SetReceipt(hash(3), receipt(types.ReceiptStatusFailed, evmtest.TransferLog(usdc, payer, payTo, big.NewInt(50_000))))
	chain.SetReceipt(hash(4), receipt(types.ReceiptStatusSuccessful, evmtest.TransferLog(other, payer, payTo, big.NewInt(50_000))))
	chain.SetReceipt(hash(5), receipt(types.ReceiptStatusSuccessful, evmtest.TransferLog(usdc, payer, other, big.NewInt(50_000))))
	chain.SetReceipt(hash(6), receipt(types.ReceiptStatusSuccessful,
		evmtest.TransferLog(usdc, other, payTo, big.NewInt(1)),
		evmtest.TransferLog(usdc, payer, payTo, big.NewInt(1_000_000)),
	))

	tests := []struct {
		name string
		tx   common.Hash
		want bool
	}{
		{"exact amount", hash(1), true},
		{"underpaid", hash(2), false},
		{"reverted tx", hash(3), false},
		{"wrong token", hash(4), false},
		{"wrong recipient", hash(5), false},
		{"second log matches", hash(6), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := v.VerifyPayment(context.Background(), payer.Hex(), "0.05", tt.tx.Hex())
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}

	t.Run("unknown tx", func(t *testing.T) {
		_, err := v.VerifyPayment(context.Background(), payer.Hex(), "0.05", hash(99).Hex())
		assert.Error(t, err)
	})

	t.Run("bad amount", func(t *testing.T) {
		_, err := v.VerifyPayment(context.Background(), payer.Hex(), "lots", hash(1).Hex())
		assert.True(t, errors.Is(err, ErrInvalidAmount))
	})
}
