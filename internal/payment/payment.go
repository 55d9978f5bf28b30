// Package payment verifies on-chain USDC payments to the service address.
package payment

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/mbd888/approval-auditor/internal/evm"
)

// USDCDecimals is the number of decimals of USDC.
const USDCDecimals = 6

var (
	ErrInvalidAmount  = errors.New("payment: invalid amount")
	ErrInvalidAddress = errors.New("payment: invalid address")
)

// ReceiptSource is the part of an EVM client the verifier needs.
type ReceiptSource interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Verifier checks that a transaction moved at least a minimum USDC amount
// from a payer to the configured recipient.
type Verifier struct {
	client ReceiptSource
	usdc   common.Address
	payTo  common.Address
}

// NewVerifier creates a verifier for payments of the usdc token to payTo.
func NewVerifier(client ReceiptSource, usdc, payTo string) (*Verifier, error) {
	if !common.IsHexAddress(usdc) {
		return nil, fmt.Errorf("%w: usdc contract %q", ErrInvalidAddress, usdc)
	}
	if !common.IsHexAddress(payTo) {
		return nil, fmt.Errorf("%w: payment address %q", ErrInvalidAddress, payTo)
	}
	return &Verifier{
		client: client,
		usdc:   common.HexToAddress(usdc),
		payTo:  common.HexToAddress(payTo),
	}, nil
}

// Address returns the checksummed recipient address.
func (v *Verifier) Address() string {
	return v.payTo.Hex()
}

// Asset returns the checksummed USDC contract address.
func (v *Verifier) Asset() string {
	return v.usdc.Hex()
}

// VerifyPayment reports whether txHash succeeded and contains a USDC
// Transfer from from to the recipient of at least minAmount. A reverted
// transaction or a missing transfer is (false, nil); RPC failures are errors.
func (v *Verifier) VerifyPayment(ctx context.Context, from string, minAmount string, txHash string) (bool, error) {
	if !common.IsHexAddress(from) {
		return false, fmt.Errorf("%w: sender %q", ErrInvalidAddress, from)
	}
	fromAddr := common.HexToAddress(from)
	minAmountRaw, err := ParseUSDC(minAmount)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}

	receipt, err := v.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		return false, fmt.Errorf("failed to get receipt: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return false, nil
	}

	for _, log := range receipt.Logs {
		if log.Address != v.usdc || len(log.Topics) != 3 || log.Topics[0] != evm.TransferTopic {
			continue
		}
		if len(log.Data) != 32 {
			continue
		}
		eventFrom := common.BytesToAddress(log.Topics[1].Bytes())
		eventTo := common.BytesToAddress(log.Topics[2].Bytes())
		eventAmount := new(big.Int).SetBytes(log.Data)

		if eventFrom == fromAddr && eventTo == v.payTo && eventAmount.Cmp(minAmountRaw) >= 0 {
			return true, nil
		}
	}
	return false, nil
}

// FormatUSDC converts a raw USDC amount to a decimal string.
func FormatUSDC(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(USDCDecimals), nil)
	whole := new(big.Int).Div(amount, divisor)
	remainder := new(big.Int).Mod(amount, divisor)
	if remainder.Sign() == 0 {
		return whole.String()
	}
	return strings.TrimRight(fmt.Sprintf("%s.%06d", whole.String(), remainder.Int64()), "0")
}

// ParseUSDC converts a decimal USDC string such as "0.05" to its raw amount.
func ParseUSDC(amount string) (*big.Int, error) {
	if amount == "" {
		return nil, fmt.Errorf("empty amount")
	}

	parts := strings.Split(amount, ".")
	var whole, decimal string
	switch len(parts) {
	case 1:
		whole = parts[0]
	case 2:
		whole, decimal = parts[0], parts[1]
	default:
		return nil, fmt.Errorf("invalid amount format")
	}
	if whole == "" {
		whole = "0"
	}

	wholeBig, ok := new(big.Int).SetString(whole, 10)
	if !ok {
		return nil, fmt.Errorf("invalid whole number")
	}
	if wholeBig.Sign() < 0 || strings.HasPrefix(whole, "-") {
		return nil, fmt.Errorf("negative amounts not allowed")
	}

	multiplier := new(big.Int).Exp(big.NewInt(10), big.NewInt(USDCDecimals), nil)
	result := new(big.Int).Mul(wholeBig, multiplier)

	if decimal != "" {
		if len(decimal) > USDCDecimals {
			return nil, fmt.Errorf("too many decimal places (max %d)", USDCDecimals)
		}
		decimal += strings.Repeat("0", USDCDecimals-len(decimal))
		decBig, ok := new(big.Int).SetString(decimal, 10)
		if !ok || decBig.Sign() < 0 {
			return nil, fmt.Errorf("invalid decimal part")
		}
		result.Add(result, decBig)
	}
	return result, nil
}
