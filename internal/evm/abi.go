package evm

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Minimal ABIs covering the approval surface of ERC-20 and ERC-721/1155.
const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"owner","type":"address"},{"indexed":true,"name":"spender","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Approval","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

const erc721ABI = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"operator","type":"address"}],"name":"isApprovedForAll","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"operator","type":"address"},{"name":"approved","type":"bool"}],"name":"setApprovalForAll","outputs":[],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"owner","type":"address"},{"indexed":true,"name":"operator","type":"address"},{"indexed":false,"name":"approved","type":"bool"}],"name":"ApprovalForAll","type":"event"}
]`

var (
	erc20  = mustParseABI(erc20ABI)
	erc721 = mustParseABI(erc721ABI)
)

// Event topics.
var (
	ApprovalTopic       = erc20.Events["Approval"].ID
	TransferTopic       = erc20.Events["Transfer"].ID
	ApprovalForAllTopic = erc721.Events["ApprovalForAll"].ID
)

// ErrEmptyReturn is returned when a view call produced no data, typically
// because the target has no code or does not implement the function.
var ErrEmptyReturn = errors.New("evm: empty return data")

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("evm: parse abi: %v", err))
	}
	return parsed
}

// PackAllowance encodes allowance(owner, spender).
func PackAllowance(owner, spender common.Address) ([]byte, error) {
	return erc20.Pack("allowance", owner, spender)
}

// UnpackAllowance decodes the uint256 returned by allowance.
func UnpackAllowance(data []byte) (*big.Int, error) {
	if len(data) == 0 {
		return nil, ErrEmptyReturn
	}
	out, err := erc20.Unpack("allowance", data)
	if err != nil {
		return nil, fmt.Errorf("evm: unpack allowance: %w", err)
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("evm: unpack allowance: unexpected type %T", out[0])
	}
	return v, nil
}

// PackIsApprovedForAll encodes isApprovedForAll(owner, operator).
func PackIsApprovedForAll(owner, operator common.Address) ([]byte, error) {
	return erc721.Pack("isApprovedForAll", owner, operator)
}

// UnpackIsApprovedForAll decodes the bool returned by isApprovedForAll.
func UnpackIsApprovedForAll(data []byte) (bool, error) {
	if len(data) == 0 {
		return false, ErrEmptyReturn
	}
	out, err := erc721.Unpack("isApprovedForAll", data)
	if err != nil {
		return false, fmt.Errorf("evm: unpack isApprovedForAll: %w", err)
	}
	v, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("evm: unpack isApprovedForAll: unexpected type %T", out[0])
	}
	return v, nil
}

// PackApprove encodes approve(spender, amount).
func PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	return erc20.Pack("approve", spender, amount)
}

// PackSetApprovalForAll encodes setApprovalForAll(operator, approved).
func PackSetApprovalForAll(operator common.Address, approved bool) ([]byte, error) {
	return erc721.Pack("setApprovalForAll", operator, approved)
}
