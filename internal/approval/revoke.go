package approval

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/mbd888/approval-auditor/internal/evm"
)

// ErrBadRecord is returned when a record cannot be turned into a revocation.
var ErrBadRecord = errors.New("approval: record is not revocable")

// BuildRevocation returns the unsigned transaction that cancels rec:
// approve(spender, 0) for ERC20 and setApprovalForAll(operator, false) for
// ERC721. The output depends only on rec.
func BuildRevocation(rec *Record) (RevocationTx, error) {
	if !common.IsHexAddress(rec.TokenAddress) || !common.IsHexAddress(rec.Owner) {
		return RevocationTx{}, fmt.Errorf("%w: bad token or owner address", ErrBadRecord)
	}
	counterparty := rec.Counterparty()
	if !common.IsHexAddress(counterparty) {
		return RevocationTx{}, fmt.Errorf("%w: bad %s counterparty %q", ErrBadRecord, rec.Kind, counterparty)
	}

	var (
		data []byte
		err  error
	)
	switch rec.Kind {
	case KindERC20:
		data, err = evm.PackApprove(common.HexToAddress(counterparty), new(big.Int))
	case KindERC721:
		data, err = evm.PackSetApprovalForAll(common.HexToAddress(counterparty), false)
	default:
		return RevocationTx{}, fmt.Errorf("%w: unknown kind %q", ErrBadRecord, rec.Kind)
	}
	if err != nil {
		return RevocationTx{}, fmt.Errorf("approval: pack revocation: %w", err)
	}

	return RevocationTx{
		To:      common.HexToAddress(rec.TokenAddress).Hex(),
		From:    common.HexToAddress(rec.Owner).Hex(),
		Data:    hexutil.Encode(data),
		Value:   "0",
		ChainID: rec.ChainID,
	}, nil
}
