package evm

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Decode errors. Callers drop the log and count the reason.
var (
	ErrUnknownEvent = errors.New("evm: unrecognized event")
	ErrMalformedLog = errors.New("evm: malformed log")
	ErrRemovedLog   = errors.New("evm: log removed by reorg")
)

// EventKind tags which approval event a log decoded to.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventApproval
	EventApprovalForAll
)

// String returns the event name.
func (k EventKind) String() string {
	switch k {
	case EventApproval:
		return "Approval"
	case EventApprovalForAll:
		return "ApprovalForAll"
	default:
		return "unknown"
	}
}

// Event is a decoded approval log.
type Event struct {
	Kind         EventKind
	Token        common.Address
	Owner        common.Address
	Counterparty common.Address // spender for Approval, operator for ApprovalForAll
	Value        *big.Int       // Approval only
	Approved     bool           // ApprovalForAll only

	BlockNumber uint64
	LogIndex    uint
	TxHash      common.Hash
}

// Before reports whether e was emitted strictly before other on chain.
func (e Event) Before(other Event) bool {
	if e.BlockNumber != other.BlockNumber {
		return e.BlockNumber < other.BlockNumber
	}
	return e.LogIndex < other.LogIndex
}

// DecodeLog turns a raw log into an Event.
//
// ERC-20 Approval carries three topics and a 32-byte value. The ERC-721
// single-token Approval shares the topic but indexes its third argument, so
// it arrives with four topics and is reported as ErrUnknownEvent.
func DecodeLog(l types.Log) (Event, error) {
	if l.Removed {
		return Event{}, ErrRemovedLog
	}
	if len(l.Topics) == 0 {
		return Event{}, ErrUnknownEvent
	}

	ev := Event{
		Token:       l.Address,
		BlockNumber: l.BlockNumber,
		LogIndex:    l.Index,
		TxHash:      l.TxHash,
	}

	switch l.Topics[0] {
	case ApprovalTopic:
		if len(l.Topics) == 4 {
			return Event{}, ErrUnknownEvent
		}
		if len(l.Topics) != 3 || len(l.Data) != 32 {
			return Event{}, ErrMalformedLog
		}
		ev.Kind = EventApproval
		ev.Owner = topicAddress(l.Topics[1])
		ev.Counterparty = topicAddress(l.Topics[2])
		ev.Value = new(big.Int).SetBytes(l.Data)
		return ev, nil

	case ApprovalForAllTopic:
		if len(l.Topics) != 3 || len(l.Data) != 32 {
			return Event{}, ErrMalformedLog
		}
		approved, ok := decodeBool(l.Data)
		if !ok {
			return Event{}, ErrMalformedLog
		}
		ev.Kind = EventApprovalForAll
		ev.Owner = topicAddress(l.Topics[1])
		ev.Counterparty = topicAddress(l.Topics[2])
		ev.Approved = approved
		return ev, nil
	}

	return Event{}, ErrUnknownEvent
}

// AddressTopic left-pads an address into a topic for log filters.
func AddressTopic(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}

func topicAddress(h common.Hash) common.Address {
	return common.BytesToAddress(h.Bytes())
}

// decodeBool accepts only canonical ABI booleans.
func decodeBool(word []byte) (bool, bool) {
	for _, b := range word[:31] {
		if b != 0 {
			return false, false
		}
	}
	switch word[31] {
	case 0:
		return false, true
	case 1:
		return true, true
	default:
		return false, false
	}
}
