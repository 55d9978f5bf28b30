// Package audit runs an approval audit across several chains at once and
// merges the per-chain results.
package audit

import (
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/approval-auditor/internal/approval"
)

// ErrInvalidRequest is matched by every *RequestError.
var ErrInvalidRequest = errors.New("audit: invalid request")

// RequestError describes why a request was rejected before any scan started.
type RequestError struct {
	Field   string
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("audit: invalid request: %s %s", e.Field, e.Message)
}

// Is makes errors.Is(err, ErrInvalidRequest) true.
func (e *RequestError) Is(target error) bool { return target == ErrInvalidRequest }

// Request asks for an audit of one wallet on an ordered list of chains.
type Request struct {
	Wallet string  `json:"wallet"`
	Chains []int64 `json:"chains"`

	// RiskyOnly drops approvals without any risk flag from the result.
	RiskyOnly bool `json:"risky_only,omitempty"`
}

// ChainFailure reports a chain that produced no results.
type ChainFailure struct {
	ChainID   int64  `json:"chain_id"`
	ChainName string `json:"chain_name"`
	Reason    string `json:"reason"`
}

// Result is the merged outcome of one audit. RevokeTxData[i] revokes Approvals[i].
type Result struct {
	Wallet         string                  `json:"wallet"`
	ChainsScanned  []int64                 `json:"chains_scanned"`
	ChainsFailed   []ChainFailure          `json:"chains_failed"`
	TotalApprovals int                     `json:"total_approvals"`
	Approvals      []approval.Record       `json:"approvals"`
	RevokeTxData   []approval.RevocationTx `json:"revoke_tx_data"`
	Timestamp      time.Time               `json:"timestamp"`
}

// FlagCounts tallies risk flags across the result.
func (r *Result) FlagCounts() map[approval.RiskFlag]int {
	out := make(map[approval.RiskFlag]int)
	for i := range r.Approvals {
		for _, f := range r.Approvals[i].RiskFlags {
			out[f]++
		}
	}
	return out
}
