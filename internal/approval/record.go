// Package approval finds a wallet's live token approvals on one chain,
// flags the risky ones and builds transactions that revoke them.
package approval

import (
	"math/big"
	"time"
)

// Kind distinguishes fungible allowances from collection-wide operators.
type Kind string

const (
	KindERC20  Kind = "ERC20"  // owner → spender allowance
	KindERC721 Kind = "ERC721" // owner → operator ApprovalForAll (ERC-721 and ERC-1155)
)

// RiskFlag marks why an approval is risky.
type RiskFlag string

const (
	FlagUnlimited RiskFlag = "unlimited_approval"
	FlagStale     RiskFlag = "stale_approval"
)

// Record is one live approval found during a scan. Provenance fields
// describe the most recent event that set it.
type Record struct {
	Kind             Kind   `json:"type"`
	TokenAddress     string `json:"token_address"`
	Owner            string `json:"owner"`
	Spender          string `json:"spender,omitempty"`
	Operator         string `json:"operator,omitempty"`
	Value            string `json:"value,omitempty"`
	CurrentAllowance string `json:"current_allowance,omitempty"`
	Approved         bool   `json:"approved,omitempty"`

	BlockNumber uint64 `json:"block_number"`
	LogIndex    uint   `json:"log_index"`
	Timestamp   int64  `json:"timestamp"`
	TxHash      string `json:"tx_hash"`
	ExplorerURL string `json:"explorer_url,omitempty"`

	ChainID   int64      `json:"chain_id"`
	ChainName string     `json:"chain_name"`
	AgeDays   int64      `json:"age_days"`
	RiskFlags []RiskFlag `json:"risk_flags"`
}

// Counterparty returns the spender or operator.
func (r *Record) Counterparty() string {
	if r.Kind == KindERC721 {
		return r.Operator
	}
	return r.Spender
}

// HasFlag reports whether f is set on the record.
func (r *Record) HasFlag(f RiskFlag) bool {
	for _, x := range r.RiskFlags {
		if x == f {
			return true
		}
	}
	return false
}

// Risky reports whether any flag is set.
func (r *Record) Risky() bool { return len(r.RiskFlags) > 0 }

// RevocationTx is an unsigned transaction that cancels one approval.
type RevocationTx struct {
	To      string `json:"to"`
	From    string `json:"from"`
	Data    string `json:"data"`
	Value   string `json:"value"`
	ChainID int64  `json:"chainId"`
}

// Finding pairs a record with the transaction that revokes it.
type Finding struct {
	Record     Record
	Revocation RevocationTx
}

const secondsPerDay = 24 * 60 * 60

// AgeDays returns the whole days between an event at unix time ts and now.
// Events stamped in the future have age 0.
func AgeDays(now time.Time, ts int64) int64 {
	d := now.Unix() - ts
	if d <= 0 {
		return 0
	}
	return d / secondsPerDay
}

// unlimitedThreshold is 2^128. Allowances at or above it are treated as unlimited.
var unlimitedThreshold = new(big.Int).Lsh(big.NewInt(1), 128)

// UnlimitedThreshold returns a copy of the unlimited allowance threshold.
func UnlimitedThreshold() *big.Int { return new(big.Int).Set(unlimitedThreshold) }
