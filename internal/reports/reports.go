// Package reports keeps a summary of every finished audit so a wallet's audit
// history can be listed later. Reports are never fed back into an audit.
package reports

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mbd888/approval-auditor/internal/approval"
	"github.com/mbd888/approval-auditor/internal/audit"
	"github.com/mbd888/approval-auditor/internal/pagination"
)

var ErrReportNotFound = errors.New("reports: not found")

// Report summarises one audit.
type Report struct {
	ID             string               `json:"id"`
	Wallet         string               `json:"wallet"`
	ChainsScanned  []int64              `json:"chains_scanned"`
	ChainsFailed   []audit.ChainFailure `json:"chains_failed"`
	TotalApprovals int                  `json:"total_approvals"`
	UnlimitedCount int                  `json:"unlimited_count"`
	StaleCount     int                  `json:"stale_count"`
	CompletedAt    time.Time            `json:"completed_at"`
}

// Store persists reports.
type Store interface {
	Create(ctx context.Context, r *Report) error
	Get(ctx context.Context, id string) (*Report, error)
	// ListByWallet returns reports newest first, starting after the cursor
	// when one is given. limit <= 0 means no limit.
	ListByWallet(ctx context.Context, wallet string, limit int, after *pagination.Cursor) ([]*Report, error)
}

// FromResult builds a report with a fresh id from res.
func FromResult(res *audit.Result) *Report {
	flags := res.FlagCounts()
	r := &Report{
		ID:             uuid.NewString(),
		Wallet:         normalizeWallet(res.Wallet),
		ChainsScanned:  append([]int64{}, res.ChainsScanned...),
		ChainsFailed:   append([]audit.ChainFailure{}, res.ChainsFailed...),
		TotalApprovals: res.TotalApprovals,
		UnlimitedCount: flags[approval.FlagUnlimited],
		StaleCount:     flags[approval.FlagStale],
		CompletedAt:    res.Timestamp.UTC(),
	}
	return r
}

// Wallets are stored lowercase so lookups ignore checksum casing.
func normalizeWallet(w string) string {
	return strings.ToLower(w)
}
