package reports

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/mbd888/approval-auditor/internal/audit"
	"github.com/mbd888/approval-auditor/internal/pagination"
)

// PostgresStore persists reports in the audit_reports table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed report store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, r *Report) error {
	failed, err := json.Marshal(r.ChainsFailed)
	if err != nil {
		return fmt.Errorf("reports: encode chains_failed: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO audit_reports (
			id, wallet, chains_scanned, chains_failed,
			total_approvals, unlimited_count, stale_count, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, normalizeWallet(r.Wallet), pq.Array(r.ChainsScanned), failed,
		r.TotalApprovals, r.UnlimitedCount, r.StaleCount, r.CompletedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Report, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, wallet, chains_scanned, chains_failed,
		       total_approvals, unlimited_count, stale_count, completed_at
		FROM audit_reports WHERE id = $1`, id)

	r, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReportNotFound
	}
	return r, err
}

func (p *PostgresStore) ListByWallet(ctx context.Context, wallet string, limit int, after *pagination.Cursor) ([]*Report, error) {
	var (
		afterAt sql.NullTime
		afterID string
		lim     sql.NullInt64
	)
	if after != nil {
		afterAt = sql.NullTime{Time: after.At, Valid: true}
		afterID = after.ID
	}
	if limit > 0 {
		lim = sql.NullInt64{Int64: int64(limit), Valid: true}
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, wallet, chains_scanned, chains_failed,
		       total_approvals, unlimited_count, stale_count, completed_at
		FROM audit_reports
		WHERE wallet = $1
		  AND ($2::timestamptz IS NULL OR (completed_at, id) < ($2, $3::varchar))
		ORDER BY completed_at DESC, id DESC
		LIMIT $4`, normalizeWallet(wallet), afterAt, afterID, lim)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := []*Report{}
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanReport(sc scanner) (*Report, error) {
	r := &Report{}
	var (
		scanned pq.Int64Array
		failed  []byte
	)
	err := sc.Scan(
		&r.ID, &r.Wallet, &scanned, &failed,
		&r.TotalApprovals, &r.UnlimitedCount, &r.StaleCount, &r.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	r.ChainsScanned = []int64(scanned)
	if r.ChainsScanned == nil {
		r.ChainsScanned = []int64{}
	}
	r.ChainsFailed = []audit.ChainFailure{}
	if len(failed) > 0 {
		if err := json.Unmarshal(failed, &r.ChainsFailed); err != nil {
			return nil, fmt.Errorf("reports: decode chains_failed: %w", err)
		}
	}
	r.CompletedAt = r.CompletedAt.UTC()
	return r, nil
}

var _ Store = (*PostgresStore)(nil)
