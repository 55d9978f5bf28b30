package reports

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"

	"github.com/mbd888/approval-auditor/internal/audit"
	"github.com/mbd888/approval-auditor/internal/logging"
	"github.com/mbd888/approval-auditor/internal/metrics"
	"github.com/mbd888/approval-auditor/migrations"
)

// saveTimeout bounds a report write; it is detached from the request so a
// client that disconnects after its result still gets a history entry.
const saveTimeout = 5 * time.Second

// Hook returns an audit completion hook that stores a report of every audit.
// Store errors are logged and never fail the audit.
func Hook(store Store) audit.CompletionHook {
	return func(ctx context.Context, res *audit.Result) {
		r := FromResult(res)
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
		defer cancel()
		if err := store.Create(sctx, r); err != nil {
			metrics.ReportsStoredTotal.WithLabelValues("failed").Inc()
			logging.L(ctx).Error("failed to store audit report", "wallet", r.Wallet, "error", err)
			return
		}
		metrics.ReportsStoredTotal.WithLabelValues("stored").Inc()
		logging.L(ctx).Debug("audit report stored", "report_id", r.ID)
	}
}

// Migrate applies every pending migration to db.
func Migrate(ctx context.Context, db *sql.DB) error {
	return RunMigration(ctx, db, "up")
}

// RunMigration runs a goose command (up, down, status, version, redo,
// up-to, down-to) over the embedded report migrations.
func RunMigration(ctx context.Context, db *sql.DB, command string, args ...string) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("reports: goose dialect: %w", err)
	}
	if err := goose.RunContext(ctx, command, db, ".", args...); err != nil {
		return fmt.Errorf("reports: goose %s: %w", command, err)
	}
	return nil
}
