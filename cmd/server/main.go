// Approval Risk Auditor - finds live token approvals across EVM chains and
// builds the transactions that revoke them.
package main

import (
	"context"
	"os"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/approval-auditor/internal/config"
	"github.com/mbd888/approval-auditor/internal/logging"
	"github.com/mbd888/approval-auditor/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting approval auditor",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Reconfigure with the configured level and format
	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"free_mode", cfg.FreeMode,
		"payment_chain_id", cfg.PaymentChainID,
		"rpc_overrides", len(cfg.RPCOverrides),
		"audit_timeout", cfg.AuditTimeout.String(),
	)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	server.Version = Version
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
