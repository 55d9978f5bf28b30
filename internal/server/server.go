// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/approval-auditor/internal/approval"
	"github.com/mbd888/approval-auditor/internal/audit"
	"github.com/mbd888/approval-auditor/internal/chains"
	"github.com/mbd888/approval-auditor/internal/circuitbreaker"
	"github.com/mbd888/approval-auditor/internal/config"
	"github.com/mbd888/approval-auditor/internal/evm"
	"github.com/mbd888/approval-auditor/internal/health"
	"github.com/mbd888/approval-auditor/internal/logging"
	"github.com/mbd888/approval-auditor/internal/metrics"
	"github.com/mbd888/approval-auditor/internal/payment"
	"github.com/mbd888/approval-auditor/internal/paywall"
	"github.com/mbd888/approval-auditor/internal/ratelimit"
	"github.com/mbd888/approval-auditor/internal/realtime"
	"github.com/mbd888/approval-auditor/internal/reports"
	"github.com/mbd888/approval-auditor/internal/security"
	"github.com/mbd888/approval-auditor/internal/traces"
	"github.com/mbd888/approval-auditor/internal/validation"
	"github.com/mbd888/approval-auditor/pkg/x402"
)

// Version is stamped at build time with -ldflags.
var Version = "dev"

// EntrypointPath is the paid agent entrypoint.
const EntrypointPath = "/entrypoints/approval-risk-auditor/invoke"

// auditRequestCost is the rate limit price of one audit POST in tokens;
// reads cost one.
const auditRequestCost = 2

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	registry      *chains.Registry
	pool          *evm.Pool
	paymentClient evm.Client // nil in free mode
	auditor       *audit.Auditor
	paywall       *paywall.Paywall
	reports       reports.Store
	realtimeHub   *realtime.Hub
	health        *health.Registry
	rateLimiter   *ratelimit.Limiter
	db            *sql.DB // nil if using in-memory
	dial          evm.Dialer
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	drainDelay    time.Duration

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithDialer replaces the RPC dialer for both audited chains and the
// payment chain (for testing).
func WithDialer(d evm.Dialer) Option {
	return func(s *Server) {
		s.dial = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		dial:       evm.DialEth,
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	registry, err := chains.NewRegistry(chains.WithRPCOverrides(chains.DefaultDescriptors(), cfg.RPCOverrides))
	if err != nil {
		return nil, fmt.Errorf("failed to build chain registry: %w", err)
	}
	s.registry = registry
	s.pool = evm.NewPool(registry, evm.PoolConfig{
		RateLimit: cfg.RPCRateLimit,
		Burst:     cfg.RPCRateBurst,
	}, evm.WithDialer(s.dial))

	// Reports storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := reports.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to migrate reports schema: %w", err)
		}
		if err := metrics.RegisterDB(db, "audit_reports"); err != nil {
			s.logger.Warn("db stats collector not registered", "error", err)
		}

		s.db = db
		s.reports = reports.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.reports = reports.NewMemoryStore()
		s.logger.Info("using in-memory storage (set DATABASE_URL for persistence)")
	}

	s.realtimeHub = realtime.NewHub(s.logger)

	scanCfg := approval.DefaultScannerConfig()
	scanCfg.FromBlock = cfg.ScanFromBlock
	scanCfg.ChunkSize = cfg.LogChunkSize
	scanCfg.Retry.MaxAttempts = cfg.RetryAttempts
	scanCfg.Retry.BaseDelay = cfg.RetryBaseDelay

	breaker := circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown)
	breaker.OnTransition(func(chainID int64, from, to circuitbreaker.State) {
		s.logger.Warn("chain circuit transition", "chain_id", chainID, "from", from.String(), "to", to.String())
	})

	s.auditor = audit.NewAuditor(registry, approval.NewScanner(s.pool, scanCfg),
		audit.WithTimeout(cfg.AuditTimeout),
		audit.WithChainTimeout(cfg.ChainScanTimeout),
		audit.WithBreaker(breaker),
		audit.OnComplete(reports.Hook(s.reports)),
		audit.OnComplete(s.realtimeHub.AuditHook()),
	)

	if err := s.setupPaywall(ctx); err != nil {
		return nil, err
	}
	s.setupHealth()

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func (s *Server) setupPaywall(ctx context.Context) error {
	pwCfg := paywall.Config{
		Price:       s.cfg.AuditPrice,
		Network:     networkName(s.cfg.PaymentChainID),
		Asset:       s.cfg.USDCContract,
		Resource:    s.baseURL() + EntrypointPath,
		Description: "Approval risk audit with revoke calldata",
		FreeMode:    s.cfg.FreeMode,
		OnPaymentReceived: func(proof *x402.PaymentProof, route string) {
			s.logger.Info("payment accepted", "from", proof.From, "tx", proof.TxHash, "route", route)
		},
	}

	if !s.cfg.FreeMode {
		client, err := s.dial(ctx, s.cfg.PaymentRPCURL)
		if err != nil {
			return fmt.Errorf("failed to connect to payment chain: %w", err)
		}
		verifier, err := payment.NewVerifier(client, s.cfg.USDCContract, s.cfg.PaymentAddress)
		if err != nil {
			client.Close()
			return err
		}
		s.paymentClient = client
		pwCfg.Verifier = verifier
		pwCfg.Asset = verifier.Asset()
	} else {
		s.logger.Warn("FREE_MODE enabled: audits are not paywalled")
	}

	pw, err := paywall.New(pwCfg)
	if err != nil {
		return err
	}
	s.paywall = pw
	return nil
}

func (s *Server) setupHealth() {
	s.health = health.NewRegistry()
	if s.db != nil {
		s.health.Register("database", health.DBChecker(s.db))
	}
	for _, d := range s.registry.All() {
		s.health.RegisterOptional(fmt.Sprintf("chain:%d", d.ID), health.ChainChecker(d, s.pool))
	}
}

func (s *Server) baseURL() string {
	if s.cfg.BaseURL != "" {
		return strings.TrimRight(s.cfg.BaseURL, "/")
	}
	return "http://localhost:" + s.cfg.Port
}

// networkName maps a payment chain id to its x402 network name.
func networkName(chainID int64) string {
	switch chainID {
	case 8453:
		return "base"
	case 84532:
		return "base-sepolia"
	case 1:
		return "ethereum"
	case 137:
		return "polygon"
	default:
		return fmt.Sprintf("eip155:%d", chainID)
	}
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Request ID first so every later log line carries it
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         10,
		CleanupInterval:   time.Minute,
		Cost:              ratelimit.AuditCost(auditRequestCost),
	})
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = uuid.NewString()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400 && status != http.StatusPaymentRequired:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/", s.infoHandler)
	s.router.GET("/.well-known/agent.json", s.agentCardHandler)
	s.router.HEAD("/.well-known/agent.json", s.agentCardHandler)
	s.router.GET("/.well-known/x402", s.paywall.Discovery)
	s.router.HEAD("/.well-known/x402", s.paywall.Discovery)

	guard := s.paywall.Middleware()
	auditHandler := audit.NewHandler(s.auditor)

	// Unversioned routes kept for agents that were built against them
	auditHandler.RegisterRoutes(s.router.Group(""), guard)

	s.router.GET(EntrypointPath, s.paywall.Discovery)
	s.router.HEAD(EntrypointPath, s.paywall.Discovery)
	s.router.POST(EntrypointPath, guard, auditHandler.Audit)

	v1 := s.router.Group("/v1")
	v1.GET("/chains", auditHandler.ListChains)
	v1.POST("/audit", guard, auditHandler.Audit)
	reports.NewHandler(s.reports).RegisterRoutes(v1)

	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":       "Approval Risk Auditor",
		"version":    Version,
		"chains":     s.registry.IDs(),
		"free_mode":  s.paywall.FreeMode(),
		"price":      s.cfg.AuditPrice + " USDC",
		"entrypoint": s.baseURL() + EntrypointPath,
		"realtime":   s.realtimeHub.Stats(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdownTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		s.logger.Warn("tracing init failed, continuing without traces", "error", err)
		shutdownTraces = func(context.Context) error { return nil }
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTraces(flushCtx); err != nil {
			s.logger.Warn("trace flush failed", "error", err)
		}
	}()

	// Audits may legitimately run up to AUDIT_TIMEOUT, so the write timeout
	// leaves headroom on top of it.
	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.AuditTimeout + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"chains", s.registry.IDs(),
			"free_mode", s.cfg.FreeMode,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		s.cancelRunCtx()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	var shutdownErr error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.AuditTimeout+5*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.rateLimiter.Stop()
	s.pool.Close()
	if s.paymentClient != nil {
		s.paymentClient.Close()
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
