// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/approval-auditor/internal/validation"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"
	BaseURL   string

	// Database for audit reports (optional, uses in-memory if not set)
	DatabaseURL string

	// RPC endpoint overrides keyed by chain id (RPC_URL_<id>)
	RPCOverrides map[int64]string

	// Scan tuning
	AuditTimeout     time.Duration
	ChainScanTimeout time.Duration
	RetryAttempts    int
	RetryBaseDelay   time.Duration
	LogChunkSize     uint64
	ScanFromBlock    uint64
	RPCRateLimit     float64 // requests per second per chain, 0 disables
	RPCRateBurst     int
	BreakerThreshold int
	BreakerCooldown  time.Duration

	// Payment settings
	FreeMode       bool
	PaymentAddress string
	PaymentRPCURL  string
	PaymentChainID int64
	USDCContract   string
	AuditPrice     string // price in USDC, e.g. "0.05"

	// Security
	RateLimitRPM int

	// Tracing
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultAuditTimeout     = 60 * time.Second
	DefaultChainScanTimeout = 45 * time.Second
	DefaultRetryAttempts    = 3
	DefaultRetryBaseDelay   = 250 * time.Millisecond
	DefaultLogChunkSize     = 500_000
	DefaultRPCRateLimit     = 10
	DefaultRPCRateBurst     = 20
	DefaultBreakerThreshold = 3
	DefaultBreakerCooldown  = 30 * time.Second
	DefaultPaymentRPCURL    = "https://mainnet.base.org"
	DefaultPaymentChainID   = 8453                                         // Base
	DefaultUSDCContract     = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913" // Base USDC
	DefaultAuditPrice       = "0.05"
	DefaultRateLimitRPM     = 60
)

const rpcOverridePrefix = "RPC_URL_"

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	env := getEnv("ENV", DefaultEnv)
	defaultFormat := "text"
	if env == "production" {
		defaultFormat = "json"
	}

	overrides, err := rpcOverrides(os.Environ())
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              env,
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:        getEnv("LOG_FORMAT", defaultFormat),
		BaseURL:          os.Getenv("BASE_URL"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RPCOverrides:     overrides,
		AuditTimeout:     getEnvDuration("AUDIT_TIMEOUT", DefaultAuditTimeout),
		ChainScanTimeout: getEnvDuration("CHAIN_SCAN_TIMEOUT", DefaultChainScanTimeout),
		RetryAttempts:    int(getEnvInt64("RPC_RETRY_ATTEMPTS", DefaultRetryAttempts)),
		RetryBaseDelay:   getEnvDuration("RPC_RETRY_BASE_DELAY", DefaultRetryBaseDelay),
		LogChunkSize:     uint64(getEnvInt64("LOG_CHUNK_SIZE", DefaultLogChunkSize)),
		ScanFromBlock:    uint64(getEnvInt64("SCAN_FROM_BLOCK", 0)),
		RPCRateLimit:     getEnvFloat("RPC_RATE_LIMIT", DefaultRPCRateLimit),
		RPCRateBurst:     int(getEnvInt64("RPC_RATE_BURST", DefaultRPCRateBurst)),
		BreakerThreshold: int(getEnvInt64("BREAKER_THRESHOLD", DefaultBreakerThreshold)),
		BreakerCooldown:  getEnvDuration("BREAKER_COOLDOWN", DefaultBreakerCooldown),
		FreeMode:         getEnvBool("FREE_MODE", false),
		PaymentAddress:   os.Getenv("PAYMENT_ADDRESS"),
		PaymentRPCURL:    getEnv("PAYMENT_RPC_URL", DefaultPaymentRPCURL),
		PaymentChainID:   getEnvInt64("PAYMENT_CHAIN_ID", DefaultPaymentChainID),
		USDCContract:     getEnv("USDC_CONTRACT", DefaultUSDCContract),
		AuditPrice:       getEnv("AUDIT_PRICE", DefaultAuditPrice),
		RateLimitRPM:     int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.AuditTimeout <= 0 {
		return fmt.Errorf("AUDIT_TIMEOUT must be positive")
	}
	if c.ChainScanTimeout <= 0 {
		return fmt.Errorf("CHAIN_SCAN_TIMEOUT must be positive")
	}
	if c.ChainScanTimeout > c.AuditTimeout {
		return fmt.Errorf("CHAIN_SCAN_TIMEOUT (%s) must not exceed AUDIT_TIMEOUT (%s)", c.ChainScanTimeout, c.AuditTimeout)
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("RPC_RETRY_ATTEMPTS must be at least 1")
	}
	if c.LogChunkSize == 0 {
		return fmt.Errorf("LOG_CHUNK_SIZE must be positive")
	}
	if c.RPCRateLimit < 0 {
		return fmt.Errorf("RPC_RATE_LIMIT must not be negative")
	}
	if !c.FreeMode && c.PaymentAddress == "" {
		return fmt.Errorf("PAYMENT_ADDRESS is required unless FREE_MODE is set")
	}
	if errs := validation.Validate(
		validation.Required("AUDIT_PRICE", c.AuditPrice),
		validation.ValidAmount("AUDIT_PRICE", c.AuditPrice),
		validation.ValidAddress("PAYMENT_ADDRESS", c.PaymentAddress),
		validation.ValidAddress("USDC_CONTRACT", c.USDCContract),
	); len(errs) > 0 {
		return errs
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// rpcOverrides collects RPC_URL_<chainID>=<url> pairs from an environment listing.
func rpcOverrides(environ []string) (map[int64]string, error) {
	out := make(map[int64]string)
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, rpcOverridePrefix) || value == "" {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimPrefix(key, rpcOverridePrefix), 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("%s: chain id suffix must be a positive integer", key)
		}
		out[id] = value
	}
	return out, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("45s") or bare seconds ("45").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
