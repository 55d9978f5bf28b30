// Package metrics holds the service-level Prometheus collectors: HTTP traffic,
// rate limiting, live WebSocket subscribers, report persistence, chain
// probe results and database pool statistics. Engine metrics live next to
// the code they measure (audit, approval, evm).
package metrics

import (
	"database/sql"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "approval_auditor"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by method, route pattern and status class.",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration buckets reach past a minute since a multi-chain
	// audit can run up to AUDIT_TIMEOUT.
	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.25, 1, 2.5, 5, 10, 20, 40, 60, 90},
	}, []string{"method", "path"})

	RateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_rate_limited_total",
		Help:      "Requests rejected with 429.",
	})

	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_websocket_clients",
		Help:      "Connected audit event subscribers.",
	})

	// ReportsStoredTotal counts report writes by outcome (stored, failed).
	ReportsStoredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reports_stored_total",
		Help:      "Audit report writes by outcome.",
	}, []string{"outcome"})

	// ChainUp is 1 when the last health probe of a chain's RPC succeeded.
	ChainUp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "chain_up",
		Help:      "Whether the last RPC probe of a chain succeeded.",
	}, []string{"chain_id"})

	// ChainHead is the head block seen by the last successful probe.
	ChainHead = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "chain_head_block",
		Help:      "Head block number from the last successful RPC probe.",
	}, []string{"chain_id"})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		RateLimitedTotal,
		ActiveWebSocketClients,
		ReportsStoredTotal,
		ChainUp,
		ChainHead,
	)
}

// ObserveChainProbe records the outcome of one chain health probe.
func ObserveChainProbe(chainID int64, head uint64, ok bool) {
	id := strconv.FormatInt(chainID, 10)
	if !ok {
		ChainUp.WithLabelValues(id).Set(0)
		return
	}
	ChainUp.WithLabelValues(id).Set(1)
	ChainHead.WithLabelValues(id).Set(float64(head))
}

// RegisterDB exports sql.DBStats for the report database. Registering the
// same pool name twice is a no-op.
func RegisterDB(db *sql.DB, name string) error {
	err := prometheus.Register(collectors.NewDBStatsCollector(db, name))
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		return nil
	}
	return err
}

// Middleware records request count and latency per route pattern.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(c.Request.Method, path))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, statusClass(c.Writer.Status())).Inc()
	}
}

// Handler serves /metrics.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return strconv.Itoa(code/100) + "xx"
}
