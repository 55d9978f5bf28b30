package evm

import "github.com/prometheus/client_golang/prometheus"

var (
	rpcCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "approval_auditor",
		Subsystem: "rpc",
		Name:      "calls_total",
		Help:      "JSON-RPC calls by chain, method and status.",
	}, []string{"chain_id", "method", "status"})

	rpcCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "approval_auditor",
		Subsystem: "rpc",
		Name:      "call_duration_seconds",
		Help:      "JSON-RPC call latency by chain and method.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"chain_id", "method"})

	rpcRateLimitWaits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "approval_auditor",
		Subsystem: "rpc",
		Name:      "rate_limit_waits_total",
		Help:      "RPC calls delayed by the per-chain rate limiter.",
	}, []string{"chain_id"})
)

func init() {
	prometheus.MustRegister(rpcCallsTotal, rpcCallDuration, rpcRateLimitWaits)
}
