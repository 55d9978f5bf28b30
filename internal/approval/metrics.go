package approval

import "github.com/prometheus/client_golang/prometheus"

var (
	droppedLogs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "approval_auditor",
		Subsystem: "scan",
		Name:      "dropped_logs_total",
		Help:      "Logs discarded during decoding, by chain and reason.",
	}, []string{"chain_id", "reason"})

	liveChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "approval_auditor",
		Subsystem: "scan",
		Name:      "live_checks_total",
		Help:      "Approval candidates by live reconciliation outcome (live, revoked, unverifiable).",
	}, []string{"chain_id", "outcome"})

	logChunks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "approval_auditor",
		Subsystem: "scan",
		Name:      "log_chunks_total",
		Help:      "eth_getLogs chunks by outcome (ok, split).",
	}, []string{"chain_id", "outcome"})
)

func init() {
	prometheus.MustRegister(droppedLogs, liveChecks, logChunks)
}
