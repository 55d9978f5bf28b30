package audit

import "github.com/prometheus/client_golang/prometheus"

var (
	auditsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "approval_auditor",
		Name:      "audits_total",
		Help:      "Completed audits by outcome (complete, partial, failed, rejected).",
	}, []string{"outcome"})

	auditDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "approval_auditor",
		Name:      "audit_duration_seconds",
		Help:      "Wall time of a full multi-chain audit.",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 45, 60, 90},
	})

	chainScansTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "approval_auditor",
		Name:      "chain_scans_total",
		Help:      "Chain scans by chain and outcome (ok or failure reason).",
	}, []string{"chain_id", "outcome"})

	chainScanDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "approval_auditor",
		Name:      "chain_scan_duration_seconds",
		Help:      "Wall time of one chain scan.",
		Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 45},
	}, []string{"chain_id"})

	flaggedApprovals = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "approval_auditor",
		Name:      "flagged_approvals_total",
		Help:      "Approvals reported with a given risk flag.",
	}, []string{"flag"})
)

func init() {
	prometheus.MustRegister(auditsTotal, auditDuration, chainScansTotal, chainScanDuration, flaggedApprovals)
}
