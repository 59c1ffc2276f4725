package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Deployment metrics
	DeploymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_deployments_total",
			Help: "Total number of finished deployments by environment and status",
		},
		[]string{"environment", "status"},
	)

	DeploymentsInProgress = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drover_deployments_in_progress",
			Help: "Number of deployments currently tracked as in progress",
		},
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drover_stage_duration_seconds",
			Help:    "Pipeline stage duration by stage and outcome",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		},
		[]string{"stage", "state"},
	)

	RollbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_rollbacks_total",
			Help: "Total number of rollbacks by environment",
		},
		[]string{"environment"},
	)

	NodesUpdatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_nodes_updated_total",
			Help: "Total number of per-node artifact applies by environment and action",
		},
		[]string{"environment", "action"},
	)

	// Approval metrics
	ApprovalsPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drover_approvals_pending",
			Help: "Number of approvals currently pending",
		},
	)

	ApprovalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_approvals_total",
			Help: "Total number of resolved approvals by final state",
		},
		[]string{"state"},
	)

	// Orchestrator metrics
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drover_queue_depth",
			Help: "Current depth of the deployment submission queue",
		},
	)

	BackpressureTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_backpressure_total",
			Help: "Total number of submissions rejected because the queue was full",
		},
	)

	// Cluster metrics
	ClusterNodes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drover_cluster_nodes",
			Help: "Node count by environment and health state",
		},
		[]string{"environment", "state"},
	)
)

func init() {
	prometheus.MustRegister(
		DeploymentsTotal,
		DeploymentsInProgress,
		StageDuration,
		RollbacksTotal,
		NodesUpdatedTotal,
		ApprovalsPending,
		ApprovalsTotal,
		QueueDepth,
		BackpressureTotal,
		ClusterNodes,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
