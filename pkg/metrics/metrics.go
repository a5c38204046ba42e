package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Resource metrics
	ResourcesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "brokerd_resources_total",
			Help: "Total number of resources by state and cache level",
		},
		[]string{"state", "cache_level"},
	)

	PoolsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "brokerd_pools_total",
			Help: "Total number of pools",
		},
	)

	AssignmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brokerd_assignments_total",
			Help: "Total number of assignment requests by outcome",
		},
		[]string{"outcome"},
	)

	// Operation queue metrics
	OperationsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brokerd_operations_dispatched_total",
			Help: "Total number of operations dispatched to backends by tag",
		},
		[]string{"op"},
	)

	OperationErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brokerd_operation_errors_total",
			Help: "Total number of operations that ended in error by tag",
		},
		[]string{"op"},
	)

	RechecksScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "brokerd_rechecks_scheduled_total",
			Help: "Total number of delayed operation re-checks scheduled",
		},
	)

	// Scheduler metrics
	ClaimsWon = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "brokerd_scheduler_claims_won_total",
			Help: "Total number of job claims won by this node",
		},
	)

	ClaimsLost = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "brokerd_scheduler_claims_lost_total",
			Help: "Total number of job claims lost to another node",
		},
	)

	JobRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brokerd_job_runs_total",
			Help: "Total number of job executions by job name and result",
		},
		[]string{"job", "result"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "brokerd_job_duration_seconds",
			Help:    "Job execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job"},
	)

	// Maintenance metrics
	ResourcesForceReleased = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "brokerd_resources_force_released_total",
			Help: "Total number of hung resources force-released by maintenance",
		},
	)

	ResourcesHardDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "brokerd_resources_hard_deleted_total",
			Help: "Total number of stuck resources hard-deleted by maintenance",
		},
	)
)

func init() {
	prometheus.MustRegister(ResourcesTotal)
	prometheus.MustRegister(PoolsTotal)
	prometheus.MustRegister(AssignmentsTotal)
	prometheus.MustRegister(OperationsDispatched)
	prometheus.MustRegister(OperationErrors)
	prometheus.MustRegister(RechecksScheduled)
	prometheus.MustRegister(ClaimsWon)
	prometheus.MustRegister(ClaimsLost)
	prometheus.MustRegister(JobRunsTotal)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(ResourcesForceReleased)
	prometheus.MustRegister(ResourcesHardDeleted)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
