package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JobRunsTotal reports the current count of job runs in each state,
	// refreshed by Collector.
	JobRunsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scheduler_job_runs_total",
			Help: "Current number of job runs by state",
		},
		[]string{"state"},
	)

	EnabledJobDefinitionsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduler_enabled_job_definitions_total",
			Help: "Total number of enabled job definitions",
		},
	)

	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scheduler_workers_total",
			Help: "Total number of active workers by role",
		},
		[]string{"role"},
	)

	IsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduler_is_leader",
			Help: "Whether this process currently holds the leader lock (1 = leader, 0 = not)",
		},
	)

	IsSubleader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduler_is_subleader",
			Help: "Whether this process currently holds the subleader lock (1 = subleader, 0 = not)",
		},
	)

	ClusterEpoch = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduler_cluster_epoch",
			Help: "The last-observed monotonic leader epoch",
		},
	)

	// LeaderTick metrics
	LeaderTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scheduler_leader_tick_duration_seconds",
			Help:    "Time taken by one LeaderTick pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	LeaderTickRunsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_leader_tick_runs_created_total",
			Help: "Total job runs materialized from the calendar grammar",
		},
	)

	LeaderTickRunsAssigned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_leader_tick_runs_assigned_total",
			Help: "Total job runs assigned to a worker",
		},
	)

	LeaderTickRunsOrphaned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_leader_tick_runs_orphaned_total",
			Help: "Total job runs moved to ORPHANED",
		},
	)

	LeaderTickRunsRebalanced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_leader_tick_runs_rebalanced_total",
			Help: "Total ASSIGNED-but-not-started runs moved to a different worker",
		},
	)

	// Dispatcher metrics
	DispatchAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_dispatch_attempts_total",
			Help: "Total StartJob dispatch attempts by outcome",
		},
		[]string{"outcome"},
	)

	DispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scheduler_dispatch_pass_duration_seconds",
			Help:    "Time taken by one Dispatcher pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Reconciler metrics
	ReconcileProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_reconcile_probes_total",
			Help: "Total worker status probes by outcome",
		},
		[]string{"outcome"},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scheduler_reconcile_pass_duration_seconds",
			Help:    "Time taken by one Reconciler pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Config reload metrics
	ConfigReloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_config_reloads_total",
			Help: "Total config reload requests processed by final status",
		},
		[]string{"status"},
	)

	// Worker runtime metrics
	WorkerJobOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_worker_job_outcomes_total",
			Help: "Total job runs finalized by this worker by terminal state",
		},
		[]string{"state"},
	)

	WorkerJobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scheduler_worker_job_duration_seconds",
			Help:    "Wall-clock duration of a supervised job run",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600, 7200},
		},
	)

	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_rpc_requests_total",
			Help: "Total RPC calls served by this process, by method and outcome",
		},
		[]string{"method", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		JobRunsTotal,
		EnabledJobDefinitionsTotal,
		WorkersTotal,
		IsLeader,
		IsSubleader,
		ClusterEpoch,
		LeaderTickDuration,
		LeaderTickRunsCreated,
		LeaderTickRunsAssigned,
		LeaderTickRunsOrphaned,
		LeaderTickRunsRebalanced,
		DispatchAttemptsTotal,
		DispatchDuration,
		ReconcileProbesTotal,
		ReconcileDuration,
		ConfigReloadsTotal,
		WorkerJobOutcomesTotal,
		WorkerJobDuration,
		RPCRequestsTotal,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to one label combination of a
// histogram vector.
func (t *Timer) ObserveDurationVec(histogramVec *prometheus.HistogramVec, labelValues ...string) {
	histogramVec.WithLabelValues(labelValues...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
