/*
Package metrics provides Prometheus metrics collection and exposition for the
scheduler.

Metrics are defined and registered at package init using the Prometheus
client library, giving visibility into coordination state, the leader tick
pass, dispatch and reconcile cycles, config reloads, and worker job outcomes.
Metrics are exposed via HTTP for scraping by a Prometheus server.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Metric Types                   │          │
	│  │                                              │          │
	│  │  Gauge: Instant values (worker count)       │          │
	│  │  Counter: Monotonic increases (dispatches)  │          │
	│  │  Histogram: Distributions (tick latency)    │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Categories                 │          │
	│  │                                              │          │
	│  │  Coordination: leader/subleader, epoch      │          │
	│  │  LeaderTick: pass duration, runs materialized│          │
	│  │  Dispatcher: attempt outcomes, pass duration│          │
	│  │  Reconciler: probe outcomes, pass duration  │          │
	│  │  ConfigReload: reload outcomes              │          │
	│  │  Worker: job outcomes, job duration         │          │
	│  │  RPC: request counts by method/outcome      │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint              │          │
	│  │  - Path: /metrics                           │          │
	│  │  - Format: Prometheus text exposition       │          │
	│  │  - Handler: promhttp.Handler()              │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Collector:
  - Polls storage.Store, coordination.Coordinator, and Redis every 15s
  - Refreshes gauge-style metrics that need a point-in-time read:
    job run counts by state, enabled job definitions, active worker
    roster by role, and this process's last-ticked coordination role
  - Runs in its own goroutine, started and stopped alongside the rest
    of the scheduler's paced components

Call-site Counters/Histograms:
  - DispatchAttemptsTotal, ReconcileProbesTotal, ConfigReloadsTotal,
    WorkerJobOutcomesTotal, and the *Duration histograms are updated
    directly by pkg/dispatcher, pkg/reconciler, pkg/configreload,
    pkg/worker, and pkg/leadertick at their respective call sites,
    not by the Collector

Timer Helper:
  - Convenience wrapper for timing operations
  - Start timer, observe duration to histogram

# Metrics Catalog

Coordination (Collector-refreshed):

scheduler_workers_total{role}:
  - Type: Gauge
  - Total active workers (recent heartbeat) by role (leader/subleader/worker)

scheduler_is_leader / scheduler_is_subleader:
  - Type: Gauge
  - 1 if this process holds the corresponding lock, else 0

scheduler_cluster_epoch:
  - Type: Gauge
  - Last-observed monotonic leader epoch

Job Runs (Collector-refreshed):

scheduler_job_runs_total{state}:
  - Type: Gauge
  - Current count of job runs by state (pending, assigned, running,
    succeeded, failed, canceled, timed_out, skipped, orphaned)

scheduler_enabled_job_definitions_total:
  - Type: Gauge
  - Total enabled job definitions

LeaderTick:

scheduler_leader_tick_duration_seconds:
  - Type: Histogram
  - Time taken by one LeaderTick pass (orphan, confirm, materialize,
    rebalance, assign)

scheduler_leader_tick_runs_created_total:
  - Type: Counter
  - Job runs materialized from the calendar grammar

scheduler_leader_tick_runs_assigned_total:
  - Type: Counter
  - Job runs assigned to a worker

scheduler_leader_tick_runs_orphaned_total:
  - Type: Counter
  - Job runs moved to ORPHANED

scheduler_leader_tick_runs_rebalanced_total:
  - Type: Counter
  - ASSIGNED-but-not-started runs moved to a different worker

Dispatcher:

scheduler_dispatch_attempts_total{outcome}:
  - Type: Counter
  - Total StartJob dispatch attempts by outcome (ok, rejected, error)

scheduler_dispatch_pass_duration_seconds:
  - Type: Histogram
  - Time taken by one Dispatcher pass

Reconciler:

scheduler_reconcile_probes_total{outcome}:
  - Type: Counter
  - Total worker status probes by outcome

scheduler_reconcile_pass_duration_seconds:
  - Type: Histogram
  - Time taken by one Reconciler pass

Config Reload:

scheduler_config_reloads_total{status}:
  - Type: Counter
  - Total config reload requests processed by final status

Worker:

scheduler_worker_job_outcomes_total{state}:
  - Type: Counter
  - Total job runs finalized by this worker, by terminal state

scheduler_worker_job_duration_seconds:
  - Type: Histogram
  - Wall-clock duration of a supervised job run
  - Buckets: 1, 5, 15, 30, 60, 300, 900, 1800, 3600, 7200 seconds

RPC:

scheduler_rpc_requests_total{method, outcome}:
  - Type: Counter
  - Total RPC calls served by this process

# Usage

	import "github.com/cuemby/scheduler/pkg/metrics"

	timer := metrics.NewTimer()
	err := dispatchJob()
	metrics.DispatchDuration.Observe(timer.Duration().Seconds())
	if err != nil {
		metrics.DispatchAttemptsTotal.WithLabelValues("error").Inc()
	} else {
		metrics.DispatchAttemptsTotal.WithLabelValues("ok").Inc()
	}

	http.Handle("/metrics", metrics.Handler())

# Health and Readiness

This package also exposes process health endpoints (health.go), separate
from the metric catalog above:

  - HealthHandler: overall health across registered components
  - ReadyHandler: readiness, gated on the critical components
    "postgres", "redis", and "rpc" being registered healthy
  - LivenessHandler: always 200 while the process is running

# Integration Points

This package integrates with:

  - pkg/coordination: leader/subleader/epoch gauges
  - pkg/leadertick: tick duration and materialization counters
  - pkg/dispatcher: dispatch attempt counters and pass duration
  - pkg/reconciler: probe outcome counters and pass duration
  - pkg/configreload: reload outcome counters
  - pkg/worker: job outcome counters and job duration histogram
  - pkg/rpc: request counters by method and outcome
  - Prometheus: scrapes /metrics

# See Also

  - Prometheus client library: https://github.com/prometheus/client_golang
  - Histogram best practices: https://prometheus.io/docs/practices/histograms/
*/
package metrics
