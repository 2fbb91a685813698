/*
Package storage provides Postgres-backed state persistence for the
scheduler's relational state: job definitions, job runs, events, config
reload requests, the settings override table, and the cluster's root CA.

The Store interface is implemented by PostgresStore using jackc/pgx/v5.
All writes that must observe the cluster-wide row-locking invariant (the
single LeaderTick/Dispatcher/Reconciler pass) go through a LeaderTx opened
by BeginLeaderTx; everything else runs in its own short-lived transaction
or a single statement.

# Architecture

	┌──────────────────── POSTGRES STORAGE ────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            PostgresStore                    │          │
	│  │  - pgxpool.Pool connection pool             │          │
	│  │  - migrate() applies schema.go's DDL        │          │
	│  │    idempotently (CREATE TABLE IF NOT EXISTS)│          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │                 Tables                       │          │
	│  │  ┌────────────────────────────┐             │          │
	│  │  │ job_definitions            │             │          │
	│  │  │ job_runs                   │             │          │
	│  │  │ events                     │             │          │
	│  │  │ config_reload_requests     │             │          │
	│  │  │ scheduler_settings         │             │          │
	│  │  │ cluster_ca                 │             │          │
	│  │  └────────────────────────────┘             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │        Transaction Management                │          │
	│  │  - LeaderTx: one row-locked tx per           │          │
	│  │    LeaderTick/Dispatcher/Reconciler pass     │          │
	│  │  - MarkRunning/FinishRun: independent,       │          │
	│  │    short-lived transactions                  │          │
	│  │  - Settings/events/CA: single statements     │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Store interface (store.go):
  - Job definitions: Create/Get/List/Update/Delete, plus
    CountEnabledJobDefinitions for the metrics collector
  - Job runs: GetJobRun, CountJobRunsByState
  - Events: CreateEvent, RecentUnprocessedEventExists (dedupe check),
    CreatePendingJobRunForEvent (event-triggered run materialization)
  - Config reload requests: GetOldestPendingConfigReload,
    Create/UpdateConfigReloadRequest
  - Settings overrides: GetSetting/SetSetting, a key/value table read
    by config.Cache.Reload
  - SaveCA/GetCA: persists the cluster's self-managed root CA, making
    Store satisfy security.CAStore
  - BeginLeaderTx: opens a row-locked leader transaction; one LeaderTick
    pass (orphan, confirm, materialize, rebalance, assign) runs in one,
    and the Dispatcher and Reconciler each open their own
  - MarkRunning/FinishRun: the worker-side state transitions
    (ASSIGNED -> RUNNING, RUNNING -> terminal), each its own
    short-lived transaction rather than the shared leader transaction

LeaderTx interface (leadertx.go):
  - Row-locks eligible job_runs (job_definitions are read without
    locks) for the duration of one pass so concurrently-ticking nodes (a deposed leader
    finishing a stale pass, a new leader starting one) cannot race on
    the same rows
  - Commit/Rollback exactly once per pass

PostgresStore (postgres.go):
  - Open(ctx, dsn) connects and runs migrate()
  - SaveCA uses INSERT ... ON CONFLICT (id) DO UPDATE: last-writer-wins,
    so concurrently-bootstrapping nodes converge on one persisted CA
    rather than deadlocking or silently keeping divergent local copies
  - scanJobDefinition/scanJobRun/scanConfigReload centralize row
    scanning against the rowScanner interface (satisfied by both
    pgx.Row and pgx.Rows) so single-row and list queries share decoding

# Usage

	store, err := storage.Open(ctx, dsn)
	if err != nil {
		return err
	}
	defer store.Close()

	tx, err := store.BeginLeaderTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	// ... row-locked work ...
	return tx.Commit(ctx)

# Integration Points

This package integrates with:

  - pkg/leadertick: drives one LeaderTx per pass
  - pkg/dispatcher, pkg/reconciler: each drive their own LeaderTx
  - pkg/worker: MarkRunning/FinishRun state transitions
  - pkg/config: Cache.Reload reads scheduler_settings via GetSetting
  - pkg/security: CertAuthority persists/loads the root CA via
    SaveCA/GetCA
  - pkg/metrics: Collector polls CountJobRunsByState and
    CountEnabledJobDefinitions
  - pkg/eventingest: CreateEvent, RecentUnprocessedEventExists,
    CreatePendingJobRunForEvent

# See Also

  - jackc/pgx/v5 documentation: https://pkg.go.dev/github.com/jackc/pgx/v5
*/
package storage
