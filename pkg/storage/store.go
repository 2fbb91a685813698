package storage

import (
	"context"
	"time"

	"github.com/cuemby/scheduler/pkg/types"
)

// Store is the durable backend for the scheduler's relational state:
// job definitions, job runs, events, config reload requests, and the
// process-wide settings override table. It also satisfies
// security.CAStore so the same backend persists the cluster's root CA.
type Store interface {
	Close()

	SaveCA(data []byte) error
	GetCA() ([]byte, error)

	CreateJobDefinition(ctx context.Context, jd *types.JobDefinition) error
	GetJobDefinition(ctx context.Context, id string) (*types.JobDefinition, error)
	ListJobDefinitions(ctx context.Context) ([]*types.JobDefinition, error)
	UpdateJobDefinition(ctx context.Context, jd *types.JobDefinition) error
	DeleteJobDefinition(ctx context.Context, id string) error
	CountEnabledJobDefinitions(ctx context.Context) (int, error)

	GetJobRun(ctx context.Context, id string) (*types.JobRun, error)
	CountJobRunsByState(ctx context.Context, state types.JobRunState) (int, error)

	CreateEvent(ctx context.Context, ev *types.Event) error
	RecentUnprocessedEventExists(ctx context.Context, eventType, dedupeKey string) (bool, error)
	CreatePendingJobRunForEvent(ctx context.Context, jobDefinitionID string) (*types.JobRun, error)

	GetOldestPendingConfigReload(ctx context.Context) (*types.ConfigReloadRequest, error)
	CreateConfigReloadRequest(ctx context.Context, req *types.ConfigReloadRequest) error
	UpdateConfigReloadRequest(ctx context.Context, req *types.ConfigReloadRequest) error

	GetSetting(ctx context.Context, key string) (value []byte, ok bool, err error)
	SetSetting(ctx context.Context, key string, value []byte) error

	// BeginLeaderTx opens the single transaction LeaderTick, the
	// Dispatcher, and the Reconciler run their row-locked work inside.
	BeginLeaderTx(ctx context.Context) (LeaderTx, error)

	// MarkRunning and FinishRun implement the WorkerRuntime's
	// transactional state transitions; they run each in their own
	// short-lived transaction rather than the shared leader transaction.
	MarkRunning(ctx context.Context, in MarkRunningInput) (bool, error)
	FinishRun(ctx context.Context, in FinishRunInput) error
}

// MarkRunningInput carries the fields needed to transition a run from
// ASSIGNED to RUNNING under the fencing and ownership invariants.
type MarkRunningInput struct {
	JobRunID    string
	WorkerID    string
	LeaderEpoch int64
	Attempt     int
	LogRef      string
}

// FinishRunInput carries a terminal-state write.
type FinishRunInput struct {
	JobRunID     string
	WorkerID     string
	FinalState   types.JobRunState
	ExitCode     *int
	ErrorSummary string
	LogRef       string
	CPUSeconds   *float64
	PeakRSS      *int64
	IOReadBytes  *int64
	IOWriteBytes *int64
}

// LeaderTx is the row-locked unit of work for one LeaderTick/Dispatcher/
// Reconciler pass. All methods must be called against the same
// transaction and the caller must Commit or Rollback exactly once.
type LeaderTx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	// OrphanStuckAssigned implements LeaderTick Phase A.
	OrphanStuckAssigned(ctx context.Context, cutoff time.Time, activeWorkers map[string]bool) (int, error)

	// ConfirmOrOrphanRunning implements LeaderTick Phase B. The Reconciler
	// does not use it; it moves single runs with EnterConfirming.
	ConfirmOrOrphanRunning(ctx context.Context, now time.Time, confirmSeconds int, activeWorkers map[string]bool) (confirmed, orphaned int, err error)

	// ListEnabledTimeJobDefinitions returns job definitions eligible for
	// Phase C materialization.
	ListEnabledTimeJobDefinitions(ctx context.Context) ([]*types.JobDefinition, error)

	// EnsureJobRun implements the upsert at the heart of Phase C: it
	// returns true if a new PENDING run was created for this slot, false
	// if one already existed (including a uniqueness-constraint race with
	// another leader).
	EnsureJobRun(ctx context.Context, jobDefinitionID string, scheduledFor time.Time) (created bool, err error)

	// AssignmentCounts returns per-worker ASSIGNED and RUNNING counts,
	// used to seed the picker's live load snapshot.
	AssignmentCounts(ctx context.Context) (assigned map[string]int, running map[string]int, err error)

	// RebalanceCandidates implements Phase D's candidate selection.
	RebalanceCandidates(ctx context.Context, futureCutoff, cooldownCutoff time.Time, limit int) ([]*types.JobRun, error)

	// ReassignRun updates a rebalanced run's assignment in place.
	ReassignRun(ctx context.Context, jr *types.JobRun, newWorkerID string, leaderEpoch int64, now time.Time, trace string) error

	// AssignCandidates implements Phase E's candidate selection.
	AssignCandidates(ctx context.Context, windowEnd time.Time) ([]*types.JobRun, error)

	// AssignRun transitions a PENDING/ORPHANED run to ASSIGNED.
	AssignRun(ctx context.Context, jr *types.JobRun, workerID string, leaderEpoch int64, now time.Time) error

	// CountPending returns the PENDING count for the tick snapshot.
	CountPending(ctx context.Context) (int, error)

	// DispatchCandidates implements the Dispatcher's oldest-first scan of
	// one worker's ASSIGNED runs.
	DispatchCandidates(ctx context.Context, workerID string, limit int) ([]*types.JobRun, error)

	// SkipLateRun transitions a still-ASSIGNED, not-yet-started run to
	// SKIPPED.
	SkipLateRun(ctx context.Context, jr *types.JobRun, reason string) error

	// HasRunningRun reports whether the given worker already has a
	// RUNNING run in this snapshot (the Dispatcher's one-in-flight rule).
	HasRunningRun(ctx context.Context, workerID string) (bool, error)

	// RunningRunsForWorker lists RUNNING runs assigned to one worker, for
	// the Reconciler's batch probe.
	RunningRunsForWorker(ctx context.Context, workerID string) ([]*types.JobRun, error)

	// EnterConfirming moves a single RUNNING run into CONFIRMING with the
	// given reason and deadline (the Reconciler's direct path, as opposed
	// to ConfirmOrOrphanRunning's bulk LeaderTick path).
	EnterConfirming(ctx context.Context, jr *types.JobRun, now time.Time, deadline time.Time, reason string) error

	// OrphanConfirmingRun moves a single CONFIRMING run to ORPHANED, the
	// Reconciler's direct path for a run whose confirmation deadline has
	// passed without the owning worker re-confirming it.
	OrphanConfirmingRun(ctx context.Context, jr *types.JobRun, now time.Time, reason string) error
}
