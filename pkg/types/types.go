package types

import (
	"encoding/json"
	"time"
)

// JobDefinition is a reusable template describing what to run and when.
type JobDefinition struct {
	ID                   string
	Name                 string
	Enabled              bool
	Kind                 JobKind
	CommandName          string
	DefaultArgsJSON      json.RawMessage
	Schedule             json.RawMessage // interpreted by pkg/schedule
	TimeoutSeconds       int             // <= 0 disables the runtime timeout
	MaxRetries           int
	RetryBackoffSeconds  int
	ConcurrencyPolicy    ConcurrencyPolicy
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// JobKind selects whether a definition is materialized on a calendar or
// triggered by an ingested event.
type JobKind string

const (
	JobKindTime  JobKind = "time"
	JobKindEvent JobKind = "event"
)

// ConcurrencyPolicy names how runs of the same definition may overlap. The
// value is stored and returned as given: writes do not validate it against
// these constants, and no scheduler component reads it, so runs of one
// definition can overlap on different workers whatever the policy says.
type ConcurrencyPolicy string

const (
	ConcurrencyForbid  ConcurrencyPolicy = "forbid"
	ConcurrencyAllow   ConcurrencyPolicy = "allow"
	ConcurrencyReplace ConcurrencyPolicy = "replace"
)

// JobRun is one materialized or event-triggered attempt of a JobDefinition.
type JobRun struct {
	ID              string
	JobDefinitionID string

	State             JobRunState
	ContinuationState ContinuationState

	ScheduledFor     *time.Time // nil for event-triggered runs
	AssignedAt       *time.Time
	AssignedWorkerID string

	Attempt int
	Version int // bumped on every state-affecting write

	LeaderEpoch *int64 // leader epoch under which the run was last assigned

	StartedAt     *time.Time
	FinishedAt    *time.Time
	ExitCode      *int
	ErrorSummary  string // truncated to 2000 bytes
	LogRef        string
	IdempotencyKey string

	ResourceCPUSecondsTotal float64
	ResourcePeakRSSBytes    int64
	ResourceIOReadBytes     int64
	ResourceIOWriteBytes    int64

	ContinuationCheckStartedAt *time.Time
	ContinuationCheckDeadlineAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// JobRunState is the run state machine.
type JobRunState string

const (
	JobRunPending   JobRunState = "PENDING"
	JobRunAssigned  JobRunState = "ASSIGNED"
	JobRunRunning   JobRunState = "RUNNING"
	JobRunSucceeded JobRunState = "SUCCEEDED"
	JobRunFailed    JobRunState = "FAILED"
	JobRunCanceled  JobRunState = "CANCELED"
	JobRunTimedOut  JobRunState = "TIMED_OUT"
	JobRunSkipped   JobRunState = "SKIPPED"
	JobRunOrphaned  JobRunState = "ORPHANED"
)

// TerminalJobRunStates is the set of states no further transition may leave.
var TerminalJobRunStates = map[JobRunState]bool{
	JobRunSucceeded: true,
	JobRunFailed:    true,
	JobRunCanceled:  true,
	JobRunTimedOut:  true,
	JobRunSkipped:   true,
}

// IsTerminal reports whether s is a terminal JobRun state.
func (s JobRunState) IsTerminal() bool {
	return TerminalJobRunStates[s]
}

// ContinuationState tracks whether a RUNNING run is being reconfirmed against
// the worker that supposedly still holds it.
type ContinuationState string

const (
	ContinuationNone       ContinuationState = "NONE"
	ContinuationConfirming ContinuationState = "CONFIRMING"
)

// Event is an ingested, possibly deduplicated trigger for event-kind jobs.
type Event struct {
	ID          string
	EventType   string
	PayloadJSON json.RawMessage
	DedupeKey   string // empty means no dedupe requested
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// ConfigReloadRequest is a durable request to refresh cached config across
// every active worker, fanned out by the leader.
type ConfigReloadRequest struct {
	ID             string
	RequestedBy    string
	RequestedAt    time.Time
	Status         ConfigReloadStatus
	AppliedAt      *time.Time
	LeaderWorkerID string
	LeaderEpoch    *int64
	ResultJSON     json.RawMessage // per-worker outcome map
}

// ConfigReloadStatus is the lifecycle of a ConfigReloadRequest.
type ConfigReloadStatus string

const (
	ConfigReloadPending ConfigReloadStatus = "PENDING"
	ConfigReloadApplied ConfigReloadStatus = "APPLIED"
	ConfigReloadFailed  ConfigReloadStatus = "FAILED"
)

// TickStatus is the result of one Coordinator.Tick call, read by
// cmd/scheduler's coordination loop to update the worker runtime's epoch and
// role. LeaderTick, the Dispatcher and the Reconciler do not read it; they
// ask the Coordinator directly whether this process leads.
type TickStatus struct {
	IsLeader          bool
	IsSubleader       bool
	LeaderEpoch       int64 // only meaningful when IsLeader
	ClusterEpoch      int64
	LeaderWorkerID    string
	SubleaderWorkerID string
}

// WorkerInfo is a worker's last-known heartbeat and load, as published to
// the coordination KV store by its own heartbeat write.
type WorkerInfo struct {
	WorkerID          string
	Role              WorkerRole
	Load              int
	CurrentJobRunID   string
	Draining          bool
	LastHeartbeatUnix int64
	HeartbeatTTLSeconds int64 // computed from the KV store's remaining TTL
}

// WorkerRole mirrors the role a worker currently believes it holds, as
// reported in its own heartbeat — used by the weighted load picker.
type WorkerRole string

const (
	WorkerRoleLeader    WorkerRole = "leader"
	WorkerRoleSubleader WorkerRole = "subleader"
	WorkerRoleWorker    WorkerRole = "worker"
)
