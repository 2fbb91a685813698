/*
Package types defines the core data structures shared across the scheduler.

This package contains the domain model persisted by pkg/storage and passed
between the coordination, leader-tick, dispatch, reconciliation, and worker
runtime packages: job definitions, job runs, ingested events, and the config
reload pipeline's work items.

# Core Types

Definitions and runs:
  - JobDefinition: a reusable template describing what to run and when
  - JobRun: one materialized or event-triggered attempt
  - JobRunState: the run state machine (Pending, Assigned, Running, ...)
  - ContinuationState: tracks whether a RUNNING run is being reconfirmed

Coordination:
  - TickStatus: the result of one Coordinator.Tick call
  - WorkerInfo: a worker's last-known heartbeat and load, as seen in Redis

Events and config:
  - Event: an ingested, possibly deduplicated trigger for event-kind jobs
  - ConfigReloadRequest: a durable request to refresh cached config cluster-wide

# State Machine

JobRun follows:

	Pending → Assigned → Running → {Succeeded, Failed, Canceled, TimedOut, Skipped}
	                         ↑  ↓
	                      Orphaned

Orphaned runs re-enter at Assigned. All five states in the terminal set are
final: no further transition is permitted out of them.

# Design Patterns

Enums are typed strings, matching the rest of the codebase:

	type JobRunState string
	const (
	    JobRunPending JobRunState = "PENDING"
	    ...
	)

Optional fields use pointers or zero-value sentinels consistent with how
pkg/storage maps NULL columns (*time.Time for nullable timestamps, *int64
for nullable epoch fields, *int for the nullable exit code).

# See Also

  - pkg/storage for the Postgres-backed persistence of these types
  - pkg/schedule for the calendar grammar referenced by JobDefinition.Schedule
  - pkg/coordination for TickStatus production
*/
package types
