package storage

// schemaStatements creates every table and index the scheduler's relational
// model needs. IDs are client-generated UUIDs (google/uuid) stored as text
// rather than a DB-assigned serial, so a record's id is stable before it is
// ever persisted.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS job_definitions (
		id                     TEXT PRIMARY KEY,
		name                   TEXT NOT NULL,
		enabled                BOOLEAN NOT NULL DEFAULT true,
		kind                   TEXT NOT NULL,
		command_name           TEXT NOT NULL,
		default_args_json      JSONB NOT NULL DEFAULT '{}',
		schedule               JSONB NOT NULL DEFAULT '{}',
		timeout_seconds        INTEGER NOT NULL DEFAULT 0,
		max_retries            INTEGER NOT NULL DEFAULT 0,
		retry_backoff_seconds  INTEGER NOT NULL DEFAULT 0,
		concurrency_policy     TEXT NOT NULL DEFAULT 'forbid',
		created_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at             TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS sched_jobdef_enabled ON job_definitions (enabled)`,
	`CREATE INDEX IF NOT EXISTS sched_jobdef_kind ON job_definitions (kind)`,

	`CREATE TABLE IF NOT EXISTS job_runs (
		id                             TEXT PRIMARY KEY,
		job_definition_id              TEXT NOT NULL REFERENCES job_definitions(id) ON DELETE CASCADE,
		scheduled_for                  TIMESTAMPTZ,
		assigned_at                    TIMESTAMPTZ,
		assigned_worker_id             TEXT NOT NULL DEFAULT '',
		state                          TEXT NOT NULL DEFAULT 'PENDING',
		attempt                        INTEGER NOT NULL DEFAULT 0,
		version                        INTEGER NOT NULL DEFAULT 0,
		leader_epoch                   BIGINT,
		started_at                     TIMESTAMPTZ,
		finished_at                    TIMESTAMPTZ,
		exit_code                      INTEGER,
		error_summary                  TEXT NOT NULL DEFAULT '',
		log_ref                        TEXT NOT NULL DEFAULT '',
		idempotency_key                TEXT NOT NULL DEFAULT '',
		resource_cpu_seconds_total     DOUBLE PRECISION,
		resource_peak_rss_bytes        BIGINT,
		resource_io_read_bytes         BIGINT,
		resource_io_write_bytes        BIGINT,
		continuation_state             TEXT NOT NULL DEFAULT 'NONE',
		continuation_check_started_at  TIMESTAMPTZ,
		continuation_check_deadline_at TIMESTAMPTZ,
		created_at                     TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at                     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS sched_jobrun_unique_schedule ON job_runs (job_definition_id, scheduled_for) WHERE scheduled_for IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS sched_jobrun_state_scheduled ON job_runs (state, scheduled_for)`,
	`CREATE INDEX IF NOT EXISTS sched_jobrun_worker_state ON job_runs (assigned_worker_id, state)`,
	`CREATE INDEX IF NOT EXISTS sched_jobrun_created_at ON job_runs (created_at)`,

	`CREATE TABLE IF NOT EXISTS events (
		id            TEXT PRIMARY KEY,
		event_type    TEXT NOT NULL,
		payload_json  JSONB NOT NULL DEFAULT '{}',
		dedupe_key    TEXT,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		processed_at  TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS sched_event_proc_created ON events (processed_at, created_at)`,

	`CREATE TABLE IF NOT EXISTS config_reload_requests (
		id                TEXT PRIMARY KEY,
		requested_by      TEXT NOT NULL DEFAULT '',
		requested_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		status            TEXT NOT NULL DEFAULT 'PENDING',
		applied_at        TIMESTAMPTZ,
		leader_worker_id  TEXT NOT NULL DEFAULT '',
		leader_epoch      BIGINT,
		result_json       JSONB NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS sched_reload_status_req ON config_reload_requests (status, requested_at)`,
	`CREATE INDEX IF NOT EXISTS sched_reload_requested_at ON config_reload_requests (requested_at)`,

	`CREATE TABLE IF NOT EXISTS scheduler_settings (
		key         TEXT PRIMARY KEY,
		value_json  JSONB NOT NULL DEFAULT '{}',
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS cluster_ca (
		id    BOOLEAN PRIMARY KEY DEFAULT true CHECK (id),
		data  BYTEA NOT NULL
	)`,
}
