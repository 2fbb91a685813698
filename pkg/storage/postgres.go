package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cuemby/scheduler/pkg/types"
)

const errorSummaryMaxBytes = 2000

// PostgresStore is the pgx/v5-backed implementation of Store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres, runs the schema migration, and returns a ready
// Store. dsn is a standard libpq connection string or URL.
func Open(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: connect: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("storage: migrate: %w", err)
		}
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() { s.pool.Close() }

// --- CAStore ---

func (s *PostgresStore) SaveCA(data []byte) error {
	ctx := context.Background()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cluster_ca (id, data) VALUES (true, $1)
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data
	`, data)
	return err
}

func (s *PostgresStore) GetCA() ([]byte, error) {
	ctx := context.Background()
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM cluster_ca WHERE id = true`).Scan(&data)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("storage: no CA saved")
	}
	return data, err
}

// --- JobDefinition ---

func (s *PostgresStore) CreateJobDefinition(ctx context.Context, jd *types.JobDefinition) error {
	if jd.ID == "" {
		jd.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	jd.CreatedAt, jd.UpdatedAt = now, now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_definitions
			(id, name, enabled, kind, command_name, default_args_json, schedule,
			 timeout_seconds, max_retries, retry_backoff_seconds, concurrency_policy,
			 created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, jd.ID, jd.Name, jd.Enabled, jd.Kind, jd.CommandName, jsonOrEmpty(jd.DefaultArgsJSON),
		jsonOrEmpty(jd.Schedule), jd.TimeoutSeconds, jd.MaxRetries, jd.RetryBackoffSeconds,
		jd.ConcurrencyPolicy, jd.CreatedAt, jd.UpdatedAt)
	return err
}

func (s *PostgresStore) GetJobDefinition(ctx context.Context, id string) (*types.JobDefinition, error) {
	row := s.pool.QueryRow(ctx, jobDefinitionSelect+` WHERE id = $1`, id)
	return scanJobDefinition(row)
}

func (s *PostgresStore) ListJobDefinitions(ctx context.Context) ([]*types.JobDefinition, error) {
	rows, err := s.pool.Query(ctx, jobDefinitionSelect+` ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.JobDefinition
	for rows.Next() {
		jd, err := scanJobDefinition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, jd)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateJobDefinition(ctx context.Context, jd *types.JobDefinition) error {
	jd.UpdatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		UPDATE job_definitions SET
			name=$2, enabled=$3, kind=$4, command_name=$5, default_args_json=$6,
			schedule=$7, timeout_seconds=$8, max_retries=$9, retry_backoff_seconds=$10,
			concurrency_policy=$11, updated_at=$12
		WHERE id=$1
	`, jd.ID, jd.Name, jd.Enabled, jd.Kind, jd.CommandName, jsonOrEmpty(jd.DefaultArgsJSON),
		jsonOrEmpty(jd.Schedule), jd.TimeoutSeconds, jd.MaxRetries, jd.RetryBackoffSeconds,
		jd.ConcurrencyPolicy, jd.UpdatedAt)
	return err
}

func (s *PostgresStore) DeleteJobDefinition(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM job_definitions WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) CountEnabledJobDefinitions(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM job_definitions WHERE enabled`).Scan(&n)
	return n, err
}

const jobDefinitionSelect = `
	SELECT id, name, enabled, kind, command_name, default_args_json, schedule,
	       timeout_seconds, max_retries, retry_backoff_seconds, concurrency_policy,
	       created_at, updated_at
	FROM job_definitions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJobDefinition(row rowScanner) (*types.JobDefinition, error) {
	jd := &types.JobDefinition{}
	var defaultArgs, schedule []byte
	err := row.Scan(&jd.ID, &jd.Name, &jd.Enabled, &jd.Kind, &jd.CommandName, &defaultArgs,
		&schedule, &jd.TimeoutSeconds, &jd.MaxRetries, &jd.RetryBackoffSeconds,
		&jd.ConcurrencyPolicy, &jd.CreatedAt, &jd.UpdatedAt)
	if err != nil {
		return nil, err
	}
	jd.DefaultArgsJSON = json.RawMessage(defaultArgs)
	jd.Schedule = json.RawMessage(schedule)
	return jd, nil
}

// --- JobRun ---

const jobRunSelect = `
	SELECT id, job_definition_id, state, continuation_state, scheduled_for, assigned_at,
	       assigned_worker_id, attempt, version, leader_epoch, started_at, finished_at,
	       exit_code, error_summary, log_ref, idempotency_key,
	       resource_cpu_seconds_total, resource_peak_rss_bytes, resource_io_read_bytes,
	       resource_io_write_bytes, continuation_check_started_at, continuation_check_deadline_at,
	       created_at, updated_at
	FROM job_runs`

func scanJobRun(row rowScanner) (*types.JobRun, error) {
	jr := &types.JobRun{}
	var cpu *float64
	var rss, ior, iow *int64
	err := row.Scan(&jr.ID, &jr.JobDefinitionID, &jr.State, &jr.ContinuationState, &jr.ScheduledFor,
		&jr.AssignedAt, &jr.AssignedWorkerID, &jr.Attempt, &jr.Version, &jr.LeaderEpoch,
		&jr.StartedAt, &jr.FinishedAt, &jr.ExitCode, &jr.ErrorSummary, &jr.LogRef, &jr.IdempotencyKey,
		&cpu, &rss, &ior, &iow, &jr.ContinuationCheckStartedAt, &jr.ContinuationCheckDeadlineAt,
		&jr.CreatedAt, &jr.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if cpu != nil {
		jr.ResourceCPUSecondsTotal = *cpu
	}
	if rss != nil {
		jr.ResourcePeakRSSBytes = *rss
	}
	if ior != nil {
		jr.ResourceIOReadBytes = *ior
	}
	if iow != nil {
		jr.ResourceIOWriteBytes = *iow
	}
	return jr, nil
}

func (s *PostgresStore) GetJobRun(ctx context.Context, id string) (*types.JobRun, error) {
	row := s.pool.QueryRow(ctx, jobRunSelect+` WHERE id = $1`, id)
	return scanJobRun(row)
}

func (s *PostgresStore) CountJobRunsByState(ctx context.Context, state types.JobRunState) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM job_runs WHERE state = $1`, state).Scan(&n)
	return n, err
}

// --- Event / EventIngestor support ---

func (s *PostgresStore) CreateEvent(ctx context.Context, ev *types.Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.CreatedAt = time.Now().UTC()
	var dedupe any
	if ev.DedupeKey != "" {
		dedupe = ev.DedupeKey
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO events (id, event_type, payload_json, dedupe_key, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, ev.ID, ev.EventType, jsonOrEmpty(ev.PayloadJSON), dedupe, ev.CreatedAt)
	return err
}

// RecentUnprocessedEventExists is a soft-dedupe check: an existence probe,
// not a DB constraint.
func (s *PostgresStore) RecentUnprocessedEventExists(ctx context.Context, eventType, dedupeKey string) (bool, error) {
	if dedupeKey == "" {
		return false, nil
	}
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM events
			WHERE event_type = $1 AND dedupe_key = $2 AND processed_at IS NULL
		)
	`, eventType, dedupeKey).Scan(&exists)
	return exists, err
}

// CreatePendingJobRunForEvent creates an event-born PENDING run with a null
// scheduled_for, picked up by the next LeaderTick's Phase E assign step
// exactly like a materialized time-based run.
func (s *PostgresStore) CreatePendingJobRunForEvent(ctx context.Context, jobDefinitionID string) (*types.JobRun, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_runs (id, job_definition_id, state, attempt, version, created_at, updated_at)
		VALUES ($1,$2,$3,0,0,$4,$4)
	`, id, jobDefinitionID, types.JobRunPending, now)
	if err != nil {
		return nil, err
	}
	return s.GetJobRun(ctx, id)
}

// --- ConfigReloadRequest ---

func (s *PostgresStore) GetOldestPendingConfigReload(ctx context.Context) (*types.ConfigReloadRequest, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, requested_by, requested_at, status, applied_at, leader_worker_id, leader_epoch, result_json
		FROM config_reload_requests
		WHERE status = $1
		ORDER BY requested_at, id
		LIMIT 1
	`, types.ConfigReloadPending)
	return scanConfigReload(row)
}

func scanConfigReload(row rowScanner) (*types.ConfigReloadRequest, error) {
	req := &types.ConfigReloadRequest{}
	var result []byte
	err := row.Scan(&req.ID, &req.RequestedBy, &req.RequestedAt, &req.Status, &req.AppliedAt,
		&req.LeaderWorkerID, &req.LeaderEpoch, &result)
	if err != nil {
		return nil, err
	}
	req.ResultJSON = json.RawMessage(result)
	return req, nil
}

func (s *PostgresStore) CreateConfigReloadRequest(ctx context.Context, req *types.ConfigReloadRequest) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.RequestedAt = time.Now().UTC()
	if req.Status == "" {
		req.Status = types.ConfigReloadPending
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO config_reload_requests (id, requested_by, requested_at, status, result_json)
		VALUES ($1,$2,$3,$4,$5)
	`, req.ID, req.RequestedBy, req.RequestedAt, req.Status, jsonOrEmpty(req.ResultJSON))
	return err
}

func (s *PostgresStore) UpdateConfigReloadRequest(ctx context.Context, req *types.ConfigReloadRequest) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE config_reload_requests SET
			status=$2, applied_at=$3, leader_worker_id=$4, leader_epoch=$5, result_json=$6
		WHERE id=$1
	`, req.ID, req.Status, req.AppliedAt, req.LeaderWorkerID, req.LeaderEpoch, jsonOrEmpty(req.ResultJSON))
	return err
}

// --- SchedulerSetting (process-wide config override seam) ---

func (s *PostgresStore) GetSetting(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.pool.QueryRow(ctx, `SELECT value_json FROM scheduler_settings WHERE key = $1`, key).Scan(&value)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *PostgresStore) SetSetting(ctx context.Context, key string, value []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scheduler_settings (key, value_json, updated_at) VALUES ($1,$2,now())
		ON CONFLICT (key) DO UPDATE SET value_json = EXCLUDED.value_json, updated_at = now()
	`, key, value)
	return err
}

// --- WorkerRuntime transactional writes ---

// MarkRunning is the Go port of original_source's _jobrun_mark_running: it
// transitions a run ASSIGNED->RUNNING only under the state/ownership/epoch
// fencing invariants, inside a single row-locked transaction.
func (s *PostgresStore) MarkRunning(ctx context.Context, in MarkRunningInput) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	var state types.JobRunState
	var assignedWorkerID string
	var leaderEpoch *int64
	err = tx.QueryRow(ctx, `
		SELECT state, assigned_worker_id, leader_epoch FROM job_runs WHERE id = $1 FOR UPDATE
	`, in.JobRunID).Scan(&state, &assignedWorkerID, &leaderEpoch)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if state != types.JobRunAssigned {
		return false, nil
	}
	if assignedWorkerID != in.WorkerID {
		return false, nil
	}
	// Fencing: reject only if the stored epoch is strictly greater than presented.
	if leaderEpoch != nil && *leaderEpoch > in.LeaderEpoch {
		return false, nil
	}

	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		UPDATE job_runs SET
			state=$2, started_at=$3, attempt=$4, log_ref=$5, version=version+1, updated_at=$3
		WHERE id=$1
	`, in.JobRunID, types.JobRunRunning, now, in.Attempt, in.LogRef)
	if err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

// FinishRun is the Go port of original_source's _jobrun_finish: it is a
// no-op if the run is already terminal or assigned to a different worker.
func (s *PostgresStore) FinishRun(ctx context.Context, in FinishRunInput) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var state types.JobRunState
	var assignedWorkerID string
	err = tx.QueryRow(ctx, `
		SELECT state, assigned_worker_id FROM job_runs WHERE id = $1 FOR UPDATE
	`, in.JobRunID).Scan(&state, &assignedWorkerID)
	if err == pgx.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	if assignedWorkerID != "" && assignedWorkerID != in.WorkerID {
		return nil
	}
	if state.IsTerminal() {
		return nil
	}

	summary := in.ErrorSummary
	if len(summary) > errorSummaryMaxBytes {
		summary = summary[:errorSummaryMaxBytes]
	}
	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		UPDATE job_runs SET
			state=$2, finished_at=$3, exit_code=$4, error_summary=$5, log_ref=$6,
			resource_cpu_seconds_total = COALESCE($7, resource_cpu_seconds_total),
			resource_peak_rss_bytes = COALESCE($8, resource_peak_rss_bytes),
			resource_io_read_bytes = COALESCE($9, resource_io_read_bytes),
			resource_io_write_bytes = COALESCE($10, resource_io_write_bytes),
			version=version+1, updated_at=$3
		WHERE id=$1
	`, in.JobRunID, in.FinalState, now, in.ExitCode, summary, in.LogRef,
		in.CPUSeconds, in.PeakRSS, in.IOReadBytes, in.IOWriteBytes)
	return err
}

func newRunID() string { return uuid.NewString() }

func jsonOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}

// BeginLeaderTx opens the pgx.Tx that backs one LeaderTick/Dispatcher/
// Reconciler pass.
func (s *PostgresStore) BeginLeaderTx(ctx context.Context) (LeaderTx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &pgLeaderTx{tx: tx}, nil
}
