package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cuemby/scheduler/pkg/types"
)

// pgLeaderTx is the pgx/v5-backed LeaderTx. Every method assumes it runs
// inside tx and that the caller holds the row locks it takes until Commit.
type pgLeaderTx struct {
	tx pgx.Tx
}

func (l *pgLeaderTx) Commit(ctx context.Context) error   { return l.tx.Commit(ctx) }
func (l *pgLeaderTx) Rollback(ctx context.Context) error { return l.tx.Rollback(ctx) }

// OrphanStuckAssigned ports the first block of run_leader_tick_snapshot: an
// ASSIGNED run whose assigned_at predates cutoff and whose worker is no
// longer active is bounced back to unassigned so it can be re-picked.
func (l *pgLeaderTx) OrphanStuckAssigned(ctx context.Context, cutoff time.Time, activeWorkers map[string]bool) (int, error) {
	rows, err := l.tx.Query(ctx, `
		SELECT id, assigned_worker_id, error_summary
		FROM job_runs
		WHERE state = $1 AND assigned_at IS NOT NULL AND assigned_at < $2 AND assigned_worker_id <> ''
		ORDER BY assigned_at, id
		FOR UPDATE SKIP LOCKED
	`, types.JobRunAssigned, cutoff)
	if err != nil {
		return 0, err
	}

	type row struct {
		id, workerID, errSummary string
	}
	var stuck []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.workerID, &r.errSummary); err != nil {
			rows.Close()
			return 0, err
		}
		stuck = append(stuck, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var orphaned int
	for _, r := range stuck {
		if activeWorkers[r.workerID] {
			continue
		}
		summary := appendSummary(r.errSummary, "orphaned: assigned worker inactive")
		_, err := l.tx.Exec(ctx, `
			UPDATE job_runs SET
				state=$2, error_summary=$3, assigned_worker_id='', assigned_at=NULL,
				version=version+1, attempt=attempt+1, updated_at=$4
			WHERE id=$1
		`, r.id, types.JobRunOrphaned, summary, time.Now().UTC())
		if err != nil {
			return orphaned, err
		}
		orphaned++
	}
	return orphaned, nil
}

// ConfirmOrOrphanRunning ports the second block: a RUNNING run whose worker
// has dropped out of the active set enters CONFIRMING, and a run already in
// CONFIRMING past its deadline is orphaned.
func (l *pgLeaderTx) ConfirmOrOrphanRunning(ctx context.Context, now time.Time, confirmSeconds int, activeWorkers map[string]bool) (confirmed, orphaned int, err error) {
	rows, err := l.tx.Query(ctx, `
		SELECT id, assigned_worker_id, continuation_state, continuation_check_deadline_at, error_summary
		FROM job_runs
		WHERE state = $1 AND assigned_worker_id <> ''
		ORDER BY started_at, id
		FOR UPDATE SKIP LOCKED
	`, types.JobRunRunning)
	if err != nil {
		return 0, 0, err
	}

	type row struct {
		id, workerID, contState, errSummary string
		deadline                            *time.Time
	}
	var running []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.workerID, &r.contState, &r.deadline, &r.errSummary); err != nil {
			rows.Close()
			return 0, 0, err
		}
		running = append(running, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}

	if confirmSeconds < 1 {
		confirmSeconds = 1
	}

	for _, r := range running {
		switch types.ContinuationState(r.contState) {
		case types.ContinuationNone:
			if activeWorkers[r.workerID] {
				continue
			}
			deadline := now.Add(time.Duration(confirmSeconds) * time.Second)
			_, err := l.tx.Exec(ctx, `
				UPDATE job_runs SET
					continuation_state=$2, continuation_check_started_at=$3,
					continuation_check_deadline_at=$4, version=version+1, updated_at=$3
				WHERE id=$1
			`, r.id, types.ContinuationConfirming, now, deadline)
			if err != nil {
				return confirmed, orphaned, err
			}
			confirmed++

		case types.ContinuationConfirming:
			if r.deadline == nil || r.deadline.After(now) {
				continue
			}
			summary := appendSummary(r.errSummary, "orphaned: confirming deadline exceeded")
			_, err := l.tx.Exec(ctx, `
				UPDATE job_runs SET
					state=$2, error_summary=$3, assigned_worker_id='', assigned_at=NULL,
					started_at=NULL, finished_at=NULL, exit_code=NULL,
					continuation_state=$4, continuation_check_started_at=NULL,
					continuation_check_deadline_at=NULL, version=version+1, attempt=attempt+1,
					updated_at=$5
				WHERE id=$1
			`, r.id, types.JobRunOrphaned, summary, types.ContinuationNone, now)
			if err != nil {
				return confirmed, orphaned, err
			}
			orphaned++
		}
	}
	return confirmed, orphaned, nil
}

// EnterConfirming is the Reconciler's single-run path to the same
// CONFIRMING transition ConfirmOrOrphanRunning applies in bulk.
func (l *pgLeaderTx) EnterConfirming(ctx context.Context, jr *types.JobRun, now time.Time, deadline time.Time, reason string) error {
	_, err := l.tx.Exec(ctx, `
		UPDATE job_runs SET
			continuation_state=$2, continuation_check_started_at=$3,
			continuation_check_deadline_at=$4, version=version+1, updated_at=$3
		WHERE id=$1
	`, jr.ID, types.ContinuationConfirming, now, deadline)
	_ = reason // recorded by the reconciler's structured log, not persisted separately
	return err
}

// OrphanConfirmingRun is the Reconciler's single-run path to the same
// CONFIRMING -> ORPHANED transition ConfirmOrOrphanRunning applies in bulk
// to every worker that has dropped out of the active set; this path instead
// fires when a live GetStatus probe confirms the deadline has passed.
func (l *pgLeaderTx) OrphanConfirmingRun(ctx context.Context, jr *types.JobRun, now time.Time, reason string) error {
	summary := appendSummary(jr.ErrorSummary, reason)
	_, err := l.tx.Exec(ctx, `
		UPDATE job_runs SET
			state=$2, error_summary=$3, assigned_worker_id='', assigned_at=NULL,
			started_at=NULL, finished_at=NULL, exit_code=NULL,
			continuation_state=$4, continuation_check_started_at=NULL,
			continuation_check_deadline_at=NULL, version=version+1, attempt=attempt+1,
			updated_at=$5
		WHERE id=$1
	`, jr.ID, types.JobRunOrphaned, summary, types.ContinuationNone, now)
	return err
}

func (l *pgLeaderTx) ListEnabledTimeJobDefinitions(ctx context.Context) ([]*types.JobDefinition, error) {
	rows, err := l.tx.Query(ctx, jobDefinitionSelect+` WHERE enabled AND kind = $1`, types.JobKindTime)
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

// EnsureJobRun ports _ensure_job_run: an INSERT guarded by the partial
// unique index on (job_definition_id, scheduled_for), absorbing the race
// the same way get_or_create/IntegrityError does in the original.
func (l *pgLeaderTx) EnsureJobRun(ctx context.Context, jobDefinitionID string, scheduledFor time.Time) (bool, error) {
	id := newRunID()
	now := time.Now().UTC()
	tag, err := l.tx.Exec(ctx, `
		INSERT INTO job_runs (id, job_definition_id, scheduled_for, state, attempt, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,0,0,$5,$5)
		ON CONFLICT (job_definition_id, scheduled_for) WHERE scheduled_for IS NOT NULL DO NOTHING
	`, id, jobDefinitionID, scheduledFor, types.JobRunPending, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (l *pgLeaderTx) AssignmentCounts(ctx context.Context) (map[string]int, map[string]int, error) {
	assigned, err := l.countsByState(ctx, types.JobRunAssigned)
	if err != nil {
		return nil, nil, err
	}
	running, err := l.countsByState(ctx, types.JobRunRunning)
	if err != nil {
		return nil, nil, err
	}
	return assigned, running, nil
}

func (l *pgLeaderTx) countsByState(ctx context.Context, state types.JobRunState) (map[string]int, error) {
	rows, err := l.tx.Query(ctx, `
		SELECT assigned_worker_id, count(*) FROM job_runs
		WHERE state = $1 AND assigned_worker_id <> ''
		GROUP BY assigned_worker_id
	`, state)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var worker string
		var n int
		if err := rows.Scan(&worker, &n); err != nil {
			return nil, err
		}
		out[worker] = n
	}
	return out, rows.Err()
}

// RebalanceCandidates ports the rebalance query: ASSIGNED, not started,
// with a future scheduled_for beyond futureCutoff, ordered oldest-first.
func (l *pgLeaderTx) RebalanceCandidates(ctx context.Context, futureCutoff, cooldownCutoff time.Time, limit int) ([]*types.JobRun, error) {
	query := jobRunSelect + `
		WHERE state = $1 AND started_at IS NULL AND scheduled_for IS NOT NULL
		AND scheduled_for > $2 AND assigned_worker_id <> '' AND assigned_at <= $3
		ORDER BY assigned_at, id
		FOR UPDATE SKIP LOCKED
	`
	args := []any{types.JobRunAssigned, futureCutoff, cooldownCutoff}
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := l.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobRuns(rows)
}

func (l *pgLeaderTx) ReassignRun(ctx context.Context, jr *types.JobRun, newWorkerID string, leaderEpoch int64, now time.Time, trace string) error {
	summary := appendSummary(jr.ErrorSummary, trace)
	_, err := l.tx.Exec(ctx, `
		UPDATE job_runs SET
			assigned_worker_id=$2, assigned_at=$3, leader_epoch=$4, error_summary=$5,
			version=version+1, updated_at=$3
		WHERE id=$1
	`, jr.ID, newWorkerID, now, leaderEpoch, summary)
	return err
}

// AssignCandidates ports the assignment query. Event-triggered runs carry a
// NULL scheduled_for and are included unconditionally so they are picked up
// on the very next tick rather than waiting for a calendar slot.
func (l *pgLeaderTx) AssignCandidates(ctx context.Context, windowEnd time.Time) ([]*types.JobRun, error) {
	rows, err := l.tx.Query(ctx, jobRunSelect+`
		WHERE state IN ($1, $2) AND (scheduled_for IS NULL OR scheduled_for <= $3)
		ORDER BY scheduled_for NULLS FIRST, id
		FOR UPDATE SKIP LOCKED
	`, types.JobRunPending, types.JobRunOrphaned, windowEnd)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobRuns(rows)
}

func (l *pgLeaderTx) AssignRun(ctx context.Context, jr *types.JobRun, workerID string, leaderEpoch int64, now time.Time) error {
	_, err := l.tx.Exec(ctx, `
		UPDATE job_runs SET
			assigned_worker_id=$2, assigned_at=$3, state=$4, leader_epoch=$5, version=version+1, updated_at=$3
		WHERE id=$1
	`, jr.ID, workerID, now, types.JobRunAssigned, leaderEpoch)
	return err
}

func (l *pgLeaderTx) CountPending(ctx context.Context) (int, error) {
	var n int
	err := l.tx.QueryRow(ctx, `SELECT count(*) FROM job_runs WHERE state = $1`, types.JobRunPending).Scan(&n)
	return n, err
}

// DispatchCandidates lists one worker's ASSIGNED runs oldest-first, for the
// Dispatcher's paced StartJob loop.
func (l *pgLeaderTx) DispatchCandidates(ctx context.Context, workerID string, limit int) ([]*types.JobRun, error) {
	query := jobRunSelect + `
		WHERE state = $1 AND assigned_worker_id = $2
		ORDER BY assigned_at, id
		FOR UPDATE SKIP LOCKED
	`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := l.tx.Query(ctx, query, types.JobRunAssigned, workerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobRuns(rows)
}

func (l *pgLeaderTx) SkipLateRun(ctx context.Context, jr *types.JobRun, reason string) error {
	summary := appendSummary(jr.ErrorSummary, reason)
	now := time.Now().UTC()
	_, err := l.tx.Exec(ctx, `
		UPDATE job_runs SET state=$2, error_summary=$3, finished_at=$4, version=version+1, updated_at=$4
		WHERE id=$1
	`, jr.ID, types.JobRunSkipped, summary, now)
	return err
}

func (l *pgLeaderTx) HasRunningRun(ctx context.Context, workerID string) (bool, error) {
	var exists bool
	err := l.tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM job_runs WHERE state = $1 AND assigned_worker_id = $2)
	`, types.JobRunRunning, workerID).Scan(&exists)
	return exists, err
}

func (l *pgLeaderTx) RunningRunsForWorker(ctx context.Context, workerID string) ([]*types.JobRun, error) {
	rows, err := l.tx.Query(ctx, jobRunSelect+`
		WHERE state = $1 AND assigned_worker_id = $2
		ORDER BY started_at, id
		FOR UPDATE SKIP LOCKED
	`, types.JobRunRunning, workerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobRuns(rows)
}

func scanJobRuns(rows pgx.Rows) ([]*types.JobRun, error) {
	var out []*types.JobRun
	for rows.Next() {
		jr, err := scanJobRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, jr)
	}
	return out, rows.Err()
}

func appendSummary(existing, addition string) string {
	summary := addition
	if existing != "" {
		summary = existing + "\n" + addition
	}
	if len(summary) > errorSummaryMaxBytes {
		summary = summary[:errorSummaryMaxBytes]
	}
	return summary
}
