package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/scheduler/pkg/coordination"
	"github.com/cuemby/scheduler/pkg/log"
	"github.com/cuemby/scheduler/pkg/metrics"
	"github.com/cuemby/scheduler/pkg/rpc"
	"github.com/cuemby/scheduler/pkg/storage"
	"github.com/cuemby/scheduler/pkg/types"
)

// Config bounds one reconciliation pass.
type Config struct {
	Interval time.Duration

	// BatchSize caps how many workers are probed per pass, round-robin
	// across calls so a large fleet is covered over several ticks instead
	// of stalling one tick on every worker's RPC latency.
	BatchSize int

	RPCTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:   3 * time.Second,
		BatchSize:  10,
		RPCTimeout: 3 * time.Second,
	}
}

// ClientDialer resolves a worker id to an RPC client, shared with the
// dispatcher's dialer so both components reuse the same connections.
type ClientDialer interface {
	Dial(workerID string) (*rpc.Client, error)
}

// Snapshot summarizes one reconciliation pass.
type Snapshot struct {
	Probed     int
	Confirmed  int
	Entered    int // runs newly moved into CONFIRMING this pass
	Orphaned   int // CONFIRMING runs past their deadline, moved to ORPHANED
	ProbeFailed int
}

// Reconciler periodically asks each active worker what it believes it is
// running and drives RUNNING runs whose worker no longer matches into
// CONFIRMING, then ORPHANED if the mismatch persists past the deadline.
type Reconciler struct {
	store  storage.Store
	coord  *coordination.Coordinator
	dialer ClientDialer
	cfg    Config
	logger zerolog.Logger
	stopCh chan struct{}
	cursor int
}

func New(store storage.Store, coord *coordination.Coordinator, dialer ClientDialer, cfg Config) *Reconciler {
	return &Reconciler{
		store:  store,
		coord:  coord,
		dialer: dialer,
		cfg:    cfg,
		logger: log.WithComponent("reconciler"),
		stopCh: make(chan struct{}),
	}
}

func (r *Reconciler) Start(ctx context.Context, activeWorkers func() []types.WorkerInfo) {
	go r.run(ctx, activeWorkers)
}

func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) run(ctx context.Context, activeWorkers func() []types.WorkerInfo) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !r.coord.IsLeader() {
				continue
			}
			snap, err := r.RunOnce(ctx, time.Now().UTC(), activeWorkers())
			if err != nil {
				r.logger.Error().Err(err).Msg("reconciliation pass failed")
				continue
			}
			r.logger.Debug().
				Int("probed", snap.Probed).
				Int("confirmed", snap.Confirmed).
				Int("entered_confirming", snap.Entered).
				Int("orphaned", snap.Orphaned).
				Int("probe_failed", snap.ProbeFailed).
				Msg("reconciliation pass")
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce probes up to Config.BatchSize active workers (round-robin across
// calls via r.cursor) and reconciles each RUNNING run assigned to them
// against the worker's own GetStatus answer.
func (r *Reconciler) RunOnce(ctx context.Context, now time.Time, workers []types.WorkerInfo) (Snapshot, error) {
	leaderEpoch, isLeader := r.coord.LeaderEpoch()
	if !isLeader {
		return Snapshot{}, nil
	}

	timer := metrics.NewTimer()
	defer metrics.ReconcileDuration.Observe(timer.Duration().Seconds())

	var active []types.WorkerInfo
	for _, w := range workers {
		if w.HeartbeatTTLSeconds > 0 {
			active = append(active, w)
		}
	}
	if len(active) == 0 {
		return Snapshot{}, nil
	}

	batch := r.cfg.BatchSize
	if batch <= 0 || batch > len(active) {
		batch = len(active)
	}

	var snap Snapshot
	for i := 0; i < batch; i++ {
		w := active[(r.cursor+i)%len(active)]
		snap.Probed++

		status, err := r.probe(ctx, w.WorkerID, leaderEpoch)
		if err != nil {
			r.logger.Warn().Err(err).Str("worker_id", w.WorkerID).Msg("get_status probe failed")
			snap.ProbeFailed++
			metrics.ReconcileProbesTotal.WithLabelValues("error").Inc()
			continue
		}
		metrics.ReconcileProbesTotal.WithLabelValues("ok").Inc()

		entered, confirmed, orphaned, err := r.reconcileWorker(ctx, now, w.WorkerID, status)
		if err != nil {
			return Snapshot{}, err
		}
		snap.Entered += entered
		snap.Confirmed += confirmed
		snap.Orphaned += orphaned
	}
	r.cursor = (r.cursor + batch) % len(active)

	return snap, nil
}

func (r *Reconciler) probe(ctx context.Context, workerID string, leaderEpoch int64) (rpc.GetStatusResponse, error) {
	client, err := r.dialer.Dial(workerID)
	if err != nil {
		return rpc.GetStatusResponse{}, fmt.Errorf("dial %s: %w", workerID, err)
	}
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.RPCTimeout)
	defer cancel()
	return client.GetStatus(callCtx, rpc.GetStatusRequest{LeaderEpoch: leaderEpoch})
}

// reconcileWorker runs one row-locked pass over workerID's RUNNING runs: a
// run already in CONFIRMING past its deadline is orphaned whatever job id
// the probe reported (RunOnce only calls this for a worker whose probe
// succeeded; a worker that does not answer is skipped); otherwise
// an empty or mismatched current_job_run_id moves a run into CONFIRMING
// with a reason describing what the probe actually reported, and a
// matching id leaves the run alone (treated as confirmed).
func (r *Reconciler) reconcileWorker(ctx context.Context, now time.Time, workerID string, status rpc.GetStatusResponse) (entered, confirmed, orphaned int, err error) {
	tx, err := r.store.BeginLeaderTx(ctx)
	if err != nil {
		return 0, 0, 0, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	runs, err := tx.RunningRunsForWorker(ctx, workerID)
	if err != nil {
		return 0, 0, 0, err
	}

	for _, jr := range runs {
		switch jr.ContinuationState {
		case types.ContinuationConfirming:
			if jr.ContinuationCheckDeadlineAt != nil && now.After(*jr.ContinuationCheckDeadlineAt) {
				if err := tx.OrphanConfirmingRun(ctx, jr, now, "orphaned: confirmation deadline passed without a matching GetStatus"); err != nil {
					return 0, 0, 0, err
				}
				orphaned++
			}
			// else: already CONFIRMING, deadline not yet passed — leave
			// it for ConfirmOrOrphanRunning (LeaderTick Phase B) or a
			// later pass of this same reconciler to resolve.
		default:
			reason := ""
			switch {
			case status.CurrentJobRunID == "":
				reason = fmt.Sprintf("worker %s reports no current job run", workerID)
			case status.CurrentJobRunID != jr.ID:
				reason = fmt.Sprintf("worker %s reports current job run %s, expected %s", workerID, status.CurrentJobRunID, jr.ID)
			default:
				confirmed++
				continue
			}
			deadline := now.Add(30 * time.Second)
			if err := tx.EnterConfirming(ctx, jr, now, deadline, reason); err != nil {
				return 0, 0, 0, err
			}
			entered++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, 0, err
	}
	committed = true
	return entered, confirmed, orphaned, nil
}
