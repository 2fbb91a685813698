// Package dispatcher runs the leader's paced loop that turns ASSIGNED job
// runs into StartJob calls against the owning worker: for each active
// worker it takes up to K oldest-first ASSIGNED runs from the current
// LeaderTx snapshot, skips a worker that is already RUNNING something or a
// run whose start window has closed, and otherwise dispatches with the
// current leader epoch so a worker that has seen a newer leader rejects
// the call outright.
package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/cuemby/scheduler/pkg/coordination"
	"github.com/cuemby/scheduler/pkg/log"
	"github.com/cuemby/scheduler/pkg/metrics"
	"github.com/cuemby/scheduler/pkg/rpc"
	"github.com/cuemby/scheduler/pkg/storage"
	"github.com/cuemby/scheduler/pkg/types"
)

// Config bounds one dispatch pass.
type Config struct {
	Interval time.Duration

	// MaxPerWorkerPerTick caps how many ASSIGNED runs are considered per
	// active worker in one pass.
	MaxPerWorkerPerTick int

	// SkipLateAfterSeconds: an ASSIGNED, not-yet-started run whose
	// scheduled_for is older than this is transitioned to SKIPPED instead
	// of dispatched. <= 0 disables skip-late entirely.
	SkipLateAfterSeconds int

	// RPCPerSecond/RPCBurst bound StartJob call volume per tick via
	// golang.org/x/time/rate, guarding against a large backlog flooding
	// every worker's RPC server at once.
	RPCPerSecond float64
	RPCBurst     int

	// TickBudget stops a pass early once elapsed wall-clock time exceeds
	// it, leaving remaining candidates for the next tick.
	TickBudget time.Duration

	RPCTimeout time.Duration
}

// DefaultConfig matches the recognized dispatcher knobs.
func DefaultConfig() Config {
	return Config{
		Interval:             2 * time.Second,
		MaxPerWorkerPerTick:  5,
		SkipLateAfterSeconds: 300,
		RPCPerSecond:         20,
		RPCBurst:             20,
		TickBudget:           1500 * time.Millisecond,
		RPCTimeout:           5 * time.Second,
	}
}

// ClientDialer resolves a worker id to an RPC client. The dispatcher never
// caches connections itself: callers typically keep a small pool keyed by
// worker id (see cmd/scheduler) and hand back the same *rpc.Client across
// calls, since the underlying http.Client already reuses connections.
type ClientDialer interface {
	Dial(workerID string) (*rpc.Client, error)
}

// Snapshot summarizes one dispatch pass.
type Snapshot struct {
	Dispatched int
	Skipped    int
	Failed     int
}

// Dispatcher drives the ticker loop; like LeaderTick it only acts while the
// coordinator reports leadership.
type Dispatcher struct {
	store  storage.Store
	coord  *coordination.Coordinator
	dialer ClientDialer
	cfg    Config
	logger zerolog.Logger
	limiter *rate.Limiter
	stopCh chan struct{}
}

func New(store storage.Store, coord *coordination.Coordinator, dialer ClientDialer, cfg Config) *Dispatcher {
	if cfg.RPCPerSecond <= 0 {
		cfg.RPCPerSecond = 20
	}
	if cfg.RPCBurst <= 0 {
		cfg.RPCBurst = int(cfg.RPCPerSecond)
	}
	return &Dispatcher{
		store:   store,
		coord:   coord,
		dialer:  dialer,
		cfg:     cfg,
		logger:  log.WithComponent("dispatcher"),
		limiter: rate.NewLimiter(rate.Limit(cfg.RPCPerSecond), cfg.RPCBurst),
		stopCh:  make(chan struct{}),
	}
}

func (d *Dispatcher) Start(ctx context.Context, activeWorkers func() []types.WorkerInfo) {
	go d.run(ctx, activeWorkers)
}

func (d *Dispatcher) Stop() {
	close(d.stopCh)
}

func (d *Dispatcher) run(ctx context.Context, activeWorkers func() []types.WorkerInfo) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !d.coord.IsLeader() {
				continue
			}
			snap, err := d.RunOnce(ctx, time.Now().UTC(), activeWorkers())
			if err != nil {
				d.logger.Error().Err(err).Msg("dispatch pass failed")
				continue
			}
			d.logger.Debug().Int("dispatched", snap.Dispatched).Int("skipped", snap.Skipped).Int("failed", snap.Failed).Msg("dispatch pass")
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce executes one dispatch pass against workers, inside a single
// LeaderTx. leaderEpoch is the epoch presented on every StartJob call this
// pass makes.
func (d *Dispatcher) RunOnce(ctx context.Context, now time.Time, workers []types.WorkerInfo) (Snapshot, error) {
	leaderEpoch, isLeader := d.coord.LeaderEpoch()
	if !isLeader {
		return Snapshot{}, nil
	}

	timer := metrics.NewTimer()
	defer metrics.DispatchDuration.Observe(timer.Duration().Seconds())

	tx, err := d.store.BeginLeaderTx(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	var active []string
	for _, w := range workers {
		if w.HeartbeatTTLSeconds > 0 {
			active = append(active, w.WorkerID)
		}
	}
	sort.Strings(active)

	deadline := now.Add(d.cfg.TickBudget)
	var snap Snapshot

	for _, workerID := range active {
		if d.cfg.TickBudget > 0 && time.Now().After(deadline) {
			break
		}

		running, err := tx.HasRunningRun(ctx, workerID)
		if err != nil {
			return Snapshot{}, err
		}
		if running {
			continue
		}

		candidates, err := tx.DispatchCandidates(ctx, workerID, maxInt(1, d.cfg.MaxPerWorkerPerTick))
		if err != nil {
			return Snapshot{}, err
		}

		for _, jr := range candidates {
			if d.shouldSkipLate(now, jr) {
				if err := tx.SkipLateRun(ctx, jr, "skipped: past skip_late_runs_after_seconds window"); err != nil {
					return Snapshot{}, err
				}
				snap.Skipped++
				continue
			}

			if err := d.limiter.Wait(ctx); err != nil {
				return Snapshot{}, fmt.Errorf("dispatcher: rate limiter: %w", err)
			}

			jd, err := d.store.GetJobDefinition(ctx, jr.JobDefinitionID)
			if err != nil || jd == nil {
				d.logger.Warn().Err(err).Str("job_run_id", jr.ID).Msg("job definition missing, leaving run ASSIGNED for retry")
				snap.Failed++
				metrics.DispatchAttemptsTotal.WithLabelValues("error").Inc()
				continue
			}

			client, err := d.dialer.Dial(workerID)
			if err != nil {
				d.logger.Warn().Err(err).Str("worker_id", workerID).Msg("failed to dial worker, leaving run ASSIGNED for retry")
				snap.Failed++
				metrics.DispatchAttemptsTotal.WithLabelValues("error").Inc()
				continue
			}

			callCtx, cancel := context.WithTimeout(ctx, d.cfg.RPCTimeout)
			resp, err := client.StartJob(callCtx, rpc.StartJobRequest{
				LeaderEpoch:    leaderEpoch,
				JobRunID:       jr.ID,
				CommandName:    jd.CommandName,
				ArgsJSON:       string(jd.DefaultArgsJSON),
				TimeoutSeconds: jd.TimeoutSeconds,
				Attempt:        jr.Attempt + 1,
			})
			cancel()
			if err != nil {
				d.logger.Warn().Err(err).Str("worker_id", workerID).Str("job_run_id", jr.ID).Msg("start_job rpc failed, leaving run ASSIGNED for retry")
				snap.Failed++
				metrics.DispatchAttemptsTotal.WithLabelValues("error").Inc()
				continue
			}
			if resp.Result != rpc.StartJobAccepted {
				d.logger.Warn().Str("worker_id", workerID).Str("job_run_id", jr.ID).Str("result", string(resp.Result)).Msg("start_job rejected, leaving run ASSIGNED for retry")
				snap.Failed++
				metrics.DispatchAttemptsTotal.WithLabelValues("rejected").Inc()
				continue
			}
			snap.Dispatched++
			metrics.DispatchAttemptsTotal.WithLabelValues("ok").Inc()
			// Only one outstanding StartJob per worker per pass: a worker
			// that just accepted a job now shows running in the next
			// tick's fresh snapshot.
			break
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Snapshot{}, err
	}
	committed = true
	return snap, nil
}

func (d *Dispatcher) shouldSkipLate(now time.Time, jr *types.JobRun) bool {
	if d.cfg.SkipLateAfterSeconds <= 0 {
		return false
	}
	if jr.ScheduledFor == nil {
		return false
	}
	if jr.StartedAt != nil {
		return false
	}
	cutoff := now.Add(-time.Duration(d.cfg.SkipLateAfterSeconds) * time.Second)
	return jr.ScheduledFor.Before(cutoff)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
