// Package leadertick runs the leader's periodic five-phase maintenance
// pass: orphan stuck runs, confirm or orphan runs whose worker vanished,
// materialize new runs from the calendar grammar, optionally rebalance
// assigned-but-not-started runs, and assign pending runs to workers.
package leadertick

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/cuemby/scheduler/pkg/coordination"
	"github.com/cuemby/scheduler/pkg/log"
	"github.com/cuemby/scheduler/pkg/metrics"
	"github.com/cuemby/scheduler/pkg/schedule"
	"github.com/cuemby/scheduler/pkg/storage"
	"github.com/cuemby/scheduler/pkg/types"
)

// Config bounds one tick's behavior. Field names and defaults mirror the
// tunables the original leader tick exposed as keyword arguments.
type Config struct {
	Interval time.Duration

	AssignAheadSeconds             int
	ReassignAssignedAfterSeconds   int
	ContinuationConfirmSeconds     int
	AssignWeightLeader             int
	AssignWeightSubleader          int
	AssignWeightWorker             int
	AssignRunningLoadWeight        int
	RebalanceAssignedEnabled       bool
	RebalanceAssignedMinFutureSecs int
	RebalanceAssignedMaxPerTick    int
	RebalanceAssignedCooldownSecs  int
}

// DefaultConfig matches the original deployment's tunables.
func DefaultConfig() Config {
	return Config{
		Interval:                       5 * time.Second,
		AssignAheadSeconds:             60,
		ReassignAssignedAfterSeconds:   10,
		ContinuationConfirmSeconds:     30,
		AssignWeightLeader:             1,
		AssignWeightSubleader:          2,
		AssignWeightWorker:             3,
		AssignRunningLoadWeight:        2,
		RebalanceAssignedEnabled:       true,
		RebalanceAssignedMinFutureSecs: 30,
		RebalanceAssignedMaxPerTick:    50,
		RebalanceAssignedCooldownSecs:  5,
	}
}

// Snapshot summarizes the effect of one tick, for logging and metrics.
type Snapshot struct {
	EnabledJobDefinitions int
	PendingJobRuns        int
	CreatedJobRuns        int
	AssignedJobRuns       int
	OrphanedJobRuns       int
	ConfirmingJobRuns     int
	ReassignedJobRuns     int
	RebalancedJobRuns     int
}

// LeaderTick drives the ticker loop; it only does work while the supplied
// Coordinator reports this process as cluster leader.
type LeaderTick struct {
	store  storage.Store
	coord  *coordination.Coordinator
	rdb    *redis.Client
	cfg    Config
	logger zerolog.Logger
	mu     sync.Mutex
	stopCh chan struct{}
}

// New builds a LeaderTick. rdb is used only to list the active worker
// roster; all election state lives in coord.
func New(store storage.Store, coord *coordination.Coordinator, rdb *redis.Client, cfg Config) *LeaderTick {
	return &LeaderTick{
		store:  store,
		coord:  coord,
		rdb:    rdb,
		cfg:    cfg,
		logger: log.WithComponent("leadertick"),
		stopCh: make(chan struct{}),
	}
}

// Start begins the tick loop in a background goroutine.
func (lt *LeaderTick) Start(ctx context.Context) {
	go lt.run(ctx)
}

// Stop ends the tick loop.
func (lt *LeaderTick) Stop() {
	close(lt.stopCh)
}

func (lt *LeaderTick) run(ctx context.Context) {
	ticker := time.NewTicker(lt.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !lt.coord.IsLeader() {
				continue
			}
			snap, err := lt.RunOnce(ctx, time.Now().UTC())
			if err != nil {
				lt.logger.Error().Err(err).Msg("leader tick failed")
				continue
			}
			lt.logger.Debug().
				Int("created", snap.CreatedJobRuns).
				Int("assigned", snap.AssignedJobRuns).
				Int("orphaned", snap.OrphanedJobRuns).
				Int("confirming", snap.ConfirmingJobRuns).
				Int("reassigned", snap.ReassignedJobRuns).
				Int("rebalanced", snap.RebalancedJobRuns).
				Msg("leader tick")
		case <-lt.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce executes one full tick against the current active worker set and
// leader epoch, inside a single LeaderTx. It reads the Coordinator's
// last-ticked role rather than driving election itself — the dedicated
// coordination goroutine owns calling Coordinator.Tick; LeaderTick only
// acts while that goroutine's latest result says this process is leader.
// It is exported so tests and the main loop can drive it directly.
func (lt *LeaderTick) RunOnce(ctx context.Context, now time.Time) (Snapshot, error) {
	leaderEpoch, isLeader := lt.coord.LeaderEpoch()
	if !isLeader {
		return Snapshot{}, nil
	}

	workers, err := coordination.ListWorkers(ctx, lt.rdb)
	if err != nil {
		return Snapshot{}, fmt.Errorf("leadertick: list workers: %w", err)
	}

	lt.mu.Lock()
	defer lt.mu.Unlock()
	timer := metrics.NewTimer()
	snap, err := runWithWorkers(ctx, lt.store, now, leaderEpoch, workers, lt.cfg)
	metrics.LeaderTickDuration.Observe(timer.Duration().Seconds())
	if err == nil {
		metrics.LeaderTickRunsCreated.Add(float64(snap.CreatedJobRuns))
		metrics.LeaderTickRunsAssigned.Add(float64(snap.AssignedJobRuns))
		metrics.LeaderTickRunsOrphaned.Add(float64(snap.OrphanedJobRuns))
		metrics.LeaderTickRunsRebalanced.Add(float64(snap.RebalancedJobRuns))
	}
	return snap, err
}

// runWithWorkers is the pure, directly-testable core of the tick: it takes
// the active worker roster as input rather than reading it from Redis
// itself, and operates entirely through the LeaderTx abstraction.
func runWithWorkers(ctx context.Context, store storage.Store, now time.Time, leaderEpoch int64, workers []types.WorkerInfo, cfg Config) (Snapshot, error) {
	tx, err := store.BeginLeaderTx(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	active := make(map[string]bool, len(workers))
	roleByWorker := make(map[string]types.WorkerRole, len(workers))
	var workerIDs []string
	for _, w := range workers {
		if w.HeartbeatTTLSeconds <= 0 {
			continue
		}
		active[w.WorkerID] = true
		roleByWorker[w.WorkerID] = w.Role
		workerIDs = append(workerIDs, w.WorkerID)
	}
	sort.Strings(workerIDs)

	var snap Snapshot

	enabledDefs, err := countEnabledDefs(ctx, store)
	if err != nil {
		return Snapshot{}, err
	}
	snap.EnabledJobDefinitions = enabledDefs

	reassignAfter := cfg.ReassignAssignedAfterSeconds
	if reassignAfter < 1 {
		reassignAfter = 1
	}
	confirmSecs := cfg.ContinuationConfirmSeconds
	if confirmSecs < 1 {
		confirmSecs = 1
	}

	// Phase A: stuck ASSIGNED runs whose worker vanished.
	assignedCutoff := now.Add(-time.Duration(reassignAfter) * time.Second)
	orphanedA, err := tx.OrphanStuckAssigned(ctx, assignedCutoff, active)
	if err != nil {
		return Snapshot{}, err
	}
	snap.OrphanedJobRuns += orphanedA

	// Phase B: confirm/orphan RUNNING runs.
	confirmed, orphanedB, err := tx.ConfirmOrOrphanRunning(ctx, now, confirmSecs, active)
	if err != nil {
		return Snapshot{}, err
	}
	snap.ConfirmingJobRuns += confirmed
	snap.OrphanedJobRuns += orphanedB

	// Phase C: materialize new runs from the calendar grammar.
	windowStart := now.Truncate(time.Minute)
	windowEnd := now.Add(time.Duration(maxInt(0, cfg.AssignAheadSeconds)) * time.Second).Truncate(time.Minute)

	defs, err := tx.ListEnabledTimeJobDefinitions(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	for _, jd := range defs {
		for _, slot := range schedule.MinuteSlots(windowStart, windowEnd) {
			if !schedule.Matches(slot.In(time.Local), jd.Schedule) {
				continue
			}
			created, err := tx.EnsureJobRun(ctx, jd.ID, slot)
			if err != nil {
				return Snapshot{}, err
			}
			if created {
				snap.CreatedJobRuns++
			}
		}
	}

	if len(workerIDs) > 0 {
		assignedCounts, runningCounts, err := tx.AssignmentCounts(ctx)
		if err != nil {
			return Snapshot{}, err
		}

		weightLeader := maxInt(1, cfg.AssignWeightLeader)
		weightSubleader := maxInt(1, cfg.AssignWeightSubleader)
		weightWorker := maxInt(1, cfg.AssignWeightWorker)
		runningLoadWeight := maxInt(1, cfg.AssignRunningLoadWeight)

		weightFor := func(workerID string) int {
			switch roleByWorker[workerID] {
			case types.WorkerRoleLeader:
				return weightLeader
			case types.WorkerRoleSubleader:
				return weightSubleader
			default:
				return weightWorker
			}
		}
		loadFor := func(workerID string) int {
			return assignedCounts[workerID] + runningCounts[workerID]*runningLoadWeight
		}
		pickWorker := func() string {
			return pickLeastLoaded(workerIDs, loadFor, weightFor)
		}

		// Phase D: optional rebalance of ASSIGNED-but-not-started runs.
		if cfg.RebalanceAssignedEnabled && len(workerIDs) > 1 {
			minFuture := maxInt(0, cfg.RebalanceAssignedMinFutureSecs)
			cooldown := maxInt(0, cfg.RebalanceAssignedCooldownSecs)
			futureCutoff := now.Add(time.Duration(minFuture) * time.Second)
			cooldownCutoff := now.Add(-time.Duration(cooldown) * time.Second)

			candidates, err := tx.RebalanceCandidates(ctx, futureCutoff, cooldownCutoff, maxInt(0, cfg.RebalanceAssignedMaxPerTick))
			if err != nil {
				return Snapshot{}, err
			}
			for _, jr := range candidates {
				if !active[jr.AssignedWorkerID] {
					continue
				}
				current := jr.AssignedWorkerID
				assignedCounts[current] = maxInt(0, assignedCounts[current]-1)
				best := pickWorker()
				if best == current {
					assignedCounts[current]++
					continue
				}
				trace := fmt.Sprintf("rebalanced: %s -> %s", current, best)
				if err := tx.ReassignRun(ctx, jr, best, leaderEpoch, now, trace); err != nil {
					return Snapshot{}, err
				}
				assignedCounts[best]++
				snap.RebalancedJobRuns++
			}
		}

		// Phase E: assign PENDING/ORPHANED runs due within the window.
		pending, err := tx.AssignCandidates(ctx, windowEnd)
		if err != nil {
			return Snapshot{}, err
		}
		for _, jr := range pending {
			isReassign := jr.State == types.JobRunOrphaned
			worker := pickWorker()
			if err := tx.AssignRun(ctx, jr, worker, leaderEpoch, now); err != nil {
				return Snapshot{}, err
			}
			snap.AssignedJobRuns++
			if isReassign {
				snap.ReassignedJobRuns++
			}
			assignedCounts[worker]++
		}
	}

	pendingCount, err := tx.CountPending(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap.PendingJobRuns = pendingCount

	if err := tx.Commit(ctx); err != nil {
		return Snapshot{}, err
	}
	committed = true
	return snap, nil
}

func countEnabledDefs(ctx context.Context, store storage.Store) (int, error) {
	return store.CountEnabledJobDefinitions(ctx)
}

// pickLeastLoaded chooses the worker minimizing load(w)/weight(w), compared
// by integer cross-multiplication to avoid floating point, with ties broken
// by the lexicographically smaller worker ID. workerIDs must be non-empty
// and is assumed sorted only for deterministic iteration, not correctness.
func pickLeastLoaded(workerIDs []string, loadFor, weightFor func(string) int) string {
	best := workerIDs[0]
	bestNum, bestDen := loadFor(best), weightFor(best)
	for _, wid := range workerIDs[1:] {
		num, den := loadFor(wid), weightFor(wid)
		if num*bestDen < bestNum*den || (num*bestDen == bestNum*den && wid < best) {
			best, bestNum, bestDen = wid, num, den
		}
	}
	return best
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
