package metrics

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cuemby/scheduler/pkg/coordination"
	"github.com/cuemby/scheduler/pkg/log"
	"github.com/cuemby/scheduler/pkg/storage"
	"github.com/cuemby/scheduler/pkg/types"
)

var polledStates = []types.JobRunState{
	types.JobRunPending,
	types.JobRunAssigned,
	types.JobRunRunning,
	types.JobRunSucceeded,
	types.JobRunFailed,
	types.JobRunCanceled,
	types.JobRunTimedOut,
	types.JobRunSkipped,
	types.JobRunOrphaned,
}

// Collector periodically refreshes the gauge-style metrics that need a
// point-in-time read rather than an update at the call site: job run
// counts by state, enabled job definitions, the active worker roster, and
// this process's last-ticked coordination role.
type Collector struct {
	store  storage.Store
	coord  *coordination.Coordinator
	rdb    *redis.Client
	stopCh chan struct{}
}

// NewCollector builds a Collector. coord may be nil on a process that
// never participates in election (none currently do, but the check keeps
// this safe if that ever changes).
func NewCollector(store storage.Store, coord *coordination.Coordinator, rdb *redis.Client) *Collector {
	return &Collector{
		store:  store,
		coord:  coord,
		rdb:    rdb,
		stopCh: make(chan struct{}),
	}
}

// Start begins polling on a 15 second interval, matching the cadence the
// original cluster metrics collector used.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect(ctx)
		for {
			select {
			case <-ticker.C:
				c.collect(ctx)
			case <-c.stopCh:
				ticker.Stop()
				return
			case <-ctx.Done():
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop ends the polling loop.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect(ctx context.Context) {
	logger := log.WithComponent("metrics")

	for _, state := range polledStates {
		count, err := c.store.CountJobRunsByState(ctx, state)
		if err != nil {
			logger.Warn().Err(err).Str("state", string(state)).Msg("count job runs by state failed")
			continue
		}
		JobRunsTotal.WithLabelValues(string(state)).Set(float64(count))
	}

	if n, err := c.store.CountEnabledJobDefinitions(ctx); err == nil {
		EnabledJobDefinitionsTotal.Set(float64(n))
	} else {
		logger.Warn().Err(err).Msg("count enabled job definitions failed")
	}

	if c.rdb != nil {
		workers, err := coordination.ListWorkers(ctx, c.rdb)
		if err != nil {
			logger.Warn().Err(err).Msg("list workers failed")
		} else {
			roleCounts := map[types.WorkerRole]int{}
			for _, w := range workers {
				if w.HeartbeatTTLSeconds <= 0 {
					continue
				}
				roleCounts[w.Role]++
			}
			WorkersTotal.WithLabelValues(string(types.WorkerRoleLeader)).Set(float64(roleCounts[types.WorkerRoleLeader]))
			WorkersTotal.WithLabelValues(string(types.WorkerRoleSubleader)).Set(float64(roleCounts[types.WorkerRoleSubleader]))
			WorkersTotal.WithLabelValues(string(types.WorkerRoleWorker)).Set(float64(roleCounts[types.WorkerRoleWorker]))
		}
	}

	if c.coord != nil {
		if c.coord.IsLeader() {
			IsLeader.Set(1)
		} else {
			IsLeader.Set(0)
		}
		if c.coord.IsSubleader() {
			IsSubleader.Set(1)
		} else {
			IsSubleader.Set(0)
		}
		if epoch, ok := c.coord.LeaderEpoch(); ok {
			ClusterEpoch.Set(float64(epoch))
		}
	}
}
