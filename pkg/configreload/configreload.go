// Package configreload drives the leader's side of config reload: poll the
// oldest PENDING ConfigReloadRequest, clear the leader's own settings
// cache, fan ReloadConfig out to every active worker with the current
// epoch, and record the outcome.
package configreload

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/scheduler/pkg/config"
	"github.com/cuemby/scheduler/pkg/coordination"
	"github.com/cuemby/scheduler/pkg/log"
	"github.com/cuemby/scheduler/pkg/metrics"
	"github.com/cuemby/scheduler/pkg/rpc"
	"github.com/cuemby/scheduler/pkg/storage"
	"github.com/cuemby/scheduler/pkg/types"
)

// Config bounds one poll pass.
type Config struct {
	Interval   time.Duration
	RPCTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:   2 * time.Second,
		RPCTimeout: 5 * time.Second,
	}
}

// ClientDialer resolves a worker id to an RPC client, the same shape the
// Dispatcher and Reconciler consume.
type ClientDialer interface {
	Dial(workerID string) (*rpc.Client, error)
}

// Reloader owns the leader's local settings Cache and drives its refresh
// in lockstep with every worker's own ReloadConfig.
type Reloader struct {
	store  storage.Store
	coord  *coordination.Coordinator
	dialer ClientDialer
	cache  *config.Cache
	cfg    Config
	logger zerolog.Logger
	stopCh chan struct{}
}

func New(store storage.Store, coord *coordination.Coordinator, dialer ClientDialer, cache *config.Cache, cfg Config) *Reloader {
	return &Reloader{
		store:  store,
		coord:  coord,
		dialer: dialer,
		cache:  cache,
		cfg:    cfg,
		logger: log.WithComponent("configreload"),
		stopCh: make(chan struct{}),
	}
}

func (r *Reloader) Start(ctx context.Context, activeWorkers func() []types.WorkerInfo) {
	go r.run(ctx, activeWorkers)
}

func (r *Reloader) Stop() {
	close(r.stopCh)
}

func (r *Reloader) run(ctx context.Context, activeWorkers func() []types.WorkerInfo) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !r.coord.IsLeader() {
				continue
			}
			if err := r.RunOnce(ctx, activeWorkers()); err != nil {
				r.logger.Error().Err(err).Msg("config reload pass failed")
			}
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce fetches the oldest PENDING request, if any, applies it locally,
// fans it out, and records the result. A worker RPC failure never aborts
// the batch — it is recorded in the per-worker outcome map and the
// request's final status reflects whether every worker succeeded.
func (r *Reloader) RunOnce(ctx context.Context, workers []types.WorkerInfo) error {
	leaderEpoch, isLeader := r.coord.LeaderEpoch()
	if !isLeader {
		return nil
	}

	req, err := r.store.GetOldestPendingConfigReload(ctx)
	if err != nil {
		return fmt.Errorf("get pending config reload: %w", err)
	}
	if req == nil {
		return nil
	}

	r.cache.Reload(ctx, r.store)

	outcomes := make(map[string]string, len(workers))
	allOK := true
	for _, w := range workers {
		client, err := r.dialer.Dial(w.WorkerID)
		if err != nil {
			outcomes[w.WorkerID] = fmt.Sprintf("dial failed: %v", err)
			allOK = false
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.RPCTimeout)
		resp, err := client.ReloadConfig(callCtx, rpc.ReloadConfigRequest{
			LeaderEpoch: leaderEpoch,
			RequestedBy: req.RequestedBy,
		})
		cancel()
		switch {
		case err != nil:
			outcomes[w.WorkerID] = fmt.Sprintf("rpc failed: %v", err)
			allOK = false
		case !resp.OK:
			outcomes[w.WorkerID] = resp.Message
			allOK = false
		default:
			outcomes[w.WorkerID] = "ok"
		}
	}

	now := time.Now().UTC()
	req.AppliedAt = &now
	req.LeaderWorkerID = workerIDOf(workers, leaderEpoch)
	req.LeaderEpoch = &leaderEpoch
	if allOK {
		req.Status = types.ConfigReloadApplied
	} else {
		req.Status = types.ConfigReloadFailed
	}
	metrics.ConfigReloadsTotal.WithLabelValues(string(req.Status)).Inc()
	result, err := json.Marshal(outcomes)
	if err != nil {
		return fmt.Errorf("marshal outcomes: %w", err)
	}
	req.ResultJSON = result

	if err := r.store.UpdateConfigReloadRequest(ctx, req); err != nil {
		return fmt.Errorf("update config reload request: %w", err)
	}

	r.logger.Info().
		Str("request_id", req.ID).
		Str("status", string(req.Status)).
		Int("worker_count", len(workers)).
		Msg("config reload pass complete")
	return nil
}

// workerIDOf returns the worker id of the first roster entry whose role is
// leader, or "" when no entry is; leaderEpoch is not consulted. The result
// only fills the informational LeaderWorkerID (the authoritative actor is
// LeaderEpoch).
func workerIDOf(workers []types.WorkerInfo, leaderEpoch int64) string {
	for _, w := range workers {
		if w.Role == types.WorkerRoleLeader {
			return w.WorkerID
		}
	}
	return ""
}
