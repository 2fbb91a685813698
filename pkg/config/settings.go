package config

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/cuemby/scheduler/pkg/coordination"
	"github.com/cuemby/scheduler/pkg/dispatcher"
	"github.com/cuemby/scheduler/pkg/leadertick"
	"github.com/cuemby/scheduler/pkg/log"
	"github.com/cuemby/scheduler/pkg/storage"
)

// Recognized setting keys, stored in scheduler_settings as JSON scalars
// under these exact names.
const (
	KeyAssignAheadSeconds             = "assign_ahead_seconds"
	KeySkipLateRunsAfterSeconds       = "skip_late_runs_after_seconds"
	KeyReassignAssignedAfterSeconds   = "reassign_assigned_after_seconds"
	KeyContinuationConfirmSeconds     = "continuation_confirm_seconds"
	KeyAssignWeightLeader             = "assign_weight_leader"
	KeyAssignWeightSubleader          = "assign_weight_subleader"
	KeyAssignWeightWorker             = "assign_weight_worker"
	KeyAssignRunningLoadWeight        = "assign_running_load_weight"
	KeyRebalanceAssignedEnabled       = "rebalance_assigned_enabled"
	KeyRebalanceAssignedMinFutureSecs = "rebalance_assigned_min_future_secs"
	KeyRebalanceAssignedMaxPerTick    = "rebalance_assigned_max_per_tick"
	KeyRebalanceAssignedCooldownSecs  = "rebalance_assigned_cooldown_secs"
	KeyHeartbeatTTL                   = "heartbeat_ttl"
	KeyLeaderLockTTL                  = "leader_lock_ttl"
)

// Cache holds the process's last-loaded view of the recognized knobs.
// Reload re-reads every key from the store; a missing key or one that
// fails to coerce to its expected type silently falls back to the
// built-in default rather than failing the reload.
type Cache struct {
	mu sync.RWMutex

	leaderTick   leadertick.Config
	skipLateSecs int
	coordination coordination.Settings
}

// NewCache seeds a Cache with the built-in defaults; call Reload once a
// store is available to pick up any persisted overrides.
func NewCache() *Cache {
	return &Cache{
		leaderTick:   leadertick.DefaultConfig(),
		skipLateSecs: dispatcher.DefaultConfig().SkipLateAfterSeconds,
		coordination: coordination.DefaultSettings(),
	}
}

func (c *Cache) LeaderTick() leadertick.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.leaderTick
}

func (c *Cache) SkipLateAfterSeconds() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.skipLateSecs
}

func (c *Cache) Coordination() coordination.Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.coordination
}

// Reload re-reads every recognized knob from store, falling back to the
// value's default on a missing key or a coercion failure. It never
// returns an error: a partially-unreadable settings table degrades to
// defaults for the affected keys rather than blocking the reload.
func (c *Cache) Reload(ctx context.Context, store storage.Store) {
	lt := leadertick.DefaultConfig()
	lt.AssignAheadSeconds = getInt(ctx, store, KeyAssignAheadSeconds, lt.AssignAheadSeconds)
	lt.ReassignAssignedAfterSeconds = getInt(ctx, store, KeyReassignAssignedAfterSeconds, lt.ReassignAssignedAfterSeconds)
	lt.ContinuationConfirmSeconds = getInt(ctx, store, KeyContinuationConfirmSeconds, lt.ContinuationConfirmSeconds)
	lt.AssignWeightLeader = getInt(ctx, store, KeyAssignWeightLeader, lt.AssignWeightLeader)
	lt.AssignWeightSubleader = getInt(ctx, store, KeyAssignWeightSubleader, lt.AssignWeightSubleader)
	lt.AssignWeightWorker = getInt(ctx, store, KeyAssignWeightWorker, lt.AssignWeightWorker)
	lt.AssignRunningLoadWeight = getInt(ctx, store, KeyAssignRunningLoadWeight, lt.AssignRunningLoadWeight)
	lt.RebalanceAssignedEnabled = getBool(ctx, store, KeyRebalanceAssignedEnabled, lt.RebalanceAssignedEnabled)
	lt.RebalanceAssignedMinFutureSecs = getInt(ctx, store, KeyRebalanceAssignedMinFutureSecs, lt.RebalanceAssignedMinFutureSecs)
	lt.RebalanceAssignedMaxPerTick = getInt(ctx, store, KeyRebalanceAssignedMaxPerTick, lt.RebalanceAssignedMaxPerTick)
	lt.RebalanceAssignedCooldownSecs = getInt(ctx, store, KeyRebalanceAssignedCooldownSecs, lt.RebalanceAssignedCooldownSecs)

	skipLate := getInt(ctx, store, KeySkipLateRunsAfterSeconds, dispatcher.DefaultConfig().SkipLateAfterSeconds)

	coord := coordination.DefaultSettings()
	coord.HeartbeatTTLSeconds = getInt(ctx, store, KeyHeartbeatTTL, coord.HeartbeatTTLSeconds)
	coord.LeaderLockTTLSeconds = getInt(ctx, store, KeyLeaderLockTTL, coord.LeaderLockTTLSeconds)
	coord.SubleaderLockTTLSeconds = coord.LeaderLockTTLSeconds

	c.mu.Lock()
	c.leaderTick = lt
	c.skipLateSecs = skipLate
	c.coordination = coord
	c.mu.Unlock()
}

func getInt(ctx context.Context, store storage.Store, key string, fallback int) int {
	raw, ok, err := store.GetSetting(ctx, key)
	if err != nil || !ok {
		return fallback
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		log.WithComponent("config").Warn().Str("key", key).Msg("setting did not coerce to int, using default")
		return fallback
	}
	return n
}

func getBool(ctx context.Context, store storage.Store, key string, fallback bool) bool {
	raw, ok, err := store.GetSetting(ctx, key)
	if err != nil || !ok {
		return fallback
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		log.WithComponent("config").Warn().Str("key", key).Msg("setting did not coerce to bool, using default")
		return fallback
	}
	return b
}
