// Package coordination implements leader/subleader election over a shared
// Redis instance: TTL locks renewed on every tick, a monotonic cluster
// epoch minted exactly once per leader promotion, and worker heartbeats
// other processes read to learn the active worker set.
package coordination

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cuemby/scheduler/pkg/types"
)

const (
	keyLeaderLock    = "scheduler:leader:lock"
	keySubleaderLock = "scheduler:subleader:lock"
	keyLeaderEpoch   = "scheduler:leader:epoch"
)

func keyWorkerHeartbeat(workerID string) string { return "scheduler:worker:" + workerID + ":heartbeat" }
func keyWorkerInfo(workerID string) string      { return "scheduler:worker:" + workerID + ":info" }

const workerInfoScanPattern = "scheduler:worker:*:info"

var renewLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
else
  return 0
end
`)

var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
else
  return 0
end
`)

// Settings bounds the TTLs the coordinator renews on every tick.
type Settings struct {
	HeartbeatTTLSeconds    int
	LeaderLockTTLSeconds   int
	SubleaderLockTTLSeconds int
}

// DefaultSettings matches the original cluster's defaults.
func DefaultSettings() Settings {
	return Settings{
		HeartbeatTTLSeconds:     15,
		LeaderLockTTLSeconds:    10,
		SubleaderLockTTLSeconds: 10,
	}
}

// Coordinator holds one process's election state. Tick itself must be
// serialized by its caller (the dedicated coordination goroutine is the
// only one that ever calls it), but IsLeader/IsSubleader/LeaderEpoch are
// safe to read concurrently from the main loop and any paced component
// (LeaderTick, Dispatcher, Reconciler) reading the last-ticked role.
type Coordinator struct {
	rdb      *redis.Client
	workerID string
	nodeID   string
	rpcHost  string
	rpcPort  int
	settings Settings

	mu          sync.RWMutex
	isLeader    bool
	leaderEpoch *int64
	isSubleader bool
}

// New builds a Coordinator against an already-connected redis.Client.
func New(rdb *redis.Client, workerID, nodeID, rpcHost string, rpcPort int, settings Settings) *Coordinator {
	return &Coordinator{
		rdb:      rdb,
		workerID: workerID,
		nodeID:   nodeID,
		rpcHost:  rpcHost,
		rpcPort:  rpcPort,
		settings: settings,
	}
}

// IsLeader reports this process's last-known role without touching Redis.
func (c *Coordinator) IsLeader() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isLeader
}

// IsSubleader reports this process's last-known role without touching Redis.
func (c *Coordinator) IsSubleader() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isSubleader
}

// LeaderEpoch returns the epoch this process last minted or observed while
// holding the leader lock, and whether it is currently leader at all. Other
// components (Dispatcher, Reconciler) read this rather than calling Tick
// themselves, matching the copy-on-read split between the dedicated
// coordination goroutine and the paced main loop.
func (c *Coordinator) LeaderEpoch() (epoch int64, isLeader bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.isLeader || c.leaderEpoch == nil {
		return 0, false
	}
	return *c.leaderEpoch, true
}

// Tick renews this worker's heartbeat, renews or releases whichever locks
// this process currently holds, and lets a subleader attempt leader
// promotion when the leader lock is empty. It is the Go port of
// RedisCoordinator.tick.
func (c *Coordinator) Tick(ctx context.Context, now time.Time) (types.TickStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	nowStr := formatUnix(now)

	hbTTL := time.Duration(c.settings.HeartbeatTTLSeconds) * time.Second
	if err := c.rdb.Set(ctx, keyWorkerHeartbeat(c.workerID), nowStr, hbTTL).Err(); err != nil {
		return types.TickStatus{}, err
	}
	if err := c.rdb.HSet(ctx, keyWorkerInfo(c.workerID), map[string]any{
		"worker_id": c.workerID,
		"node_id":   c.nodeID,
		"rpc_host":  c.rpcHost,
		"rpc_port":  strconv.Itoa(c.rpcPort),
		"last_seen": nowStr,
	}).Err(); err != nil {
		return types.TickStatus{}, err
	}
	if err := c.rdb.Expire(ctx, keyWorkerInfo(c.workerID), hbTTL).Err(); err != nil {
		return types.TickStatus{}, err
	}

	currentLeader, err := getOrEmpty(ctx, c.rdb, keyLeaderLock)
	if err != nil {
		return types.TickStatus{}, err
	}
	// A restarted process under the same worker ID may already own a lock.
	if !c.isLeader && currentLeader == c.workerID {
		c.isLeader = true
		epoch, err := getEpoch(ctx, c.rdb)
		if err != nil {
			return types.TickStatus{}, err
		}
		if epoch > 0 {
			c.leaderEpoch = &epoch
		} else {
			c.leaderEpoch = nil
		}
	}

	currentSubleader, err := getOrEmpty(ctx, c.rdb, keySubleaderLock)
	if err != nil {
		return types.TickStatus{}, err
	}
	if !c.isLeader && !c.isSubleader && currentSubleader == c.workerID {
		c.isSubleader = true
	}

	leaderTTL := time.Duration(c.settings.LeaderLockTTLSeconds) * time.Second
	subleaderTTL := time.Duration(c.settings.SubleaderLockTTLSeconds) * time.Second

	if c.isLeader {
		renewed, err := renewLockScript.Run(ctx, c.rdb, []string{keyLeaderLock}, c.workerID, leaderTTL.Milliseconds()).Int()
		if err != nil {
			return types.TickStatus{}, err
		}
		if renewed <= 0 {
			c.isLeader = false
			c.leaderEpoch = nil
		}
	} else {
		if c.isSubleader {
			renewed, err := renewLockScript.Run(ctx, c.rdb, []string{keySubleaderLock}, c.workerID, subleaderTTL.Milliseconds()).Int()
			if err != nil {
				return types.TickStatus{}, err
			}
			if renewed <= 0 {
				c.isSubleader = false
			}
		} else {
			acquired, err := c.rdb.SetNX(ctx, keySubleaderLock, c.workerID, subleaderTTL).Result()
			if err != nil {
				return types.TickStatus{}, err
			}
			if acquired {
				c.isSubleader = true
			}
		}

		// Only a subleader attempts leader acquisition, and only while the
		// leader lock is empty — this is what keeps every idle worker from
		// hammering SETNX on every tick.
		if c.isSubleader && currentLeader == "" {
			acquired, err := c.rdb.SetNX(ctx, keyLeaderLock, c.workerID, leaderTTL).Result()
			if err != nil {
				return types.TickStatus{}, err
			}
			if acquired {
				c.isLeader = true
				epoch, err := c.rdb.Incr(ctx, keyLeaderEpoch).Result()
				if err != nil {
					return types.TickStatus{}, err
				}
				c.leaderEpoch = &epoch
				c.isSubleader = false
				_, _ = releaseLockScript.Run(ctx, c.rdb, []string{keySubleaderLock}, c.workerID).Result()
			}
		}
	}

	leaderWorkerID, err := getOrEmpty(ctx, c.rdb, keyLeaderLock)
	if err != nil {
		return types.TickStatus{}, err
	}
	subleaderWorkerID, err := getOrEmpty(ctx, c.rdb, keySubleaderLock)
	if err != nil {
		return types.TickStatus{}, err
	}
	clusterEpoch, err := getEpoch(ctx, c.rdb)
	if err != nil {
		return types.TickStatus{}, err
	}

	status := types.TickStatus{
		IsLeader:          c.isLeader,
		IsSubleader:       c.isSubleader,
		ClusterEpoch:      clusterEpoch,
		LeaderWorkerID:    leaderWorkerID,
		SubleaderWorkerID: subleaderWorkerID,
	}
	if c.isLeader && c.leaderEpoch != nil {
		status.LeaderEpoch = *c.leaderEpoch
	}
	return status, nil
}

// Shutdown releases any lock this process still holds. Best-effort: errors
// are swallowed the same way the original's shutdown() does, since a
// crashed release is recovered from by the lock's own TTL.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isLeader {
		_, _ = releaseLockScript.Run(ctx, c.rdb, []string{keyLeaderLock}, c.workerID).Result()
		c.isLeader = false
		c.leaderEpoch = nil
	}
	if c.isSubleader {
		_, _ = releaseLockScript.Run(ctx, c.rdb, []string{keySubleaderLock}, c.workerID).Result()
		c.isSubleader = false
	}
}

// ClusterLeadership is a read-only snapshot usable by any process, not just
// the coordinator instance driving its own election.
type ClusterLeadership struct {
	LeaderWorkerID string
	ClusterEpoch   int64
}

// GetClusterLeadership reads the current leader lock and epoch without
// participating in election.
func GetClusterLeadership(ctx context.Context, rdb *redis.Client) (ClusterLeadership, error) {
	leader, err := getOrEmpty(ctx, rdb, keyLeaderLock)
	if err != nil {
		return ClusterLeadership{}, err
	}
	epoch, err := getEpoch(ctx, rdb)
	if err != nil {
		return ClusterLeadership{}, err
	}
	return ClusterLeadership{LeaderWorkerID: leader, ClusterEpoch: epoch}, nil
}

// ListWorkers scans every published worker-info hash and reports its
// current heartbeat TTL, sorted by most-recently-seen first. A worker whose
// heartbeat has expired still has an info hash (it carries its own TTL
// separately) but reports HeartbeatTTLSeconds of 0 and is excluded from the
// active set by callers such as LeaderTick.
func ListWorkers(ctx context.Context, rdb *redis.Client) ([]types.WorkerInfo, error) {
	leader, err := getOrEmpty(ctx, rdb, keyLeaderLock)
	if err != nil {
		return nil, err
	}
	subleader, err := getOrEmpty(ctx, rdb, keySubleaderLock)
	if err != nil {
		return nil, err
	}

	var workers []types.WorkerInfo
	iter := rdb.Scan(ctx, 0, workerInfoScanPattern, 0).Iterator()
	for iter.Next(ctx) {
		data, err := rdb.HGetAll(ctx, iter.Val()).Result()
		if err != nil {
			return nil, err
		}
		workerID := data["worker_id"]
		lastSeenRaw := data["last_seen"]
		if workerID == "" || lastSeenRaw == "" {
			continue
		}
		lastSeenUnix, err := strconv.ParseFloat(lastSeenRaw, 64)
		if err != nil {
			continue
		}

		ttl, err := rdb.TTL(ctx, keyWorkerHeartbeat(workerID)).Result()
		if err != nil {
			return nil, err
		}
		ttlSeconds := int64(0)
		if ttl > 0 {
			ttlSeconds = int64(ttl.Seconds())
		}

		role := types.WorkerRoleWorker
		if workerID == leader {
			role = types.WorkerRoleLeader
		} else if workerID == subleader {
			role = types.WorkerRoleSubleader
		}

		workers = append(workers, types.WorkerInfo{
			WorkerID:            workerID,
			Role:                role,
			LastHeartbeatUnix:   int64(lastSeenUnix),
			HeartbeatTTLSeconds: ttlSeconds,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}

	sortWorkersByLastSeenDesc(workers)
	return workers, nil
}

// GetWorkerEndpoint reads the published RPC host/port for a single worker
// from its info hash, for dialers (Dispatcher, Reconciler, config reload
// fan-out) that only know a worker_id. Returns ok=false if the worker has
// never published an info hash or it has expired entirely.
func GetWorkerEndpoint(ctx context.Context, rdb *redis.Client, workerID string) (host string, port int, ok bool, err error) {
	data, err := rdb.HGetAll(ctx, keyWorkerInfo(workerID)).Result()
	if err != nil {
		return "", 0, false, err
	}
	host = data["rpc_host"]
	portStr := data["rpc_port"]
	if host == "" || portStr == "" {
		return "", 0, false, nil
	}
	port, err = strconv.Atoi(portStr)
	if err != nil {
		return "", 0, false, nil
	}
	return host, port, true, nil
}

func sortWorkersByLastSeenDesc(workers []types.WorkerInfo) {
	for i := 1; i < len(workers); i++ {
		for j := i; j > 0 && workers[j].LastHeartbeatUnix > workers[j-1].LastHeartbeatUnix; j-- {
			workers[j], workers[j-1] = workers[j-1], workers[j]
		}
	}
}

func getOrEmpty(ctx context.Context, rdb *redis.Client, key string) (string, error) {
	val, err := rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

func getEpoch(ctx context.Context, rdb *redis.Client) (int64, error) {
	val, err := getOrEmpty(ctx, rdb, keyLeaderEpoch)
	if err != nil {
		return 0, err
	}
	if val == "" {
		return 0, nil
	}
	return strconv.ParseInt(val, 10, 64)
}

func formatUnix(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', 6, 64)
}
