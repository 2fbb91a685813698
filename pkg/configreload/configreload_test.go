package configreload

import (
	"testing"

	"github.com/cuemby/scheduler/pkg/types"
)

func TestWorkerIDOfFindsLeader(t *testing.T) {
	workers := []types.WorkerInfo{
		{WorkerID: "w1", Role: types.WorkerRoleWorker},
		{WorkerID: "w2", Role: types.WorkerRoleLeader},
	}
	if got := workerIDOf(workers, 5); got != "w2" {
		t.Errorf("workerIDOf = %q, want w2", got)
	}
}

func TestWorkerIDOfNoLeaderInRoster(t *testing.T) {
	workers := []types.WorkerInfo{
		{WorkerID: "w1", Role: types.WorkerRoleWorker},
	}
	if got := workerIDOf(workers, 5); got != "" {
		t.Errorf("workerIDOf = %q, want empty", got)
	}
}

func TestDefaultConfigSane(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Interval <= 0 || cfg.RPCTimeout <= 0 {
		t.Errorf("DefaultConfig() = %+v, want positive durations", cfg)
	}
}
