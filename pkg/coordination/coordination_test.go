package coordination

import (
	"testing"
	"time"

	"github.com/cuemby/scheduler/pkg/types"
)

func TestFormatUnix(t *testing.T) {
	got := formatUnix(time.Unix(1700000000, 500000000))
	want := "1700000000.500000"
	if got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestSortWorkersByLastSeenDesc(t *testing.T) {
	workers := []types.WorkerInfo{
		{WorkerID: "a", LastHeartbeatUnix: 100},
		{WorkerID: "b", LastHeartbeatUnix: 300},
		{WorkerID: "c", LastHeartbeatUnix: 200},
	}
	sortWorkersByLastSeenDesc(workers)
	order := []string{workers[0].WorkerID, workers[1].WorkerID, workers[2].WorkerID}
	want := []string{"b", "c", "a"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got order %v, want %v", order, want)
		}
	}
}

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()
	if s.HeartbeatTTLSeconds != 15 || s.LeaderLockTTLSeconds != 10 || s.SubleaderLockTTLSeconds != 10 {
		t.Errorf("unexpected defaults: %+v", s)
	}
}
