package worker

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/scheduler/pkg/rpc"
	"github.com/cuemby/scheduler/pkg/storage"
	"github.com/cuemby/scheduler/pkg/types"
)

// fakeStore implements storage.Store, recording MarkRunning/FinishRun calls
// and signaling finishCh whenever FinishRun is called so tests can wait for
// the asynchronous supervision goroutine without sleeping arbitrarily.
type fakeStore struct {
	mu sync.Mutex

	markRunningResult bool
	markRunningErr     error
	markRunningCalls   int

	finishes []storage.FinishRunInput
	finishCh chan storage.FinishRunInput
}

func newFakeStore() *fakeStore {
	return &fakeStore{markRunningResult: true, finishCh: make(chan storage.FinishRunInput, 8)}
}

func (f *fakeStore) Close() {}
func (f *fakeStore) SaveCA(data []byte) error     { return nil }
func (f *fakeStore) GetCA() ([]byte, error)       { return nil, nil }

func (f *fakeStore) CreateJobDefinition(ctx context.Context, jd *types.JobDefinition) error { return nil }
func (f *fakeStore) GetJobDefinition(ctx context.Context, id string) (*types.JobDefinition, error) {
	return nil, nil
}
func (f *fakeStore) ListJobDefinitions(ctx context.Context) ([]*types.JobDefinition, error) {
	return nil, nil
}
func (f *fakeStore) UpdateJobDefinition(ctx context.Context, jd *types.JobDefinition) error { return nil }
func (f *fakeStore) DeleteJobDefinition(ctx context.Context, id string) error               { return nil }
func (f *fakeStore) CountEnabledJobDefinitions(ctx context.Context) (int, error)             { return 0, nil }

func (f *fakeStore) GetJobRun(ctx context.Context, id string) (*types.JobRun, error) { return nil, nil }
func (f *fakeStore) CountJobRunsByState(ctx context.Context, state types.JobRunState) (int, error) {
	return 0, nil
}

func (f *fakeStore) CreateEvent(ctx context.Context, ev *types.Event) error { return nil }
func (f *fakeStore) RecentUnprocessedEventExists(ctx context.Context, eventType, dedupeKey string) (bool, error) {
	return false, nil
}
func (f *fakeStore) CreatePendingJobRunForEvent(ctx context.Context, jobDefinitionID string) (*types.JobRun, error) {
	return nil, nil
}

func (f *fakeStore) GetOldestPendingConfigReload(ctx context.Context) (*types.ConfigReloadRequest, error) {
	return nil, nil
}
func (f *fakeStore) CreateConfigReloadRequest(ctx context.Context, req *types.ConfigReloadRequest) error {
	return nil
}
func (f *fakeStore) UpdateConfigReloadRequest(ctx context.Context, req *types.ConfigReloadRequest) error {
	return nil
}

func (f *fakeStore) GetSetting(ctx context.Context, key string) ([]byte, bool, error) { return nil, false, nil }
func (f *fakeStore) SetSetting(ctx context.Context, key string, value []byte) error   { return nil }

func (f *fakeStore) BeginLeaderTx(ctx context.Context) (storage.LeaderTx, error) { return nil, nil }

func (f *fakeStore) MarkRunning(ctx context.Context, in storage.MarkRunningInput) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markRunningCalls++
	return f.markRunningResult, f.markRunningErr
}

func (f *fakeStore) FinishRun(ctx context.Context, in storage.FinishRunInput) error {
	f.mu.Lock()
	f.finishes = append(f.finishes, in)
	f.mu.Unlock()
	f.finishCh <- in
	return nil
}

func (f *fakeStore) awaitFinish(t *testing.T) storage.FinishRunInput {
	t.Helper()
	select {
	case in := <-f.finishCh:
		return in
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for FinishRun")
		return storage.FinishRunInput{}
	}
}

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
}

func newTestRuntime(t *testing.T, store *fakeStore, cmdDir string) *Runtime {
	t.Helper()
	return NewRuntime(Config{
		WorkerID: "w1",
		NodeID:   "n1",
		Store:    store,
		Commands: DirCommandResolver{Dir: cmdDir},
		LogsDir:  t.TempDir(),
	})
}

func TestStartJobSucceeds(t *testing.T) {
	cmdDir := t.TempDir()
	writeScript(t, cmdDir, "ok", "#!/bin/sh\nexit 0\n")
	store := newFakeStore()
	rt := newTestRuntime(t, store, cmdDir)

	resp := rt.StartJob(rpc.StartJobRequest{JobRunID: "r1", CommandName: "ok", LeaderEpoch: 1, Attempt: 1})
	if resp.Result != rpc.StartJobAccepted {
		t.Fatalf("got %s: %s", resp.Result, resp.Message)
	}

	fin := store.awaitFinish(t)
	if fin.FinalState != types.JobRunSucceeded {
		t.Errorf("final state = %s, want SUCCEEDED", fin.FinalState)
	}
	if fin.ExitCode == nil || *fin.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", fin.ExitCode)
	}
}

func TestStartJobReportsFailure(t *testing.T) {
	cmdDir := t.TempDir()
	writeScript(t, cmdDir, "bad", "#!/bin/sh\nexit 7\n")
	store := newFakeStore()
	rt := newTestRuntime(t, store, cmdDir)

	resp := rt.StartJob(rpc.StartJobRequest{JobRunID: "r2", CommandName: "bad", LeaderEpoch: 1, Attempt: 1})
	if resp.Result != rpc.StartJobAccepted {
		t.Fatalf("got %s: %s", resp.Result, resp.Message)
	}

	fin := store.awaitFinish(t)
	if fin.FinalState != types.JobRunFailed {
		t.Errorf("final state = %s, want FAILED", fin.FinalState)
	}
	if fin.ExitCode == nil || *fin.ExitCode != 7 {
		t.Errorf("exit code = %v, want 7", fin.ExitCode)
	}
}

func TestStartJobRejectsOldEpoch(t *testing.T) {
	cmdDir := t.TempDir()
	writeScript(t, cmdDir, "ok", "#!/bin/sh\nexit 0\n")
	store := newFakeStore()
	rt := newTestRuntime(t, store, cmdDir)
	rt.SetClusterEpoch(5)

	resp := rt.StartJob(rpc.StartJobRequest{JobRunID: "r3", CommandName: "ok", LeaderEpoch: 1})
	if resp.Result != rpc.StartJobRejectedOldEpoch {
		t.Errorf("got %s, want REJECTED_OLD_EPOCH", resp.Result)
	}
}

func TestStartJobRejectsWhileDraining(t *testing.T) {
	cmdDir := t.TempDir()
	writeScript(t, cmdDir, "ok", "#!/bin/sh\nexit 0\n")
	store := newFakeStore()
	rt := newTestRuntime(t, store, cmdDir)
	rt.Drain(rpc.DrainRequest{Enable: true})

	resp := rt.StartJob(rpc.StartJobRequest{JobRunID: "r4", CommandName: "ok"})
	if resp.Result != rpc.StartJobRejectedDraining {
		t.Errorf("got %s, want REJECTED_DRAINING", resp.Result)
	}
}

func TestStartJobRejectsInvalidCommand(t *testing.T) {
	cmdDir := t.TempDir()
	store := newFakeStore()
	rt := newTestRuntime(t, store, cmdDir)

	resp := rt.StartJob(rpc.StartJobRequest{JobRunID: "r5", CommandName: "missing"})
	if resp.Result != rpc.StartJobRejectedInvalid {
		t.Errorf("got %s, want REJECTED_INVALID", resp.Result)
	}
}

func TestStartJobRejectsMalformedArgsJSON(t *testing.T) {
	cmdDir := t.TempDir()
	writeScript(t, cmdDir, "ok", "#!/bin/sh\nexit 0\n")
	store := newFakeStore()
	rt := newTestRuntime(t, store, cmdDir)

	resp := rt.StartJob(rpc.StartJobRequest{JobRunID: "r5a", CommandName: "ok", ArgsJSON: "{not json"})
	if resp.Result != rpc.StartJobRejectedInvalid {
		t.Errorf("got %s, want REJECTED_INVALID", resp.Result)
	}
	if store.markRunningCalls != 0 {
		t.Errorf("store was touched on malformed args_json: %d MarkRunning calls", store.markRunningCalls)
	}
}

func TestStartJobRejectsNonObjectArrayArgsJSON(t *testing.T) {
	cmdDir := t.TempDir()
	writeScript(t, cmdDir, "ok", "#!/bin/sh\nexit 0\n")
	store := newFakeStore()
	rt := newTestRuntime(t, store, cmdDir)

	resp := rt.StartJob(rpc.StartJobRequest{JobRunID: "r5b", CommandName: "ok", ArgsJSON: `"just a string"`})
	if resp.Result != rpc.StartJobRejectedInvalid {
		t.Errorf("got %s, want REJECTED_INVALID", resp.Result)
	}
	if store.markRunningCalls != 0 {
		t.Errorf("store was touched on wrong-type args_json: %d MarkRunning calls", store.markRunningCalls)
	}
}

func TestStartJobRejectsWhenAlreadyRunning(t *testing.T) {
	cmdDir := t.TempDir()
	writeScript(t, cmdDir, "slow", "#!/bin/sh\nsleep 2\n")
	store := newFakeStore()
	rt := newTestRuntime(t, store, cmdDir)

	first := rt.StartJob(rpc.StartJobRequest{JobRunID: "r6", CommandName: "slow", Attempt: 1})
	if first.Result != rpc.StartJobAccepted {
		t.Fatalf("first StartJob: %s: %s", first.Result, first.Message)
	}

	second := rt.StartJob(rpc.StartJobRequest{JobRunID: "r7", CommandName: "slow", Attempt: 1})
	if second.Result != rpc.StartJobRejectedAlreadyRunning {
		t.Errorf("got %s, want REJECTED_ALREADY_RUNNING", second.Result)
	}

	cancel := rt.CancelJob(rpc.CancelJobRequest{JobRunID: "r6", Reason: "test cleanup"})
	if cancel.Result != rpc.CancelJobAccepted {
		t.Errorf("cancel result = %s", cancel.Result)
	}
	fin := store.awaitFinish(t)
	if fin.FinalState != types.JobRunCanceled {
		t.Errorf("final state = %s, want CANCELED", fin.FinalState)
	}
}

func TestCancelJobNotFoundForUnknownRun(t *testing.T) {
	cmdDir := t.TempDir()
	store := newFakeStore()
	rt := newTestRuntime(t, store, cmdDir)

	resp := rt.CancelJob(rpc.CancelJobRequest{JobRunID: "ghost"})
	if resp.Result != rpc.CancelJobNotFound {
		t.Errorf("got %s, want NOT_FOUND", resp.Result)
	}
}

func TestGetStatusReflectsRunningJob(t *testing.T) {
	cmdDir := t.TempDir()
	writeScript(t, cmdDir, "slow", "#!/bin/sh\nsleep 1\n")
	store := newFakeStore()
	rt := newTestRuntime(t, store, cmdDir)

	rt.StartJob(rpc.StartJobRequest{JobRunID: "r8", CommandName: "slow"})
	time.Sleep(50 * time.Millisecond)

	status := rt.GetStatus(rpc.GetStatusRequest{})
	if status.CurrentJobRunID != "r8" || status.Load != 1 {
		t.Errorf("status = %+v", status)
	}

	store.awaitFinish(t)
}

func TestTruncateSummary(t *testing.T) {
	long := make([]byte, errorSummaryMax+100)
	for i := range long {
		long[i] = 'a'
	}
	got := truncateSummary(string(long))
	if len(got) != errorSummaryMax {
		t.Errorf("len = %d, want %d", len(got), errorSummaryMax)
	}
}

func TestExitCodeFromWaitErr(t *testing.T) {
	if exitCodeFromWaitErr(nil) != 0 {
		t.Error("nil error should mean exit code 0")
	}
}
