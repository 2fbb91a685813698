package eventingest

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/cuemby/scheduler/pkg/storage"
	"github.com/cuemby/scheduler/pkg/types"
)

type fakeStore struct {
	defs           []*types.JobDefinition
	dedupeExists   bool
	createdEvents  []*types.Event
	createdRuns    []string
	failCreateFor  string
}

func (s *fakeStore) Close()                   {}
func (s *fakeStore) SaveCA(data []byte) error { return nil }
func (s *fakeStore) GetCA() ([]byte, error)   { return nil, nil }
func (s *fakeStore) CreateJobDefinition(ctx context.Context, jd *types.JobDefinition) error {
	return nil
}
func (s *fakeStore) GetJobDefinition(ctx context.Context, id string) (*types.JobDefinition, error) {
	return nil, nil
}
func (s *fakeStore) ListJobDefinitions(ctx context.Context) ([]*types.JobDefinition, error) {
	return s.defs, nil
}
func (s *fakeStore) UpdateJobDefinition(ctx context.Context, jd *types.JobDefinition) error {
	return nil
}
func (s *fakeStore) DeleteJobDefinition(ctx context.Context, id string) error     { return nil }
func (s *fakeStore) CountEnabledJobDefinitions(ctx context.Context) (int, error) { return 0, nil }
func (s *fakeStore) GetJobRun(ctx context.Context, id string) (*types.JobRun, error) {
	return nil, nil
}
func (s *fakeStore) CountJobRunsByState(ctx context.Context, state types.JobRunState) (int, error) {
	return 0, nil
}
func (s *fakeStore) CreateEvent(ctx context.Context, ev *types.Event) error {
	ev.ID = "ev-1"
	s.createdEvents = append(s.createdEvents, ev)
	return nil
}
func (s *fakeStore) RecentUnprocessedEventExists(ctx context.Context, eventType, dedupeKey string) (bool, error) {
	return s.dedupeExists, nil
}
func (s *fakeStore) CreatePendingJobRunForEvent(ctx context.Context, jobDefinitionID string) (*types.JobRun, error) {
	if jobDefinitionID == s.failCreateFor {
		return nil, context.DeadlineExceeded
	}
	id := "run-" + jobDefinitionID
	s.createdRuns = append(s.createdRuns, id)
	return &types.JobRun{ID: id, JobDefinitionID: jobDefinitionID}, nil
}
func (s *fakeStore) GetOldestPendingConfigReload(ctx context.Context) (*types.ConfigReloadRequest, error) {
	return nil, nil
}
func (s *fakeStore) CreateConfigReloadRequest(ctx context.Context, req *types.ConfigReloadRequest) error {
	return nil
}
func (s *fakeStore) UpdateConfigReloadRequest(ctx context.Context, req *types.ConfigReloadRequest) error {
	return nil
}
func (s *fakeStore) GetSetting(ctx context.Context, key string) ([]byte, bool, error) {
	return nil, false, nil
}
func (s *fakeStore) SetSetting(ctx context.Context, key string, value []byte) error { return nil }
func (s *fakeStore) BeginLeaderTx(ctx context.Context) (storage.LeaderTx, error)    { return nil, nil }
func (s *fakeStore) MarkRunning(ctx context.Context, in storage.MarkRunningInput) (bool, error) {
	return false, nil
}
func (s *fakeStore) FinishRun(ctx context.Context, in storage.FinishRunInput) error { return nil }

func schedule(t *testing.T, eventType string) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(map[string]string{"event_type": eventType})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestIngestEventCreatesRunsForMatchingDefinitions(t *testing.T) {
	store := &fakeStore{defs: []*types.JobDefinition{
		{ID: "d1", Enabled: true, Kind: types.JobKindEvent, Schedule: schedule(t, "deploy.finished")},
		{ID: "d2", Enabled: true, Kind: types.JobKindEvent, Schedule: schedule(t, "other.event")},
		{ID: "d3", Enabled: false, Kind: types.JobKindEvent, Schedule: schedule(t, "deploy.finished")},
		{ID: "d4", Enabled: true, Kind: types.JobKindTime},
	}}

	res, err := IngestEvent(context.Background(), store, "deploy.finished", json.RawMessage(`{}`), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Deduplicated {
		t.Fatal("expected not deduplicated")
	}
	if len(res.JobRunIDs) != 1 || res.JobRunIDs[0] != "run-d1" {
		t.Errorf("JobRunIDs = %v, want [run-d1]", res.JobRunIDs)
	}
}

func TestIngestEventDeduplicates(t *testing.T) {
	store := &fakeStore{dedupeExists: true}
	res, err := IngestEvent(context.Background(), store, "deploy.finished", json.RawMessage(`{}`), "dedupe-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Deduplicated {
		t.Error("expected Deduplicated = true")
	}
	if len(store.createdEvents) != 0 {
		t.Error("expected no event created on dedupe hit")
	}
}

func TestIngestEventToleratesPerDefinitionFailure(t *testing.T) {
	store := &fakeStore{
		defs: []*types.JobDefinition{
			{ID: "d1", Enabled: true, Kind: types.JobKindEvent, Schedule: schedule(t, "x")},
			{ID: "d2", Enabled: true, Kind: types.JobKindEvent, Schedule: schedule(t, "x")},
		},
		failCreateFor: "d1",
	}
	res, err := IngestEvent(context.Background(), store, "x", json.RawMessage(`{}`), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.JobRunIDs) != 1 || res.JobRunIDs[0] != "run-d2" {
		t.Errorf("JobRunIDs = %v, want [run-d2]", res.JobRunIDs)
	}
}
