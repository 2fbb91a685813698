package config

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/cuemby/scheduler/pkg/storage"
	"github.com/cuemby/scheduler/pkg/types"
)

type fakeSettingsStore struct {
	values map[string][]byte
}

func (s *fakeSettingsStore) GetSetting(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok := s.values[key]
	return v, ok, nil
}
func (s *fakeSettingsStore) SetSetting(ctx context.Context, key string, value []byte) error {
	s.values[key] = value
	return nil
}

func (s *fakeSettingsStore) Close()                   {}
func (s *fakeSettingsStore) SaveCA(data []byte) error { return nil }
func (s *fakeSettingsStore) GetCA() ([]byte, error)   { return nil, nil }
func (s *fakeSettingsStore) CreateJobDefinition(ctx context.Context, jd *types.JobDefinition) error {
	return nil
}
func (s *fakeSettingsStore) GetJobDefinition(ctx context.Context, id string) (*types.JobDefinition, error) {
	return nil, nil
}
func (s *fakeSettingsStore) ListJobDefinitions(ctx context.Context) ([]*types.JobDefinition, error) {
	return nil, nil
}
func (s *fakeSettingsStore) UpdateJobDefinition(ctx context.Context, jd *types.JobDefinition) error {
	return nil
}
func (s *fakeSettingsStore) DeleteJobDefinition(ctx context.Context, id string) error { return nil }
func (s *fakeSettingsStore) CountEnabledJobDefinitions(ctx context.Context) (int, error) {
	return 0, nil
}
func (s *fakeSettingsStore) GetJobRun(ctx context.Context, id string) (*types.JobRun, error) {
	return nil, nil
}
func (s *fakeSettingsStore) CountJobRunsByState(ctx context.Context, state types.JobRunState) (int, error) {
	return 0, nil
}
func (s *fakeSettingsStore) CreateEvent(ctx context.Context, ev *types.Event) error { return nil }
func (s *fakeSettingsStore) RecentUnprocessedEventExists(ctx context.Context, eventType, dedupeKey string) (bool, error) {
	return false, nil
}
func (s *fakeSettingsStore) CreatePendingJobRunForEvent(ctx context.Context, jobDefinitionID string) (*types.JobRun, error) {
	return nil, nil
}
func (s *fakeSettingsStore) GetOldestPendingConfigReload(ctx context.Context) (*types.ConfigReloadRequest, error) {
	return nil, nil
}
func (s *fakeSettingsStore) CreateConfigReloadRequest(ctx context.Context, req *types.ConfigReloadRequest) error {
	return nil
}
func (s *fakeSettingsStore) UpdateConfigReloadRequest(ctx context.Context, req *types.ConfigReloadRequest) error {
	return nil
}
func (s *fakeSettingsStore) BeginLeaderTx(ctx context.Context) (storage.LeaderTx, error) {
	return nil, nil
}
func (s *fakeSettingsStore) MarkRunning(ctx context.Context, in storage.MarkRunningInput) (bool, error) {
	return false, nil
}
func (s *fakeSettingsStore) FinishRun(ctx context.Context, in storage.FinishRunInput) error {
	return nil
}

func jsonOf(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestCacheReloadAppliesOverrides(t *testing.T) {
	store := &fakeSettingsStore{values: map[string][]byte{
		KeyAssignAheadSeconds:       jsonOf(t, 120),
		KeySkipLateRunsAfterSeconds: jsonOf(t, 600),
		KeyRebalanceAssignedEnabled: jsonOf(t, false),
		KeyHeartbeatTTL:             jsonOf(t, 30),
	}}

	c := NewCache()
	c.Reload(context.Background(), store)

	if got := c.LeaderTick().AssignAheadSeconds; got != 120 {
		t.Errorf("AssignAheadSeconds = %d, want 120", got)
	}
	if got := c.SkipLateAfterSeconds(); got != 600 {
		t.Errorf("SkipLateAfterSeconds = %d, want 600", got)
	}
	if got := c.LeaderTick().RebalanceAssignedEnabled; got != false {
		t.Errorf("RebalanceAssignedEnabled = %v, want false", got)
	}
	if got := c.Coordination().HeartbeatTTLSeconds; got != 30 {
		t.Errorf("HeartbeatTTLSeconds = %d, want 30", got)
	}
	// Untouched keys keep their defaults.
	if got := c.LeaderTick().ContinuationConfirmSeconds; got != 30 {
		t.Errorf("ContinuationConfirmSeconds = %d, want default 30", got)
	}
}

func TestCacheReloadFallsBackOnBadCoercion(t *testing.T) {
	store := &fakeSettingsStore{values: map[string][]byte{
		KeyAssignAheadSeconds: []byte(`"not-an-int"`),
	}}

	c := NewCache()
	c.Reload(context.Background(), store)

	if got := c.LeaderTick().AssignAheadSeconds; got != 60 {
		t.Errorf("AssignAheadSeconds = %d, want default 60 on bad coercion", got)
	}
}

func TestCacheReloadMissingKeysKeepDefaults(t *testing.T) {
	store := &fakeSettingsStore{values: map[string][]byte{}}
	c := NewCache()
	c.Reload(context.Background(), store)

	want := NewCache()
	if c.LeaderTick() != want.LeaderTick() {
		t.Errorf("LeaderTick() = %+v, want defaults %+v", c.LeaderTick(), want.LeaderTick())
	}
}
