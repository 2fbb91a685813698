package dispatcher

import (
	"testing"
	"time"

	"github.com/cuemby/scheduler/pkg/types"
)

func TestShouldSkipLate(t *testing.T) {
	d := &Dispatcher{cfg: Config{SkipLateAfterSeconds: 300}}
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)

	late := now.Add(-10 * time.Minute)
	jr := &types.JobRun{ScheduledFor: &late}
	if !d.shouldSkipLate(now, jr) {
		t.Error("expected a run 10 minutes past its schedule to be skip-late")
	}
}

func TestShouldSkipLateNotYetDue(t *testing.T) {
	d := &Dispatcher{cfg: Config{SkipLateAfterSeconds: 300}}
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)

	recent := now.Add(-1 * time.Minute)
	jr := &types.JobRun{ScheduledFor: &recent}
	if d.shouldSkipLate(now, jr) {
		t.Error("a run only 1 minute past schedule should not be skip-late with a 300s window")
	}
}

func TestShouldSkipLateDisabled(t *testing.T) {
	d := &Dispatcher{cfg: Config{SkipLateAfterSeconds: 0}}
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	longAgo := now.Add(-24 * time.Hour)
	jr := &types.JobRun{ScheduledFor: &longAgo}
	if d.shouldSkipLate(now, jr) {
		t.Error("skip-late must be disabled when SkipLateAfterSeconds <= 0")
	}
}

func TestShouldSkipLateIgnoresAlreadyStartedRuns(t *testing.T) {
	d := &Dispatcher{cfg: Config{SkipLateAfterSeconds: 300}}
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	longAgo := now.Add(-24 * time.Hour)
	started := now.Add(-1 * time.Minute)
	jr := &types.JobRun{ScheduledFor: &longAgo, StartedAt: &started}
	if d.shouldSkipLate(now, jr) {
		t.Error("a run that already started must never be skip-late")
	}
}

func TestShouldSkipLateIgnoresEventTriggeredRuns(t *testing.T) {
	d := &Dispatcher{cfg: Config{SkipLateAfterSeconds: 300}}
	jr := &types.JobRun{ScheduledFor: nil}
	if d.shouldSkipLate(time.Now(), jr) {
		t.Error("an event-triggered run with no scheduled_for is never skip-late")
	}
}

func TestMaxInt(t *testing.T) {
	if maxInt(3, 5) != 5 {
		t.Error("maxInt(3,5) should be 5")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.SkipLateAfterSeconds != 300 {
		t.Errorf("SkipLateAfterSeconds = %d, want 300", cfg.SkipLateAfterSeconds)
	}
	if cfg.RPCPerSecond <= 0 {
		t.Error("RPCPerSecond must be positive")
	}
}
