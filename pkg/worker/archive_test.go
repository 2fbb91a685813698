package worker

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestIsJobRunLogName(t *testing.T) {
	cases := map[string]bool{
		"jobrun_abc_1.log": true,
		"jobrun_abc_1.txt": false,
		"other_abc_1.log":  false,
		"jobrun_.log":      true,
	}
	for name, want := range cases {
		if got := isJobRunLogName(name); got != want {
			t.Errorf("isJobRunLogName(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestCleanupOldLocalLogsRemovesOnlyExpired(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	old := filepath.Join(dir, "jobrun_old_1.log")
	fresh := filepath.Join(dir, "jobrun_fresh_1.log")
	other := filepath.Join(dir, "notes.txt")

	for _, p := range []string{old, fresh, other} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	oldTime := now.Add(-48 * time.Hour)
	if err := os.Chtimes(old, oldTime, oldTime); err != nil {
		t.Fatal(err)
	}

	removed, err := cleanupOldLocalLogs(dir, LocalLogPolicy{RetentionHours: 24}, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("expected old log to be removed")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("expected fresh log to survive")
	}
	if _, err := os.Stat(other); err != nil {
		t.Error("expected unrelated file to survive")
	}
}

func TestCleanupOldLocalLogsDisabledByZeroRetention(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "jobrun_x_1.log")
	if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-1000 * time.Hour)
	if err := os.Chtimes(p, old, old); err != nil {
		t.Fatal(err)
	}

	removed, err := cleanupOldLocalLogs(dir, LocalLogPolicy{RetentionHours: 0}, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 0 {
		t.Errorf("removed = %d, want 0 when retention disabled", removed)
	}
}

func TestCleanupOldLocalLogsMissingDir(t *testing.T) {
	removed, err := cleanupOldLocalLogs(filepath.Join(t.TempDir(), "missing"), LocalLogPolicy{RetentionHours: 1}, time.Now())
	if err != nil {
		t.Fatalf("unexpected error for missing dir: %v", err)
	}
	if removed != 0 {
		t.Errorf("removed = %d, want 0", removed)
	}
}
