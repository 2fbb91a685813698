package worker

import (
	"os"
	"testing"
)

func TestCollectProcessTreeCountersSelf(t *testing.T) {
	sample, err := collectProcessTreeCounters(int32(os.Getpid()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sample.CPUSeconds < 0 || sample.RSSBytes < 0 {
		t.Errorf("unexpected negative sample: %+v", sample)
	}
}

func TestCollectProcessTreeCountersMissingPID(t *testing.T) {
	if _, err := collectProcessTreeCounters(1 << 30); err == nil {
		t.Error("expected error for a pid that cannot exist")
	}
}
