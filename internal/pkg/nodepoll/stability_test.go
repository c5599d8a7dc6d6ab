package nodepoll

import (
	"testing"

	"github.com/membergate/nodesync/internal/pkg/statestore"
)

func TestStabilityTrackerStreak(t *testing.T) {
	tracker := NewStabilityTracker(statestore.NewMemoryStore())

	if got := tracker.Streak(); got != 0 {
		t.Fatalf("initial streak = %d, want 0", got)
	}

	for want := 1; want <= 3; want++ {
		got, err := tracker.RecordStable()
		if err != nil {
			t.Fatalf("RecordStable failed: %v", err)
		}
		if got != want {
			t.Fatalf("streak after %d clean runs = %d", want, got)
		}
	}
	if tracker.LastUnstable() {
		t.Fatalf("LastUnstable should be false after clean runs")
	}

	if err := tracker.RecordUnstable(); err != nil {
		t.Fatalf("RecordUnstable failed: %v", err)
	}
	if got := tracker.Streak(); got != 0 {
		t.Fatalf("streak after unstable run = %d, want 0", got)
	}
	if !tracker.LastUnstable() {
		t.Fatalf("LastUnstable should be true after unstable run")
	}

	// Recovery starts from scratch.
	got, err := tracker.RecordStable()
	if err != nil {
		t.Fatalf("RecordStable failed: %v", err)
	}
	if got != 1 {
		t.Fatalf("streak after recovery = %d, want 1", got)
	}
}

func TestStabilityTrackerGarbageValue(t *testing.T) {
	store := statestore.NewMemoryStore()
	if err := store.Set(keyStableStreak, "banana"); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	tracker := NewStabilityTracker(store)
	if got := tracker.Streak(); got != 0 {
		t.Fatalf("garbage streak value read as %d, want 0", got)
	}
}
