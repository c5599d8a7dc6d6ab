package nodepoll

import (
	"strconv"

	"github.com/membergate/nodesync/internal/pkg/statestore"
)

// minStableStreak is how many consecutive fully-clean runs are required
// before the engine trusts the remote export enough to delete locally. A
// single clean-looking page fetch can still be a truncated list from a
// partial outage.
const minStableStreak = 2

// StabilityTracker persists the consecutive-clean-run streak that gates
// destructive deletion.
type StabilityTracker struct {
	store statestore.Store
}

// NewStabilityTracker creates a tracker over the shared state store.
func NewStabilityTracker(store statestore.Store) *StabilityTracker {
	return &StabilityTracker{store: store}
}

// Streak returns the current consecutive-clean-run count.
func (t *StabilityTracker) Streak() int {
	raw, err := t.store.Get(keyStableStreak)
	if err != nil || raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// LastUnstable reports whether the most recent run was flagged unstable.
func (t *StabilityTracker) LastUnstable() bool {
	raw, _ := t.store.Get(keyLastUnstable)
	return raw == "1"
}

// RecordStable increments the streak, clears the unstable flag and returns
// the new streak value.
func (t *StabilityTracker) RecordStable() (int, error) {
	streak := t.Streak() + 1
	if err := t.store.Set(keyStableStreak, strconv.Itoa(streak)); err != nil {
		return 0, err
	}
	if err := t.store.Set(keyLastUnstable, "0"); err != nil {
		return 0, err
	}
	return streak, nil
}

// RecordUnstable resets the streak to zero and sets the unstable flag.
func (t *StabilityTracker) RecordUnstable() error {
	if err := t.store.Set(keyStableStreak, "0"); err != nil {
		return err
	}
	return t.store.Set(keyLastUnstable, "1")
}
