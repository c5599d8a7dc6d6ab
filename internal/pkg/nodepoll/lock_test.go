package nodepoll

import (
	"errors"
	"testing"
	"time"

	"github.com/membergate/nodesync/internal/pkg/statestore"
)

func TestLeaseLockAcquireRelease(t *testing.T) {
	store := statestore.NewMemoryStore()
	lock := NewLeaseLock(store, KeyLockUntil)

	if !lock.Acquire(10 * time.Minute) {
		t.Fatalf("expected first acquire to succeed")
	}
	if lock.Acquire(10 * time.Minute) {
		t.Fatalf("expected second acquire to fail while held")
	}
	if !lock.Held() {
		t.Fatalf("expected lock to be held")
	}

	lock.Release()
	if lock.Held() {
		t.Fatalf("expected lock to be free after release")
	}
	if !lock.Acquire(10 * time.Minute) {
		t.Fatalf("expected re-acquire after release to succeed")
	}
}

func TestLeaseLockExpiredLeaseIsReacquirable(t *testing.T) {
	store := statestore.NewMemoryStore()
	lock := NewLeaseLock(store, KeyLockUntil)

	base := time.Now()
	lock.now = func() time.Time { return base }
	if !lock.Acquire(10 * time.Minute) {
		t.Fatalf("expected acquire to succeed")
	}

	// Jump past the lease expiry without releasing.
	lock.now = func() time.Time { return base.Add(11 * time.Minute) }
	if lock.Held() {
		t.Fatalf("expected expired lease to read as free")
	}
	if !lock.Acquire(10 * time.Minute) {
		t.Fatalf("expected acquire over an expired lease to succeed")
	}
}

func TestLeaseLockUnparseableValueTreatedAsExpired(t *testing.T) {
	store := statestore.NewMemoryStore()
	if err := store.Set(KeyLockUntil, "not-a-timestamp"); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	lock := NewLeaseLock(store, KeyLockUntil)
	if lock.Held() {
		t.Fatalf("unparseable lock value should read as free")
	}
	if !lock.Acquire(time.Minute) {
		t.Fatalf("expected acquire over garbage value to succeed")
	}
}

// failingStore errors on every operation.
type failingStore struct{}

func (failingStore) Get(string) (string, error) { return "", errors.New("store down") }
func (failingStore) Set(string, string) error   { return errors.New("store down") }
func (failingStore) Delete(string) error        { return errors.New("store down") }

func TestLeaseLockUnreadableStoreBlocksAcquire(t *testing.T) {
	lock := NewLeaseLock(failingStore{}, KeyLockUntil)
	if lock.Acquire(time.Minute) {
		t.Fatalf("expected acquire to fail when the store is unreadable")
	}
	if !lock.Held() {
		t.Fatalf("unreadable lock must be treated as held")
	}
}
