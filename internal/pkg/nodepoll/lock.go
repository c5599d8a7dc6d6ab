package nodepoll

import (
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/membergate/nodesync/internal/pkg/statestore"
)

// LeaseLock is a time-bound, non-blocking mutex persisted in the state store.
// Acquire never waits; a contended caller must abort its run as "locked".
type LeaseLock struct {
	store statestore.Store
	key   string
	now   func() time.Time
}

// NewLeaseLock creates a lease lock stored under the given state key.
func NewLeaseLock(store statestore.Store, key string) *LeaseLock {
	return &LeaseLock{store: store, key: key, now: time.Now}
}

// Acquire takes the lease when no unexpired lock is held and returns whether
// it succeeded.
func (l *LeaseLock) Acquire(lease time.Duration) bool {
	if until, held := l.Until(); held {
		log.Debugf("[LeaseLock] %s held until %s, not acquiring", l.key, until.Format(time.RFC3339))
		return false
	}
	until := l.now().Add(lease).UTC()
	if err := l.store.Set(l.key, until.Format(time.RFC3339)); err != nil {
		log.Errorf("[LeaseLock] failed to persist %s: %v", l.key, err)
		return false
	}
	return true
}

// Release unconditionally clears the lock.
func (l *LeaseLock) Release() {
	if err := l.store.Delete(l.key); err != nil {
		log.Errorf("[LeaseLock] failed to release %s: %v", l.key, err)
	}
}

// ClearStale is the administrator-facing forced release. The "is it actually
// stale" check is a UI-level guard; the lock itself clears unconditionally.
func (l *LeaseLock) ClearStale() {
	log.Warnf("[LeaseLock] forced release of %s", l.key)
	l.Release()
}

// Until returns the stored expiry and whether the lock is currently held.
func (l *LeaseLock) Until() (time.Time, bool) {
	raw, err := l.store.Get(l.key)
	if err != nil {
		log.Errorf("[LeaseLock] failed to read %s: %v", l.key, err)
		// Treat an unreadable lock as held so concurrent writers stay out.
		return time.Time{}, true
	}
	if raw == "" {
		return time.Time{}, false
	}
	until, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		// Unparseable leftover value: treat as expired.
		return time.Time{}, false
	}
	return until, until.After(l.now())
}

// Held reports whether an unexpired lease exists.
func (l *LeaseLock) Held() bool {
	_, held := l.Until()
	return held
}
