package nodepoll

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/membergate/nodesync/internal/pkg/statestore"
)

// RunStatus is the last-run snapshot shown in the admin status view.
type RunStatus struct {
	LastRunAt      string `json:"last_run_at"`
	LastResult     string `json:"last_result"`
	LastError      string `json:"last_error,omitempty"`
	LastHTTP       int    `json:"last_http,omitempty"`
	LastURL        string `json:"last_url,omitempty"`
	LastBody       string `json:"last_body,omitempty"`
	LastDurationMS int64  `json:"last_duration_ms"`
	LastDeleteSkip string `json:"last_delete_skip,omitempty"`
	LockUntil      string `json:"lock_until,omitempty"`
	StableStreak   int    `json:"stable_streak"`
}

// StatusReporter persists run status into the state store. Each run
// overwrites the previous snapshot.
type StatusReporter struct {
	store statestore.Store
	now   func() time.Time
}

// NewStatusReporter creates a reporter over the shared state store.
func NewStatusReporter(store statestore.Store) *StatusReporter {
	return &StatusReporter{store: store, now: time.Now}
}

// Record persists the terminal status of a run. fetchErr may be nil; the
// deleteSkip reason is empty when deletion ran or was not applicable.
func (s *StatusReporter) Record(result RunResult, fetchErr *FetchError, deleteSkip string) {
	set := func(key, value string) {
		if err := s.store.Set(key, value); err != nil {
			log.Errorf("[NodePoll] failed to persist %s: %v", key, err)
		}
	}

	set(keyLastRunAt, s.now().UTC().Format(time.RFC3339))
	set(keyLastResult, result.Status)
	set(keyLastError, result.Error)
	set(keyLastDurationMS, strconv.FormatInt(result.DurationMS, 10))
	set(keyLastDeleteSkip, deleteSkip)

	if fetchErr != nil {
		set(keyLastHTTP, strconv.Itoa(fetchErr.HTTPCode))
		set(keyLastURL, fetchErr.URL)
		set(keyLastBody, fetchErr.BodyExcerpt)
	} else {
		set(keyLastHTTP, "")
		set(keyLastURL, "")
		set(keyLastBody, "")
	}
}

// Last reads the persisted snapshot back for the admin layer.
func (s *StatusReporter) Last() (*RunStatus, error) {
	get := func(key string) (string, error) {
		return s.store.Get(key)
	}

	status := &RunStatus{}
	var err error
	if status.LastRunAt, err = get(keyLastRunAt); err != nil {
		return nil, err
	}
	if status.LastResult, err = get(keyLastResult); err != nil {
		return nil, err
	}
	if status.LastError, err = get(keyLastError); err != nil {
		return nil, err
	}
	if raw, err := get(keyLastHTTP); err == nil && raw != "" {
		status.LastHTTP, _ = strconv.Atoi(raw)
	}
	if status.LastURL, err = get(keyLastURL); err != nil {
		return nil, err
	}
	if status.LastBody, err = get(keyLastBody); err != nil {
		return nil, err
	}
	if raw, err := get(keyLastDurationMS); err == nil && raw != "" {
		status.LastDurationMS, _ = strconv.ParseInt(raw, 10, 64)
	}
	if status.LastDeleteSkip, err = get(keyLastDeleteSkip); err != nil {
		return nil, err
	}
	if raw, err := get(KeyLockUntil); err == nil {
		status.LockUntil = raw
	}
	if raw, err := get(keyStableStreak); err == nil && raw != "" {
		status.StableStreak, _ = strconv.Atoi(raw)
	}
	return status, nil
}
