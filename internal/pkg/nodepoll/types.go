package nodepoll

import "strconv"

// Terminal run statuses reported to the admin layer and the alerting
// subsystem.
const (
	StatusOK       = "ok"
	StatusError    = "error"
	StatusLocked   = "locked"
	StatusDisabled = "disabled"
)

// State store keys shared with the admin status view. The daily resync lock
// key belongs to the sibling job; the poll engine only reads it.
const (
	KeyLockUntil       = "node_poll_lock_until"
	KeyResyncLockUntil = "daily_resync_lock_until"

	keyStableStreak = "node_poll_stable_streak"
	keyLastUnstable = "node_poll_last_unstable"

	keyLastRunAt      = "node_poll_last_run_at"
	keyLastResult     = "node_poll_last_result"
	keyLastError      = "node_poll_last_error"
	keyLastHTTP       = "node_poll_last_http"
	keyLastURL        = "node_poll_last_url"
	keyLastBody       = "node_poll_last_body"
	keyLastDurationMS = "node_poll_last_duration_ms"
	keyLastDeleteSkip = "node_poll_last_delete_skip"
)

// JobName identifies this job towards the alerting subsystem.
const JobName = "node_poll"

// RunResult is the structured outcome every invocation returns; the engine
// never propagates errors past its own boundary.
type RunResult struct {
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// RunCounts aggregates per-run telemetry.
type RunCounts struct {
	Pages          int   `json:"pages"`
	Items          int   `json:"items"`
	SkippedInvalid int   `json:"skipped_invalid"`
	KeysInserted   int   `json:"keys_inserted"`
	KeysUpdated    int   `json:"keys_updated"`
	KeysLegacy     int   `json:"keys_legacy"`
	KeysConflict   int   `json:"keys_conflict"`
	UsersInserted  int   `json:"users_inserted"`
	UsersUpdated   int   `json:"users_updated"`
	UsersLegacy    int   `json:"users_legacy"`
	UsersConflict  int   `json:"users_conflict"`
	KeysDeleted    int64 `json:"keys_deleted"`
	UsersDeleted   int64 `json:"users_deleted"`
}

// PairKey builds the identity pair key used for presence comparisons.
// Callers must only use it for pairs with both components present.
func PairKey(userID uint, subscriptionID string) string {
	return strconv.FormatUint(uint64(userID), 10) + "|" + subscriptionID
}
