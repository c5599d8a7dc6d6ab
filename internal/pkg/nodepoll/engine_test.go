package nodepoll

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/membergate/nodesync/app/models"
	"github.com/membergate/nodesync/internal/pkg/statestore"
)

// fakeFetcher serves canned export pages.
type fakeFetcher struct {
	pages []*ExportPage
	err   error
	calls int
}

func (f *fakeFetcher) FetchPage(ctx context.Context, page, perPage int) (*ExportPage, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if page <= len(f.pages) {
		return f.pages[page-1], nil
	}
	return &ExportPage{}, nil
}

func testSettings() *models.AppSettings {
	return &models.AppSettings{
		SiteTitle:               "NodeSync",
		NodePollEnabled:         true,
		NodePollDeleteMissing:   false,
		NodePollPerPage:         100,
		NodePollIntervalMinutes: 15,
		NodePollLeaseMinutes:    10,
		DailyResyncEnabled:      true,
		FreePlanSlug:            "free",
		AlertFailureThreshold:   3,
		AlertCooldownMinutes:    360,
	}
}

func newTestEngine(t *testing.T, fetcher Fetcher, repo Repository, settings *models.AppSettings) (*Engine, statestore.Store) {
	t.Helper()
	t.Setenv("NODE_API_BASE_URL", "http://node.test")
	t.Setenv("NODE_API_TOKEN", "secret")

	store := statestore.NewMemoryStore()
	engine := NewEngine(store, repo, fetcher)
	engine.settingsFn = func() *models.AppSettings { return settings }
	return engine, store
}

func boolPtr(v bool) *bool { return &v }
func intPtr(v int) *int    { return &v }

func exportItem(sub string, user uint) RemoteItem {
	return RemoteItem{
		SubscriptionID: flexString(sub),
		WPUserID:       flexUint(user),
		FlatPlanSlug:   "pro",
		Status:         "active",
		ValidUntil:     "2025-01-01",
	}
}

func TestEngineRunHappyPath(t *testing.T) {
	repo := newFakeRepo()
	fetcher := &fakeFetcher{pages: []*ExportPage{
		{Items: []RemoteItem{exportItem("sub_1", 42)}, HasMore: boolPtr(false)},
	}}
	engine, store := newTestEngine(t, fetcher, repo, testSettings())

	result := engine.Run(context.Background(), false)
	if result.Status != StatusOK {
		t.Fatalf("status = %s (%s), want ok", result.Status, result.Error)
	}

	key := repo.keys["sub_1"]
	if key == nil || key.UserID == nil || *key.UserID != 42 || key.PlanSlug != "pro" {
		t.Fatalf("key mirror row = %+v", key)
	}
	if repo.users[42] == nil || repo.users[42].SubscriptionID != "sub_1" {
		t.Fatalf("entitlement row = %+v", repo.users[42])
	}

	if got := NewStabilityTracker(store).Streak(); got != 1 {
		t.Fatalf("streak after first clean run = %d, want 1", got)
	}

	status, err := engine.LastStatus()
	if err != nil {
		t.Fatalf("LastStatus failed: %v", err)
	}
	if status.LastResult != StatusOK || status.LastRunAt == "" {
		t.Fatalf("persisted status = %+v", status)
	}
	if status.LockUntil != "" {
		t.Fatalf("lock should be released after the run, got %q", status.LockUntil)
	}
}

func TestEngineRunDisabled(t *testing.T) {
	settings := testSettings()
	settings.NodePollEnabled = false
	repo := newFakeRepo()
	fetcher := &fakeFetcher{pages: []*ExportPage{{Items: []RemoteItem{exportItem("sub_1", 42)}}}}
	engine, store := newTestEngine(t, fetcher, repo, settings)

	// Seed a streak so we can verify a disabled run leaves it alone.
	tracker := NewStabilityTracker(store)
	if _, err := tracker.RecordStable(); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	result := engine.Run(context.Background(), false)
	if result.Status != StatusDisabled {
		t.Fatalf("status = %s, want disabled", result.Status)
	}
	if fetcher.calls != 0 {
		t.Fatalf("disabled run must not fetch, saw %d calls", fetcher.calls)
	}
	if got := tracker.Streak(); got != 1 {
		t.Fatalf("disabled run changed the streak: %d", got)
	}

	// Manual trigger bypasses the disabled flag.
	result = engine.Run(context.Background(), true)
	if result.Status != StatusOK {
		t.Fatalf("manual run status = %s (%s), want ok", result.Status, result.Error)
	}
}

func TestEngineRunInvalidConfig(t *testing.T) {
	repo := newFakeRepo()
	fetcher := &fakeFetcher{}
	engine, _ := newTestEngine(t, fetcher, repo, testSettings())
	t.Setenv("NODE_API_BASE_URL", "")

	result := engine.Run(context.Background(), false)
	if result.Status != StatusError {
		t.Fatalf("status = %s, want error", result.Status)
	}
	if fetcher.calls != 0 {
		t.Fatalf("invalid config must not fetch")
	}
}

func TestEngineRunLockContention(t *testing.T) {
	repo := newFakeRepo()
	fetcher := &fakeFetcher{pages: []*ExportPage{{}}}
	engine, store := newTestEngine(t, fetcher, repo, testSettings())

	held := NewLeaseLock(store, KeyLockUntil)
	if !held.Acquire(10 * time.Minute) {
		t.Fatalf("failed to seed lock")
	}

	result := engine.Run(context.Background(), false)
	if result.Status != StatusLocked {
		t.Fatalf("status = %s, want locked", result.Status)
	}
	if fetcher.calls != 0 {
		t.Fatalf("locked run must not fetch")
	}
	if got := NewStabilityTracker(store).Streak(); got != 0 {
		t.Fatalf("locked run touched the streak: %d", got)
	}

	// A manual trigger does not bypass the lock.
	if got := engine.Run(context.Background(), true); got.Status != StatusLocked {
		t.Fatalf("manual status under lock = %s, want locked", got.Status)
	}

	held.Release()
	if got := engine.Run(context.Background(), false); got.Status != StatusOK {
		t.Fatalf("status after release = %s, want ok", got.Status)
	}
}

func TestEngineRunBlockedByResyncLock(t *testing.T) {
	repo := newFakeRepo()
	fetcher := &fakeFetcher{pages: []*ExportPage{{}}}
	engine, store := newTestEngine(t, fetcher, repo, testSettings())

	resyncLock := NewLeaseLock(store, KeyResyncLockUntil)
	if !resyncLock.Acquire(10 * time.Minute) {
		t.Fatalf("failed to seed resync lock")
	}

	result := engine.Run(context.Background(), false)
	if result.Status != StatusLocked {
		t.Fatalf("status = %s, want locked while resync runs", result.Status)
	}
}

func TestEngineRunFetchErrorRecordsDiagnostics(t *testing.T) {
	repo := newFakeRepo()
	fetcher := &fakeFetcher{err: &FetchError{
		HTTPCode:    502,
		URL:         "http://node.test/api/v1/keys/export?page=1",
		BodyExcerpt: "bad gateway",
	}}
	engine, store := newTestEngine(t, fetcher, repo, testSettings())

	tracker := NewStabilityTracker(store)
	if _, err := tracker.RecordStable(); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	result := engine.Run(context.Background(), false)
	if result.Status != StatusError {
		t.Fatalf("status = %s, want error", result.Status)
	}
	if got := tracker.Streak(); got != 0 {
		t.Fatalf("failed run must reset the streak, got %d", got)
	}

	status, err := engine.LastStatus()
	if err != nil {
		t.Fatalf("LastStatus failed: %v", err)
	}
	if status.LastHTTP != 502 || status.LastBody != "bad gateway" || status.LastURL == "" {
		t.Fatalf("persisted diagnostics = %+v", status)
	}
}

func TestEngineMultiPagePagination(t *testing.T) {
	repo := newFakeRepo()
	fetcher := &fakeFetcher{pages: []*ExportPage{
		{Items: []RemoteItem{exportItem("sub_1", 1)}, TotalPages: 2},
		{Items: []RemoteItem{exportItem("sub_2", 2)}, TotalPages: 2},
	}}
	engine, _ := newTestEngine(t, fetcher, repo, testSettings())

	result := engine.Run(context.Background(), false)
	if result.Status != StatusOK {
		t.Fatalf("status = %s (%s)", result.Status, result.Error)
	}
	if fetcher.calls != 2 {
		t.Fatalf("fetcher calls = %d, want 2", fetcher.calls)
	}
	if len(repo.keys) != 2 || len(repo.users) != 2 {
		t.Fatalf("mirrored %d keys / %d users, want 2/2", len(repo.keys), len(repo.users))
	}
}

func TestEngineFullPageHeuristicFetchesNextPage(t *testing.T) {
	settings := testSettings()
	settings.NodePollPerPage = 1

	repo := newFakeRepo()
	fetcher := &fakeFetcher{pages: []*ExportPage{
		// No pagination metadata at all; the full page forces one more fetch.
		{Items: []RemoteItem{exportItem("sub_1", 1)}},
		{Items: []RemoteItem{}},
	}}
	engine, _ := newTestEngine(t, fetcher, repo, settings)

	result := engine.Run(context.Background(), false)
	if result.Status != StatusOK {
		t.Fatalf("status = %s (%s)", result.Status, result.Error)
	}
	if fetcher.calls != 2 {
		t.Fatalf("fetcher calls = %d, want 2 (full page + trailing empty)", fetcher.calls)
	}
}

func TestEngineDeletionRequiresStableStreak(t *testing.T) {
	settings := testSettings()
	settings.NodePollDeleteMissing = true

	repo := newFakeRepo()
	staleUser := uint(9)
	repo.keys["sub_gone"] = &models.ApiKeyMirror{
		ID: 90, SubscriptionID: "sub_gone", UserID: &staleUser,
		SchemaVersion: models.MirrorSchemaVersion,
	}
	repo.users[9] = &models.UserEntitlement{
		ID: 91, UserID: 9, SubscriptionID: "sub_gone",
		SchemaVersion: models.MirrorSchemaVersion,
	}

	fetcher := &fakeFetcher{pages: []*ExportPage{
		{Items: []RemoteItem{exportItem("sub_1", 42)}, HasMore: boolPtr(false)},
	}}
	engine, store := newTestEngine(t, fetcher, repo, settings)

	// First clean run: streak 1, still below the deletion threshold.
	if got := engine.Run(context.Background(), false); got.Status != StatusOK {
		t.Fatalf("first run status = %s (%s)", got.Status, got.Error)
	}
	if repo.keys["sub_gone"] == nil {
		t.Fatalf("stale row deleted on streak 1")
	}
	if raw, _ := store.Get(keyLastDeleteSkip); raw != "stability streak below threshold" {
		t.Fatalf("delete skip reason = %q", raw)
	}

	// Second clean run: streak 2 unlocks pruning.
	if got := engine.Run(context.Background(), false); got.Status != StatusOK {
		t.Fatalf("second run status = %s (%s)", got.Status, got.Error)
	}
	if repo.keys["sub_gone"] != nil {
		t.Fatalf("stale key row survived pruning")
	}
	if repo.users[9] != nil {
		t.Fatalf("stale entitlement row survived pruning")
	}
	if repo.keys["sub_1"] == nil || repo.users[42] == nil {
		t.Fatalf("present rows must never be pruned")
	}
}

func TestEngineDeletionSkippedWhenUnstable(t *testing.T) {
	settings := testSettings()
	settings.NodePollDeleteMissing = true

	repo := newFakeRepo()
	staleUser := uint(9)
	repo.keys["sub_gone"] = &models.ApiKeyMirror{
		ID: 90, SubscriptionID: "sub_gone", UserID: &staleUser,
		SchemaVersion: models.MirrorSchemaVersion,
	}

	broken := exportItem("", 0) // active item with no identity
	fetcher := &fakeFetcher{pages: []*ExportPage{
		{Items: []RemoteItem{exportItem("sub_1", 42), broken}, HasMore: boolPtr(false)},
	}}
	engine, store := newTestEngine(t, fetcher, repo, settings)

	for i := 0; i < 3; i++ {
		if got := engine.Run(context.Background(), false); got.Status != StatusOK {
			t.Fatalf("run %d status = %s (%s)", i, got.Status, got.Error)
		}
	}

	if repo.keys["sub_gone"] == nil {
		t.Fatalf("unstable runs must never prune")
	}
	if got := NewStabilityTracker(store).Streak(); got != 0 {
		t.Fatalf("streak = %d, want 0 while identifiers are unstable", got)
	}
}

func TestEngineEmptyRemoteNeedsExplicitSignal(t *testing.T) {
	settings := testSettings()
	settings.NodePollDeleteMissing = true

	seed := func() *fakeRepo {
		repo := newFakeRepo()
		u := uint(9)
		repo.keys["sub_old"] = &models.ApiKeyMirror{
			ID: 90, SubscriptionID: "sub_old", UserID: &u,
			SchemaVersion: models.MirrorSchemaVersion,
		}
		return repo
	}

	// Ambiguous empty response: zero items, no total. Never prune.
	repo := seed()
	fetcher := &fakeFetcher{pages: []*ExportPage{{}}}
	engine, store := newTestEngine(t, fetcher, repo, settings)
	for i := 0; i < 3; i++ {
		if got := engine.Run(context.Background(), false); got.Status != StatusOK {
			t.Fatalf("run %d status = %s (%s)", i, got.Status, got.Error)
		}
	}
	if repo.keys["sub_old"] == nil {
		t.Fatalf("ambiguous empty export must not prune")
	}
	if raw, _ := store.Get(keyLastDeleteSkip); raw != "empty fetch without explicit empty signal" {
		t.Fatalf("delete skip reason = %q", raw)
	}

	// Explicit empty export ("total": 0): pruning proceeds once the streak
	// threshold is met.
	repo = seed()
	fetcher = &fakeFetcher{pages: []*ExportPage{{Total: intPtr(0)}}}
	engine, _ = newTestEngine(t, fetcher, repo, settings)
	engine.Run(context.Background(), false)
	if repo.keys["sub_old"] == nil {
		t.Fatalf("pruned before streak threshold")
	}
	engine.Run(context.Background(), false)
	if repo.keys["sub_old"] != nil {
		t.Fatalf("explicit empty export should prune at streak 2")
	}
}

func TestEngineNeverDeletesRowsWithInvalidPairs(t *testing.T) {
	settings := testSettings()
	settings.NodePollDeleteMissing = true

	repo := newFakeRepo()
	// Row without an owner: incomplete pair, must never be pruned.
	repo.keys["sub_orphan"] = &models.ApiKeyMirror{
		ID: 90, SubscriptionID: "sub_orphan",
		SchemaVersion: models.MirrorSchemaVersion,
	}

	fetcher := &fakeFetcher{pages: []*ExportPage{
		{Items: []RemoteItem{exportItem("sub_1", 42)}, HasMore: boolPtr(false)},
	}}
	engine, _ := newTestEngine(t, fetcher, repo, settings)

	engine.Run(context.Background(), false)
	engine.Run(context.Background(), false)

	if repo.keys["sub_orphan"] == nil {
		t.Fatalf("row with incomplete identity pair was pruned")
	}
}

func TestEngineConflictProtectsLocalPairFromDeletion(t *testing.T) {
	settings := testSettings()
	settings.NodePollDeleteMissing = true

	repo := newFakeRepo()
	localUser := uint(7)
	// Local truth binds sub_1 to user 7; the remote claims user 42.
	repo.keys["sub_1"] = &models.ApiKeyMirror{
		ID: 90, SubscriptionID: "sub_1", UserID: &localUser,
		SchemaVersion: models.MirrorSchemaVersion,
	}

	fetcher := &fakeFetcher{pages: []*ExportPage{
		{Items: []RemoteItem{exportItem("sub_1", 42)}, HasMore: boolPtr(false)},
	}}
	engine, _ := newTestEngine(t, fetcher, repo, settings)

	engine.Run(context.Background(), false)
	engine.Run(context.Background(), false)

	row := repo.keys["sub_1"]
	if row == nil {
		t.Fatalf("contested row was pruned")
	}
	if row.UserID == nil || *row.UserID != 7 {
		t.Fatalf("contested row was rebound: %+v", row)
	}
}

func TestEngineKeyIDOnlyItemResetsStreak(t *testing.T) {
	repo := newFakeRepo()
	keyOnly := RemoteItem{
		ID:           "key_9",
		FlatPlanSlug: "pro",
		Status:       "active",
		ValidUntil:   "2025-01-01",
	}
	fetcher := &fakeFetcher{pages: []*ExportPage{
		{Items: []RemoteItem{exportItem("sub_1", 42), keyOnly}, HasMore: boolPtr(false)},
	}}
	engine, store := newTestEngine(t, fetcher, repo, testSettings())

	for i := 0; i < 2; i++ {
		if got := engine.Run(context.Background(), false); got.Status != StatusOK {
			t.Fatalf("run %d status = %s (%s)", i, got.Status, got.Error)
		}
	}
	if got := NewStabilityTracker(store).Streak(); got != 0 {
		t.Fatalf("streak = %d, want 0 while an active item has no identity pair", got)
	}
}

func TestEnginePartialPageErrorKeepsItemCount(t *testing.T) {
	repo := newFakeRepo()
	repo.failKeyUpsertAt = 2 // second item's key upsert fails mid-page
	fetcher := &fakeFetcher{pages: []*ExportPage{
		{Items: []RemoteItem{
			exportItem("sub_1", 1),
			exportItem("sub_2", 2),
			exportItem("sub_3", 3),
		}, HasMore: boolPtr(false)},
	}}
	engine, _ := newTestEngine(t, fetcher, repo, testSettings())

	cfg, err := ConfigFromSettings(testSettings())
	if err != nil {
		t.Fatalf("config failed: %v", err)
	}

	state := engine.paginate(context.Background(), cfg)
	if state.errMsg == "" {
		t.Fatalf("expected mid-page storage error")
	}
	if state.counts.Items != 1 {
		t.Fatalf("items counted = %d, want 1 (partial progress before the error)", state.counts.Items)
	}
	if repo.keys["sub_1"] == nil {
		t.Fatalf("partial progress before the error must be kept")
	}
}

func TestEngineOnResultForwardsTerminalStatus(t *testing.T) {
	repo := newFakeRepo()
	fetcher := &fakeFetcher{err: errors.New("connection refused")}
	engine, _ := newTestEngine(t, fetcher, repo, testSettings())

	var gotJob, gotStatus, gotErr string
	engine.OnResult = func(jobName, status, errExcerpt string) {
		gotJob, gotStatus, gotErr = jobName, status, errExcerpt
	}

	engine.Run(context.Background(), false)
	if gotJob != JobName || gotStatus != StatusError || gotErr == "" {
		t.Fatalf("OnResult got (%q, %q, %q)", gotJob, gotStatus, gotErr)
	}
}

func TestEngineClearLock(t *testing.T) {
	repo := newFakeRepo()
	fetcher := &fakeFetcher{pages: []*ExportPage{{}}}
	engine, store := newTestEngine(t, fetcher, repo, testSettings())

	stuck := NewLeaseLock(store, KeyLockUntil)
	stuck.Acquire(10 * time.Minute)

	engine.ClearLock()
	if got := engine.Run(context.Background(), false); got.Status != StatusOK {
		t.Fatalf("status after ClearLock = %s, want ok", got.Status)
	}
}
