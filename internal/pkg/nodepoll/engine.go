package nodepoll

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/membergate/nodesync/app/models"
	"github.com/membergate/nodesync/internal/pkg/metrics"
	"github.com/membergate/nodesync/internal/pkg/statestore"
)

// Engine is the remote-truth reconciliation engine (the Node Poll job). One
// invocation runs synchronously end to end; overlap between invocations is
// prevented by the lease lock plus the sibling resync job's lock.
type Engine struct {
	store      statestore.Store
	repo       Repository
	fetcher    Fetcher
	lock       *LeaseLock
	resyncLock *LeaseLock
	stability  *StabilityTracker
	status     *StatusReporter

	// OnResult forwards every terminal status to the alerting subsystem.
	OnResult func(jobName, status, errExcerpt string)

	settingsFn func() *models.AppSettings
	now        func() time.Time
}

// NewEngine wires the engine over the shared state store, mirror repository
// and export fetcher.
func NewEngine(store statestore.Store, repo Repository, fetcher Fetcher) *Engine {
	return &Engine{
		store:      store,
		repo:       repo,
		fetcher:    fetcher,
		lock:       NewLeaseLock(store, KeyLockUntil),
		resyncLock: NewLeaseLock(store, KeyResyncLockUntil),
		stability:  NewStabilityTracker(store),
		status:     NewStatusReporter(store),
		settingsFn: models.GetAppSettings,
		now:        time.Now,
	}
}

// runState aggregates everything the pagination loop produces.
type runState struct {
	counts        RunCounts
	remotePairs   map[string]struct{}
	protected     map[string]struct{}
	unstable      bool
	explicitEmpty bool
	fetchErr      *FetchError
	errMsg        string
}

// Run executes one reconciliation pass. manual bypasses the feature-disabled
// short-circuit but not the lock. All failures are absorbed into the result.
func (e *Engine) Run(ctx context.Context, manual bool) RunResult {
	start := e.now()
	runID := uuid.NewString()[:8]
	log.Infof("[NodePoll] run %s starting (manual=%v)", runID, manual)

	cfg, cfgErr := ConfigFromSettings(e.settingsFn())

	if !cfg.Enabled && !manual {
		log.Infof("[NodePoll] run %s: polling disabled, skipping", runID)
		return e.finish(RunResult{Status: StatusDisabled}, start, nil, "", nil)
	}
	if cfgErr != nil {
		return e.finish(RunResult{
			Status: StatusError,
			Error:  "invalid configuration: " + cfgErr.Error(),
		}, start, nil, "", nil)
	}

	// Both reconciliation jobs write the same mirror tables and must never
	// overlap.
	if e.resyncLock.Held() {
		log.Infof("[NodePoll] run %s: daily resync in progress, aborting", runID)
		return e.finish(RunResult{Status: StatusLocked}, start, nil, "", nil)
	}
	if !e.lock.Acquire(cfg.Lease) {
		log.Infof("[NodePoll] run %s: lease held by another invocation, aborting", runID)
		return e.finish(RunResult{Status: StatusLocked}, start, nil, "", nil)
	}
	defer e.lock.Release()

	state := e.paginate(ctx, cfg)

	hasStable := state.errMsg == "" && !state.unstable
	streak := 0
	if hasStable {
		var err error
		if streak, err = e.stability.RecordStable(); err != nil {
			log.Errorf("[NodePoll] run %s: failed to persist stability streak: %v", runID, err)
		}
	} else {
		if err := e.stability.RecordUnstable(); err != nil {
			log.Errorf("[NodePoll] run %s: failed to reset stability streak: %v", runID, err)
		}
	}

	deleteSkip := e.planDeletion(cfg, state, hasStable, streak)

	result := RunResult{Status: StatusOK}
	if state.errMsg != "" {
		result.Status = StatusError
		result.Error = state.errMsg
	}

	log.Infof("[NodePoll] run %s finished: status=%s pages=%d items=%d keys(ins=%d upd=%d legacy=%d conflict=%d) users(ins=%d upd=%d legacy=%d conflict=%d) deleted(keys=%d users=%d) streak=%d",
		runID, result.Status, state.counts.Pages, state.counts.Items,
		state.counts.KeysInserted, state.counts.KeysUpdated, state.counts.KeysLegacy, state.counts.KeysConflict,
		state.counts.UsersInserted, state.counts.UsersUpdated, state.counts.UsersLegacy, state.counts.UsersConflict,
		state.counts.KeysDeleted, state.counts.UsersDeleted, streak)

	return e.finish(result, start, state.fetchErr, deleteSkip, &state.counts)
}

// RunOnce is the manual-trigger alias used by the admin layer.
func (e *Engine) RunOnce(ctx context.Context) RunResult {
	return e.Run(ctx, true)
}

// LastStatus returns the persisted last-run snapshot.
func (e *Engine) LastStatus() (*RunStatus, error) {
	return e.status.Last()
}

// ClearLock is the administrator override for a stuck lease.
func (e *Engine) ClearLock() {
	e.lock.ClearStale()
}

// paginate drives the export pagination loop, feeding every item through the
// per-item reconciler. Partial progress before an error is kept; upserts are
// idempotent so the next run safely reprocesses those pages.
func (e *Engine) paginate(ctx context.Context, cfg Config) *runState {
	state := &runState{
		remotePairs: make(map[string]struct{}),
		protected:   make(map[string]struct{}),
	}
	reconciler := NewReconciler(e.repo, cfg.FreePlanSlug)

	page := 1
	for {
		exportPage, err := e.fetcher.FetchPage(ctx, page, cfg.PerPage)
		if err != nil {
			state.fetchErr = asFetchError(err)
			state.errMsg = state.fetchErr.Error()
			return state
		}
		state.counts.Pages++

		n := len(exportPage.Items)
		if n == 0 {
			if page == 1 && exportPage.Total != nil && *exportPage.Total == 0 {
				// The authority says there is truly nothing, as opposed to
				// "we couldn't tell".
				state.explicitEmpty = true
			}
			return state
		}

		for i := range exportPage.Items {
			outcome, err := reconciler.ReconcileItem(&exportPage.Items[i])
			if err != nil {
				state.errMsg = "reconcile failed: " + err.Error()
				return state
			}
			e.applyOutcome(state, outcome)
			state.counts.Items++
		}

		more := false
		if exportPage.HasMore != nil && *exportPage.HasMore {
			more = true
		}
		if exportPage.TotalPages > 0 && page < exportPage.TotalPages {
			more = true
		}
		if n == cfg.PerPage {
			// Full page implies there might be more; may cost one extra
			// empty fetch when the last page is exactly full.
			more = true
		}
		if !more {
			return state
		}
		page++
	}
}

func (e *Engine) applyOutcome(state *runState, out *ItemOutcome) {
	metrics.AddItems(1)

	if out.Unstable() {
		state.unstable = true
	}
	if out.Skipped {
		state.counts.SkippedInvalid++
		return
	}
	if out.PairValid {
		state.remotePairs[out.Pair] = struct{}{}
	}
	for _, pair := range out.ProtectedPairs {
		state.protected[pair] = struct{}{}
	}

	if out.KeyResult != nil {
		metrics.AddUpsert("api_key_mirror", string(out.KeyResult.Status))
		switch out.KeyResult.Status {
		case UpsertInserted:
			state.counts.KeysInserted++
		case UpsertUpdated:
			state.counts.KeysUpdated++
		case UpsertLegacy:
			state.counts.KeysLegacy++
		case UpsertConflict:
			state.counts.KeysConflict++
		}
	}
	if out.UserResult != nil {
		metrics.AddUpsert("user_entitlement", string(out.UserResult.Status))
		switch out.UserResult.Status {
		case UpsertInserted:
			state.counts.UsersInserted++
		case UpsertUpdated:
			state.counts.UsersUpdated++
		case UpsertLegacy:
			state.counts.UsersLegacy++
		case UpsertConflict:
			state.counts.UsersConflict++
		}
	}
}

// planDeletion prunes local rows absent from the remote export, or returns
// the reason pruning was skipped this run.
func (e *Engine) planDeletion(cfg Config, state *runState, hasStable bool, streak int) string {
	switch {
	case state.errMsg != "":
		return "run error"
	case !cfg.DeleteMissing:
		return "deletion disabled by admin"
	case !hasStable:
		return "unstable identifiers"
	case streak < minStableStreak:
		return "stability streak below threshold"
	case state.counts.Items == 0 && !state.explicitEmpty:
		return "empty fetch without explicit empty signal"
	}

	// Protected pairs join the keep-universe so a conflicted pair is never
	// treated as absent-and-stale.
	keep := make(map[string]struct{}, len(state.remotePairs)+len(state.protected))
	for pair := range state.remotePairs {
		keep[pair] = struct{}{}
	}
	for pair := range state.protected {
		keep[pair] = struct{}{}
	}

	if err := e.pruneTable(keep, e.repo.ListKeyIdentities, e.repo.DeleteKeysByIDs, "api_key_mirror", &state.counts.KeysDeleted); err != nil {
		state.errMsg = "prune api key mirror failed: " + err.Error()
		return "run error"
	}
	if err := e.pruneTable(keep, e.repo.ListUserIdentities, e.repo.DeleteUsersByIDs, "user_entitlement", &state.counts.UsersDeleted); err != nil {
		state.errMsg = "prune user entitlement mirror failed: " + err.Error()
		return "run error"
	}
	return ""
}

func (e *Engine) pruneTable(
	keep map[string]struct{},
	list func() ([]RowIdentity, error),
	del func(ids []uint) (int64, error),
	table string,
	deleted *int64,
) error {
	rows, err := list()
	if err != nil {
		return err
	}
	var stale []uint
	for _, row := range rows {
		if !row.PairValid() {
			continue
		}
		if _, ok := keep[row.Pair()]; !ok {
			stale = append(stale, row.ID)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	n, err := del(stale)
	*deleted += n
	if err != nil {
		return err
	}
	metrics.AddDeleted(table, n)
	log.Infof("[NodePoll] pruned %d stale rows from %s", n, table)
	return nil
}

func (e *Engine) finish(result RunResult, start time.Time, fetchErr *FetchError, deleteSkip string, counts *RunCounts) RunResult {
	result.DurationMS = e.now().Sub(start).Milliseconds()
	if deleteSkip != "" && counts != nil {
		log.Infof("[NodePoll] deletion skipped: %s", deleteSkip)
	}

	e.status.Record(result, fetchErr, deleteSkip)
	metrics.ObserveRun(JobName, result.Status, float64(result.DurationMS)/1000)
	if e.OnResult != nil {
		e.OnResult(JobName, result.Status, result.Error)
	}
	return result
}
