package resync

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/membergate/nodesync/app/models"
	"github.com/membergate/nodesync/internal/pkg/metrics"
	"github.com/membergate/nodesync/internal/pkg/nodepoll"
	"github.com/membergate/nodesync/internal/pkg/statestore"
)

// JobName identifies the daily resync towards the alerting subsystem.
const JobName = "daily_resync"

const leaseDuration = 30 * time.Minute

// Job is the sibling reconciliation pass that sweeps locally-known state
// (expired validity windows, key/entitlement drift) without talking to the
// Node. It shares the mirror tables with the poll engine, so the two jobs
// exclude each other through their lease locks.
type Job struct {
	db       *gorm.DB
	lock     *nodepoll.LeaseLock
	pollLock *nodepoll.LeaseLock

	// OnResult forwards every terminal status to the alerting subsystem.
	OnResult func(jobName, status, errExcerpt string)

	settingsFn func() *models.AppSettings
	now        func() time.Time
}

// NewJob creates the daily resync job over the shared DB and state store.
func NewJob(db *gorm.DB, store statestore.Store) *Job {
	return &Job{
		db:         db,
		lock:       nodepoll.NewLeaseLock(store, nodepoll.KeyResyncLockUntil),
		pollLock:   nodepoll.NewLeaseLock(store, nodepoll.KeyLockUntil),
		settingsFn: models.GetAppSettings,
		now:        time.Now,
	}
}

// Run executes one resync pass. Mirrors the poll engine's contract: never
// panics or propagates errors, always returns a structured result.
func (j *Job) Run(ctx context.Context, manual bool) nodepoll.RunResult {
	_ = ctx
	start := j.now()

	settings := j.settingsFn()
	if settings != nil && !settings.IsDailyResyncEnabled() && !manual {
		return j.finish(nodepoll.RunResult{Status: nodepoll.StatusDisabled}, start)
	}

	if j.pollLock.Held() {
		log.Info("[DailyResync] node poll in progress, aborting")
		return j.finish(nodepoll.RunResult{Status: nodepoll.StatusLocked}, start)
	}
	if !j.lock.Acquire(leaseDuration) {
		log.Info("[DailyResync] lease held by another invocation, aborting")
		return j.finish(nodepoll.RunResult{Status: nodepoll.StatusLocked}, start)
	}
	defer j.lock.Release()

	result := nodepoll.RunResult{Status: nodepoll.StatusOK}

	expiredKeys, err := j.expireOverdue(&models.ApiKeyMirror{})
	if err != nil {
		result.Status = nodepoll.StatusError
		result.Error = "expire key mirrors failed: " + err.Error()
		return j.finish(result, start)
	}
	expiredUsers, err := j.expireOverdueEntitlements()
	if err != nil {
		result.Status = nodepoll.StatusError
		result.Error = "expire entitlements failed: " + err.Error()
		return j.finish(result, start)
	}

	aligned, err := j.alignEntitlementsWithKeys()
	if err != nil {
		result.Status = nodepoll.StatusError
		result.Error = "align entitlements failed: " + err.Error()
		return j.finish(result, start)
	}

	log.Infof("[DailyResync] finished: expired keys=%d, expired entitlements=%d, realigned=%d",
		expiredKeys, expiredUsers, aligned)
	return j.finish(result, start)
}

// expireOverdue disables mirror rows whose validity window has passed.
func (j *Job) expireOverdue(model interface{}) (int64, error) {
	tx := j.db.Model(model).
		Where("status = ? AND valid_until IS NOT NULL AND valid_until < ?", models.KeyStatusActive, j.now().UTC()).
		Updates(map[string]interface{}{
			"status":              models.KeyStatusDisabled,
			"subscription_status": "expired",
		})
	return tx.RowsAffected, tx.Error
}

func (j *Job) expireOverdueEntitlements() (int64, error) {
	tx := j.db.Model(&models.UserEntitlement{}).
		Where("status = ? AND valid_until IS NOT NULL AND valid_until < ?", models.KeyStatusActive, j.now().UTC()).
		Updates(map[string]interface{}{
			"status":              models.KeyStatusDisabled,
			"subscription_status": "expired",
			"source":              models.EntitlementSourceSubscriptionEvent,
		})
	return tx.RowsAffected, tx.Error
}

// alignEntitlementsWithKeys disables entitlements whose backing key mirror
// row is disabled, so the two mirrors do not drift between poll runs.
func (j *Job) alignEntitlementsWithKeys() (int64, error) {
	tx := j.db.Model(&models.UserEntitlement{}).
		Where("status = ? AND subscription_id IN (?)",
			models.KeyStatusActive,
			j.db.Model(&models.ApiKeyMirror{}).Select("subscription_id").Where("status = ?", models.KeyStatusDisabled),
		).
		Updates(map[string]interface{}{
			"status": models.KeyStatusDisabled,
			"source": models.EntitlementSourceSubscriptionEvent,
		})
	return tx.RowsAffected, tx.Error
}

// ClearLock is the administrator override for a stuck lease.
func (j *Job) ClearLock() {
	j.lock.ClearStale()
}

func (j *Job) finish(result nodepoll.RunResult, start time.Time) nodepoll.RunResult {
	result.DurationMS = j.now().Sub(start).Milliseconds()
	metrics.ObserveRun(JobName, result.Status, float64(result.DurationMS)/1000)
	if j.OnResult != nil {
		j.OnResult(JobName, result.Status, result.Error)
	}
	return result
}
