package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/membergate/nodesync/app/models"
	"github.com/membergate/nodesync/internal/pkg/nodepoll"
	"github.com/membergate/nodesync/internal/pkg/resync"
)

const resyncInterval = 24 * time.Hour

// Manager runs the reconciliation jobs on their configured intervals. The
// jobs themselves are safe against overlap (lease locks); the manager only
// provides the timers.
type Manager struct {
	engine    *nodepoll.Engine
	resyncJob *resync.Job

	pollTicker   *time.Ticker
	resyncTicker *time.Ticker
	stopCh       chan struct{}
	wg           sync.WaitGroup
	mu           sync.Mutex
	running      bool
}

// NewManager creates a scheduler for the poll engine and the resync job.
func NewManager(engine *nodepoll.Engine, resyncJob *resync.Job) *Manager {
	return &Manager{
		engine:    engine,
		resyncJob: resyncJob,
	}
}

// Start starts the background tickers.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so manager can be restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[Scheduler] Starting background reconciliation jobs")

	pollInterval := 15 * time.Minute // Default fallback
	if settings := getAppSettings(); settings != nil {
		if v := settings.GetNodePollIntervalMinutes(); v > 0 {
			pollInterval = time.Duration(v) * time.Minute
		}
	}

	m.pollTicker = time.NewTicker(pollInterval)
	m.wg.Add(1)
	go m.pollWorker(pollInterval)

	m.resyncTicker = time.NewTicker(resyncInterval)
	m.wg.Add(1)
	go m.resyncWorker()

	log.Info("[Scheduler] Started successfully")
}

// Stop stops the background tickers and waits for workers to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[Scheduler] Stopping background reconciliation jobs...")

	if m.pollTicker != nil {
		m.pollTicker.Stop()
	}
	if m.resyncTicker != nil {
		m.resyncTicker.Stop()
	}

	// Keep stopCh non-nil: a worker still inside a job re-enters its select
	// after the close and must see the closed channel, not a nil field.
	close(m.stopCh)
	m.running = false

	m.wg.Wait()

	log.Info("[Scheduler] Stopped successfully")
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// pollWorker triggers the node poll job on its interval.
func (m *Manager) pollWorker(interval time.Duration) {
	defer m.wg.Done()
	log.Infof("[Scheduler] Started node poll worker (interval: %s)", interval)

	for {
		select {
		case <-m.stopCh:
			log.Info("[Scheduler] Node poll worker stopping")
			return
		case <-m.pollTicker.C:
			result := m.engine.Run(context.Background(), false)
			log.Debugf("[Scheduler] Node poll run finished with status %s", result.Status)
		}
	}
}

// resyncWorker triggers the daily resync job.
func (m *Manager) resyncWorker() {
	defer m.wg.Done()
	log.Infof("[Scheduler] Started daily resync worker (interval: %s)", resyncInterval)

	for {
		select {
		case <-m.stopCh:
			log.Info("[Scheduler] Daily resync worker stopping")
			return
		case <-m.resyncTicker.C:
			result := m.resyncJob.Run(context.Background(), false)
			log.Debugf("[Scheduler] Daily resync run finished with status %s", result.Status)
		}
	}
}

// getAppSettings safely returns the current app settings
func getAppSettings() *models.AppSettings {
	return models.GetAppSettings()
}
