// Package scheduler runs the sync engine on a cron interval for the daemon
// binary. Each cycle acquires the sync lease, runs one pass, and releases
// the lease, so a daemon and the one-shot runner can safely share a
// database.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"mail-story-sync/internal/engine"
	"mail-story-sync/internal/lease"
)

// Scheduler manages the periodic sync passes
type Scheduler struct {
	cron      *cron.Cron
	entryID   cron.EntryID
	interval  int
	engine    *engine.Engine
	leases    *lease.Manager
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	isRunning bool
	mu        sync.RWMutex
}

// NewScheduler creates a new scheduler
func NewScheduler(intervalMinutes int, eng *engine.Engine, leases *lease.Manager) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron:     cron.New(cron.WithSeconds()),
		interval: intervalMinutes,
		engine:   eng,
		leases:   leases,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("scheduler is already running")
	}

	if s.ctx.Err() != nil {
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}

	schedule := fmt.Sprintf("0 */%d * * * *", s.interval)

	entryID, err := s.cron.AddFunc(schedule, s.runPass)
	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	s.entryID = entryID
	s.cron.Start()
	s.isRunning = true

	logrus.Infof("Scheduler started with interval: %d minutes", s.interval)
	return nil
}

// Stop stops the scheduler
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return nil
	}

	// Cancel context to stop any running pass
	s.cancel()

	ctx := s.cron.Stop()

	select {
	case <-ctx.Done():
		logrus.Info("Scheduler stopped gracefully")
	case <-time.After(30 * time.Second):
		logrus.Warn("Scheduler stop timeout, forcing shutdown")
	}

	s.isRunning = false
	return nil
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// runPass is the periodic job: lease-guarded single sync pass. A failed pass
// is logged and left for the next tick; the ledger and cursor ordering make
// the retry safe. The WaitGroup registration happens under the mutex so a
// Stop+Wait racing a just-fired tick cannot miss the pass.
func (s *Scheduler) runPass() {
	s.mu.RLock()
	if !s.isRunning {
		s.mu.RUnlock()
		logrus.Info("Scheduler not running, skipping pass")
		return
	}
	ctx := s.ctx
	s.wg.Add(1)
	s.mu.RUnlock()
	defer s.wg.Done()

	s.pass(ctx)
}

// pass acquires the lease, runs one sync pass, and releases the lease.
func (s *Scheduler) pass(ctx context.Context) {
	logrus.Info("Starting sync pass")

	handle, err := s.leases.Acquire(ctx)
	if err != nil {
		logrus.Errorf("Failed to acquire sync lease: %v", err)
		return
	}
	defer func() {
		if err := handle.Release(); err != nil {
			logrus.Errorf("Failed to release sync lease: %v", err)
		}
	}()

	if err := s.engine.Run(ctx); err != nil {
		logrus.Errorf("Sync pass aborted: %v", err)
	}
}

// RunOnce triggers a single pass outside the cron schedule. It runs whether
// or not the cron scheduler is started; the lease still serializes it against
// any concurrent pass.
func (s *Scheduler) RunOnce() error {
	s.wg.Add(1)
	defer s.wg.Done()

	logrus.Info("Running sync pass once")
	s.pass(context.Background())
	return nil
}

// GetNextRun returns the time of the next scheduled run
func (s *Scheduler) GetNextRun() time.Time {
	if !s.IsRunning() {
		return time.Time{}
	}
	entry := s.cron.Entry(s.entryID)
	return entry.Next
}

// GetLastRun returns the time of the last run
func (s *Scheduler) GetLastRun() time.Time {
	if !s.IsRunning() {
		return time.Time{}
	}
	entry := s.cron.Entry(s.entryID)
	return entry.Prev
}

// Wait waits for any in-flight pass to finish
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
