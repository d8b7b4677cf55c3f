// Package scheduler drives the manager's recurring maintenance jobs.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wegent/wegent/internal/common/logger"
)

// Common errors
var (
	ErrSchedulerAlreadyRunning = errors.New("scheduler is already running")
	ErrSchedulerNotRunning     = errors.New("scheduler is not running")
)

// HeartbeatChecker scans for sandboxes or tasks whose heartbeat stopped.
type HeartbeatChecker interface {
	CheckHeartbeats(ctx context.Context) error
}

// GarbageCollector reaps sandboxes idle past the session TTL.
type GarbageCollector interface {
	CollectExpiredSandboxes(ctx context.Context) error
}

// SchedulerConfig holds the loop cadences.
type SchedulerConfig struct {
	HeartbeatInterval time.Duration // heartbeat sweep cadence
	GCInterval        time.Duration // expired-sandbox collection cadence
}

// DefaultSchedulerConfig returns default cadences.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		HeartbeatInterval: 5 * time.Second,
		GCInterval:        10 * time.Minute,
	}
}

// Scheduler runs the heartbeat sweeps and sandbox GC on fixed tickers.
// The jobs themselves take distributed locks, so every replica can run one.
type Scheduler struct {
	sandboxes HeartbeatChecker
	tasks     HeartbeatChecker
	gc        GarbageCollector
	logger    *logger.Logger
	config    SchedulerConfig

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler over the sandbox sweep, the running-task
// sweep and the sandbox GC.
func NewScheduler(
	sandboxes HeartbeatChecker,
	tasks HeartbeatChecker,
	gc GarbageCollector,
	log *logger.Logger,
	config SchedulerConfig,
) *Scheduler {
	return &Scheduler{
		sandboxes: sandboxes,
		tasks:     tasks,
		gc:        gc,
		logger:    log.WithFields(zap.String("component", "scheduler")),
		config:    config,
	}
}

// Start begins the maintenance loops.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSchedulerAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("scheduler starting",
		zap.Duration("heartbeat_interval", s.config.HeartbeatInterval),
		zap.Duration("gc_interval", s.config.GCInterval))

	s.wg.Add(2)
	go s.heartbeatLoop(ctx)
	go s.gcLoop(ctx)

	return nil
}

// Stop stops the loops and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

// IsRunning returns true if the scheduler is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Scheduler) heartbeatLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runJob(ctx, "sandbox_heartbeat", s.sandboxes.CheckHeartbeats)
			s.runJob(ctx, "task_heartbeat", s.tasks.CheckHeartbeats)
		}
	}
}

func (s *Scheduler) gcLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runJob(ctx, "sandbox_gc", s.gc.CollectExpiredSandboxes)
		}
	}
}

// runJob executes one job. A panicking job must not take the loop down.
func (s *Scheduler) runJob(ctx context.Context, name string, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job panicked", zap.String("job", name), zap.Any("panic", r))
		}
	}()

	start := time.Now()
	if err := fn(ctx); err != nil {
		s.logger.Error("job failed", zap.String("job", name), zap.Error(err))
		return
	}
	s.logger.Debug("job finished", zap.String("job", name), zap.Duration("duration", time.Since(start)))
}
