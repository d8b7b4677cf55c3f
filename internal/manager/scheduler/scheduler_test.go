package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wegent/wegent/internal/common/logger"
)

type countingChecker struct {
	calls atomic.Int64
	err   error
}

func (c *countingChecker) CheckHeartbeats(context.Context) error {
	c.calls.Add(1)
	return c.err
}

type countingCollector struct {
	calls atomic.Int64
}

func (c *countingCollector) CollectExpiredSandboxes(context.Context) error {
	c.calls.Add(1)
	return nil
}

type panickyChecker struct {
	calls atomic.Int64
}

func (c *panickyChecker) CheckHeartbeats(context.Context) error {
	c.calls.Add(1)
	panic("sweep exploded")
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func TestSchedulerRunsAllJobs(t *testing.T) {
	sandboxes := &countingChecker{}
	tasks := &countingChecker{}
	gc := &countingCollector{}

	s := NewScheduler(sandboxes, tasks, gc, testLogger(t), SchedulerConfig{
		HeartbeatInterval: 10 * time.Millisecond,
		GCInterval:        10 * time.Millisecond,
	})

	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Stop() }()

	require.Eventually(t, func() bool {
		return sandboxes.calls.Load() >= 2 && tasks.calls.Load() >= 2 && gc.calls.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSchedulerStartStop(t *testing.T) {
	s := NewScheduler(&countingChecker{}, &countingChecker{}, &countingCollector{}, testLogger(t), DefaultSchedulerConfig())

	assert.False(t, s.IsRunning())
	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.IsRunning())

	require.ErrorIs(t, s.Start(context.Background()), ErrSchedulerAlreadyRunning)

	require.NoError(t, s.Stop())
	assert.False(t, s.IsRunning())
	require.ErrorIs(t, s.Stop(), ErrSchedulerNotRunning)
}

func TestSchedulerRestarts(t *testing.T) {
	sandboxes := &countingChecker{}
	s := NewScheduler(sandboxes, &countingChecker{}, &countingCollector{}, testLogger(t), SchedulerConfig{
		HeartbeatInterval: 10 * time.Millisecond,
		GCInterval:        time.Minute,
	})

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return sandboxes.calls.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop())

	seen := sandboxes.calls.Load()
	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return sandboxes.calls.Load() > seen }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop())
}

func TestSchedulerSurvivesPanickingJob(t *testing.T) {
	sandboxes := &panickyChecker{}
	tasks := &countingChecker{}

	s := NewScheduler(sandboxes, tasks, &countingCollector{}, testLogger(t), SchedulerConfig{
		HeartbeatInterval: 10 * time.Millisecond,
		GCInterval:        time.Minute,
	})

	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Stop() }()

	// The panicking sweep keeps getting retried and the sibling job keeps running.
	require.Eventually(t, func() bool {
		return sandboxes.calls.Load() >= 3 && tasks.calls.Load() >= 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSchedulerJobErrorsDoNotStopLoop(t *testing.T) {
	sandboxes := &countingChecker{err: errors.New("redis down")}
	s := NewScheduler(sandboxes, &countingChecker{}, &countingCollector{}, testLogger(t), SchedulerConfig{
		HeartbeatInterval: 10 * time.Millisecond,
		GCInterval:        time.Minute,
	})

	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Stop() }()

	require.Eventually(t, func() bool { return sandboxes.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestSchedulerStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sandboxes := &countingChecker{}
	s := NewScheduler(sandboxes, &countingChecker{}, &countingCollector{}, testLogger(t), SchedulerConfig{
		HeartbeatInterval: 10 * time.Millisecond,
		GCInterval:        time.Minute,
	})

	require.NoError(t, s.Start(ctx))
	require.Eventually(t, func() bool { return sandboxes.calls.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	time.Sleep(50 * time.Millisecond)
	seen := sandboxes.calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, seen, sandboxes.calls.Load(), "no ticks after cancellation")

	// Stop still works for bookkeeping after the context ended the loops.
	require.NoError(t, s.Stop())
}
