// Package scheduler runs the background maintenance loops: periodic license
// verification and update checks. Each task runs on its own interval with
// single-flight protection; a tick that arrives while the previous cycle is
// still running is skipped, never queued.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"kerzzcli/internal/infrastructure"
)

// Task is one named recurring job.
type Task struct {
	Name     string
	Interval time.Duration
	// RunOnStart executes the task immediately on Start rather than
	// waiting for the first tick.
	RunOnStart bool
	Fn         func(ctx context.Context) error

	mu      sync.Mutex
	running bool
}

// tryAcquire claims the task's single-flight slot.
func (t *Task) tryAcquire() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return false
	}
	t.running = true
	return true
}

func (t *Task) release() {
	t.mu.Lock()
	t.running = false
	t.mu.Unlock()
}

// Scheduler owns the background goroutines for all registered tasks.
type Scheduler struct {
	logger *slog.Logger

	mu     sync.Mutex
	tasks  map[string]*Task
	cancel context.CancelFunc
	group  *errgroup.Group
	manual sync.WaitGroup
	active bool
}

// New creates an empty scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger: logger.With(slog.String("component", "scheduler")),
		tasks:  make(map[string]*Task),
	}
}

// Register adds a task. Registering after Start has no effect until the next
// Start; duplicate names replace the earlier registration.
func (s *Scheduler) Register(task *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.Name] = task
}

// Start launches one goroutine per registered task. It is a no-op if the
// scheduler is already running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)
	s.cancel = cancel
	s.group = group
	s.active = true

	for _, task := range s.tasks {
		task := task
		group.Go(func() error {
			s.loop(groupCtx, task)
			return nil
		})
	}

	s.logger.InfoContext(ctx, "scheduler started",
		slog.Int("tasks", len(s.tasks)),
	)
}

// Stop cancels all task loops and waits for in-flight cycles to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	group := s.group
	s.active = false
	s.mu.Unlock()

	cancel()
	group.Wait()
	s.manual.Wait()
	s.logger.Info("scheduler stopped")
}

// RunNow triggers a named task immediately, outside its interval. Returns
// false if the task is unknown or its previous cycle is still running.
func (s *Scheduler) RunNow(ctx context.Context, name string) bool {
	s.mu.Lock()
	task, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return false
	}
	if !task.tryAcquire() {
		return false
	}
	s.manual.Add(1)
	go func() {
		defer s.manual.Done()
		defer task.release()
		s.runCycle(ctx, task)
	}()
	return true
}

func (s *Scheduler) loop(ctx context.Context, task *Task) {
	logger := s.logger.With(slog.String("task", task.Name))
	logger.InfoContext(ctx, "task loop started",
		slog.Duration("interval", task.Interval),
	)

	if task.RunOnStart {
		s.executeOnce(ctx, task)
	}

	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("task loop stopped")
			return
		case <-ticker.C:
			s.executeOnce(ctx, task)
		}
	}
}

// executeOnce runs one cycle under single-flight protection. A tick that
// lands while the previous cycle is in flight is dropped.
func (s *Scheduler) executeOnce(ctx context.Context, task *Task) {
	if !task.tryAcquire() {
		s.logger.DebugContext(ctx, "cycle still in flight, skipping tick",
			slog.String("task", task.Name),
		)
		return
	}
	defer task.release()
	s.runCycle(ctx, task)
}

func (s *Scheduler) runCycle(ctx context.Context, task *Task) {
	traceCtx := infrastructure.WithTraceID(ctx, infrastructure.NewTraceID())
	start := time.Now()

	if err := task.Fn(traceCtx); err != nil {
		infrastructure.LoggerWithContext(traceCtx).Warn("task cycle failed",
			slog.String("task", task.Name),
			slog.Duration("duration", time.Since(start)),
			slog.String("error", err.Error()),
		)
		return
	}

	infrastructure.LoggerWithContext(traceCtx).Debug("task cycle complete",
		slog.String("task", task.Name),
		slog.Duration("duration", time.Since(start)),
	)
}
