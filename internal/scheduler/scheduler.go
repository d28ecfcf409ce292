// Package scheduler runs valve's periodic maintenance: alert evaluation,
// rotation grace sweeps, usage retention and limiter pruning.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Task is one periodic job.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler runs a fixed set of tasks until Shutdown. Runs of one task never
// overlap; a task that takes longer than its interval skips the missed ticks.
type Scheduler struct {
	tasks  []Task
	logger *slog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Scheduler. Tasks with a non-positive interval are disabled.
func New(logger *slog.Logger, tasks ...Task) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	enabled := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		if t.Interval > 0 && t.Run != nil {
			enabled = append(enabled, t)
		}
	}
	return &Scheduler{tasks: enabled, logger: logger}
}

// Tasks returns the names of the enabled tasks.
func (s *Scheduler) Tasks() []string {
	names := make([]string, len(s.tasks))
	for i, t := range s.tasks {
		names[i] = t.Name
	}
	return names
}

// Start launches the background loops. Non-blocking; calling it twice is a
// no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	for _, task := range s.tasks {
		s.wg.Add(1)
		go func(task Task) {
			defer s.wg.Done()

			ticker := time.NewTicker(task.Interval)
			defer ticker.Stop()

			for {
				select {
				case <-ticker.C:
					s.run(ctx, task)
				case <-ctx.Done():
					return
				}
			}
		}(task)
	}
	s.logger.Debug("scheduler started", "tasks", s.Tasks())
}

// RunNow executes every task once, in order, on the caller's goroutine.
func (s *Scheduler) RunNow(ctx context.Context) error {
	for _, task := range s.tasks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := task.Run(ctx); err != nil {
			return fmt.Errorf("%s: %w", task.Name, err)
		}
	}
	return nil
}

// Shutdown cancels in-flight runs and waits for the loops to exit.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context, task Task) {
	start := time.Now()
	if err := task.Run(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("scheduled task failed", "task", task.Name, "error", err)
		return
	}
	s.logger.Debug("scheduled task finished", "task", task.Name, "duration", time.Since(start))
}
