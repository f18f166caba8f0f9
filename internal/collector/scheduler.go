package collector

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Worker is one periodic sampler. Cycle must not return until its own
// collaborator calls have returned; the loop around it handles timing.
type Worker interface {
	Name() string
	Interval() time.Duration
	Cycle(ctx context.Context)
}

// Scheduler runs every worker on its own goroutine and joins them all when
// the context is cancelled.
type Scheduler struct {
	logger  *slog.Logger
	workers []Worker
	running atomic.Int32
}

func NewScheduler(logger *slog.Logger, workers ...Worker) *Scheduler {
	return &Scheduler{logger: logger, workers: workers}
}

// Run blocks until ctx is cancelled and every worker has returned. Workers
// never fail the group, so one worker stopping cannot cancel its siblings.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range s.workers {
		s.running.Add(1)
		g.Go(func() error {
			defer s.running.Add(-1)
			s.runLoop(gctx, w)
			return nil
		})
	}
	s.logger.Info("workers started", "count", len(s.workers))
	err := g.Wait()
	s.logger.Info("workers stopped", "count", len(s.workers))
	return err
}

// Running reports how many workers have not exited yet.
func (s *Scheduler) Running() int {
	return int(s.running.Load())
}

func (s *Scheduler) runLoop(ctx context.Context, w Worker) {
	ticker := time.NewTicker(w.Interval())
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		s.runCycle(ctx, w)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) runCycle(ctx context.Context, w Worker) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("worker cycle panicked", "worker", w.Name(), "panic", r, "stack", string(debug.Stack()))
		}
	}()
	w.Cycle(ctx)
}
