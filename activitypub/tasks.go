package activitypub

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/semaphore"
)

// Scheduler runs background tasks off the inbound request path, bounded by a
// fixed number of concurrent workers. Tasks run at most once.
type Scheduler struct {
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	logger *log.Logger
}

func NewScheduler(workers int, logger *log.Logger) *Scheduler {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		sem:    semaphore.NewWeighted(int64(workers)),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Submit runs task as soon as a worker is free.
func (s *Scheduler) Submit(name string, task func(ctx context.Context)) {
	s.SubmitAfter(name, 0, task)
}

// SubmitAfter runs task once delay has elapsed. Waiting does not hold a
// worker.
func (s *Scheduler) SubmitAfter(name string, delay time.Duration, task func(ctx context.Context)) {
	if s.ctx.Err() != nil {
		s.logger.Warn("scheduler closed, dropping task", "task", name)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-s.ctx.Done():
				s.logger.Debug("task cancelled before start", "task", name)
				return
			}
		}
		s.run(name, task)
	}()
}

func (s *Scheduler) run(name string, task func(ctx context.Context)) {
	if err := s.sem.Acquire(s.ctx, 1); err != nil {
		s.logger.Debug("task cancelled before start", "task", name)
		return
	}
	defer s.sem.Release(1)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("task panicked", "task", name, "panic", r)
		}
	}()
	task(s.ctx)
}

// Wait blocks until every submitted task has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Close cancels pending tasks and waits for running ones.
func (s *Scheduler) Close() {
	s.cancel()
	s.wg.Wait()
}
