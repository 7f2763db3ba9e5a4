// Package scheduler runs the periodic delay sweep: delayed workflows
// whose suspension expired are resumed in the background instead of
// waiting for the next user action.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SweepFunc resumes every delayed workflow that is due.
type SweepFunc func(ctx context.Context) error

// Scheduler fires the sweep on a fixed interval until stopped.
type Scheduler struct {
	interval time.Duration
	sweep    SweepFunc
	logger   *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New creates a scheduler. Intervals below one second are clamped to
// one second so a misconfigured value cannot spin the database.
func New(interval time.Duration, sweep SweepFunc, logger *zap.Logger) *Scheduler {
	if interval < time.Second {
		interval = time.Second
	}
	return &Scheduler{interval: interval, sweep: sweep, logger: logger}
}

// Start launches the sweep loop. Calling Start on a running scheduler
// is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.running = true
	go s.loop(ctx)
	s.logger.Info("scheduler started", zap.Duration("interval", s.interval))
}

// Stop cancels the loop and waits for the in-flight sweep to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.running = false
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("scheduler stopped")
}

// FireNow runs one sweep immediately, bypassing the interval. Used by
// tests and by the resume endpoint after a manual delay change.
func (s *Scheduler) FireNow(ctx context.Context) error {
	return s.runSweep(ctx)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.runSweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("delay sweep failed", zap.Error(err))
			}
		}
	}
}

func (s *Scheduler) runSweep(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return s.sweep(ctx)
}
