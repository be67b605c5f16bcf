// Package scheduler owns the timers the retry queue deliberately does
// not: periodic drain passes, plus an early kick once a quota denial's
// observed RetryAfter has elapsed.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stridemirror/stridemirror/internal/core/engine"
)

// Drainer is the queue surface the scheduler drives.
type Drainer interface {
	Drain(ctx context.Context, userID string, budget int) (*engine.DrainSummary, error)
	LastDeniedRetryAfter() (time.Duration, time.Time)
}

// Scheduler drains the retry queue on a fixed interval. After a pass
// stops on quota, the next pass is scheduled for when the observed
// RetryAfter elapses instead of waiting out a full interval. Passes are
// single-flight: a tick that fires while the previous pass still runs
// is skipped.
type Scheduler struct {
	Queue    Drainer
	Interval time.Duration
	Budget   int
	Clock    func() time.Time
	Logger   *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	kicks   chan struct{}
	// draining guards single-flight across ticks.
	draining bool
}

func (s *Scheduler) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now()
}

func (s *Scheduler) logger() *zap.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return zap.NewNop()
}

func (s *Scheduler) interval() time.Duration {
	if s.Interval > 0 {
		return s.Interval
	}
	return time.Minute
}

func (s *Scheduler) budget() int {
	if s.Budget > 0 {
		return s.Budget
	}
	return 10
}

// Start launches the drain loop. It returns immediately; Stop ends the
// loop and waits for an in-flight pass to finish.
func (s *Scheduler) Start(ctx context.Context) error {
	if s == nil || s.Queue == nil {
		return errors.New("scheduler is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("scheduler is already running")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	s.kicks = make(chan struct{}, 1)
	s.mu.Unlock()

	go s.loop(loopCtx)

	s.logger().Info("drain scheduler started",
		zap.Duration("interval", s.interval()),
		zap.Int("budget", s.budget()))
	return nil
}

// Stop ends the loop and blocks until it has exited.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	done := s.done
	s.running = false
	s.mu.Unlock()

	cancel()
	<-done
	s.logger().Info("drain scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	timer := time.NewTimer(s.interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-s.kicks:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		s.runPass(ctx)
		timer.Reset(s.nextDelay())
	}
}

// runPass executes one drain pass unless one is already in flight.
func (s *Scheduler) runPass(ctx context.Context) {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		s.logger().Debug("drain pass skipped, previous pass still running")
		return
	}
	s.draining = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.draining = false
		s.mu.Unlock()
	}()

	summary, err := s.Queue.Drain(ctx, "", s.budget())
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger().Error("drain pass failed", zap.Error(err))
		}
		return
	}
	if summary.Claimed > 0 {
		s.logger().Info("drain pass finished",
			zap.Int("claimed", summary.Claimed),
			zap.Int("done", summary.Done),
			zap.Int("requeued", summary.Requeued),
			zap.Int("failed", summary.Failed),
			zap.Bool("stopped", summary.Stopped))
	}
}

// nextDelay picks the wait before the next pass: the regular interval,
// shortened to the remaining RetryAfter when the last pass was stopped
// by quota and that moment lands sooner.
func (s *Scheduler) nextDelay() time.Duration {
	interval := s.interval()

	retryAfter, deniedAt := s.Queue.LastDeniedRetryAfter()
	if deniedAt.IsZero() || retryAfter <= 0 {
		return interval
	}

	remaining := deniedAt.Add(retryAfter).Sub(s.now())
	if remaining <= 0 {
		return interval
	}
	if remaining < interval {
		return remaining
	}
	return interval
}

// Kick triggers a prompt pass, used after a gather cycle leaves work on
// the queue. While the loop runs the kick goes through it, so the
// follow-up delay is recomputed from any denial the pass observed;
// concurrent kicks coalesce. With no loop running the pass executes
// inline.
func (s *Scheduler) Kick(ctx context.Context) {
	if s == nil || s.Queue == nil {
		return
	}

	s.mu.Lock()
	running := s.running
	kicks := s.kicks
	s.mu.Unlock()

	if running {
		select {
		case kicks <- struct{}{}:
		default:
		}
		return
	}
	s.runPass(ctx)
}

// CheckHealth reports whether the scheduler loop is alive.
func (s *Scheduler) CheckHealth(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return errors.New("drain scheduler is not running")
	}
	return nil
}
