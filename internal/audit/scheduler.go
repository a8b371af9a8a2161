package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/khanghh/kshelf/params"
)

// CycleRunner runs one retention cleanup cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context) (*CycleResult, error)
}

// Scheduler runs cleanup cycles periodically on a single goroutine.
type Scheduler struct {
	runner     CycleRunner
	enabled    bool
	interval   time.Duration
	retryDelay time.Duration
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Run blocks until ctx is cancelled. A failed cycle is retried after the
// retry delay instead of the regular interval. When the scheduler is
// disabled Run returns immediately.
func (s *Scheduler) Run(ctx context.Context) {
	if !s.enabled {
		slog.Info("Audit cleanup scheduler is disabled")
		return
	}
	slog.Info("Audit cleanup scheduler started", "interval", s.interval)

	for {
		delay := s.interval
		if _, err := s.runner.RunCycle(ctx); err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				break
			}
			slog.Error("Audit cleanup cycle failed", "retryIn", s.retryDelay, "error", err)
			delay = s.retryDelay
		}
		if !sleepContext(ctx, delay) {
			break
		}
	}
	slog.Info("Audit cleanup scheduler stopped")
}

func NewScheduler(runner CycleRunner, enabled bool, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = params.CleanupIntervalDefault
	}
	return &Scheduler{
		runner:     runner,
		enabled:    enabled,
		interval:   interval,
		retryDelay: params.CleanupRetryDelay,
	}
}
