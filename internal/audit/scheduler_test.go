package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedRunner struct {
	mu      sync.Mutex
	errs    []error
	calls   int
	onCall  func(call int)
	calledC chan int
}

func (r *scriptedRunner) RunCycle(ctx context.Context) (*CycleResult, error) {
	r.mu.Lock()
	r.calls++
	call := r.calls
	var err error
	if call <= len(r.errs) {
		err = r.errs[call-1]
	}
	r.mu.Unlock()

	if r.onCall != nil {
		r.onCall(call)
	}
	if r.calledC != nil {
		r.calledC <- call
	}
	if err != nil {
		return nil, err
	}
	return &CycleResult{Breakdown: map[string]int64{}}, nil
}

func (r *scriptedRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func runScheduler(ctx context.Context, s *Scheduler) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	return done
}

func TestSchedulerDisabledExitsWithoutDeleting(t *testing.T) {
	repo := newTestRepo(t)
	seedEvent(t, repo, ActionBookViewed, daysAgo(5000))
	svc := newTestCleanupService(repo, newTestArchiver(t), staticPolicy{"DEFAULT": 1}, nil, CleanupOptions{})

	scheduler := NewScheduler(svc, false, time.Millisecond)
	done := runScheduler(context.Background(), scheduler)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled scheduler did not return")
	}
	assert.Equal(t, int64(1), countAll(t, repo))
}

func TestSchedulerRetriesSoonerAfterFailure(t *testing.T) {
	runner := &scriptedRunner{
		errs:    []error{errors.New("database unreachable")},
		calledC: make(chan int, 4),
	}
	scheduler := NewScheduler(runner, true, time.Hour)
	scheduler.retryDelay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := runScheduler(ctx, scheduler)

	for want := 1; want <= 2; want++ {
		select {
		case call := <-runner.calledC:
			assert.Equal(t, want, call)
		case <-time.After(time.Second):
			t.Fatalf("cycle %d did not run", want)
		}
	}

	// the second cycle succeeded, so the next wait is the full interval
	select {
	case call := <-runner.calledC:
		t.Fatalf("unexpected cycle %d before the interval elapsed", call)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after cancellation")
	}
	assert.Equal(t, 2, runner.count())
}

func TestSchedulerStopsDuringCycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	runner := &scriptedRunner{
		errs: []error{context.Canceled},
		onCall: func(int) {
			cancel()
		},
	}
	scheduler := NewScheduler(runner, true, time.Millisecond)

	done := runScheduler(ctx, scheduler)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
	require.Equal(t, 1, runner.count())
}

func TestNewSchedulerDefaultsInterval(t *testing.T) {
	scheduler := NewScheduler(&scriptedRunner{}, true, 0)
	assert.Equal(t, 24*time.Hour, scheduler.interval)
	assert.Equal(t, time.Hour, scheduler.retryDelay)
}
