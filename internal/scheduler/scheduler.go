// Package scheduler drives snapshot refreshes: a startup delay, a fixed
// interval, and manual triggers, with at most one refresh running at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/voyagen/guidevault/internal/cache"
	"github.com/voyagen/guidevault/internal/metrics"
)

// Defaults applied when Options leaves Interval or Timeout unset.
const (
	DefaultInterval = 4 * time.Hour
	DefaultTimeout  = 5 * time.Minute
)

// Runner executes one refresh cycle.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// Locker is an optional cross-process lock taken around each run.
// TryLock returns cache.ErrLocked when another process holds it.
type Locker interface {
	TryLock(ctx context.Context) (unlock func(), err error)
}

// Options configures a Scheduler. A zero StartupDelay runs the first
// refresh immediately.
type Options struct {
	StartupDelay time.Duration
	Interval     time.Duration
	Timeout      time.Duration
	Locker       Locker
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

// Scheduler owns the refresh loop. Create with New and start with Run.
type Scheduler struct {
	runner  Runner
	opts    Options
	log     *slog.Logger
	gate    chan struct{} // binary gate; holding the token means a run is in flight
	trigger chan struct{} // capacity 1; pending trigger signals coalesce here
}

// New creates a Scheduler for runner.
func New(runner Runner, opts Options) *Scheduler {
	if opts.StartupDelay < 0 {
		opts.StartupDelay = 0
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		runner:  runner,
		opts:    opts,
		log:     log.With("component", "scheduler"),
		gate:    make(chan struct{}, 1),
		trigger: make(chan struct{}, 1),
	}
}

// IsRefreshing reports whether a refresh is executing.
func (s *Scheduler) IsRefreshing() bool {
	return len(s.gate) == 1
}

// TriggerRefresh requests a refresh. It returns false without queueing
// anything if a refresh is already running. Otherwise a pending signal is
// queued (bursts collapse into one) and true is returned.
func (s *Scheduler) TriggerRefresh() bool {
	if s.IsRefreshing() {
		return false
	}
	s.signal()
	return true
}

// signal queues a trigger unless one is already pending.
func (s *Scheduler) signal() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run waits for the startup delay, runs once, then serves interval ticks and
// manual triggers until ctx is done. Triggers accepted during the delay are
// held and fold into the first run. It always returns nil after ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler started", "startup_delay", s.opts.StartupDelay,
		"interval", s.opts.Interval, "timeout", s.opts.Timeout)

	delay := time.NewTimer(s.opts.StartupDelay)
	select {
	case <-ctx.Done():
		delay.Stop()
		s.log.Info("scheduler stopped")
		return nil
	case <-delay.C:
	}
	s.signal()

	go s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return nil
		case <-s.trigger:
			s.execute(ctx)
		}
	}
}

// tick emits one signal per interval. Ticks that land while a run is in
// flight are dropped.
func (s *Scheduler) tick(ctx context.Context) {
	t := time.NewTicker(s.opts.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if s.IsRefreshing() {
				s.log.Debug("interval tick skipped: refresh in progress")
				continue
			}
			s.signal()
		}
	}
}

// execute runs one refresh under the gate. The gate is released on every
// path, including a panic in the runner.
func (s *Scheduler) execute(ctx context.Context) {
	select {
	case s.gate <- struct{}{}:
	default:
		return
	}
	defer func() { <-s.gate }()

	start := time.Now()
	outcome, err := s.runOnce(ctx)
	elapsed := time.Since(start)
	if s.opts.Metrics != nil {
		s.opts.Metrics.RefreshDuration.Observe(elapsed.Seconds())
		if outcome == metrics.OutcomeSkipped {
			s.opts.Metrics.RefreshRuns.WithLabelValues(outcome).Inc()
		}
	}
	switch {
	case err != nil:
		s.log.Error("refresh failed", "err", err, "elapsed", elapsed)
	case outcome == metrics.OutcomeSkipped:
	default:
		s.log.Info("refresh finished", "elapsed", elapsed)
	}
}

func (s *Scheduler) runOnce(ctx context.Context) (outcome string, err error) {
	runCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	if s.opts.Locker != nil {
		unlock, err := s.opts.Locker.TryLock(runCtx)
		if errors.Is(err, cache.ErrLocked) {
			s.log.Info("refresh skipped: another process holds the refresh lock")
			return metrics.OutcomeSkipped, nil
		}
		if err != nil {
			return metrics.OutcomeError, fmt.Errorf("refresh lock: %w", err)
		}
		defer unlock()
	}

	defer func() {
		if r := recover(); r != nil {
			outcome, err = metrics.OutcomeError, fmt.Errorf("refresh panicked: %v", r)
		}
	}()

	if err := s.runner.Run(runCtx); err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return metrics.OutcomeError, fmt.Errorf("refresh timed out after %s: %w", s.opts.Timeout, err)
		}
		return metrics.OutcomeError, err
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		s.log.Warn("refresh hit its deadline", "timeout", s.opts.Timeout)
	}
	return metrics.OutcomeOK, nil
}
