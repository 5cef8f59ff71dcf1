package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voyagen/guidevault/internal/cache"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// idle returns options whose only automatic run is the startup one. Tests
// queue a trigger before Run so the two fold into a single run.
func idle() Options {
	return Options{StartupDelay: 0, Interval: time.Hour, Timeout: time.Minute}
}

func start(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestTriggerRefresh_rejectsWhileRunning(t *testing.T) {
	var running, maxRunning, calls int32
	release := make(chan struct{})
	started := make(chan struct{}, 10)
	r := RunnerFunc(func(ctx context.Context) error {
		n := atomic.AddInt32(&running, 1)
		defer atomic.AddInt32(&running, -1)
		for {
			m := atomic.LoadInt32(&maxRunning)
			if n <= m || atomic.CompareAndSwapInt32(&maxRunning, m, n) {
				break
			}
		}
		atomic.AddInt32(&calls, 1)
		started <- struct{}{}
		<-release
		return nil
	})
	s := New(r, idle())
	if !s.TriggerRefresh() {
		t.Fatal("first trigger rejected")
	}
	start(t, s)
	<-started
	if !s.IsRefreshing() {
		t.Fatal("IsRefreshing = false during run")
	}
	for i := 0; i < 5; i++ {
		if s.TriggerRefresh() {
			t.Fatal("trigger accepted while running")
		}
	}
	close(release)
	waitFor(t, "run to finish", func() bool { return !s.IsRefreshing() })

	time.Sleep(50 * time.Millisecond)
	if c := atomic.LoadInt32(&calls); c != 1 {
		t.Errorf("calls = %d, want 1", c)
	}
	if m := atomic.LoadInt32(&maxRunning); m != 1 {
		t.Errorf("max concurrent runs = %d", m)
	}
}

func TestTriggerRefresh_coalesces(t *testing.T) {
	var calls int32
	s := New(RunnerFunc(func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}), idle())

	// Triggers arriving before the loop drains them collapse into one.
	for i := 0; i < 10; i++ {
		if !s.TriggerRefresh() {
			t.Fatal("trigger rejected while idle")
		}
	}
	if len(s.trigger) != 1 {
		t.Fatalf("pending triggers = %d", len(s.trigger))
	}
	start(t, s)
	waitFor(t, "first run", func() bool { return atomic.LoadInt32(&calls) == 1 })
	time.Sleep(50 * time.Millisecond)
	if c := atomic.LoadInt32(&calls); c != 1 {
		t.Errorf("calls = %d, want 1", c)
	}
}

func TestRun_startupDelayThenFirstRun(t *testing.T) {
	ran := make(chan struct{}, 1)
	opts := idle()
	opts.StartupDelay = 10 * time.Millisecond
	s := New(RunnerFunc(func(ctx context.Context) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	}), opts)
	start(t, s)
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("no run after startup delay")
	}
}

func TestRun_intervalRepeats(t *testing.T) {
	var calls int32
	s := New(RunnerFunc(func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}), Options{StartupDelay: 0, Interval: 10 * time.Millisecond, Timeout: time.Second})
	start(t, s)
	waitFor(t, "three runs", func() bool { return atomic.LoadInt32(&calls) >= 3 })
}

func TestRun_triggerWaitsForStartupDelay(t *testing.T) {
	var calls int32
	opts := idle()
	opts.StartupDelay = 150 * time.Millisecond
	s := New(RunnerFunc(func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}), opts)
	begin := time.Now()
	start(t, s)

	if !s.TriggerRefresh() {
		t.Fatal("trigger rejected during startup delay")
	}
	time.Sleep(50 * time.Millisecond)
	if c := atomic.LoadInt32(&calls); c != 0 {
		t.Fatalf("calls = %d during startup delay, want 0", c)
	}
	waitFor(t, "first run", func() bool { return atomic.LoadInt32(&calls) == 1 })
	if elapsed := time.Since(begin); elapsed < opts.StartupDelay {
		t.Errorf("first run after %s, before the startup delay", elapsed)
	}
	time.Sleep(50 * time.Millisecond)
	if c := atomic.LoadInt32(&calls); c != 1 {
		t.Errorf("calls = %d, want the held trigger folded into the first run", c)
	}
}

func TestRun_slowRunDoesNotStackTicks(t *testing.T) {
	const interval = 20 * time.Millisecond
	var (
		inFlight, maxInFlight int32
		mu                    sync.Mutex
		starts                []time.Time
	)
	release := make(chan struct{})
	s := New(RunnerFunc(func(ctx context.Context) error {
		n := atomic.AddInt32(&inFlight, 1)
		defer atomic.AddInt32(&inFlight, -1)
		for {
			m := atomic.LoadInt32(&maxInFlight)
			if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
				break
			}
		}
		mu.Lock()
		first := len(starts) == 0
		starts = append(starts, time.Now())
		mu.Unlock()
		if first {
			<-release
		}
		return nil
	}), Options{StartupDelay: 0, Interval: interval, Timeout: time.Minute})
	start(t, s)

	waitFor(t, "first run", func() bool { return s.IsRefreshing() })
	time.Sleep(10 * interval)
	if n := len(s.trigger); n != 0 {
		t.Errorf("pending triggers = %d while a run is in flight, want 0", n)
	}
	releasedAt := time.Now()
	close(release)
	time.Sleep(5 * interval)

	mu.Lock()
	defer mu.Unlock()
	burst := 0
	for _, at := range starts[1:] {
		if at.Sub(releasedAt) < interval/2 {
			burst++
		}
	}
	if burst > 1 {
		t.Errorf("%d runs started right after release, want at most 1", burst)
	}
	if m := atomic.LoadInt32(&maxInFlight); m != 1 {
		t.Errorf("max concurrent runs = %d", m)
	}
}

func TestRun_timeoutCancelsAndReleasesGate(t *testing.T) {
	errs := make(chan error, 1)
	opts := idle()
	opts.Timeout = 20 * time.Millisecond
	s := New(RunnerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		errs <- ctx.Err()
		return ctx.Err()
	}), opts)
	s.TriggerRefresh()
	start(t, s)

	select {
	case err := <-errs:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("runner ctx err = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runner never cancelled")
	}
	waitFor(t, "gate release", func() bool { return !s.IsRefreshing() })
	if !s.TriggerRefresh() {
		t.Error("trigger rejected after timeout")
	}
}

func TestRun_panicReleasesGate(t *testing.T) {
	var calls int32
	s := New(RunnerFunc(func(ctx context.Context) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			panic("boom")
		}
		return nil
	}), idle())
	s.TriggerRefresh()
	start(t, s)

	waitFor(t, "first run", func() bool { return atomic.LoadInt32(&calls) == 1 })
	waitFor(t, "gate release", func() bool { return !s.IsRefreshing() })
	if !s.TriggerRefresh() {
		t.Fatal("trigger rejected after panic")
	}
	waitFor(t, "second run", func() bool { return atomic.LoadInt32(&calls) == 2 })
}

func TestRun_errorDoesNotStopLoop(t *testing.T) {
	var calls int32
	s := New(RunnerFunc(func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("store down")
	}), idle())
	s.TriggerRefresh()
	start(t, s)
	waitFor(t, "first run", func() bool { return atomic.LoadInt32(&calls) == 1 && !s.IsRefreshing() })
	s.TriggerRefresh()
	waitFor(t, "second run", func() bool { return atomic.LoadInt32(&calls) == 2 })
}

type heldLocker struct {
	mu    sync.Mutex
	held  bool
	tries int
}

func (l *heldLocker) TryLock(context.Context) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tries++
	if l.held {
		return nil, cache.ErrLocked
	}
	l.held = true
	return func() {
		l.mu.Lock()
		l.held = false
		l.mu.Unlock()
	}, nil
}

func TestRun_lockHeldElsewhereSkips(t *testing.T) {
	var calls int32
	lk := &heldLocker{held: true}
	opts := idle()
	opts.Locker = lk
	s := New(RunnerFunc(func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}), opts)
	s.TriggerRefresh()
	start(t, s)

	waitFor(t, "lock attempt", func() bool {
		lk.mu.Lock()
		defer lk.mu.Unlock()
		return lk.tries == 1
	})
	waitFor(t, "gate release", func() bool { return !s.IsRefreshing() })
	if c := atomic.LoadInt32(&calls); c != 0 {
		t.Fatalf("runner called %d times while lock held", c)
	}

	lk.mu.Lock()
	lk.held = false
	lk.mu.Unlock()
	s.TriggerRefresh()
	waitFor(t, "run after lock freed", func() bool { return atomic.LoadInt32(&calls) == 1 })
	waitFor(t, "unlock", func() bool {
		lk.mu.Lock()
		defer lk.mu.Unlock()
		return !lk.held
	})
}
