package trigger

import (
	"bulletin-notifier/pkg/notifier"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// blockingChecker holds every cycle open until release is closed.
type blockingChecker struct {
	started chan struct{}
	release chan struct{}

	calls   atomic.Int32
	active  atomic.Int32
	maxSeen atomic.Int32
}

func newBlockingChecker() *blockingChecker {
	return &blockingChecker{
		started: make(chan struct{}, 16),
		release: make(chan struct{}),
	}
}

func (b *blockingChecker) Check(ctx context.Context) notifier.Result {
	b.calls.Add(1)
	n := b.active.Add(1)
	defer b.active.Add(-1)
	for {
		m := b.maxSeen.Load()
		if n <= m || b.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	b.started <- struct{}{}
	<-b.release
	return notifier.Result{Outcome: notifier.CheckOutcome{Outcome: notifier.OutcomeAlreadyCurrent}}
}

type countingChecker struct {
	calls atomic.Int32
}

func (c *countingChecker) Check(ctx context.Context) notifier.Result {
	c.calls.Add(1)
	return notifier.Result{Outcome: notifier.CheckOutcome{Outcome: notifier.OutcomeSent}}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func start(t *testing.T, c *Coordinator, runOnStart bool) (cancel func()) {
	t.Helper()
	ctx, cancelCtx := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, runOnStart) }()

	waitFor(t, "coordinator active", c.active.Load)

	return func() {
		cancelCtx()
		select {
		case err := <-done:
			if !errors.Is(err, context.Canceled) {
				t.Errorf("Run() error = %v, want context.Canceled", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("Run() did not return after cancel")
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		interval time.Duration
		schedule string
		wantErr  bool
		describe string
	}{
		{name: "interval", interval: 15 * time.Minute, describe: "every 15m0s"},
		{name: "cron", schedule: "*/15 6-22 * * *", describe: "cron"},
		{name: "cron overrides interval", interval: time.Minute, schedule: "0 * * * *", describe: "cron"},
		{name: "zero interval", wantErr: true},
		{name: "bad cron", schedule: "every quarter hour", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(&Config{
				Checker:  &countingChecker{},
				Interval: tt.interval,
				Schedule: tt.schedule,
				Logger:   testLogger(),
			})
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && c.Describe() != tt.describe {
				t.Errorf("Describe() = %q, want %q", c.Describe(), tt.describe)
			}
		})
	}
}

func TestTriggerCoalescesWhileRunning(t *testing.T) {
	checker := newBlockingChecker()
	c, err := New(&Config{Checker: checker, Interval: time.Hour, Logger: testLogger()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	stop := start(t, c, false)
	defer stop()

	if c.State() != notifier.Idle {
		t.Fatalf("State() = %s, want Idle", c.State())
	}

	first := c.Trigger(SourceManual)
	if !first.Accepted {
		t.Fatalf("first Trigger() = %+v, want accepted", first)
	}
	<-checker.started

	second := c.Trigger(SourceManual)
	if second.Accepted || second.Reason != ReasonCoalesced {
		t.Errorf("Trigger() during run = %+v, want coalesced", second)
	}
	if c.State() != notifier.Running {
		t.Errorf("State() = %s, want Running", c.State())
	}

	close(checker.release)
	waitFor(t, "idle", func() bool { return c.State() == notifier.Idle })

	if got := checker.calls.Load(); got != 1 {
		t.Errorf("Check() calls = %d, want 1", got)
	}

	// A trigger after completion starts a fresh cycle.
	third := c.Trigger(SourceManual)
	if !third.Accepted {
		t.Errorf("Trigger() after completion = %+v, want accepted", third)
	}
	waitFor(t, "second cycle", func() bool { return checker.calls.Load() == 2 })
	waitFor(t, "idle", func() bool { return c.State() == notifier.Idle })

	if got := checker.maxSeen.Load(); got != 1 {
		t.Errorf("max concurrent cycles = %d, want 1", got)
	}
}

func TestConcurrentTriggersAdmitOne(t *testing.T) {
	checker := newBlockingChecker()
	c, err := New(&Config{Checker: checker, Interval: time.Hour, Logger: testLogger()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	stop := start(t, c, false)
	defer stop()

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Trigger(SourceManual).Accepted {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := accepted.Load(); got != 1 {
		t.Errorf("accepted triggers = %d, want 1", got)
	}

	close(checker.release)
	waitFor(t, "idle", func() bool { return c.State() == notifier.Idle })
	if got := checker.calls.Load(); got != 1 {
		t.Errorf("Check() calls = %d, want 1", got)
	}
}

func TestTriggerWhenStopped(t *testing.T) {
	checker := &countingChecker{}
	c, err := New(&Config{Checker: checker, Interval: time.Hour, Logger: testLogger()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if got := c.Trigger(SourceManual); got.Accepted || got.Reason != ReasonStopped {
		t.Errorf("Trigger() before Run = %+v, want stopped", got)
	}

	stop := start(t, c, false)
	stop()

	if got := c.Trigger(SourceManual); got.Accepted || got.Reason != ReasonStopped {
		t.Errorf("Trigger() after Run = %+v, want stopped", got)
	}
	if got := checker.calls.Load(); got != 0 {
		t.Errorf("Check() calls = %d, want 0", got)
	}
}

func TestRunOnStart(t *testing.T) {
	checker := &countingChecker{}
	c, err := New(&Config{Checker: checker, Interval: time.Hour, Logger: testLogger()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	stop := start(t, c, true)
	defer stop()

	waitFor(t, "startup cycle", func() bool { return c.LastRun() != nil })

	last := c.LastRun()
	if last.Source != SourceStartup {
		t.Errorf("LastRun().Source = %s, want %s", last.Source, SourceStartup)
	}
	if last.Result.Outcome.Outcome != notifier.OutcomeSent {
		t.Errorf("LastRun().Result = %+v", last.Result)
	}
}

func TestTimerTicks(t *testing.T) {
	checker := &countingChecker{}
	c, err := New(&Config{Checker: checker, Interval: 10 * time.Millisecond, Logger: testLogger()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	stop := start(t, c, false)
	defer stop()

	waitFor(t, "timer cycles", func() bool { return checker.calls.Load() >= 2 })
	if got := c.LastRun().Source; got != SourceTimer {
		t.Errorf("LastRun().Source = %s, want %s", got, SourceTimer)
	}
}

func TestCronSchedule(t *testing.T) {
	if testing.Short() {
		t.Skip("cron resolution is one second")
	}

	checker := &countingChecker{}
	c, err := New(&Config{Checker: checker, Schedule: "@every 1s", Logger: testLogger()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	stop := start(t, c, false)
	defer stop()

	waitFor(t, "scheduled cycle", func() bool { return c.LastRun() != nil })
	if got := c.LastRun().Source; got != SourceSchedule {
		t.Errorf("LastRun().Source = %s, want %s", got, SourceSchedule)
	}
}

func TestShutdownWaitsForInFlightCycle(t *testing.T) {
	checker := newBlockingChecker()
	c, err := New(&Config{Checker: checker, Interval: time.Hour, Logger: testLogger()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, true) }()
	<-checker.started

	cancel()
	select {
	case <-done:
		t.Fatal("Run() returned while a cycle was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(checker.release)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after the cycle finished")
	}
	if c.LastRun() == nil {
		t.Error("LastRun() = nil, want the completed startup cycle")
	}
}

func TestShutdownReleasesQueuedAdmission(t *testing.T) {
	checker := &countingChecker{}
	c, err := New(&Config{Checker: checker, Interval: time.Hour, Logger: testLogger()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// Admitted while the loop is live, but the loop exits before taking it.
	c.active.Store(true)
	if got := c.Trigger(SourceManual); !got.Accepted {
		t.Fatalf("Trigger() = %+v, want accepted", got)
	}
	c.shutdown()

	if c.State() != notifier.Idle {
		t.Errorf("State() = %s after shutdown, want Idle", c.State())
	}
	if got := c.Trigger(SourceManual); got.Accepted || got.Reason != ReasonStopped {
		t.Errorf("Trigger() after shutdown = %+v, want stopped", got)
	}
	if checker.calls.Load() != 0 {
		t.Errorf("Check() calls = %d, want 0", checker.calls.Load())
	}
}

func TestTriggerRacingShutdown(t *testing.T) {
	for range 50 {
		checker := &countingChecker{}
		c, err := New(&Config{Checker: checker, Interval: time.Hour, Logger: testLogger()})
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			_ = c.Run(ctx, false)
			close(done)
		}()
		waitFor(t, "coordinator active", c.active.Load)

		stopHammer := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stopHammer:
					return
				default:
					c.Trigger(SourceManual)
				}
			}
		}()

		cancel()
		<-done
		close(stopHammer)
		wg.Wait()

		if c.State() != notifier.Idle {
			t.Fatalf("State() = %s after Run returned, want Idle", c.State())
		}
	}
}
