// Package trigger serializes periodic and on-demand check requests into a
// single worker so that at most one check cycle runs at a time.
package trigger

import (
	"bulletin-notifier/pkg/notifier"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// Source identifies what asked for a check.
type Source string

// Trigger sources.
const (
	SourceStartup  Source = "startup"
	SourceTimer    Source = "timer"
	SourceSchedule Source = "schedule"
	SourceManual   Source = "manual"
)

// Admission reasons.
const (
	ReasonStarted   = "check started"
	ReasonCoalesced = "coalesced into in-flight run"
	ReasonStopped   = "coordinator stopped"
)

// Checker runs one check cycle.
type Checker interface {
	Check(ctx context.Context) notifier.Result
}

// Admission is the answer to a trigger request.
type Admission struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason"`
}

// Coordinator owns the single long-lived check worker.
type Coordinator struct {
	checker  Checker
	interval time.Duration
	schedule cron.Schedule // Overrides interval when set
	logger   *slog.Logger

	work    chan Source
	running atomic.Bool // Set from admission until the admitted cycle returns
	active  atomic.Bool // Worker loop is accepting work

	admitMu sync.Mutex // Orders admission against shutdown

	mu      sync.RWMutex
	lastRun *Record
}

// Record summarizes a completed cycle.
type Record struct {
	Source Source
	Result notifier.Result
}

// Config holds coordinator configuration.
type Config struct {
	Checker  Checker
	Interval time.Duration
	Schedule string // Optional cron expression, e.g. "*/15 6-22 * * *"
	Logger   *slog.Logger
}

// New creates a coordinator. An invalid cron expression is an error.
func New(cfg *Config) (*Coordinator, error) {
	c := &Coordinator{
		checker:  cfg.Checker,
		interval: cfg.Interval,
		logger:   cfg.Logger,
		work:     make(chan Source, 1),
	}
	if cfg.Schedule != "" {
		sched, err := cron.ParseStandard(cfg.Schedule)
		if err != nil {
			return nil, err
		}
		c.schedule = sched
	}
	if c.schedule == nil && c.interval <= 0 {
		return nil, errors.New("interval must be positive when no schedule is set")
	}
	return c, nil
}

// Describe returns a human readable description of the timer.
func (c *Coordinator) Describe() string {
	if c.schedule != nil {
		return "cron"
	}
	return "every " + c.interval.String()
}

// Trigger asks for a check without blocking. It is accepted only when no
// cycle is running or admitted; otherwise it is coalesced into that cycle.
func (c *Coordinator) Trigger(src Source) Admission {
	c.admitMu.Lock()
	defer c.admitMu.Unlock()

	if !c.active.Load() {
		return Admission{Accepted: false, Reason: ReasonStopped}
	}
	if !c.running.CompareAndSwap(false, true) {
		c.logger.Info("Check request coalesced", "source", string(src))
		return Admission{Accepted: false, Reason: ReasonCoalesced}
	}
	// Only the holder of the running flag sends, so the buffered slot is free.
	c.work <- src
	c.logger.Info("Check request accepted", "source", string(src))
	return Admission{Accepted: true, Reason: ReasonStarted}
}

// State reports whether a cycle is in flight.
func (c *Coordinator) State() notifier.CoordinatorState {
	if c.running.Load() {
		return notifier.Running
	}
	return notifier.Idle
}

// LastRun returns the most recent completed cycle, or nil.
func (c *Coordinator) LastRun() *Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastRun == nil {
		return nil
	}
	r := *c.lastRun
	return &r
}

// Run is the worker loop. It runs one check immediately when runOnStart is
// set, then on every tick, until ctx is done. An in-flight cycle is allowed
// to finish before Run returns.
func (c *Coordinator) Run(ctx context.Context, runOnStart bool) error {
	c.active.Store(true)
	defer c.shutdown()

	tick, stop := c.ticks()
	defer stop()

	c.logger.Info("Coordinator started", "timer", c.Describe(), "run_on_start", runOnStart)

	if runOnStart {
		c.Trigger(SourceStartup)
	}

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Coordinator stopped", "reason", ctx.Err())
			return ctx.Err()
		case src := <-c.work:
			c.runCycle(ctx, src)
		case <-tick:
			// Ticks while busy are dropped: the in-flight cycle already reflects the latest state.
			if c.running.CompareAndSwap(false, true) {
				c.runCycle(ctx, c.tickSource())
			}
		}
	}
}

// shutdown stops admission and drops a request that was admitted but never
// picked up, so State does not report a cycle that will not run.
func (c *Coordinator) shutdown() {
	c.admitMu.Lock()
	defer c.admitMu.Unlock()

	c.active.Store(false)
	select {
	case src := <-c.work:
		c.logger.Info("Dropping admitted check at shutdown", "source", string(src))
		c.running.Store(false)
	default:
	}
}

func (c *Coordinator) runCycle(ctx context.Context, src Source) {
	defer c.running.Store(false)

	c.logger.Info("Check cycle starting", "source", string(src))
	res := c.checker.Check(ctx)

	c.mu.Lock()
	c.lastRun = &Record{Source: src, Result: res}
	c.mu.Unlock()
}

func (c *Coordinator) tickSource() Source {
	if c.schedule != nil {
		return SourceSchedule
	}
	return SourceTimer
}

// ticks returns the timer channel and its stop function.
func (c *Coordinator) ticks() (<-chan time.Time, func()) {
	if c.schedule == nil {
		t := time.NewTicker(c.interval)
		return t.C, t.Stop
	}

	ch := make(chan time.Time, 1)
	sched := cron.New(cron.WithLogger(cron.DiscardLogger))
	sched.Schedule(c.schedule, cron.FuncJob(func() {
		select {
		case ch <- time.Now():
		default:
		}
	}))
	sched.Start()
	return ch, func() { <-sched.Stop().Done() }
}
