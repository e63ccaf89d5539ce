// Package poll runs the bulletin check cycle: fetch, decide, dispatch, persist.
package poll

import (
	"bulletin-notifier/pkg/notifier"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cloud.google.com/go/civil"
)

// Fetcher returns the current bulletins, newest first.
type Fetcher interface {
	Fetch(ctx context.Context) ([]notifier.Bulletin, error)
}

// Store persists the state record.
type Store interface {
	Load(ctx context.Context) (*notifier.State, error)
	Save(ctx context.Context, state *notifier.State) error
}

// Monitor owns the state record and runs check cycles against it.
// Callers must not run Check concurrently; the trigger coordinator ensures this.
type Monitor struct {
	fetcher      Fetcher
	store        Store
	dispatcher   *Dispatcher
	logger       *slog.Logger
	fetchTimeout time.Duration
	location     *time.Location
	now          func() time.Time

	mu      sync.RWMutex
	state   *notifier.State
	saveErr error
}

// Config holds monitor configuration.
type Config struct {
	Fetcher      Fetcher
	Store        Store
	Dispatcher   *Dispatcher
	Logger       *slog.Logger
	FetchTimeout time.Duration
	Location     *time.Location   // Zone that defines "today"; UTC when nil
	Now          func() time.Time // Clock; time.Now when nil
}

// New creates a new poll monitor. Load must be called before Check.
func New(cfg *Config) *Monitor {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Monitor{
		fetcher:      cfg.Fetcher,
		store:        cfg.Store,
		dispatcher:   cfg.Dispatcher,
		logger:       cfg.Logger,
		fetchTimeout: cfg.FetchTimeout,
		location:     loc,
		now:          now,
	}
}

// Load reads the persisted state. A corrupt record is returned as an error
// and must stop the service from running checks.
func (m *Monitor) Load(ctx context.Context) error {
	state, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	m.mu.Lock()
	m.state = state
	m.saveErr = nil
	m.mu.Unlock()
	return nil
}

// State returns a copy of the current state.
func (m *Monitor) State() *notifier.State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state == nil {
		return &notifier.State{}
	}
	return m.state.Clone()
}

// SaveErr returns the error of the most recent failed save, if it has not
// been followed by a successful one.
func (m *Monitor) SaveErr() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saveErr
}

// Check runs one full cycle. Every failure is folded into the returned
// outcome and the persisted lastCheckOutcome; nothing is returned as error.
func (m *Monitor) Check(ctx context.Context) notifier.Result {
	startTime := m.now()
	today := civil.DateOf(startTime.In(m.location))

	m.mu.RLock()
	loaded := m.state != nil
	var state *notifier.State
	if loaded {
		state = m.state.Clone()
	}
	m.mu.RUnlock()
	if !loaded {
		return notifier.Result{
			Outcome:   notifier.CheckOutcome{Outcome: notifier.OutcomeFetchFailed, Message: "state not loaded"},
			CheckedAt: startTime,
		}
	}

	m.logger.Info("Starting bulletin check",
		"today", today.String(),
		"last_seen_date", dateString(state.LastSeenDate),
		"last_seen_locator", state.LastSeenLocator,
		"last_notified_date_today", dateString(state.LastNotifiedDateToday))

	result := notifier.Result{CheckedAt: startTime}

	candidates, err := m.fetch(ctx)
	if err != nil {
		m.logger.Warn("Bulletin fetch failed", "error", err)
		result.Outcome = notifier.CheckOutcome{
			Outcome: notifier.OutcomeFetchFailed,
			Message: err.Error(),
		}
	} else {
		decision := Decide(state, candidates, today)
		result.Bulletin = decision.Bulletin
		if decision.Notify {
			m.logger.Info("New bulletin detected",
				"bulletin_date", decision.Bulletin.Date.String(),
				"bulletin_url", decision.Bulletin.URL,
				"previous_date", dateString(state.LastSeenDate),
				"previous_url", state.LastSeenLocator)
			result.Outcome = m.dispatcher.Dispatch(ctx, state, *decision.Bulletin, today)
		} else {
			result.Outcome = decision.Outcome
		}
	}

	checkedAt := startTime.UTC()
	outcome := result.Outcome
	state.LastCheckTimestamp = &checkedAt
	state.LastCheckOutcome = &outcome

	// The in-memory state advances even when the save fails: a delivered
	// bulletin must not be resent, and the next cycle saves again.
	saveErr := m.store.Save(context.WithoutCancel(ctx), state)
	if saveErr != nil {
		m.logger.Error("Failed to persist state", "error", saveErr)
		result.SaveErr = saveErr
	}

	m.mu.Lock()
	m.state = state
	m.saveErr = saveErr
	m.mu.Unlock()

	result.Duration = m.now().Sub(startTime)
	m.logger.Info("Bulletin check completed",
		"outcome", string(outcome.Outcome),
		"message", outcome.Message,
		"duration_ms", result.Duration.Milliseconds())

	return result
}

func (m *Monitor) fetch(ctx context.Context) ([]notifier.Bulletin, error) {
	if m.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.fetchTimeout)
		defer cancel()
	}

	candidates, err := m.fetcher.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch bulletins: %w", err)
	}
	return candidates, nil
}

func dateString(d *civil.Date) string {
	if d == nil {
		return ""
	}
	return d.String()
}
