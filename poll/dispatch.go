package poll

import (
	"bulletin-notifier/pkg/notifier"
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/civil"
)

// Sender delivers a bulletin notification downstream.
type Sender interface {
	SendBulletin(ctx context.Context, b notifier.Bulletin) error
}

// Dispatcher sends notify decisions and records their effect on the state.
type Dispatcher struct {
	sender  Sender
	timeout time.Duration
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher whose deliveries are bounded by timeout.
func NewDispatcher(sender Sender, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		sender:  sender,
		timeout: timeout,
		logger:  logger,
	}
}

// Dispatch calls the sender once for b. The seen and notified fields of state
// advance only when delivery succeeds, so a failure is retried next cycle.
func (d *Dispatcher) Dispatch(ctx context.Context, state *notifier.State, b notifier.Bulletin, today civil.Date) notifier.CheckOutcome {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	startTime := time.Now()
	err := d.sender.SendBulletin(ctx, b)
	duration := time.Since(startTime)

	if err != nil {
		d.logger.Warn("Bulletin delivery failed",
			"bulletin_date", b.Date.String(),
			"bulletin_url", b.URL,
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return notifier.CheckOutcome{
			Outcome: notifier.OutcomeDeliveryFailed,
			Message: fmt.Sprintf("delivery of %s failed: %v", b.Date, err),
		}
	}

	date := b.Date
	state.LastSeenDate = &date
	state.LastSeenLocator = b.URL
	if b.Date == today {
		state.MarkNotified(today, b.URL)
	}

	d.logger.Info("Bulletin delivered",
		"bulletin_date", b.Date.String(),
		"bulletin_url", b.URL,
		"duration_ms", duration.Milliseconds())

	return notifier.CheckOutcome{
		Outcome: notifier.OutcomeSent,
		Message: fmt.Sprintf("sent bulletin of %s", b.Date),
	}
}
