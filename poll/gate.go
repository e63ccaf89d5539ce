package poll

import (
	"bulletin-notifier/pkg/notifier"
	"fmt"

	"cloud.google.com/go/civil"
)

// Decision is the verdict of the notification gate for one cycle.
type Decision struct {
	Notify   bool
	Bulletin *notifier.Bulletin // Top candidate, nil when there was none
	Outcome  notifier.CheckOutcome
}

// Decide compares the newest candidate against the persisted state.
//
// The per-day throttle only applies to a bulletin dated today whose locator
// was already delivered today, so a source flipping between two revisions
// sends each at most once. Freshness is tracked by lastSeenDate and
// lastSeenLocator: a newer date or a same-date revision is notified once,
// and an older or unchanged candidate is never notified again.
func Decide(state *notifier.State, candidates []notifier.Bulletin, today civil.Date) Decision {
	if len(candidates) == 0 {
		return Decision{Outcome: notifier.CheckOutcome{
			Outcome: notifier.OutcomeFetchFailed,
			Message: "source returned no bulletins",
		}}
	}

	top := candidates[0]
	d := Decision{Bulletin: &top}

	if top.Date == today && state.SentToday(today, top.URL) {
		d.Outcome = notifier.CheckOutcome{
			Outcome: notifier.OutcomeAlreadySentToday,
			Message: fmt.Sprintf("bulletin of %s already sent today", top.Date),
		}
		return d
	}

	switch {
	case state.LastSeenDate == nil:
		d.Notify = true
	case top.Date.After(*state.LastSeenDate):
		d.Notify = true
	case top.Date == *state.LastSeenDate && top.URL != state.LastSeenLocator:
		d.Notify = true
	}
	if d.Notify {
		return d
	}

	d.Outcome = notifier.CheckOutcome{
		Outcome: notifier.OutcomeAlreadyCurrent,
		Message: fmt.Sprintf("newest bulletin is %s, last sent %s", top.Date, state.LastSeenDate),
	}
	return d
}
