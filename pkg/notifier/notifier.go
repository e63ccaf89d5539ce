// Package notifier contains the core domain types for the bulletin notification service.
package notifier

import (
	"slices"
	"time"

	"cloud.google.com/go/civil"
)

// Bulletin is a dated document as observed on the source page.
// Its identity is the (Date, URL) pair; Title is informational only.
type Bulletin struct {
	Date  civil.Date
	URL   string // Absolute locator of the document
	Title string // Caption text shown next to the link
}

// Outcome classifies how a check cycle ended.
type Outcome string

// Check cycle outcomes.
const (
	OutcomeSent             Outcome = "Sent"
	OutcomeAlreadyCurrent   Outcome = "AlreadyCurrent"
	OutcomeAlreadySentToday Outcome = "AlreadySentToday"
	OutcomeFetchFailed      Outcome = "FetchFailed"
	OutcomeDeliveryFailed   Outcome = "DeliveryFailed"
)

// CheckOutcome is the tagged result of a cycle plus a human readable message.
type CheckOutcome struct {
	Outcome Outcome `json:"outcome"`
	Message string  `json:"message,omitempty"`
}

// State is the single durable record of what was seen and sent.
// Absent values are nil pointers or empty strings and are omitted from JSON.
type State struct {
	LastSeenDate          *civil.Date   `json:"lastSeenDate,omitempty"`          // Newest bulletin date ever delivered
	LastSeenLocator       string        `json:"lastSeenLocator,omitempty"`       // Locator of that bulletin
	LastNotifiedDateToday *civil.Date   `json:"lastNotifiedDateToday,omitempty"` // Only meaningful when equal to today
	NotifiedLocators      []string      `json:"notifiedLocators,omitempty"`      // Locators delivered on LastNotifiedDateToday
	LastCheckTimestamp    *time.Time    `json:"lastCheckTimestamp,omitempty"`    // UTC
	LastCheckOutcome      *CheckOutcome `json:"lastCheckOutcome,omitempty"`
}

// NotifiedOn reports whether a notification was already sent for today.
// A value left over from a previous day reads as absent.
func (s *State) NotifiedOn(today civil.Date) bool {
	return s.LastNotifiedDateToday != nil && *s.LastNotifiedDateToday == today
}

// SentToday reports whether the bulletin at locator was already delivered
// today, either as the latest one or as an earlier revision of the day.
func (s *State) SentToday(today civil.Date, locator string) bool {
	if !s.NotifiedOn(today) {
		return false
	}
	return locator == s.LastSeenLocator || slices.Contains(s.NotifiedLocators, locator)
}

// MarkNotified records a delivery made today for locator.
func (s *State) MarkNotified(today civil.Date, locator string) {
	if !s.NotifiedOn(today) {
		s.NotifiedLocators = nil
	}
	d := today
	s.LastNotifiedDateToday = &d
	if !slices.Contains(s.NotifiedLocators, locator) {
		s.NotifiedLocators = append(s.NotifiedLocators, locator)
	}
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	c := &State{
		LastSeenLocator:  s.LastSeenLocator,
		NotifiedLocators: slices.Clone(s.NotifiedLocators),
	}
	if s.LastSeenDate != nil {
		d := *s.LastSeenDate
		c.LastSeenDate = &d
	}
	if s.LastNotifiedDateToday != nil {
		d := *s.LastNotifiedDateToday
		c.LastNotifiedDateToday = &d
	}
	if s.LastCheckTimestamp != nil {
		t := *s.LastCheckTimestamp
		c.LastCheckTimestamp = &t
	}
	if s.LastCheckOutcome != nil {
		o := *s.LastCheckOutcome
		c.LastCheckOutcome = &o
	}
	return c
}

// CoordinatorState is the run state of the trigger coordinator.
type CoordinatorState string

// Coordinator states.
const (
	Idle    CoordinatorState = "Idle"
	Running CoordinatorState = "Running"
)

// Result describes one completed check cycle.
type Result struct {
	Outcome   CheckOutcome
	Bulletin  *Bulletin // Top candidate, if the fetch produced one
	CheckedAt time.Time
	Duration  time.Duration
	SaveErr   error // Non-nil when the state could not be persisted
}

// Status is the fixed-shape record returned by status queries.
type Status struct {
	State        *State           `json:"state"`
	Coordinator  CoordinatorState `json:"coordinator"`
	StorageError string           `json:"storageError,omitempty"`
	SourceURL    string           `json:"sourceUrl"`
	Schedule     string           `json:"schedule"`
}
