// Package model defines the shared calendar event types used across the
// Graph adapter, the sync engine, and the local store.
package model

import (
	"time"
)

// Sensitivity is the Graph event sensitivity classification.
type Sensitivity string

// Sensitivity values as they appear on the Graph wire.
const (
	SensitivityNormal       Sensitivity = "normal"
	SensitivityPersonal     Sensitivity = "personal"
	SensitivityPrivate      Sensitivity = "private"
	SensitivityConfidential Sensitivity = "confidential"
)

// Valid reports whether s is one of the known sensitivity values.
func (s Sensitivity) Valid() bool {
	switch s {
	case SensitivityNormal, SensitivityPersonal, SensitivityPrivate, SensitivityConfidential:
		return true
	}
	return false
}

// ShowAs is the free/busy status of an event.
type ShowAs string

// ShowAs values as they appear on the Graph wire.
const (
	ShowAsFree             ShowAs = "free"
	ShowAsTentative        ShowAs = "tentative"
	ShowAsBusy             ShowAs = "busy"
	ShowAsOOF              ShowAs = "oof"
	ShowAsWorkingElsewhere ShowAs = "workingElsewhere"
)

// EventResponse is a reply to a meeting invitation.
type EventResponse string

// Responses accepted by [RespondEvent]-style operations.
const (
	ResponseAccept    EventResponse = "accept"
	ResponseTentative EventResponse = "tentative"
	ResponseDecline   EventResponse = "decline"
)

// Valid reports whether r is a known response kind.
func (r EventResponse) Valid() bool {
	switch r {
	case ResponseAccept, ResponseTentative, ResponseDecline:
		return true
	}
	return false
}

// Attendee is a meeting participant.
type Attendee struct {
	Email string `json:"email"`
	Type  string `json:"type"` // "required", "optional", or "resource"
}

// Event is the normalised representation of a remote calendar item. It is
// what the sync snapshot persists; opaque SDK payloads never cross the store
// boundary.
//
// Start/End semantics follow the remote system: for all-day events they carry
// date-only values (midnight in the calendar's zone) and must be anchored to
// local-day boundaries before comparison — use [Event.NormalizedStart] and
// [Event.NormalizedEnd]. Start ≤ End is not enforced here; values pass
// through from the remote as-is.
type Event struct {
	// ID is the remote event identifier, stable across syncs.
	ID string `json:"id"`

	Subject string `json:"subject"`

	// Body is the raw event body (usually HTML). Sanitisation is the
	// consumer's concern.
	Body string `json:"body,omitempty"`

	Start time.Time `json:"start"`
	End   time.Time `json:"end"`

	// IsAllDay marks date-only events.
	IsAllDay bool `json:"is_all_day"`

	Location   string   `json:"location,omitempty"`
	Categories []string `json:"categories,omitempty"`

	Sensitivity Sensitivity `json:"sensitivity,omitempty"`
	ShowAs      ShowAs      `json:"show_as,omitempty"`

	Attendees []Attendee `json:"attendees,omitempty"`

	// SeriesMasterID references the recurrence parent for expanded
	// occurrences. Empty for non-recurring events.
	SeriesMasterID string `json:"series_master_id,omitempty"`

	IsReminderOn               bool `json:"is_reminder_on,omitempty"`
	ReminderMinutesBeforeStart int  `json:"reminder_minutes_before_start,omitempty"`
}

// NormalizedStart returns the instant used for ordering and "is started"
// comparisons: start of the local day in loc for all-day events, the start
// instant otherwise.
func (e *Event) NormalizedStart(loc *time.Location) time.Time {
	if e.IsAllDay {
		return StartOfDay(e.Start, loc)
	}
	return e.Start
}

// NormalizedEnd is the counterpart of [Event.NormalizedStart] for the event
// end.
func (e *Event) NormalizedEnd(loc *time.Location) time.Time {
	if e.IsAllDay {
		return StartOfDay(e.End, loc)
	}
	return e.End
}

// StartOfDay returns midnight of t's calendar day in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// EventInput carries the caller-supplied fields for create and patch
// operations. Zero-valued optional fields are omitted from the outgoing
// request.
type EventInput struct {
	Subject  string
	Start    time.Time
	End      time.Time
	IsAllDay bool

	Body       string
	Location   string
	Categories []string

	Sensitivity Sensitivity
	ShowAs      ShowAs

	Attendees []Attendee

	IsReminderOn               bool
	ReminderMinutesBeforeStart int
}
