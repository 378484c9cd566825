package graph

import (
	"time"

	"ms365calsync/internal/model"
)

// Graph serialises instants as a dateTime/timeZone pair. With the
// Prefer: outlook.timezone="UTC" header all responses come back in UTC.
type wireDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type wireBody struct {
	ContentType string `json:"contentType,omitempty"`
	Content     string `json:"content,omitempty"`
}

type wireLocation struct {
	DisplayName string `json:"displayName,omitempty"`
}

type wireEmailAddress struct {
	Address string `json:"address,omitempty"`
	Name    string `json:"name,omitempty"`
}

type wireAttendee struct {
	Type         string           `json:"type,omitempty"`
	EmailAddress wireEmailAddress `json:"emailAddress"`
}

// wireEvent is the Graph event resource, restricted to the fields the sync
// selects.
type wireEvent struct {
	ID                         string         `json:"id,omitempty"`
	Subject                    string         `json:"subject,omitempty"`
	Body                       *wireBody      `json:"body,omitempty"`
	Start                      *wireDateTime  `json:"start,omitempty"`
	End                        *wireDateTime  `json:"end,omitempty"`
	IsAllDay                   bool           `json:"isAllDay,omitempty"`
	Location                   *wireLocation  `json:"location,omitempty"`
	Categories                 []string       `json:"categories,omitempty"`
	Sensitivity                string         `json:"sensitivity,omitempty"`
	ShowAs                     string         `json:"showAs,omitempty"`
	Attendees                  []wireAttendee `json:"attendees,omitempty"`
	SeriesMasterID             string         `json:"seriesMasterId,omitempty"`
	IsReminderOn               bool           `json:"isReminderOn,omitempty"`
	ReminderMinutesBeforeStart int            `json:"reminderMinutesBeforeStart,omitempty"`
}

const (
	// graphTimeLayout is the precision Graph uses in event payloads.
	graphTimeLayout = "2006-01-02T15:04:05.0000000"
	// graphTimeLayoutShort appears in payloads without fractional seconds.
	graphTimeLayoutShort = "2006-01-02T15:04:05"
)

// parseWireTime converts a Graph dateTime/timeZone pair to a time.Time.
// Unknown zone names fall back to UTC rather than failing the whole sync.
func parseWireTime(w *wireDateTime) time.Time {
	if w == nil {
		return time.Time{}
	}
	loc := time.UTC
	if w.TimeZone != "" {
		if l, err := time.LoadLocation(w.TimeZone); err == nil {
			loc = l
		}
	}
	for _, layout := range []string{graphTimeLayout, graphTimeLayoutShort, time.RFC3339} {
		if t, err := time.ParseInLocation(layout, w.DateTime, loc); err == nil {
			return t
		}
	}
	return time.Time{}
}

func formatWireTime(t time.Time) *wireDateTime {
	return &wireDateTime{
		DateTime: t.UTC().Format(graphTimeLayoutShort),
		TimeZone: "UTC",
	}
}

// wireToEvent converts a Graph event into the normalised [model.Event].
func wireToEvent(w wireEvent) model.Event {
	ev := model.Event{
		ID:                         w.ID,
		Subject:                    w.Subject,
		Start:                      parseWireTime(w.Start),
		End:                        parseWireTime(w.End),
		IsAllDay:                   w.IsAllDay,
		Categories:                 w.Categories,
		Sensitivity:                model.Sensitivity(w.Sensitivity),
		ShowAs:                     model.ShowAs(w.ShowAs),
		SeriesMasterID:             w.SeriesMasterID,
		IsReminderOn:               w.IsReminderOn,
		ReminderMinutesBeforeStart: w.ReminderMinutesBeforeStart,
	}
	if w.Body != nil {
		ev.Body = w.Body.Content
	}
	if w.Location != nil {
		ev.Location = w.Location.DisplayName
	}
	for _, a := range w.Attendees {
		ev.Attendees = append(ev.Attendees, model.Attendee{
			Email: a.EmailAddress.Address,
			Type:  a.Type,
		})
	}
	return ev
}

// inputToWire builds the outgoing payload for create and patch calls.
func inputToWire(in model.EventInput) wireEvent {
	w := wireEvent{
		Subject:                    in.Subject,
		Start:                      formatWireTime(in.Start),
		End:                        formatWireTime(in.End),
		IsAllDay:                   in.IsAllDay,
		Categories:                 in.Categories,
		Sensitivity:                string(in.Sensitivity),
		ShowAs:                     string(in.ShowAs),
		IsReminderOn:               in.IsReminderOn,
		ReminderMinutesBeforeStart: in.ReminderMinutesBeforeStart,
	}
	if in.Body != "" {
		w.Body = &wireBody{ContentType: "html", Content: in.Body}
	}
	if in.Location != "" {
		w.Location = &wireLocation{DisplayName: in.Location}
	}
	for _, a := range in.Attendees {
		w.Attendees = append(w.Attendees, wireAttendee{
			Type:         a.Type,
			EmailAddress: wireEmailAddress{Address: a.Email},
		})
	}
	return w
}
