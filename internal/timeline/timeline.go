// Package timeline provides an immutable, sorted view over a set of calendar
// events keyed by half-open [start, end) timespans.
//
// A Timeline is built once per sync cycle from the current snapshot and never
// mutated; "updating" means constructing a new Timeline. Query methods return
// restartable sequences — ranging over them twice yields the same events and
// does not touch the Timeline's state.
package timeline

import (
	"iter"
	"sort"
	"time"

	"ms365calsync/internal/model"
)

// Timespan is a half-open [Start, End) interval.
type Timespan struct {
	Start time.Time
	End   time.Time
}

// Overlaps reports whether the span intersects [start, end). Touching
// boundaries do not count — an event ending exactly at start is excluded,
// which avoids midnight double counts for adjacent all-day events.
func (ts Timespan) Overlaps(start, end time.Time) bool {
	return ts.End.After(start) && ts.Start.Before(end)
}

type entry struct {
	span  Timespan
	event model.Event
}

// Timeline is the sorted event view. Create one with [New].
type Timeline struct {
	entries []entry
}

// New builds a Timeline from events. All-day events are anchored to the start
// of their local day in loc; timed events keep their instants. The sort is
// stable: events with equal span starts keep their input order, which makes
// current-event resolution deterministic when several all-day events share a
// day.
func New(events []model.Event, loc *time.Location) *Timeline {
	entries := make([]entry, 0, len(events))
	for _, ev := range events {
		entries = append(entries, entry{span: spanOf(ev, loc), event: ev})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].span.Start.Before(entries[j].span.Start)
	})
	return &Timeline{entries: entries}
}

// spanOf computes the comparison span for an event.
func spanOf(ev model.Event, loc *time.Location) Timespan {
	return Timespan{
		Start: ev.NormalizedStart(loc),
		End:   ev.NormalizedEnd(loc),
	}
}

// Len returns the number of events in the timeline.
func (t *Timeline) Len() int {
	return len(t.entries)
}

// All yields every event in span order.
func (t *Timeline) All() iter.Seq[model.Event] {
	return func(yield func(model.Event) bool) {
		for _, e := range t.entries {
			if !yield(e.event) {
				return
			}
		}
	}
}

// Overlapping yields, in span order, the events whose span intersects the
// half-open range [start, end).
func (t *Timeline) Overlapping(start, end time.Time) iter.Seq[model.Event] {
	return func(yield func(model.Event) bool) {
		for _, e := range t.entries {
			if e.span.Overlaps(start, end) && !yield(e.event) {
				return
			}
		}
	}
}

// ActiveAfter yields, in span order, the events whose span end is after the
// given instant.
func (t *Timeline) ActiveAfter(instant time.Time) iter.Seq[model.Event] {
	return func(yield func(model.Event) bool) {
		for _, e := range t.entries {
			if e.span.End.After(instant) && !yield(e.event) {
				return
			}
		}
	}
}
