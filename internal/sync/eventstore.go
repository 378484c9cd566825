package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"ms365calsync/internal/model"
	"ms365calsync/internal/store"
	"ms365calsync/internal/timeline"
)

// itemsKey is the snapshot's key inside the calendar's store scope.
const itemsKey = "items"

// EventStoreService performs event lookups from the local snapshot and
// passes mutations straight through to the remote API. Obtain one from
// [SyncManager.StoreService] rather than constructing it directly.
//
// Mutations deliberately do not touch the snapshot: the cache is one poll
// stale at most and self-heals on the next sync run.
type EventStoreService struct {
	store      store.Store
	calendarID string
	api        CalendarAPI
	log        *slog.Logger
}

// GetTimeline loads the current snapshot and builds a sorted [timeline.Timeline]
// over it with all-day events anchored in loc. This is the engine's one
// CPU-bound step (decode + sort); it runs on the calling goroutine, which the
// Go scheduler preempts freely, so no worker hand-off is needed.
func (s *EventStoreService) GetTimeline(ctx context.Context, loc *time.Location) (*timeline.Timeline, error) {
	events, err := s.lookupEvents(ctx)
	if err != nil {
		return nil, err
	}
	s.log.Debug("building timeline", "calendar_id", s.calendarID, "events", len(events))

	// Map iteration order is random; feed events in id order so equal-start
	// ties sort deterministically across rebuilds.
	ids := make([]string, 0, len(events))
	for id := range events {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	ordered := make([]model.Event, 0, len(events))
	for _, id := range ids {
		ordered = append(ordered, events[id])
	}
	return timeline.New(ordered, loc), nil
}

// AddEvent creates the event on the remote calendar. The local snapshot is
// not updated; trigger a sync afterwards to see the event in queries.
func (s *EventStoreService) AddEvent(ctx context.Context, input model.EventInput) (*model.Event, error) {
	s.log.Debug("adding event", "calendar_id", s.calendarID, "subject", input.Subject)
	return s.api.CreateEvent(ctx, input)
}

// DeleteEvent removes the event from the remote calendar, with the same
// snapshot contract as [EventStoreService.AddEvent].
func (s *EventStoreService) DeleteEvent(ctx context.Context, eventID string) error {
	s.log.Debug("deleting event", "calendar_id", s.calendarID, "event_id", eventID)
	return s.api.DeleteEvent(ctx, eventID)
}

// RespondEvent replies to a meeting invitation on the remote calendar.
func (s *EventStoreService) RespondEvent(ctx context.Context, eventID string, response model.EventResponse, sendResponse bool, message string) error {
	s.log.Debug("responding to event", "calendar_id", s.calendarID, "event_id", eventID, "response", response)
	return s.api.RespondEvent(ctx, eventID, response, sendResponse, message)
}

// lookupEvents reads the raw snapshot mapping out of the scoped store.
func (s *EventStoreService) lookupEvents(ctx context.Context) (map[string]model.Event, error) {
	blob, err := s.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading snapshot for %s: %w", s.calendarID, err)
	}
	raw, ok := blob[itemsKey]
	if !ok {
		return map[string]model.Event{}, nil
	}

	var items map[string]json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decoding snapshot for %s: %w", s.calendarID, err)
	}
	events, err := model.DecodeEvents(items)
	if err != nil {
		return nil, fmt.Errorf("decoding snapshot for %s: %w", s.calendarID, err)
	}
	return events, nil
}
