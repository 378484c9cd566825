// Package sync implements the calendar event synchronization engine: a
// [SyncManager] that pulls a sliding window of remote events into the local
// snapshot store, an [EventStoreService] that builds timelines from the
// snapshot, and a [Coordinator] that drives the polling loop and answers
// range and current-event queries.
package sync

import (
	"context"
	"time"

	"ms365calsync/internal/model"
)

// CalendarAPI is the remote calendar surface the engine consumes.
// Implemented by [graph.CalendarService].
type CalendarAPI interface {
	ListEvents(ctx context.Context, start, end time.Time) ([]model.Event, error)
	CreateEvent(ctx context.Context, input model.EventInput) (*model.Event, error)
	DeleteEvent(ctx context.Context, eventID string) error
	RespondEvent(ctx context.Context, eventID string, response model.EventResponse, sendResponse bool, message string) error
}

// StatePublisher pushes the resolved current event to an external consumer
// after each successful sync. Implemented by [homeassistant.Adapter].
type StatePublisher interface {
	PublishCurrentEvent(ctx context.Context, entityID string, ev *model.Event) error
}
