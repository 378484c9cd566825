package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ms365calsync/internal/model"
)

// --- Mock Calendar API -------------------------------------------------------

type listCall struct {
	start, end time.Time
}

type mockAPI struct {
	mu sync.Mutex

	events  []model.Event
	listErr error

	listCalls    []listCall
	created      []model.EventInput
	deleted      []string
	responses    map[string]model.EventResponse
	nextCreateID int
}

func newMockAPI(events ...model.Event) *mockAPI {
	return &mockAPI{
		events:    events,
		responses: make(map[string]model.EventResponse),
	}
}

func (m *mockAPI) setEvents(events ...model.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = events
}

func (m *mockAPI) setListErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listErr = err
}

func (m *mockAPI) ListEvents(_ context.Context, start, end time.Time) ([]model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.listCalls = append(m.listCalls, listCall{start: start, end: end})
	if m.listErr != nil {
		return nil, m.listErr
	}
	result := make([]model.Event, len(m.events))
	copy(result, m.events)
	return result, nil
}

func (m *mockAPI) CreateEvent(_ context.Context, input model.EventInput) (*model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.created = append(m.created, input)
	m.nextCreateID++
	return &model.Event{
		ID:      fmt.Sprintf("created-%d", m.nextCreateID),
		Subject: input.Subject,
		Start:   input.Start,
		End:     input.End,
	}, nil
}

func (m *mockAPI) DeleteEvent(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, eventID)
	return nil
}

func (m *mockAPI) RespondEvent(_ context.Context, eventID string, response model.EventResponse, _ bool, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[eventID] = response
	return nil
}

func (m *mockAPI) lastListCall() listCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.listCalls) == 0 {
		return listCall{}
	}
	return m.listCalls[len(m.listCalls)-1]
}

func (m *mockAPI) listCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listCalls)
}

// --- Mock State Publisher ----------------------------------------------------

type publishCall struct {
	entityID string
	event    *model.Event
}

type mockPublisher struct {
	mu    sync.Mutex
	calls []publishCall
	err   error
}

func (m *mockPublisher) PublishCurrentEvent(_ context.Context, entityID string, ev *model.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, publishCall{entityID: entityID, event: ev})
	return m.err
}

func (m *mockPublisher) lastCall() (publishCall, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return publishCall{}, false
	}
	return m.calls[len(m.calls)-1], true
}
