package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"ms365calsync/internal/model"
	"ms365calsync/internal/store"
)

// scopeEventSync is the top-level store scope shared by all calendars'
// event snapshots.
const scopeEventSync = "event_sync"

// RunStats summarises one sync pass.
type RunStats struct {
	Fetched  int
	Excluded int
	Stored   int
}

// SyncManager pulls one window of events from the remote API and replaces
// the calendar's local snapshot wholesale. Events the remote no longer
// returns for the window simply fall out — there is no tombstoning or
// incremental merge.
type SyncManager struct {
	api        CalendarAPI
	calendarID string
	store      store.Store
	exclude    []*regexp.Regexp
	log        *slog.Logger
}

// NewSyncManager creates a manager for one calendar, scoping the backing
// store to event_sync/<calendar_id>.
func NewSyncManager(api CalendarAPI, calendarID string, backing store.Store, exclude []*regexp.Regexp, logger *slog.Logger) *SyncManager {
	scoped := store.NewScoped(store.NewScoped(backing, scopeEventSync), calendarID)
	return &SyncManager{
		api:        api,
		calendarID: calendarID,
		store:      scoped,
		exclude:    exclude,
		log:        logger,
	}
}

// CalendarID returns the calendar this manager syncs.
func (m *SyncManager) CalendarID() string { return m.calendarID }

// StoreService returns the local lookup API over this calendar's snapshot.
func (m *SyncManager) StoreService() *EventStoreService {
	return &EventStoreService{
		store:      m.store,
		calendarID: m.calendarID,
		api:        m.api,
		log:        m.log,
	}
}

// ListEvents fetches events for an arbitrary range directly from the remote,
// bypassing the snapshot. Used by the coordinator for out-of-window queries.
func (m *SyncManager) ListEvents(ctx context.Context, start, end time.Time) ([]model.Event, error) {
	return m.api.ListEvents(ctx, start, end)
}

// Run pulls the [start, end) window and replaces the snapshot with the
// result, dropping events whose subject matches any exclude pattern.
//
// A remote failure leaves the existing snapshot untouched: a transient
// outage degrades to stale-but-present data, never to no data.
func (m *SyncManager) Run(ctx context.Context, start, end time.Time) (RunStats, error) {
	var stats RunStats

	events, err := m.api.ListEvents(ctx, start, end)
	if err != nil {
		return stats, fmt.Errorf("listing events for %s: %w", m.calendarID, err)
	}

	snapshot := make(map[string]model.Event, len(events))
	for _, ev := range events {
		if ev.ID == "" {
			continue
		}
		stats.Fetched++
		if m.excluded(ev.Subject) {
			stats.Excluded++
			continue
		}
		snapshot[ev.ID] = ev
	}
	stats.Stored = len(snapshot)

	raw, err := model.EncodeEvents(snapshot)
	if err != nil {
		return stats, fmt.Errorf("encoding snapshot for %s: %w", m.calendarID, err)
	}
	itemsRaw, err := json.Marshal(raw)
	if err != nil {
		return stats, fmt.Errorf("encoding snapshot for %s: %w", m.calendarID, err)
	}

	err = m.store.Update(ctx, func(data store.Blob) (store.Blob, error) {
		data[itemsKey] = itemsRaw
		return data, nil
	})
	if err != nil {
		return stats, fmt.Errorf("saving snapshot for %s: %w", m.calendarID, err)
	}

	m.log.Debug("sync run complete",
		"calendar_id", m.calendarID,
		"fetched", stats.Fetched,
		"excluded", stats.Excluded,
		"stored", stats.Stored,
	)
	return stats, nil
}

// excluded reports whether subject matches any configured exclude pattern.
func (m *SyncManager) excluded(subject string) bool {
	for _, re := range m.exclude {
		if re.MatchString(subject) {
			return true
		}
	}
	return false
}
