package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"ms365calsync/internal/model"
	"ms365calsync/internal/timeline"
)

const (
	otelScope     = "ms365calsync/sync"
	spanRun       = "sync.run"
	metricSynced  = "ms365calsync.sync.events.synced"
	metricExcl    = "ms365calsync.sync.events.excluded"
	metricErrors  = "ms365calsync.sync.errors"
	metricRefresh = "ms365calsync.sync.refreshes"
)

// ErrNotReady is returned by query methods before the first successful sync
// has populated the timeline.
var ErrNotReady = errors.New("sync from server has not completed")

// currentEventScan is how far past "now" the current-event resolver looks.
const currentEventScan = 24 * time.Hour

// CoordinatorConfig carries the per-calendar polling and window settings.
// Day and hour offsets are signed: backward values are ≤ 0.
type CoordinatorConfig struct {
	// Name labels the coordinator in logs, usually the calendar name.
	Name string

	// UpdateInterval is the poll period.
	UpdateInterval time.Duration

	// DaysBackward/DaysForward are the global window floors (e.g. -60/+90).
	DaysBackward int
	DaysForward  int

	// HoursBackward/HoursForward are the per-calendar display offsets. The
	// effective window is the wider of the hour offset and the day floor on
	// each side.
	HoursBackward int
	HoursForward  int

	// Location is the reference timezone for all-day normalization.
	// Defaults to time.Local.
	Location *time.Location
}

// CoordinatorOption configures optional coordinator behaviour.
type CoordinatorOption func(*Coordinator)

// WithPublisher attaches a state publisher invoked with the resolved current
// event after every successful refresh.
func WithPublisher(p StatePublisher, entityID string) CoordinatorOption {
	return func(c *Coordinator) {
		c.publisher = p
		c.entityID = entityID
	}
}

// withNow overrides the clock. Test hook.
func withNow(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator is the polling driver for one calendar: it triggers sync runs
// on a fixed interval, keeps the latest timeline, and answers range and
// current-event queries. A failed refresh never breaks the schedule — the
// next tick proceeds with the stale timeline still served.
type Coordinator struct {
	sync     *SyncManager
	name     string
	interval time.Duration
	backward time.Duration
	forward  time.Duration
	loc      *time.Location
	log      *slog.Logger

	publisher StatePublisher
	entityID  string

	now func() time.Time

	mu          sync.RWMutex
	data        *timeline.Timeline
	lastSyncMin time.Time
	lastSyncMax time.Time

	// OTel instruments — always non-nil (no-op when telemetry is disabled).
	tracer     trace.Tracer
	cntSynced  metric.Int64Counter
	cntExcl    metric.Int64Counter
	cntErrors  metric.Int64Counter
	cntRefresh metric.Int64Counter
}

// NewCoordinator creates a Coordinator over the given sync manager.
func NewCoordinator(manager *SyncManager, cfg CoordinatorConfig, logger *slog.Logger, opts ...CoordinatorOption) *Coordinator {
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}

	meter := otel.Meter(otelScope)
	mustCounter := func(name, desc string) metric.Int64Counter {
		ctr, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return ctr
	}

	c := &Coordinator{
		sync:     manager,
		name:     cfg.Name,
		interval: cfg.UpdateInterval,
		backward: windowOffset(cfg.HoursBackward, cfg.DaysBackward, false),
		forward:  windowOffset(cfg.HoursForward, cfg.DaysForward, true),
		loc:      loc,
		log:      logger,
		now:      time.Now,

		tracer:     otel.Tracer(otelScope),
		cntSynced:  mustCounter(metricSynced, "Number of events stored in the snapshot per sync run"),
		cntExcl:    mustCounter(metricExcl, "Number of events dropped by subject exclusion per sync run"),
		cntErrors:  mustCounter(metricErrors, "Number of failed sync refreshes"),
		cntRefresh: mustCounter(metricRefresh, "Number of sync refreshes attempted"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// windowOffset picks the wider of the per-calendar hour offset and the
// global day floor: the more negative on the backward side, the more
// positive on the forward side.
func windowOffset(hours, days int, forward bool) time.Duration {
	hourDays := float64(hours) / 24
	if forward {
		return daysToDuration(max(hourDays, float64(days)))
	}
	return daysToDuration(min(hourDays, float64(days)))
}

func daysToDuration(days float64) time.Duration {
	return time.Duration(days * 24 * float64(time.Hour))
}

// Run starts the polling loop and blocks until ctx is cancelled. An
// immediate first refresh runs before the ticker starts.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	if err := c.Refresh(ctx); err != nil {
		c.log.Error("initial sync failed", "calendar", c.name, "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			c.log.Info("sync coordinator shutting down", "calendar", c.name)
			return ctx.Err()
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				c.log.Error("sync update failed", "calendar", c.name, "error", err)
			}
		}
	}
}

// Refresh performs one sync pass: compute the sliding window, run the sync
// manager, rebuild the timeline, and publish the current event. On failure
// the previous timeline and window stay in effect.
func (c *Coordinator) Refresh(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, spanRun)
	defer span.End()
	c.cntRefresh.Add(ctx, 1)

	syncMin := c.now().Add(c.backward)
	syncMax := c.now().Add(c.forward)
	span.SetAttributes(
		attribute.String("sync.calendar", c.sync.CalendarID()),
		attribute.String("sync.window_start", syncMin.Format(time.RFC3339)),
		attribute.String("sync.window_end", syncMax.Format(time.RFC3339)),
	)

	stats, err := c.sync.Run(ctx, syncMin, syncMax)
	if err != nil {
		c.cntErrors.Add(ctx, 1)
		span.RecordError(err)
		return err
	}

	data, err := c.sync.StoreService().GetTimeline(ctx, c.loc)
	if err != nil {
		c.cntErrors.Add(ctx, 1)
		span.RecordError(err)
		return err
	}

	c.mu.Lock()
	c.data = data
	c.lastSyncMin = syncMin
	c.lastSyncMax = syncMax
	c.mu.Unlock()

	if stats.Stored > 0 {
		c.cntSynced.Add(ctx, int64(stats.Stored))
	}
	if stats.Excluded > 0 {
		c.cntExcl.Add(ctx, int64(stats.Excluded))
	}
	span.SetAttributes(attribute.Int("sync.stored", stats.Stored))

	c.publish(ctx)
	return nil
}

// publish pushes the current event to the configured publisher. Publish
// failures are logged but never fail the refresh.
func (c *Coordinator) publish(ctx context.Context) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.PublishCurrentEvent(ctx, c.entityID, c.CurrentEvent()); err != nil {
		c.log.Warn("publishing current event failed", "calendar", c.name, "entity_id", c.entityID, "error", err)
	}
}

// Data returns the last built timeline, or nil before the first successful
// sync.
func (c *Coordinator) Data() *timeline.Timeline {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data
}

// GetEvents returns all events overlapping [start, end). Ranges inside the
// last-synced window are answered from the timeline; ranges reaching outside
// it bypass the cache with a direct remote call (the result is not cached).
// Before the first successful sync it fails with [ErrNotReady].
func (c *Coordinator) GetEvents(ctx context.Context, start, end time.Time) ([]model.Event, error) {
	c.mu.RLock()
	data := c.data
	syncMin := c.lastSyncMin
	syncMax := c.lastSyncMax
	c.mu.RUnlock()

	if data == nil {
		return nil, fmt.Errorf("unable to get events: %w", ErrNotReady)
	}

	if start.Before(syncMin) || end.After(syncMax) {
		c.log.Debug("fetching events from api", "calendar", c.name, "start", start, "end", end)
		return c.sync.ListEvents(ctx, start, end)
	}

	c.log.Debug("fetching events from cache", "calendar", c.name, "start", start, "end", end)
	return slices.Collect(data.Overlapping(start, end)), nil
}

// CurrentEvent resolves the single event that best represents "now" among
// events in the next 24 hours, or nil when there is none. Precedence, first
// match in span order wins:
//
//  1. an in-progress timed event,
//  2. an all-day event that has not ended,
//  3. a timed event that has not started.
func (c *Coordinator) CurrentEvent() *model.Event {
	c.mu.RLock()
	data := c.data
	c.mu.RUnlock()

	if data == nil {
		c.log.Debug("no current event: sync not completed", "calendar", c.name)
		return nil
	}

	now := c.now()
	var started, notStarted, allDay *model.Event

	for ev := range data.Overlapping(now, now.Add(currentEventScan)) {
		if ev.IsAllDay {
			if allDay == nil && !c.isFinished(&ev) {
				allDay = &ev
			}
			continue
		}
		if c.isStarted(&ev) && !c.isFinished(&ev) {
			if started == nil {
				started = &ev
			}
			continue
		}
		if notStarted == nil && !c.isFinished(&ev) {
			notStarted = &ev
		}
	}

	switch {
	case started != nil:
		return started
	case allDay != nil:
		return allDay
	default:
		return notStarted
	}
}

// isStarted reports whether the event's normalized start is at or before now.
func (c *Coordinator) isStarted(ev *model.Event) bool {
	return !c.now().Before(ev.NormalizedStart(c.loc))
}

// isFinished reports whether the event's normalized end is at or before now.
func (c *Coordinator) isFinished(ev *model.Event) bool {
	return !c.now().Before(ev.NormalizedEnd(c.loc))
}
