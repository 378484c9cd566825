package sync

import (
	"context"
	"slices"
	"testing"
	"time"

	"ms365calsync/internal/model"
	"ms365calsync/internal/store"
)

func newTestStoreService(t *testing.T, api *mockAPI, events ...model.Event) *EventStoreService {
	t.Helper()
	backing := store.NewMemory()
	m := NewSyncManager(api, "cal-1", backing, nil, testLogger)
	if len(events) > 0 {
		api.setEvents(events...)
		if _, err := m.Run(context.Background(), time.Time{}, time.Now().Add(365*24*time.Hour)); err != nil {
			t.Fatalf("seeding snapshot: %v", err)
		}
	}
	return m.StoreService()
}

func TestGetTimeline_Empty(t *testing.T) {
	svc := newTestStoreService(t, newMockAPI())

	tl, err := svc.GetTimeline(context.Background(), time.UTC)
	if err != nil {
		t.Fatalf("GetTimeline: %v", err)
	}
	if tl.Len() != 0 {
		t.Errorf("Len() = %d, want 0", tl.Len())
	}
}

func TestGetTimeline_SortedBySpanStart(t *testing.T) {
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	svc := newTestStoreService(t, newMockAPI(),
		testEvent("late", "afternoon", base.Add(6*time.Hour), time.Hour),
		testEvent("early", "morning", base, time.Hour),
	)

	tl, err := svc.GetTimeline(context.Background(), time.UTC)
	if err != nil {
		t.Fatalf("GetTimeline: %v", err)
	}

	var ids []string
	for ev := range tl.All() {
		ids = append(ids, ev.ID)
	}
	if !slices.Equal(ids, []string{"early", "late"}) {
		t.Errorf("timeline order = %v", ids)
	}
}

// Snapshot maps iterate in random order; equal-start events must still come
// out the same way on every rebuild.
func TestGetTimeline_DeterministicTies(t *testing.T) {
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	svc := newTestStoreService(t, newMockAPI(),
		testEvent("b", "second", base, time.Hour),
		testEvent("a", "first", base, 2*time.Hour),
		testEvent("c", "third", base, 30*time.Minute),
	)

	ctx := context.Background()
	var first []string
	for range 10 {
		tl, err := svc.GetTimeline(ctx, time.UTC)
		if err != nil {
			t.Fatalf("GetTimeline: %v", err)
		}
		var ids []string
		for ev := range tl.All() {
			ids = append(ids, ev.ID)
		}
		if first == nil {
			first = ids
			continue
		}
		if !slices.Equal(ids, first) {
			t.Fatalf("rebuild order %v differs from first %v", ids, first)
		}
	}
}

// Mutations go straight to the remote; the snapshot stays as-is until the
// next sync pass.
func TestMutations_PassThroughWithoutSnapshotUpdate(t *testing.T) {
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	api := newMockAPI()
	svc := newTestStoreService(t, api, testEvent("e1", "existing", base, time.Hour))

	ctx := context.Background()

	created, err := svc.AddEvent(ctx, model.EventInput{Subject: "new", Start: base, End: base.Add(time.Hour)})
	if err != nil {
		t.Fatalf("AddEvent: %v", err)
	}
	if created.ID == "" {
		t.Error("AddEvent returned no id")
	}
	if len(api.created) != 1 || api.created[0].Subject != "new" {
		t.Errorf("remote created = %+v", api.created)
	}

	if err := svc.DeleteEvent(ctx, "e1"); err != nil {
		t.Fatalf("DeleteEvent: %v", err)
	}
	if !slices.Equal(api.deleted, []string{"e1"}) {
		t.Errorf("remote deleted = %v", api.deleted)
	}

	if err := svc.RespondEvent(ctx, "e1", model.ResponseAccept, true, ""); err != nil {
		t.Fatalf("RespondEvent: %v", err)
	}
	if api.responses["e1"] != model.ResponseAccept {
		t.Errorf("remote responses = %v", api.responses)
	}

	// The snapshot still holds exactly the synced events.
	tl, err := svc.GetTimeline(ctx, time.UTC)
	if err != nil {
		t.Fatalf("GetTimeline: %v", err)
	}
	if tl.Len() != 1 {
		t.Errorf("snapshot Len() = %d after mutations, want 1", tl.Len())
	}
	for ev := range tl.All() {
		if ev.ID != "e1" {
			t.Errorf("snapshot contains %q, want only e1", ev.ID)
		}
	}
}
