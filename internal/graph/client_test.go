package graph

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"ms365calsync/internal/model"
)

var testLogger = slog.Default()

// mockDoer replays scripted responses and records every request.
type mockDoer struct {
	responses []*http.Response
	errs      []error
	requests  []*http.Request
}

func (m *mockDoer) Do(req *http.Request) (*http.Response, error) {
	m.requests = append(m.requests, req)
	i := len(m.requests) - 1
	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}
	if i >= len(m.responses) {
		return nil, fmt.Errorf("unexpected request #%d: %s %s", i+1, req.Method, req.URL)
	}
	return m.responses[i], nil
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

func (m *mockDoer) lastRequest(t *testing.T) *http.Request {
	t.Helper()
	if len(m.requests) == 0 {
		t.Fatal("no request recorded")
	}
	return m.requests[len(m.requests)-1]
}

// ---------------------------------------------------------------------------
// ListEvents
// ---------------------------------------------------------------------------

func TestListEvents_RequestShape(t *testing.T) {
	doer := &mockDoer{responses: []*http.Response{
		jsonResponse(200, `{"value": []}`),
	}}
	s := NewService(doer, "cal-1", testLogger)

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	if _, err := s.ListEvents(t.Context(), start, end); err != nil {
		t.Fatalf("ListEvents: %v", err)
	}

	req := doer.lastRequest(t)
	if got := req.URL.Path; got != "/v1.0/me/calendars/cal-1/calendarView" {
		t.Errorf("path = %q", got)
	}
	q := req.URL.Query()
	if q.Get("startDateTime") != "2026-03-01T00:00:00Z" {
		t.Errorf("startDateTime = %q", q.Get("startDateTime"))
	}
	if q.Get("endDateTime") != "2026-06-01T00:00:00Z" {
		t.Errorf("endDateTime = %q", q.Get("endDateTime"))
	}
	if q.Get("$top") != "999" {
		t.Errorf("$top = %q", q.Get("$top"))
	}
	if !strings.Contains(q.Get("$select"), "seriesMasterId") {
		t.Errorf("$select = %q, missing seriesMasterId", q.Get("$select"))
	}
	if q.Has("$filter") {
		t.Errorf("unexpected $filter %q with no options set", q.Get("$filter"))
	}
	if got := req.Header.Get("Prefer"); got != `outlook.timezone="UTC"` {
		t.Errorf("Prefer header = %q", got)
	}
}

func TestListEvents_EmptyWindowReturnsEmptySlice(t *testing.T) {
	doer := &mockDoer{responses: []*http.Response{
		jsonResponse(200, `{"value": []}`),
	}}
	s := NewService(doer, "cal-1", testLogger)

	events, err := s.ListEvents(t.Context(), time.Now(), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if events == nil {
		t.Fatal("ListEvents returned nil slice, want empty non-nil")
	}
	if len(events) != 0 {
		t.Errorf("events = %d, want 0", len(events))
	}
}

func TestListEvents_Pagination(t *testing.T) {
	page2URL := DefaultBaseURL + "/me/calendars/cal-1/calendarView?$skip=1"
	doer := &mockDoer{responses: []*http.Response{
		jsonResponse(200, `{
			"value": [{"id": "e1", "subject": "first"}],
			"@odata.nextLink": "`+page2URL+`"
		}`),
		jsonResponse(200, `{"value": [{"id": "e2", "subject": "second"}]}`),
	}}
	s := NewService(doer, "cal-1", testLogger)

	events, err := s.ListEvents(t.Context(), time.Now(), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].ID != "e1" || events[1].ID != "e2" {
		t.Errorf("event order = %q, %q", events[0].ID, events[1].ID)
	}
	if len(doer.requests) != 2 {
		t.Errorf("requests = %d, want 2", len(doer.requests))
	}
	if got := doer.requests[1].URL.String(); got != page2URL {
		t.Errorf("second request URL = %q, want nextLink", got)
	}
}

func TestListEvents_FilterFromOptions(t *testing.T) {
	doer := &mockDoer{responses: []*http.Response{
		jsonResponse(200, `{"value": []}`),
	}}
	s := NewService(doer, "cal-1", testLogger,
		WithSearch("O'Brien sync"),
		WithSensitivityExclude([]model.Sensitivity{model.SensitivityPrivate, model.SensitivityConfidential}),
	)

	if _, err := s.ListEvents(t.Context(), time.Now(), time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("ListEvents: %v", err)
	}

	got := doer.lastRequest(t).URL.Query().Get("$filter")
	want := "contains(subject,'O''Brien sync') and sensitivity ne 'private' and sensitivity ne 'confidential'"
	if got != want {
		t.Errorf("$filter = %q, want %q", got, want)
	}
}

func TestListEvents_TransientOnFailure(t *testing.T) {
	doer := &mockDoer{errs: []error{errors.New("connection refused")}}
	s := NewService(doer, "cal-1", testLogger)

	_, err := s.ListEvents(t.Context(), time.Now(), time.Now().Add(time.Hour))
	if err == nil {
		t.Fatal("ListEvents succeeded, want error")
	}
	if !IsTransient(err) {
		t.Errorf("error %v is not transient", err)
	}
}

func TestListEvents_TransientOnBadStatus(t *testing.T) {
	doer := &mockDoer{responses: []*http.Response{
		jsonResponse(503, `{"error": {"code": "ServiceUnavailable", "message": "try later"}}`),
	}}
	s := NewService(doer, "cal-1", testLogger)

	_, err := s.ListEvents(t.Context(), time.Now(), time.Now().Add(time.Hour))
	if !IsTransient(err) {
		t.Errorf("error %v is not transient", err)
	}
	if err == nil || !strings.Contains(err.Error(), "ServiceUnavailable") {
		t.Errorf("error %v does not carry the remote code", err)
	}
}

// Repeat failures demote to debug: the one-shot flag arms on the first error
// and re-arms only after a success.
func TestListEvents_ErrorLoggingSticky(t *testing.T) {
	doer := &mockDoer{
		errs:      []error{errors.New("down"), errors.New("still down"), nil},
		responses: []*http.Response{nil, nil, jsonResponse(200, `{"value": []}`)},
	}
	s := NewService(doer, "cal-1", testLogger)

	ctx := t.Context()
	now := time.Now()

	_, _ = s.ListEvents(ctx, now, now.Add(time.Hour))
	if !s.errLogged {
		t.Error("errLogged not set after first failure")
	}
	_, _ = s.ListEvents(ctx, now, now.Add(time.Hour))
	if !s.errLogged {
		t.Error("errLogged cleared by repeat failure")
	}
	if _, err := s.ListEvents(ctx, now, now.Add(time.Hour)); err != nil {
		t.Fatalf("third call: %v", err)
	}
	if s.errLogged {
		t.Error("errLogged not reset after success")
	}
}

// ---------------------------------------------------------------------------
// Calendar kinds and init
// ---------------------------------------------------------------------------

func TestKindOf(t *testing.T) {
	if KindOf("cal-1") != PersonalCalendar {
		t.Error("plain id not personal")
	}
	if KindOf("group:abc") != GroupCalendar {
		t.Error("group: id not group")
	}
}

func TestGroupCalendar_ResourcePath(t *testing.T) {
	doer := &mockDoer{responses: []*http.Response{
		jsonResponse(200, `{"value": []}`),
	}}
	s := NewService(doer, "group:team-42", testLogger)

	if _, err := s.ListEvents(t.Context(), time.Now(), time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if got := doer.lastRequest(t).URL.Path; got != "/v1.0/groups/team-42/calendar/calendarView" {
		t.Errorf("path = %q", got)
	}
}

func TestInitCalendar_Personal(t *testing.T) {
	doer := &mockDoer{responses: []*http.Response{
		jsonResponse(200, `{"id": "cal-1", "name": "Work", "canEdit": true, "hexColor": "#aabbcc"}`),
	}}
	s := NewService(doer, "cal-1", testLogger)

	if err := s.InitCalendar(t.Context()); err != nil {
		t.Fatalf("InitCalendar: %v", err)
	}
	cal := s.Calendar()
	if cal == nil || cal.Name != "Work" || !cal.CanEdit {
		t.Errorf("Calendar() = %+v", cal)
	}
}

// Group calendars have no metadata endpoint: no request, non-editable.
func TestInitCalendar_GroupSkipsLookup(t *testing.T) {
	doer := &mockDoer{}
	s := NewService(doer, "group:team-42", testLogger)

	if err := s.InitCalendar(t.Context()); err != nil {
		t.Fatalf("InitCalendar: %v", err)
	}
	if len(doer.requests) != 0 {
		t.Errorf("group init issued %d requests, want 0", len(doer.requests))
	}
	cal := s.Calendar()
	if cal == nil || cal.CanEdit {
		t.Errorf("Calendar() = %+v, want non-editable", cal)
	}
}

func TestInitCalendar_RejectionIsInitError(t *testing.T) {
	doer := &mockDoer{responses: []*http.Response{
		jsonResponse(404, `{"error": {"code": "NotFound", "message": "no such calendar"}}`),
	}}
	s := NewService(doer, "cal-gone", testLogger)

	err := s.InitCalendar(t.Context())
	var initErr *InitError
	if !errors.As(err, &initErr) {
		t.Fatalf("error %v is not an InitError", err)
	}
	if initErr.CalendarID != "cal-gone" || initErr.Status != 404 {
		t.Errorf("InitError = %+v", initErr)
	}
	if IsTransient(err) {
		t.Error("rejection classified as transient")
	}
}

func TestInitCalendar_ConnectionFailureIsTransient(t *testing.T) {
	doer := &mockDoer{errs: []error{errors.New("timeout")}}
	s := NewService(doer, "cal-1", testLogger)

	if err := s.InitCalendar(t.Context()); !IsTransient(err) {
		t.Errorf("error %v is not transient", err)
	}
}

// ---------------------------------------------------------------------------
// Mutations
// ---------------------------------------------------------------------------

func TestCreateEvent(t *testing.T) {
	doer := &mockDoer{responses: []*http.Response{
		jsonResponse(201, `{"id": "new-1", "subject": "Created"}`),
	}}
	s := NewService(doer, "cal-1", testLogger)

	ev, err := s.CreateEvent(t.Context(), model.EventInput{
		Subject: "Created",
		Start:   time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
		End:     time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	if ev.ID != "new-1" {
		t.Errorf("created id = %q", ev.ID)
	}

	req := doer.lastRequest(t)
	if req.Method != http.MethodPost {
		t.Errorf("method = %s, want POST", req.Method)
	}
	if got := req.URL.Path; got != "/v1.0/me/calendars/cal-1/events" {
		t.Errorf("path = %q", got)
	}
	body, _ := io.ReadAll(req.Body)
	if !bytes.Contains(body, []byte(`"subject":"Created"`)) {
		t.Errorf("body = %s", body)
	}
}

// Patch fetches the current event first, then sends the PATCH.
func TestPatchEvent_FetchThenPatch(t *testing.T) {
	doer := &mockDoer{responses: []*http.Response{
		jsonResponse(200, `{"id": "e1", "subject": "old"}`),
		jsonResponse(200, `{}`),
	}}
	s := NewService(doer, "cal-1", testLogger)

	err := s.PatchEvent(t.Context(), "e1", model.EventInput{Subject: "new"})
	if err != nil {
		t.Fatalf("PatchEvent: %v", err)
	}
	if len(doer.requests) != 2 {
		t.Fatalf("requests = %d, want 2", len(doer.requests))
	}
	if doer.requests[0].Method != http.MethodGet {
		t.Errorf("first method = %s, want GET", doer.requests[0].Method)
	}
	if doer.requests[1].Method != http.MethodPatch {
		t.Errorf("second method = %s, want PATCH", doer.requests[1].Method)
	}
}

func TestPatchEvent_MissingEventFails(t *testing.T) {
	doer := &mockDoer{responses: []*http.Response{
		jsonResponse(404, `{"error": {"code": "NotFound", "message": "gone"}}`),
	}}
	s := NewService(doer, "cal-1", testLogger)

	if err := s.PatchEvent(t.Context(), "e1", model.EventInput{Subject: "new"}); err == nil {
		t.Error("PatchEvent succeeded against a missing event")
	}
	if len(doer.requests) != 1 {
		t.Errorf("requests = %d, want 1 (no PATCH after failed GET)", len(doer.requests))
	}
}

func TestDeleteEvent(t *testing.T) {
	doer := &mockDoer{responses: []*http.Response{
		jsonResponse(204, ``),
	}}
	s := NewService(doer, "cal-1", testLogger)

	if err := s.DeleteEvent(t.Context(), "e1"); err != nil {
		t.Fatalf("DeleteEvent: %v", err)
	}
	req := doer.lastRequest(t)
	if req.Method != http.MethodDelete || req.URL.Path != "/v1.0/me/calendars/cal-1/events/e1" {
		t.Errorf("request = %s %s", req.Method, req.URL.Path)
	}
}

func TestRespondEvent_ActionPaths(t *testing.T) {
	tests := []struct {
		response model.EventResponse
		action   string
	}{
		{model.ResponseAccept, "accept"},
		{model.ResponseTentative, "tentativelyAccept"},
		{model.ResponseDecline, "decline"},
	}
	for _, tt := range tests {
		t.Run(string(tt.response), func(t *testing.T) {
			doer := &mockDoer{responses: []*http.Response{
				jsonResponse(202, ``),
			}}
			s := NewService(doer, "cal-1", testLogger)

			if err := s.RespondEvent(t.Context(), "e1", tt.response, true, "see you there"); err != nil {
				t.Fatalf("RespondEvent: %v", err)
			}
			req := doer.lastRequest(t)
			wantPath := "/v1.0/me/calendars/cal-1/events/e1/" + tt.action
			if req.URL.Path != wantPath {
				t.Errorf("path = %q, want %q", req.URL.Path, wantPath)
			}
			body, _ := io.ReadAll(req.Body)
			if !bytes.Contains(body, []byte(`"sendResponse":true`)) || !bytes.Contains(body, []byte(`"comment":"see you there"`)) {
				t.Errorf("body = %s", body)
			}
		})
	}
}

func TestRespondEvent_UnknownResponse(t *testing.T) {
	s := NewService(&mockDoer{}, "cal-1", testLogger)
	if err := s.RespondEvent(t.Context(), "e1", model.EventResponse("maybe"), false, ""); err == nil {
		t.Error("RespondEvent accepted an unknown response kind")
	}
}

func TestListCalendars(t *testing.T) {
	doer := &mockDoer{responses: []*http.Response{
		jsonResponse(200, `{"value": [
			{"id": "cal-1", "name": "Work", "canEdit": true},
			{"id": "cal-2", "name": "Birthdays", "canEdit": false}
		]}`),
	}}
	s := NewService(doer, "", testLogger)

	cals, err := s.ListCalendars(t.Context())
	if err != nil {
		t.Fatalf("ListCalendars: %v", err)
	}
	if len(cals) != 2 {
		t.Fatalf("calendars = %d, want 2", len(cals))
	}
	if cals[0].Name != "Work" || !cals[0].CanEdit {
		t.Errorf("first calendar = %+v", cals[0])
	}
	if got := doer.lastRequest(t).URL.Path; got != "/v1.0/me/calendars" {
		t.Errorf("path = %q", got)
	}
}
