// Package graph is the sole interface to the Microsoft Graph calendar API.
// It wraps event listing (with server-side recurrence expansion), mutations,
// and meeting responses behind a [CalendarService], abstracting over personal
// and group calendars.
//
// Remote failures surface as [TransientError] so callers can distinguish
// "the network hiccupped" from "this calendar does not exist"
// ([InitError]). The service logs a transient failure once and demotes
// repeats to debug until the next success, to keep a flapping connection
// from flooding the log on every poll.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"ms365calsync/internal/model"
)

const (
	// DefaultBaseURL is the Graph v1.0 endpoint.
	DefaultBaseURL = "https://graph.microsoft.com/v1.0"

	// GroupPrefix marks calendar ids that address a group calendar, which
	// lives on a different resource path and supports no metadata lookup.
	GroupPrefix = "group:"

	// maxEvents caps a single calendarView page.
	maxEvents = 999

	// eventSelect is the field set every event query requests.
	eventSelect = "subject,body,start,end,isAllDay,location,categories," +
		"sensitivity,showAs,attendees,seriesMasterId,isReminderOn," +
		"reminderMinutesBeforeStart"

	calendarSelect = "name,id,canEdit,color,hexColor"

	// preferUTC pins response instants to UTC regardless of mailbox zone.
	preferUTC = `outlook.timezone="UTC"`
)

// CalendarKind distinguishes the two Graph calendar resource shapes.
type CalendarKind int

const (
	// PersonalCalendar lives under /me/calendars/{id}.
	PersonalCalendar CalendarKind = iota
	// GroupCalendar lives under /groups/{id}/calendar.
	GroupCalendar
)

// KindOf returns the calendar kind encoded in a configured calendar id.
func KindOf(calendarID string) CalendarKind {
	if strings.HasPrefix(calendarID, GroupPrefix) {
		return GroupCalendar
	}
	return PersonalCalendar
}

// Calendar is the remote calendar metadata resolved by [CalendarService.InitCalendar].
type Calendar struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	CanEdit  bool   `json:"canEdit"`
	Color    string `json:"color,omitempty"`
	HexColor string `json:"hexColor,omitempty"`
}

// Doer is the subset of [http.Client] the service needs. Defining it as an
// interface allows mock injection in tests.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Option configures a [CalendarService].
type Option func(*CalendarService)

// WithBaseURL overrides the Graph endpoint. Used by tests and sovereign
// clouds.
func WithBaseURL(u string) Option {
	return func(s *CalendarService) { s.baseURL = strings.TrimRight(u, "/") }
}

// WithSearch adds a server-side subject-contains predicate to event queries.
func WithSearch(search string) Option {
	return func(s *CalendarService) { s.search = search }
}

// WithSensitivityExclude adds server-side sensitivity-not-equal predicates
// to event queries.
func WithSensitivityExclude(exclude []model.Sensitivity) Option {
	return func(s *CalendarService) { s.sensitivityExclude = exclude }
}

// CalendarService talks to one calendar. Each sync manager/coordinator pair
// owns its service exclusively; no internal locking is needed.
type CalendarService struct {
	hc         Doer
	baseURL    string
	calendarID string
	kind       CalendarKind

	search             string
	sensitivityExclude []model.Sensitivity

	log      *slog.Logger
	calendar *Calendar

	// errLogged suppresses repeat transient-error warnings until the next
	// successful call.
	errLogged bool
}

// NewService creates a CalendarService for the given calendar id using the
// supplied HTTP client (typically from [NewClientCredentialsClient]).
func NewService(hc Doer, calendarID string, logger *slog.Logger, opts ...Option) *CalendarService {
	s := &CalendarService{
		hc:         hc,
		baseURL:    DefaultBaseURL,
		calendarID: calendarID,
		kind:       KindOf(calendarID),
		log:        logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewClientCredentialsClient returns an HTTP client that authenticates to
// Graph with the OAuth client-credentials flow. Token refresh is handled by
// the oauth2 transport.
func NewClientCredentialsClient(ctx context.Context, tenantID, clientID, clientSecret string) *http.Client {
	cfg := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", url.PathEscape(tenantID)),
		Scopes:       []string{"https://graph.microsoft.com/.default"},
	}
	return cfg.Client(ctx)
}

// Kind returns the calendar kind of this service.
func (s *CalendarService) Kind() CalendarKind { return s.kind }

// Calendar returns the metadata resolved by InitCalendar, or nil before it.
func (s *CalendarService) Calendar() *Calendar { return s.calendar }

// resource returns the API path prefix for this calendar.
func (s *CalendarService) resource() string {
	if s.kind == GroupCalendar {
		gid := strings.TrimPrefix(s.calendarID, GroupPrefix)
		return "/groups/" + url.PathEscape(gid) + "/calendar"
	}
	return "/me/calendars/" + url.PathEscape(s.calendarID)
}

// InitCalendar resolves the calendar's name, edit capability, and color.
// Group calendars support no metadata lookup and are marked non-editable.
// A connection failure returns a [TransientError]; a rejection status
// returns an [InitError] so the caller can drop the calendar.
func (s *CalendarService) InitCalendar(ctx context.Context) error {
	if s.kind == GroupCalendar {
		s.calendar = &Calendar{ID: s.calendarID, Name: s.calendarID, CanEdit: false}
		return nil
	}

	u := s.baseURL + s.resource() + "?$select=" + url.QueryEscape(calendarSelect)
	resp, err := s.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		s.logError("error getting calendar", err)
		return &TransientError{Op: "init calendar " + s.calendarID, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return &InitError{CalendarID: s.calendarID, Status: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("unexpected status %d", resp.StatusCode)
		s.logError("error getting calendar", err)
		return &TransientError{Op: "init calendar " + s.calendarID, Err: err}
	}

	var cal Calendar
	if err := json.NewDecoder(resp.Body).Decode(&cal); err != nil {
		return &TransientError{Op: "init calendar " + s.calendarID, Err: err}
	}
	s.calendar = &cal
	s.resetError()
	return nil
}

// ListEvents returns the calendar's events within the half-open window
// [start, end), with recurring events expanded into concrete occurrences
// server-side. Subject search and sensitivity exclusion run server-side;
// subject exclusion by pattern does not (the remote API has no
// "not contains") and is the sync manager's job.
func (s *CalendarService) ListEvents(ctx context.Context, start, end time.Time) ([]model.Event, error) {
	q := url.Values{}
	q.Set("startDateTime", start.UTC().Format(time.RFC3339))
	q.Set("endDateTime", end.UTC().Format(time.RFC3339))
	q.Set("$select", eventSelect)
	q.Set("$top", fmt.Sprint(maxEvents))
	if filter := s.buildFilter(); filter != "" {
		q.Set("$filter", filter)
	}

	next := s.baseURL + s.resource() + "/calendarView?" + q.Encode()

	var events []model.Event
	for next != "" {
		resp, err := s.do(ctx, http.MethodGet, next, nil)
		if err != nil {
			s.logError("error getting calendar events", err)
			return nil, &TransientError{Op: "list events " + s.calendarID, Err: err}
		}

		var page struct {
			Value    []wireEvent `json:"value"`
			NextLink string      `json:"@odata.nextLink"`
		}
		err = decodeResponse(resp, &page)
		if err != nil {
			s.logError("error getting calendar events", err)
			return nil, &TransientError{Op: "list events " + s.calendarID, Err: err}
		}

		for _, w := range page.Value {
			events = append(events, wireToEvent(w))
		}
		next = page.NextLink
	}

	s.resetError()
	if events == nil {
		events = []model.Event{}
	}
	return events, nil
}

// buildFilter assembles the server-side $filter expression from the search
// and sensitivity-exclusion options.
func (s *CalendarService) buildFilter() string {
	var parts []string
	if s.search != "" {
		parts = append(parts, fmt.Sprintf("contains(subject,'%s')", escapeODataString(s.search)))
	}
	for _, sens := range s.sensitivityExclude {
		parts = append(parts, fmt.Sprintf("sensitivity ne '%s'", escapeODataString(string(sens))))
	}
	return strings.Join(parts, " and ")
}

// GetEvent fetches a single event by id.
func (s *CalendarService) GetEvent(ctx context.Context, eventID string) (*model.Event, error) {
	u := s.baseURL + s.resource() + "/events/" + url.PathEscape(eventID) +
		"?$select=" + url.QueryEscape(eventSelect)
	resp, err := s.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &TransientError{Op: "get event " + eventID, Err: err}
	}
	var w wireEvent
	if err := decodeResponse(resp, &w); err != nil {
		return nil, &TransientError{Op: "get event " + eventID, Err: err}
	}
	ev := wireToEvent(w)
	return &ev, nil
}

// CreateEvent adds a new event to the calendar and returns the created
// event as the remote stored it.
func (s *CalendarService) CreateEvent(ctx context.Context, input model.EventInput) (*model.Event, error) {
	body, err := json.Marshal(inputToWire(input))
	if err != nil {
		return nil, fmt.Errorf("encoding event %q: %w", input.Subject, err)
	}

	u := s.baseURL + s.resource() + "/events"
	resp, err := s.do(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, &TransientError{Op: "create event", Err: err}
	}
	var w wireEvent
	if err := decodeResponse(resp, &w); err != nil {
		return nil, &TransientError{Op: "create event", Err: err}
	}
	ev := wireToEvent(w)
	return &ev, nil
}

// PatchEvent updates an existing event. The update is fetch-then-save
// against the remote: last write wins, no remote-side concurrency control.
func (s *CalendarService) PatchEvent(ctx context.Context, eventID string, input model.EventInput) error {
	if _, err := s.GetEvent(ctx, eventID); err != nil {
		return err
	}

	body, err := json.Marshal(inputToWire(input))
	if err != nil {
		return fmt.Errorf("encoding event %q: %w", input.Subject, err)
	}

	u := s.baseURL + s.resource() + "/events/" + url.PathEscape(eventID)
	resp, err := s.do(ctx, http.MethodPatch, u, bytes.NewReader(body))
	if err != nil {
		return &TransientError{Op: "patch event " + eventID, Err: err}
	}
	return drainResponse(resp, "patch event "+eventID)
}

// DeleteEvent removes an event from the calendar.
func (s *CalendarService) DeleteEvent(ctx context.Context, eventID string) error {
	u := s.baseURL + s.resource() + "/events/" + url.PathEscape(eventID)
	resp, err := s.do(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return &TransientError{Op: "delete event " + eventID, Err: err}
	}
	return drainResponse(resp, "delete event "+eventID)
}

// respondActions maps a response kind to its Graph action path segment.
var respondActions = map[model.EventResponse]string{
	model.ResponseAccept:    "accept",
	model.ResponseTentative: "tentativelyAccept",
	model.ResponseDecline:   "decline",
}

// RespondEvent replies to a meeting invitation. sendResponse controls
// whether the organiser is notified; message is an optional comment.
func (s *CalendarService) RespondEvent(ctx context.Context, eventID string, response model.EventResponse, sendResponse bool, message string) error {
	action, ok := respondActions[response]
	if !ok {
		return fmt.Errorf("unknown event response %q", response)
	}

	payload := map[string]any{"sendResponse": sendResponse}
	if message != "" {
		payload["comment"] = message
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding response payload: %w", err)
	}

	u := s.baseURL + s.resource() + "/events/" + url.PathEscape(eventID) + "/" + action
	resp, err := s.do(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return &TransientError{Op: action + " event " + eventID, Err: err}
	}
	return drainResponse(resp, action+" event "+eventID)
}

// ListCalendars returns the account's calendars with their metadata. Used to
// validate configured calendar ids and by the status subcommand.
func (s *CalendarService) ListCalendars(ctx context.Context) ([]Calendar, error) {
	u := s.baseURL + "/me/calendars?$select=" + url.QueryEscape(calendarSelect) + "&$top=50"
	resp, err := s.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &TransientError{Op: "list calendars", Err: err}
	}
	var page struct {
		Value []Calendar `json:"value"`
	}
	if err := decodeResponse(resp, &page); err != nil {
		return nil, &TransientError{Op: "list calendars", Err: err}
	}
	return page.Value, nil
}

// --- helpers -----------------------------------------------------------------

// do builds and executes one request with the standard headers.
func (s *CalendarService) do(ctx context.Context, method, u string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Prefer", preferUTC)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return s.hc.Do(req)
}

// decodeResponse checks for a 2xx status and decodes the JSON body into v.
func decodeResponse(resp *http.Response, v any) error {
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// drainResponse checks for a 2xx status on calls with no useful body.
func drainResponse(resp *http.Response, op string) error {
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &TransientError{Op: op, Err: statusError(resp)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func statusError(resp *http.Response) error {
	var ge struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ge); err == nil && ge.Error.Message != "" {
		return fmt.Errorf("status %d: %s: %s", resp.StatusCode, ge.Error.Code, ge.Error.Message)
	}
	return fmt.Errorf("unexpected status %d", resp.StatusCode)
}

// escapeODataString doubles single quotes per OData literal rules.
func escapeODataString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// logError warns on the first transient failure and demotes repeats to debug
// until resetError.
func (s *CalendarService) logError(msg string, err error) {
	if !s.errLogged {
		s.log.Warn(msg, "calendar_id", s.calendarID, "error", err)
		s.errLogged = true
		return
	}
	s.log.Debug("repeat error", "msg", msg, "calendar_id", s.calendarID, "error", err)
}

// resetError re-arms the one-shot warning after a successful call.
func (s *CalendarService) resetError() {
	s.errLogged = false
}
