package homeassistant

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

	haclient "github.com/mkelcik/go-ha-client/v2"

	"ms365calsync/internal/model"
)

// RESTClient is the subset of HA REST operations the adapter uses. Defining
// it as an interface allows mock injection in tests.
type RESTClient interface {
	Ping(ctx context.Context) error
	// SetState POSTs an entity state to /api/states/<entity_id>.
	SetState(ctx context.Context, entityID string, body io.Reader) error
}

// haClientWrapper wraps [haclient.Client] and adds a raw SetState method —
// the states endpoint takes a plain POST rather than a service call.
type haClientWrapper struct {
	client  *haclient.Client
	baseURL string
	token   string
	hc      *http.Client
}

func (w *haClientWrapper) Ping(ctx context.Context) error {
	return w.client.Ping(ctx)
}

// SetState POSTs the body to /api/states/<entity_id>, creating or updating
// the entity.
func (w *haClientWrapper) SetState(ctx context.Context, entityID string, body io.Reader) error {
	endpoint := fmt.Sprintf("%s/api/states/%s",
		strings.TrimRight(w.baseURL, "/"),
		url.PathEscape(entityID),
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return fmt.Errorf("create state request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+w.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.hc.Do(req)
	if err != nil {
		return fmt.Errorf("execute state request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("HA returned 401 Unauthorized — check ha_token")
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("HA returned unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Adapter publishes calendar state to Home Assistant. Create one with
// [NewAdapter] or [NewAdapterWithClient].
type Adapter struct {
	rest   RESTClient
	logger *slog.Logger
}

// NewAdapter creates an Adapter backed by a real HA REST client.
func NewAdapter(haURL, token string, logger *slog.Logger) (*Adapter, error) {
	rest, err := haclient.NewClient(haURL,
		haclient.WithToken(token),
		haclient.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("create HA REST client: %w", err)
	}

	wrapper := &haClientWrapper{
		client:  rest,
		baseURL: haURL,
		token:   token,
		hc:      &http.Client{},
	}
	return &Adapter{rest: wrapper, logger: logger}, nil
}

// NewAdapterWithClient creates an Adapter with a caller-supplied REST client.
// Intended for testing with a mock [RESTClient].
func NewAdapterWithClient(rest RESTClient, logger *slog.Logger) *Adapter {
	return &Adapter{rest: rest, logger: logger}
}

// Ping validates the HA connection and token with retry.
func (a *Adapter) Ping(ctx context.Context) error {
	err := Retry(ctx, defaultMaxAttempts, func() error {
		return a.rest.Ping(ctx)
	})
	if err != nil {
		return fmt.Errorf("ping HA: %w", err)
	}
	return nil
}

// statePayload is the JSON body for the HA states endpoint.
type statePayload struct {
	State      string         `json:"state"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// PublishCurrentEvent sets the entity state to "on" with the event's details
// as attributes, or "off" when ev is nil.
func (a *Adapter) PublishCurrentEvent(ctx context.Context, entityID string, ev *model.Event) error {
	payload := buildStatePayload(ev)
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode state for %s: %w", entityID, err)
	}

	err = Retry(ctx, defaultMaxAttempts, func() error {
		return a.rest.SetState(ctx, entityID, bytes.NewReader(body))
	})
	if err != nil {
		return fmt.Errorf("set state for %s: %w", entityID, err)
	}
	a.logger.Debug("published calendar state", "entity_id", entityID, "state", payload.State)
	return nil
}

// buildStatePayload maps an event (or its absence) to entity state.
func buildStatePayload(ev *model.Event) statePayload {
	if ev == nil {
		return statePayload{State: "off"}
	}
	attrs := map[string]any{
		"message":    ev.Subject,
		"all_day":    ev.IsAllDay,
		"start_time": ev.Start.UTC().Format(time.RFC3339),
		"end_time":   ev.End.UTC().Format(time.RFC3339),
	}
	if ev.Location != "" {
		attrs["location"] = ev.Location
	}
	return statePayload{State: "on", Attributes: attrs}
}
