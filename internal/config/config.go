// Package config loads and validates the ms365calsync YAML configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"ms365calsync/internal/model"
)

// Defaults for the sync window and poll interval.
const (
	DefaultUpdateInterval = 7 * time.Minute
	DefaultDaysBackward   = -60
	DefaultDaysForward    = 90

	minUpdateInterval = time.Minute
	maxUpdateInterval = time.Hour
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// Graph holds the Microsoft Graph app registration credentials.
	Graph GraphConfig `yaml:"graph"`

	// StorePath is the SQLite snapshot database path.
	// Defaults to ~/.local/share/ms365calsync/events.db.
	StorePath string `yaml:"store_path"`

	// UpdateInterval controls how often each calendar is synced.
	// Minimum 1m, maximum 1h. Defaults to 7m if unset.
	UpdateInterval time.Duration `yaml:"update_interval"`

	// DaysBackward/DaysForward are the global sync-window floors in days,
	// signed (backward ≤ 0). Default -60 and +90.
	DaysBackward int `yaml:"days_backward"`
	DaysForward  int `yaml:"days_forward"`

	// Calendars lists the calendars to track. At least one is required.
	Calendars []CalendarConfig `yaml:"calendars"`

	// HomeAssistant configures optional state publishing. Omit the block
	// to run without a Home Assistant connection.
	HomeAssistant *HAConfig `yaml:"home_assistant,omitempty"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// GraphConfig holds the client-credentials grant settings.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// CalendarConfig is one tracked calendar.
type CalendarConfig struct {
	// ID is the Graph calendar id, or "group:<group-id>" for a group
	// calendar.
	ID string `yaml:"id"`

	// Name labels the calendar in logs and status output. Defaults to ID.
	Name string `yaml:"name"`

	// HoursBackward/HoursForward are the per-calendar display offsets in
	// hours, signed (backward ≤ 0). The sync window on each side is the
	// wider of this offset and the global day floor.
	HoursBackward int `yaml:"hours_backward"`
	HoursForward  int `yaml:"hours_forward"`

	// Search restricts the server-side query to subjects containing this
	// string.
	Search string `yaml:"search,omitempty"`

	// Exclude drops events whose subject matches any of these regular
	// expressions. Applied client-side — the remote API has no
	// "not contains" filter.
	Exclude []string `yaml:"exclude,omitempty"`

	// SensitivityExclude drops events with these sensitivity values
	// server-side, e.g. ["private", "confidential"].
	SensitivityExclude []string `yaml:"sensitivity_exclude,omitempty"`

	// HAEntityID is the Home Assistant entity the current event is
	// published to, e.g. "calendar.work". Requires the home_assistant
	// block.
	HAEntityID string `yaml:"ha_entity_id,omitempty"`

	exclude []*regexp.Regexp
}

// ExcludePatterns returns the compiled exclude expressions. Only valid after
// a successful [Load].
func (c *CalendarConfig) ExcludePatterns() []*regexp.Regexp {
	return c.exclude
}

// SensitivityExcludeValues returns the sensitivity exclusions as typed
// values.
func (c *CalendarConfig) SensitivityExcludeValues() []model.Sensitivity {
	out := make([]model.Sensitivity, 0, len(c.SensitivityExclude))
	for _, s := range c.SensitivityExclude {
		out = append(out, model.Sensitivity(s))
	}
	return out
}

// HAConfig holds the Home Assistant connection settings.
type HAConfig struct {
	// URL is the base URL of the Home Assistant instance,
	// e.g. "http://homeassistant.local:8123".
	URL string `yaml:"url"`

	// Token is the long-lived access token used to authenticate.
	Token string `yaml:"token"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "ms365calsync".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request, e.g. {"Authorization": "Bearer <token>"}.
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path: ~/.config/ms365calsync/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "ms365calsync", "config.yaml"), nil
}

// Load reads and validates the configuration file at the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// validate checks required fields, applies defaults, and compiles the
// exclude patterns.
func (c *Config) validate() error {
	if c.Graph.TenantID == "" {
		return fmt.Errorf("graph.tenant_id is required")
	}
	if c.Graph.ClientID == "" {
		return fmt.Errorf("graph.client_id is required")
	}
	if c.Graph.ClientSecret == "" {
		return fmt.Errorf("graph.client_secret is required")
	}

	if c.UpdateInterval == 0 {
		c.UpdateInterval = DefaultUpdateInterval
	}
	if c.UpdateInterval < minUpdateInterval {
		return fmt.Errorf("update_interval %v is too short (minimum %v)", c.UpdateInterval, minUpdateInterval)
	}
	if c.UpdateInterval > maxUpdateInterval {
		return fmt.Errorf("update_interval %v is too long (maximum %v)", c.UpdateInterval, maxUpdateInterval)
	}

	if c.DaysBackward == 0 {
		c.DaysBackward = DefaultDaysBackward
	}
	if c.DaysForward == 0 {
		c.DaysForward = DefaultDaysForward
	}
	if c.DaysBackward > 0 {
		return fmt.Errorf("days_backward %d must be negative or zero", c.DaysBackward)
	}
	if c.DaysForward < 0 {
		return fmt.Errorf("days_forward %d must be positive or zero", c.DaysForward)
	}

	if len(c.Calendars) == 0 {
		return fmt.Errorf("calendars must contain at least one entry")
	}
	seen := make(map[string]bool, len(c.Calendars))
	for i := range c.Calendars {
		cal := &c.Calendars[i]
		if err := cal.validate(); err != nil {
			return err
		}
		if seen[cal.ID] {
			return fmt.Errorf("calendars contains duplicate id %q", cal.ID)
		}
		seen[cal.ID] = true
		if cal.HAEntityID != "" && c.HomeAssistant == nil {
			return fmt.Errorf("calendars[%q].ha_entity_id requires the home_assistant block", cal.ID)
		}
	}

	if c.HomeAssistant != nil {
		if err := c.HomeAssistant.validate(); err != nil {
			return err
		}
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}

func (c *CalendarConfig) validate() error {
	if c.ID == "" {
		return fmt.Errorf("calendars contains an entry with an empty id")
	}
	if c.Name == "" {
		c.Name = c.ID
	}
	if c.HoursBackward > 0 {
		return fmt.Errorf("calendars[%q].hours_backward %d must be negative or zero", c.ID, c.HoursBackward)
	}
	if c.HoursForward < 0 {
		return fmt.Errorf("calendars[%q].hours_forward %d must be positive or zero", c.ID, c.HoursForward)
	}

	c.exclude = nil
	for _, pattern := range c.Exclude {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("calendars[%q].exclude pattern %q: %w", c.ID, pattern, err)
		}
		c.exclude = append(c.exclude, re)
	}

	for _, s := range c.SensitivityExclude {
		if !model.Sensitivity(s).Valid() {
			return fmt.Errorf("calendars[%q].sensitivity_exclude value %q is not a sensitivity", c.ID, s)
		}
	}
	return nil
}

func (h *HAConfig) validate() error {
	if h.URL == "" {
		return fmt.Errorf("home_assistant.url is required")
	}
	u, err := url.ParseRequestURI(h.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("home_assistant.url %q must be a valid http or https URL", h.URL)
	}
	if h.Token == "" {
		return fmt.Errorf("home_assistant.token is required")
	}
	return nil
}
