package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"calsync/internal/models"
)

// GoogleSource configures the Google Calendar connection for one operator.
type GoogleSource struct {
	Enabled bool `yaml:"enabled"`
	// Account selects the token file written by the `auth` command
	// (token-<account>.json).
	Account     string   `yaml:"account"`
	OwnerID     string   `yaml:"owner_id"`
	CalendarIDs []string `yaml:"calendar_ids"`
}

// CalDAVSource configures a CalDAV (iCloud-compatible) connection.
// The password comes from the CALDAV_PASSWORD environment variable.
type CalDAVSource struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Username string `yaml:"username"`
	Calendar string `yaml:"calendar"`
	OwnerID  string `yaml:"owner_id"`
}

// ICSFeed is a single read-only ICS subscription bound to an owner.
type ICSFeed struct {
	ID      string `yaml:"id"`
	URL     string `yaml:"url"`
	OwnerID string `yaml:"owner_id"`
}

// ICSSource configures the ICS feed source.
type ICSSource struct {
	Enabled bool      `yaml:"enabled"`
	Feeds   []ICSFeed `yaml:"feeds"`
}

// InternalSource configures the internal booking system connection.
// The bearer token comes from the INTERNAL_API_TOKEN environment variable.
type InternalSource struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"`
}

// SourcesConfig groups the per-provider connection settings.
type SourcesConfig struct {
	Internal InternalSource `yaml:"internal"`
	Google   GoogleSource   `yaml:"google"`
	CalDAV   CalDAVSource   `yaml:"caldav"`
	ICS      ICSSource      `yaml:"ics"`
}

// StoreConfig selects and tunes the event store backend.
type StoreConfig struct {
	// Driver is "memory" or "postgres".
	Driver string `yaml:"driver"`
	// DSN is the postgres connection string; the POSTGRES_DSN environment
	// variable overrides it.
	DSN string `yaml:"dsn"`
	// DeleteMode is "hard" or "tombstone" and controls what happens when a
	// source reports an event as removed.
	DeleteMode string `yaml:"delete_mode"`
}

// SyncConfig tunes the orchestrator and the periodic trigger.
type SyncConfig struct {
	// Cron is the periodic trigger schedule (robfig/cron syntax).
	Cron string `yaml:"cron"`
	// SourceTimeoutSeconds bounds each adapter fetch within a cycle.
	SourceTimeoutSeconds int `yaml:"source_timeout_seconds"`
	// WindowPastDays / WindowFutureDays define the synced window around now.
	WindowPastDays   int `yaml:"window_past_days"`
	WindowFutureDays int `yaml:"window_future_days"`
}

// ConflictConfig tunes conflict detection policy.
type ConflictConfig struct {
	// AllDayBlocks makes all-day events without an explicit busy/free signal
	// block the owner's whole day for conflict purposes.
	AllDayBlocks bool `yaml:"all_day_blocks"`
}

// Config is the top-level application configuration.
type Config struct {
	Listen   string `yaml:"listen"`
	Timezone string `yaml:"timezone"`
	LogLevel string `yaml:"log_level"`

	Sync      SyncConfig     `yaml:"sync"`
	Store     StoreConfig    `yaml:"store"`
	Conflicts ConflictConfig `yaml:"conflicts"`
	Sources   SourcesConfig  `yaml:"sources"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:   "127.0.0.1:8080",
		Timezone: "UTC",
		LogLevel: "info",
		Sync: SyncConfig{
			Cron:                 "*/5 * * * *",
			SourceTimeoutSeconds: 30,
			WindowPastDays:       7,
			WindowFutureDays:     30,
		},
		Store: StoreConfig{
			Driver:     "memory",
			DeleteMode: "hard",
		},
		Conflicts: ConflictConfig{AllDayBlocks: false},
	}
}

// Load reads the YAML config at path. A missing file is treated as a first
// run: the defaults are written back to path (owner-only permissions) so the
// operator has a file to edit. Environment overrides apply after the file.
func Load(path string) (*Config, error) {
	conf := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, conf); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case errors.Is(err, fs.ErrNotExist):
			conf.Normalize()
			if err := conf.Save(path); err != nil {
				return nil, fmt.Errorf("failed to write initial config %s: %w", path, err)
			}
		default:
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	conf.Normalize()
	conf.applyEnv()
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// Save writes the config to path with owner-only permissions.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Normalize fills in missing/zero values so partially-filled configs still
// behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Sync.Cron == "" {
		c.Sync.Cron = "*/5 * * * *"
	}
	if c.Sync.SourceTimeoutSeconds <= 0 {
		c.Sync.SourceTimeoutSeconds = 30
	}
	if c.Sync.WindowPastDays <= 0 {
		c.Sync.WindowPastDays = 7
	}
	if c.Sync.WindowFutureDays <= 0 {
		c.Sync.WindowFutureDays = 30
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}
	if c.Store.DeleteMode == "" {
		c.Store.DeleteMode = "hard"
	}
}

// applyEnv lets environment variables override file values. Secrets are only
// ever read from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("CALSYNC_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv("CALSYNC_SYNC_CRON"); v != "" {
		c.Sync.Cron = v
	}
	if v := os.Getenv("CALSYNC_SOURCE_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Sync.SourceTimeoutSeconds = n
		}
	}
}

// Validate rejects configurations the engine cannot start with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return errors.New("store driver postgres requires a DSN (store.dsn or POSTGRES_DSN)")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Store.DeleteMode {
	case "hard", "tombstone":
	default:
		return fmt.Errorf("unknown delete mode %q", c.Store.DeleteMode)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	if c.Sources.Google.Enabled && c.Sources.Google.OwnerID == "" {
		return errors.New("sources.google.owner_id is required when google is enabled")
	}
	if c.Sources.CalDAV.Enabled && c.Sources.CalDAV.OwnerID == "" {
		return errors.New("sources.caldav.owner_id is required when caldav is enabled")
	}
	if c.Sources.ICS.Enabled {
		for i, feed := range c.Sources.ICS.Feeds {
			if feed.URL == "" || feed.OwnerID == "" {
				return fmt.Errorf("sources.ics.feeds[%d] needs both url and owner_id", i)
			}
		}
	}
	return nil
}

// EnabledSources lists the sources switched on in this config.
func (c *Config) EnabledSources() []models.Source {
	var out []models.Source
	if c.Sources.Internal.Enabled {
		out = append(out, models.SourceInternal)
	}
	if c.Sources.Google.Enabled {
		out = append(out, models.SourceGoogle)
	}
	if c.Sources.CalDAV.Enabled {
		out = append(out, models.SourceCalDAV)
	}
	if c.Sources.ICS.Enabled {
		out = append(out, models.SourceICS)
	}
	return out
}

// SourceTimeout returns the per-adapter fetch deadline as a duration.
func (c *Config) SourceTimeout() time.Duration {
	return time.Duration(c.Sync.SourceTimeoutSeconds) * time.Second
}
