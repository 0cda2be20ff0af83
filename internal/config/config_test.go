package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope.yaml")
	conf, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if conf.Store.Driver != "memory" {
		t.Errorf("default store driver = %q, want memory", conf.Store.Driver)
	}
	if conf.Sync.Cron != "*/5 * * * *" {
		t.Errorf("default cron = %q", conf.Sync.Cron)
	}
	if conf.Store.DeleteMode != "hard" {
		t.Errorf("default delete mode = %q, want hard", conf.Store.DeleteMode)
	}
}

func TestLoadWritesInitialConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calsync.yaml")
	if _, err := Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("first run must write the config file: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("config file mode = %o, want 600", perm)
	}

	// The written file must load back to the same defaults.
	conf, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if conf.Store.Driver != "memory" || conf.Sync.Cron != "*/5 * * * *" {
		t.Errorf("reloaded defaults = %q / %q", conf.Store.Driver, conf.Sync.Cron)
	}
}

func TestLoadParsesAndNormalizes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
listen: ":9090"
sync:
  window_future_days: 14
store:
  driver: memory
  delete_mode: tombstone
sources:
  ics:
    enabled: true
    feeds:
      - id: rooms
        url: https://example.com/rooms.ics
        owner_id: u1
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	conf, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if conf.Listen != ":9090" {
		t.Errorf("listen = %q", conf.Listen)
	}
	if conf.Sync.WindowFutureDays != 14 {
		t.Errorf("window_future_days = %d", conf.Sync.WindowFutureDays)
	}
	if conf.Sync.WindowPastDays != 7 {
		t.Errorf("window_past_days not defaulted: %d", conf.Sync.WindowPastDays)
	}
	if got := conf.EnabledSources(); len(got) != 1 || got[0] != "ics" {
		t.Errorf("enabled sources = %v", got)
	}
}

func TestValidateRejectsPostgresWithoutDSN(t *testing.T) {
	conf := DefaultConfig()
	conf.Store.Driver = "postgres"
	if err := conf.Validate(); err == nil {
		t.Fatal("expected error for postgres driver without DSN")
	}
}

func TestValidateRejectsFeedWithoutOwner(t *testing.T) {
	conf := DefaultConfig()
	conf.Sources.ICS.Enabled = true
	conf.Sources.ICS.Feeds = []ICSFeed{{ID: "x", URL: "https://example.com/a.ics"}}
	if err := conf.Validate(); err == nil {
		t.Fatal("expected error for ICS feed without owner_id")
	}
}
