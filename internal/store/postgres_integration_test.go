package store

import (
	"context"
	"os"
	"testing"
	"time"

	"calsync/internal/models"
)

// TestPostgresStoreRoundTrip exercises the durable store against a real
// database. Set CALSYNC_TEST_POSTGRES_DSN to run it.
func TestPostgresStoreRoundTrip(t *testing.T) {
	dsn := os.Getenv("CALSYNC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CALSYNC_TEST_POSTGRES_DSN not set")
	}

	s, err := NewPostgresStore(dsn, DeleteHard)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	ctx := context.Background()
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	ev := testEvent(models.SourceGoogle, "pg-roundtrip", "pg-owner", start, start.Add(time.Hour))
	t.Cleanup(func() {
		_ = s.DeleteEvent(ctx, ev.Source, ev.SourceID)
	})

	changed, err := s.UpsertEvent(ctx, ev)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !changed {
		t.Error("first upsert must report changed")
	}
	changed, err = s.UpsertEvent(ctx, ev)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if changed {
		t.Error("identical upsert must not report changed")
	}

	events, err := s.ListEventsByOwner(ctx, "pg-owner", models.TimeRange{Start: start.Add(-time.Hour), End: start.Add(2 * time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("listed %d events, want 1", len(events))
	}
	if events[0].ID != models.EventID(models.SourceGoogle, "pg-roundtrip") {
		t.Errorf("unexpected id %s", events[0].ID)
	}

	if err := s.DeleteEvent(ctx, ev.Source, ev.SourceID); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteEvent(ctx, ev.Source, ev.SourceID); err != nil {
		t.Fatalf("idempotent delete: %v", err)
	}
}

// TestPostgresWindowMatchesMemory pins the window contract shared by both
// backends: an all-day event is matched on its widened UTC day boundaries
// even when its literal times fall outside the window.
func TestPostgresWindowMatchesMemory(t *testing.T) {
	dsn := os.Getenv("CALSYNC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CALSYNC_TEST_POSTGRES_DSN not set")
	}

	pg, err := NewPostgresStore(dsn, DeleteHard)
	if err != nil {
		t.Fatal(err)
	}
	defer pg.Close()
	mem := NewMemoryStore()

	ctx := context.Background()
	allDay := testEvent(models.SourceICS, "pg-window-allday", "pg-window-owner",
		time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC))
	allDay.AllDay = true
	timed := testEvent(models.SourceGoogle, "pg-window-timed", "pg-window-owner",
		time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC))
	t.Cleanup(func() {
		_ = pg.DeleteEvent(ctx, allDay.Source, allDay.SourceID)
		_ = pg.DeleteEvent(ctx, timed.Source, timed.SourceID)
	})
	for _, ev := range []models.UnifiedEvent{allDay, timed} {
		if _, err := pg.UpsertEvent(ctx, ev); err != nil {
			t.Fatal(err)
		}
		if _, err := mem.UpsertEvent(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}

	// Same calendar day as the all-day event, past both literal ranges.
	window := models.TimeRange{
		Start: time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 3, 2, 16, 0, 0, 0, time.UTC),
	}
	fromPG, err := pg.ListEventsByOwner(ctx, "pg-window-owner", window)
	if err != nil {
		t.Fatal(err)
	}
	fromMem, err := mem.ListEventsByOwner(ctx, "pg-window-owner", window)
	if err != nil {
		t.Fatal(err)
	}
	if len(fromPG) != 1 || fromPG[0].SourceID != "pg-window-allday" {
		t.Errorf("postgres window match = %+v, want only the widened all-day event", fromPG)
	}
	if len(fromMem) != len(fromPG) {
		t.Errorf("backends disagree: memory=%d postgres=%d", len(fromMem), len(fromPG))
	}
}
