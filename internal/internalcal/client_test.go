package internalcal

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"calsync/internal/models"
	"calsync/internal/source"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&strings.Builder{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func testWindow() models.TimeRange {
	return models.TimeRange{
		Start: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestFetchEventsPaginates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("authorization = %q", got)
		}
		if r.URL.Query().Get("from") == "" || r.URL.Query().Get("to") == "" {
			t.Error("window params missing")
		}
		var page bookingsPage
		switch r.URL.Query().Get("cursor") {
		case "":
			page = bookingsPage{
				Bookings: []booking{{
					ID: "b1", OwnerID: "u1", Title: "room A",
					StartTime: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
					EndTime:   time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
				}},
				NextCursor: "page2",
			}
		case "page2":
			page = bookingsPage{
				Bookings: []booking{
					{
						ID: "b2", OwnerID: "u2", Title: "room B",
						StartTime: time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC),
						EndTime:   time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC),
					},
					{ID: "", OwnerID: "u2"}, // malformed, must be skipped
					{ID: "b3", OwnerID: "u1", Cancelled: true},
				},
			}
		default:
			t.Errorf("unexpected cursor %q", r.URL.Query().Get("cursor"))
		}
		_ = json.NewEncoder(w).Encode(page)
	}))
	defer srv.Close()

	a := NewAdapter(discardLogger(), srv.URL, "secret", 0)
	result, err := a.FetchEvents(context.Background(), testWindow())
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Events) != 3 {
		t.Fatalf("events = %d, want 3", len(result.Events))
	}
	if result.Skipped != 1 {
		t.Errorf("skipped = %d, want 1", result.Skipped)
	}
	if result.Events[0].Source != models.SourceInternal || result.Events[0].SourceID != "b1" {
		t.Errorf("first event identity = %s/%s", result.Events[0].Source, result.Events[0].SourceID)
	}
	last := result.Events[2]
	if !last.Removed {
		t.Error("cancelled booking must surface as removed")
	}
}

func TestFetchEventsMidPaginationFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("cursor") == "page2" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(bookingsPage{
			Bookings: []booking{{
				ID: "b1", OwnerID: "u1", Title: "room A",
				StartTime: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
				EndTime:   time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
			}},
			NextCursor: "page2",
		})
	}))
	defer srv.Close()

	a := NewAdapter(discardLogger(), srv.URL, "secret", 0)
	result, err := a.FetchEvents(context.Background(), testWindow())

	var partial *source.PartialError
	if !errors.As(err, &partial) {
		t.Fatalf("err = %v, want PartialError", err)
	}
	if len(result.Events) != 1 {
		t.Fatalf("fetched events = %d, want 1 from the successful page", len(result.Events))
	}
}

func TestFetchEventsBlockingDefaults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Raw payload so the absent-field case is exactly what the booking
		// service sends.
		_, _ = w.Write([]byte(`{"bookings": [
			{"id": "b1", "owner_id": "u1", "title": "room hold",
			 "start_time": "2026-03-02T09:00:00Z", "end_time": "2026-03-02T10:00:00Z"},
			{"id": "b2", "owner_id": "u1", "title": "fyi slot", "blocking": false,
			 "start_time": "2026-03-02T11:00:00Z", "end_time": "2026-03-02T12:00:00Z"}
		]}`))
	}))
	defer srv.Close()

	a := NewAdapter(discardLogger(), srv.URL, "secret", 0)
	result, err := a.FetchEvents(context.Background(), testWindow())
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Events) != 2 {
		t.Fatalf("events = %d, want 2", len(result.Events))
	}
	if !result.Events[0].Blocking {
		t.Error("booking without a blocking field must occupy its owner")
	}
	if result.Events[1].Blocking {
		t.Error("explicit blocking=false must be preserved")
	}
}

func TestFetchEventsAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	a := NewAdapter(discardLogger(), srv.URL, "bad-token", 0)
	_, err := a.FetchEvents(context.Background(), testWindow())
	if !errors.Is(err, source.ErrAuth) {
		t.Fatalf("err = %v, want ErrAuth", err)
	}
}
