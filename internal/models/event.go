package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Source identifies one calendar system feeding events into the engine.
type Source string

const (
	SourceInternal Source = "internal"
	SourceGoogle   Source = "google"
	SourceCalDAV   Source = "caldav"
	SourceICS      Source = "ics"
)

// AllSources lists every known source in a stable order.
var AllSources = []Source{SourceInternal, SourceGoogle, SourceCalDAV, SourceICS}

// IsValid returns true if the source is a known value.
func (s Source) IsValid() bool {
	switch s {
	case SourceInternal, SourceGoogle, SourceCalDAV, SourceICS:
		return true
	}
	return false
}

// SyncStatus tracks where an event sits in the reconcile pipeline.
type SyncStatus string

const (
	// StatusSynced means the event is reconciled and conflict-free.
	StatusSynced SyncStatus = "synced"
	// StatusPending means the event was normalized and merged but the
	// detect phase for its owner has not completed yet.
	StatusPending SyncStatus = "pending"
	// StatusConflict means the event belongs to at least one open
	// cross-source conflict cluster.
	StatusConflict SyncStatus = "conflict"
)

// Attendee is one participant on an event. Email is the identity;
// DisplayName is optional.
type Attendee struct {
	Email       string `json:"email"`
	DisplayName string `json:"displayName,omitempty"`
}

// TimeRange is a half-open window [Start, End).
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Intersects reports whether two half-open ranges overlap.
func (r TimeRange) Intersects(o TimeRange) bool {
	return r.Start.Before(o.End) && o.Start.Before(r.End)
}

// Contains reports whether t falls inside the range.
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

// IsZero reports whether the range is completely unset.
func (r TimeRange) IsZero() bool {
	return r.Start.IsZero() && r.End.IsZero()
}

// Validate checks the End >= Start invariant. Zero-length ranges are allowed
// (point-in-time events).
func (r TimeRange) Validate() error {
	if r.End.Before(r.Start) {
		return fmt.Errorf("time range end %s before start %s", r.End, r.Start)
	}
	return nil
}

// UnifiedEvent is the normalized, source-agnostic representation of one
// calendar entry. For a given (Source, SourceID) pair there is at most one
// event row; re-ingestion replaces mutable fields but preserves ID.
type UnifiedEvent struct {
	ID          string     `json:"id"`
	Source      Source     `json:"source"`
	SourceID    string     `json:"sourceId"`
	OwnerID     string     `json:"ownerId"`
	Title       string     `json:"title,omitempty"`
	Description string     `json:"description,omitempty"`
	Location    string     `json:"location,omitempty"`
	StartTime   time.Time  `json:"startTime"`
	EndTime     time.Time  `json:"endTime"`
	Attendees   []Attendee `json:"attendees"`
	AllDay      bool       `json:"allDay"`

	// Blocking marks whether the event occupies the owner for conflict
	// purposes. Adapters map it from provider transparency/free-busy data;
	// for all-day events without a provider signal the detector applies the
	// configured default.
	Blocking bool `json:"blocking"`

	// Removed marks an event the source reported as cancelled or deleted.
	// Adapters surface deletions this way instead of dropping them so the
	// orchestrator can issue store deletions.
	Removed bool `json:"removed,omitempty"`

	SyncStatus   SyncStatus `json:"syncStatus"`
	LastSyncedAt time.Time  `json:"lastSyncedAt"`
}

// Range returns the event's literal [StartTime, EndTime) window.
func (e UnifiedEvent) Range() TimeRange {
	return TimeRange{Start: e.StartTime, End: e.EndTime}
}

// ConflictRange returns the window used for overlap comparison: all-day
// events are widened to whole-day boundaries so a same-day timed event
// overlaps them regardless of hour.
func (e UnifiedEvent) ConflictRange() TimeRange {
	if !e.AllDay {
		return e.Range()
	}
	start := e.StartTime.UTC()
	dayStart := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	end := e.EndTime.UTC()
	dayEnd := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)
	if dayEnd.Before(dayStart.Add(24 * time.Hour)) {
		dayEnd = dayStart.Add(24 * time.Hour)
	}
	return TimeRange{Start: dayStart, End: dayEnd}
}

// Validate checks the invariants every normalized event must satisfy before
// it reaches the store.
func (e UnifiedEvent) Validate() error {
	if !e.Source.IsValid() {
		return fmt.Errorf("unknown source %q", e.Source)
	}
	if e.SourceID == "" {
		return fmt.Errorf("event from %s has empty source id", e.Source)
	}
	if e.OwnerID == "" {
		return fmt.Errorf("event %s/%s has empty owner id", e.Source, e.SourceID)
	}
	if err := e.Range().Validate(); err != nil {
		return fmt.Errorf("event %s/%s: %w", e.Source, e.SourceID, err)
	}
	return nil
}

// eventNamespace seeds the deterministic UUIDv5 derivation for event IDs.
var eventNamespace = uuid.NewSHA1(uuid.NameSpaceDNS, []byte("events.calsync"))

// EventID derives the stable internal identifier for a (source, sourceID)
// pair. Re-ingesting the same external event always yields the same ID.
func EventID(source Source, sourceID string) string {
	return uuid.NewSHA1(eventNamespace, []byte(string(source)+"\x00"+sourceID)).String()
}
