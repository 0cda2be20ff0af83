package store

import (
	"context"
	"errors"

	"calsync/internal/models"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

// DeleteMode controls what happens when a source reports an event removed.
type DeleteMode string

const (
	// DeleteHard removes the row entirely.
	DeleteHard DeleteMode = "hard"
	// DeleteTombstone keeps the row with Removed=true; tombstoned events are
	// excluded from listings and detection but retain their identity.
	DeleteTombstone DeleteMode = "tombstone"
)

// Store is the engine's only shared mutable state. All writers go through
// this contract: events are written by the orchestrator, conflicts by the
// detector, and a conflict's status by ResolveConflict.
type Store interface {
	// UpsertEvent inserts the event if its (source, sourceID) pair is unseen,
	// otherwise replaces mutable fields preserving ID. It reports whether any
	// mutable field actually changed, so callers can skip redundant conflict
	// re-scans. Atomic per event.
	UpsertEvent(ctx context.Context, event models.UnifiedEvent) (changed bool, err error)

	// DeleteEvent removes the event per the configured delete mode. Deleting
	// a non-existent row is not an error.
	DeleteEvent(ctx context.Context, source models.Source, sourceID string) error

	// GetEvent returns the event by internal ID, tombstones included.
	GetEvent(ctx context.Context, id string) (models.UnifiedEvent, error)

	// ListEventsByOwner returns the owner's non-removed events intersecting
	// the window, sorted by StartTime ascending with ties broken by Source
	// then SourceID.
	ListEventsByOwner(ctx context.Context, ownerID string, window models.TimeRange) ([]models.UnifiedEvent, error)

	// SetEventStatus updates one event's sync status.
	SetEventStatus(ctx context.Context, id string, status models.SyncStatus) error

	// PromotePending flips the owner's still-pending events inside the window
	// to synced and returns how many were promoted.
	PromotePending(ctx context.Context, ownerID string, window models.TimeRange) (int, error)

	// UpsertConflict creates or replaces a conflict record by ID.
	UpsertConflict(ctx context.Context, conflict models.Conflict) error
	GetConflict(ctx context.Context, id string) (models.Conflict, error)

	// ListConflicts returns the owner's conflicts, optionally filtered by
	// status (empty means all), sorted by DetectedAt then ID.
	ListConflicts(ctx context.Context, ownerID string, status models.ConflictStatus) ([]models.Conflict, error)

	// ResolveConflict is the single caller-writable transition.
	ResolveConflict(ctx context.Context, id string) (models.Conflict, error)
	DeleteConflict(ctx context.Context, id string) error

	// RecordRun appends one sync cycle summary.
	RecordRun(ctx context.Context, run models.SyncRun) error

	// ListRuns returns the most recent runs, newest first.
	ListRuns(ctx context.Context, limit int) ([]models.SyncRun, error)

	Close() error
}

// eventKey is the unique external identity of an event.
func eventKey(source models.Source, sourceID string) string {
	return string(source) + "\x00" + sourceID
}

// eventContentEqual compares the mutable fields replaced on upsert. ID,
// Source and SourceID are immutable; SyncStatus and LastSyncedAt are pipeline
// bookkeeping, not content.
func eventContentEqual(a, b models.UnifiedEvent) bool {
	if a.OwnerID != b.OwnerID || a.Title != b.Title || a.Description != b.Description ||
		a.Location != b.Location || a.AllDay != b.AllDay || a.Blocking != b.Blocking ||
		a.Removed != b.Removed ||
		!a.StartTime.Equal(b.StartTime) || !a.EndTime.Equal(b.EndTime) {
		return false
	}
	if len(a.Attendees) != len(b.Attendees) {
		return false
	}
	for i := range a.Attendees {
		if a.Attendees[i] != b.Attendees[i] {
			return false
		}
	}
	return true
}
