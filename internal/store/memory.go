package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"calsync/internal/models"
)

// MemoryStore is the default Store: RWMutex-guarded maps. It is the substrate
// for tests and for single-process deployments that do not need durability.
type MemoryStore struct {
	mu          sync.RWMutex
	eventsByKey map[string]models.UnifiedEvent
	eventsByID  map[string]string // internal ID -> key
	conflicts   map[string]models.Conflict
	runs        []models.SyncRun
	deleteMode  DeleteMode
	now         func() time.Time
}

// MemoryOptions tunes a MemoryStore.
type MemoryOptions struct {
	DeleteMode DeleteMode
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// NewMemoryStore creates an empty in-memory store with hard deletes.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithOptions(MemoryOptions{})
}

// NewMemoryStoreWithOptions creates an empty in-memory store.
func NewMemoryStoreWithOptions(opts MemoryOptions) *MemoryStore {
	mode := opts.DeleteMode
	if mode == "" {
		mode = DeleteHard
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		eventsByKey: map[string]models.UnifiedEvent{},
		eventsByID:  map[string]string{},
		conflicts:   map[string]models.Conflict{},
		deleteMode:  mode,
		now:         now,
	}
}

func (s *MemoryStore) UpsertEvent(ctx context.Context, event models.UnifiedEvent) (bool, error) {
	if err := event.Validate(); err != nil {
		return false, err
	}
	event.ID = models.EventID(event.Source, event.SourceID)
	if event.Attendees == nil {
		// Attendees serialize as a list, never null.
		event.Attendees = []models.Attendee{}
	}
	key := eventKey(event.Source, event.SourceID)

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.eventsByKey[key]
	event.LastSyncedAt = s.now().UTC()
	if !exists {
		s.eventsByKey[key] = event
		s.eventsByID[event.ID] = key
		return true, nil
	}
	if eventContentEqual(existing, event) {
		// Content unchanged: only bump the sync timestamp, keep the status
		// the detector last assigned.
		existing.LastSyncedAt = event.LastSyncedAt
		s.eventsByKey[key] = existing
		return false, nil
	}
	event.ID = existing.ID
	s.eventsByKey[key] = event
	return true, nil
}

func (s *MemoryStore) DeleteEvent(ctx context.Context, source models.Source, sourceID string) error {
	key := eventKey(source, sourceID)

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.eventsByKey[key]
	if !exists {
		return nil
	}
	if s.deleteMode == DeleteTombstone {
		existing.Removed = true
		existing.LastSyncedAt = s.now().UTC()
		s.eventsByKey[key] = existing
		return nil
	}
	delete(s.eventsByKey, key)
	delete(s.eventsByID, existing.ID)
	return nil
}

func (s *MemoryStore) GetEvent(ctx context.Context, id string) (models.UnifiedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.eventsByID[id]
	if !ok {
		return models.UnifiedEvent{}, ErrNotFound
	}
	return s.eventsByKey[key], nil
}

func (s *MemoryStore) ListEventsByOwner(ctx context.Context, ownerID string, window models.TimeRange) ([]models.UnifiedEvent, error) {
	if ownerID == "" {
		return nil, ErrInvalidInput
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.UnifiedEvent, 0)
	for _, ev := range s.eventsByKey {
		if ev.OwnerID != ownerID || ev.Removed {
			continue
		}
		if !window.IsZero() && !intersectsWindow(ev, window) {
			continue
		}
		out = append(out, ev)
	}
	sortEvents(out)
	return out, nil
}

func (s *MemoryStore) SetEventStatus(ctx context.Context, id string, status models.SyncStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.eventsByID[id]
	if !ok {
		return ErrNotFound
	}
	ev := s.eventsByKey[key]
	ev.SyncStatus = status
	s.eventsByKey[key] = ev
	return nil
}

func (s *MemoryStore) PromotePending(ctx context.Context, ownerID string, window models.TimeRange) (int, error) {
	if ownerID == "" {
		return 0, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	promoted := 0
	for key, ev := range s.eventsByKey {
		if ev.OwnerID != ownerID || ev.Removed || ev.SyncStatus != models.StatusPending {
			continue
		}
		if !window.IsZero() && !intersectsWindow(ev, window) {
			continue
		}
		ev.SyncStatus = models.StatusSynced
		s.eventsByKey[key] = ev
		promoted++
	}
	return promoted, nil
}

func (s *MemoryStore) UpsertConflict(ctx context.Context, conflict models.Conflict) error {
	if conflict.ID == "" || conflict.OwnerID == "" || len(conflict.EventIDs) < 2 {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.conflicts[conflict.ID] = conflict
	return nil
}

func (s *MemoryStore) GetConflict(ctx context.Context, id string) (models.Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conflicts[id]
	if !ok {
		return models.Conflict{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) ListConflicts(ctx context.Context, ownerID string, status models.ConflictStatus) ([]models.Conflict, error) {
	if ownerID == "" {
		return nil, ErrInvalidInput
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Conflict, 0)
	for _, c := range s.conflicts {
		if c.OwnerID != ownerID {
			continue
		}
		if status != "" && c.Status != status {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.Before(out[j].DetectedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) ResolveConflict(ctx context.Context, id string) (models.Conflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conflicts[id]
	if !ok {
		return models.Conflict{}, ErrNotFound
	}
	c.Status = models.ConflictResolved
	s.conflicts[id] = c
	return c, nil
}

func (s *MemoryStore) DeleteConflict(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.conflicts, id)
	return nil
}

func (s *MemoryStore) RecordRun(ctx context.Context, run models.SyncRun) error {
	if run.ID == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs = append(s.runs, run)
	return nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, limit int) ([]models.SyncRun, error) {
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.SyncRun, 0, limit)
	for i := len(s.runs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.runs[i])
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// intersectsWindow compares the event's conflict range against the window so
// all-day events that start before the window but cover part of it are kept.
// Zero-length (point-in-time) events count when their instant falls inside.
func intersectsWindow(ev models.UnifiedEvent, window models.TimeRange) bool {
	if ev.StartTime.Equal(ev.EndTime) {
		return window.Contains(ev.StartTime)
	}
	if ev.Range().Intersects(window) {
		return true
	}
	return ev.AllDay && ev.ConflictRange().Intersects(window)
}

func sortEvents(events []models.UnifiedEvent) {
	sort.Slice(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.StartTime.Equal(b.StartTime) {
			return a.StartTime.Before(b.StartTime)
		}
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		return a.SourceID < b.SourceID
	})
}
