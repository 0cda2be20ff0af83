package syncer

import (
	"context"
	"testing"
	"time"

	"calsync/internal/models"
	"calsync/internal/source"
	"calsync/internal/store"
)

type fakeAdapter struct {
	src    models.Source
	result source.FetchResult
	err    error
	// block makes FetchEvents wait for ctx cancellation, to exercise the
	// per-source timeout.
	block bool
}

func (f *fakeAdapter) Source() models.Source { return f.src }

func (f *fakeAdapter) FetchEvents(ctx context.Context, window models.TimeRange) (source.FetchResult, error) {
	if f.block {
		<-ctx.Done()
		return source.FetchResult{}, ctx.Err()
	}
	return f.result, f.err
}

func fetchedEvent(src models.Source, sourceID string, start, end time.Time) models.UnifiedEvent {
	return models.UnifiedEvent{
		Source:     src,
		SourceID:   sourceID,
		OwnerID:    "u1",
		Title:      "event " + sourceID,
		StartTime:  start,
		EndTime:    end,
		Blocking:   true,
		SyncStatus: models.StatusPending,
	}
}

func newTestSyncer(t *testing.T, st store.Store, adapters ...source.Adapter) *Syncer {
	t.Helper()
	s, err := NewSyncer(Options{
		Adapters:         adapters,
		Store:            st,
		PerSourceTimeout: 50 * time.Millisecond,
		WindowPast:       7 * 24 * time.Hour,
		WindowFuture:     30 * 24 * time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestRunSyncMergesAndDetects(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	now := time.Now().UTC()

	s := newTestSyncer(t, st,
		&fakeAdapter{src: models.SourceGoogle, result: source.FetchResult{Events: []models.UnifiedEvent{
			fetchedEvent(models.SourceGoogle, "g1", now.Add(time.Hour), now.Add(2*time.Hour)),
		}}},
		&fakeAdapter{src: models.SourceICS, result: source.FetchResult{Events: []models.UnifiedEvent{
			fetchedEvent(models.SourceICS, "i1", now.Add(time.Hour), now.Add(2*time.Hour)),
			fetchedEvent(models.SourceICS, "i2", now.Add(5*time.Hour), now.Add(6*time.Hour)),
		}}},
	)

	run, err := s.RunSync(ctx, Scope{})
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != models.RunSuccess {
		t.Errorf("status = %s, want success", run.Status)
	}
	if run.ConflictsFound != 1 {
		t.Errorf("conflictsFound = %d, want 1", run.ConflictsFound)
	}
	if run.OwnersTouched != 1 {
		t.Errorf("ownersTouched = %d, want 1", run.OwnersTouched)
	}
	if got := run.PerSource[models.SourceICS]; got.EventsFetched != 2 || got.EventsUpserted != 2 {
		t.Errorf("ics result = %+v", got)
	}

	// The overlapping pair is flagged, the lone event is promoted.
	ev, err := st.GetEvent(ctx, models.EventID(models.SourceGoogle, "g1"))
	if err != nil {
		t.Fatal(err)
	}
	if ev.SyncStatus != models.StatusConflict {
		t.Errorf("overlapping event status = %s, want conflict", ev.SyncStatus)
	}
	ev, _ = st.GetEvent(ctx, models.EventID(models.SourceICS, "i2"))
	if ev.SyncStatus != models.StatusSynced {
		t.Errorf("clean event status = %s, want synced", ev.SyncStatus)
	}

	runs, err := st.ListRuns(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].ID != run.ID {
		t.Errorf("run not recorded: %+v", runs)
	}
}

func TestRunSyncToleratesFailingSource(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	now := time.Now().UTC()

	s := newTestSyncer(t, st,
		&fakeAdapter{src: models.SourceGoogle, err: source.ErrUnavailable},
		&fakeAdapter{src: models.SourceICS, result: source.FetchResult{Events: []models.UnifiedEvent{
			fetchedEvent(models.SourceICS, "i1", now.Add(time.Hour), now.Add(2*time.Hour)),
		}}},
	)

	run, err := s.RunSync(ctx, Scope{})
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != models.RunPartial {
		t.Errorf("status = %s, want partial", run.Status)
	}
	if run.PerSource[models.SourceGoogle].Status != models.SourceFailed {
		t.Error("failing source must be reported as failed")
	}
	events, _ := st.ListEventsByOwner(ctx, "u1", models.TimeRange{})
	if len(events) != 1 {
		t.Fatalf("healthy source not merged: %d events", len(events))
	}
}

func TestRunSyncAllSourcesFailed(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	s := newTestSyncer(t, st,
		&fakeAdapter{src: models.SourceGoogle, err: source.ErrAuth},
		&fakeAdapter{src: models.SourceICS, err: source.ErrUnavailable},
	)

	run, err := s.RunSync(ctx, Scope{})
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != models.RunFailed {
		t.Errorf("status = %s, want failed", run.Status)
	}
}

func TestRunSyncTimeoutCountsAsFailure(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	now := time.Now().UTC()

	s := newTestSyncer(t, st,
		&fakeAdapter{src: models.SourceCalDAV, block: true},
		&fakeAdapter{src: models.SourceICS, result: source.FetchResult{Events: []models.UnifiedEvent{
			fetchedEvent(models.SourceICS, "i1", now.Add(time.Hour), now.Add(2*time.Hour)),
		}}},
	)

	run, err := s.RunSync(ctx, Scope{})
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != models.RunPartial {
		t.Errorf("status = %s, want partial", run.Status)
	}
	if run.PerSource[models.SourceCalDAV].Status != models.SourceFailed {
		t.Error("timed-out source must be reported as failed")
	}
}

func TestRunSyncMergesPartialFetch(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	now := time.Now().UTC()

	s := newTestSyncer(t, st,
		&fakeAdapter{
			src: models.SourceInternal,
			result: source.FetchResult{Events: []models.UnifiedEvent{
				fetchedEvent(models.SourceInternal, "b1", now.Add(time.Hour), now.Add(2*time.Hour)),
			}},
			err: &source.PartialError{Err: source.ErrUnavailable},
		},
	)

	run, err := s.RunSync(ctx, Scope{})
	if err != nil {
		t.Fatal(err)
	}
	if got := run.PerSource[models.SourceInternal].Status; got != models.SourcePartial {
		t.Errorf("per-source status = %s, want partial", got)
	}
	if run.Status != models.RunPartial {
		t.Errorf("status = %s, want partial", run.Status)
	}
	events, _ := st.ListEventsByOwner(ctx, "u1", models.TimeRange{})
	if len(events) != 1 {
		t.Fatalf("partial fetch not merged: %d events", len(events))
	}
}

func TestRunSyncRemovedEventsClearConflicts(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	now := time.Now().UTC()

	overlapping := []models.UnifiedEvent{
		fetchedEvent(models.SourceGoogle, "g1", now.Add(time.Hour), now.Add(2*time.Hour)),
		fetchedEvent(models.SourceICS, "i1", now.Add(time.Hour), now.Add(2*time.Hour)),
	}
	google := &fakeAdapter{src: models.SourceGoogle, result: source.FetchResult{Events: overlapping[:1]}}
	ics := &fakeAdapter{src: models.SourceICS, result: source.FetchResult{Events: overlapping[1:]}}
	s := newTestSyncer(t, st, google, ics)

	run, err := s.RunSync(ctx, Scope{})
	if err != nil {
		t.Fatal(err)
	}
	if run.ConflictsFound != 1 {
		t.Fatalf("conflictsFound = %d, want 1", run.ConflictsFound)
	}

	// Next cycle: the ics event comes back cancelled.
	gone := overlapping[1]
	gone.Removed = true
	ics.result = source.FetchResult{Events: []models.UnifiedEvent{gone}}

	run, err = s.RunSync(ctx, Scope{})
	if err != nil {
		t.Fatal(err)
	}
	if run.ConflictsFound != 0 {
		t.Errorf("conflictsFound = %d after removal, want 0", run.ConflictsFound)
	}
	if run.PerSource[models.SourceICS].EventsRemoved != 1 {
		t.Errorf("eventsRemoved = %d, want 1", run.PerSource[models.SourceICS].EventsRemoved)
	}
	ev, _ := st.GetEvent(ctx, models.EventID(models.SourceGoogle, "g1"))
	if ev.SyncStatus != models.StatusSynced {
		t.Errorf("survivor status = %s, want synced", ev.SyncStatus)
	}
}

func TestRunSyncScopeValidation(t *testing.T) {
	st := store.NewMemoryStore()
	s := newTestSyncer(t, st, &fakeAdapter{src: models.SourceGoogle})

	if _, err := s.RunSync(context.Background(), Scope{Sources: []models.Source{"outlook"}}); err == nil {
		t.Error("unknown source must be rejected")
	}
	if _, err := s.RunSync(context.Background(), Scope{Sources: []models.Source{models.SourceICS}}); err == nil {
		t.Error("unconfigured source must be rejected")
	}
}

func TestNewSyncerValidation(t *testing.T) {
	if _, err := NewSyncer(Options{Store: store.NewMemoryStore()}); err == nil {
		t.Error("missing adapters must be rejected")
	}
	if _, err := NewSyncer(Options{Adapters: []source.Adapter{&fakeAdapter{src: models.SourceICS}}}); err == nil {
		t.Error("missing store must be rejected")
	}
	_, err := NewSyncer(Options{
		Store: store.NewMemoryStore(),
		Adapters: []source.Adapter{
			&fakeAdapter{src: models.SourceICS},
			&fakeAdapter{src: models.SourceICS},
		},
	})
	if err == nil {
		t.Error("duplicate adapters must be rejected")
	}
}
