package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"calsync/internal/conflict"
	"calsync/internal/models"
	"calsync/internal/source"
	"calsync/internal/store"
)

// Options wires a Syncer.
type Options struct {
	Adapters []source.Adapter
	Store    store.Store
	Logger   *slog.Logger

	// PerSourceTimeout bounds each adapter's fetch. Zero disables the bound.
	PerSourceTimeout time.Duration
	// WindowPast / WindowFuture set the sync window around "now".
	WindowPast   time.Duration
	WindowFuture time.Duration
	// AllDayBlocks is forwarded to the conflict detector.
	AllDayBlocks bool
}

// Scope narrows one run. The zero value means all sources, all owners.
type Scope struct {
	// Sources restricts the run to these sources. Empty means all configured.
	Sources []models.Source
	// OwnerID restricts conflict detection to one owner. Events for other
	// owners are still ingested; their conflicts are just not recomputed.
	OwnerID string
}

// Syncer drives one synchronization cycle: fan out to the source adapters,
// merge the fetched events into the store, then re-run conflict detection
// for every owner the cycle touched.
type Syncer struct {
	adapters map[models.Source]source.Adapter
	store    store.Store
	detector *conflict.Detector
	logger   *slog.Logger
	opts     Options
	now      func() time.Time
}

// NewSyncer creates a Syncer from its options.
func NewSyncer(opts Options) (*Syncer, error) {
	if opts.Store == nil {
		return nil, errors.New("syncer requires a store")
	}
	if len(opts.Adapters) == 0 {
		return nil, errors.New("syncer requires at least one source adapter")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	adapters := make(map[models.Source]source.Adapter, len(opts.Adapters))
	for _, a := range opts.Adapters {
		if _, dup := adapters[a.Source()]; dup {
			return nil, fmt.Errorf("duplicate adapter for source %s", a.Source())
		}
		adapters[a.Source()] = a
	}

	return &Syncer{
		adapters: adapters,
		store:    opts.Store,
		detector: conflict.NewDetector(opts.Store, logger, conflict.Options{AllDayBlocks: opts.AllDayBlocks}),
		logger:   logger,
		opts:     opts,
		now:      time.Now,
	}, nil
}

// Window returns the time range a run started at now would cover.
func (s *Syncer) Window() models.TimeRange {
	now := s.now().UTC()
	return models.TimeRange{
		Start: now.Add(-s.opts.WindowPast),
		End:   now.Add(s.opts.WindowFuture),
	}
}

// fetchOutcome is one adapter's contribution to a run.
type fetchOutcome struct {
	source models.Source
	result source.FetchResult
	err    error
}

// RunSync executes one full cycle and records it. A failing source never
// aborts the cycle: its failure lands in the run report and the other
// sources are merged normally. RunSync returns an error only when the run
// could not execute at all (bad scope, store down).
func (s *Syncer) RunSync(ctx context.Context, scope Scope) (models.SyncRun, error) {
	selected, err := s.selectAdapters(scope)
	if err != nil {
		return models.SyncRun{}, err
	}

	run := models.SyncRun{
		ID:        uuid.New().String(),
		StartedAt: s.now().UTC(),
		PerSource: make(map[models.Source]models.SourceResult, len(selected)),
	}
	window := s.Window()
	s.logger.Info("sync cycle started", "run", run.ID, "sources", len(selected), "from", window.Start, "to", window.End)

	outcomes := s.fetchAll(ctx, selected, window)

	owners := map[string]bool{}
	for _, out := range outcomes {
		res := s.merge(ctx, out, owners)
		run.PerSource[out.source] = res
	}

	if scope.OwnerID != "" {
		owners = map[string]bool{scope.OwnerID: true}
	}
	conflictsFound, detectErr := s.detectAll(ctx, owners, window)
	run.ConflictsFound = conflictsFound
	run.OwnersTouched = len(owners)

	run.FinishedAt = s.now().UTC()
	run.Status = run.ComputeStatus()
	if detectErr != nil && run.Status == models.RunSuccess {
		run.Status = models.RunPartial
	}

	if err := s.store.RecordRun(ctx, run); err != nil {
		return run, fmt.Errorf("failed to record run %s: %w", run.ID, err)
	}
	s.logger.Info("sync cycle finished", "run", run.ID, "status", run.Status, "owners", run.OwnersTouched, "conflicts", run.ConflictsFound)
	return run, nil
}

// selectAdapters resolves the scope to concrete adapters.
func (s *Syncer) selectAdapters(scope Scope) ([]source.Adapter, error) {
	if len(scope.Sources) == 0 {
		out := make([]source.Adapter, 0, len(s.adapters))
		for _, a := range s.adapters {
			out = append(out, a)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Source() < out[j].Source() })
		return out, nil
	}

	out := make([]source.Adapter, 0, len(scope.Sources))
	for _, src := range scope.Sources {
		if !src.IsValid() {
			return nil, fmt.Errorf("unknown source %q", src)
		}
		a, ok := s.adapters[src]
		if !ok {
			return nil, fmt.Errorf("source %s is not configured", src)
		}
		out = append(out, a)
	}
	return out, nil
}

// fetchAll fans out to the adapters in parallel, each under its own timeout.
func (s *Syncer) fetchAll(ctx context.Context, adapters []source.Adapter, window models.TimeRange) []fetchOutcome {
	results := make(chan fetchOutcome, len(adapters))
	var wg sync.WaitGroup
	for _, a := range adapters {
		wg.Add(1)
		go func(a source.Adapter) {
			defer wg.Done()
			fetchCtx := ctx
			if s.opts.PerSourceTimeout > 0 {
				var cancel context.CancelFunc
				fetchCtx, cancel = context.WithTimeout(ctx, s.opts.PerSourceTimeout)
				defer cancel()
			}
			result, err := a.FetchEvents(fetchCtx, window)
			results <- fetchOutcome{source: a.Source(), result: result, err: err}
		}(a)
	}
	wg.Wait()
	close(results)

	out := make([]fetchOutcome, 0, len(adapters))
	for o := range results {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].source < out[j].source })
	return out
}

// merge applies one source's fetch outcome to the store and reports it.
// Partial fetches are merged like full ones and marked partial; only a
// fetch that produced nothing usable is marked failed.
func (s *Syncer) merge(ctx context.Context, out fetchOutcome, owners map[string]bool) models.SourceResult {
	res := models.SourceResult{
		Status:              models.SourceSuccess,
		EventsFetched:       len(out.result.Events),
		NormalizationErrors: out.result.Skipped,
	}
	if out.err != nil {
		res.Error = out.err.Error()
		var partial *source.PartialError
		switch {
		case errors.As(out.err, &partial):
			res.Status = models.SourcePartial
		case len(out.result.Events) == 0:
			res.Status = models.SourceFailed
			s.logger.Error("source fetch failed", "source", out.source, "error", out.err)
			return res
		default:
			res.Status = models.SourcePartial
		}
		s.logger.Warn("source fetch incomplete, merging what arrived", "source", out.source, "events", len(out.result.Events), "error", out.err)
	}

	for _, ev := range out.result.Events {
		if ev.Removed {
			if err := s.store.DeleteEvent(ctx, ev.Source, ev.SourceID); err != nil {
				s.logger.Error("failed to remove event", "source", ev.Source, "sourceID", ev.SourceID, "error", err)
				res.NormalizationErrors++
				continue
			}
			res.EventsRemoved++
			if ev.OwnerID != "" {
				owners[ev.OwnerID] = true
			}
			continue
		}
		changed, err := s.store.UpsertEvent(ctx, ev)
		if err != nil {
			s.logger.Error("failed to upsert event", "source", ev.Source, "sourceID", ev.SourceID, "error", err)
			res.NormalizationErrors++
			continue
		}
		if changed {
			res.EventsUpserted++
		}
		owners[ev.OwnerID] = true
	}
	return res
}

// detectAll re-runs conflict detection per owner and promotes the events that
// came through the cycle clean. Owners whose detection fails keep their
// events pending for the next cycle.
func (s *Syncer) detectAll(ctx context.Context, owners map[string]bool, window models.TimeRange) (int, error) {
	ownerIDs := make([]string, 0, len(owners))
	for owner := range owners {
		ownerIDs = append(ownerIDs, owner)
	}
	sort.Strings(ownerIDs)

	total := 0
	var errs []error
	for _, owner := range ownerIDs {
		open, err := s.detector.Detect(ctx, owner, window)
		if err != nil {
			errs = append(errs, fmt.Errorf("owner %s: %w", owner, err))
			s.logger.Error("conflict detection failed", "owner", owner, "error", err)
			continue
		}
		total += open
		promoted, err := s.store.PromotePending(ctx, owner, window)
		if err != nil {
			errs = append(errs, fmt.Errorf("owner %s: %w", owner, err))
			continue
		}
		if promoted > 0 {
			s.logger.Debug("promoted pending events", "owner", owner, "count", promoted)
		}
	}
	return total, errors.Join(errs...)
}
