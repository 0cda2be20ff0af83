package conflict

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"calsync/internal/models"
	"calsync/internal/store"
)

// Options tunes detection policy.
type Options struct {
	// AllDayBlocks makes all-day events without an explicit busy signal
	// block the owner's whole day. When false, only all-day events a
	// provider marked busy participate in clustering.
	AllDayBlocks bool
}

// Detector finds cross-source overlapping events for one owner and maintains
// the Conflict records in the store. It is the only writer of conflicts
// (callers may flip Status to resolved through the store).
type Detector struct {
	store  store.Store
	logger *slog.Logger
	opts   Options
	now    func() time.Time
}

// NewDetector creates a Detector over the given store.
func NewDetector(st store.Store, logger *slog.Logger, opts Options) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{store: st, logger: logger, opts: opts, now: time.Now}
}

// Detect re-runs conflict detection over one owner's events inside the
// window. It is idempotent: an unchanged event set neither duplicates
// conflict rows nor flips resolved conflicts back to open. It returns the
// number of conflicts open for the owner afterwards.
func (d *Detector) Detect(ctx context.Context, ownerID string, window models.TimeRange) (int, error) {
	events, err := d.store.ListEventsByOwner(ctx, ownerID, window)
	if err != nil {
		return 0, fmt.Errorf("failed to list events for owner %s: %w", ownerID, err)
	}

	clusters := d.cluster(events)

	existing, err := d.store.ListConflicts(ctx, ownerID, "")
	if err != nil {
		return 0, fmt.Errorf("failed to list conflicts for owner %s: %w", ownerID, err)
	}
	byEventID := map[string][]models.Conflict{}
	for _, c := range existing {
		for _, id := range c.EventIDs {
			byEventID[id] = append(byEventID[id], c)
		}
	}

	clusteredIDs := map[string]bool{}
	liveConflictIDs := map[string]bool{}

	for _, cluster := range clusters {
		ids := make([]string, 0, len(cluster))
		for _, ev := range cluster {
			ids = append(ids, ev.ID)
			clusteredIDs[ev.ID] = true
		}
		sort.Strings(ids)
		sig := models.ClusterSignature(cluster)

		matched := matchExisting(byEventID, ids)
		if len(matched) == 0 {
			conflict := models.Conflict{
				ID:         models.ConflictID(ids[0], ids[1]),
				OwnerID:    ownerID,
				EventIDs:   ids,
				DetectedAt: d.now().UTC(),
				Status:     models.ConflictOpen,
				Signature:  sig,
			}
			if err := d.store.UpsertConflict(ctx, conflict); err != nil {
				return 0, fmt.Errorf("failed to record conflict: %w", err)
			}
			liveConflictIDs[conflict.ID] = true
			d.logger.Info("conflict detected", "owner", ownerID, "conflict", conflict.ID, "events", len(ids))
			continue
		}

		// Overlapping clusters can merge previously separate conflicts; the
		// earliest-detected record stays canonical, the rest are absorbed.
		canonical := matched[0]
		for _, c := range matched[1:] {
			if c.DetectedAt.Before(canonical.DetectedAt) ||
				(c.DetectedAt.Equal(canonical.DetectedAt) && c.ID < canonical.ID) {
				canonical = c
			}
		}
		for _, c := range matched {
			if c.ID == canonical.ID {
				continue
			}
			if err := d.store.DeleteConflict(ctx, c.ID); err != nil {
				return 0, fmt.Errorf("failed to drop merged conflict %s: %w", c.ID, err)
			}
		}
		liveConflictIDs[canonical.ID] = true

		if canonical.Status == models.ConflictResolved && canonical.Signature == sig {
			// The caller already accepted exactly this overlap; leave it.
			continue
		}
		reopened := canonical.Status == models.ConflictResolved
		canonical.Status = models.ConflictOpen
		canonical.EventIDs = ids
		canonical.Signature = sig
		if err := d.store.UpsertConflict(ctx, canonical); err != nil {
			return 0, fmt.Errorf("failed to update conflict %s: %w", canonical.ID, err)
		}
		if reopened {
			d.logger.Info("resolved conflict re-opened after overlap changed", "owner", ownerID, "conflict", canonical.ID)
		}
	}

	// Conflicts that touch the examined window but no longer correspond to
	// any cluster are stale: the overlap is gone (or a member was removed).
	examinedIDs := map[string]bool{}
	for _, ev := range events {
		examinedIDs[ev.ID] = true
	}
	for _, c := range existing {
		if liveConflictIDs[c.ID] {
			continue
		}
		inScope := false
		for _, id := range c.EventIDs {
			if examinedIDs[id] {
				inScope = true
				break
			}
		}
		if !inScope {
			continue
		}
		if err := d.store.DeleteConflict(ctx, c.ID); err != nil {
			return 0, fmt.Errorf("failed to remove stale conflict %s: %w", c.ID, err)
		}
		d.logger.Info("conflict cleared", "owner", ownerID, "conflict", c.ID)
	}

	if err := d.applyStatuses(ctx, events, clusteredIDs); err != nil {
		return 0, err
	}

	open, err := d.store.ListConflicts(ctx, ownerID, models.ConflictOpen)
	if err != nil {
		return 0, err
	}
	return len(open), nil
}

// cluster runs the interval sweep and merges cross-source overlapping pairs
// into transitive clusters of size >= 2.
func (d *Detector) cluster(events []models.UnifiedEvent) [][]models.UnifiedEvent {
	type span struct {
		idx int
		r   models.TimeRange
	}
	spans := make([]span, 0, len(events))
	for i, ev := range events {
		if !d.participates(ev) {
			continue
		}
		spans = append(spans, span{idx: i, r: ev.ConflictRange()})
	}
	// All-day widening can reorder starts relative to the store's ordering.
	sort.Slice(spans, func(i, j int) bool { return spans[i].r.Start.Before(spans[j].r.Start) })

	uf := newUnionFind(len(events))
	active := make([]span, 0, 8)
	for _, cur := range spans {
		kept := active[:0]
		for _, a := range active {
			if a.r.End.After(cur.r.Start) {
				kept = append(kept, a)
			}
		}
		active = kept
		for _, a := range active {
			if events[a.idx].Source == events[cur.idx].Source {
				continue
			}
			if a.r.Intersects(cur.r) {
				uf.union(a.idx, cur.idx)
			}
		}
		active = append(active, cur)
	}

	groups := map[int][]models.UnifiedEvent{}
	for _, sp := range spans {
		root := uf.find(sp.idx)
		groups[root] = append(groups[root], events[sp.idx])
	}
	clusters := make([][]models.UnifiedEvent, 0, len(groups))
	for _, members := range groups {
		if len(members) >= 2 {
			clusters = append(clusters, members)
		}
	}
	return clusters
}

// participates reports whether an event can enter a conflict cluster.
func (d *Detector) participates(ev models.UnifiedEvent) bool {
	if ev.AllDay {
		return ev.Blocking || d.opts.AllDayBlocks
	}
	return ev.Blocking
}

// applyStatuses flags clustered events and resets cleared ones. Pending
// events outside any cluster are left for the orchestrator to promote once
// their cycle completes.
func (d *Detector) applyStatuses(ctx context.Context, events []models.UnifiedEvent, clusteredIDs map[string]bool) error {
	for _, ev := range events {
		switch {
		case clusteredIDs[ev.ID]:
			if ev.SyncStatus == models.StatusConflict {
				continue
			}
			if err := d.store.SetEventStatus(ctx, ev.ID, models.StatusConflict); err != nil {
				return fmt.Errorf("failed to flag event %s: %w", ev.ID, err)
			}
		case ev.SyncStatus == models.StatusConflict:
			if err := d.store.SetEventStatus(ctx, ev.ID, models.StatusSynced); err != nil {
				return fmt.Errorf("failed to clear event %s: %w", ev.ID, err)
			}
		}
	}
	return nil
}

// matchExisting returns the distinct conflicts sharing at least one event
// with the cluster.
func matchExisting(byEventID map[string][]models.Conflict, ids []string) []models.Conflict {
	seen := map[string]bool{}
	var out []models.Conflict
	for _, id := range ids {
		for _, c := range byEventID[id] {
			if seen[c.ID] {
				continue
			}
			seen[c.ID] = true
			out = append(out, c)
		}
	}
	return out
}

type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	return &unionFind{parent: parent}
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra != rb {
		u.parent[rb] = ra
	}
}
