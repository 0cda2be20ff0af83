package models

import "time"

// RunStatus summarizes a whole sync cycle.
type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunPartial RunStatus = "partial"
	RunFailed  RunStatus = "failed"
)

// SourceStatus is the per-source outcome inside one cycle.
type SourceStatus string

const (
	SourceSuccess SourceStatus = "success"
	SourcePartial SourceStatus = "partial"
	SourceFailed  SourceStatus = "failed"
)

// SourceResult carries counts and the terminal error (if any) for one source
// in one sync cycle.
type SourceResult struct {
	Status              SourceStatus `json:"status"`
	EventsFetched       int          `json:"eventsFetched"`
	EventsUpserted      int          `json:"eventsUpserted"`
	EventsRemoved       int          `json:"eventsRemoved"`
	NormalizationErrors int          `json:"normalizationErrors,omitempty"`
	Error               string       `json:"error,omitempty"`
}

// SyncRun is the append-only record of one fetch-merge-detect cycle.
type SyncRun struct {
	ID             string                  `json:"id"`
	StartedAt      time.Time               `json:"startedAt"`
	FinishedAt     time.Time               `json:"finishedAt"`
	Status         RunStatus               `json:"status"`
	PerSource      map[Source]SourceResult `json:"perSourceResult"`
	OwnersTouched  int                     `json:"ownersTouched"`
	ConflictsFound int                     `json:"conflictsFound"`
}

// ComputeStatus derives the run status from the per-source results: success
// when every source succeeded, failed when every source failed, partial
// otherwise. A run with no sources is a failure.
func (r SyncRun) ComputeStatus() RunStatus {
	if len(r.PerSource) == 0 {
		return RunFailed
	}
	failed, succeeded := 0, 0
	for _, res := range r.PerSource {
		switch res.Status {
		case SourceFailed:
			failed++
		case SourceSuccess:
			succeeded++
		}
	}
	switch {
	case failed == len(r.PerSource):
		return RunFailed
	case succeeded == len(r.PerSource):
		return RunSuccess
	default:
		return RunPartial
	}
}
