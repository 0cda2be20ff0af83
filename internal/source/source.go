package source

import (
	"context"
	"errors"
	"fmt"

	"calsync/internal/models"
)

// Fetch failures the orchestrator treats differently from generic errors.
var (
	// ErrAuth means the source rejected our credentials. Retrying inside the
	// same run is pointless.
	ErrAuth = errors.New("source authentication failed")
	// ErrUnavailable means the source is temporarily down or throttling us.
	ErrUnavailable = errors.New("source unavailable")
)

// FetchResult carries one source's events for a window. Skipped counts
// provider items that could not be normalized and were dropped.
type FetchResult struct {
	Events  []models.UnifiedEvent
	Skipped int
}

// Adapter fetches events from one upstream calendar source and normalizes
// them. Implementations must return every event intersecting the window,
// including ones the provider marks cancelled (with Removed set), so the
// store can drop them.
type Adapter interface {
	Source() models.Source
	FetchEvents(ctx context.Context, window models.TimeRange) (FetchResult, error)
}

// PartialError signals that a fetch failed midway but the events returned
// alongside it are valid and should still be merged.
type PartialError struct {
	Err error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("partial fetch: %v", e.Err)
}

func (e *PartialError) Unwrap() error {
	return e.Err
}
