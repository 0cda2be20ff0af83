package icsfeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"calsync/internal/models"
	"calsync/internal/source"
)

// Adapter fetches one or more ICS subscription feeds and expands them into
// concrete events.
type Adapter struct {
	feeds   []Feed
	fetcher *fetcher
	logger  *slog.Logger
}

// NewAdapter creates an ICS adapter over the given feeds.
func NewAdapter(logger *slog.Logger, feeds []Feed, httpTimeout time.Duration) *Adapter {
	return &Adapter{
		feeds:   feeds,
		fetcher: newFetcher(httpTimeout),
		logger:  logger,
	}
}

func (a *Adapter) Source() models.Source {
	return models.SourceICS
}

// FetchEvents pulls every configured feed. A failing feed does not discard
// the others: their events are returned with a PartialError so the caller can
// still merge them.
func (a *Adapter) FetchEvents(ctx context.Context, window models.TimeRange) (source.FetchResult, error) {
	var result source.FetchResult
	var failures []error

	for _, feed := range a.feeds {
		body, fromCache, err := a.fetcher.fetch(ctx, feed)
		if err != nil {
			failures = append(failures, fmt.Errorf("feed %s: %w", feed.ID, err))
			a.logger.Error("ics fetch failed", "feed", feed.ID, "error", err)
			continue
		}
		parsed, skipped, err := parseFeed(feed, body)
		if err != nil {
			failures = append(failures, fmt.Errorf("feed %s: %w", feed.ID, err))
			a.logger.Error("ics parse failed", "feed", feed.ID, "error", err)
			continue
		}
		events, dropped := expandWindow(parsed, window)
		result.Events = append(result.Events, events...)
		result.Skipped += skipped + dropped
		a.logger.Debug("ics feed processed", "feed", feed.ID, "events", len(events), "skipped", skipped+dropped, "from_cache", fromCache)
	}

	if len(failures) > 0 {
		err := errors.Join(failures...)
		if len(failures) == len(a.feeds) {
			return result, err
		}
		return result, &source.PartialError{Err: err}
	}

	a.logger.Info("fetched ics events", "feeds", len(a.feeds), "count", len(result.Events), "skipped", result.Skipped)
	return result, nil
}
