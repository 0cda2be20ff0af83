package icsfeed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"calsync/internal/source"
)

// Feed is one ICS subscription.
type Feed struct {
	ID      string
	URL     string
	OwnerID string
}

// cacheEntry holds the validators and body from the last successful fetch of
// one URL.
type cacheEntry struct {
	etag         string
	lastModified string
	body         []byte
}

// fetcher pulls ICS payloads with conditional requests so unchanged feeds
// cost a 304 instead of a full download.
type fetcher struct {
	client *http.Client

	mu    sync.Mutex
	cache map[string]cacheEntry
}

func newFetcher(timeout time.Duration) *fetcher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &fetcher{
		client: &http.Client{Timeout: timeout},
		cache:  map[string]cacheEntry{},
	}
}

// fetch returns the feed body, reporting whether it came from cache. On
// network or server failure it falls back to the cached body when one exists.
func (f *fetcher) fetch(ctx context.Context, feed Feed) ([]byte, bool, error) {
	if feed.URL == "" {
		return nil, false, errors.New("feed URL is empty")
	}

	f.mu.Lock()
	cached, hasCached := f.cache[feed.URL]
	f.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.URL, nil)
	if err != nil {
		return nil, false, err
	}
	if cached.etag != "" {
		req.Header.Set("If-None-Match", cached.etag)
	}
	if cached.lastModified != "" {
		req.Header.Set("If-Modified-Since", cached.lastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if hasCached {
			return cached.body, true, nil
		}
		return nil, false, fmt.Errorf("%w: %v", source.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, false, err
		}
		f.mu.Lock()
		f.cache[feed.URL] = cacheEntry{
			etag:         resp.Header.Get("ETag"),
			lastModified: resp.Header.Get("Last-Modified"),
			body:         body,
		}
		f.mu.Unlock()
		return body, false, nil

	case resp.StatusCode == http.StatusNotModified:
		if !hasCached {
			return nil, false, errors.New("received 304 Not Modified but no cached body available")
		}
		return cached.body, true, nil

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, false, fmt.Errorf("%w: %s", source.ErrAuth, resp.Status)

	default:
		if hasCached {
			return cached.body, true, nil
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, false, fmt.Errorf("%w: %s", source.ErrUnavailable, resp.Status)
		}
		return nil, false, errors.New(resp.Status)
	}
}
