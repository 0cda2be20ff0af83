package internalcal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"calsync/internal/models"
	"calsync/internal/source"
)

// Adapter reads bookings from the in-house booking service over its JSON API.
type Adapter struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// booking is the wire shape of one booking row.
type booking struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Location    string    `json:"location"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	AllDay      bool      `json:"all_day"`
	// Blocking is a pointer so an absent field is distinguishable from an
	// explicit false: bookings occupy their owner unless the service says
	// otherwise.
	Blocking  *bool `json:"blocking"`
	Cancelled bool  `json:"cancelled"`
	Attendees   []struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	} `json:"attendees"`
}

type bookingsPage struct {
	Bookings   []booking `json:"bookings"`
	NextCursor string    `json:"next_cursor"`
}

// NewAdapter creates a booking service adapter. The token is sent as a
// bearer credential on every request.
func NewAdapter(logger *slog.Logger, baseURL, token string, timeout time.Duration) *Adapter {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Adapter{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

func (a *Adapter) Source() models.Source {
	return models.SourceInternal
}

// FetchEvents walks the cursor-paginated bookings listing for the window.
// When a later page fails, the bookings already fetched are returned with a
// PartialError so they can still be merged.
func (a *Adapter) FetchEvents(ctx context.Context, window models.TimeRange) (source.FetchResult, error) {
	var result source.FetchResult
	cursor := ""
	pages := 0

	for {
		page, err := a.fetchPage(ctx, window, cursor)
		if err != nil {
			if pages > 0 {
				return result, &source.PartialError{Err: err}
			}
			return result, err
		}
		pages++

		for _, b := range page.Bookings {
			ev, ok := a.normalize(b)
			if !ok {
				result.Skipped++
				continue
			}
			result.Events = append(result.Events, ev)
		}

		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	a.logger.Info("fetched bookings", "count", len(result.Events), "skipped", result.Skipped, "pages", pages)
	return result, nil
}

func (a *Adapter) fetchPage(ctx context.Context, window models.TimeRange, cursor string) (bookingsPage, error) {
	q := url.Values{}
	q.Set("from", window.Start.UTC().Format(time.RFC3339))
	q.Set("to", window.End.UTC().Format(time.RFC3339))
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/api/bookings?"+q.Encode(), nil)
	if err != nil {
		return bookingsPage{}, err
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return bookingsPage{}, fmt.Errorf("%w: %v", source.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return bookingsPage{}, fmt.Errorf("%w: %s", source.ErrAuth, resp.Status)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return bookingsPage{}, fmt.Errorf("%w: %s", source.ErrUnavailable, resp.Status)
	default:
		return bookingsPage{}, fmt.Errorf("bookings request failed: %s", resp.Status)
	}

	var page bookingsPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return bookingsPage{}, fmt.Errorf("failed to decode bookings page: %w", err)
	}
	return page, nil
}

// normalize converts one booking into a UnifiedEvent. Bookings without an id,
// owner, or a usable time range are dropped.
func (a *Adapter) normalize(b booking) (models.UnifiedEvent, bool) {
	if b.ID == "" || b.OwnerID == "" {
		return models.UnifiedEvent{}, false
	}
	ev := models.UnifiedEvent{
		Source:      models.SourceInternal,
		SourceID:    b.ID,
		OwnerID:     b.OwnerID,
		Title:       b.Title,
		Description: b.Description,
		Location:    b.Location,
		StartTime:   b.StartTime.UTC(),
		EndTime:     b.EndTime.UTC(),
		AllDay:      b.AllDay,
		Blocking:    b.Blocking == nil || *b.Blocking,
		Removed:     b.Cancelled,
		SyncStatus:  models.StatusPending,
	}
	if ev.Removed {
		return ev, true
	}
	if b.StartTime.IsZero() || b.EndTime.IsZero() || b.EndTime.Before(b.StartTime) {
		return models.UnifiedEvent{}, false
	}
	for _, att := range b.Attendees {
		ev.Attendees = append(ev.Attendees, models.Attendee{Email: att.Email, DisplayName: att.Name})
	}
	return ev, true
}
