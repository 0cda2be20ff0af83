package caldav

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"

	"calsync/internal/models"
	"calsync/internal/source"
)

// customTransport handles adding Basic Auth and custom headers to requests.
type customTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper
}

// RoundTrip adds required headers and authentication to each request.
func (t *customTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(t.Username, t.Password)
	req.Header.Set("User-Agent", "calsync/1.0")
	return t.Transport.RoundTrip(req)
}

// Adapter fetches events from one calendar on a CalDAV server.
type Adapter struct {
	client       *caldav.Client
	logger       *slog.Logger
	ownerID      string
	calendarPath string
}

// NewAdapter connects to a CalDAV endpoint and locates the named calendar.
// An empty calendarName selects the first calendar in the user's home set.
func NewAdapter(ctx context.Context, logger *slog.Logger, endpoint, username, password, calendarName, ownerID string) (*Adapter, error) {
	transport := &customTransport{
		Username:  username,
		Password:  password,
		Transport: http.DefaultTransport,
	}
	httpClient := &http.Client{Transport: transport}

	client, err := caldav.NewClient(httpClient, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create caldav client: %w", err)
	}

	a := &Adapter{client: client, logger: logger, ownerID: ownerID}

	logger.Info("finding caldav calendar", "endpoint", endpoint, "calendar", calendarName)
	calendarPath, err := a.findCalendar(ctx, calendarName)
	if err != nil {
		return nil, fmt.Errorf("could not find calendar %q: %w", calendarName, err)
	}
	a.calendarPath = calendarPath
	logger.Info("found caldav calendar", "path", calendarPath)

	return a, nil
}

func (a *Adapter) Source() models.Source {
	return models.SourceCalDAV
}

// FetchEvents queries the server for VEVENTs intersecting the window and
// normalizes them.
func (a *Adapter) FetchEvents(ctx context.Context, window models.TimeRange) (source.FetchResult, error) {
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     ical.CompCalendar,
			AllProps: true,
			AllComps: true,
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: window.Start.UTC(),
				End:   window.End.UTC(),
			}},
		},
	}

	objects, err := a.client.QueryCalendar(ctx, a.calendarPath, query)
	if err != nil {
		return source.FetchResult{}, fmt.Errorf("calendar query failed: %w", classifyError(err))
	}

	var result source.FetchResult
	for _, obj := range objects {
		if obj.Data == nil {
			result.Skipped++
			continue
		}
		for _, ve := range obj.Data.Events() {
			ev, ok := decodeEvent(a.ownerID, ve)
			if !ok {
				result.Skipped++
				continue
			}
			result.Events = append(result.Events, ev)
		}
	}

	a.logger.Info("fetched caldav events", "count", len(result.Events), "skipped", result.Skipped)
	return result, nil
}

// decodeEvent converts a VEVENT into a UnifiedEvent. It returns false when
// the component lacks a UID or a usable start time.
func decodeEvent(ownerID string, ve ical.Event) (models.UnifiedEvent, bool) {
	uid, err := ve.Props.Text(ical.PropUID)
	if err != nil || uid == "" {
		return models.UnifiedEvent{}, false
	}

	ev := models.UnifiedEvent{
		Source:     models.SourceCalDAV,
		SourceID:   uid,
		OwnerID:    ownerID,
		Blocking:   true,
		SyncStatus: models.StatusPending,
	}
	ev.Title, _ = ve.Props.Text(ical.PropSummary)
	ev.Description, _ = ve.Props.Text(ical.PropDescription)
	ev.Location, _ = ve.Props.Text(ical.PropLocation)

	if status, _ := ve.Props.Text(ical.PropStatus); strings.EqualFold(status, "CANCELLED") {
		ev.Removed = true
	}
	if transp, _ := ve.Props.Text(ical.PropTransparency); strings.EqualFold(transp, "TRANSPARENT") {
		ev.Blocking = false
	}

	startProp := ve.Props.Get(ical.PropDateTimeStart)
	if startProp == nil {
		// Cancelled tombstones may carry only a UID.
		return ev, ev.Removed
	}
	ev.AllDay = startProp.ValueType() == ical.ValueDate

	start, err := ve.DateTimeStart(time.UTC)
	if err != nil {
		return models.UnifiedEvent{}, false
	}
	end, err := ve.DateTimeEnd(time.UTC)
	if err != nil || end.IsZero() {
		if ev.AllDay {
			end = start.AddDate(0, 0, 1)
		} else {
			end = start
		}
	}
	if end.Before(start) {
		return models.UnifiedEvent{}, false
	}
	ev.StartTime = start.UTC()
	ev.EndTime = end.UTC()

	for _, p := range ve.Props.Values(ical.PropAttendee) {
		ev.Attendees = append(ev.Attendees, models.Attendee{
			Email:       strings.TrimPrefix(p.Value, "mailto:"),
			DisplayName: p.Params.Get(ical.ParamCommonName),
		})
	}
	return ev, true
}

// findCalendar discovers the user's calendars and returns the path for the
// one with the matching name.
func (a *Adapter) findCalendar(ctx context.Context, name string) (string, error) {
	principalPath, err := a.client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to find principal path: %w", classifyError(err))
	}

	homeSetPath, err := a.client.FindCalendarHomeSet(ctx, principalPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendar home set: %w", classifyError(err))
	}

	calendars, err := a.client.FindCalendars(ctx, homeSetPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendars: %w", classifyError(err))
	}
	if len(calendars) == 0 {
		return "", fmt.Errorf("no calendars in home set %s", homeSetPath)
	}

	if name == "" {
		return calendars[0].Path, nil
	}
	for _, cal := range calendars {
		if cal.Name == name {
			return cal.Path, nil
		}
	}
	return "", fmt.Errorf("no calendar found with name %q", name)
}

// classifyError maps WebDAV failures onto the shared fetch sentinels.
func classifyError(err error) error {
	var httpErr *webdav.HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.Code == http.StatusUnauthorized || httpErr.Code == http.StatusForbidden:
			return fmt.Errorf("%w: %v", source.ErrAuth, err)
		case httpErr.Code == http.StatusTooManyRequests || httpErr.Code >= 500:
			return fmt.Errorf("%w: %v", source.ErrUnavailable, err)
		}
	}
	return err
}
