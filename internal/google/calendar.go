package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"calsync/internal/models"
	"calsync/internal/source"
)

const (
	credentialsFile = "credentials.json"
)

// CalendarAdapter fetches events from one or more Google calendars and
// normalizes them for the store.
type CalendarAdapter struct {
	service     *calendar.Service
	logger      *slog.Logger
	ownerID     string
	calendarIDs []string
}

// NewAdapter creates a Google Calendar adapter. It loads the OAuth token for
// accountName from token-<accountName>.json; run the 'auth' command first to
// create it.
func NewAdapter(ctx context.Context, logger *slog.Logger, clientID, clientSecret, accountName, ownerID string, calendarIDs []string) (*CalendarAdapter, error) {
	config, err := getOAuthConfig(clientID, clientSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to get OAuth config: %w", err)
	}

	tokenFile := fmt.Sprintf("token-%s.json", accountName)
	token, err := tokenFromFile(tokenFile)
	if err != nil {
		return nil, fmt.Errorf("could not load token for account %s: %w. Please run the 'auth' command first", accountName, err)
	}

	client := config.Client(ctx, token)
	service, err := calendar.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}

	if len(calendarIDs) == 0 {
		calendarIDs = []string{"primary"}
	}
	return &CalendarAdapter{
		service:     service,
		logger:      logger,
		ownerID:     ownerID,
		calendarIDs: calendarIDs,
	}, nil
}

func (a *CalendarAdapter) Source() models.Source {
	return models.SourceGoogle
}

// FetchEvents pulls every event intersecting the window from all configured
// calendars. Cancelled events are returned with Removed set so the caller can
// drop them from the store.
func (a *CalendarAdapter) FetchEvents(ctx context.Context, window models.TimeRange) (source.FetchResult, error) {
	var result source.FetchResult
	for _, calendarID := range a.calendarIDs {
		a.logger.Debug("fetching google events", "calendarID", calendarID, "from", window.Start, "to", window.End)

		call := a.service.Events.List(calendarID).
			ShowDeleted(true).
			SingleEvents(true).
			TimeMin(window.Start.UTC().Format(time.RFC3339)).
			TimeMax(window.End.UTC().Format(time.RFC3339)).
			OrderBy("startTime")

		err := call.Pages(ctx, func(page *calendar.Events) error {
			for _, item := range page.Items {
				ev, ok := a.normalize(item, calendarID)
				if !ok {
					result.Skipped++
					continue
				}
				result.Events = append(result.Events, ev)
			}
			return nil
		})
		if err != nil {
			err = fmt.Errorf("failed to retrieve events from %s: %w", calendarID, classifyError(err))
			if len(result.Events) > 0 {
				// Pages already decoded (from this calendar or earlier ones)
				// stay usable.
				return result, &source.PartialError{Err: err}
			}
			return result, err
		}
	}

	a.logger.Info("fetched google events", "count", len(result.Events), "skipped", result.Skipped)
	return result, nil
}

// normalize converts one Google Calendar item into a UnifiedEvent. It returns
// false when the item lacks the fields needed to place it on a timeline.
func (a *CalendarAdapter) normalize(item *calendar.Event, calendarID string) (models.UnifiedEvent, bool) {
	ev := models.UnifiedEvent{
		Source:      models.SourceGoogle,
		SourceID:    fmt.Sprintf("%s/%s", calendarID, item.Id),
		OwnerID:     a.ownerID,
		Title:       item.Summary,
		Description: item.Description,
		Location:    item.Location,
		Blocking:    item.Transparency != "transparent",
		Removed:     item.Status == "cancelled",
		SyncStatus:  models.StatusPending,
	}

	// Cancelled items in an incremental feed often carry no times; the
	// (source, sourceId) key is enough to delete them.
	if ev.Removed && (item.Start == nil || item.End == nil) {
		return ev, true
	}
	if item.Start == nil || item.End == nil {
		return models.UnifiedEvent{}, false
	}

	var err error
	switch {
	case item.Start.Date != "":
		ev.AllDay = true
		ev.StartTime, err = time.Parse("2006-01-02", item.Start.Date)
		if err != nil {
			return models.UnifiedEvent{}, false
		}
		ev.EndTime, err = time.Parse("2006-01-02", item.End.Date)
		if err != nil {
			return models.UnifiedEvent{}, false
		}
	case item.Start.DateTime != "":
		ev.StartTime, err = time.Parse(time.RFC3339, item.Start.DateTime)
		if err != nil {
			return models.UnifiedEvent{}, false
		}
		ev.EndTime, err = time.Parse(time.RFC3339, item.End.DateTime)
		if err != nil {
			return models.UnifiedEvent{}, false
		}
	default:
		return models.UnifiedEvent{}, false
	}
	if ev.EndTime.Before(ev.StartTime) {
		return models.UnifiedEvent{}, false
	}

	for _, att := range item.Attendees {
		ev.Attendees = append(ev.Attendees, models.Attendee{
			Email:       att.Email,
			DisplayName: att.DisplayName,
		})
	}
	return ev, true
}

// classifyError maps Google API failures onto the shared fetch sentinels.
func classifyError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 401 || apiErr.Code == 403:
			return fmt.Errorf("%w: %v", source.ErrAuth, err)
		case apiErr.Code == 429 || apiErr.Code >= 500:
			return fmt.Errorf("%w: %v", source.ErrUnavailable, err)
		}
	}
	return err
}

// DiscoverCalendars lists the calendar IDs visible to the authenticated
// account, for populating the sources config.
func (a *CalendarAdapter) DiscoverCalendars() ([]string, error) {
	list, err := a.service.CalendarList.List().Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list calendars: %w", classifyError(err))
	}

	var calendarIDs []string
	for _, item := range list.Items {
		calendarIDs = append(calendarIDs, item.Id)
	}
	return calendarIDs, nil
}

// GetOAuthConfigForAuthFlow is used by the auth command to get the config for the web flow.
func GetOAuthConfigForAuthFlow(clientID, clientSecret string) (*oauth2.Config, error) {
	return getOAuthConfig(clientID, clientSecret)
}

// getOAuthConfig reads credentials and returns an OAuth2 config.
// It prioritizes environment variables over a local credentials.json file.
func getOAuthConfig(clientID, clientSecret string) (*oauth2.Config, error) {
	if clientID != "" && clientSecret != "" {
		return &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  "urn:ietf:wg:oauth:2.0:oob",
			Scopes:       []string{calendar.CalendarReadonlyScope},
			Endpoint:     google.Endpoint,
		}, nil
	}

	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		if _, ok := err.(*fs.PathError); ok {
			return nil, fmt.Errorf("credentials.json not found. Please provide GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET env vars or place credentials.json in the root directory")
		}
		return nil, fmt.Errorf("unable to read client secret file: %w", err)
	}

	config, err := google.ConfigFromJSON(b, calendar.CalendarReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse client secret file to config: %w", err)
	}
	config.RedirectURL = "urn:ietf:wg:oauth:2.0:oob" // For desktop app flow
	return config, nil
}

// TokenFromWeb is called by the auth flow to retrieve a token.
func TokenFromWeb(config *oauth2.Config, authCode string) (*oauth2.Token, error) {
	return config.Exchange(context.Background(), authCode)
}

// SaveToken saves a token to a file path.
func SaveToken(path string, token *oauth2.Token) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("unable to create token file: %w", err)
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(token)
}

// tokenFromFile retrieves a token from a local file.
func tokenFromFile(file string) (*oauth2.Token, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	err = json.NewDecoder(f).Decode(tok)
	return tok, err
}

// GetTokenAccounts lists the accounts that already completed the auth flow.
func GetTokenAccounts() ([]string, error) {
	files, err := os.ReadDir(".")
	if err != nil {
		return nil, err
	}

	var accounts []string
	for _, file := range files {
		if strings.HasPrefix(file.Name(), "token-") && strings.HasSuffix(file.Name(), ".json") {
			accountName := strings.TrimSuffix(strings.TrimPrefix(file.Name(), "token-"), ".json")
			accounts = append(accounts, accountName)
		}
	}
	return accounts, nil
}
