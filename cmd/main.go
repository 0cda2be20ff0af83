package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"

	"calsync/internal/caldav"
	"calsync/internal/config"
	"calsync/internal/google"
	"calsync/internal/httpapi"
	"calsync/internal/icsfeed"
	"calsync/internal/internalcal"
	"calsync/internal/models"
	"calsync/internal/scheduler"
	"calsync/internal/source"
	"calsync/internal/store"
	"calsync/internal/syncer"
)

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "calsync",
		Usage: "Unify calendar sources and surface scheduling conflicts.",
		Commands: []*cli.Command{
			authCommand(),
			syncCommand(),
			serveCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

func configFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Value:   "calsync.yaml",
		Usage:   "Path to the YAML configuration file.",
	}
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authenticate with a Google account to get an API token.",
		Action: func(c *cli.Context) error {
			logger := setupLogger("info")
			logger.Info("Starting Google authentication flow.")

			if accounts, err := google.GetTokenAccounts(); err == nil && len(accounts) > 0 {
				fmt.Printf("Already authenticated accounts: %s\n", strings.Join(accounts, ", "))
			}

			conf, err := google.GetOAuthConfigForAuthFlow(os.Getenv("GOOGLE_CLIENT_ID"), os.Getenv("GOOGLE_CLIENT_SECRET"))
			if err != nil {
				return fmt.Errorf("failed to get google oauth config: %w", err)
			}

			authURL := conf.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
			fmt.Printf("Go to the following link in your browser then type the "+
				"authorization code: \n%v\n", authURL)

			fmt.Print("Enter Authorization Code: ")
			reader := bufio.NewReader(os.Stdin)
			authCode, _ := reader.ReadString('\n')
			authCode = strings.TrimSpace(authCode)

			token, err := google.TokenFromWeb(conf, authCode)
			if err != nil {
				return fmt.Errorf("unable to retrieve token from web: %w", err)
			}

			fmt.Print("Enter a name for this account (e.g., 'personal', 'work'): ")
			accountName, _ := reader.ReadString('\n')
			accountName = strings.TrimSpace(accountName)
			tokenFile := "token-" + accountName + ".json"

			if err := google.SaveToken(tokenFile, token); err != nil {
				return fmt.Errorf("failed to save token: %w", err)
			}
			logger.Info("Successfully authenticated and saved token.", "file", tokenFile)

			// List the calendars the new token can see, for the sources config.
			adapter, err := google.NewAdapter(c.Context, logger,
				os.Getenv("GOOGLE_CLIENT_ID"), os.Getenv("GOOGLE_CLIENT_SECRET"), accountName, "", nil)
			if err != nil {
				return fmt.Errorf("failed to create google adapter: %w", err)
			}
			calendarIDs, err := adapter.DiscoverCalendars()
			if err != nil {
				logger.Warn("could not list calendars for the new account", "error", err)
				return nil
			}
			fmt.Println("Calendars visible to this account (for sources.google.calendar_ids):")
			for _, id := range calendarIDs {
				fmt.Printf("  - %s\n", id)
			}
			return nil
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Run one synchronization cycle and exit.",
		Flags: []cli.Flag{
			configFlag(),
			&cli.StringSliceFlag{Name: "source", Usage: "Limit the run to these sources (repeatable)."},
			&cli.StringFlag{Name: "owner", Usage: "Limit conflict detection to one owner."},
			&cli.BoolFlag{Name: "json", Usage: "Print the run report as JSON."},
		},
		Action: func(c *cli.Context) error {
			conf, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			logger := setupLogger(conf.LogLevel)

			st, err := buildStore(conf)
			if err != nil {
				return err
			}
			defer st.Close()

			s, err := buildSyncer(c.Context, logger, conf, st)
			if err != nil {
				return err
			}

			scope := syncer.Scope{OwnerID: c.String("owner")}
			for _, raw := range c.StringSlice("source") {
				scope.Sources = append(scope.Sources, models.Source(raw))
			}

			run, err := s.RunSync(c.Context, scope)
			if err != nil {
				return err
			}

			if c.Bool("json") {
				data, err := json.MarshalIndent(run, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
			} else {
				logger.Info("run complete", "run", run.ID, "status", run.Status, "owners", run.OwnersTouched, "conflicts", run.ConflictsFound)
				for src, res := range run.PerSource {
					logger.Info("source result", "source", src, "status", res.Status,
						"fetched", res.EventsFetched, "upserted", res.EventsUpserted,
						"removed", res.EventsRemoved, "skipped", res.NormalizationErrors)
				}
			}

			if run.Status == models.RunFailed {
				return fmt.Errorf("sync run %s failed", run.ID)
			}
			return nil
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the sync engine with its scheduler and HTTP API.",
		Flags: []cli.Flag{configFlag()},
		Action: func(c *cli.Context) error {
			conf, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			logger := setupLogger(conf.LogLevel)

			st, err := buildStore(conf)
			if err != nil {
				return err
			}
			defer st.Close()

			s, err := buildSyncer(c.Context, logger, conf, st)
			if err != nil {
				return err
			}

			sched, err := scheduler.New(conf.Sync.Cron, func(ctx context.Context) (models.SyncRun, error) {
				return s.RunSync(ctx, syncer.Scope{})
			}, logger)
			if err != nil {
				return err
			}

			app := httpapi.New(httpapi.Options{
				Store:  st,
				Logger: logger,
				Status: sched,
				Window: s.Window,
				Trigger: func(fc *fiber.Ctx, scope syncer.Scope) (models.SyncRun, error) {
					return sched.Trigger(fc.Context(), func(ctx context.Context) (models.SyncRun, error) {
						return s.RunSync(ctx, scope)
					})
				},
			})

			sched.Start()
			logger.Info("scheduler started", "cron", conf.Sync.Cron)

			errCh := make(chan error, 1)
			go func() {
				logger.Info("http api listening", "addr", conf.Listen)
				errCh <- app.Listen(conf.Listen)
			}()

			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			select {
			case <-ctx.Done():
				logger.Info("shutting down")
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("http server failed: %w", err)
				}
			}

			sched.Stop()
			if err := app.Shutdown(); err != nil {
				logger.Error("http shutdown failed", "error", err)
			}
			return nil
		},
	}
}

// buildStore creates the configured store backend.
func buildStore(conf *config.Config) (store.Store, error) {
	mode := store.DeleteMode(conf.Store.DeleteMode)
	if conf.Store.Driver == "postgres" {
		return store.NewPostgresStore(conf.Store.DSN, mode)
	}
	return store.NewMemoryStoreWithOptions(store.MemoryOptions{DeleteMode: mode}), nil
}

// buildSyncer wires the enabled source adapters into a Syncer.
func buildSyncer(ctx context.Context, logger *slog.Logger, conf *config.Config, st store.Store) (*syncer.Syncer, error) {
	var adapters []source.Adapter

	if conf.Sources.Internal.Enabled {
		adapters = append(adapters, internalcal.NewAdapter(
			logger, conf.Sources.Internal.BaseURL, os.Getenv("INTERNAL_API_TOKEN"), conf.SourceTimeout()))
	}
	if conf.Sources.Google.Enabled {
		g := conf.Sources.Google
		a, err := google.NewAdapter(ctx, logger,
			os.Getenv("GOOGLE_CLIENT_ID"), os.Getenv("GOOGLE_CLIENT_SECRET"),
			g.Account, g.OwnerID, g.CalendarIDs)
		if err != nil {
			return nil, fmt.Errorf("failed to create google adapter: %w", err)
		}
		adapters = append(adapters, a)
	}
	if conf.Sources.CalDAV.Enabled {
		cd := conf.Sources.CalDAV
		a, err := caldav.NewAdapter(ctx, logger,
			cd.Endpoint, cd.Username, os.Getenv("CALDAV_PASSWORD"), cd.Calendar, cd.OwnerID)
		if err != nil {
			return nil, fmt.Errorf("failed to create caldav adapter: %w", err)
		}
		adapters = append(adapters, a)
	}
	if conf.Sources.ICS.Enabled {
		feeds := make([]icsfeed.Feed, 0, len(conf.Sources.ICS.Feeds))
		for _, f := range conf.Sources.ICS.Feeds {
			feeds = append(feeds, icsfeed.Feed{ID: f.ID, URL: f.URL, OwnerID: f.OwnerID})
		}
		adapters = append(adapters, icsfeed.NewAdapter(logger, feeds, conf.SourceTimeout()))
	}

	return syncer.NewSyncer(syncer.Options{
		Adapters:         adapters,
		Store:            st,
		Logger:           logger,
		PerSourceTimeout: conf.SourceTimeout(),
		WindowPast:       time.Duration(conf.Sync.WindowPastDays) * 24 * time.Hour,
		WindowFuture:     time.Duration(conf.Sync.WindowFutureDays) * 24 * time.Hour,
		AllDayBlocks:     conf.Conflicts.AllDayBlocks,
	})
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}
