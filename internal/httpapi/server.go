package httpapi

import (
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"calsync/internal/models"
	"calsync/internal/scheduler"
	"calsync/internal/store"
	"calsync/internal/syncer"
)

// RunStatus exposes the scheduler state the status endpoint reports.
type RunStatus interface {
	Running() bool
	SkippedTicks() int64
}

// Options wires the HTTP server.
type Options struct {
	Store  store.Store
	Logger *slog.Logger
	// Trigger starts a sync run under the scheduler's run lock.
	Trigger func(c *fiber.Ctx, scope syncer.Scope) (models.SyncRun, error)
	Status  RunStatus
	// Window supplies the default query window when from/to are omitted.
	Window func() models.TimeRange
}

// New builds the fiber application with all routes registered.
func New(opts Options) *fiber.App {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &server{opts: opts, logger: logger}

	app := fiber.New(fiber.Config{
		AppName:               "calsync",
		DisableStartupMessage: true,
	})

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api")
	api.Post("/sync", s.triggerSync)
	api.Get("/owners/:ownerID/events", s.listEvents)
	api.Get("/owners/:ownerID/conflicts", s.listConflicts)
	api.Post("/conflicts/:id/resolve", s.resolveConflict)
	api.Get("/runs", s.listRuns)
	api.Get("/status", s.status)

	return app
}

type server struct {
	opts   Options
	logger *slog.Logger
}

type syncRequest struct {
	Sources []string `json:"sources"`
	OwnerID string   `json:"owner_id"`
}

func (s *server) triggerSync(c *fiber.Ctx) error {
	var req syncRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
		}
	}

	scope := syncer.Scope{OwnerID: req.OwnerID}
	for _, raw := range req.Sources {
		src := models.Source(raw)
		if !src.IsValid() {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown source: " + raw})
		}
		scope.Sources = append(scope.Sources, src)
	}

	run, err := s.opts.Trigger(c, scope)
	if err != nil {
		if errors.Is(err, scheduler.ErrSyncInProgress) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
		}
		s.logger.Error("manual sync failed", "error", err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"success": true, "run": run})
}

func (s *server) listEvents(c *fiber.Ctx) error {
	ownerID := c.Params("ownerID")
	window, err := s.queryWindow(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	events, err := s.opts.Store.ListEventsByOwner(c.Context(), ownerID, window)
	if err != nil {
		if errors.Is(err, store.ErrInvalidInput) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "owner id is required"})
		}
		s.logger.Error("failed to list events", "owner", ownerID, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to list events"})
	}

	if raw := c.Query("status"); raw != "" {
		status := models.SyncStatus(raw)
		filtered := events[:0]
		for _, ev := range events {
			if ev.SyncStatus == status {
				filtered = append(filtered, ev)
			}
		}
		events = filtered
	}
	return c.JSON(fiber.Map{"success": true, "events": events, "count": len(events)})
}

func (s *server) listConflicts(c *fiber.Ctx) error {
	ownerID := c.Params("ownerID")
	status := models.ConflictStatus(c.Query("status"))
	if status != "" && status != models.ConflictOpen && status != models.ConflictResolved {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "status must be open or resolved"})
	}

	conflicts, err := s.opts.Store.ListConflicts(c.Context(), ownerID, status)
	if err != nil {
		if errors.Is(err, store.ErrInvalidInput) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "owner id is required"})
		}
		s.logger.Error("failed to list conflicts", "owner", ownerID, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to list conflicts"})
	}
	return c.JSON(fiber.Map{"success": true, "conflicts": conflicts, "count": len(conflicts)})
}

func (s *server) resolveConflict(c *fiber.Ctx) error {
	id := c.Params("id")
	conflict, err := s.opts.Store.ResolveConflict(c.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "conflict not found"})
		}
		s.logger.Error("failed to resolve conflict", "conflict", id, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to resolve conflict"})
	}
	return c.JSON(fiber.Map{"success": true, "conflict": conflict})
}

func (s *server) listRuns(c *fiber.Ctx) error {
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "limit must be a positive integer"})
		}
		limit = n
	}

	runs, err := s.opts.Store.ListRuns(c.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list runs", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to list runs"})
	}
	return c.JSON(fiber.Map{"success": true, "runs": runs, "count": len(runs)})
}

func (s *server) status(c *fiber.Ctx) error {
	resp := fiber.Map{
		"running":       s.opts.Status.Running(),
		"skipped_ticks": s.opts.Status.SkippedTicks(),
	}
	runs, err := s.opts.Store.ListRuns(c.Context(), 1)
	if err == nil && len(runs) > 0 {
		resp["last_run"] = runs[0]
	}
	return c.JSON(resp)
}

// queryWindow parses from/to query params, falling back to the configured
// default window.
func (s *server) queryWindow(c *fiber.Ctx) (models.TimeRange, error) {
	window := models.TimeRange{}
	if s.opts.Window != nil {
		window = s.opts.Window()
	}
	if raw := c.Query("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return models.TimeRange{}, errors.New("from must be RFC3339")
		}
		window.Start = t
	}
	if raw := c.Query("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return models.TimeRange{}, errors.New("to must be RFC3339")
		}
		window.End = t
	}
	if !window.IsZero() && !window.End.After(window.Start) {
		return models.TimeRange{}, errors.New("to must be after from")
	}
	return window, nil
}
