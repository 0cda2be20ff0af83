package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"calsync/internal/models"
)

const (
	postgresEventsTable    = "calsync_events"
	postgresConflictsTable = "calsync_conflicts"
	postgresRunsTable      = "calsync_runs"
	postgresOpTimeout      = 5 * time.Second
)

// PostgresStore is the durable Store implementation. Schema creation is lazy
// and happens once on first use.
type PostgresStore struct {
	dsn        string
	deleteMode DeleteMode
	openDB     func(driverName, dsn string) (*sql.DB, error)

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// NewPostgresStore creates a Store backed by the given postgres DSN.
func NewPostgresStore(dsn string, deleteMode DeleteMode) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if deleteMode == "" {
		deleteMode = DeleteHard
	}
	return &PostgresStore{
		dsn:        dsn,
		deleteMode: deleteMode,
		openDB:     sql.Open,
	}, nil
}

func (s *PostgresStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
		defer cancel()

		schema := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id TEXT PRIMARY KEY,
					source TEXT NOT NULL,
					source_id TEXT NOT NULL,
					owner_id TEXT NOT NULL,
					title TEXT NOT NULL DEFAULT '',
					description TEXT NOT NULL DEFAULT '',
					location TEXT NOT NULL DEFAULT '',
					start_time TIMESTAMPTZ NOT NULL,
					end_time TIMESTAMPTZ NOT NULL,
					attendees TEXT NOT NULL DEFAULT '[]',
					all_day BOOLEAN NOT NULL DEFAULT FALSE,
					blocking BOOLEAN NOT NULL DEFAULT TRUE,
					removed BOOLEAN NOT NULL DEFAULT FALSE,
					sync_status TEXT NOT NULL,
					last_synced_at TIMESTAMPTZ NOT NULL,
					UNIQUE (source, source_id)
				)`, postgresEventsTable),
			fmt.Sprintf(
				"CREATE INDEX IF NOT EXISTS %s_owner_time_idx ON %s (owner_id, start_time, end_time)",
				postgresEventsTable, postgresEventsTable),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id TEXT PRIMARY KEY,
					owner_id TEXT NOT NULL,
					event_ids TEXT NOT NULL,
					detected_at TIMESTAMPTZ NOT NULL,
					status TEXT NOT NULL,
					signature TEXT NOT NULL DEFAULT ''
				)`, postgresConflictsTable),
			fmt.Sprintf(
				"CREATE INDEX IF NOT EXISTS %s_owner_idx ON %s (owner_id, status)",
				postgresConflictsTable, postgresConflictsTable),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id TEXT PRIMARY KEY,
					started_at TIMESTAMPTZ NOT NULL,
					finished_at TIMESTAMPTZ NOT NULL,
					status TEXT NOT NULL,
					per_source TEXT NOT NULL,
					owners_touched INTEGER NOT NULL DEFAULT 0,
					conflicts_found INTEGER NOT NULL DEFAULT 0
				)`, postgresRunsTable),
		}
		for _, stmt := range schema {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) UpsertEvent(ctx context.Context, event models.UnifiedEvent) (bool, error) {
	if err := event.Validate(); err != nil {
		return false, err
	}
	if err := s.ensureReady(); err != nil {
		return false, err
	}
	event.ID = models.EventID(event.Source, event.SourceID)
	event.LastSyncedAt = time.Now().UTC()
	if event.Attendees == nil {
		// Attendees serialize as a list, never null.
		event.Attendees = []models.Attendee{}
	}
	attendees, err := json.Marshal(event.Attendees)
	if err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(ctx, postgresOpTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	selectQuery := fmt.Sprintf(`
		SELECT id, owner_id, title, description, location, start_time, end_time,
		       attendees, all_day, blocking, removed
		FROM %s WHERE source = $1 AND source_id = $2 FOR UPDATE`, postgresEventsTable)
	var existing models.UnifiedEvent
	var existingAttendees string
	row := tx.QueryRowContext(ctx, selectQuery, event.Source, event.SourceID)
	err = row.Scan(&existing.ID, &existing.OwnerID, &existing.Title, &existing.Description,
		&existing.Location, &existing.StartTime, &existing.EndTime, &existingAttendees,
		&existing.AllDay, &existing.Blocking, &existing.Removed)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		insertQuery := fmt.Sprintf(`
			INSERT INTO %s (id, source, source_id, owner_id, title, description, location,
			                start_time, end_time, attendees, all_day, blocking, removed,
			                sync_status, last_synced_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`, postgresEventsTable)
		if _, err := tx.ExecContext(ctx, insertQuery,
			event.ID, event.Source, event.SourceID, event.OwnerID, event.Title,
			event.Description, event.Location, event.StartTime.UTC(), event.EndTime.UTC(),
			string(attendees), event.AllDay, event.Blocking, event.Removed,
			string(event.SyncStatus), event.LastSyncedAt); err != nil {
			return false, err
		}
		if err := tx.Commit(); err != nil {
			return false, err
		}
		committed = true
		return true, nil
	case err != nil:
		return false, err
	}
	_ = json.Unmarshal([]byte(existingAttendees), &existing.Attendees)

	if eventContentEqual(existing, event) {
		touchQuery := fmt.Sprintf("UPDATE %s SET last_synced_at = $1 WHERE id = $2", postgresEventsTable)
		if _, err := tx.ExecContext(ctx, touchQuery, event.LastSyncedAt, existing.ID); err != nil {
			return false, err
		}
		if err := tx.Commit(); err != nil {
			return false, err
		}
		committed = true
		return false, nil
	}

	updateQuery := fmt.Sprintf(`
		UPDATE %s SET owner_id = $1, title = $2, description = $3, location = $4,
		              start_time = $5, end_time = $6, attendees = $7, all_day = $8,
		              blocking = $9, removed = $10, sync_status = $11, last_synced_at = $12
		WHERE id = $13`, postgresEventsTable)
	if _, err := tx.ExecContext(ctx, updateQuery,
		event.OwnerID, event.Title, event.Description, event.Location,
		event.StartTime.UTC(), event.EndTime.UTC(), string(attendees), event.AllDay,
		event.Blocking, event.Removed, string(event.SyncStatus), event.LastSyncedAt,
		existing.ID); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	committed = true
	return true, nil
}

func (s *PostgresStore) DeleteEvent(ctx context.Context, source models.Source, sourceID string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOpTimeout)
	defer cancel()

	var query string
	if s.deleteMode == DeleteTombstone {
		query = fmt.Sprintf("UPDATE %s SET removed = TRUE, last_synced_at = NOW() WHERE source = $1 AND source_id = $2", postgresEventsTable)
	} else {
		query = fmt.Sprintf("DELETE FROM %s WHERE source = $1 AND source_id = $2", postgresEventsTable)
	}
	_, err := s.db.ExecContext(ctx, query, source, sourceID)
	return err
}

func (s *PostgresStore) GetEvent(ctx context.Context, id string) (models.UnifiedEvent, error) {
	if err := s.ensureReady(); err != nil {
		return models.UnifiedEvent{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOpTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, source, source_id, owner_id, title, description, location,
		       start_time, end_time, attendees, all_day, blocking, removed,
		       sync_status, last_synced_at
		FROM %s WHERE id = $1`, postgresEventsTable)
	ev, err := scanEvent(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.UnifiedEvent{}, ErrNotFound
	}
	return ev, err
}

func (s *PostgresStore) ListEventsByOwner(ctx context.Context, ownerID string, window models.TimeRange) ([]models.UnifiedEvent, error) {
	if ownerID == "" {
		return nil, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOpTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, source, source_id, owner_id, title, description, location,
		       start_time, end_time, attendees, all_day, blocking, removed,
		       sync_status, last_synced_at
		FROM %s
		WHERE owner_id = $1 AND NOT removed AND %s
		ORDER BY start_time ASC, source ASC, source_id ASC`,
		postgresEventsTable, windowPredicate(window, 2))
	args := []any{ownerID}
	if !window.IsZero() {
		args = append(args, window.Start.UTC(), window.End.UTC())
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.UnifiedEvent, 0)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetEventStatus(ctx context.Context, id string, status models.SyncStatus) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOpTimeout)
	defer cancel()

	query := fmt.Sprintf("UPDATE %s SET sync_status = $1 WHERE id = $2", postgresEventsTable)
	res, err := s.db.ExecContext(ctx, query, string(status), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) PromotePending(ctx context.Context, ownerID string, window models.TimeRange) (int, error) {
	if ownerID == "" {
		return 0, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOpTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET sync_status = $1
		WHERE owner_id = $2 AND NOT removed AND sync_status = $3 AND %s`,
		postgresEventsTable, windowPredicate(window, 4))
	args := []any{string(models.StatusSynced), ownerID, string(models.StatusPending)}
	if !window.IsZero() {
		args = append(args, window.Start.UTC(), window.End.UTC())
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) UpsertConflict(ctx context.Context, conflict models.Conflict) error {
	if conflict.ID == "" || conflict.OwnerID == "" || len(conflict.EventIDs) < 2 {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	eventIDs, err := json.Marshal(conflict.EventIDs)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, postgresOpTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (id, owner_id, event_ids, detected_at, status, signature)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id)
		DO UPDATE SET event_ids = EXCLUDED.event_ids, detected_at = EXCLUDED.detected_at,
		              status = EXCLUDED.status, signature = EXCLUDED.signature`, postgresConflictsTable)
	_, err = s.db.ExecContext(ctx, query,
		conflict.ID, conflict.OwnerID, string(eventIDs), conflict.DetectedAt.UTC(),
		string(conflict.Status), conflict.Signature)
	return err
}

func (s *PostgresStore) GetConflict(ctx context.Context, id string) (models.Conflict, error) {
	if err := s.ensureReady(); err != nil {
		return models.Conflict{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOpTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT id, owner_id, event_ids, detected_at, status, signature FROM %s WHERE id = $1",
		postgresConflictsTable)
	c, err := scanConflict(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conflict{}, ErrNotFound
	}
	return c, err
}

func (s *PostgresStore) ListConflicts(ctx context.Context, ownerID string, status models.ConflictStatus) ([]models.Conflict, error) {
	if ownerID == "" {
		return nil, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOpTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT id, owner_id, event_ids, detected_at, status, signature FROM %s WHERE owner_id = $1",
		postgresConflictsTable)
	args := []any{ownerID}
	if status != "" {
		query += " AND status = $2"
		args = append(args, string(status))
	}
	query += " ORDER BY detected_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.Conflict, 0)
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ResolveConflict(ctx context.Context, id string) (models.Conflict, error) {
	if err := s.ensureReady(); err != nil {
		return models.Conflict{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOpTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET status = $1 WHERE id = $2
		RETURNING id, owner_id, event_ids, detected_at, status, signature`, postgresConflictsTable)
	c, err := scanConflict(s.db.QueryRowContext(ctx, query, string(models.ConflictResolved), id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conflict{}, ErrNotFound
	}
	return c, err
}

func (s *PostgresStore) DeleteConflict(ctx context.Context, id string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOpTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", postgresConflictsTable)
	_, err := s.db.ExecContext(ctx, query, id)
	return err
}

func (s *PostgresStore) RecordRun(ctx context.Context, run models.SyncRun) error {
	if run.ID == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	perSource, err := json.Marshal(run.PerSource)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, postgresOpTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (id, started_at, finished_at, status, per_source, owners_touched, conflicts_found)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`, postgresRunsTable)
	_, err = s.db.ExecContext(ctx, query,
		run.ID, run.StartedAt.UTC(), run.FinishedAt.UTC(), string(run.Status),
		string(perSource), run.OwnersTouched, run.ConflictsFound)
	return err
}

func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]models.SyncRun, error) {
	if limit <= 0 {
		limit = 50
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOpTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, started_at, finished_at, status, per_source, owners_touched, conflicts_found
		FROM %s ORDER BY started_at DESC LIMIT $1`, postgresRunsTable)
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.SyncRun, 0)
	for rows.Next() {
		var run models.SyncRun
		var status, perSource string
		if err := rows.Scan(&run.ID, &run.StartedAt, &run.FinishedAt, &status,
			&perSource, &run.OwnersTouched, &run.ConflictsFound); err != nil {
			return nil, err
		}
		run.Status = models.RunStatus(status)
		if err := json.Unmarshal([]byte(perSource), &run.PerSource); err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (models.UnifiedEvent, error) {
	var ev models.UnifiedEvent
	var source, status, attendees string
	err := row.Scan(&ev.ID, &source, &ev.SourceID, &ev.OwnerID, &ev.Title,
		&ev.Description, &ev.Location, &ev.StartTime, &ev.EndTime, &attendees,
		&ev.AllDay, &ev.Blocking, &ev.Removed, &status, &ev.LastSyncedAt)
	if err != nil {
		return models.UnifiedEvent{}, err
	}
	ev.Source = models.Source(source)
	ev.SyncStatus = models.SyncStatus(status)
	ev.StartTime = ev.StartTime.UTC()
	ev.EndTime = ev.EndTime.UTC()
	if err := json.Unmarshal([]byte(attendees), &ev.Attendees); err != nil {
		return models.UnifiedEvent{}, err
	}
	if ev.Attendees == nil {
		ev.Attendees = []models.Attendee{}
	}
	return ev, nil
}

func scanConflict(row rowScanner) (models.Conflict, error) {
	var c models.Conflict
	var status, eventIDs string
	err := row.Scan(&c.ID, &c.OwnerID, &eventIDs, &c.DetectedAt, &status, &c.Signature)
	if err != nil {
		return models.Conflict{}, err
	}
	c.Status = models.ConflictStatus(status)
	if err := json.Unmarshal([]byte(eventIDs), &c.EventIDs); err != nil {
		return models.Conflict{}, err
	}
	return c, nil
}

// windowPredicate builds the SQL overlap test for a half-open window using
// positional parameters $n (start) and $n+1 (end). A zero window matches
// everything. The branches mirror intersectsWindow so both backends apply
// the same contract: zero-length events count when their instant falls
// inside, and all-day events are additionally compared on their widened
// UTC day boundaries.
func windowPredicate(window models.TimeRange, n int) string {
	if window.IsZero() {
		return "TRUE"
	}
	const (
		dayStart = "date_trunc('day', start_time AT TIME ZONE 'UTC') AT TIME ZONE 'UTC'"
		dayEnd   = "GREATEST(date_trunc('day', end_time AT TIME ZONE 'UTC') AT TIME ZONE 'UTC', " +
			"date_trunc('day', start_time AT TIME ZONE 'UTC') AT TIME ZONE 'UTC' + interval '1 day')"
	)
	return fmt.Sprintf(
		`((start_time = end_time AND start_time >= $%[1]d AND start_time < $%[2]d)
		OR (start_time <> end_time AND start_time < $%[2]d AND end_time > $%[1]d)
		OR (start_time <> end_time AND all_day AND %[3]s < $%[2]d AND %[4]s > $%[1]d))`,
		n, n+1, dayStart, dayEnd)
}
