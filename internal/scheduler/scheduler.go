package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/robfig/cron/v3"

	"calsync/internal/models"
)

// ErrSyncInProgress is returned when a run is requested while another run
// holds the lock.
var ErrSyncInProgress = errors.New("a sync run is already in progress")

// RunFunc executes one sync cycle.
type RunFunc func(ctx context.Context) (models.SyncRun, error)

// Scheduler fires sync cycles on a cron spec. At most one run executes at a
// time: ticks that land while a run is in flight are skipped, not queued.
type Scheduler struct {
	cron    *cron.Cron
	run     RunFunc
	logger  *slog.Logger
	running atomic.Bool
	skipped atomic.Int64
}

// New creates a Scheduler. The spec uses the standard five-field cron format.
func New(spec string, run RunFunc, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		cron:   cron.New(),
		run:    run,
		logger: logger,
	}
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return nil, fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	return s, nil
}

// Start begins firing ticks. It returns immediately.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops firing new ticks and waits for an in-flight cron run to finish.
// A run started via TriggerNow is the caller's to wait on.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// TriggerNow runs the scheduled cycle immediately on the caller's goroutine.
// It returns ErrSyncInProgress when another run holds the lock.
func (s *Scheduler) TriggerNow(ctx context.Context) (models.SyncRun, error) {
	return s.Trigger(ctx, s.run)
}

// Trigger runs an arbitrary cycle under the scheduler's run lock, so manual
// and scheduled runs never overlap.
func (s *Scheduler) Trigger(ctx context.Context, run RunFunc) (models.SyncRun, error) {
	if !s.running.CompareAndSwap(false, true) {
		return models.SyncRun{}, ErrSyncInProgress
	}
	defer s.running.Store(false)
	return run(ctx)
}

// Running reports whether a run currently holds the lock.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// SkippedTicks counts cron ticks dropped because a run was in flight.
func (s *Scheduler) SkippedTicks() int64 {
	return s.skipped.Load()
}

func (s *Scheduler) tick() {
	if !s.running.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		s.logger.Warn("skipping scheduled sync, previous run still in flight", "skipped_total", s.skipped.Load())
		return
	}
	defer s.running.Store(false)

	if _, err := s.run(context.Background()); err != nil {
		s.logger.Error("scheduled sync failed", "error", err)
	}
}
