// Package scheduler decides when sync passes run: on a cron schedule, on a
// manual trigger, and it prunes old sync history once a day.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	appLog "github.com/macjediwizard/calmirror/internal/log"
	"github.com/macjediwizard/calmirror/internal/planner"
	"github.com/macjediwizard/calmirror/internal/syncer"
)

const (
	cleanupInterval  = 24 * time.Hour
	logRetentionDays = 30
)

// ErrInvalidSchedule is returned for a cron spec that does not parse.
var ErrInvalidSchedule = errors.New("invalid sync schedule")

// Runner runs one sync pass.
type Runner interface {
	Run(ctx context.Context, filter planner.Filter, trigger string) (*syncer.Report, error)
}

// LogCleaner removes sync history older than a cutoff.
type LogCleaner interface {
	CleanOldSyncLogs(olderThan time.Time) (int64, error)
}

// Scheduler triggers sync passes in the background.
type Scheduler struct {
	runner   Runner
	cleaner  LogCleaner
	schedule string
	timeout  time.Duration

	mu      sync.Mutex
	cron    *cron.Cron
	entry   cron.EntryID
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// New creates a scheduler. An empty schedule means passes only run when
// triggered manually. timeout bounds each pass; zero means no limit.
func New(runner Runner, cleaner LogCleaner, schedule string, timeout time.Duration) (*Scheduler, error) {
	if schedule != "" {
		if _, err := cron.ParseStandard(schedule); err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrInvalidSchedule, schedule, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		runner:   runner,
		cleaner:  cleaner,
		schedule: schedule,
		timeout:  timeout,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start registers the schedule and starts the cleanup routine.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	s.cron = cron.New()
	if s.schedule != "" {
		id, err := s.cron.AddFunc(s.schedule, func() { s.execute("schedule") })
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
		}
		s.entry = id
	}
	s.cron.Start()
	s.started = true

	s.wg.Add(1)
	go s.cleanupRoutine()

	appLog.Info("scheduler started", "schedule", s.schedule)
	return nil
}

// Stop cancels running passes and waits for background work to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	c := s.cron
	s.mu.Unlock()

	s.cancel()
	<-c.Stop().Done()
	s.wg.Wait()
	appLog.Info("scheduler stopped")
}

// TriggerSync starts a pass in the background.
func (s *Scheduler) TriggerSync(filter planner.Filter) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(filter, "manual")
	}()
}

// NextRun returns when the next scheduled pass starts, or the zero time if
// nothing is scheduled.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil || s.entry == 0 {
		return time.Time{}
	}
	return s.cron.Entry(s.entry).Next
}

func (s *Scheduler) execute(trigger string) {
	s.run(planner.Filter{}, trigger)
}

func (s *Scheduler) run(filter planner.Filter, trigger string) {
	ctx := s.ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	_, err := s.runner.Run(ctx, filter, trigger)
	switch {
	case errors.Is(err, syncer.ErrPassInProgress):
		appLog.Info("skipping sync, another pass is in progress", "trigger", trigger)
	case err != nil:
		appLog.Error("sync pass failed", err, "trigger", trigger)
	}
}

func (s *Scheduler) cleanupRoutine() {
	defer s.wg.Done()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.cleanupOldLogs()
		}
	}
}

// cleanupOldLogs deletes sync logs older than the retention period.
func (s *Scheduler) cleanupOldLogs() {
	if s.cleaner == nil {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -logRetentionDays)
	deleted, err := s.cleaner.CleanOldSyncLogs(cutoff)
	if err != nil {
		appLog.Error("failed to clean old sync logs", err)
		return
	}
	if deleted > 0 {
		appLog.Info("cleaned old sync logs", "count", deleted)
	}
}
