package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule runs the retention sweep once a night.
const DefaultSweepSchedule = "0 3 * * *"

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Sweeper deletes terminal runs older than a retention age on a cron schedule.
type Sweeper struct {
	svc      *Service
	schedule cron.Schedule
	spec     string
	maxAge   time.Duration
	logger   *slog.Logger
	now      func() time.Time

	cron *cron.Cron
}

// NewSweeper validates the five-field cron expression or @descriptor and
// returns a Sweeper removing runs that finished more than maxAge ago.
func NewSweeper(svc *Service, schedule string, maxAge time.Duration) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	sched, err := cronParser.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", schedule, err)
	}
	if maxAge <= 0 {
		return nil, fmt.Errorf("retention max age must be positive, got %s", maxAge)
	}
	return &Sweeper{
		svc:      svc,
		schedule: sched,
		spec:     schedule,
		maxAge:   maxAge,
		logger:   svc.logger.With("component", "sweeper"),
		now:      time.Now,
	}, nil
}

// Next returns the next sweep time after t.
func (s *Sweeper) Next(t time.Time) time.Time {
	return s.schedule.Next(t)
}

// Sweep deletes every terminal run last updated before now minus the max
// age. It keeps going past individual failures and returns how many runs
// were deleted together with the joined failures.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.maxAge)
	runs, err := s.svc.repos.Runs.ListTerminal(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list terminal runs: %w", err)
	}

	var errs []error
	deleted := 0
	for _, r := range runs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := s.svc.DeleteRun(ctx, r.ID); err != nil {
			s.logger.Warn("failed to delete expired run", "run_id", r.ID, "error", err)
			errs = append(errs, fmt.Errorf("run %s: %w", r.ID, err))
			continue
		}
		deleted++
	}
	s.logger.Info("retention sweep finished", "cutoff", cutoff, "deleted", deleted, "failed", len(errs))
	return deleted, stderrors.Join(errs...)
}

// Start schedules Sweep until Stop is called or ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	s.cron = cron.New(cron.WithParser(cronParser))
	s.cron.Schedule(s.schedule, cron.FuncJob(func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Error("retention sweep failed", "error", err)
		}
	}))
	s.cron.Start()
	s.logger.Info("retention sweeper started", "schedule", s.spec, "max_age", s.maxAge)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}
