package reconcile

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler runs the reconciliation sweep on a cron schedule.
type Scheduler struct {
	cron     *cron.Cron
	service  *Service
	schedule string
	logger   *slog.Logger
}

// NewScheduler builds the scheduler. schedule is a standard cron expression;
// overlapping runs are skipped rather than stacked.
func NewScheduler(service *Service, schedule string, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(
		cron.Recover(cronLogger),
		cron.SkipIfStillRunning(cronLogger),
	))
	return &Scheduler{cron: c, service: service, schedule: schedule, logger: logger}
}

// Start registers the sweep job and starts the scheduler.
func (s *Scheduler) Start() error {
	_, err := s.cron.AddFunc(s.schedule, func() {
		if _, err := s.service.ReconcileAll(context.Background()); err != nil {
			s.logger.Error("reconciliation sweep failed", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("reconciliation scheduled", slog.String("schedule", s.schedule))
	return nil
}

// Stop stops the scheduler and returns a context that closes once any
// running sweep finishes.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
