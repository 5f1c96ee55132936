/**
 * @description
 * Cron scheduler for the idle review session sweep. Review surfaces that are
 * abandoned without an explicit close are closed here.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper periodically closes idle review sessions.
type Sweeper struct {
	cron     *cron.Cron
	service  *Service
	logger   *slog.Logger
	schedule string
	maxIdle  time.Duration
}

// NewSweeper creates a sweeper that runs on schedule (standard cron syntax or
// descriptors such as "@every 1m").
func NewSweeper(service *Service, logger *slog.Logger, schedule string, maxIdle time.Duration) *Sweeper {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Sweeper{
		cron:     c,
		service:  service,
		logger:   logger,
		schedule: schedule,
		maxIdle:  maxIdle,
	}
}

// Start registers the sweep job and starts the cron scheduler.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.sweep); err != nil {
		s.logger.Error("failed to schedule idle session sweep", "component", "sweeper", "schedule", s.schedule, "err", err)
		return err
	}
	s.logger.Info("scheduled idle session sweep", "component", "sweeper", "schedule", s.schedule, "max_idle", s.maxIdle.String())
	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *Sweeper) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Sweeper) sweep() {
	closed := s.service.SweepIdle(context.Background(), s.maxIdle)
	s.logger.Debug("idle session sweep finished", "component", "sweeper", "closed", closed, "open", s.service.OpenSessions())
}
