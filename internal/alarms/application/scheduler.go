package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"medication-reminder/internal/observability/logging"
)

// Scheduler triggers the poller on a fixed cadence and the retention sweeper once a day.
type Scheduler struct {
	cron    *cron.Cron
	poller  *Poller
	sweeper *Sweeper
	cfg     Config
	clock   Clock
	logger  logrus.FieldLogger
}

// NewScheduler constructs a Scheduler. Cron specs are interpreted in loc.
func NewScheduler(poller *Poller, sweeper *Sweeper, cfg Config, loc *time.Location, logger logrus.FieldLogger) (*Scheduler, error) {
	if poller == nil || sweeper == nil {
		return nil, errors.New("scheduler: nil job")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logger.WithField("component", "scheduler")
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cron.PrintfLogger(logger)),
		cron.WithChain(cron.Recover(cron.PrintfLogger(logger)), cron.SkipIfStillRunning(cron.PrintfLogger(logger))),
	)
	return &Scheduler{cron: c, poller: poller, sweeper: sweeper, cfg: cfg, clock: systemClock{}, logger: logger}, nil
}

// Start registers the jobs and blocks until ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	if s == nil {
		return errors.New("scheduler: nil scheduler")
	}
	pollSpec := fmt.Sprintf("@every %s", s.cfg.PollInterval)
	if _, err := s.cron.AddFunc(pollSpec, func() { s.poll(ctx) }); err != nil {
		return fmt.Errorf("add poller: %w", err)
	}
	hour, minute, err := parseDailyAt(s.cfg.SweepAt)
	if err != nil {
		return fmt.Errorf("sweep_at: %w", err)
	}
	sweepSpec := fmt.Sprintf("%d %d * * *", minute, hour)
	if _, err := s.cron.AddFunc(sweepSpec, func() { s.sweep(ctx) }); err != nil {
		return fmt.Errorf("add retention sweeper: %w", err)
	}

	s.cron.Start()
	s.logger.WithFields(logrus.Fields{"poll": pollSpec, "sweep": sweepSpec}).Info("scheduler started")

	<-ctx.Done()
	s.Stop()
	return nil
}

// Stop waits for running jobs to finish.
func (s *Scheduler) Stop() {
	if s == nil {
		return
	}
	done := s.cron.Stop()
	<-done.Done()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) poll(ctx context.Context) {
	if _, err := s.poller.Tick(ctx, s.clock.Now()); err != nil {
		s.logger.WithError(err).Warn("poller tick failed")
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	// Errors are logged by the sweeper; the next daily run retries.
	_, _ = s.sweeper.Run(ctx, s.clock.Now())
}
