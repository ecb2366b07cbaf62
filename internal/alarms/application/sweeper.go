package application

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	alarms "medication-reminder/internal/alarms/domain"
	"medication-reminder/internal/observability/logging"
	"medication-reminder/internal/observability/metrics"
)

// Sweeper purges terminal alarms scheduled before the retention window.
type Sweeper struct {
	alarms    AlarmRepository
	retention time.Duration
	logger    logrus.FieldLogger
}

// NewSweeper constructs a retention sweeper. retention <= 0 uses the default of seven days.
func NewSweeper(alarmRepo AlarmRepository, retention time.Duration, logger logrus.FieldLogger) (*Sweeper, error) {
	if alarmRepo == nil {
		return nil, errors.New("sweeper: nil alarm repository")
	}
	if retention <= 0 {
		retention = alarms.DefaultRetentionDays * 24 * time.Hour
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Sweeper{alarms: alarmRepo, retention: retention, logger: logger.WithField("component", "retention_sweeper")}, nil
}

// Run deletes terminal alarms whose scheduled time is older than now minus retention.
func (s *Sweeper) Run(ctx context.Context, now time.Time) (int64, error) {
	if s == nil {
		return 0, errors.New("sweeper: nil sweeper")
	}
	cutoff := now.UTC().Add(-s.retention)
	deleted, err := s.alarms.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		metrics.ObserveSweep(metrics.ResultError, 0)
		s.logger.WithError(err).WithField("cutoff", cutoff).Error("retention sweep failed")
		return 0, err
	}
	metrics.ObserveSweep(metrics.ResultSuccess, deleted)
	s.logger.WithFields(logrus.Fields{"cutoff": cutoff, "deleted": deleted}).Info("retention sweep completed")
	return deleted, nil
}
