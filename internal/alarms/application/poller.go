package application

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	alarms "medication-reminder/internal/alarms/domain"
	"medication-reminder/internal/observability/logging"
	"medication-reminder/internal/observability/metrics"
)

// PolicyResolver resolves the reminder policy of a medication.
type PolicyResolver interface {
	PolicyFor(med alarms.Medication) alarms.ReminderPolicy
}

// TickReport summarises one poller tick.
type TickReport struct {
	Medications int
	Created     int
	Reactivated int
	Missed      int
	Recovered   int
	Failures    int
}

// Poller creates due alarms and runs the periodic snooze, overdue and recovery scans.
type Poller struct {
	engine   *Engine
	alarms   AlarmRepository
	meds     MedicationRepository
	policies PolicyResolver
	clock    Clock
	logger   logrus.FieldLogger
	newID    func() string
}

// PollerOption customizes the poller.
type PollerOption func(*Poller)

// WithPollerClock assigns a clock.
func WithPollerClock(clock Clock) PollerOption {
	return func(p *Poller) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithPollerLogger assigns a logger.
func WithPollerLogger(logger logrus.FieldLogger) PollerOption {
	return func(p *Poller) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithPolicyResolver assigns the policy source. Defaults to built-in defaults merged with medication settings.
func WithPolicyResolver(policies PolicyResolver) PollerOption {
	return func(p *Poller) {
		if policies != nil {
			p.policies = policies
		}
	}
}

// WithIDGenerator overrides alarm id generation.
func WithIDGenerator(fn func() string) PollerOption {
	return func(p *Poller) {
		if fn != nil {
			p.newID = fn
		}
	}
}

// NewPoller constructs a poller.
func NewPoller(engine *Engine, alarmRepo AlarmRepository, meds MedicationRepository, opts ...PollerOption) (*Poller, error) {
	if engine == nil {
		return nil, errors.New("poller: nil engine")
	}
	if alarmRepo == nil || meds == nil {
		return nil, errors.New("poller: nil repository")
	}
	p := &Poller{
		engine:   engine,
		alarms:   alarmRepo,
		meds:     meds,
		policies: defaultPolicies{},
		clock:    systemClock{},
		logger:   logging.Discard(),
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.WithField("component", "poller")
	return p, nil
}

// Tick scans active medications once. Per-medication failures are logged and counted, never fatal.
func (p *Poller) Tick(ctx context.Context, now time.Time) (TickReport, error) {
	if p == nil {
		return TickReport{}, errors.New("poller: nil poller")
	}
	started := time.Now()
	if now.IsZero() {
		now = p.clock.Now()
	}
	now = now.UTC()

	meds, err := p.meds.ListActiveMedications(ctx)
	if err != nil {
		metrics.ObservePollerTick(metrics.ResultError, time.Since(started))
		return TickReport{}, err
	}
	report := TickReport{Medications: len(meds)}
	for _, med := range meds {
		created, reactivated, err := p.evaluate(ctx, med, now)
		if err != nil {
			report.Failures++
			metrics.IncPollerItemError("medication")
			p.logger.WithField("medication_id", med.ID).WithError(err).Warn("medication evaluation failed")
			continue
		}
		if created {
			report.Created++
		}
		if reactivated {
			report.Reactivated++
		}
	}

	woken, err := p.engine.ReactivateDue(ctx, now)
	if err != nil {
		report.Failures++
		p.logger.WithError(err).Warn("snooze scan failed")
	}
	report.Reactivated += woken

	missed, err := p.engine.SweepOverdue(ctx, now)
	if err != nil {
		report.Failures++
		p.logger.WithError(err).Warn("overdue sweep failed")
	}
	report.Missed = missed

	recovered, err := p.engine.Recover(ctx, now)
	if err != nil {
		report.Failures++
		p.logger.WithError(err).Warn("recovery scan failed")
	}
	report.Recovered = recovered

	result := metrics.ResultSuccess
	if report.Failures > 0 {
		result = metrics.ResultError
	}
	metrics.ObservePollerTick(result, time.Since(started))
	p.logger.WithFields(logrus.Fields{
		"medications": report.Medications,
		"created":     report.Created,
		"reactivated": report.Reactivated,
		"missed":      report.Missed,
		"recovered":   report.Recovered,
		"failures":    report.Failures,
	}).Debug("poller tick")
	return report, nil
}

func (p *Poller) evaluate(ctx context.Context, med alarms.Medication, now time.Time) (created, reactivated bool, err error) {
	if err := med.Schedule.Validate(); err != nil {
		return false, false, err
	}
	policy := p.policies.PolicyFor(med)
	due, ok := med.NextDoseTime(now.Add(-policy.Tolerance))
	if !ok {
		return false, false, nil
	}
	window := alarms.Around(now, policy.Tolerance)
	if !window.Contains(due) {
		return false, false, nil
	}

	existing, err := p.alarms.FindOpenAlarm(ctx, med.ID, alarms.Around(due, policy.Tolerance))
	if err != nil {
		return false, false, err
	}
	if existing != nil {
		switch {
		case existing.Status == alarms.StatusPending:
			// Created on an earlier tick whose activation failed.
			if _, err := p.engine.Activate(ctx, existing.ID); err != nil && !errors.Is(err, alarms.ErrInvalidTransition) {
				return false, false, err
			}
		case existing.Status == alarms.StatusSnoozed && !now.Before(existing.SnoozeUntil):
			if _, err := p.engine.Reactivate(ctx, existing.ID); err != nil && !errors.Is(err, alarms.ErrInvalidTransition) {
				return false, false, err
			}
			return false, true, nil
		}
		return false, false, nil
	}
	// A dose already acknowledged, missed or cancelled inside the window is not re-alarmed.
	handled, err := p.alarms.ExistsInWindow(ctx, med.ID, alarms.Around(due, policy.Tolerance))
	if err != nil {
		return false, false, err
	}
	if handled {
		return false, false, nil
	}

	alarm := &alarms.Alarm{
		ID:             p.newID(),
		MedicationID:   med.ID,
		PatientID:      med.PatientID,
		FamilyID:       med.FamilyID,
		MedicationName: med.Name,
		Dosage:         med.Dosage,
		ScheduledTime:  due.UTC(),
		Status:         alarms.StatusPending,
		MaxReminders:   policy.MaxReminders,
		Policy:         policy,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := p.alarms.Create(ctx, alarm); err != nil {
		if errors.Is(err, alarms.ErrDuplicate) {
			return false, false, nil
		}
		return false, false, err
	}
	metrics.IncAlarmCreated()
	if _, err := p.engine.Activate(ctx, alarm.ID); err != nil && !errors.Is(err, alarms.ErrInvalidTransition) {
		return true, false, err
	}
	return true, false, nil
}

type defaultPolicies struct{}

func (defaultPolicies) PolicyFor(med alarms.Medication) alarms.ReminderPolicy {
	return med.Settings.Policy()
}
