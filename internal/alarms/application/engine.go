package application

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	alarms "medication-reminder/internal/alarms/domain"
	"medication-reminder/internal/observability/logging"
	"medication-reminder/internal/observability/metrics"
)

// Engine drives alarms through reminders, snooze, acknowledgment and escalation.
// The alarm repository is authoritative; every scheduled task re-reads the alarm before acting.
type Engine struct {
	alarms   AlarmRepository
	meds     MedicationRepository
	notifier AlarmNotifier
	clock    Clock
	tasks    TaskScheduler
	logger   logrus.FieldLogger
	retry    time.Duration

	mu         sync.Mutex
	unrecorded []doseRecord

	ctx    context.Context
	cancel context.CancelFunc
}

// doseRecord is an adherence update the medication store rejected. Recover replays it.
type doseRecord struct {
	alarmID      string
	medicationID string
	takenAt      time.Time
	missed       bool
}

// DefaultRetryDelay is how long a task waits before retrying after a store failure.
const DefaultRetryDelay = time.Minute

// EngineOption customizes the engine.
type EngineOption func(*Engine)

// WithNotifier assigns a notifier.
func WithNotifier(notifier AlarmNotifier) EngineOption {
	return func(e *Engine) {
		e.notifier = notifier
	}
}

// WithClock assigns a clock.
func WithClock(clock Clock) EngineOption {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithTaskScheduler replaces the timer-backed per-alarm scheduler.
func WithTaskScheduler(tasks TaskScheduler) EngineOption {
	return func(e *Engine) {
		if tasks != nil {
			e.tasks = tasks
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger logrus.FieldLogger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithRetryDelay sets the delay before a task retries after a store failure.
func WithRetryDelay(delay time.Duration) EngineOption {
	return func(e *Engine) {
		if delay > 0 {
			e.retry = delay
		}
	}
}

// NewEngine constructs an engine.
func NewEngine(alarmRepo AlarmRepository, meds MedicationRepository, opts ...EngineOption) (*Engine, error) {
	if alarmRepo == nil {
		return nil, errors.New("alarms: nil alarm repository")
	}
	if meds == nil {
		return nil, errors.New("alarms: nil medication repository")
	}
	engine := &Engine{
		alarms: alarmRepo,
		meds:   meds,
		clock:  systemClock{},
		logger: logging.Discard(),
		retry:  DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(engine)
	}
	if engine.tasks == nil {
		engine.tasks = NewTimerScheduler(engine.clock)
	}
	engine.logger = engine.logger.WithField("component", "alarm_engine")
	engine.ctx, engine.cancel = context.WithCancel(context.Background())
	return engine, nil
}

// Close stops every scheduled task. Persisted alarms are untouched.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.cancel()
	e.tasks.Stop()
}

// Activate dispatches a pending alarm: pending -> active, notify the patient, start reminders.
func (e *Engine) Activate(ctx context.Context, id string) (*alarms.Alarm, error) {
	if e == nil {
		return nil, errors.New("alarms: nil engine")
	}
	now := e.clock.Now().UTC()
	updated, err := e.alarms.CompareAndSetStatus(ctx, id, alarms.StatusPending, alarms.StatusActive, alarms.Fields{
		FirstDispatchedAt: &now,
		LastNotifiedAt:    &now,
	})
	if err != nil {
		return nil, err
	}
	e.notify(ctx, EventDue, *updated)
	e.scheduleFollowUp(*updated, e.clock.Now())
	return updated, nil
}

// Acknowledge records the patient's confirmation that the dose was taken.
func (e *Engine) Acknowledge(ctx context.Context, id, patientID string, at time.Time) (*alarms.Alarm, error) {
	if e == nil {
		return nil, errors.New("alarms: nil engine")
	}
	alarm, err := e.authorize(ctx, id, patientID)
	if err != nil {
		return nil, err
	}
	if !alarms.IsOpen(alarm.Status) {
		return alarm, alarms.ErrInvalidTransition
	}
	if at.IsZero() {
		at = e.clock.Now()
	}
	at = at.UTC()
	cleared := time.Time{}
	none := ""
	updated, err := e.alarms.CompareAndSetStatus(ctx, alarm.ID, alarm.Status, alarms.StatusAcknowledged, alarms.Fields{
		AcknowledgedAt: &at,
		AcknowledgedBy: &patientID,
		SnoozeUntil:    &cleared,
		SnoozeReason:   &none,
	})
	if err != nil {
		return e.current(ctx, id, err)
	}
	e.tasks.Cancel(updated.ID)
	e.recordDose(ctx, doseRecord{alarmID: updated.ID, medicationID: updated.MedicationID, takenAt: at})
	e.notify(ctx, EventAcknowledged, *updated)
	return updated, nil
}

// Snooze pauses reminders of an active alarm. minutes <= 0 uses the alarm's snooze default.
func (e *Engine) Snooze(ctx context.Context, id, patientID string, minutes int, reason string) (*alarms.Alarm, error) {
	if e == nil {
		return nil, errors.New("alarms: nil engine")
	}
	alarm, err := e.authorize(ctx, id, patientID)
	if err != nil {
		return nil, err
	}
	if alarm.Status != alarms.StatusActive {
		return alarm, alarms.ErrInvalidTransition
	}
	duration := time.Duration(minutes) * time.Minute
	if duration <= 0 {
		duration = alarm.Policy.Snooze
	}
	if duration <= 0 {
		duration = alarms.DefaultSnoozeMinutes * time.Minute
	}
	until := e.clock.Now().UTC().Add(duration)
	updated, err := e.alarms.CompareAndSetStatus(ctx, alarm.ID, alarms.StatusActive, alarms.StatusSnoozed, alarms.Fields{
		SnoozeUntil:  &until,
		SnoozeReason: &reason,
	})
	if err != nil {
		return e.current(ctx, id, err)
	}
	e.tasks.Cancel(updated.ID)
	e.schedule(updated.ID, until)
	e.notify(ctx, EventSnoozed, *updated)
	return updated, nil
}

// Reactivate returns a snoozed alarm to active once its snooze has elapsed.
func (e *Engine) Reactivate(ctx context.Context, id string) (*alarms.Alarm, error) {
	if e == nil {
		return nil, errors.New("alarms: nil engine")
	}
	alarm, err := e.alarms.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if alarm == nil {
		return nil, alarms.ErrNotFound
	}
	now := e.clock.Now().UTC()
	if alarm.Status != alarms.StatusSnoozed || now.Before(alarm.SnoozeUntil) {
		return alarm, alarms.ErrInvalidTransition
	}
	cleared := time.Time{}
	none := ""
	updated, err := e.alarms.CompareAndSetStatus(ctx, alarm.ID, alarms.StatusSnoozed, alarms.StatusActive, alarms.Fields{
		SnoozeUntil:    &cleared,
		SnoozeReason:   &none,
		LastNotifiedAt: &now,
	})
	if err != nil {
		return nil, err
	}
	e.notify(ctx, EventReactivated, *updated)
	e.scheduleFollowUp(*updated, e.clock.Now())
	return updated, nil
}

// CancelForMedication cancels every open alarm of a deactivated or deleted medication.
// Adherence counters are not touched.
func (e *Engine) CancelForMedication(ctx context.Context, medicationID, actorID string) ([]alarms.Alarm, error) {
	if e == nil {
		return nil, errors.New("alarms: nil engine")
	}
	if medicationID == "" {
		return nil, errors.New("alarms: medication id required")
	}
	open, err := e.alarms.ListOpenByMedication(ctx, medicationID)
	if err != nil {
		return nil, err
	}
	now := e.clock.Now().UTC()
	cleared := time.Time{}
	cancelled := make([]alarms.Alarm, 0, len(open))
	for _, alarm := range open {
		updated, err := e.alarms.CompareAndSetStatus(ctx, alarm.ID, alarm.Status, alarms.StatusCancelled, alarms.Fields{
			CancelledAt: &now,
			CancelledBy: &actorID,
			SnoozeUntil: &cleared,
		})
		if errors.Is(err, alarms.ErrInvalidTransition) {
			e.alarmLogger(alarm).Debug("cancel lost race")
			continue
		}
		if err != nil {
			return cancelled, err
		}
		e.tasks.Cancel(updated.ID)
		e.notify(ctx, EventCancelled, *updated)
		cancelled = append(cancelled, *updated)
	}
	return cancelled, nil
}

// SweepOverdue marks exhausted active alarms past their overdue threshold as missed.
// When the caregiver timeout has also elapsed the reason is no_response.
func (e *Engine) SweepOverdue(ctx context.Context, now time.Time) (int, error) {
	if e == nil {
		return 0, errors.New("alarms: nil engine")
	}
	stale, err := e.alarms.FindStale(ctx, alarms.StaleCriteria{
		Status:             alarms.StatusActive,
		OverdueBefore:      now,
		RemindersExhausted: true,
	})
	if err != nil {
		return 0, err
	}
	missed := 0
	for _, alarm := range stale {
		reason := alarms.MissedReasonOverdue
		if !now.Before(alarm.EscalationDue()) {
			reason = alarms.MissedReasonNoResponse
		}
		ok, err := e.markMissed(ctx, alarm, reason)
		if err != nil {
			metrics.IncPollerItemError("overdue")
			e.alarmLogger(alarm).WithError(err).Warn("overdue sweep failed")
			continue
		}
		if ok {
			missed++
		}
	}
	return missed, nil
}

// ReactivateDue wakes every snoozed alarm whose snooze has elapsed.
func (e *Engine) ReactivateDue(ctx context.Context, now time.Time) (int, error) {
	if e == nil {
		return 0, errors.New("alarms: nil engine")
	}
	due, err := e.alarms.FindStale(ctx, alarms.StaleCriteria{
		Status:        alarms.StatusSnoozed,
		SnoozedBefore: now,
	})
	if err != nil {
		return 0, err
	}
	woken := 0
	for _, alarm := range due {
		if _, err := e.Reactivate(ctx, alarm.ID); err != nil {
			if errors.Is(err, alarms.ErrInvalidTransition) {
				continue
			}
			metrics.IncPollerItemError("reactivate")
			e.alarmLogger(alarm).WithError(err).Warn("reactivate failed")
			continue
		}
		woken++
	}
	return woken, nil
}

// Restore rebuilds per-alarm tasks from persisted alarms after a restart.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	if e == nil {
		return 0, errors.New("alarms: nil engine")
	}
	open, err := e.alarms.ListOpen(ctx)
	if err != nil {
		return 0, err
	}
	restored := 0
	for _, alarm := range open {
		switch alarm.Status {
		case alarms.StatusPending:
			if _, err := e.Activate(ctx, alarm.ID); err != nil && !errors.Is(err, alarms.ErrInvalidTransition) {
				e.alarmLogger(alarm).WithError(err).Warn("restore activate failed")
				continue
			}
		case alarms.StatusActive:
			e.scheduleFollowUp(alarm, alarm.LastNotifiedAt)
		case alarms.StatusSnoozed:
			e.schedule(alarm.ID, alarm.SnoozeUntil)
		default:
			continue
		}
		restored++
	}
	e.logger.WithField("restored", restored).Info("alarm tasks restored")
	return restored, nil
}

// Recover re-drives open alarms whose next step was lost to a store failure and replays
// rejected adherence updates. It reports how many alarms it moved.
func (e *Engine) Recover(ctx context.Context, now time.Time) (int, error) {
	if e == nil {
		return 0, errors.New("alarms: nil engine")
	}
	e.replayDoses(ctx)

	pending, err := e.alarms.FindStale(ctx, alarms.StaleCriteria{Status: alarms.StatusPending})
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, alarm := range pending {
		if _, err := e.Activate(ctx, alarm.ID); err != nil {
			if errors.Is(err, alarms.ErrInvalidTransition) {
				continue
			}
			metrics.IncPollerItemError("recover")
			e.alarmLogger(alarm).WithError(err).Warn("recover activate failed")
			continue
		}
		recovered++
	}

	active, err := e.alarms.FindStale(ctx, alarms.StaleCriteria{Status: alarms.StatusActive})
	if err != nil {
		return recovered, err
	}
	for _, alarm := range active {
		switch {
		case alarm.ReminderStalled(now):
			if e.remind(ctx, alarm, now.UTC()) {
				recovered++
			}
		case alarm.RemindersExhausted() && !now.Before(escalationAt(alarm).Add(alarm.Policy.ReminderInterval)):
			ok, err := e.markMissed(ctx, alarm, alarms.MissedReasonNoResponse)
			if err != nil {
				metrics.IncPollerItemError("recover")
				e.alarmLogger(alarm).WithError(err).Warn("recover escalation failed")
				continue
			}
			if ok {
				recovered++
			}
		}
	}
	return recovered, nil
}

// Unrecorded returns the number of adherence updates waiting for replay.
func (e *Engine) Unrecorded() int {
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.unrecorded)
}

// Pending returns the number of alarms with a scheduled task.
func (e *Engine) Pending() int {
	if e == nil {
		return 0
	}
	return e.tasks.Pending()
}

// Get returns one alarm.
func (e *Engine) Get(ctx context.Context, id string) (*alarms.Alarm, error) {
	if e == nil {
		return nil, errors.New("alarms: nil engine")
	}
	alarm, err := e.alarms.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if alarm == nil {
		return nil, alarms.ErrNotFound
	}
	return alarm, nil
}

// OpenAlarms returns the open alarms of a medication.
func (e *Engine) OpenAlarms(ctx context.Context, medicationID string) ([]alarms.Alarm, error) {
	if e == nil {
		return nil, errors.New("alarms: nil engine")
	}
	return e.alarms.ListOpenByMedication(ctx, medicationID)
}

// ListAlarms returns a patient's alarms scheduled in [from, to), optionally filtered by status.
func (e *Engine) ListAlarms(ctx context.Context, patientID, status string, from, to time.Time) ([]alarms.Alarm, error) {
	if e == nil {
		return nil, errors.New("alarms: nil engine")
	}
	if patientID == "" {
		return nil, errors.New("alarms: patient id required")
	}
	return e.alarms.ListByPatient(ctx, patientID, from.UTC(), to.UTC(), status)
}

// advance is the single task body for an alarm. It re-reads the alarm and acts on its current status.
func (e *Engine) advance(id string) {
	ctx := e.ctx
	if ctx.Err() != nil {
		return
	}
	alarm, err := e.alarms.GetByID(ctx, id)
	if err != nil {
		e.logger.WithField("alarm_id", id).WithError(err).Warn("alarm task read failed")
		e.retryLater(id)
		return
	}
	if alarm == nil {
		return
	}
	now := e.clock.Now().UTC()
	switch alarm.Status {
	case alarms.StatusPending:
		if _, err := e.Activate(ctx, id); err != nil && !errors.Is(err, alarms.ErrInvalidTransition) {
			e.alarmLogger(*alarm).WithError(err).Warn("activate failed")
			e.retryLater(id)
		}
	case alarms.StatusSnoozed:
		if now.Before(alarm.SnoozeUntil) {
			e.schedule(id, alarm.SnoozeUntil)
			return
		}
		if _, err := e.Reactivate(ctx, id); err != nil && !errors.Is(err, alarms.ErrInvalidTransition) {
			e.alarmLogger(*alarm).WithError(err).Warn("reactivate failed")
			e.retryLater(id)
		}
	case alarms.StatusActive:
		if !alarm.RemindersExhausted() {
			e.remind(ctx, *alarm, now)
			return
		}
		at := escalationAt(*alarm)
		if now.Before(at) {
			e.schedule(id, at)
			return
		}
		if _, err := e.markMissed(ctx, *alarm, alarms.MissedReasonNoResponse); err != nil {
			e.alarmLogger(*alarm).WithError(err).Warn("escalation failed")
			e.retryLater(id)
		}
	}
}

// remind sends the next reminder of an active alarm. It reports whether this call sent it.
func (e *Engine) remind(ctx context.Context, alarm alarms.Alarm, now time.Time) bool {
	expected := alarm.ReminderCount
	next := expected + 1
	updated, err := e.alarms.CompareAndSetStatus(ctx, alarm.ID, alarms.StatusActive, alarms.StatusActive, alarms.Fields{
		ReminderCount:   &next,
		LastNotifiedAt:  &now,
		IfReminderCount: &expected,
	})
	if errors.Is(err, alarms.ErrInvalidTransition) {
		e.alarmLogger(alarm).Debug("reminder tick lost race")
		return false
	}
	if err != nil {
		e.alarmLogger(alarm).WithError(err).Warn("reminder tick failed")
		e.retryLater(alarm.ID)
		return false
	}
	e.notify(ctx, EventReminder, *updated)
	e.scheduleFollowUp(*updated, e.clock.Now())
	return true
}

// markMissed moves an active alarm to missed, records the missed dose and alerts caregivers once.
// It reports whether this call won the transition.
func (e *Engine) markMissed(ctx context.Context, alarm alarms.Alarm, reason string) (bool, error) {
	now := e.clock.Now().UTC()
	cleared := time.Time{}
	updated, err := e.alarms.CompareAndSetStatus(ctx, alarm.ID, alarms.StatusActive, alarms.StatusMissed, alarms.Fields{
		MissedAt:     &now,
		MissedReason: &reason,
		SnoozeUntil:  &cleared,
	})
	if errors.Is(err, alarms.ErrInvalidTransition) {
		e.alarmLogger(alarm).Debug("missed transition lost race")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	e.tasks.Cancel(updated.ID)
	e.recordDose(ctx, doseRecord{alarmID: updated.ID, medicationID: updated.MedicationID, missed: true})
	if !e.notifyDelivered(ctx, EventMissed, *updated) {
		e.alarmLogger(*updated).WithField("reason", reason).Warn("alarm missed; no caregiver reached")
		return true, nil
	}

	notifiedAt := e.clock.Now().UTC()
	stamped, err := e.alarms.CompareAndSetStatus(ctx, updated.ID, alarms.StatusMissed, alarms.StatusMissed, alarms.Fields{
		CaregiversNotifiedAt: &notifiedAt,
	})
	if err != nil {
		e.alarmLogger(*updated).WithError(err).Warn("caregiver notification stamp failed")
	} else {
		updated = stamped
	}
	e.alarmLogger(*updated).WithField("reason", reason).Info("alarm missed")
	return true, nil
}

// scheduleFollowUp arranges the next task of an active alarm: a reminder tick one interval after from,
// or the caregiver escalation once reminders are exhausted.
func (e *Engine) scheduleFollowUp(alarm alarms.Alarm, from time.Time) {
	if alarm.Status != alarms.StatusActive {
		return
	}
	if from.IsZero() {
		from = e.clock.Now()
	}
	if !alarm.RemindersExhausted() {
		e.schedule(alarm.ID, from.Add(alarm.Policy.ReminderInterval))
		return
	}
	e.schedule(alarm.ID, escalationAt(alarm))
}

func (e *Engine) schedule(id string, at time.Time) {
	e.tasks.Schedule(id, at, func() { e.advance(id) })
}

func (e *Engine) retryLater(id string) {
	e.schedule(id, e.clock.Now().Add(e.retry))
}

func (e *Engine) recordDose(ctx context.Context, rec doseRecord) {
	if err := e.writeDose(ctx, rec); err != nil {
		e.logger.WithFields(logrus.Fields{
			"alarm_id":      rec.alarmID,
			"medication_id": rec.medicationID,
			"missed":        rec.missed,
		}).WithError(err).Error("record dose failed; queued for replay")
		e.mu.Lock()
		e.unrecorded = append(e.unrecorded, rec)
		e.mu.Unlock()
	}
}

func (e *Engine) writeDose(ctx context.Context, rec doseRecord) error {
	if rec.missed {
		return e.meds.RecordDoseMissed(ctx, rec.medicationID)
	}
	return e.meds.RecordDoseTaken(ctx, rec.medicationID, rec.takenAt)
}

func (e *Engine) replayDoses(ctx context.Context) {
	e.mu.Lock()
	queued := e.unrecorded
	e.unrecorded = nil
	e.mu.Unlock()
	if len(queued) == 0 {
		return
	}
	var failed []doseRecord
	for _, rec := range queued {
		if err := e.writeDose(ctx, rec); err != nil {
			failed = append(failed, rec)
		}
	}
	if len(failed) > 0 {
		e.logger.WithField("queued", len(failed)).Warn("dose replay incomplete")
		e.mu.Lock()
		e.unrecorded = append(failed, e.unrecorded...)
		e.mu.Unlock()
	}
}

// escalationAt is the caregiver timeout, but never earlier than one interval after the last reminder.
func escalationAt(alarm alarms.Alarm) time.Time {
	at := alarm.EscalationDue()
	if !alarm.LastNotifiedAt.IsZero() {
		if grace := alarm.LastNotifiedAt.Add(alarm.Policy.ReminderInterval); grace.After(at) {
			at = grace
		}
	}
	return at
}

func (e *Engine) authorize(ctx context.Context, id, patientID string) (*alarms.Alarm, error) {
	if id == "" {
		return nil, errors.New("alarms: alarm id required")
	}
	alarm, err := e.alarms.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if alarm == nil {
		return nil, alarms.ErrNotFound
	}
	if patientID == "" || alarm.PatientID != patientID {
		return nil, alarms.ErrPermissionDenied
	}
	return alarm, nil
}

// current re-reads an alarm after a lost compare-and-set so callers can show its latest state.
func (e *Engine) current(ctx context.Context, id string, cause error) (*alarms.Alarm, error) {
	if !errors.Is(cause, alarms.ErrInvalidTransition) {
		return nil, cause
	}
	alarm, err := e.alarms.GetByID(ctx, id)
	if err != nil || alarm == nil {
		return nil, cause
	}
	return alarm, cause
}

func (e *Engine) notify(ctx context.Context, eventType string, alarm alarms.Alarm) {
	metrics.IncAlarmEvent(eventType)
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(ctx, AlarmEvent{Type: eventType, Alarm: alarm})
}

// notifyDelivered publishes an event and reports whether it reached anyone.
// Notifiers that cannot report delivery are taken at their word.
func (e *Engine) notifyDelivered(ctx context.Context, eventType string, alarm alarms.Alarm) bool {
	metrics.IncAlarmEvent(eventType)
	event := AlarmEvent{Type: eventType, Alarm: alarm}
	switch notifier := e.notifier.(type) {
	case nil:
		return false
	case DeliveryNotifier:
		return notifier.NotifyDelivered(ctx, event)
	default:
		notifier.Notify(ctx, event)
		return true
	}
}

func (e *Engine) alarmLogger(alarm alarms.Alarm) logrus.FieldLogger {
	return e.logger.WithFields(logrus.Fields{
		"alarm_id":      alarm.ID,
		"medication_id": alarm.MedicationID,
	})
}
