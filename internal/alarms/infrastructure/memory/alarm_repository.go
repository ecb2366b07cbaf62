package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	alarms "medication-reminder/internal/alarms/domain"
)

// AlarmRepository is an in-memory alarm store for tests and local runs.
type AlarmRepository struct {
	mu    sync.RWMutex
	data  map[string]alarms.Alarm
	clock func() time.Time
}

// NewAlarmRepository constructs a repository.
func NewAlarmRepository() *AlarmRepository {
	return &AlarmRepository{
		data:  make(map[string]alarms.Alarm),
		clock: func() time.Time { return time.Now().UTC() },
	}
}

// Create inserts an alarm. A second open alarm for the same medication and scheduled time is rejected.
func (r *AlarmRepository) Create(ctx context.Context, alarm *alarms.Alarm) error {
	_ = ctx
	if alarm == nil || alarm.ID == "" {
		return errors.New("alarm repo: alarm id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[alarm.ID]; ok {
		return alarms.ErrDuplicate
	}
	if alarms.IsOpen(alarm.Status) {
		for _, existing := range r.data {
			if existing.MedicationID == alarm.MedicationID && alarms.IsOpen(existing.Status) && existing.ScheduledTime.Equal(alarm.ScheduledTime) {
				return alarms.ErrDuplicate
			}
		}
	}
	r.data[alarm.ID] = *alarm
	return nil
}

// GetByID returns nil when the alarm does not exist.
func (r *AlarmRepository) GetByID(ctx context.Context, id string) (*alarms.Alarm, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	alarm, ok := r.data[id]
	if !ok {
		return nil, nil
	}
	return &alarm, nil
}

// FindOpenAlarm returns the open alarm of a medication scheduled inside window, earliest first.
func (r *AlarmRepository) FindOpenAlarm(ctx context.Context, medicationID string, window alarms.TimeWindow) (*alarms.Alarm, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	var found *alarms.Alarm
	for _, alarm := range r.data {
		if alarm.MedicationID != medicationID || !alarms.IsOpen(alarm.Status) || !window.Contains(alarm.ScheduledTime) {
			continue
		}
		if found == nil || alarm.ScheduledTime.Before(found.ScheduledTime) {
			candidate := alarm
			found = &candidate
		}
	}
	return found, nil
}

// ExistsInWindow reports whether any alarm of the medication is scheduled inside window.
func (r *AlarmRepository) ExistsInWindow(ctx context.Context, medicationID string, window alarms.TimeWindow) (bool, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, alarm := range r.data {
		if alarm.MedicationID == medicationID && window.Contains(alarm.ScheduledTime) {
			return true, nil
		}
	}
	return false, nil
}

// CompareAndSetStatus applies the transition atomically under the repository lock.
func (r *AlarmRepository) CompareAndSetStatus(ctx context.Context, id, expected, next string, fields alarms.Fields) (*alarms.Alarm, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	alarm, ok := r.data[id]
	if !ok {
		return nil, alarms.ErrNotFound
	}
	if alarm.Status != expected {
		return nil, alarms.ErrInvalidTransition
	}
	if fields.IfReminderCount != nil && alarm.ReminderCount != *fields.IfReminderCount {
		return nil, alarms.ErrInvalidTransition
	}
	alarm.Status = next
	fields.Apply(&alarm)
	alarm.UpdatedAt = r.clock()
	r.data[id] = alarm
	return &alarm, nil
}

// FindStale returns alarms matching criteria ordered by scheduled time.
func (r *AlarmRepository) FindStale(ctx context.Context, criteria alarms.StaleCriteria) ([]alarms.Alarm, error) {
	_ = ctx
	return r.filter(criteria.Limit, criteria.Matches), nil
}

// ListOpen returns pending, active and snoozed alarms.
func (r *AlarmRepository) ListOpen(ctx context.Context) ([]alarms.Alarm, error) {
	_ = ctx
	return r.filter(0, func(alarm alarms.Alarm) bool { return alarms.IsOpen(alarm.Status) }), nil
}

// ListOpenByMedication returns the open alarms of one medication.
func (r *AlarmRepository) ListOpenByMedication(ctx context.Context, medicationID string) ([]alarms.Alarm, error) {
	_ = ctx
	return r.filter(0, func(alarm alarms.Alarm) bool {
		return alarm.MedicationID == medicationID && alarms.IsOpen(alarm.Status)
	}), nil
}

// ListByPatient returns a patient's alarms scheduled in [from, to). Zero bounds are open.
func (r *AlarmRepository) ListByPatient(ctx context.Context, patientID string, from, to time.Time, status string) ([]alarms.Alarm, error) {
	_ = ctx
	return r.filter(0, func(alarm alarms.Alarm) bool {
		if alarm.PatientID != patientID {
			return false
		}
		if status != "" && alarm.Status != status {
			return false
		}
		if !from.IsZero() && alarm.ScheduledTime.Before(from) {
			return false
		}
		if !to.IsZero() && !alarm.ScheduledTime.Before(to) {
			return false
		}
		return true
	}), nil
}

// DeleteOlderThan removes terminal alarms scheduled before cutoff.
func (r *AlarmRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	var deleted int64
	for id, alarm := range r.data {
		if alarms.IsTerminal(alarm.Status) && alarm.ScheduledTime.Before(cutoff) {
			delete(r.data, id)
			deleted++
		}
	}
	return deleted, nil
}

// Len returns the number of stored alarms.
func (r *AlarmRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}

func (r *AlarmRepository) filter(limit int, keep func(alarms.Alarm) bool) []alarms.Alarm {
	r.mu.RLock()
	result := make([]alarms.Alarm, 0)
	for _, alarm := range r.data {
		if keep(alarm) {
			result = append(result, alarm)
		}
	}
	r.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool {
		if result[i].ScheduledTime.Equal(result[j].ScheduledTime) {
			return result[i].ID < result[j].ID
		}
		return result[i].ScheduledTime.Before(result[j].ScheduledTime)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}
