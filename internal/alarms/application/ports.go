package application

import (
	"context"
	"time"

	alarms "medication-reminder/internal/alarms/domain"
)

// AlarmRepository persists alarm instances. It is the single source of truth for alarm state.
type AlarmRepository interface {
	Create(ctx context.Context, alarm *alarms.Alarm) error
	GetByID(ctx context.Context, id string) (*alarms.Alarm, error)
	FindOpenAlarm(ctx context.Context, medicationID string, window alarms.TimeWindow) (*alarms.Alarm, error)
	// ExistsInWindow reports whether any alarm, in any status, was scheduled inside window.
	ExistsInWindow(ctx context.Context, medicationID string, window alarms.TimeWindow) (bool, error)
	// CompareAndSetStatus applies next and fields only when the stored status still equals expected.
	// It returns alarms.ErrInvalidTransition when the guard does not hold.
	CompareAndSetStatus(ctx context.Context, id, expected, next string, fields alarms.Fields) (*alarms.Alarm, error)
	FindStale(ctx context.Context, criteria alarms.StaleCriteria) ([]alarms.Alarm, error)
	ListOpen(ctx context.Context) ([]alarms.Alarm, error)
	ListOpenByMedication(ctx context.Context, medicationID string) ([]alarms.Alarm, error)
	ListByPatient(ctx context.Context, patientID string, from, to time.Time, status string) ([]alarms.Alarm, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// MedicationRepository is the medication-management collaborator.
type MedicationRepository interface {
	ListActiveMedications(ctx context.Context) ([]alarms.Medication, error)
	RecordDoseTaken(ctx context.Context, medicationID string, at time.Time) error
	RecordDoseMissed(ctx context.Context, medicationID string) error
}

// AlarmNotifier publishes alarm lifecycle events.
type AlarmNotifier interface {
	Notify(ctx context.Context, event AlarmEvent)
}

// DeliveryNotifier is an AlarmNotifier that reports whether an event reached at least one recipient.
type DeliveryNotifier interface {
	AlarmNotifier
	NotifyDelivered(ctx context.Context, event AlarmEvent) bool
}

const (
	EventDue          = "due"
	EventReminder     = "reminder"
	EventReactivated  = "reactivated"
	EventSnoozed      = "snoozed"
	EventAcknowledged = "acknowledged"
	EventMissed       = "missed"
	EventCancelled    = "cancelled"
)

// AlarmEvent represents a lifecycle update.
type AlarmEvent struct {
	Type  string       `json:"type"`
	Alarm alarms.Alarm `json:"alarm"`
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}
