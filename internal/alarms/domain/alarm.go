package alarms

import "time"

const (
	StatusPending      = "pending"
	StatusActive       = "active"
	StatusSnoozed      = "snoozed"
	StatusAcknowledged = "acknowledged"
	StatusMissed       = "missed"
	StatusCancelled    = "cancelled"
)

const (
	MissedReasonNoResponse = "no_response"
	MissedReasonOverdue    = "overdue"
)

// OpenStatuses lists the statuses of an alarm that still expects a patient response.
var OpenStatuses = []string{StatusPending, StatusActive, StatusSnoozed}

// TerminalStatuses lists statuses no automated transition leaves.
var TerminalStatuses = []string{StatusAcknowledged, StatusMissed, StatusCancelled}

// IsOpen reports whether status is pending, active or snoozed.
func IsOpen(status string) bool {
	switch status {
	case StatusPending, StatusActive, StatusSnoozed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether status is acknowledged, missed or cancelled.
func IsTerminal(status string) bool {
	switch status {
	case StatusAcknowledged, StatusMissed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Alarm is one scheduled dose occurrence driven through reminders and escalation.
type Alarm struct {
	ID             string `json:"id"`
	MedicationID   string `json:"medication_id"`
	PatientID      string `json:"patient_id"`
	FamilyID       string `json:"family_id,omitempty"`
	MedicationName string `json:"medication_name"`
	Dosage         string `json:"dosage,omitempty"`

	ScheduledTime time.Time      `json:"scheduled_time"`
	Status        string         `json:"status"`
	ReminderCount int            `json:"reminder_count"`
	MaxReminders  int            `json:"max_reminders"`
	Policy        ReminderPolicy `json:"policy"`

	FirstDispatchedAt time.Time `json:"first_dispatched_at,omitempty"`
	LastNotifiedAt    time.Time `json:"last_notified_at,omitempty"`
	SnoozeUntil       time.Time `json:"snooze_until,omitempty"`
	SnoozeReason      string    `json:"snooze_reason,omitempty"`

	AcknowledgedAt       time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy       string    `json:"acknowledged_by,omitempty"`
	MissedAt             time.Time `json:"missed_at,omitempty"`
	MissedReason         string    `json:"missed_reason,omitempty"`
	CancelledAt          time.Time `json:"cancelled_at,omitempty"`
	CancelledBy          string    `json:"cancelled_by,omitempty"`
	CaregiversNotifiedAt time.Time `json:"caregivers_notified_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RemindersExhausted reports whether the reminder counter reached its cap.
func (a Alarm) RemindersExhausted() bool {
	return a.ReminderCount >= a.MaxReminders
}

// EscalationDue returns the earliest time caregivers may be alerted.
func (a Alarm) EscalationDue() time.Time {
	start := a.FirstDispatchedAt
	if start.IsZero() {
		start = a.ScheduledTime
	}
	return start.Add(a.Policy.NotifyFamilyAfter)
}

// ReminderStalled reports whether an active alarm with reminders left is a full interval
// past the moment its next reminder was due.
func (a Alarm) ReminderStalled(now time.Time) bool {
	if a.Status != StatusActive || a.RemindersExhausted() || a.Policy.ReminderInterval <= 0 {
		return false
	}
	last := a.LastNotifiedAt
	if last.IsZero() {
		last = a.ScheduledTime
	}
	return !now.Before(last.Add(2 * a.Policy.ReminderInterval))
}

// OverdueAt returns the time the staleness sweep may force the alarm to missed.
func (a Alarm) OverdueAt() time.Time {
	return a.ScheduledTime.Add(a.Policy.OverdueThreshold)
}

// Fields carries the columns written together with a status change.
// Nil pointers leave the stored value untouched; a zero time clears it.
type Fields struct {
	ReminderCount        *int
	FirstDispatchedAt    *time.Time
	LastNotifiedAt       *time.Time
	SnoozeUntil          *time.Time
	SnoozeReason         *string
	AcknowledgedAt       *time.Time
	AcknowledgedBy       *string
	MissedAt             *time.Time
	MissedReason         *string
	CancelledAt          *time.Time
	CancelledBy          *string
	CaregiversNotifiedAt *time.Time

	// IfReminderCount adds reminder_count = value to the compare-and-set guard.
	IfReminderCount *int
}

// Apply copies the set fields onto alarm.
func (f Fields) Apply(alarm *Alarm) {
	if alarm == nil {
		return
	}
	if f.ReminderCount != nil {
		alarm.ReminderCount = *f.ReminderCount
	}
	if f.FirstDispatchedAt != nil {
		alarm.FirstDispatchedAt = *f.FirstDispatchedAt
	}
	if f.LastNotifiedAt != nil {
		alarm.LastNotifiedAt = *f.LastNotifiedAt
	}
	if f.SnoozeUntil != nil {
		alarm.SnoozeUntil = *f.SnoozeUntil
	}
	if f.SnoozeReason != nil {
		alarm.SnoozeReason = *f.SnoozeReason
	}
	if f.AcknowledgedAt != nil {
		alarm.AcknowledgedAt = *f.AcknowledgedAt
	}
	if f.AcknowledgedBy != nil {
		alarm.AcknowledgedBy = *f.AcknowledgedBy
	}
	if f.MissedAt != nil {
		alarm.MissedAt = *f.MissedAt
	}
	if f.MissedReason != nil {
		alarm.MissedReason = *f.MissedReason
	}
	if f.CancelledAt != nil {
		alarm.CancelledAt = *f.CancelledAt
	}
	if f.CancelledBy != nil {
		alarm.CancelledBy = *f.CancelledBy
	}
	if f.CaregiversNotifiedAt != nil {
		alarm.CaregiversNotifiedAt = *f.CaregiversNotifiedAt
	}
}

// TimeWindow is a closed interval of scheduled times.
type TimeWindow struct {
	From time.Time
	To   time.Time
}

// Around builds the window [at-tolerance, at+tolerance].
func Around(at time.Time, tolerance time.Duration) TimeWindow {
	if tolerance < 0 {
		tolerance = -tolerance
	}
	return TimeWindow{From: at.Add(-tolerance), To: at.Add(tolerance)}
}

// Contains reports whether t falls inside the window.
func (w TimeWindow) Contains(t time.Time) bool {
	return !t.Before(w.From) && !t.After(w.To)
}

// StaleCriteria selects alarms for the periodic scans.
type StaleCriteria struct {
	Status string
	// SnoozedBefore selects snoozed alarms whose snooze_until is at or before the time.
	SnoozedBefore time.Time
	// OverdueBefore selects alarms whose scheduled_time plus their overdue threshold is at or before the time.
	OverdueBefore time.Time
	// RemindersExhausted selects alarms with reminder_count >= max_reminders.
	RemindersExhausted bool
	Limit              int
}

// Matches applies the criteria to an in-memory alarm.
func (c StaleCriteria) Matches(alarm Alarm) bool {
	if c.Status != "" && alarm.Status != c.Status {
		return false
	}
	if !c.SnoozedBefore.IsZero() && (alarm.SnoozeUntil.IsZero() || alarm.SnoozeUntil.After(c.SnoozedBefore)) {
		return false
	}
	if !c.OverdueBefore.IsZero() && alarm.OverdueAt().After(c.OverdueBefore) {
		return false
	}
	if c.RemindersExhausted && !alarm.RemindersExhausted() {
		return false
	}
	return true
}
