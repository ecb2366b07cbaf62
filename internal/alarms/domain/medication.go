package alarms

import (
	"fmt"
	"time"
)

type Frequency string

const (
	FrequencyDaily    Frequency = "daily"
	FrequencyAsNeeded Frequency = "as_needed"
	FrequencyCustom   Frequency = "custom"
)

// Valid returns true when the frequency category is supported.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyAsNeeded, FrequencyCustom:
		return true
	default:
		return false
	}
}

// TimeSlot is a time of day at which a dose is due.
type TimeSlot struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

// String formats the slot as HH:MM.
func (s TimeSlot) String() string {
	return fmt.Sprintf("%02d:%02d", s.Hour, s.Minute)
}

// ParseTimeSlot parses "HH:MM".
func ParseTimeSlot(value string) (TimeSlot, error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return TimeSlot{}, fmt.Errorf("time slot %q: %w", value, err)
	}
	return TimeSlot{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// Schedule is the dosing schedule owned by the medication store.
type Schedule struct {
	Frequency  Frequency      `json:"frequency"`
	TimeSlots  []TimeSlot     `json:"time_slots"`
	DaysOfWeek []time.Weekday `json:"days_of_week,omitempty"`
	StartDate  time.Time      `json:"start_date,omitempty"`
	EndDate    time.Time      `json:"end_date,omitempty"`
	Paused     bool           `json:"paused"`
	// Location interprets time slots; nil uses the location of the evaluation time.
	Location *time.Location `json:"-"`
}

// Validate checks schedule invariants.
func (s Schedule) Validate() error {
	if !s.Frequency.Valid() {
		return fmt.Errorf("%w: unknown frequency %q", ErrInvalidSchedule, s.Frequency)
	}
	if s.Frequency == FrequencyAsNeeded {
		if len(s.TimeSlots) > 0 {
			return fmt.Errorf("%w: as-needed schedule with time slots", ErrInvalidSchedule)
		}
		return nil
	}
	if len(s.TimeSlots) == 0 {
		return fmt.Errorf("%w: no time slots", ErrInvalidSchedule)
	}
	for _, slot := range s.TimeSlots {
		if slot.Hour < 0 || slot.Hour > 23 || slot.Minute < 0 || slot.Minute > 59 {
			return fmt.Errorf("%w: slot %s out of range", ErrInvalidSchedule, slot)
		}
	}
	for _, day := range s.DaysOfWeek {
		if day < time.Sunday || day > time.Saturday {
			return fmt.Errorf("%w: weekday %d out of range", ErrInvalidSchedule, day)
		}
	}
	if !s.StartDate.IsZero() && !s.EndDate.IsZero() && s.EndDate.Before(s.StartDate) {
		return fmt.Errorf("%w: end date before start date", ErrInvalidSchedule)
	}
	return nil
}

// Medication is the read model of an active medication consumed by the engine.
type Medication struct {
	ID          string
	PatientID   string
	FamilyID    string
	Name        string
	Dosage      string
	Active      bool
	Schedule    Schedule
	Settings    Settings
	TakenDoses  int
	MissedDoses int
	LastTakenAt time.Time
}

// NextDoseTime evaluates the medication schedule, honouring the active flag.
func (m Medication) NextDoseTime(now time.Time) (time.Time, bool) {
	if !m.Active {
		return time.Time{}, false
	}
	return NextDoseTime(m.Schedule, now)
}
