package alarms

import "time"

const (
	DefaultReminderIntervalMinutes  = 5
	DefaultMaxReminders             = 3
	DefaultNotifyFamilyAfterMinutes = 15
	DefaultToleranceMinutes         = 5
	DefaultOverdueThresholdMinutes  = 30
	DefaultRetentionDays            = 7
	DefaultSnoozeMinutes            = 15
)

// Settings are the per-medication reminder options. Zero values defer to the next layer.
type Settings struct {
	ReminderIntervalMinutes  int `yaml:"reminder_interval_minutes" json:"reminder_interval_minutes,omitempty"`
	MaxReminders             int `yaml:"max_reminders" json:"max_reminders,omitempty"`
	NotifyFamilyAfterMinutes int `yaml:"notify_family_after_minutes" json:"notify_family_after_minutes,omitempty"`
	AlarmToleranceMinutes    int `yaml:"alarm_tolerance_minutes" json:"alarm_tolerance_minutes,omitempty"`
	OverdueThresholdMinutes  int `yaml:"overdue_threshold_minutes" json:"overdue_threshold_minutes,omitempty"`
	RetentionDays            int `yaml:"retention_days" json:"retention_days,omitempty"`
	SnoozeMinutes            int `yaml:"snooze_minutes" json:"snooze_minutes,omitempty"`
}

// DefaultSettings returns the built-in defaults.
func DefaultSettings() Settings {
	return Settings{
		ReminderIntervalMinutes:  DefaultReminderIntervalMinutes,
		MaxReminders:             DefaultMaxReminders,
		NotifyFamilyAfterMinutes: DefaultNotifyFamilyAfterMinutes,
		AlarmToleranceMinutes:    DefaultToleranceMinutes,
		OverdueThresholdMinutes:  DefaultOverdueThresholdMinutes,
		RetentionDays:            DefaultRetentionDays,
		SnoozeMinutes:            DefaultSnoozeMinutes,
	}
}

// Merge overlays the non-zero fields of override onto s.
func (s Settings) Merge(override Settings) Settings {
	if override.ReminderIntervalMinutes > 0 {
		s.ReminderIntervalMinutes = override.ReminderIntervalMinutes
	}
	if override.MaxReminders > 0 {
		s.MaxReminders = override.MaxReminders
	}
	if override.NotifyFamilyAfterMinutes > 0 {
		s.NotifyFamilyAfterMinutes = override.NotifyFamilyAfterMinutes
	}
	if override.AlarmToleranceMinutes > 0 {
		s.AlarmToleranceMinutes = override.AlarmToleranceMinutes
	}
	if override.OverdueThresholdMinutes > 0 {
		s.OverdueThresholdMinutes = override.OverdueThresholdMinutes
	}
	if override.RetentionDays > 0 {
		s.RetentionDays = override.RetentionDays
	}
	if override.SnoozeMinutes > 0 {
		s.SnoozeMinutes = override.SnoozeMinutes
	}
	return s
}

// Policy converts settings into durations. Missing values fall back to defaults.
func (s Settings) Policy() ReminderPolicy {
	s = DefaultSettings().Merge(s)
	return ReminderPolicy{
		ReminderInterval:  minutes(s.ReminderIntervalMinutes),
		MaxReminders:      s.MaxReminders,
		NotifyFamilyAfter: minutes(s.NotifyFamilyAfterMinutes),
		Tolerance:         minutes(s.AlarmToleranceMinutes),
		OverdueThreshold:  minutes(s.OverdueThresholdMinutes),
		Retention:         time.Duration(s.RetentionDays) * 24 * time.Hour,
		Snooze:            minutes(s.SnoozeMinutes),
	}
}

// ReminderPolicy is the resolved timing of one alarm. It is stored with the alarm.
type ReminderPolicy struct {
	ReminderInterval  time.Duration `json:"reminder_interval"`
	MaxReminders      int           `json:"max_reminders"`
	NotifyFamilyAfter time.Duration `json:"notify_family_after"`
	Tolerance         time.Duration `json:"tolerance"`
	OverdueThreshold  time.Duration `json:"overdue_threshold"`
	Retention         time.Duration `json:"retention"`
	Snooze            time.Duration `json:"snooze"`
}

func minutes(n int) time.Duration {
	return time.Duration(n) * time.Minute
}
