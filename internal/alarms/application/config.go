package application

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	alarms "medication-reminder/internal/alarms/domain"
)

// Config defines reminder engine configuration.
type Config struct {
	PollInterval time.Duration              `yaml:"poll_interval"`
	SweepAt      string                     `yaml:"sweep_at"`
	Defaults     alarms.Settings            `yaml:"defaults"`
	Medications  map[string]alarms.Settings `yaml:"medications"`
}

// DefaultConfig returns built-in engine settings.
func DefaultConfig() Config {
	return Config{
		PollInterval: time.Minute,
		SweepAt:      "03:00",
		Defaults:     alarms.DefaultSettings(),
	}
}

// LoadConfig loads config from the YAML file named by ALARM_CONFIG, falling back to env.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	if path := os.Getenv("ALARM_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if cfg, err = ParseConfig(data); err != nil {
			return cfg, err
		}
	}

	if value := os.Getenv("ALARM_POLL_INTERVAL"); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return cfg, fmt.Errorf("config: ALARM_POLL_INTERVAL: %w", err)
		}
		cfg.PollInterval = parsed
	}
	if value := os.Getenv("ALARM_SWEEP_AT"); value != "" {
		cfg.SweepAt = value
	}
	cfg.Defaults = cfg.Defaults.Merge(alarms.Settings{
		ReminderIntervalMinutes:  getenvInt("REMINDER_INTERVAL_MINUTES"),
		MaxReminders:             getenvInt("MAX_REMINDERS"),
		NotifyFamilyAfterMinutes: getenvInt("NOTIFY_FAMILY_AFTER_MINUTES"),
		AlarmToleranceMinutes:    getenvInt("ALARM_TOLERANCE_MINUTES"),
		OverdueThresholdMinutes:  getenvInt("OVERDUE_THRESHOLD_MINUTES"),
		RetentionDays:            getenvInt("RETENTION_DAYS"),
	})
	return cfg, cfg.Validate()
}

// ParseConfig decodes YAML over the built-in defaults.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	var raw Config
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	if raw.PollInterval > 0 {
		cfg.PollInterval = raw.PollInterval
	}
	if raw.SweepAt != "" {
		cfg.SweepAt = raw.SweepAt
	}
	cfg.Defaults = cfg.Defaults.Merge(raw.Defaults)
	cfg.Medications = raw.Medications
	return cfg, cfg.Validate()
}

// Validate checks the schedule fields.
func (c Config) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("config: poll interval must be positive")
	}
	if _, _, err := parseDailyAt(c.SweepAt); err != nil {
		return fmt.Errorf("config: sweep_at %q: %w", c.SweepAt, err)
	}
	return nil
}

// PolicyFor resolves the policy of a medication: medication settings, then the YAML override, then defaults.
func (c Config) PolicyFor(med alarms.Medication) alarms.ReminderPolicy {
	settings := alarms.DefaultSettings().Merge(c.Defaults)
	if c.Medications != nil {
		if override, ok := c.Medications[med.ID]; ok {
			settings = settings.Merge(override)
		}
	}
	return settings.Merge(med.Settings).Policy()
}

// Retention returns the global retention window.
func (c Config) Retention() time.Duration {
	return alarms.DefaultSettings().Merge(c.Defaults).Policy().Retention
}

func getenvInt(key string) int {
	value := os.Getenv(key)
	if value == "" {
		return 0
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return 0
	}
	return parsed
}

func parseDailyAt(value string) (int, int, error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return 0, 0, err
	}
	return t.Hour(), t.Minute(), nil
}
