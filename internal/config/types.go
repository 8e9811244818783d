package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"pillbot/internal/devicesched"
	"pillbot/internal/medication"
	"pillbot/internal/remind"
	"pillbot/internal/storage"
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	// Storage persists notification mappings. Nil means disabled: reminders
	// still fire, but /status and /fix have nothing to reconcile against.
	Storage *StorageConfig `json:"storage,omitempty"`

	// Scheduler controls the device notification scheduler.
	Scheduler SchedulerConfig `json:"scheduler"`

	// Notifier controls the delivery pipeline. If omitted, it defaults to
	// enabled with runtime defaults.
	Notifier *NotifierConfig `json:"notifier,omitempty"`

	Reminders   RemindersConfig    `json:"reminders"`
	Medications []MedicationConfig `json:"medications"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls the mapping store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./pillbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// Engine resolves the section into the storage layer's config.
func (s *StorageConfig) Engine() (storage.Config, error) {
	if s == nil {
		return storage.Config{}, nil
	}
	busy, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: s.Driver, Path: s.Path, BusyTimeout: busy}, nil
}

// SchedulerConfig controls the device notification scheduler.
type SchedulerConfig struct {
	Workers     int `json:"workers,omitempty"`
	QueueSize   int `json:"queue_size,omitempty"`
	HistorySize int `json:"history_size,omitempty"`
	// Timezone is the device clock zone (IANA name). Empty means the host's
	// local zone, which is what a real device uses.
	Timezone string `json:"timezone,omitempty"`
}

func (s SchedulerConfig) Engine() devicesched.Config {
	return devicesched.Config{
		Workers:     s.Workers,
		QueueSize:   s.QueueSize,
		HistorySize: s.HistorySize,
		Timezone:    s.Timezone,
	}
}

// NotifierConfig controls the async delivery pipeline.
//
// Durations are Go duration strings (e.g. "500ms", "10s").
type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

// RemindersConfig holds reminder-wide behavior: notification defaults each
// medication may override, the optional evening check-in, and the cadence of
// the background consistency check.
type RemindersConfig struct {
	Defaults NotificationPrefs `json:"defaults"`

	// Timezone is the fallback zone for schedules that omit one.
	Timezone string `json:"timezone,omitempty"`

	DailyCheckin DailyCheckinConfig `json:"daily_checkin"`

	// HealthCheckInterval is how often mappings are verified against the
	// scheduler. Empty means "6h"; "0s" disables the background check.
	HealthCheckInterval string `json:"health_check_interval,omitempty"`
}

type NotificationPrefs struct {
	TimeSensitive bool `json:"time_sensitive"`
	// FollowUpDelayMin is minutes after the primary reminder; 0 disables
	// follow-ups.
	FollowUpDelayMin int  `json:"follow_up_delay_min"`
	CriticalAlerts   bool `json:"critical_alerts"`
}

type DailyCheckinConfig struct {
	Enabled  bool   `json:"enabled"`
	Time     string `json:"time,omitempty"`     // "HH:mm", default "21:00"
	Timezone string `json:"timezone,omitempty"` // default reminders.timezone
}

type MedicationConfig struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Kind      string  `json:"kind"`
	Dose      float64 `json:"dose"`
	DoseUnit  string  `json:"dose_unit,omitempty"`
	Frequency string  `json:"frequency"`
	// Active defaults to true when omitted.
	Active *bool `json:"active,omitempty"`

	// Per-medication overrides of reminders.defaults. Nil means inherit.
	TimeSensitive    *bool `json:"time_sensitive,omitempty"`
	FollowUpDelayMin *int  `json:"follow_up_delay_min,omitempty"`
	CriticalAlerts   *bool `json:"critical_alerts,omitempty"`

	Schedules []ScheduleConfig `json:"schedules"`
}

type ScheduleConfig struct {
	ID string `json:"id"`
	// Time is "HH:mm" for daily medications, or the last-taken date
	// ("2006-01-02") for monthly/quarterly ones.
	Time     string  `json:"time"`
	Timezone string  `json:"timezone,omitempty"` // default reminders.timezone
	Dosage   float64 `json:"dosage,omitempty"`
	// Enabled defaults to true when omitted.
	Enabled *bool `json:"enabled,omitempty"`
}

const defaultCheckinTime = "21:00"

// Validate checks the whole document. It is the hook the manager runs before
// committing a reload, so a bad edit never reaches the engine.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if len(c.Telegram.OwnerUserIDs) == 0 {
		return errors.New("telegram.owner_user_ids must list at least one user")
	}
	if _, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
		return err
	}
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: unknown timezone %q", tz)
		}
	}
	if tz := strings.TrimSpace(c.Reminders.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("reminders.timezone: unknown timezone %q", tz)
		}
	}
	if _, err := ParseDurationField("reminders.health_check_interval", c.Reminders.HealthCheckInterval); err != nil {
		return err
	}
	if c.Reminders.DailyCheckin.Enabled {
		if _, err := c.Checkin(); err != nil {
			return err
		}
	}
	if c.Storage != nil {
		if _, err := c.Storage.Engine(); err != nil {
			return err
		}
	}

	seen := map[string]bool{}
	for i, mc := range c.Medications {
		if strings.TrimSpace(mc.ID) == "" {
			return fmt.Errorf("medications[%d]: id is required", i)
		}
		if seen[mc.ID] {
			return fmt.Errorf("medications[%d]: duplicate id %q", i, mc.ID)
		}
		seen[mc.ID] = true
		if err := c.medication(mc).Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Entries resolves the medication list into engine inputs, with per-med
// preference overrides applied over reminders.defaults.
func (c *Config) Entries() []remind.MedicationWithPrefs {
	out := make([]remind.MedicationWithPrefs, 0, len(c.Medications))
	for _, mc := range c.Medications {
		out = append(out, remind.MedicationWithPrefs{
			Medication: c.medication(mc),
			Prefs:      c.prefs(mc),
		})
	}
	return out
}

// Checkin resolves the daily check-in section.
func (c *Config) Checkin() (remind.CheckinSpec, error) {
	dc := c.Reminders.DailyCheckin
	if !dc.Enabled {
		return remind.CheckinSpec{}, nil
	}
	at := strings.TrimSpace(dc.Time)
	if at == "" {
		at = defaultCheckinTime
	}
	if _, _, err := medication.ParseWallClock(at); err != nil {
		return remind.CheckinSpec{}, fmt.Errorf("reminders.daily_checkin.time: %w", err)
	}
	tz := c.zoneOrDefault(dc.Timezone)
	if _, err := time.LoadLocation(tz); err != nil {
		return remind.CheckinSpec{}, fmt.Errorf("reminders.daily_checkin.timezone: unknown timezone %q", tz)
	}
	return remind.CheckinSpec{Enabled: true, Time: at, Timezone: tz}, nil
}

// HealthCheckInterval returns the background verification cadence.
// Zero means disabled.
func (c *Config) HealthCheckInterval() time.Duration {
	raw := strings.TrimSpace(c.Reminders.HealthCheckInterval)
	if raw == "" {
		return 6 * time.Hour
	}
	d, err := ParseDurationField("reminders.health_check_interval", raw)
	if err != nil {
		return 6 * time.Hour
	}
	return d
}

func (c *Config) medication(mc MedicationConfig) medication.Medication {
	m := medication.Medication{
		ID:        mc.ID,
		Name:      mc.Name,
		Kind:      medication.Kind(mc.Kind),
		Dose:      mc.Dose,
		DoseUnit:  mc.DoseUnit,
		Frequency: medication.Frequency(mc.Frequency),
		Active:    mc.Active == nil || *mc.Active,
	}
	m.Schedules = make([]medication.Schedule, 0, len(mc.Schedules))
	for _, sc := range mc.Schedules {
		m.Schedules = append(m.Schedules, medication.Schedule{
			ID:           sc.ID,
			MedicationID: mc.ID,
			Time:         sc.Time,
			Timezone:     c.zoneOrDefault(sc.Timezone),
			Dosage:       sc.Dosage,
			Enabled:      sc.Enabled == nil || *sc.Enabled,
		})
	}
	return m
}

func (c *Config) prefs(mc MedicationConfig) medication.Prefs {
	p := medication.Prefs{
		TimeSensitive:    c.Reminders.Defaults.TimeSensitive,
		FollowUpDelayMin: c.Reminders.Defaults.FollowUpDelayMin,
		CriticalAlerts:   c.Reminders.Defaults.CriticalAlerts,
	}
	if mc.TimeSensitive != nil {
		p.TimeSensitive = *mc.TimeSensitive
	}
	if mc.FollowUpDelayMin != nil {
		p.FollowUpDelayMin = *mc.FollowUpDelayMin
	}
	if mc.CriticalAlerts != nil {
		p.CriticalAlerts = *mc.CriticalAlerts
	}
	return p
}

func (c *Config) zoneOrDefault(tz string) string {
	tz = strings.TrimSpace(tz)
	if tz != "" {
		return tz
	}
	if z := strings.TrimSpace(c.Reminders.Timezone); z != "" {
		return z
	}
	return "UTC"
}
