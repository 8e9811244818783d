package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (the normal device store)
//   - "memory": process-lifetime store (tests, throwaway runs)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Mapping is one persisted link between a logical reminder and a scheduler
// registration. Medication name, title and body are denormalized so the
// diagnostics view renders without joining against configuration.
type Mapping struct {
	ID             int64
	NotificationID string
	// ScheduledAt is the next concrete fire instant at creation time. It is
	// for display/sorting only; the underlying trigger recurs daily.
	ScheduledAt    time.Time
	MedicationID   string
	ScheduleID     string
	MedicationName string
	// Type is "reminder", "follow_up" or "daily_checkin".
	Type       string
	IsGrouped  bool
	GroupKey   string // the "HH:mm|zone" key that produced a grouped mapping
	SourceType string // provenance tag, e.g. "config", "rebuild"
	Title      string
	Body       string
	CreatedAt  time.Time
}
