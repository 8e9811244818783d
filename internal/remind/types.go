package remind

import (
	"errors"
	"time"

	"pillbot/internal/devicesched"
	"pillbot/internal/medication"
)

// ErrSchedulingFailed wraps a scheduler rejection during ScheduleOne.
// No mapping is written when it is returned.
var ErrSchedulingFailed = errors.New("scheduling failed")

// Scheduler is the device notification scheduler as the engine sees it.
// devicesched.Service implements it; tests use a fake.
type Scheduler interface {
	Register(req devicesched.Request) (string, error)
	Cancel(id string)
	ListAll() []devicesched.Registration
	DeviceLocation() *time.Location
}

// Entry is one enabled daily schedule paired with its owning medication and
// that medication's resolved notification settings. Selection (active
// medication, daily frequency, enabled schedule) happens upstream so that
// "disabled" has a single source of truth.
type Entry struct {
	Medication medication.Medication
	Schedule   medication.Schedule
	Prefs      medication.Prefs
}

// MedicationWithPrefs pairs a medication with its resolved notification
// settings (global defaults + per-medication overrides, resolved upstream).
type MedicationWithPrefs struct {
	Medication medication.Medication
	Prefs      medication.Prefs
}

// Unit is a derived notification unit: one schedule, or every schedule
// sharing the same (time, timezone) key. Members keep stable input order so
// generated bodies are reproducible.
type Unit struct {
	Key      string // time + "|" + timezone
	Time     string // "HH:mm" wall clock in Timezone
	Timezone string
	Members  []Entry
}

func (u Unit) Grouped() bool { return len(u.Members) > 1 }

// GroupKey is the merge key: wall-clock + timezone equality is necessary and
// sufficient for two enabled schedules to share a unit. Dosage, kind and
// per-medication settings never split a group.
func GroupKey(s medication.Schedule) string {
	return s.Time + "|" + s.Timezone
}

// CheckinSpec configures the optional once-a-day check-in notification.
type CheckinSpec struct {
	Enabled  bool
	Time     string // "HH:mm"
	Timezone string
}

// Source tags recorded on mappings for provenance.
const (
	SourceScheduleEdit = "schedule_edit"
	SourceRebuild      = "rebuild"
	SourceCheckin      = "checkin"
)
