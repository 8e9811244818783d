package medication

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Kind string

const (
	KindPreventative Kind = "preventative"
	KindRescue       Kind = "rescue"
	KindOther        Kind = "other"
)

type Frequency string

const (
	FrequencyDaily     Frequency = "daily"
	FrequencyMonthly   Frequency = "monthly"
	FrequencyQuarterly Frequency = "quarterly"
)

// Medication is one configured medication with its dose schedules.
// Only active daily medications participate in recurring reminders;
// monthly/quarterly entries carry a last-taken date and surface only as
// due-date info in the /meds view.
type Medication struct {
	ID        string
	Name      string
	Kind      Kind
	Dose      float64
	DoseUnit  string
	Frequency Frequency
	Active    bool
	Schedules []Schedule
}

// Schedule is one dose slot of a medication.
//
// Time holds "HH:mm" wall-clock for daily frequency, or an ISO date
// (the last dose taken) for monthly/quarterly.
type Schedule struct {
	ID           string
	MedicationID string
	Time         string
	Timezone     string // IANA zone the wall-clock time is anchored to
	Dosage       float64
	Enabled      bool
}

// Prefs are the effective per-medication notification settings, already
// resolved from global defaults + per-medication overrides upstream.
type Prefs struct {
	TimeSensitive bool
	// FollowUpDelayMin is minutes after the primary reminder; 0 means off.
	FollowUpDelayMin int
	CriticalAlerts   bool
}

func (p Prefs) FollowUpEnabled() bool { return p.FollowUpDelayMin > 0 }

func ValidKind(k Kind) bool {
	switch k {
	case KindPreventative, KindRescue, KindOther:
		return true
	}
	return false
}

func ValidFrequency(f Frequency) bool {
	switch f {
	case FrequencyDaily, FrequencyMonthly, FrequencyQuarterly:
		return true
	}
	return false
}

// Validate checks a medication definition as it comes out of config.
func (m Medication) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return errors.New("medication id required")
	}
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("medication %s: name required", m.ID)
	}
	if !ValidKind(m.Kind) {
		return fmt.Errorf("medication %s: unknown kind %q", m.ID, m.Kind)
	}
	if !ValidFrequency(m.Frequency) {
		return fmt.Errorf("medication %s: unknown frequency %q", m.ID, m.Frequency)
	}
	seen := map[string]bool{}
	for _, sc := range m.Schedules {
		if strings.TrimSpace(sc.ID) == "" {
			return fmt.Errorf("medication %s: schedule id required", m.ID)
		}
		if seen[sc.ID] {
			return fmt.Errorf("medication %s: duplicate schedule id %s", m.ID, sc.ID)
		}
		seen[sc.ID] = true
		if m.Frequency == FrequencyDaily {
			if _, _, err := ParseWallClock(sc.Time); err != nil {
				return fmt.Errorf("medication %s schedule %s: %w", m.ID, sc.ID, err)
			}
			if _, err := time.LoadLocation(sc.Timezone); err != nil {
				return fmt.Errorf("medication %s schedule %s: unknown timezone %q", m.ID, sc.ID, sc.Timezone)
			}
		} else {
			if _, err := ParseLastTaken(sc.Time); err != nil {
				return fmt.Errorf("medication %s schedule %s: %w", m.ID, sc.ID, err)
			}
		}
	}
	return nil
}

// DoseLabel renders "2 x 50mg" style dose text for notification bodies.
func (m Medication) DoseLabel(count float64) string {
	unit := strings.TrimSpace(m.DoseUnit)
	if unit == "" {
		unit = "dose"
	}
	if count <= 0 {
		count = 1
	}
	if count == 1 {
		return fmt.Sprintf("%s %s", trimFloat(m.Dose), unit)
	}
	return fmt.Sprintf("%s x %s %s", trimFloat(count), trimFloat(m.Dose), unit)
}

func trimFloat(v float64) string {
	s := fmt.Sprintf("%.2f", v)
	s = strings.TrimRight(s, "0")
	s = strings.TrimRight(s, ".")
	if s == "" {
		return "0"
	}
	return s
}
