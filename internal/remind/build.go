package remind

import (
	"fmt"
	"strings"
	"time"

	"pillbot/internal/devicesched"
	"pillbot/internal/medication"
)

// BuiltRequests is the builder output: a primary request and, when any
// member asks for one, a follow-up request sharing the same member list.
type BuiltRequests struct {
	Primary  devicesched.Request
	FollowUp *devicesched.Request
}

// BuildRequests renders a unit into scheduler requests. The stored
// (wall-clock, timezone) pair is converted to the device-local hour:minute
// the trigger actually fires at, evaluated against now — daily triggers run
// on the device clock and do not shift with DST on their own, so callers
// re-run this conversion on timezone changes.
func BuildRequests(u Unit, now time.Time) (BuiltRequests, error) {
	if len(u.Members) == 0 {
		return BuiltRequests{}, fmt.Errorf("empty unit for key %q", u.Key)
	}

	hour, minute, err := medication.ParseWallClock(u.Time)
	if err != nil {
		return BuiltRequests{}, err
	}
	devHour, devMinute, err := medication.DeviceLocal(hour, minute, u.Timezone, now)
	if err != nil {
		return BuiltRequests{}, err
	}

	medIDs := make([]string, 0, len(u.Members))
	schedIDs := make([]string, 0, len(u.Members))
	prefs := make([]medication.Prefs, 0, len(u.Members))
	for _, m := range u.Members {
		medIDs = append(medIDs, m.Medication.ID)
		schedIDs = append(schedIDs, m.Schedule.ID)
		prefs = append(prefs, m.Prefs)
	}
	level := strictestInterruptionLevel(prefs)

	primary := devicesched.Request{
		Content: devicesched.Content{
			Title: primaryTitle(u),
			Body:  primaryBody(u),
			Level: level,
			Payload: devicesched.Payload{
				MedicationIDs: medIDs,
				ScheduleIDs:   schedIDs,
				Type:          devicesched.TypeReminder,
				GroupKey:      u.Key,
			},
		},
		Trigger: devicesched.Trigger{Daily: &devicesched.DailyTrigger{Hour: devHour, Minute: devMinute}},
	}

	out := BuiltRequests{Primary: primary}
	if delay, ok := minimalFollowUpDelay(prefs); ok {
		fuHour, fuMinute := medication.AddMinutesWrapping(devHour, devMinute, delay)
		fu := devicesched.Request{
			Content: devicesched.Content{
				Title: "Medication follow-up",
				Body:  followUpBody(u),
				Level: level,
				Payload: devicesched.Payload{
					MedicationIDs: medIDs,
					ScheduleIDs:   schedIDs,
					Type:          devicesched.TypeFollowUp,
					GroupKey:      u.Key,
					IsFollowUp:    true,
				},
			},
			Trigger: devicesched.Trigger{Daily: &devicesched.DailyTrigger{Hour: fuHour, Minute: fuMinute}},
		}
		out.FollowUp = &fu
	}
	return out, nil
}

// strictestInterruptionLevel OR-combines member settings: any critical member
// makes the whole unit critical, else any time-sensitive member makes it
// time sensitive.
func strictestInterruptionLevel(prefs []medication.Prefs) devicesched.Level {
	level := devicesched.LevelActive
	for _, p := range prefs {
		if p.CriticalAlerts {
			return devicesched.LevelCritical
		}
		if p.TimeSensitive {
			level = devicesched.LevelTimeSensitive
		}
	}
	return level
}

// minimalFollowUpDelay returns the smallest configured follow-up delay among
// members that request one, and whether any member did.
func minimalFollowUpDelay(prefs []medication.Prefs) (int, bool) {
	best := 0
	found := false
	for _, p := range prefs {
		if !p.FollowUpEnabled() {
			continue
		}
		if !found || p.FollowUpDelayMin < best {
			best = p.FollowUpDelayMin
			found = true
		}
	}
	return best, found
}

func primaryTitle(u Unit) string {
	if u.Grouped() {
		return fmt.Sprintf("Medication reminder (%d medications)", len(u.Members))
	}
	return "Medication reminder"
}

func primaryBody(u Unit) string {
	if !u.Grouped() {
		m := u.Members[0]
		return fmt.Sprintf("Time to take %s (%s)", m.Medication.Name, m.Medication.DoseLabel(m.Schedule.Dosage))
	}
	parts := make([]string, 0, len(u.Members))
	for _, m := range u.Members {
		parts = append(parts, fmt.Sprintf("%s (%s)", m.Medication.Name, m.Medication.DoseLabel(m.Schedule.Dosage)))
	}
	return "Time to take: " + strings.Join(parts, ", ")
}

func followUpBody(u Unit) string {
	names := make([]string, 0, len(u.Members))
	for _, m := range u.Members {
		names = append(names, m.Medication.Name)
	}
	return fmt.Sprintf("Did you take %s? Log or skip the dose from the earlier reminder.", strings.Join(names, ", "))
}

// BuildCheckinRequest renders the optional daily check-in notification.
func BuildCheckinRequest(c CheckinSpec, now time.Time) (devicesched.Request, error) {
	hour, minute, err := medication.ParseWallClock(c.Time)
	if err != nil {
		return devicesched.Request{}, err
	}
	zone := c.Timezone
	if strings.TrimSpace(zone) == "" {
		zone = now.Location().String()
	}
	devHour, devMinute, err := medication.DeviceLocal(hour, minute, zone, now)
	if err != nil {
		return devicesched.Request{}, err
	}
	return devicesched.Request{
		Content: devicesched.Content{
			Title: "Daily check-in",
			Body:  "How was your day? Log any doses you haven't recorded yet.",
			Level: devicesched.LevelActive,
			Payload: devicesched.Payload{
				Type: devicesched.TypeDailyCheckin,
			},
		},
		Trigger: devicesched.Trigger{Daily: &devicesched.DailyTrigger{Hour: devHour, Minute: devMinute}},
	}, nil
}
