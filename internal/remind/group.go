package remind

import "pillbot/internal/medication"

// BuildUnits partitions enabled daily schedules into notification units.
// Schedules sharing a group key merge regardless of medication; everything
// else schedules singly. Unit order and member order follow the stable input
// order (medication list order, then schedule order), so the partition is
// deterministic under re-runs with the same configuration.
func BuildUnits(entries []Entry) []Unit {
	byKey := map[string]int{}
	units := make([]Unit, 0, len(entries))

	for _, e := range entries {
		key := GroupKey(e.Schedule)
		if i, ok := byKey[key]; ok {
			units[i].Members = append(units[i].Members, e)
			continue
		}
		byKey[key] = len(units)
		units = append(units, Unit{
			Key:      key,
			Time:     e.Schedule.Time,
			Timezone: e.Schedule.Timezone,
			Members:  []Entry{e},
		})
	}
	return units
}

// SelectEntries flattens medications into engine input: active daily
// medications only, enabled schedules only. Disabled schedules are excluded
// here, never at build time, so nothing downstream re-checks the flag.
func SelectEntries(meds []MedicationWithPrefs) []Entry {
	var out []Entry
	for _, mp := range meds {
		m := mp.Medication
		if !m.Active || m.Frequency != medication.FrequencyDaily {
			continue
		}
		for _, sc := range m.Schedules {
			if !sc.Enabled {
				continue
			}
			out = append(out, Entry{Medication: m, Schedule: sc, Prefs: mp.Prefs})
		}
	}
	return out
}
