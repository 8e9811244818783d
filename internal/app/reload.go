package app

import (
	"context"
	"strings"

	"pillbot/internal/config"
	"pillbot/internal/medication"
	"pillbot/internal/remind"
	"pillbot/pkg/logx"
)

// reloadLoop applies committed config changes. Medication edits converge the
// scheduler: isolated edits go through the targeted cancel+schedule path,
// anything that regroups peers falls back to a full rebuild.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)

	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: only the newest version matters.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			sections, attrs, medsChanged := config.SummarizeChange(lastApplied, newCfg)
			if len(sections) == 0 {
				a.log.Debug("config reload received, no effective changes")
				lastApplied = newCfg
				continue
			}
			a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)

			a.logs.Apply(logx.Config{
				Level:   newCfg.Logging.Level,
				Console: newCfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: newCfg.Logging.File.Enabled,
					Path:    newCfg.Logging.File.Path,
				},
				Telegram: logx.TelegramConfig{
					Enabled:    newCfg.Logging.Telegram.Enabled,
					MinLevel:   newCfg.Logging.Telegram.MinLevel,
					RatePerSec: newCfg.Logging.Telegram.RatePerSec,
				},
			})
			if newCfg.Logging.Telegram.Enabled && len(newCfg.Telegram.OwnerUserIDs) > 0 {
				a.logs.SetTelegramTarget(newCfg.Telegram.OwnerUserIDs[0], 0)
			} else {
				a.logs.SetTelegramTarget(0, 0)
			}

			a.setOwners(newCfg.Telegram.OwnerUserIDs)
			a.notif.Apply(notifyConfig(newCfg.Notifier))

			a.applyReminderChanges(ctx, lastApplied, newCfg, sections, medsChanged)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyReminderChanges(ctx context.Context, oldCfg, newCfg *config.Config, sections []string, medsChanged []string) {
	medsTouched := len(medsChanged) > 0
	remindersTouched := false
	for _, s := range sections {
		if s == "reminders" || s == "scheduler" {
			remindersTouched = true
		}
	}
	if !medsTouched && !remindersTouched {
		return
	}

	oldEntries := oldCfg.Entries()
	newEntries := newCfg.Entries()

	// Defaults or check-in changed: everything may re-render, so rebuild.
	if remindersTouched || !targetedApplies(oldEntries, newEntries, medsChanged) {
		a.rebuildAll(ctx, newCfg)
		return
	}

	changed := map[string]bool{}
	for _, id := range medsChanged {
		changed[id] = true
	}

	// Targeted path: drop the edited medications' old registrations, then
	// schedule their current shape one schedule at a time.
	for _, e := range remind.SelectEntries(oldEntries) {
		if !changed[e.Medication.ID] {
			continue
		}
		if _, err := a.orch.CancelForSchedule(ctx, e.Schedule.ID); err != nil {
			a.log.Error("cancel failed; falling back to rebuild", logx.String("schedule_id", e.Schedule.ID), logx.Err(err))
			a.rebuildAll(ctx, newCfg)
			return
		}
	}
	for _, mp := range newEntries {
		if !changed[mp.Medication.ID] {
			continue
		}
		for _, e := range remind.SelectEntries([]remind.MedicationWithPrefs{mp}) {
			if _, err := a.orch.ScheduleOne(ctx, e.Medication, e.Schedule, e.Prefs); err != nil {
				a.log.Error("schedule failed", logx.String("schedule_id", e.Schedule.ID), logx.Err(err))
			}
		}
	}
	a.log.Info("medication changes applied", logx.Strings("medications", medsChanged))
}

func (a *App) rebuildAll(ctx context.Context, cfg *config.Config) {
	checkin, err := cfg.Checkin()
	if err != nil {
		a.log.Error("check-in config invalid; skipping rebuild", logx.Err(err))
		return
	}
	stats, err := a.orch.RescheduleAll(ctx, cfg.Entries(), checkin)
	if err != nil {
		a.log.Error("rebuild failed", logx.Err(err))
		return
	}
	a.log.Info("reminders rebuilt",
		logx.Int("units", stats.Units),
		logx.Int("registrations", stats.Scheduled),
		logx.Int("failed", stats.Failed),
	)
}

// targetedApplies reports whether the changed medications can be converged
// one schedule at a time. That requires every changed slot (old and new) to
// be ungrouped: grouped mappings are keyed by group, not schedule id, so the
// per-schedule cancel cannot reach them, and scheduling a changed medication
// alone would split a group it belongs to. Any sharing — with an unchanged
// medication or between two changed ones — forces a full rebuild.
func targetedApplies(oldEntries, newEntries []remind.MedicationWithPrefs, medsChanged []string) bool {
	changed := map[string]bool{}
	for _, id := range medsChanged {
		changed[id] = true
	}

	clean := func(meds []remind.MedicationWithPrefs) bool {
		counts := map[string]int{}
		changedKeys := map[string]bool{}
		for _, e := range remind.SelectEntries(meds) {
			key := remind.GroupKey(e.Schedule)
			counts[key]++
			if changed[e.Medication.ID] {
				changedKeys[key] = true
			}
		}
		for key := range changedKeys {
			if counts[key] > 1 {
				return false
			}
		}
		return true
	}
	return clean(oldEntries) && clean(newEntries)
}

// dailySchedules returns a medication's enabled daily slots; helper for the
// /meds view.
func dailySchedules(m medication.Medication) []medication.Schedule {
	if m.Frequency != medication.FrequencyDaily {
		return nil
	}
	out := make([]medication.Schedule, 0, len(m.Schedules))
	for _, sc := range m.Schedules {
		if sc.Enabled {
			out = append(out, sc)
		}
	}
	return out
}
