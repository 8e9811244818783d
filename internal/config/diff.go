package config

import (
	"reflect"
	"sort"
	"strings"

	"pillbot/pkg/logx"
)

// SummarizeChange returns (1) a compact list of changed sections, (2) safe
// structured attrs for logging (never secrets like the bot token), and
// (3) the ids of medications whose definition or overrides changed.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	// Telegram (never log token)
	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
		)
	}

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	// Scheduler
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Int("scheduler.workers", newCfg.Scheduler.Workers),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	// Notifier. Nil means runtime defaults; compare against those so adding
	// an explicit section with default values registers as no change.
	defN := &NotifierConfig{Enabled: true, Workers: 2, QueueSize: 256, RatePerSec: 3, RetryMax: 3, RetryBase: "500ms", RetryMaxDelay: "10s"}
	oldN, newN := oldCfg.Notifier, newCfg.Notifier
	if oldN == nil {
		oldN = defN
	}
	if newN == nil {
		newN = defN
	}
	if *oldN != *newN {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.workers", newN.Workers),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
		)
	}

	// Storage. Nil means disabled.
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet bool
	if oldCfg.Storage != nil {
		oDriver = strings.TrimSpace(oldCfg.Storage.Driver)
		oBusy = strings.TrimSpace(oldCfg.Storage.BusyTimeout)
		oPathSet = strings.TrimSpace(oldCfg.Storage.Path) != ""
	}
	if newCfg.Storage != nil {
		nDriver = strings.TrimSpace(newCfg.Storage.Driver)
		nBusy = strings.TrimSpace(newCfg.Storage.BusyTimeout)
		nPathSet = strings.TrimSpace(newCfg.Storage.Path) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
		)
	}

	// Reminders (defaults, check-in, health check cadence)
	if !reflect.DeepEqual(oldCfg.Reminders, newCfg.Reminders) {
		changed = append(changed, "reminders")
		attrs = append(attrs,
			logx.Bool("reminders.time_sensitive_default", newCfg.Reminders.Defaults.TimeSensitive),
			logx.Int("reminders.follow_up_delay_min", newCfg.Reminders.Defaults.FollowUpDelayMin),
			logx.Bool("reminders.checkin_enabled", newCfg.Reminders.DailyCheckin.Enabled),
		)
	}

	// Medications: changed when added, removed, or any field differs.
	medsChanged := diffMedications(oldCfg.Medications, newCfg.Medications)
	if len(medsChanged) > 0 {
		changed = append(changed, "medications")
		attrs = append(attrs,
			logx.Int("medications.changed_count", len(medsChanged)),
			logx.Int("medications.total", len(newCfg.Medications)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, medsChanged
}

func diffMedications(oldM, newM []MedicationConfig) []string {
	oldByID := make(map[string]uint64, len(oldM))
	for _, m := range oldM {
		oldByID[m.ID] = canonicalHash(m)
	}
	newByID := make(map[string]uint64, len(newM))
	for _, m := range newM {
		newByID[m.ID] = canonicalHash(m)
	}

	set := map[string]struct{}{}
	for id := range oldByID {
		set[id] = struct{}{}
	}
	for id := range newByID {
		set[id] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for id := range set {
		if oldByID[id] != newByID[id] {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
