package remind

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pillbot/internal/devicesched"
	"pillbot/internal/medication"
	"pillbot/internal/storage"
	"pillbot/pkg/logx"
)

// Orchestrator idempotently converges the device scheduler and the mapping
// store to match the current medication configuration.
//
// All mutating operations run under one lock so a reconciliation pass never
// reads scheduler state mid-rebuild. Scheduler/store failures are terminal
// for the unit they belong to: logged, never retried automatically (retry is
// the user re-running a rebuild).
type Orchestrator struct {
	mu    sync.Mutex
	sched Scheduler
	store storage.Store
	log   logx.Logger

	// now is injectable for deterministic tests.
	now func() time.Time
}

// Stats summarizes a batch scheduling pass.
type Stats struct {
	Units     int
	Scheduled int // scheduler registrations made (primaries + follow-ups)
	Failed    int // units skipped because registration or persistence failed
}

func NewOrchestrator(sched Scheduler, store storage.Store, log logx.Logger) *Orchestrator {
	return &Orchestrator{
		sched: sched,
		store: store,
		log:   log,
		now:   time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (o *Orchestrator) SetClock(now func() time.Time) { o.now = now }

// ScheduleOne registers a single schedule as its own unit, ignoring grouping.
// Used for immediate feedback when one schedule is added or edited. Returns
// the primary notification id. On failure nothing is persisted and any
// partially-registered follow-up is cancelled, so no orphan is left behind.
func (o *Orchestrator) ScheduleOne(ctx context.Context, med medication.Medication, sc medication.Schedule, prefs medication.Prefs) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	u := Unit{
		Key:      GroupKey(sc),
		Time:     sc.Time,
		Timezone: sc.Timezone,
		Members:  []Entry{{Medication: med, Schedule: sc, Prefs: prefs}},
	}
	id, _, err := o.scheduleUnitLocked(ctx, u, SourceScheduleEdit)
	return id, err
}

// CancelForSchedule cancels the scheduler entries referenced by every mapping
// for the given schedule, then deletes those mappings. It must run before a
// schedule is deleted or regrouped under a new key, otherwise the old entry
// keeps firing with stale content. Returns the number of mappings removed.
func (o *Orchestrator) CancelForSchedule(ctx context.Context, scheduleID string) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelWhereLocked(ctx, func(m storage.Mapping) bool {
		return m.ScheduleID == scheduleID
	})
}

// RescheduleAll is the idempotent full convergence pass: it cancels every
// mapping the engine owns, re-derives all units from the given configuration
// and schedules them. A failure on one unit is isolated — logged and
// skipped — so a single bad schedule cannot take down every other reminder.
func (o *Orchestrator) RescheduleAll(ctx context.Context, meds []MedicationWithPrefs, checkin CheckinSpec) (Stats, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	removed, err := o.cancelWhereLocked(ctx, func(storage.Mapping) bool { return true })
	if err != nil {
		return Stats{}, fmt.Errorf("clear mappings: %w", err)
	}
	if removed > 0 {
		o.log.Debug("cleared previous mappings", logx.Int("count", removed))
	}

	units := BuildUnits(SelectEntries(meds))
	stats := o.scheduleGroupLocked(ctx, units, SourceRebuild)

	if checkin.Enabled {
		if err := o.scheduleCheckinLocked(ctx, checkin); err != nil {
			o.log.Error("daily check-in scheduling failed", logx.Err(err))
			stats.Failed++
		} else {
			stats.Units++
			stats.Scheduled++
		}
	}

	o.log.Info("reschedule complete",
		logx.Int("units", stats.Units),
		logx.Int("registrations", stats.Scheduled),
		logx.Int("failed", stats.Failed),
	)
	return stats, nil
}

// ScheduleGroup registers a batch of units. Exposed for the reconciler and
// tests; config-driven flows go through RescheduleAll.
func (o *Orchestrator) ScheduleGroup(ctx context.Context, units []Unit) Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.scheduleGroupLocked(ctx, units, SourceRebuild)
}

func (o *Orchestrator) scheduleGroupLocked(ctx context.Context, units []Unit, source string) Stats {
	stats := Stats{Units: len(units)}
	for _, u := range units {
		_, n, err := o.scheduleUnitLocked(ctx, u, source)
		if err != nil {
			// Partial-failure tolerance: one bad unit never aborts the batch.
			o.log.Error("unit scheduling failed",
				logx.String("group_key", u.Key),
				logx.Strings("schedule_ids", scheduleIDs(u)),
				logx.Err(err),
			)
			stats.Failed++
			continue
		}
		stats.Scheduled += n
	}
	return stats
}

// scheduleUnitLocked registers the unit's primary (and follow-up, if any)
// and persists one mapping per registration. Every step that can fail rolls
// back the registrations made so far: a mapping is only ever written for a
// registration the scheduler acknowledged, and no acknowledged registration
// survives without a mapping.
func (o *Orchestrator) scheduleUnitLocked(ctx context.Context, u Unit, source string) (string, int, error) {
	now := o.now().In(o.sched.DeviceLocation())
	built, err := BuildRequests(u, now)
	if err != nil {
		return "", 0, err
	}

	primaryID, err := o.sched.Register(built.Primary)
	if err != nil {
		return "", 0, fmt.Errorf("%w: primary for %q: %v", ErrSchedulingFailed, u.Key, err)
	}

	followUpID := ""
	if built.FollowUp != nil {
		followUpID, err = o.sched.Register(*built.FollowUp)
		if err != nil {
			o.sched.Cancel(primaryID)
			return "", 0, fmt.Errorf("%w: follow-up for %q: %v", ErrSchedulingFailed, u.Key, err)
		}
	}

	insertedIDs := make([]int64, 0, 2)
	rollback := func() {
		o.sched.Cancel(primaryID)
		if followUpID != "" {
			o.sched.Cancel(followUpID)
		}
		for _, id := range insertedIDs {
			if derr := o.store.DeleteMapping(ctx, id); derr != nil {
				o.log.Error("rollback delete failed", logx.Int64("mapping_id", id), logx.Err(derr))
			}
		}
	}

	rowID, err := o.store.InsertMapping(ctx, o.mappingFor(u, built.Primary, primaryID, source, now))
	if err != nil {
		rollback()
		return "", 0, fmt.Errorf("persist primary mapping for %q: %w", u.Key, err)
	}
	insertedIDs = append(insertedIDs, rowID)

	n := 1
	if built.FollowUp != nil {
		rowID, err = o.store.InsertMapping(ctx, o.mappingFor(u, *built.FollowUp, followUpID, source, now))
		if err != nil {
			rollback()
			return "", 0, fmt.Errorf("persist follow-up mapping for %q: %w", u.Key, err)
		}
		insertedIDs = append(insertedIDs, rowID)
		n = 2
	}
	return primaryID, n, nil
}

func (o *Orchestrator) scheduleCheckinLocked(ctx context.Context, c CheckinSpec) error {
	now := o.now().In(o.sched.DeviceLocation())
	req, err := BuildCheckinRequest(c, now)
	if err != nil {
		return err
	}
	id, err := o.sched.Register(req)
	if err != nil {
		return fmt.Errorf("%w: daily check-in: %v", ErrSchedulingFailed, err)
	}
	d := req.Trigger.Daily
	_, err = o.store.InsertMapping(ctx, storage.Mapping{
		NotificationID: id,
		ScheduledAt:    nextFire(now, d.Hour, d.Minute),
		Type:           string(devicesched.TypeDailyCheckin),
		SourceType:     SourceCheckin,
		Title:          req.Content.Title,
		Body:           req.Content.Body,
	})
	if err != nil {
		o.sched.Cancel(id)
		return fmt.Errorf("persist check-in mapping: %w", err)
	}
	return nil
}

func (o *Orchestrator) mappingFor(u Unit, req devicesched.Request, notifID, source string, now time.Time) storage.Mapping {
	d := req.Trigger.Daily
	m := storage.Mapping{
		NotificationID: notifID,
		ScheduledAt:    nextFire(now, d.Hour, d.Minute),
		Type:           string(req.Content.Payload.Type),
		IsGrouped:      u.Grouped(),
		GroupKey:       u.Key,
		SourceType:     source,
		Title:          req.Content.Title,
		Body:           req.Content.Body,
	}
	// Grouped mappings are identified by their group key; the singular
	// medication columns only make sense for single units.
	if !u.Grouped() {
		m.MedicationID = u.Members[0].Medication.ID
		m.ScheduleID = u.Members[0].Schedule.ID
		m.MedicationName = u.Members[0].Medication.Name
	}
	return m
}

// cancelWhereLocked cancels scheduler entries and deletes mappings matching
// the predicate, cancel before delete so no orphan can be created mid-pass.
func (o *Orchestrator) cancelWhereLocked(ctx context.Context, match func(storage.Mapping) bool) (int, error) {
	mappings, err := o.store.FutureMappings(ctx, "")
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, m := range mappings {
		if !match(m) {
			continue
		}
		o.sched.Cancel(m.NotificationID)
		if err := o.store.DeleteMapping(ctx, m.ID); err != nil {
			return removed, fmt.Errorf("delete mapping %d: %w", m.ID, err)
		}
		removed++
	}
	return removed, nil
}

// nextFire computes the next concrete fire instant of a device-local daily
// trigger, for display and sorting only.
func nextFire(now time.Time, hour, minute int) time.Time {
	fire := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !fire.After(now) {
		fire = fire.AddDate(0, 0, 1)
	}
	return fire
}

func scheduleIDs(u Unit) []string {
	ids := make([]string, 0, len(u.Members))
	for _, m := range u.Members {
		ids = append(ids, m.Schedule.ID)
	}
	return ids
}
