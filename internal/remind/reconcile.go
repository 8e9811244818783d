package remind

import (
	"context"
	"sort"

	"pillbot/internal/storage"
	"pillbot/pkg/logx"
)

// Status classifies one mapping against a scheduler snapshot. It is always
// derived fresh — never persisted — so the verdict cannot drift from truth
// the way a stored "sync status" flag would.
type Status string

const (
	// StatusMatched: a scheduler entry exists for the mapping's id.
	StatusMatched Status = "matched"
	// StatusMissing: no scheduler entry exists; the reminder will never fire.
	StatusMissing Status = "missing_from_scheduler"
	// StatusOrphaned: the mapping references a schedule (or group key) that no
	// enabled schedule on an active medication produces anymore.
	StatusOrphaned Status = "orphaned_reference"
)

// MappingStatus pairs a stored mapping with its derived classification.
type MappingStatus struct {
	Mapping storage.Mapping
	Status  Status
}

// Summary is the diagnostics view of one reconciliation pass.
type Summary struct {
	SchedulerEntries int
	StoredMappings   int
	Missing          int
	Orphaned         int
	// TableMissing is set when the mapping table does not exist yet
	// (pre-migration database); counts are then zero, not an error.
	TableMissing bool
	// Items is sorted for display: missing-from-scheduler first (the
	// actionable problem), then by trigger time ascending.
	Items []MappingStatus
}

// Reconciler compares the mapping store's recorded intent against the device
// scheduler's actual state and repairs drift.
type Reconciler struct {
	sched Scheduler
	store storage.Store
	orch  *Orchestrator
	log   logx.Logger
}

func NewReconciler(sched Scheduler, store storage.Store, orch *Orchestrator, log logx.Logger) *Reconciler {
	return &Reconciler{sched: sched, store: store, orch: orch, log: log}
}

// Summarize snapshots both stores and classifies every mapping. It takes the
// orchestrator's lock so the two snapshots never interleave with a rebuild;
// without it, a pass running mid-rebuild would report the half-cancelled
// state as drift.
func (r *Reconciler) Summarize(ctx context.Context, entries []Entry) (Summary, error) {
	r.orch.mu.Lock()
	defer r.orch.mu.Unlock()

	ok, err := r.store.TableExists(ctx)
	if err != nil {
		return Summary{}, err
	}
	if !ok {
		return Summary{TableMissing: true}, nil
	}

	regs := r.sched.ListAll()
	mappings, err := r.store.FutureMappings(ctx, "")
	if err != nil {
		return Summary{}, err
	}

	regIDs := make(map[string]struct{}, len(regs))
	for _, reg := range regs {
		regIDs[reg.ID] = struct{}{}
	}
	liveSchedules, liveKeys := liveSets(entries)

	sum := Summary{
		SchedulerEntries: len(regs),
		StoredMappings:   len(mappings),
		Items:            make([]MappingStatus, 0, len(mappings)),
	}
	for _, m := range mappings {
		st := classify(m, regIDs, liveSchedules, liveKeys)
		switch st {
		case StatusMissing:
			sum.Missing++
		case StatusOrphaned:
			sum.Orphaned++
		}
		sum.Items = append(sum.Items, MappingStatus{Mapping: m, Status: st})
	}

	sort.SliceStable(sum.Items, func(i, j int) bool {
		mi, mj := sum.Items[i], sum.Items[j]
		if (mi.Status == StatusMissing) != (mj.Status == StatusMissing) {
			return mi.Status == StatusMissing
		}
		return mi.Mapping.ScheduledAt.Before(mj.Mapping.ScheduledAt)
	})
	return sum, nil
}

// FixInconsistencies is the targeted repair: every orphaned mapping has its
// scheduler entry cancelled (if still present) and its row deleted. Mappings
// that are merely missing from the scheduler are left alone — they need
// re-registration (a rebuild), not cancellation. Returns the number of
// mappings fixed and the distinct stale schedule ids found, for audit
// display. Holds the orchestrator's lock for the same reason Summarize does,
// and additionally so its cancel+delete pairs never race a rebuild's.
func (r *Reconciler) FixInconsistencies(ctx context.Context, entries []Entry) (int, []string, error) {
	r.orch.mu.Lock()
	defer r.orch.mu.Unlock()

	mappings, err := r.store.FutureMappings(ctx, "")
	if err != nil {
		return 0, nil, err
	}
	regs := r.sched.ListAll()
	regIDs := make(map[string]struct{}, len(regs))
	for _, reg := range regs {
		regIDs[reg.ID] = struct{}{}
	}
	liveSchedules, liveKeys := liveSets(entries)

	fixed := 0
	staleSeen := map[string]bool{}
	var staleIDs []string
	for _, m := range mappings {
		if classify(m, regIDs, liveSchedules, liveKeys) != StatusOrphaned {
			continue
		}
		r.sched.Cancel(m.NotificationID)
		if err := r.store.DeleteMapping(ctx, m.ID); err != nil {
			return fixed, staleIDs, err
		}
		fixed++
		stale := m.ScheduleID
		if stale == "" {
			stale = m.GroupKey
		}
		if stale != "" && !staleSeen[stale] {
			staleSeen[stale] = true
			staleIDs = append(staleIDs, stale)
		}
		r.log.Info("orphaned mapping removed",
			logx.Int64("mapping_id", m.ID),
			logx.String("notification_id", m.NotificationID),
			logx.String("schedule_id", m.ScheduleID),
			logx.String("group_key", m.GroupKey),
		)
	}
	return fixed, staleIDs, nil
}

// RebuildAll is the blunt, always-correct repair for any drift: a full
// reschedule from current configuration, at the cost of new scheduler
// identifiers for every reminder.
func (r *Reconciler) RebuildAll(ctx context.Context, meds []MedicationWithPrefs, checkin CheckinSpec) (Stats, error) {
	return r.orch.RescheduleAll(ctx, meds, checkin)
}

// classify derives the state of one mapping. Orphan takes precedence: a
// mapping whose schedule is gone gets cancelled regardless of whether its
// scheduler entry still exists.
func classify(m storage.Mapping, regIDs, liveSchedules, liveKeys map[string]struct{}) Status {
	orphaned := false
	switch {
	case m.ScheduleID != "":
		_, live := liveSchedules[m.ScheduleID]
		orphaned = !live
	case m.IsGrouped:
		_, live := liveKeys[m.GroupKey]
		orphaned = !live
	default:
		// Check-in style mappings reference no schedule; they can only be
		// matched or missing.
	}
	if orphaned {
		return StatusOrphaned
	}
	if _, ok := regIDs[m.NotificationID]; ok {
		return StatusMatched
	}
	return StatusMissing
}

func liveSets(entries []Entry) (schedules, keys map[string]struct{}) {
	schedules = make(map[string]struct{}, len(entries))
	keys = make(map[string]struct{}, len(entries))
	for _, e := range entries {
		schedules[e.Schedule.ID] = struct{}{}
		keys[GroupKey(e.Schedule)] = struct{}{}
	}
	return schedules, keys
}
