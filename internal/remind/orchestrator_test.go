package remind

import (
	"context"
	"errors"
	"sort"
	"testing"

	"pillbot/internal/medication"
	"pillbot/internal/storage"
)

func TestScheduleOneWritesMapping(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	sched, orch, _ := newTestEngine(store)

	med := testMed("med-a", "Aspirin")
	sc := testSchedule("s1", "med-a", "08:00", "UTC")

	id, err := orch.ScheduleOne(context.Background(), med, sc, medication.Prefs{})
	if err != nil {
		t.Fatalf("ScheduleOne: %v", err)
	}
	if id == "" {
		t.Fatal("want non-empty primary notification id")
	}
	if len(sched.ListAll()) != 1 {
		t.Fatalf("scheduler has %d registrations, want 1", len(sched.ListAll()))
	}

	mappings, err := store.FutureMappings(context.Background(), "")
	if err != nil {
		t.Fatalf("FutureMappings: %v", err)
	}
	if len(mappings) != 1 {
		t.Fatalf("got %d mappings, want 1", len(mappings))
	}
	m := mappings[0]
	if m.NotificationID != id || m.ScheduleID != "s1" || m.MedicationName != "Aspirin" {
		t.Fatalf("unexpected mapping: %+v", m)
	}
	if m.IsGrouped {
		t.Fatal("single unit mapping must not be grouped")
	}
}

func TestScheduleOneFollowUpPair(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	sched, orch, _ := newTestEngine(store)

	med := testMed("med-a", "Aspirin")
	sc := testSchedule("s1", "med-a", "08:00", "UTC")

	if _, err := orch.ScheduleOne(context.Background(), med, sc, medication.Prefs{FollowUpDelayMin: 30}); err != nil {
		t.Fatalf("ScheduleOne: %v", err)
	}
	if n := len(sched.ListAll()); n != 2 {
		t.Fatalf("scheduler has %d registrations, want primary+follow-up", n)
	}
	followUps, err := store.FutureMappings(context.Background(), "follow_up")
	if err != nil || len(followUps) != 1 {
		t.Fatalf("follow_up mappings = %d err=%v, want 1", len(followUps), err)
	}
}

func TestScheduleOnePrimaryRejectedLeavesNothing(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	sched, orch, _ := newTestEngine(store)
	sched.failCalls[1] = true

	med := testMed("med-a", "Aspirin")
	sc := testSchedule("s1", "med-a", "08:00", "UTC")

	_, err := orch.ScheduleOne(context.Background(), med, sc, medication.Prefs{})
	if !errors.Is(err, ErrSchedulingFailed) {
		t.Fatalf("err = %v, want ErrSchedulingFailed", err)
	}
	if len(sched.ListAll()) != 0 {
		t.Fatal("rejected registration must leave scheduler empty")
	}
	mappings, _ := store.FutureMappings(context.Background(), "")
	if len(mappings) != 0 {
		t.Fatal("no mapping may be written on failure")
	}
}

func TestScheduleOneFollowUpRejectedCancelsPrimary(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	sched, orch, _ := newTestEngine(store)
	sched.failCalls[2] = true // primary succeeds, follow-up rejected

	med := testMed("med-a", "Aspirin")
	sc := testSchedule("s1", "med-a", "08:00", "UTC")

	_, err := orch.ScheduleOne(context.Background(), med, sc, medication.Prefs{FollowUpDelayMin: 30})
	if !errors.Is(err, ErrSchedulingFailed) {
		t.Fatalf("err = %v, want ErrSchedulingFailed", err)
	}
	if len(sched.ListAll()) != 0 {
		t.Fatal("primary must be cancelled when the follow-up is rejected")
	}
	if len(sched.cancelled) != 1 {
		t.Fatalf("cancelled = %v, want exactly the primary", sched.cancelled)
	}
	mappings, _ := store.FutureMappings(context.Background(), "")
	if len(mappings) != 0 {
		t.Fatal("no mapping may survive a failed pair")
	}
}

func TestScheduleOneStoreFailureCancelsRegistrations(t *testing.T) {
	t.Parallel()
	store := &failingStore{Store: storage.NewMemory(), failOnCall: 1}
	sched, orch, _ := newTestEngine(store)

	med := testMed("med-a", "Aspirin")
	sc := testSchedule("s1", "med-a", "08:00", "UTC")

	if _, err := orch.ScheduleOne(context.Background(), med, sc, medication.Prefs{FollowUpDelayMin: 30}); err == nil {
		t.Fatal("want error when mapping cannot be persisted")
	}
	if len(sched.ListAll()) != 0 {
		t.Fatal("registrations must be rolled back when persistence fails")
	}
}

func TestCancelForSchedule(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	sched, orch, _ := newTestEngine(store)
	ctx := context.Background()

	medA := testMed("med-a", "Aspirin")
	medB := testMed("med-b", "Propranolol")
	if _, err := orch.ScheduleOne(ctx, medA, testSchedule("s1", "med-a", "08:00", "UTC"), medication.Prefs{}); err != nil {
		t.Fatal(err)
	}
	if _, err := orch.ScheduleOne(ctx, medB, testSchedule("s2", "med-b", "09:00", "UTC"), medication.Prefs{}); err != nil {
		t.Fatal(err)
	}

	removed, err := orch.CancelForSchedule(ctx, "s1")
	if err != nil {
		t.Fatalf("CancelForSchedule: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if n := len(sched.ListAll()); n != 1 {
		t.Fatalf("scheduler registrations = %d, want 1", n)
	}
	mappings, _ := store.FutureMappings(ctx, "")
	if len(mappings) != 1 || mappings[0].ScheduleID != "s2" {
		t.Fatalf("surviving mappings = %+v, want only s2", mappings)
	}
}

type rebuildTuple struct {
	GroupKey string
	Type     string
	Grouped  bool
}

func rebuildTuples(t *testing.T, store storage.Store) []rebuildTuple {
	t.Helper()
	mappings, err := store.FutureMappings(context.Background(), "")
	if err != nil {
		t.Fatalf("FutureMappings: %v", err)
	}
	out := make([]rebuildTuple, 0, len(mappings))
	for _, m := range mappings {
		out = append(out, rebuildTuple{GroupKey: m.GroupKey, Type: m.Type, Grouped: m.IsGrouped})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].GroupKey != out[j].GroupKey {
			return out[i].GroupKey < out[j].GroupKey
		}
		return out[i].Type < out[j].Type
	})
	return out
}

func TestRescheduleAllIdempotent(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	_, orch, _ := newTestEngine(store)
	ctx := context.Background()

	meds := []MedicationWithPrefs{
		{
			Medication: testMed("med-a", "Aspirin",
				testSchedule("s1", "med-a", "08:00", "UTC"),
				testSchedule("s2", "med-a", "20:00", "UTC"),
			),
			Prefs: medication.Prefs{FollowUpDelayMin: 15},
		},
		{
			Medication: testMed("med-b", "Propranolol", testSchedule("s3", "med-b", "08:00", "UTC")),
			Prefs:      medication.Prefs{TimeSensitive: true},
		},
	}

	if _, err := orch.RescheduleAll(ctx, meds, CheckinSpec{}); err != nil {
		t.Fatalf("first RescheduleAll: %v", err)
	}
	first := rebuildTuples(t, store)

	if _, err := orch.RescheduleAll(ctx, meds, CheckinSpec{}); err != nil {
		t.Fatalf("second RescheduleAll: %v", err)
	}
	second := rebuildTuples(t, store)

	if len(first) == 0 || len(first) != len(second) {
		t.Fatalf("tuple counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("tuple %d changed across identical rebuilds: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestRescheduleAllIsolatesUnitFailures(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	sched, orch, _ := newTestEngine(store)
	ctx := context.Background()

	meds := []MedicationWithPrefs{
		{Medication: testMed("med-a", "Aspirin", testSchedule("s1", "med-a", "08:00", "UTC"))},
		{Medication: testMed("med-b", "Propranolol", testSchedule("s2", "med-b", "09:00", "UTC"))},
		{Medication: testMed("med-c", "Naproxen", testSchedule("s3", "med-c", "10:00", "UTC"))},
	}
	sched.failCalls[2] = true // second unit's primary registration rejected

	stats, err := orch.RescheduleAll(ctx, meds, CheckinSpec{})
	if err != nil {
		t.Fatalf("RescheduleAll: %v", err)
	}
	if stats.Failed != 1 {
		t.Fatalf("stats.Failed = %d, want 1", stats.Failed)
	}
	if stats.Scheduled != 2 {
		t.Fatalf("stats.Scheduled = %d, want 2 surviving units", stats.Scheduled)
	}
	mappings, _ := store.FutureMappings(ctx, "")
	if len(mappings) != 2 {
		t.Fatalf("mappings = %d, want the two healthy units", len(mappings))
	}
}

func TestRescheduleAllDailyCheckin(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	_, orch, _ := newTestEngine(store)
	ctx := context.Background()

	_, err := orch.RescheduleAll(ctx, nil, CheckinSpec{Enabled: true, Time: "21:30", Timezone: "UTC"})
	if err != nil {
		t.Fatalf("RescheduleAll: %v", err)
	}
	checkins, err := store.FutureMappings(ctx, "daily_checkin")
	if err != nil || len(checkins) != 1 {
		t.Fatalf("daily_checkin mappings = %d err=%v, want 1", len(checkins), err)
	}
	if checkins[0].SourceType != SourceCheckin {
		t.Fatalf("source = %q, want %q", checkins[0].SourceType, SourceCheckin)
	}
}
