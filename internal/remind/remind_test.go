package remind

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pillbot/internal/devicesched"
	"pillbot/internal/medication"
	"pillbot/internal/storage"
	"pillbot/pkg/logx"
)

// fakeScheduler is an in-memory Scheduler whose registrations can be failed
// or silently dropped to simulate OS-side state loss.
type fakeScheduler struct {
	mu        sync.Mutex
	seq       int
	calls     int
	failCalls map[int]bool // fail the nth Register call (1-based)
	regs      map[string]devicesched.Request
	cancelled []string
	loc       *time.Location
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{
		failCalls: map[int]bool{},
		regs:      map[string]devicesched.Request{},
		loc:       time.UTC,
	}
}

func (f *fakeScheduler) Register(req devicesched.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failCalls[f.calls] {
		return "", devicesched.ErrRejected
	}
	f.seq++
	id := fmt.Sprintf("fake:%d", f.seq)
	f.regs[id] = req
	return id, nil
}

func (f *fakeScheduler) Cancel(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.regs, id)
	f.cancelled = append(f.cancelled, id)
}

func (f *fakeScheduler) ListAll() []devicesched.Registration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]devicesched.Registration, 0, len(f.regs))
	for id, req := range f.regs {
		out = append(out, devicesched.Registration{ID: id, Trigger: req.Trigger, Content: req.Content})
	}
	return out
}

func (f *fakeScheduler) DeviceLocation() *time.Location { return f.loc }

// drop simulates the scheduler losing an entry (reinstall, OS purge) without
// the engine's cancel path running.
func (f *fakeScheduler) drop(id string) {
	f.mu.Lock()
	delete(f.regs, id)
	f.mu.Unlock()
}

// failingStore wraps a Store and fails InsertMapping from a given call on.
type failingStore struct {
	storage.Store
	mu         sync.Mutex
	calls      int
	failOnCall int // 1-based; 0 disables
}

func (s *failingStore) InsertMapping(ctx context.Context, m storage.Mapping) (int64, error) {
	s.mu.Lock()
	s.calls++
	fail := s.failOnCall > 0 && s.calls >= s.failOnCall
	s.mu.Unlock()
	if fail {
		return 0, errors.New("disk full")
	}
	return s.Store.InsertMapping(ctx, m)
}

func testMed(id, name string, schedules ...medication.Schedule) medication.Medication {
	return medication.Medication{
		ID:        id,
		Name:      name,
		Kind:      medication.KindPreventative,
		Dose:      100,
		DoseUnit:  "mg",
		Frequency: medication.FrequencyDaily,
		Active:    true,
		Schedules: schedules,
	}
}

func testSchedule(id, medID, at, zone string) medication.Schedule {
	return medication.Schedule{
		ID:           id,
		MedicationID: medID,
		Time:         at,
		Timezone:     zone,
		Dosage:       1,
		Enabled:      true,
	}
}

// testClock is mid-January so America/Los_Angeles is on PST in fixtures.
func testClock() time.Time {
	return time.Date(2025, time.January, 15, 12, 0, 0, 0, time.UTC)
}

func newTestEngine(store storage.Store) (*fakeScheduler, *Orchestrator, *Reconciler) {
	sched := newFakeScheduler()
	orch := NewOrchestrator(sched, store, logx.Nop())
	orch.SetClock(testClock)
	rec := NewReconciler(sched, store, orch, logx.Nop())
	return sched, orch, rec
}
