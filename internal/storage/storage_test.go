package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"pillbot/pkg/logx"
)

func openTestStores(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "pillbot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{
		"sqlite": sq,
		"memory": NewMemory(),
	}
}

func sample(notifID string, at time.Time) Mapping {
	return Mapping{
		NotificationID: notifID,
		ScheduledAt:    at,
		MedicationID:   "med-a",
		ScheduleID:     "s1",
		MedicationName: "Aspirin",
		Type:           "reminder",
		SourceType:     "rebuild",
		Title:          "Medication Reminder",
		Body:           "Time to take Aspirin",
	}
}

func TestInsertReadDelete(t *testing.T) {
	t.Parallel()
	base := time.Date(2025, time.March, 1, 16, 0, 0, 0, time.UTC)
	for name, store := range openTestStores(t) {
		store := store
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id, err := store.InsertMapping(ctx, sample("n1", base))
			if err != nil {
				t.Fatalf("InsertMapping: %v", err)
			}
			if id == 0 {
				t.Fatal("want a non-zero row id")
			}

			rows, err := store.FutureMappings(ctx, "")
			if err != nil {
				t.Fatalf("FutureMappings: %v", err)
			}
			if len(rows) != 1 {
				t.Fatalf("rows = %d, want 1", len(rows))
			}
			m := rows[0]
			if m.ID != id || m.NotificationID != "n1" || m.MedicationName != "Aspirin" {
				t.Fatalf("round trip mismatch: %+v", m)
			}
			if !m.ScheduledAt.Equal(base) {
				t.Fatalf("scheduled_at = %v, want %v", m.ScheduledAt, base)
			}
			if m.CreatedAt.IsZero() {
				t.Fatal("created_at must be stamped on insert")
			}

			if err := store.DeleteMapping(ctx, id); err != nil {
				t.Fatalf("DeleteMapping: %v", err)
			}
			rows, _ = store.FutureMappings(ctx, "")
			if len(rows) != 0 {
				t.Fatalf("rows after delete = %d, want 0", len(rows))
			}
			// Deleting an absent row is a no-op, not an error.
			if err := store.DeleteMapping(ctx, id); err != nil {
				t.Fatalf("repeat delete: %v", err)
			}
		})
	}
}

func TestFutureMappingsFilterAndOrder(t *testing.T) {
	t.Parallel()
	base := time.Date(2025, time.March, 1, 16, 0, 0, 0, time.UTC)
	for name, store := range openTestStores(t) {
		store := store
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			later := sample("n-late", base.Add(4*time.Hour))
			early := sample("n-early", base)
			followUp := sample("n-follow", base.Add(30*time.Minute))
			followUp.Type = "follow_up"
			for _, m := range []Mapping{later, early, followUp} {
				if _, err := store.InsertMapping(ctx, m); err != nil {
					t.Fatalf("InsertMapping: %v", err)
				}
			}

			all, err := store.FutureMappings(ctx, "")
			if err != nil {
				t.Fatalf("FutureMappings: %v", err)
			}
			if len(all) != 3 {
				t.Fatalf("rows = %d, want 3", len(all))
			}
			ids := []string{all[0].NotificationID, all[1].NotificationID, all[2].NotificationID}
			if ids[0] != "n-early" || ids[1] != "n-follow" || ids[2] != "n-late" {
				t.Fatalf("order = %v, want scheduled_at ascending", ids)
			}

			justFollowUps, err := store.FutureMappings(ctx, "follow_up")
			if err != nil {
				t.Fatalf("FutureMappings(follow_up): %v", err)
			}
			if len(justFollowUps) != 1 || justFollowUps[0].NotificationID != "n-follow" {
				t.Fatalf("filtered rows = %+v", justFollowUps)
			}
		})
	}
}

func TestGroupedMappingRoundTrip(t *testing.T) {
	t.Parallel()
	for name, store := range openTestStores(t) {
		store := store
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			m := Mapping{
				NotificationID: "n-group",
				ScheduledAt:    time.Date(2025, time.March, 1, 16, 0, 0, 0, time.UTC),
				Type:           "reminder",
				IsGrouped:      true,
				GroupKey:       "08:00|America/Los_Angeles",
				SourceType:     "rebuild",
				Title:          "Medication Reminder",
			}
			if _, err := store.InsertMapping(ctx, m); err != nil {
				t.Fatalf("InsertMapping: %v", err)
			}
			rows, err := store.FutureMappings(ctx, "")
			if err != nil || len(rows) != 1 {
				t.Fatalf("rows = %d err=%v", len(rows), err)
			}
			got := rows[0]
			if !got.IsGrouped || got.GroupKey != m.GroupKey {
				t.Fatalf("grouped fields lost: %+v", got)
			}
			if got.MedicationID != "" || got.ScheduleID != "" {
				t.Fatalf("empty singular fields must stay empty: %+v", got)
			}
		})
	}
}

func TestTableExists(t *testing.T) {
	t.Parallel()
	for name, store := range openTestStores(t) {
		store := store
		t.Run(name, func(t *testing.T) {
			ok, err := store.TableExists(context.Background())
			if err != nil {
				t.Fatalf("TableExists: %v", err)
			}
			if !ok {
				t.Fatal("migrated store must report the table")
			}
		})
	}
}

func TestOpenDispatch(t *testing.T) {
	t.Parallel()
	if st, err := Open(Config{}, logx.Nop()); err != nil || st != nil {
		t.Fatalf("empty driver: (%v, %v), want disabled", st, err)
	}
	if st, err := Open(Config{Driver: "none"}, logx.Nop()); err != nil || st != nil {
		t.Fatalf("driver none: (%v, %v), want disabled", st, err)
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver must error")
	}
	if _, err := Open(Config{Driver: "sqlite"}, logx.Nop()); err == nil {
		t.Fatal("sqlite without a path must error")
	}
}

func TestSQLiteReopenKeepsRows(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "pillbot.db")
	cfg := Config{Driver: "sqlite", Path: path, BusyTimeout: 2 * time.Second}

	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := st.InsertMapping(context.Background(), sample("n1", time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("InsertMapping: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st, err = Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	rows, err := st.FutureMappings(context.Background(), "")
	if err != nil || len(rows) != 1 {
		t.Fatalf("rows after reopen = %d err=%v, want 1", len(rows), err)
	}
}
