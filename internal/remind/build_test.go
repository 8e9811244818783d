package remind

import (
	"strings"
	"testing"

	"pillbot/internal/devicesched"
	"pillbot/internal/medication"
)

func unitWithPrefs(at, zone string, prefs ...medication.Prefs) Unit {
	u := Unit{Time: at, Timezone: zone, Key: at + "|" + zone}
	for i, p := range prefs {
		e := entry("med", "s", at, zone)
		e.Medication.ID = e.Medication.ID + string(rune('a'+i))
		e.Schedule.ID = e.Schedule.ID + string(rune('a'+i))
		e.Prefs = p
		u.Members = append(u.Members, e)
	}
	return u
}

func TestStrictestInterruptionLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		prefs []medication.Prefs
		want  devicesched.Level
	}{
		{name: "all default", prefs: []medication.Prefs{{}, {}}, want: devicesched.LevelActive},
		{name: "one time sensitive", prefs: []medication.Prefs{{}, {TimeSensitive: true}}, want: devicesched.LevelTimeSensitive},
		{name: "critical beats time sensitive", prefs: []medication.Prefs{{TimeSensitive: true}, {CriticalAlerts: true}}, want: devicesched.LevelCritical},
		{name: "critical alone", prefs: []medication.Prefs{{CriticalAlerts: true}}, want: devicesched.LevelCritical},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := strictestInterruptionLevel(tt.prefs); got != tt.want {
				t.Fatalf("strictestInterruptionLevel = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestMinimalFollowUpDelay(t *testing.T) {
	t.Parallel()
	delay, ok := minimalFollowUpDelay([]medication.Prefs{
		{FollowUpDelayMin: 45},
		{FollowUpDelayMin: 30},
		{}, // off
	})
	if !ok || delay != 30 {
		t.Fatalf("minimalFollowUpDelay = %d ok=%v, want 30 true", delay, ok)
	}

	if _, ok := minimalFollowUpDelay([]medication.Prefs{{}, {}}); ok {
		t.Fatal("no member requested a follow-up; want ok=false")
	}
}

func TestBuildRequestsSingle(t *testing.T) {
	t.Parallel()
	u := unitWithPrefs("08:00", "UTC", medication.Prefs{})
	built, err := BuildRequests(u, testClock())
	if err != nil {
		t.Fatalf("BuildRequests: %v", err)
	}
	d := built.Primary.Trigger.Daily
	if d == nil || d.Hour != 8 || d.Minute != 0 {
		t.Fatalf("primary trigger = %+v, want daily 08:00", built.Primary.Trigger)
	}
	if built.FollowUp != nil {
		t.Fatal("no follow-up requested; want nil")
	}
	if built.Primary.Content.Payload.Type != devicesched.TypeReminder {
		t.Fatalf("payload type = %s", built.Primary.Content.Payload.Type)
	}
	if !strings.Contains(built.Primary.Content.Body, u.Members[0].Medication.Name) {
		t.Fatalf("body %q does not mention the medication", built.Primary.Content.Body)
	}
}

func TestBuildRequestsFollowUpWrapsMidnight(t *testing.T) {
	t.Parallel()
	u := unitWithPrefs("23:45", "UTC", medication.Prefs{FollowUpDelayMin: 30})
	built, err := BuildRequests(u, testClock())
	if err != nil {
		t.Fatalf("BuildRequests: %v", err)
	}
	if built.FollowUp == nil {
		t.Fatal("want follow-up request")
	}
	d := built.FollowUp.Trigger.Daily
	if d.Hour != 0 || d.Minute != 15 {
		t.Fatalf("follow-up trigger = %02d:%02d, want 00:15", d.Hour, d.Minute)
	}
	if !built.FollowUp.Content.Payload.IsFollowUp {
		t.Fatal("follow-up payload not tagged IsFollowUp")
	}
	if built.FollowUp.Content.Payload.Type != devicesched.TypeFollowUp {
		t.Fatalf("follow-up type = %s", built.FollowUp.Content.Payload.Type)
	}
}

func TestBuildRequestsDeviceLocalConversion(t *testing.T) {
	t.Parallel()
	// 08:00 Los Angeles is 16:00 on a UTC device clock in January (PST).
	u := unitWithPrefs("08:00", "America/Los_Angeles", medication.Prefs{FollowUpDelayMin: 30})
	built, err := BuildRequests(u, testClock())
	if err != nil {
		t.Fatalf("BuildRequests: %v", err)
	}
	d := built.Primary.Trigger.Daily
	if d.Hour != 16 || d.Minute != 0 {
		t.Fatalf("primary device-local trigger = %02d:%02d, want 16:00", d.Hour, d.Minute)
	}
	f := built.FollowUp.Trigger.Daily
	if f.Hour != 16 || f.Minute != 30 {
		t.Fatalf("follow-up device-local trigger = %02d:%02d, want 16:30", f.Hour, f.Minute)
	}
}

func TestBuildRequestsGroupedPayloadOrder(t *testing.T) {
	t.Parallel()
	u := Unit{Time: "08:00", Timezone: "UTC", Key: "08:00|UTC"}
	for _, id := range []string{"med-a", "med-b", "med-c"} {
		e := entry(id, "sched-"+id, "08:00", "UTC")
		u.Members = append(u.Members, e)
	}
	built, err := BuildRequests(u, testClock())
	if err != nil {
		t.Fatalf("BuildRequests: %v", err)
	}
	p := built.Primary.Content.Payload
	want := []string{"med-a", "med-b", "med-c"}
	for i, id := range want {
		if p.MedicationIDs[i] != id {
			t.Fatalf("payload medication order = %v, want %v", p.MedicationIDs, want)
		}
	}
	for _, id := range want {
		if !strings.Contains(built.Primary.Content.Body, id) {
			t.Fatalf("grouped body %q missing %s", built.Primary.Content.Body, id)
		}
	}
}

func TestBuildRequestsRejectsBadTime(t *testing.T) {
	t.Parallel()
	u := unitWithPrefs("8:00", "UTC", medication.Prefs{})
	if _, err := BuildRequests(u, testClock()); err == nil {
		t.Fatal("want error for unpadded wall clock")
	}
}
