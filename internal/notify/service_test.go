package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pillbot/internal/devicesched"
	"pillbot/internal/transport"
	"pillbot/pkg/logx"
)

// recordingAdapter captures sent texts; the first failN sends error.
type recordingAdapter struct {
	mu    sync.Mutex
	sent  []string
	calls int
	failN int
}

func (a *recordingAdapter) Start(context.Context, chan<- transport.Update) error { return nil }
func (a *recordingAdapter) Stop(context.Context) error                           { return nil }

func (a *recordingAdapter) SendText(_ context.Context, _ transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.calls <= a.failN {
		return transport.MessageRef{}, errors.New("telegram: 502")
	}
	a.sent = append(a.sent, text)
	return transport.MessageRef{MessageID: a.calls}, nil
}

func (a *recordingAdapter) snapshot() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.sent...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDeliverAndHistory(t *testing.T) {
	t.Parallel()
	ad := &recordingAdapter{}
	s := New(Config{Enabled: true, RatePerSec: 100}, ad, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	err := s.Notify(context.Background(), transport.Notification{
		Priority: 3,
		Target:   transport.ChatTarget{ChatID: 42},
		Text:     "Time to take Aspirin (100 mg)",
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}

	waitFor(t, "delivery", func() bool { return len(ad.snapshot()) == 1 })
	if got := ad.snapshot()[0]; got != "Time to take Aspirin (100 mg)" {
		t.Fatalf("sent %q", got)
	}
	if h := s.Snapshot(); len(h) != 1 {
		t.Fatalf("history = %d entries, want 1", len(h))
	}
}

func TestRetryOnTransientFailure(t *testing.T) {
	t.Parallel()
	ad := &recordingAdapter{failN: 2}
	s := New(Config{Enabled: true, RatePerSec: 100, RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}, ad, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Notify(context.Background(), transport.Notification{Target: transport.ChatTarget{ChatID: 1}, Text: "hello"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitFor(t, "retried delivery", func() bool { return len(ad.snapshot()) == 1 })
}

func TestPriorityPrefix(t *testing.T) {
	t.Parallel()
	ad := &recordingAdapter{}
	s := New(Config{Enabled: true, RatePerSec: 100}, ad, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	for _, n := range []transport.Notification{
		{Priority: 9, Target: transport.ChatTarget{ChatID: 1}, Text: "critical"},
		{Priority: 6, Target: transport.ChatTarget{ChatID: 1}, Text: "sensitive"},
		{Priority: 3, Target: transport.ChatTarget{ChatID: 1}, Text: "plain"},
	} {
		if err := s.Notify(context.Background(), n); err != nil {
			t.Fatalf("Notify: %v", err)
		}
	}
	waitFor(t, "three deliveries", func() bool { return len(ad.snapshot()) == 3 })

	byText := map[string]bool{}
	for _, txt := range ad.snapshot() {
		byText[txt] = true
	}
	if !byText["\U0001F6A8 critical"] || !byText["⏰ sensitive"] || !byText["plain"] {
		t.Fatalf("prefixes wrong: %v", ad.snapshot())
	}
}

func TestDisabledAndStopped(t *testing.T) {
	t.Parallel()
	ad := &recordingAdapter{}
	s := New(Config{Enabled: false}, ad, logx.Nop())
	s.Start(context.Background()) // no-op while disabled

	if err := s.Notify(context.Background(), transport.Notification{Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}

	s.Apply(Config{Enabled: true, RatePerSec: 100})
	if err := s.Notify(context.Background(), transport.Notification{Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped before Start", err)
	}

	s.Start(context.Background())
	s.Stop(context.Background())
	if err := s.Notify(context.Background(), transport.Notification{Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped after Stop", err)
	}
}

func TestFromFired(t *testing.T) {
	t.Parallel()
	reg := devicesched.Registration{
		ID: "daily:1:1",
		Content: devicesched.Content{
			Title: "Medication Reminder",
			Body:  "Time to take Aspirin (100 mg)",
			Level: devicesched.LevelTimeSensitive,
		},
	}
	n := FromFired(reg, transport.ChatTarget{ChatID: 7})
	if n.Priority != 6 {
		t.Fatalf("priority = %d, want 6 for timeSensitive", n.Priority)
	}
	if n.Target.ChatID != 7 {
		t.Fatalf("target = %+v", n.Target)
	}
	want := "Medication Reminder\nTime to take Aspirin (100 mg)"
	if n.Text != want {
		t.Fatalf("text = %q, want %q", n.Text, want)
	}
	if n.Options == nil || !n.Options.DisablePreview {
		t.Fatal("previews must be disabled")
	}

	critical := reg
	critical.Content.Level = devicesched.LevelCritical
	if FromFired(critical, transport.ChatTarget{}).Priority != 9 {
		t.Fatal("critical must map to priority 9")
	}
}
