package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/airstrike/airstrike/internal/api"
	"github.com/airstrike/airstrike/internal/events"
	"github.com/airstrike/airstrike/internal/models"
)

type sent struct {
	kind, title, message string
}

type recorder struct {
	mu   sync.Mutex
	sent []sent
}

func (r *recorder) install(n *Notifier, alertErr error) {
	n.notify = func(title, message string) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.sent = append(r.sent, sent{"notify", title, message})
		return nil
	}
	n.alert = func(title, message string) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		if alertErr != nil {
			return alertErr
		}
		r.sent = append(r.sent, sent{"alert", title, message})
		return nil
	}
}

func (r *recorder) all() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sent(nil), r.sent...)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if !cfg.Enabled || !cfg.ShowComplete || !cfg.ShowErrors {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"short", 10, "short"},
		{"exactly10c", 10, "exactly10c"},
		{"this is a long string", 10, "this is..."},
		{"", 10, ""},
		{"abcd", 3, "..."},
	}

	for _, tt := range tests {
		if got := truncate(tt.input, tt.maxLen); got != tt.expected {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.expected)
		}
	}
}

func TestJobComplete(t *testing.T) {
	tests := []struct {
		name      string
		ev        events.CompleteEvent
		wantTitle string
		wantText  string
	}{
		{
			name:      "completed",
			ev:        events.CompleteEvent{JobID: "42", Kind: models.KindDeauth, Target: "lab-ap", RunState: models.RunStateCompleted, Duration: 12 * time.Second},
			wantTitle: "Job Completed",
			wantText:  "deauth against lab-ap (12s)",
		},
		{
			name:      "failed with reason",
			ev:        events.CompleteEvent{JobID: "42", Kind: models.KindDoS, Target: "lab-ap", RunState: models.RunStateFailed, Reason: "interface down"},
			wantTitle: "Job Failed",
			wantText:  "interface down",
		},
		{
			name:      "stopped",
			ev:        events.CompleteEvent{JobID: "42", Kind: models.KindKarma, Target: "karma", RunState: models.RunStateStopped},
			wantTitle: "Job Stopped",
			wantText:  "karma against karma",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := NewNotifier(nil, nil)
			var rec recorder
			rec.install(n, nil)

			n.JobComplete(&tt.ev)

			got := rec.all()
			if len(got) != 1 {
				t.Fatalf("expected 1 notification, got %d", len(got))
			}
			if got[0].title != tt.wantTitle {
				t.Errorf("title = %q, want %q", got[0].title, tt.wantTitle)
			}
			if !strings.Contains(got[0].message, tt.wantText) {
				t.Errorf("message %q does not contain %q", got[0].message, tt.wantText)
			}
		})
	}
}

func TestJobErrorLostContactAlerts(t *testing.T) {
	n := NewNotifier(nil, nil)
	var rec recorder
	rec.install(n, nil)

	n.JobError(&events.ErrorEvent{JobID: "42", Op: "monitor", Error: api.NewLostContact("42", 5)})
	n.JobError(&events.ErrorEvent{Op: "start", Error: api.NewInvalidState("start", "42", "a job is already running")})

	got := rec.all()
	if len(got) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(got))
	}
	if got[0].kind != "alert" {
		t.Errorf("lost contact should alert, got %s", got[0].kind)
	}
	if got[1].kind != "notify" || got[1].title != "AirStrike start failed" {
		t.Errorf("unexpected second notification %+v", got[1])
	}
}

func TestJobErrorAlertFallback(t *testing.T) {
	n := NewNotifier(nil, nil)
	var rec recorder
	rec.install(n, errors.New("no alert support"))

	n.JobError(&events.ErrorEvent{JobID: "42", Op: "monitor", Error: api.NewLostContact("42", 5)})

	got := rec.all()
	if len(got) != 1 || got[0].kind != "notify" {
		t.Fatalf("expected one fallback notification, got %+v", got)
	}
}

func TestDisabledNotifierIsSilent(t *testing.T) {
	n := NewNotifier(&Config{Enabled: false, ShowComplete: true, ShowErrors: true}, nil)
	var rec recorder
	rec.install(n, nil)

	n.JobComplete(&events.CompleteEvent{RunState: models.RunStateCompleted})
	n.JobError(&events.ErrorEvent{Op: "stop", Error: errors.New("boom")})
	if len(rec.all()) != 0 {
		t.Error("disabled notifier sent notifications")
	}

	n.SetEnabled(true)
	if !n.IsEnabled() {
		t.Error("SetEnabled(true) had no effect")
	}
}

func TestWatchOneNotificationPerNotice(t *testing.T) {
	bus := events.NewEventBus(8)
	n := NewNotifier(nil, nil)
	var rec recorder
	rec.install(n, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := n.Watch(ctx, bus)

	bus.PublishStateChange("42", models.KindDeauth, models.RunStateStarting, models.RunStateRunning, "")
	bus.PublishError("42", "stop", api.NewInvalidState("stop", "", "no job is running"))
	bus.PublishComplete(models.Snapshot{JobID: "42", Kind: models.KindDeauth, RunState: models.RunStateCompleted}, 0)

	deadline := time.After(2 * time.Second)
	for len(rec.all()) < 2 {
		select {
		case <-deadline:
			t.Fatalf("expected 2 notifications, got %d", len(rec.all()))
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	<-done
	if got := len(rec.all()); got != 2 {
		t.Errorf("expected exactly 2 notifications, got %d", got)
	}
}
