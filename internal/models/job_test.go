package models

import (
	"encoding/json"
	"testing"
)

func TestCanAdvance(t *testing.T) {
	tests := []struct {
		name string
		from RunState
		to   RunState
		want bool
	}{
		{"idle to starting", RunStateIdle, RunStateStarting, true},
		{"starting to running", RunStateStarting, RunStateRunning, true},
		{"starting straight to failed", RunStateStarting, RunStateFailed, true},
		{"running to completed", RunStateRunning, RunStateCompleted, true},
		{"running to stopped", RunStateRunning, RunStateStopped, true},
		{"running back to starting", RunStateRunning, RunStateStarting, false},
		{"running to running", RunStateRunning, RunStateRunning, false},
		{"completed to failed", RunStateCompleted, RunStateFailed, false},
		{"stopped to running", RunStateStopped, RunStateRunning, false},
		{"unknown target", RunStateRunning, RunState("paused"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanAdvance(tt.from, tt.to); got != tt.want {
				t.Errorf("CanAdvance(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestParseServerStatus(t *testing.T) {
	tests := []struct {
		in      string
		want    RunState
		wantErr bool
	}{
		{"initializing", RunStateStarting, false},
		{"running", RunStateRunning, false},
		{"Stopping", RunStateRunning, false},
		{"completed", RunStateCompleted, false},
		{"unknown_completion", RunStateFailed, false},
		{" stopped ", RunStateStopped, false},
		{"cancelled", RunStateStopped, false},
		{"exploded", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		got, err := ParseServerStatus(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseServerStatus(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseServerStatus(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind(" Evil_Twin ")
	if err != nil {
		t.Fatalf("ParseKind failed: %v", err)
	}
	if k != KindEvilTwin {
		t.Errorf("expected evil_twin, got %s", k)
	}
	if _, err := ParseKind("wardrive"); err == nil {
		t.Error("expected error for unknown kind")
	}

	for _, k := range Kinds() {
		if k.Description() == "" {
			t.Errorf("kind %s has no description", k)
		}
	}
	if KindKarma.RequiresTarget() {
		t.Error("karma should not require a target")
	}
	if !KindDeauth.RequiresTarget() {
		t.Error("deauth should require a target")
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	job := &Job{
		ID:       "42",
		Kind:     KindDeauth,
		Target:   Target{BSSID: "AA:BB:CC:DD:EE:FF", Metadata: map[string]string{"vendor": "acme"}},
		RunState: RunStateRunning,
		Progress: 10,
		Log:      []string{"first"},
	}

	snap := job.Snapshot()
	snap.Log[0] = "mutated"
	snap.Target.Metadata["vendor"] = "mutated"

	if job.Log[0] != "first" {
		t.Errorf("snapshot log aliases job log")
	}
	if job.Target.Metadata["vendor"] != "acme" {
		t.Errorf("snapshot target metadata aliases job target")
	}

	var nilJob *Job
	if s := nilJob.Snapshot(); s.RunState != RunStateIdle {
		t.Errorf("nil job snapshot should be idle, got %s", s.RunState)
	}
}

func TestPlaceholderTarget(t *testing.T) {
	tgt := PlaceholderTarget(KindKarma)
	if !tgt.Placeholder {
		t.Error("placeholder flag not set")
	}
	if tgt.BSSID != BroadcastBSSID {
		t.Errorf("expected broadcast BSSID, got %s", tgt.BSSID)
	}
	if tgt.DisplayName() != "karma" {
		t.Errorf("unexpected display name %q", tgt.DisplayName())
	}
}

func TestStartResponseID(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{`{"jobId":"42"}`, "42"},
		{`{"job_id":"43"}`, "43"},
		{`{"success":true,"attack_id":"abc-123","message":"started"}`, "abc-123"},
		{`{}`, ""},
	}
	for _, tt := range tests {
		var resp StartResponse
		if err := json.Unmarshal([]byte(tt.body), &resp); err != nil {
			t.Fatalf("unmarshal %s: %v", tt.body, err)
		}
		if got := resp.ID(); got != tt.want {
			t.Errorf("ID() for %s = %q, want %q", tt.body, got, tt.want)
		}
	}
}

func TestClampProgress(t *testing.T) {
	if ClampProgress(-5) != 0 || ClampProgress(150) != 100 || ClampProgress(42) != 42 {
		t.Error("ClampProgress does not bound to 0..100")
	}
}
