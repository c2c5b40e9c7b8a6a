package models

import (
	"fmt"
	"strings"
	"time"
)

// RunState is the lifecycle stage of a tracked job.
//
//	idle -> starting -> running -> {completed, failed, stopped}
//
// The three terminal states are siblings; reaching any of them freezes the job.
type RunState string

const (
	RunStateIdle      RunState = "idle"
	RunStateStarting  RunState = "starting"
	RunStateRunning   RunState = "running"
	RunStateCompleted RunState = "completed"
	RunStateFailed    RunState = "failed"
	RunStateStopped   RunState = "stopped"
)

// rank orders run states for the no-regression rule. Terminal states share a rank.
func (s RunState) rank() int {
	switch s {
	case RunStateIdle:
		return 0
	case RunStateStarting:
		return 1
	case RunStateRunning:
		return 2
	case RunStateCompleted, RunStateFailed, RunStateStopped:
		return 3
	default:
		return -1
	}
}

// Valid reports whether s is one of the known run states.
func (s RunState) Valid() bool {
	return s.rank() >= 0
}

// IsTerminal reports whether s is completed, failed or stopped.
func (s RunState) IsTerminal() bool {
	return s.rank() == 3
}

// IsActive reports whether a job in state s is still in flight.
func (s RunState) IsActive() bool {
	return s == RunStateStarting || s == RunStateRunning
}

// CanAdvance reports whether moving from -> to is a forward transition.
// Terminal states have no outgoing transitions, and staying in place is not an advance.
func CanAdvance(from, to RunState) bool {
	if !to.Valid() || from.IsTerminal() {
		return false
	}
	return to.rank() > from.rank()
}

// ParseServerStatus maps the job server's status vocabulary onto a RunState.
// The server reports intermediate statuses (initializing, stopping, unknown_completion)
// that collapse onto the client state machine.
func ParseServerStatus(status string) (RunState, error) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "initializing", "pending", "queued", "starting":
		return RunStateStarting, nil
	case "running", "stopping":
		return RunStateRunning, nil
	case "completed", "complete", "finished", "success":
		return RunStateCompleted, nil
	case "failed", "error", "unknown_completion":
		return RunStateFailed, nil
	case "stopped", "cancelled", "canceled":
		return RunStateStopped, nil
	default:
		return "", fmt.Errorf("unknown job status %q", status)
	}
}

// Kind is the attack type a job runs.
type Kind string

const (
	KindDeauth    Kind = "deauth"
	KindHandshake Kind = "handshake"
	KindEvilTwin  Kind = "evil_twin"
	KindDoS       Kind = "dos"
	KindKarma     Kind = "karma"
	KindICMPFlood Kind = "icmp_flood"
	KindDHCP      Kind = "dhcp"
)

// kindInfo holds per-kind metadata.
var kindInfo = map[Kind]struct {
	description    string
	requiresTarget bool
}{
	KindDeauth:    {"Deauthentication against an access point", true},
	KindHandshake: {"WPA handshake capture", true},
	KindEvilTwin:  {"Evil twin access point", true},
	KindDoS:       {"Denial of service against an access point", true},
	KindKarma:     {"Karma rogue access point answering client scans", false},
	KindICMPFlood: {"ICMP flood against a host", false},
	KindDHCP:      {"Rogue DHCP / starvation", false},
}

// Kinds returns all known kinds in display order.
func Kinds() []Kind {
	return []Kind{KindDeauth, KindHandshake, KindEvilTwin, KindDoS, KindKarma, KindICMPFlood, KindDHCP}
}

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := kindInfo[k]; !ok {
		return "", fmt.Errorf("unknown job kind %q", s)
	}
	return k, nil
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	_, ok := kindInfo[k]
	return ok
}

// RequiresTarget reports whether the kind needs a real network or device target.
func (k Kind) RequiresTarget() bool {
	return kindInfo[k].requiresTarget
}

// Description returns a one-line description of the kind.
func (k Kind) Description() string {
	return kindInfo[k].description
}

// Job is the single job tracked by a client session.
type Job struct {
	// ID is empty until the server accepts the start request.
	ID   string
	Kind Kind
	// Target is copied at submission time; later selection changes do not reach it.
	Target Target
	Params map[string]any

	RunState RunState
	Progress int
	Log      []string
	// Reason records why the job failed or stopped, if known.
	Reason string

	StartedAt time.Time
	UpdatedAt time.Time
}

// Snapshot is the read-only view handed to render adapters.
type Snapshot struct {
	JobID     string    `json:"jobId,omitempty"`
	Kind      Kind      `json:"kind,omitempty"`
	Target    Target    `json:"target"`
	RunState  RunState  `json:"runState"`
	Progress  int       `json:"progress"`
	Log       []string  `json:"log"`
	Reason    string    `json:"reason,omitempty"`
	StartedAt time.Time `json:"startedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Snapshot returns a deep copy of the job as a Snapshot.
func (j *Job) Snapshot() Snapshot {
	if j == nil {
		return Snapshot{RunState: RunStateIdle}
	}
	logCopy := make([]string, len(j.Log))
	copy(logCopy, j.Log)
	return Snapshot{
		JobID:     j.ID,
		Kind:      j.Kind,
		Target:    j.Target.Clone(),
		RunState:  j.RunState,
		Progress:  j.Progress,
		Log:       logCopy,
		Reason:    j.Reason,
		StartedAt: j.StartedAt,
		UpdatedAt: j.UpdatedAt,
	}
}

// ClampProgress bounds a progress value to 0..100.
func ClampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
