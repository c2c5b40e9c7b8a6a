package progress

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/airstrike/airstrike/internal/models"
)

// StateSymbol returns the marker printed in front of a run state.
func StateSymbol(s models.RunState) string {
	switch s {
	case models.RunStateStarting:
		return "…"
	case models.RunStateRunning:
		return "▶"
	case models.RunStateCompleted:
		return "✓"
	case models.RunStateFailed:
		return "✗"
	case models.RunStateStopped:
		return "■"
	default:
		return "·"
	}
}

// Headline is the one-line summary of a snapshot.
func Headline(snap models.Snapshot) string {
	if snap.RunState == models.RunStateIdle || snap.RunState == "" {
		return "No job"
	}
	id := snap.JobID
	if id == "" {
		id = "pending"
	}
	return fmt.Sprintf("%s %s against %s (job %s): %s", StateSymbol(snap.RunState), snap.Kind, snap.Target.DisplayName(), id, snap.RunState)
}

// WriteSnapshot prints a snapshot in the detail format used by `status`.
// At most tail log entries are printed; tail <= 0 prints none.
func WriteSnapshot(w io.Writer, snap models.Snapshot, tail int) {
	if snap.RunState == models.RunStateIdle || snap.RunState == "" {
		fmt.Fprintln(w, "No job is being tracked.")
		return
	}

	fmt.Fprintf(w, "Job Details:\n")
	if snap.JobID != "" {
		fmt.Fprintf(w, "  ID: %s\n", snap.JobID)
	}
	fmt.Fprintf(w, "  Kind: %s\n", snap.Kind)
	fmt.Fprintf(w, "  Target: %s\n", snap.Target.DisplayName())
	if snap.Target.BSSID != "" && !snap.Target.Placeholder {
		fmt.Fprintf(w, "  BSSID: %s\n", snap.Target.BSSID)
	}
	if snap.Target.Channel > 0 {
		fmt.Fprintf(w, "  Channel: %d\n", snap.Target.Channel)
	}
	fmt.Fprintf(w, "  Status: %s %s\n", StateSymbol(snap.RunState), snap.RunState)
	fmt.Fprintf(w, "  Progress: %d%%\n", snap.Progress)
	if snap.Reason != "" {
		fmt.Fprintf(w, "  Reason: %s\n", snap.Reason)
	}
	if !snap.StartedAt.IsZero() {
		fmt.Fprintf(w, "  Started: %s\n", snap.StartedAt.Local().Format(time.DateTime))
	}

	if tail <= 0 || len(snap.Log) == 0 {
		return
	}
	entries := snap.Log
	if len(entries) > tail {
		entries = entries[len(entries)-tail:]
	}
	fmt.Fprintf(w, "\nLog (last %d of %d):\n", len(entries), len(snap.Log))
	for _, line := range entries {
		fmt.Fprintf(w, "  %s\n", strings.TrimRight(line, "\n"))
	}
}

// newEntries returns the entries of next that have not been printed yet.
// printed is what was shown before; next may have dropped leading entries
// (log cap) or been replaced entirely (resync), in which case all of next
// is new.
func newEntries(printed, next []string) []string {
	for i := 0; i < len(printed); i++ {
		overlap := printed[i:]
		if len(overlap) <= len(next) && slices.Equal(overlap, next[:len(overlap)]) {
			return next[len(overlap):]
		}
	}
	return next
}
