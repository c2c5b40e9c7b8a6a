package progress

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/airstrike/airstrike/internal/models"
)

// BarView is the compact single-line view used by `start --wait`: one
// progress bar whose description carries the run state and log count.
type BarView struct {
	mu        sync.Mutex
	out       io.Writer
	bar       *progressbar.ProgressBar
	lastState models.RunState
	done      bool
}

// NewBarView creates a compact view writing to out.
func NewBarView(out io.Writer) *BarView {
	prepareTerminal(out)
	return &BarView{out: out}
}

// Render updates the bar from snap.
func (v *BarView) Render(snap models.Snapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.done || snap.RunState == models.RunStateIdle {
		return
	}

	if v.bar == nil {
		v.bar = progressbar.NewOptions(100,
			progressbar.OptionSetWriter(v.out),
			progressbar.OptionSetDescription(describeBar(snap)),
			progressbar.OptionSetWidth(30),
			progressbar.OptionThrottle(65*time.Millisecond),
			progressbar.OptionSetPredictTime(false),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionSetRenderBlankState(true),
		)
	}

	if snap.RunState != v.lastState || len(snap.Log) > 0 {
		v.bar.Describe(describeBar(snap))
	}
	v.lastState = snap.RunState
	_ = v.bar.Set(snap.Progress)

	if snap.RunState.IsTerminal() {
		v.finish(snap)
	}
}

func (v *BarView) finish(snap models.Snapshot) {
	v.done = true
	if snap.RunState == models.RunStateCompleted {
		_ = v.bar.Finish()
	} else {
		_ = v.bar.Exit()
	}
	fmt.Fprintln(v.out)
	if snap.Reason != "" && snap.RunState != models.RunStateCompleted {
		fmt.Fprintf(v.out, "%s %s: %s\n", StateSymbol(snap.RunState), snap.RunState, snap.Reason)
	}
}

// Close leaves the bar where it is.
func (v *BarView) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.done || v.bar == nil {
		return
	}
	v.done = true
	_ = v.bar.Exit()
	fmt.Fprintln(v.out)
}

func describeBar(snap models.Snapshot) string {
	desc := fmt.Sprintf("%s %s %-9s", StateSymbol(snap.RunState), snap.Kind, snap.RunState)
	if n := len(snap.Log); n > 0 {
		desc += fmt.Sprintf(" (%d log lines)", n)
	}
	return desc
}
