package progress

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/airstrike/airstrike/internal/models"
)

// JobView is the live view used by `watch`: log entries scroll above a
// progress bar. When the output is not a terminal it prints plain lines
// instead: state changes, progress changes and new log entries.
type JobView struct {
	mu  sync.Mutex
	out io.Writer
	tty bool

	progress *mpb.Progress
	bar      *mpb.Bar
	label    atomic.Value // string, read by the bar decorator

	printed      []string
	lastState    models.RunState
	lastProgress int
	closed       bool
}

// NewJobView creates a view writing to out.
func NewJobView(out io.Writer) *JobView {
	return newJobView(out, IsTerminal(out))
}

func newJobView(out io.Writer, tty bool) *JobView {
	v := &JobView{out: out, tty: tty, lastProgress: -1}
	v.label.Store("")
	if tty {
		prepareTerminal(out)
		v.progress = mpb.New(
			mpb.WithOutput(out),
			mpb.WithRefreshRate(150*time.Millisecond),
			mpb.WithWidth(80),
		)
	}
	return v
}

// Render updates the view from snap.
func (v *JobView) Render(snap models.Snapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}

	w := v.writer()

	if snap.RunState != v.lastState {
		v.label.Store(fmt.Sprintf("%s %s %s", StateSymbol(snap.RunState), snap.Kind, snap.Target.DisplayName()))
		if !v.tty || snap.RunState.IsTerminal() || v.lastState == "" {
			fmt.Fprintln(w, Headline(snap))
		}
		v.lastState = snap.RunState
	}

	for _, line := range newEntries(v.printed, snap.Log) {
		fmt.Fprintf(w, "  %s\n", line)
	}
	v.printed = append(v.printed[:0], snap.Log...)

	if v.tty {
		v.renderBar(snap)
	} else if snap.Progress != v.lastProgress && snap.RunState.IsActive() {
		fmt.Fprintf(w, "  progress %d%%\n", snap.Progress)
	}
	v.lastProgress = snap.Progress

	if snap.RunState.IsTerminal() && snap.Reason != "" && snap.RunState != models.RunStateCompleted {
		fmt.Fprintf(w, "  reason: %s\n", snap.Reason)
	}
}

func (v *JobView) renderBar(snap models.Snapshot) {
	if v.bar == nil {
		if !snap.RunState.IsActive() {
			return
		}
		v.bar = v.progress.New(100,
			mpb.BarStyle().Lbound("[").Filler("█").Tip("█").Padding("░").Rbound("]"),
			mpb.PrependDecorators(
				decor.Any(func(decor.Statistics) string {
					return v.label.Load().(string)
				}, decor.WCSyncSpaceR),
			),
			mpb.AppendDecorators(
				decor.Percentage(decor.WCSyncSpace),
				decor.Name("  "),
				decor.Elapsed(decor.ET_STYLE_GO),
			),
		)
	}
	if v.bar.Completed() || v.bar.Aborted() {
		return
	}

	v.bar.SetCurrent(int64(snap.Progress))
	switch snap.RunState {
	case models.RunStateCompleted:
		v.bar.SetTotal(100, true)
	case models.RunStateFailed, models.RunStateStopped:
		v.bar.Abort(false) // keep the bar to show where it stopped
	}
}

// writer prints above the bar while one exists; mpb owns the cursor then.
func (v *JobView) writer() io.Writer {
	if v.tty && v.bar != nil {
		return v.progress
	}
	return v.out
}

// Close finishes the bar and waits for the final frame to be written.
func (v *JobView) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	if v.bar != nil && !v.bar.Completed() && !v.bar.Aborted() {
		v.bar.Abort(false)
	}
	p := v.progress
	v.mu.Unlock()

	if p != nil {
		p.Wait()
	}
}
