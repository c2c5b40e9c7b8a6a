// Package progress renders the tracked job for the terminal: a live view
// with the log printed above a progress bar, a compact single-line bar, and
// the plain-text formats used when output is not a terminal.
package progress

import (
	"io"
	"os"

	"golang.org/x/term"

	"github.com/airstrike/airstrike/internal/models"
)

// Renderer consumes store snapshots. Render is called synchronously from a
// store subscription and must not block on the store.
type Renderer interface {
	Render(snap models.Snapshot)
	Close()
}

// IsTerminal reports whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

// prepareTerminal enables escape sequences on w when it is a console.
func prepareTerminal(w io.Writer) {
	if f, ok := w.(*os.File); ok {
		enableANSI(f)
	}
}
