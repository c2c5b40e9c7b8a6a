// Package logging provides the zerolog-backed logger shared by the CLI, the
// monitor loop and the simulator.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"golang.org/x/term"
)

const timeFormat = "15:04:05"

// Logger is a console logger. Components derive tagged children from the
// root logger created by the CLI.
type Logger struct {
	zlog zerolog.Logger
}

// NewLogger creates a console logger writing to w. Colors are used only
// when w is a terminal.
func NewLogger(w io.Writer) *Logger {
	f, ok := w.(*os.File)
	noColor := !ok || !term.IsTerminal(int(f.Fd()))
	return &Logger{
		zlog: zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: timeFormat, NoColor: noColor}).With().Timestamp().Logger(),
	}
}

// NewDefaultCLILogger logs to stderr; stdout is reserved for command output
// and the job view.
func NewDefaultCLILogger() *Logger {
	return NewLogger(os.Stderr)
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

func (l *Logger) Debug() *zerolog.Event { return l.zlog.Debug() }
func (l *Logger) Info() *zerolog.Event  { return l.zlog.Info() }
func (l *Logger) Warn() *zerolog.Event  { return l.zlog.Warn() }
func (l *Logger) Error() *zerolog.Event { return l.zlog.Error() }

// With starts a child context, e.g. to bind a job ID for a single run.
func (l *Logger) With() zerolog.Context {
	return l.zlog.With()
}

// Component returns a child logger tagged with a component name.
func (l *Logger) Component(name string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("component", name).Logger()}
}

// SetVerbose switches every logger between info and debug level.
func SetVerbose(verbose bool) {
	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func init() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}
