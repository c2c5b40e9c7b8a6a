// Package notify turns operator notices from the event bus into desktop
// notifications. It uses github.com/gen2brain/beeep for cross-platform support.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/beeep"

	"github.com/airstrike/airstrike/internal/api"
	"github.com/airstrike/airstrike/internal/constants"
	"github.com/airstrike/airstrike/internal/events"
	"github.com/airstrike/airstrike/internal/logging"
	"github.com/airstrike/airstrike/internal/models"
)

// Notifier handles desktop notifications.
type Notifier struct {
	logger  *logging.Logger
	enabled bool
	cfg     Config
	mu      sync.RWMutex

	// notify and alert are beeep.Notify / beeep.Alert; tests replace them.
	notify func(title, message string) error
	alert  func(title, message string) error
}

// Config holds notification configuration.
type Config struct {
	// Enabled determines if notifications are sent.
	Enabled bool

	// ShowComplete shows a notification when a job finishes.
	ShowComplete bool

	// ShowErrors shows a notification for every surfaced error.
	ShowErrors bool
}

// DefaultConfig returns the default notification configuration.
func DefaultConfig() *Config {
	return &Config{
		Enabled:      true,
		ShowComplete: true,
		ShowErrors:   true,
	}
}

// NewNotifier creates a new notifier with the given configuration.
func NewNotifier(cfg *Config, logger *logging.Logger) *Notifier {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	return &Notifier{
		logger:  logger.Component("notify"),
		enabled: cfg.Enabled,
		cfg:     *cfg,
		notify: func(title, message string) error {
			return beeep.Notify(title, message, "")
		},
		alert: func(title, message string) error {
			return beeep.Alert(title, message, "")
		},
	}
}

// SetEnabled enables or disables notifications.
func (n *Notifier) SetEnabled(enabled bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.enabled = enabled
}

// IsEnabled returns whether notifications are enabled.
func (n *Notifier) IsEnabled() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.enabled
}

// Watch delivers notices from bus until ctx is cancelled or the bus closes.
// The returned channel is closed when Watch has unsubscribed.
func (n *Notifier) Watch(ctx context.Context, bus *events.EventBus) <-chan struct{} {
	ch := bus.Subscribe(events.EventError, events.EventComplete)
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer bus.Unsubscribe(ch)

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				n.Handle(ev)
			}
		}
	}()
	return done
}

// Handle sends at most one notification for ev.
func (n *Notifier) Handle(ev events.Event) {
	switch e := ev.(type) {
	case *events.ErrorEvent:
		n.JobError(e)
	case *events.CompleteEvent:
		n.JobComplete(e)
	}
}

// JobComplete sends a notification for a job that reached a terminal state.
func (n *Notifier) JobComplete(ev *events.CompleteEvent) {
	if !n.IsEnabled() || !n.cfg.ShowComplete {
		return
	}

	var title string
	switch ev.RunState {
	case models.RunStateCompleted:
		title = "Job Completed"
	case models.RunStateStopped:
		title = "Job Stopped"
	default:
		title = "Job Failed"
	}

	message := fmt.Sprintf("%s against %s", ev.Kind, truncate(ev.Target, 40))
	if ev.Duration > 0 {
		message += fmt.Sprintf(" (%s)", ev.Duration.Round(time.Second))
	}
	if ev.Reason != "" && ev.RunState != models.RunStateCompleted {
		message += "\n" + truncate(ev.Reason, 100)
	}

	if err := n.notify(title, message); err != nil {
		n.logger.Warn().Err(err).Str("job_id", ev.JobID).Msg("Failed to send job complete notification")
	}
}

// JobError sends a notification for an error surfaced to the operator.
// Lost contact is raised as an alert since the job's real state is unknown.
func (n *Notifier) JobError(ev *events.ErrorEvent) {
	if !n.IsEnabled() || !n.cfg.ShowErrors || ev.Error == nil {
		return
	}

	title := fmt.Sprintf("%s %s failed", constants.DisplayName, ev.Op)
	message := truncate(ev.Error.Error(), 160)

	if api.IsLostContact(ev.Error) {
		title = constants.DisplayName + " Alert"
		if err := n.alert(title, message); err == nil {
			return
		}
		// fall back to a regular notification
	}

	if err := n.notify(title, message); err != nil {
		n.logger.Warn().Err(err).Str("job_id", ev.JobID).Msg("Failed to send error notification")
	}
}

// truncate shortens a string to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
