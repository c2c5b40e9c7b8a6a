package simulator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/airstrike/airstrike/internal/constants"
	"github.com/airstrike/airstrike/internal/events"
	"github.com/airstrike/airstrike/internal/models"
)

// Server-side status strings, in the job server's vocabulary.
const (
	statusInitializing = "initializing"
	statusRunning      = "running"
	statusCompleted    = "completed"
	statusFailed       = "failed"
	statusStopped      = "stopped"
)

type job struct {
	id     string
	kind   models.Kind
	target models.Target

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{} // closed when the worker returns

	mu       sync.Mutex
	status   string
	progress int
	log      []string
}

func newJob(id string, kind models.Kind, target models.Target) *job {
	return &job{
		id:     id,
		kind:   kind,
		target: target,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		status: statusInitializing,
	}
}

func (j *job) finished() bool {
	switch j.status {
	case statusCompleted, statusFailed, statusStopped:
		return true
	}
	return false
}

// requestStop signals the worker and waits for it to return. It reports
// whether the job ended because of this request: a job that completed or
// failed first, or whose worker is still busy when ctx ends, reports false.
func (j *job) requestStop(ctx context.Context) bool {
	j.mu.Lock()
	ended := j.finished()
	j.mu.Unlock()
	if ended {
		return false
	}
	j.stopOnce.Do(func() { close(j.stop) })

	select {
	case <-j.done:
	case <-ctx.Done():
		return false
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status == statusStopped
}

// update sets status (if non-empty), raises progress and appends line (if
// non-empty). The log keeps the most recent DefaultMaxLogEntries lines.
func (j *job) update(status string, progress int, line string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if status != "" {
		j.status = status
	}
	if progress > j.progress {
		j.progress = progress
	}
	if line != "" {
		j.log = append(j.log, line)
		if over := len(j.log) - constants.DefaultMaxLogEntries; over > 0 {
			j.log = append(j.log[:0], j.log[over:]...)
		}
	}
}

// runJob advances j one step per interval until it completes, fails at the
// configured step, is stopped, or the server shuts down.
func (s *Server) runJob(j *job) {
	defer close(j.done)
	logger := s.logger.With().Str("job_id", j.id).Logger()
	ticker := time.NewTicker(s.opts.StepInterval)
	defer ticker.Stop()

	step := 0
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-j.stop:
			j.update(statusStopped, 0, "[*] stopped on request")
			s.emit(j, events.PushEvent{Name: events.PushJobLog, Message: "[*] stopped on request"})
			s.emit(j, events.PushEvent{Name: events.PushJobStopped})
			logger.Info().Msg("Job stopped")
			return
		case <-ticker.C:
		}

		if step == 0 {
			line := fmt.Sprintf("[*] %s started against %s", j.kind, j.target.DisplayName())
			j.update(statusRunning, 0, line)
			target := j.target
			s.emit(j, events.PushEvent{Name: events.PushJobStarted, Target: &target})
			s.emit(j, events.PushEvent{Name: events.PushJobLog, Message: line})
		}
		step++

		if s.opts.FailAtStep > 0 && step == s.opts.FailAtStep {
			msg := fmt.Sprintf("simulated failure at step %d", step)
			j.update(statusFailed, 0, "[!] "+msg)
			s.emit(j, events.PushEvent{Name: events.PushJobError, Error: msg})
			logger.Info().Int("step", step).Msg("Job failed")
			return
		}

		progress := step * 100 / s.opts.Steps
		line := fmt.Sprintf("[+] step %d/%d", step, s.opts.Steps)
		if step >= s.opts.Steps {
			j.update(statusCompleted, 100, line)
			s.emit(j, events.PushEvent{Name: events.PushJobLog, Message: line})
			logger.Info().Msg("Job completed")
			return
		}
		j.update("", progress, line)
		s.emit(j, events.PushEvent{Name: events.PushJobLog, Message: line})
	}
}

func (s *Server) emit(j *job, ev events.PushEvent) {
	if s.opts.DropPush {
		return
	}
	ev.JobID = j.id
	s.hub.broadcast(ev)
}
