// Package lifecycle implements the operator-facing job state machine:
//
//	idle -> starting -> running -> {completed, failed, stopped}
//
// The controller owns run-state transitions that originate with the operator
// (start, stop, dismiss) or with the client itself (start failure, lost
// contact). Server-confirmed transitions arrive through the reconciler.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/airstrike/airstrike/internal/api"
	"github.com/airstrike/airstrike/internal/events"
	"github.com/airstrike/airstrike/internal/logging"
	"github.com/airstrike/airstrike/internal/models"
	"github.com/airstrike/airstrike/internal/reconcile"
	"github.com/airstrike/airstrike/internal/state"
	"github.com/airstrike/airstrike/internal/validation"
)

// Reasons recorded on jobs the controller ends itself.
const (
	ReasonStoppedByOperator = "stopped by operator"
	ReasonStartInterrupted  = "start interrupted"
)

// JobAPI is the part of the job client the controller calls.
type JobAPI interface {
	Start(ctx context.Context, target models.Target, kind models.Kind, params map[string]any) (string, error)
	Stop(ctx context.Context, jobID string) error
}

// Controller drives a single job through its lifecycle.
type Controller struct {
	// mu serializes operator operations. Reconciler observer callbacks never
	// take it: StopJob holds it while waiting for the tracking loop to exit.
	mu sync.Mutex

	api    JobAPI
	store  *state.Store
	rec    *reconcile.Reconciler
	bus    *events.EventBus
	logger *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	unsubscribe func()
	lastState   models.RunState
}

// New creates a controller. bus may be nil when no one listens for notices.
func New(jobAPI JobAPI, store *state.Store, rec *reconcile.Reconciler, bus *events.EventBus, logger *logging.Logger) *Controller {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		api:       jobAPI,
		store:     store,
		rec:       rec,
		bus:       bus,
		logger:    logger.Component("lifecycle"),
		ctx:       ctx,
		cancel:    cancel,
		lastState: store.Snapshot().RunState,
	}
	c.unsubscribe = store.Subscribe(c.publishStateChange)
	return c
}

// Snapshot returns the current job view.
func (c *Controller) Snapshot() models.Snapshot {
	return c.store.Snapshot()
}

// Subscribe registers fn for every accepted store change.
func (c *Controller) Subscribe(fn func(models.Snapshot)) (unsubscribe func()) {
	return c.store.Subscribe(fn)
}

// Done returns a channel closed when no job is being tracked.
func (c *Controller) Done() <-chan struct{} {
	if t := c.rec.Active(); t != nil {
		return t.Done()
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// StartJob submits a job and begins tracking it. A finished job that was
// not yet dismissed is dismissed implicitly. The target is copied; later
// changes to the caller's selection do not reach the job.
func (c *Controller) StartJob(ctx context.Context, target models.Target, kind models.Kind, params map[string]any) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if kind.Valid() && !kind.RequiresTarget() && target.IsZero() {
		target = models.PlaceholderTarget(kind)
	}
	if err := validation.ValidateTarget(kind, target); err != nil {
		c.surface("", "start", err)
		return "", err
	}

	snap := c.store.Snapshot()
	switch {
	case snap.RunState.IsActive():
		err := api.NewInvalidState("start", snap.JobID, "a %s job is already %s", snap.Kind, snap.RunState)
		c.surface(snap.JobID, "start", err)
		return "", err
	case snap.RunState.IsTerminal():
		c.logger.Debug().Str("job_id", snap.JobID).Msg("Dismissing finished job before starting a new one")
		c.rec.Release()
		if err := c.store.Clear(); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to clear previous session state")
		}
	}

	if _, err := c.store.Begin(kind, target, params); err != nil {
		err = fmt.Errorf("record job start: %w", err)
		c.surface("", "start", err)
		return "", err
	}

	jobID, err := c.api.Start(ctx, target, kind, params)
	if err != nil {
		if _, terr := c.store.Transition(models.RunStateFailed, failureReason(err)); terr != nil {
			c.logger.Warn().Err(terr).Msg("Failed to record start failure")
		}
		c.surface("", "start", err)
		return "", err
	}

	if _, err := c.store.AssignID(jobID); err != nil {
		// the store was changed under us; nothing is tracking the new job
		err = fmt.Errorf("record job id: %w", err)
		c.surface(jobID, "start", err)
		return jobID, err
	}

	c.logger.Info().Str("job_id", jobID).Str("kind", string(kind)).Str("target", target.DisplayName()).Msg("Job started")
	if _, err := c.rec.Track(c.ctx, jobID, c.observer()); err != nil {
		c.surface(jobID, "start", err)
		return jobID, err
	}
	return jobID, nil
}

// StopJob asks the server to stop the tracked job. On success the job is
// stopped locally and its channels torn down. On failure the run state is
// left unchanged; a stop is never assumed to have succeeded.
func (c *Controller) StopJob(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := c.store.Snapshot()
	if !snap.RunState.IsActive() {
		err := api.NewInvalidState("stop", snap.JobID, "no job is running (run state %s)", snap.RunState)
		c.surface(snap.JobID, "stop", err)
		return err
	}
	if snap.JobID == "" {
		err := api.NewInvalidState("stop", "", "job has no identifier yet")
		c.surface("", "stop", err)
		return err
	}

	if err := c.api.Stop(ctx, snap.JobID); err != nil {
		c.surface(snap.JobID, "stop", err)
		return err
	}

	final, err := c.store.Transition(models.RunStateStopped, ReasonStoppedByOperator)
	if err != nil && !errors.Is(err, state.ErrNotAdvancing) {
		c.logger.Warn().Err(err).Str("job_id", snap.JobID).Msg("Failed to record stop")
	}
	c.rec.Release()

	if err == nil {
		c.logger.Info().Str("job_id", snap.JobID).Msg("Job stopped")
		c.publishComplete(final)
	} else {
		// the job ended on its own while the stop was in flight
		c.logger.Info().Str("job_id", snap.JobID).Str("run_state", string(final.RunState)).Msg("Job already finished")
	}
	return nil
}

// Dismiss clears a finished job. Dismissing a starting or running job is
// rejected; dismissing with no job is a no-op.
func (c *Controller) Dismiss() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := c.store.Snapshot()
	if snap.RunState.IsActive() {
		err := api.NewInvalidState("dismiss", snap.JobID, "cannot dismiss a %s job, stop it first", snap.RunState)
		c.surface(snap.JobID, "dismiss", err)
		return err
	}

	c.rec.Release()
	if err := c.store.Clear(); err != nil {
		c.surface(snap.JobID, "dismiss", err)
		return err
	}
	return nil
}

// Resume rehydrates the persisted job and resumes tracking it. A job that
// was persisted mid-start, before the server assigned it an identifier,
// cannot be found again and is failed.
func (c *Controller) Resume(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap, err := c.store.Rehydrate()
	if err != nil {
		return fmt.Errorf("load session state: %w", err)
	}

	switch {
	case snap.RunState == models.RunStateStarting && snap.JobID == "":
		c.logger.Warn().Str("kind", string(snap.Kind)).Msg("Previous start was interrupted before the server answered")
		final, err := c.store.Transition(models.RunStateFailed, ReasonStartInterrupted)
		if err != nil {
			return err
		}
		c.surface("", "resume", fmt.Errorf("%s job against %s: %s", final.Kind, final.Target.DisplayName(), ReasonStartInterrupted))
		return nil

	case snap.RunState.IsActive():
		c.logger.Info().Str("job_id", snap.JobID).Str("run_state", string(snap.RunState)).Msg("Resuming job tracking")
		_, err := c.rec.Track(c.ctx, snap.JobID, c.observer())
		return err
	}
	return nil
}

// Close stops tracking without touching the job. The job keeps running on
// the server and can be resumed later from the persisted record.
func (c *Controller) Close() {
	c.cancel()
	c.rec.Release()
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
}

// observer builds the reconciler callbacks. They run on the tracking
// goroutine and must not take c.mu.
func (c *Controller) observer() reconcile.Observer {
	return reconcile.Observer{
		LostContact: func(jobID string, missed int) {
			lost := api.NewLostContact(jobID, missed)
			if _, err := c.store.Transition(models.RunStateFailed, lost.Error()); err != nil {
				// a concurrent stop or dismiss already settled the job
				c.logger.Debug().Err(err).Str("job_id", jobID).Msg("Lost contact after job settled")
				return
			}
			c.surface(jobID, "monitor", lost)
		},
		Terminal: func(jobID string, runState models.RunState, reason string) {
			c.publishComplete(c.store.Snapshot())
		},
	}
}

// surface reports an error to the operator exactly once.
func (c *Controller) surface(jobID, op string, err error) {
	c.logger.Debug().Err(err).Str("job_id", jobID).Str("op", op).Msg("Surfacing error")
	if c.bus != nil {
		c.bus.PublishError(jobID, op, err)
	}
}

func (c *Controller) publishComplete(snap models.Snapshot) {
	if c.bus == nil || !snap.RunState.IsTerminal() {
		return
	}
	var elapsed time.Duration
	if !snap.StartedAt.IsZero() {
		elapsed = snap.UpdatedAt.Sub(snap.StartedAt)
	}
	c.bus.PublishComplete(snap, elapsed)
}

// publishStateChange runs as a store subscriber. Store notifications are
// serialized, so lastState needs no lock.
func (c *Controller) publishStateChange(snap models.Snapshot) {
	prev := c.lastState
	c.lastState = snap.RunState
	if prev == snap.RunState || c.bus == nil {
		return
	}
	c.bus.PublishStateChange(snap.JobID, snap.Kind, prev, snap.RunState, snap.Reason)
}

// failureReason is the reason recorded on a job whose start failed.
func failureReason(err error) string {
	var apiErr *api.Error
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return err.Error()
}
