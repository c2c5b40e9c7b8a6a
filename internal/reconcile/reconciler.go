// Package reconcile merges the push and pull channels for the tracked job
// into one ordered stream of store updates.
//
// A Tracking owns a single goroutine. Push events and pull results are both
// delivered to it over channels, stamped with an observation sequence number
// in arrival order, and applied to the store one at a time. Nothing else
// calls Store.Apply, so updates for a job are never applied concurrently.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/airstrike/airstrike/internal/constants"
	"github.com/airstrike/airstrike/internal/events"
	"github.com/airstrike/airstrike/internal/logging"
	"github.com/airstrike/airstrike/internal/models"
	"github.com/airstrike/airstrike/internal/push"
	"github.com/airstrike/airstrike/internal/state"
)

// StatusSource is the pull channel.
type StatusSource interface {
	Status(ctx context.Context, jobID string) (*models.JobStatus, error)
	FetchLog(ctx context.Context, jobID string) ([]string, error)
}

// PushSource is the push channel.
type PushSource interface {
	Subscribe(ctx context.Context, jobID string, handle func(events.PushEvent)) (push.Subscription, error)
}

// Observer receives the outcomes the reconciler cannot apply itself. Callbacks
// run on the tracking goroutine after its channels are released and before
// Done is closed. They may call Store mutators but must not call Release or
// Tracking.Close, and must not wait on anything that does.
type Observer struct {
	// LostContact is called once when the missed-tick budget is exhausted.
	// The owner of run-state transitions is expected to fail the job.
	LostContact func(jobID string, missed int)

	// Terminal is called once when a channel update froze the job.
	Terminal func(jobID string, runState models.RunState, reason string)
}

// Options configure the pull cadence and the lost-contact budget.
type Options struct {
	Interval         time.Duration
	MissedTickBudget int
	RequestTimeout   time.Duration

	// Ticks overrides the pull timer. Tests drive the cadence through it.
	Ticks <-chan time.Time
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = constants.DefaultPollInterval
	}
	if o.MissedTickBudget < constants.MinMissedTickBudget {
		if o.MissedTickBudget <= 0 {
			o.MissedTickBudget = constants.DefaultMissedTickBudget
		} else {
			o.MissedTickBudget = constants.MinMissedTickBudget
		}
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = constants.DefaultRequestTimeout
	}
	return o
}

// ErrNoJobID is returned when tracking is requested without an identifier.
var ErrNoJobID = errors.New("cannot track a job without an identifier")

// Reconciler starts and stops the tracking of the session's job. At most one
// job is tracked at a time.
type Reconciler struct {
	store  *state.Store
	status StatusSource
	push   PushSource
	opts   Options
	logger *logging.Logger

	// seq is shared by every Tracking so a re-track of the same job never
	// reuses sequence numbers the store has already seen.
	seq atomic.Uint64

	mu      sync.Mutex
	current *Tracking
}

// New creates a reconciler. push may be nil to run on the pull channel alone.
func New(store *state.Store, status StatusSource, pushSource PushSource, opts Options, logger *logging.Logger) *Reconciler {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Reconciler{
		store:  store,
		status: status,
		push:   pushSource,
		opts:   opts.withDefaults(),
		logger: logger.Component("reconciler"),
	}
}

// Track begins reconciling jobID. Any previous tracking is released first.
// The first pull is issued immediately.
func (r *Reconciler) Track(ctx context.Context, jobID string, observer Observer) (*Tracking, error) {
	if jobID == "" {
		return nil, ErrNoJobID
	}

	r.Release()

	loopCtx, cancel := context.WithCancel(ctx)
	t := &Tracking{
		jobID:    jobID,
		r:        r,
		observer: observer,
		cancel:   cancel,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		pushCh:   make(chan events.PushEvent, 16),
		pullCh:   make(chan pullResult, 1),
		logger:   r.logger.With().Str("job_id", jobID).Logger(),
	}

	r.mu.Lock()
	r.current = t
	r.mu.Unlock()

	go t.run(loopCtx)
	return t, nil
}

// Release tears down the current tracking, if any, and waits for it to exit.
func (r *Reconciler) Release() {
	r.mu.Lock()
	t := r.current
	r.current = nil
	r.mu.Unlock()

	if t != nil {
		t.Close()
	}
}

// Active returns the live tracking, or nil.
func (r *Reconciler) Active() *Tracking {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return nil
	}
	select {
	case <-r.current.done:
		return nil
	default:
		return r.current
	}
}

func (r *Reconciler) forget(t *Tracking) {
	r.mu.Lock()
	if r.current == t {
		r.current = nil
	}
	r.mu.Unlock()
}

type dialResult struct {
	sub push.Subscription
	err error
}

type pullResult struct {
	status *models.JobStatus
	log    []string
	logErr error
	err    error
}

// outcome is why the tracking loop ended.
type outcome int

const (
	outcomeClosed outcome = iota
	outcomeTerminal
	outcomeLostContact
	outcomeSuperseded
)

// Tracking is the scoped resource that holds the pull timer and the push
// subscription for one job. It is released exactly once.
type Tracking struct {
	jobID    string
	r        *Reconciler
	observer Observer
	cancel   context.CancelFunc

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	pushCh chan events.PushEvent
	pullCh chan pullResult
	pullWg sync.WaitGroup
	dialWg sync.WaitGroup

	logger zerolog.Logger
}

// JobID returns the tracked job's identifier.
func (t *Tracking) JobID() string {
	return t.jobID
}

// Done is closed once the tracking has released its channels and any
// Observer callback has returned.
func (t *Tracking) Done() <-chan struct{} {
	return t.done
}

// Close stops the pull timer, detaches the push subscription and waits for
// the tracking goroutine to exit. It is safe to call more than once.
func (t *Tracking) Close() {
	t.stopOnce.Do(func() { close(t.stop) })
	t.cancel()
	<-t.done
}

func (t *Tracking) run(ctx context.Context) {
	var (
		result  outcome
		missed  int
		runSt   models.RunState
		reason  string
		sub     push.Subscription
		subDone <-chan struct{}
		dialCh  chan dialResult
	)

	ticks := t.r.opts.Ticks
	if ticks == nil {
		ticker := time.NewTicker(t.r.opts.Interval)
		defer ticker.Stop()
		ticks = ticker.C
	}

	defer func() {
		t.stopOnce.Do(func() { close(t.stop) })
		t.cancel()
		t.dialWg.Wait()
		if sub == nil && dialCh != nil {
			// a subscription that arrived after the loop stopped reading
			select {
			case d := <-dialCh:
				sub = d.sub
			default:
			}
		}
		if sub != nil {
			if err := sub.Close(); err != nil {
				t.logger.Debug().Err(err).Msg("Push subscription close failed")
			}
		}
		t.pullWg.Wait()
		t.r.forget(t)
		defer close(t.done)

		switch result {
		case outcomeTerminal:
			t.logger.Info().Str("run_state", string(runSt)).Msg("Job reached terminal state, tracking released")
			if t.observer.Terminal != nil {
				t.observer.Terminal(t.jobID, runSt, reason)
			}
		case outcomeLostContact:
			// reported to the operator by the observer
			t.logger.Debug().Int("missed_ticks", missed).Msg("Lost contact with job")
			if t.observer.LostContact != nil {
				t.observer.LostContact(t.jobID, missed)
			}
		case outcomeSuperseded:
			t.logger.Debug().Msg("Job no longer tracked by the store, tracking released")
		default:
			t.logger.Debug().Msg("Tracking released")
		}
	}()

	// A job that is already frozen (or gone) has nothing to reconcile.
	if done, _ := t.checkStore(false); done {
		result = outcomeClosed
		return
	}

	inFlight := true
	t.startPull(ctx)

	// The dial runs beside the loop so a slow handshake never holds up pulls.
	if t.r.push != nil {
		dialCh = make(chan dialResult, 1)
		t.dialWg.Add(1)
		go func(out chan<- dialResult) {
			defer t.dialWg.Done()
			s, err := t.r.push.Subscribe(ctx, t.jobID, t.deliver)
			out <- dialResult{sub: s, err: err}
		}(dialCh)
	}

	heard := false
	for {
		applied := false
		select {
		case <-t.stop:
			result = outcomeClosed
			return

		case <-ctx.Done():
			result = outcomeClosed
			return

		case d := <-dialCh:
			dialCh = nil
			if d.err != nil {
				t.logger.Info().Err(d.err).Msg("Push channel unavailable, continuing on the pull channel")
				break
			}
			sub = d.sub
			subDone = sub.Done()
			continue

		case <-subDone:
			t.logger.Info().Msg("Push channel closed, continuing on the pull channel")
			subDone = nil

		case ev := <-t.pushCh:
			heard = true
			applied = t.apply(t.pushUpdate(ev))

		case res := <-t.pullCh:
			inFlight = false
			if res.err != nil {
				// retried on the next tick
				t.logger.Debug().Err(res.err).Msg("Pull failed")
				break
			}
			heard = true
			applied = t.apply(t.pullUpdate(res))

		case <-ticks:
			if heard {
				missed = 0
			} else {
				missed++
			}
			heard = false
			if missed >= t.r.opts.MissedTickBudget {
				result = outcomeLostContact
				return
			}
			if !inFlight {
				inFlight = true
				t.startPull(ctx)
			}
			continue
		}

		if done, why := t.checkStore(applied); done {
			result = why
			runSt, reason = t.terminalState()
			return
		}
	}
}

// deliver is the push subscription's handler. It runs on the subscription's
// reader goroutine and hands the event to the tracking loop.
func (t *Tracking) deliver(ev events.PushEvent) {
	select {
	case t.pushCh <- ev:
	case <-t.stop:
	case <-t.done:
	}
}

func (t *Tracking) startPull(ctx context.Context) {
	t.pullWg.Add(1)
	go func() {
		defer t.pullWg.Done()
		t.pullCh <- t.pull(ctx)
	}()
}

func (t *Tracking) pull(ctx context.Context) pullResult {
	timeout := t.r.opts.RequestTimeout

	statusCtx, cancel := context.WithTimeout(ctx, timeout)
	status, err := t.r.status.Status(statusCtx, t.jobID)
	cancel()
	if err != nil {
		return pullResult{err: err}
	}

	logCtx, cancel := context.WithTimeout(ctx, timeout)
	entries, logErr := t.r.status.FetchLog(logCtx, t.jobID)
	cancel()

	return pullResult{status: status, log: entries, logErr: logErr}
}

func (t *Tracking) nextSeq() uint64 {
	return t.r.seq.Add(1)
}

func (t *Tracking) pullUpdate(res pullResult) state.Update {
	progress := res.status.Progress
	u := state.Update{
		Seq:      t.nextSeq(),
		Source:   state.SourcePull,
		JobID:    t.jobID,
		RunState: res.status.RunState,
		Progress: &progress,
	}
	if res.status.RunState.IsTerminal() {
		u.Reason = fmt.Sprintf("server reported %s", res.status.Raw)
	}
	if res.logErr != nil {
		t.logger.Debug().Err(res.logErr).Msg("Log fetch failed, keeping current log")
	} else {
		u.Replace = res.log
		u.HasReplace = true
	}
	return u
}

func (t *Tracking) pushUpdate(ev events.PushEvent) state.Update {
	u := state.Update{
		Seq:    t.nextSeq(),
		Source: state.SourcePush,
		JobID:  ev.JobID,
	}
	switch ev.Name {
	case events.PushJobStarted:
		u.RunState = models.RunStateRunning
	case events.PushJobLog:
		u.Append = ev.Message
		u.HasAppend = true
	case events.PushJobStopped:
		u.RunState = models.RunStateStopped
		u.Reason = "stopped by server"
	case events.PushJobError:
		u.RunState = models.RunStateFailed
		u.Reason = ev.Error
		if u.Reason == "" {
			u.Reason = "job error"
		}
	}
	return u
}

func (t *Tracking) apply(u state.Update) bool {
	if !t.r.store.Apply(u) {
		return false
	}
	t.logger.Debug().Uint64("seq", u.Seq).Str("source", string(u.Source)).Msg("Applied update")
	return true
}

// checkStore reports whether the loop should end because the job is frozen
// or no longer the one in the store. A job frozen by this loop's own update
// is reported as terminal; one frozen by the controller just ends the loop.
func (t *Tracking) checkStore(applied bool) (bool, outcome) {
	snap := t.r.store.Snapshot()
	switch {
	case snap.JobID != t.jobID:
		return true, outcomeSuperseded
	case snap.RunState.IsTerminal() && applied:
		return true, outcomeTerminal
	case snap.RunState.IsTerminal():
		return true, outcomeClosed
	}
	return false, outcomeClosed
}

func (t *Tracking) terminalState() (models.RunState, string) {
	snap := t.r.store.Snapshot()
	return snap.RunState, snap.Reason
}
