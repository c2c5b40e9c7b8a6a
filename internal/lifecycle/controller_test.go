package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airstrike/airstrike/internal/api"
	"github.com/airstrike/airstrike/internal/events"
	"github.com/airstrike/airstrike/internal/models"
	"github.com/airstrike/airstrike/internal/reconcile"
	"github.com/airstrike/airstrike/internal/state"
)

const waitFor = 2 * time.Second

var apTarget = models.Target{BSSID: "AA:BB:CC:DD:EE:FF", ESSID: "lab-ap", Channel: 6}

// fakeBackend answers both the controller's start/stop calls and the
// reconciler's status/log pulls.
type fakeBackend struct {
	mu         sync.Mutex
	startID    string
	startErr   error
	stopErr    error
	statusErr  error
	runState   models.RunState
	progress   int
	starts     int
	stops      []string
	statusHits int
	lastTarget models.Target
}

func (f *fakeBackend) Start(ctx context.Context, target models.Target, kind models.Kind, params map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.lastTarget = target
	if f.startErr != nil {
		return "", f.startErr
	}
	return f.startID, nil
}

func (f *fakeBackend) Stop(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, jobID)
	return f.stopErr
}

func (f *fakeBackend) Status(ctx context.Context, jobID string) (*models.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusHits++
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return &models.JobStatus{RunState: f.runState, Progress: f.progress, Raw: string(f.runState)}, nil
}

func (f *fakeBackend) FetchLog(ctx context.Context, jobID string) ([]string, error) {
	return []string{}, nil
}

func (f *fakeBackend) set(fn func(f *fakeBackend)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeBackend) stopCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stops...)
}

type fixture struct {
	backend *fakeBackend
	mirror  *state.MemoryMirror
	store   *state.Store
	rec     *reconcile.Reconciler
	bus     *events.EventBus
	errs    <-chan events.Event
	done    <-chan events.Event
	ticks   chan time.Time
	ctl     *Controller
}

func newFixture(t *testing.T, mirror *state.MemoryMirror) *fixture {
	t.Helper()
	if mirror == nil {
		mirror = state.NewMemoryMirror()
	}
	f := &fixture{
		backend: &fakeBackend{startID: "42", runState: models.RunStateRunning, progress: 10},
		mirror:  mirror,
		bus:     events.NewEventBus(16),
		ticks:   make(chan time.Time),
	}
	f.store = state.NewStore(mirror, nil)
	f.rec = reconcile.New(f.store, f.backend, nil, reconcile.Options{MissedTickBudget: 2, Ticks: f.ticks}, nil)
	f.errs = f.bus.Subscribe(events.EventError)
	f.done = f.bus.Subscribe(events.EventComplete)
	f.ctl = New(f.backend, f.store, f.rec, f.bus, nil)
	t.Cleanup(func() {
		f.ctl.Close()
		f.bus.Close()
	})
	return f
}

func (f *fixture) tick(t *testing.T) {
	t.Helper()
	select {
	case f.ticks <- time.Now():
	case <-time.After(waitFor):
		t.Fatal("tick not consumed")
	}
}

// drain returns the events published on ch within a short window.
func drain(ch <-chan events.Event) []events.Event {
	var got []events.Event
	for {
		select {
		case ev := <-ch:
			got = append(got, ev)
		case <-time.After(50 * time.Millisecond):
			return got
		}
	}
}

func (f *fixture) waitRunState(t *testing.T, want models.RunState) {
	t.Helper()
	require.Eventually(t, func() bool { return f.store.Snapshot().RunState == want }, waitFor, 5*time.Millisecond,
		"run state never reached %s", want)
}

func TestStopWhileIdleIsRejected(t *testing.T) {
	f := newFixture(t, nil)

	err := f.ctl.StopJob(context.Background())
	require.Error(t, err)
	assert.True(t, api.IsInvalidState(err))
	assert.Empty(t, f.backend.stopCalls(), "no network call may be issued")

	errs := drain(f.errs)
	require.Len(t, errs, 1)
	assert.Equal(t, "stop", errs[0].(*events.ErrorEvent).Op)
}

func TestStartJobTracksUntilRunning(t *testing.T) {
	f := newFixture(t, nil)

	jobID, err := f.ctl.StartJob(context.Background(), apTarget, models.KindDeauth, map[string]any{"packets": 64})
	require.NoError(t, err)
	assert.Equal(t, "42", jobID)

	f.waitRunState(t, models.RunStateRunning)
	snap := f.ctl.Snapshot()
	assert.Equal(t, "42", snap.JobID)
	assert.Equal(t, 10, snap.Progress)
	assert.NotNil(t, f.rec.Active())

	rec, err := f.mirror.Load()
	require.NoError(t, err)
	assert.Equal(t, "42", rec.JobID)
	assert.Equal(t, models.KindDeauth, rec.Kind)
	assert.Equal(t, apTarget.BSSID, rec.Target.BSSID)
}

func TestStartJobRejectedFailsImmediately(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.set(func(b *fakeBackend) {
		b.startErr = &api.Error{Kind: api.ErrServerRejected, Op: "start", StatusCode: 403, Message: "Administrator privileges required"}
	})

	_, err := f.ctl.StartJob(context.Background(), apTarget, models.KindDeauth, nil)
	require.Error(t, err)
	assert.True(t, api.IsServerRejected(err))

	snap := f.ctl.Snapshot()
	assert.Equal(t, models.RunStateFailed, snap.RunState)
	assert.Equal(t, "Administrator privileges required", snap.Reason)
	assert.Nil(t, f.rec.Active())
	assert.Len(t, drain(f.errs), 1)
}

func TestStartJobTransportFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.set(func(b *fakeBackend) {
		b.startErr = &api.Error{Kind: api.ErrTransport, Op: "start", Err: errors.New("connection refused")}
	})

	_, err := f.ctl.StartJob(context.Background(), apTarget, models.KindDeauth, nil)
	require.Error(t, err)
	assert.True(t, api.IsTransport(err))
	assert.Equal(t, models.RunStateFailed, f.ctl.Snapshot().RunState)
}

func TestStartWhileActiveIsRejected(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.ctl.StartJob(context.Background(), apTarget, models.KindDeauth, nil)
	require.NoError(t, err)
	drain(f.errs)

	_, err = f.ctl.StartJob(context.Background(), apTarget, models.KindEvilTwin, nil)
	require.Error(t, err)
	assert.True(t, api.IsInvalidState(err))
	assert.Equal(t, models.KindDeauth, f.ctl.Snapshot().Kind)
	assert.Len(t, drain(f.errs), 1)

	f.backend.mu.Lock()
	assert.Equal(t, 1, f.backend.starts)
	f.backend.mu.Unlock()
}

func TestStartRejectsInvalidTarget(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.ctl.StartJob(context.Background(), models.Target{BSSID: "nope"}, models.KindDeauth, nil)
	require.Error(t, err)
	assert.Equal(t, models.RunStateIdle, f.ctl.Snapshot().RunState)

	f.backend.mu.Lock()
	assert.Zero(t, f.backend.starts)
	f.backend.mu.Unlock()
}

func TestStartSynthesizesPlaceholderTarget(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.ctl.StartJob(context.Background(), models.Target{}, models.KindKarma, nil)
	require.NoError(t, err)

	f.backend.mu.Lock()
	sent := f.backend.lastTarget
	f.backend.mu.Unlock()
	assert.True(t, sent.Placeholder)
	assert.Equal(t, models.BroadcastBSSID, sent.BSSID)
	assert.Equal(t, "karma", f.ctl.Snapshot().Target.ESSID)
}

func TestStartAfterTerminalDismissesImplicitly(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.set(func(b *fakeBackend) { b.startErr = &api.Error{Kind: api.ErrServerRejected, Op: "start", Message: "busy"} })

	_, err := f.ctl.StartJob(context.Background(), apTarget, models.KindDeauth, nil)
	require.Error(t, err)
	require.Equal(t, models.RunStateFailed, f.ctl.Snapshot().RunState)

	f.backend.set(func(b *fakeBackend) { b.startErr = nil; b.startID = "43" })
	jobID, err := f.ctl.StartJob(context.Background(), apTarget, models.KindHandshake, nil)
	require.NoError(t, err)
	assert.Equal(t, "43", jobID)
	assert.Equal(t, models.KindHandshake, f.ctl.Snapshot().Kind)
}

func TestStopJobSucceeds(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.ctl.StartJob(context.Background(), apTarget, models.KindDeauth, nil)
	require.NoError(t, err)
	f.waitRunState(t, models.RunStateRunning)
	tracking := f.rec.Active()
	require.NotNil(t, tracking)

	require.NoError(t, f.ctl.StopJob(context.Background()))
	assert.Equal(t, []string{"42"}, f.backend.stopCalls())

	snap := f.ctl.Snapshot()
	assert.Equal(t, models.RunStateStopped, snap.RunState)
	assert.Equal(t, ReasonStoppedByOperator, snap.Reason)
	assert.Nil(t, f.rec.Active())
	select {
	case <-tracking.Done():
	default:
		t.Fatal("tracking not released after stop")
	}

	done := drain(f.done)
	require.Len(t, done, 1)
	assert.Equal(t, models.RunStateStopped, done[0].(*events.CompleteEvent).RunState)
	assert.Empty(t, drain(f.errs))
}

func TestStopJobTransportFailureLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.ctl.StartJob(context.Background(), apTarget, models.KindDeauth, nil)
	require.NoError(t, err)
	f.waitRunState(t, models.RunStateRunning)

	f.backend.set(func(b *fakeBackend) {
		b.stopErr = &api.Error{Kind: api.ErrTransport, Op: "stop", JobID: "42", StatusCode: 503}
	})
	err = f.ctl.StopJob(context.Background())
	require.Error(t, err)
	assert.True(t, api.IsTransport(err))

	assert.Equal(t, models.RunStateRunning, f.ctl.Snapshot().RunState)
	assert.NotNil(t, f.rec.Active(), "tracking must continue after a failed stop")
	assert.Len(t, drain(f.errs), 1)
}

func TestDismiss(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.ctl.Dismiss(), "dismissing idle is a no-op")

	_, err := f.ctl.StartJob(context.Background(), apTarget, models.KindDeauth, nil)
	require.NoError(t, err)

	err = f.ctl.Dismiss()
	require.Error(t, err)
	assert.True(t, api.IsInvalidState(err))

	require.NoError(t, f.ctl.StopJob(context.Background()))
	require.NoError(t, f.ctl.Dismiss())

	assert.Equal(t, models.RunStateIdle, f.ctl.Snapshot().RunState)
	rec, err := f.mirror.Load()
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestServerCompletionPublishesOnce(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.ctl.StartJob(context.Background(), apTarget, models.KindDeauth, nil)
	require.NoError(t, err)
	f.waitRunState(t, models.RunStateRunning)
	tracking := f.rec.Active()
	require.NotNil(t, tracking)

	f.backend.set(func(b *fakeBackend) { b.runState = models.RunStateCompleted; b.progress = 100 })
	f.tick(t)
	<-tracking.Done()

	assert.Equal(t, models.RunStateCompleted, f.ctl.Snapshot().RunState)
	assert.Len(t, drain(f.done), 1)
	assert.Empty(t, drain(f.errs))
}

func TestLostContactFailsJobOnce(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.ctl.StartJob(context.Background(), apTarget, models.KindDeauth, nil)
	require.NoError(t, err)
	f.waitRunState(t, models.RunStateRunning)
	tracking := f.rec.Active()
	require.NotNil(t, tracking)

	f.backend.set(func(b *fakeBackend) { b.statusErr = errors.New("connection refused") })
	f.tick(t) // heard the first pull
	f.tick(t) // 1
	f.tick(t) // 2: budget spent
	<-tracking.Done()

	snap := f.ctl.Snapshot()
	assert.Equal(t, models.RunStateFailed, snap.RunState)
	assert.Contains(t, snap.Reason, "lost contact")

	errs := drain(f.errs)
	require.Len(t, errs, 1)
	assert.True(t, api.IsLostContact(errs[0].(*events.ErrorEvent).Error))
}

func TestResumeTracksPersistedJob(t *testing.T) {
	mirror := state.NewMemoryMirror()
	require.NoError(t, mirror.Save(state.Record{
		JobID: "42", Kind: models.KindEvilTwin, Target: apTarget, RunState: models.RunStateRunning, Progress: 30,
	}))

	f := newFixture(t, mirror)
	f.backend.set(func(b *fakeBackend) { b.progress = 60 })

	require.NoError(t, f.ctl.Resume(context.Background()))
	require.NotNil(t, f.rec.Active())
	require.Eventually(t, func() bool { return f.ctl.Snapshot().Progress == 60 }, waitFor, 5*time.Millisecond)

	snap := f.ctl.Snapshot()
	assert.Equal(t, "42", snap.JobID)
	assert.Equal(t, models.KindEvilTwin, snap.Kind)
	assert.Equal(t, apTarget.BSSID, snap.Target.BSSID)
}

func TestResumeInterruptedStart(t *testing.T) {
	mirror := state.NewMemoryMirror()
	require.NoError(t, mirror.Save(state.Record{Kind: models.KindDeauth, Target: apTarget, RunState: models.RunStateStarting}))

	f := newFixture(t, mirror)
	require.NoError(t, f.ctl.Resume(context.Background()))

	snap := f.ctl.Snapshot()
	assert.Equal(t, models.RunStateFailed, snap.RunState)
	assert.Equal(t, ReasonStartInterrupted, snap.Reason)
	assert.Nil(t, f.rec.Active())
	assert.Len(t, drain(f.errs), 1)
}

func TestResumeFinishedJobDoesNotTrack(t *testing.T) {
	mirror := state.NewMemoryMirror()
	require.NoError(t, mirror.Save(state.Record{JobID: "42", Kind: models.KindDeauth, Target: apTarget, RunState: models.RunStateCompleted, Progress: 100}))

	f := newFixture(t, mirror)
	require.NoError(t, f.ctl.Resume(context.Background()))

	assert.Equal(t, models.RunStateCompleted, f.ctl.Snapshot().RunState)
	assert.Nil(t, f.rec.Active())
	select {
	case <-f.ctl.Done():
	default:
		t.Fatal("Done should be closed with nothing tracked")
	}
}

func TestStateChangesArePublished(t *testing.T) {
	f := newFixture(t, nil)
	changes := f.bus.Subscribe(events.EventStateChange)

	_, err := f.ctl.StartJob(context.Background(), apTarget, models.KindDeauth, nil)
	require.NoError(t, err)
	f.waitRunState(t, models.RunStateRunning)

	var seen []models.RunState
	for _, ev := range drain(changes) {
		seen = append(seen, ev.(*events.StateChangeEvent).NewState)
	}
	assert.Equal(t, []models.RunState{models.RunStateStarting, models.RunStateRunning}, seen)
}
