package simulator

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airstrike/airstrike/internal/api"
	"github.com/airstrike/airstrike/internal/config"
	"github.com/airstrike/airstrike/internal/constants"
	"github.com/airstrike/airstrike/internal/events"
	"github.com/airstrike/airstrike/internal/lifecycle"
	"github.com/airstrike/airstrike/internal/logging"
	"github.com/airstrike/airstrike/internal/models"
	"github.com/airstrike/airstrike/internal/push"
	"github.com/airstrike/airstrike/internal/reconcile"
	"github.com/airstrike/airstrike/internal/state"
)

const waitFor = 3 * time.Second

var apTarget = models.Target{BSSID: "AA:BB:CC:DD:EE:FF", ESSID: "lab-ap", Channel: 6}

type env struct {
	sim    *Server
	srv    *httptest.Server
	cfg    *config.Config
	client *api.Client
}

func newEnv(t *testing.T, opts Options) *env {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("AIRSTRIKE_API_KEY", "")

	if opts.StepInterval == 0 {
		opts.StepInterval = 20 * time.Millisecond
	}
	sim := New(opts, logging.NewNopLogger())
	srv := httptest.NewServer(sim.Handler())
	t.Cleanup(func() {
		sim.Close()
		srv.Close()
	})

	cfg := config.NewConfig()
	cfg.APIBaseURL = srv.URL
	cfg.APIKey = opts.APIKey
	cfg.RequestTimeout = 2 * time.Second
	cfg.RateLimitPerSecond = 0

	client, err := api.NewClient(cfg, logging.NewNopLogger())
	require.NoError(t, err)

	return &env{sim: sim, srv: srv, cfg: cfg, client: client}
}

func (e *env) waitStatus(t *testing.T, jobID string, want models.RunState) *models.JobStatus {
	t.Helper()
	var last *models.JobStatus
	require.Eventually(t, func() bool {
		st, err := e.client.Status(context.Background(), jobID)
		if err != nil {
			return false
		}
		last = st
		return st.RunState == want
	}, waitFor, 10*time.Millisecond, "job never reached %s", want)
	return last
}

type collector struct {
	mu     sync.Mutex
	events []events.PushEvent
}

func (c *collector) handle(ev events.PushEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) names() []events.PushName {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]events.PushName, 0, len(c.events))
	for _, ev := range c.events {
		out = append(out, ev.Name)
	}
	return out
}

func TestJobRunsToCompletion(t *testing.T) {
	e := newEnv(t, Options{})
	ctx := context.Background()

	id, err := e.client.Start(ctx, apTarget, models.KindDeauth, map[string]any{"packets": 64})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	st := e.waitStatus(t, id, models.RunStateCompleted)
	assert.Equal(t, 100, st.Progress)
	assert.Equal(t, "completed", st.Raw)

	entries, err := e.client.FetchLog(ctx, id)
	require.NoError(t, err)
	require.Len(t, entries, 6)
	assert.Equal(t, "[*] deauth started against lab-ap", entries[0])
	assert.Equal(t, "[+] step 5/5", entries[5])
}

func TestStartValidation(t *testing.T) {
	e := newEnv(t, Options{})
	ctx := context.Background()

	_, err := e.client.Start(ctx, models.Target{}, models.KindDeauth, nil)
	require.Error(t, err)
	assert.True(t, api.IsServerRejected(err), "got %v", err)
	assert.Contains(t, err.Error(), "target is required")

	_, err = e.client.Start(ctx, apTarget, models.Kind("teleport"), nil)
	require.Error(t, err)
	assert.True(t, api.IsServerRejected(err), "got %v", err)

	id, err := e.client.Start(ctx, models.PlaceholderTarget(models.KindKarma), models.KindKarma, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestStopJob(t *testing.T) {
	e := newEnv(t, Options{StepInterval: 50 * time.Millisecond, Steps: 100})
	ctx := context.Background()

	id, err := e.client.Start(ctx, apTarget, models.KindDoS, nil)
	require.NoError(t, err)
	e.waitStatus(t, id, models.RunStateRunning)

	require.NoError(t, e.client.Stop(ctx, id))
	st := e.waitStatus(t, id, models.RunStateStopped)
	assert.Less(t, st.Progress, 100)

	err = e.client.Stop(ctx, id)
	require.Error(t, err)
	assert.True(t, api.IsServerRejected(err), "stopping a finished job should be rejected, got %v", err)
}

func TestStopAgreesWithFinalStatus(t *testing.T) {
	// Jobs finish within a step or two, so stops land on both sides of completion
	e := newEnv(t, Options{StepInterval: time.Millisecond, Steps: 2})
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		id, err := e.client.Start(ctx, apTarget, models.KindDoS, nil)
		require.NoError(t, err)

		want := statusStopped
		if err := e.client.Stop(ctx, id); err != nil {
			require.True(t, api.IsServerRejected(err), "unexpected stop error %v", err)
			want = statusCompleted
		}
		status, _, _, ok := e.sim.Job(id)
		require.True(t, ok)
		assert.Equal(t, want, status, "job %s", id)
	}
}

func TestJobLogIsBounded(t *testing.T) {
	e := newEnv(t, Options{StepInterval: time.Millisecond, Steps: 250})
	ctx := context.Background()

	id, err := e.client.Start(ctx, apTarget, models.KindDoS, nil)
	require.NoError(t, err)
	e.waitStatus(t, id, models.RunStateCompleted)

	_, _, log, ok := e.sim.Job(id)
	require.True(t, ok)
	require.Len(t, log, constants.DefaultMaxLogEntries)
	assert.Equal(t, "[+] step 51/250", log[0])
	assert.Equal(t, "[+] step 250/250", log[len(log)-1])
}

func TestUnknownJob(t *testing.T) {
	e := newEnv(t, Options{})

	_, err := e.client.Status(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, api.IsServerRejected(err))

	var apiErr *api.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.HTTPStatus())
}

func TestFailAtStep(t *testing.T) {
	e := newEnv(t, Options{FailAtStep: 2})
	ctx := context.Background()

	id, err := e.client.Start(ctx, apTarget, models.KindHandshake, nil)
	require.NoError(t, err)

	st := e.waitStatus(t, id, models.RunStateFailed)
	assert.Equal(t, 20, st.Progress)

	entries, err := e.client.FetchLog(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "[!] simulated failure at step 2", entries[len(entries)-1])
}

func TestAPIKeyRequired(t *testing.T) {
	e := newEnv(t, Options{APIKey: "secret"})
	ctx := context.Background()

	_, err := e.client.Start(ctx, apTarget, models.KindDeauth, nil)
	require.NoError(t, err)

	cfg := *e.cfg
	cfg.APIKey = "wrong"
	bad, err := api.NewClient(&cfg, logging.NewNopLogger())
	require.NoError(t, err)

	_, err = bad.Start(ctx, apTarget, models.KindDeauth, nil)
	require.Error(t, err)
	var apiErr *api.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 401, apiErr.HTTPStatus())
	assert.Contains(t, err.Error(), "invalid API key")
}

func TestEventStreamFiltersByJob(t *testing.T) {
	e := newEnv(t, Options{StepInterval: 30 * time.Millisecond, Steps: 10})
	ctx := context.Background()

	ch, err := push.NewChannel(e.cfg, logging.NewNopLogger())
	require.NoError(t, err)

	first, err := e.client.Start(ctx, apTarget, models.KindDeauth, nil)
	require.NoError(t, err)

	var c collector
	sub, err := ch.Subscribe(ctx, first, c.handle)
	require.NoError(t, err)
	defer sub.Close()

	other := models.Target{BSSID: "11:22:33:44:55:66", ESSID: "other"}
	_, err = e.client.Start(ctx, other, models.KindDeauth, nil)
	require.NoError(t, err)

	e.waitStatus(t, first, models.RunStateCompleted)
	require.Eventually(t, func() bool { return len(c.names()) > 0 }, waitFor, 10*time.Millisecond)

	c.mu.Lock()
	defer c.mu.Unlock()
	started := 0
	for _, ev := range c.events {
		assert.Equal(t, first, ev.JobID, "event for another job leaked: %+v", ev)
		if ev.Name == events.PushJobStarted {
			started++
			require.NotNil(t, ev.Target)
			assert.Equal(t, apTarget.BSSID, ev.Target.BSSID)
		}
	}
	assert.LessOrEqual(t, started, 1)
}

func TestStopEmitsJobStopped(t *testing.T) {
	e := newEnv(t, Options{StepInterval: 30 * time.Millisecond, Steps: 100})
	ctx := context.Background()

	id, err := e.client.Start(ctx, apTarget, models.KindEvilTwin, nil)
	require.NoError(t, err)

	ch, err := push.NewChannel(e.cfg, logging.NewNopLogger())
	require.NoError(t, err)
	var c collector
	sub, err := ch.Subscribe(ctx, id, c.handle)
	require.NoError(t, err)
	defer sub.Close()

	require.Eventually(t, func() bool { return e.sim.hub.count() == 1 }, waitFor, 5*time.Millisecond)
	e.waitStatus(t, id, models.RunStateRunning)
	require.NoError(t, e.client.Stop(ctx, id))

	require.Eventually(t, func() bool {
		names := c.names()
		return len(names) > 0 && names[len(names)-1] == events.PushJobStopped
	}, waitFor, 10*time.Millisecond)
}

func TestDropPushSendsNothing(t *testing.T) {
	e := newEnv(t, Options{DropPush: true})
	ctx := context.Background()

	id, err := e.client.Start(ctx, apTarget, models.KindDeauth, nil)
	require.NoError(t, err)

	ch, err := push.NewChannel(e.cfg, logging.NewNopLogger())
	require.NoError(t, err)
	var c collector
	sub, err := ch.Subscribe(ctx, id, c.handle)
	require.NoError(t, err)
	defer sub.Close()

	e.waitStatus(t, id, models.RunStateCompleted)
	assert.Empty(t, c.names())
}

// newController wires the real client, push channel, reconciler and
// controller against the simulator.
func newController(t *testing.T, e *env, withPush bool) (*lifecycle.Controller, *events.EventBus) {
	t.Helper()
	store := state.NewStore(state.NewMemoryMirror(), nil)
	if _, err := store.Rehydrate(); err != nil {
		t.Fatalf("Rehydrate() error = %v", err)
	}

	opts := reconcile.Options{Interval: 20 * time.Millisecond, MissedTickBudget: 10, RequestTimeout: time.Second}
	var rec *reconcile.Reconciler
	if withPush {
		ch, err := push.NewChannel(e.cfg, logging.NewNopLogger())
		require.NoError(t, err)
		rec = reconcile.New(store, e.client, ch, opts, nil)
	} else {
		rec = reconcile.New(store, e.client, nil, opts, nil)
	}

	bus := events.NewEventBus(64)
	ctl := lifecycle.New(e.client, store, rec, bus, nil)
	t.Cleanup(func() {
		ctl.Close()
		bus.Close()
	})
	return ctl, bus
}

func TestEndToEndCompletion(t *testing.T) {
	for _, withPush := range []bool{true, false} {
		name := "pull only"
		if withPush {
			name = "push and pull"
		}
		t.Run(name, func(t *testing.T) {
			e := newEnv(t, Options{})
			ctl, bus := newController(t, e, withPush)
			complete := bus.Subscribe(events.EventComplete)

			id, err := ctl.StartJob(context.Background(), apTarget, models.KindDeauth, nil)
			require.NoError(t, err)
			require.NotEmpty(t, id)

			select {
			case <-ctl.Done():
			case <-time.After(waitFor):
				t.Fatal("tracking did not finish")
			}

			snap := ctl.Snapshot()
			assert.Equal(t, id, snap.JobID)
			assert.Equal(t, models.RunStateCompleted, snap.RunState)
			assert.Equal(t, 100, snap.Progress)
			assert.Contains(t, snap.Log, "[+] step 5/5")

			select {
			case ev := <-complete:
				done, ok := ev.(*events.CompleteEvent)
				require.True(t, ok, "unexpected event %T", ev)
				assert.Equal(t, models.RunStateCompleted, done.RunState)
			case <-time.After(waitFor):
				t.Fatal("no completion event")
			}
		})
	}
}

func TestEndToEndOperatorStop(t *testing.T) {
	e := newEnv(t, Options{StepInterval: 50 * time.Millisecond, Steps: 100})
	ctl, _ := newController(t, e, true)
	ctx := context.Background()

	id, err := ctl.StartJob(ctx, apTarget, models.KindDeauth, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return ctl.Snapshot().RunState == models.RunStateRunning
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, ctl.StopJob(ctx))
	assert.Equal(t, models.RunStateStopped, ctl.Snapshot().RunState)

	require.Eventually(t, func() bool {
		status, _, _, ok := e.sim.Job(id)
		return ok && status == statusStopped
	}, waitFor, 10*time.Millisecond)
}

func TestEndToEndServerFailure(t *testing.T) {
	e := newEnv(t, Options{FailAtStep: 3})
	ctl, _ := newController(t, e, true)

	_, err := ctl.StartJob(context.Background(), apTarget, models.KindDeauth, nil)
	require.NoError(t, err)

	select {
	case <-ctl.Done():
	case <-time.After(waitFor):
		t.Fatal("tracking did not finish")
	}

	snap := ctl.Snapshot()
	assert.Equal(t, models.RunStateFailed, snap.RunState)
	assert.NotEmpty(t, snap.Reason)
}
