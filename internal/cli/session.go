package cli

import (
	"context"
	"fmt"

	"github.com/airstrike/airstrike/internal/api"
	"github.com/airstrike/airstrike/internal/config"
	"github.com/airstrike/airstrike/internal/constants"
	"github.com/airstrike/airstrike/internal/events"
	"github.com/airstrike/airstrike/internal/lifecycle"
	"github.com/airstrike/airstrike/internal/logging"
	"github.com/airstrike/airstrike/internal/notify"
	"github.com/airstrike/airstrike/internal/push"
	"github.com/airstrike/airstrike/internal/reconcile"
	"github.com/airstrike/airstrike/internal/state"
)

// loadConfig loads the config file and applies environment and flag
// overrides. Priority: flags > environment > config file > defaults.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	cfg.MergeWithEnv()
	cfg.MergeWithFlags(apiBaseURL, apiKey, sessionName)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// session wires the components behind every job command: the persisted
// store, the job client, the reconciler and the lifecycle controller.
type session struct {
	cfg    *config.Config
	logger *logging.Logger

	store  *state.Store
	client *api.Client
	rec    *reconcile.Reconciler
	bus    *events.EventBus
	ctl    *lifecycle.Controller

	closeMirror func() error
}

// openSession builds a session from configuration. The persisted record is
// not loaded yet; call Resume (or Rehydrate for commands that must not
// start tracking) before any network call.
func openSession(cfg *config.Config, logger *logging.Logger) (*session, error) {
	mirror, closeMirror, err := openMirror(cfg)
	if err != nil {
		return nil, err
	}

	client, err := api.NewClient(cfg, logger)
	if err != nil {
		_ = closeMirror()
		return nil, fmt.Errorf("failed to create API client: %w", err)
	}

	// A nil *push.Channel must not become a non-nil interface
	var pushSource reconcile.PushSource
	if cfg.PushEnabled {
		ch, err := push.NewChannel(cfg, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("Event stream unavailable, polling only")
		} else {
			logger.Debug().Str("url", ch.URL()).Msg("Event stream configured")
			pushSource = ch
		}
	}
	logger.Debug().Str("api_url", client.BaseURL()).Str("session", cfg.SessionName).Msg("Session opened")

	store := state.NewStore(mirror, logger, state.WithMaxLogEntries(cfg.MaxLogEntries))
	rec := reconcile.New(store, client, pushSource, reconcile.Options{
		Interval:         cfg.PollInterval,
		MissedTickBudget: cfg.MissedTickBudget,
		RequestTimeout:   cfg.RequestTimeout,
	}, logger)
	bus := events.NewEventBus(constants.EventBusDefaultBuffer)

	return &session{
		cfg:         cfg,
		logger:      logger,
		store:       store,
		client:      client,
		rec:         rec,
		bus:         bus,
		ctl:         lifecycle.New(client, store, rec, bus, logger),
		closeMirror: closeMirror,
	}, nil
}

// openMirror opens the configured persistence backend for the session.
func openMirror(cfg *config.Config) (state.Mirror, func() error, error) {
	noop := func() error { return nil }

	if cfg.MirrorBackend == config.MirrorBackendMemory {
		return state.NewMemoryMirror(), noop, nil
	}

	path, err := cfg.SessionStatePath()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve session state path: %w", err)
	}

	if cfg.MirrorBackend == config.MirrorBackendBadger {
		m, err := state.OpenBadgerMirror(path)
		if err != nil {
			return nil, nil, err
		}
		return m, m.Close, nil
	}
	return state.NewFileMirror(path), noop, nil
}

// watchEvents raises desktop notifications for finished jobs when enabled.
// Errors are not notified here: the command that hit one reports it once on
// the terminal. The returned func stops watching and waits for it.
func (s *session) watchEvents(ctx context.Context, notifications bool) (stop func()) {
	if !notifications || !s.cfg.NotificationsEnabled {
		return func() {}
	}

	ctx, cancel := context.WithCancel(ctx)
	cfg := notify.DefaultConfig()
	cfg.ShowErrors = false
	done := notify.NewNotifier(cfg, s.logger).Watch(ctx, s.bus)

	return func() {
		cancel()
		<-done
	}
}

// Close stops tracking (the job itself keeps running) and releases the
// persistence backend.
func (s *session) Close() {
	s.ctl.Close()
	s.bus.Close()
	if err := s.closeMirror(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to close session state")
	}
}
