// Package simulator serves a stand-in for the job server: the REST job API
// and the websocket event stream, backed by in-memory jobs that advance on a
// timer. It is what `airstrike simulate` runs and what the end-to-end tests
// talk to.
package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	nethttp "net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/airstrike/airstrike/internal/api"
	"github.com/airstrike/airstrike/internal/constants"
	"github.com/airstrike/airstrike/internal/logging"
	"github.com/airstrike/airstrike/internal/models"
)

// Options configures simulated jobs.
type Options struct {
	// StepInterval is the time between progress steps.
	StepInterval time.Duration
	// Steps is the number of steps until a job completes.
	Steps int
	// FailAtStep fails every job at the given step (1-based). Zero never fails.
	FailAtStep int
	// DropPush accepts event stream connections but never sends on them.
	DropPush bool
	// APIKey, when set, is required as "Authorization: Token <key>".
	APIKey string
}

func (o Options) withDefaults() Options {
	if o.StepInterval <= 0 {
		o.StepInterval = constants.SimulatorStepInterval
	}
	if o.Steps <= 0 {
		o.Steps = constants.SimulatorSteps
	}
	return o
}

// Server is the simulated job server.
type Server struct {
	opts     Options
	logger   *logging.Logger
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	jobs map[string]*job
	hub  *hub
}

// New creates a simulator. Call Close to stop running jobs.
func New(opts Options, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	logger = logger.Component("simulator")
	return &Server{
		opts:   opts.withDefaults(),
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *nethttp.Request) bool {
				return true // local development tool
			},
		},
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*job),
		hub:    newHub(logger),
	}
}

// Handler returns the HTTP handler serving the job API and event stream.
func (s *Server) Handler() nethttp.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(s.authenticate)

	r.Post(api.PathStart, s.handleStart)
	r.Post(api.PathStop, s.handleStop)
	r.Get(api.PathStatus, s.handleStatus)
	r.Get(api.PathLog, s.handleLog)
	r.Get(api.PathEvents, s.handleEvents)

	return r
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &nethttp.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("Simulated job server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, nethttp.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.hub.closeAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown simulator: %w", err)
	}
	return nil
}

// Close stops every running job and disconnects event stream clients.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
	s.hub.closeAll()
}

// Job returns a copy of a job's status and log, for tests and diagnostics.
func (s *Server) Job(id string) (status string, progress int, log []string, ok bool) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return "", 0, nil, false
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status, j.progress, append([]string(nil), j.log...), true
}

func (s *Server) lookup(id string) (*job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	return j, ok
}

func (s *Server) handleStart(w nethttp.ResponseWriter, r *nethttp.Request) {
	var req models.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, nethttp.StatusBadRequest, "invalid request body")
		return
	}
	if !req.Kind.Valid() {
		writeError(w, nethttp.StatusBadRequest, fmt.Sprintf("unknown attack kind %q", req.Kind))
		return
	}
	if req.Kind.RequiresTarget() && req.Target.BSSID == "" && req.Target.IP == "" {
		writeError(w, nethttp.StatusBadRequest, "target is required")
		return
	}

	j := newJob(uuid.NewString(), req.Kind, req.Target)

	s.mu.Lock()
	s.jobs[j.id] = j
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runJob(j)
	}()

	s.logger.Info().Str("job_id", j.id).Str("kind", string(j.kind)).Str("target", j.target.DisplayName()).Msg("Job started")
	writeJSON(w, nethttp.StatusOK, models.StartResponse{JobID: j.id, Message: "job started"})
}

func (s *Server) handleStop(w nethttp.ResponseWriter, r *nethttp.Request) {
	var req models.StopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.JobID == "" {
		writeError(w, nethttp.StatusBadRequest, "jobId is required")
		return
	}
	j, ok := s.lookup(req.JobID)
	if !ok {
		writeError(w, nethttp.StatusNotFound, fmt.Sprintf("job %s not found", req.JobID))
		return
	}
	if !j.requestStop(r.Context()) {
		writeError(w, nethttp.StatusConflict, fmt.Sprintf("job %s is not running", req.JobID))
		return
	}
	s.logger.Info().Str("job_id", j.id).Msg("Stop requested")
	writeJSON(w, nethttp.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleStatus(w nethttp.ResponseWriter, r *nethttp.Request) {
	j, ok := s.jobFromQuery(w, r)
	if !ok {
		return
	}
	j.mu.Lock()
	resp := models.StatusResponse{RunState: j.status, Progress: j.progress}
	j.mu.Unlock()
	writeJSON(w, nethttp.StatusOK, resp)
}

func (s *Server) handleLog(w nethttp.ResponseWriter, r *nethttp.Request) {
	j, ok := s.jobFromQuery(w, r)
	if !ok {
		return
	}
	j.mu.Lock()
	resp := models.LogResponse{Entries: append([]string{}, j.log...)}
	j.mu.Unlock()
	writeJSON(w, nethttp.StatusOK, resp)
}

func (s *Server) handleEvents(w nethttp.ResponseWriter, r *nethttp.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Event stream upgrade failed")
		return
	}
	c := s.hub.add(conn, r.URL.Query().Get("jobId"))
	s.logger.Debug().Str("client_id", c.id).Str("job_id", c.jobID).Msg("Event stream client connected")

	// Drain the connection so control frames are processed and a client
	// close is noticed
	go func() {
		defer s.hub.remove(c)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) jobFromQuery(w nethttp.ResponseWriter, r *nethttp.Request) (*job, bool) {
	id := r.URL.Query().Get("jobId")
	if id == "" {
		writeError(w, nethttp.StatusBadRequest, "jobId is required")
		return nil, false
	}
	j, ok := s.lookup(id)
	if !ok {
		writeError(w, nethttp.StatusNotFound, fmt.Sprintf("job %s not found", id))
		return nil, false
	}
	return j, true
}

func (s *Server) authenticate(next nethttp.Handler) nethttp.Handler {
	return nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if s.opts.APIKey != "" {
			token, found := strings.CutPrefix(r.Header.Get("Authorization"), "Token ")
			if !found || token != s.opts.APIKey {
				writeError(w, nethttp.StatusUnauthorized, "invalid API key")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next nethttp.Handler) nethttp.Handler {
	return nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", r.Header.Get("X-Request-ID")).
			Msg("Request")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w nethttp.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w nethttp.ResponseWriter, status int, msg string) {
	ok := false
	writeJSON(w, status, models.ErrorResponse{Success: &ok, Error: msg})
}
