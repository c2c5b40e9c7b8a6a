// Package state holds the tracked job for a client session: an in-memory
// record with synchronous subscriber notification and a persisted mirror
// that lets a job started by one process be resumed by another.
//
// Two parties mutate the store and they own disjoint operations:
//   - the lifecycle controller owns Begin, AssignID, Transition and Clear
//   - the reconciler owns Apply (progress, log and server-confirmed run state)
package state

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/airstrike/airstrike/internal/constants"
	"github.com/airstrike/airstrike/internal/logging"
	"github.com/airstrike/airstrike/internal/models"
)

// Source identifies which channel produced an update.
type Source string

const (
	SourcePull Source = "pull"
	SourcePush Source = "push"
)

// Update is one observation from the push or pull channel.
// Zero-valued fields carry no information and leave the job untouched.
type Update struct {
	// Seq is the reconciler's observation sequence number. Updates with a
	// sequence number not above the last one observed are stale.
	Seq    uint64
	Source Source
	JobID  string

	RunState models.RunState // empty = no run state observed
	Reason   string          // recorded when RunState is terminal
	Progress *int

	// Append is a single pushed log entry; it is suppressed if it exactly
	// repeats the current last entry.
	Append    string
	HasAppend bool

	// Replace is a full-log resynchronization.
	Replace    []string
	HasReplace bool
}

// Errors returned by the controller-owned mutators.
var (
	ErrJobActive    = errors.New("a job is already tracked")
	ErrNoJob        = errors.New("no job is tracked")
	ErrNotAdvancing = errors.New("transition does not advance the run state")
)

// Option configures a Store.
type Option func(*Store)

// WithMaxLogEntries bounds the stored log to the n most recent entries.
func WithMaxLogEntries(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxLog = n
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is the session's job record.
type Store struct {
	// notifyMu serializes mutation + notification so subscribers observe
	// updates one at a time and in order. Subscribers run while it is held
	// and must not call mutators.
	notifyMu sync.Mutex

	mu      sync.RWMutex
	job     *models.Job
	lastSeq uint64
	subs    map[int]func(models.Snapshot)
	nextSub int

	mirror Mirror
	maxLog int
	now    func() time.Time
	logger *logging.Logger
}

// NewStore creates an empty store over mirror. Call Rehydrate before using it.
func NewStore(mirror Mirror, logger *logging.Logger, opts ...Option) *Store {
	if mirror == nil {
		mirror = NewMemoryMirror()
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	s := &Store{
		subs:   make(map[int]func(models.Snapshot)),
		mirror: mirror,
		maxLog: constants.DefaultMaxLogEntries,
		now:    time.Now,
		logger: logger.Component("store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Rehydrate loads the persisted record into memory. It must run before any
// network call so the mirror stays the source of truth across restarts.
func (s *Store) Rehydrate() (models.Snapshot, error) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	rec, err := s.mirror.Load()
	if err != nil {
		return s.Snapshot(), err
	}

	s.mu.Lock()
	s.lastSeq = 0
	if rec == nil || !rec.RunState.Valid() || rec.RunState == models.RunStateIdle {
		s.job = nil
	} else {
		s.job = &models.Job{
			ID:        rec.JobID,
			Kind:      rec.Kind,
			Target:    rec.Target.Clone(),
			RunState:  rec.RunState,
			Progress:  models.ClampProgress(rec.Progress),
			Log:       []string{},
			Reason:    rec.Reason,
			StartedAt: rec.StartedAt,
			UpdatedAt: rec.SavedAt,
		}
	}
	snap := s.job.Snapshot()
	s.mu.Unlock()

	if rec != nil {
		s.logger.Debug().Str("job_id", snap.JobID).Str("run_state", string(snap.RunState)).Msg("Rehydrated session state")
	}
	s.notify(snap)
	return snap, nil
}

// Snapshot returns a deep copy of the current job. An empty store reports idle.
func (s *Store) Snapshot() models.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.job.Snapshot()
}

// Params returns a copy of the tracked job's parameters.
func (s *Store) Params() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.job == nil || s.job.Params == nil {
		return nil
	}
	out := make(map[string]any, len(s.job.Params))
	for k, v := range s.job.Params {
		out[k] = v
	}
	return out
}

// Subscribe registers fn to receive a snapshot after every accepted change.
// fn is called synchronously and must not call store mutators.
func (s *Store) Subscribe(fn func(models.Snapshot)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// Begin starts tracking a new job in the optimistic starting state, before
// the server has assigned an identifier. The store must be empty (idle).
func (s *Store) Begin(kind models.Kind, target models.Target, params map[string]any) (models.Snapshot, error) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.job != nil && s.job.RunState != models.RunStateIdle {
		state := s.job.RunState
		s.mu.Unlock()
		return models.Snapshot{}, fmt.Errorf("%w (run state %s)", ErrJobActive, state)
	}

	now := s.now()
	copied := make(map[string]any, len(params))
	for k, v := range params {
		copied[k] = v
	}
	s.job = &models.Job{
		Kind:      kind,
		Target:    target.Clone(),
		Params:    copied,
		RunState:  models.RunStateStarting,
		Log:       []string{},
		StartedAt: now,
		UpdatedAt: now,
	}
	s.lastSeq = 0
	snap := s.job.Snapshot()
	s.mu.Unlock()

	if err := s.persist(snap); err != nil {
		s.mu.Lock()
		s.job = nil
		s.mu.Unlock()
		return models.Snapshot{RunState: models.RunStateIdle}, err
	}
	s.notify(snap)
	return snap, nil
}

// AssignID records the server-assigned identifier of a starting job.
func (s *Store) AssignID(jobID string) (models.Snapshot, error) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.job == nil {
		s.mu.Unlock()
		return models.Snapshot{}, ErrNoJob
	}
	if s.job.RunState != models.RunStateStarting || s.job.ID != "" {
		state, id := s.job.RunState, s.job.ID
		s.mu.Unlock()
		return models.Snapshot{}, fmt.Errorf("cannot assign id to job %q in run state %s", id, state)
	}
	s.job.ID = jobID
	s.job.UpdatedAt = s.now()
	snap := s.job.Snapshot()
	s.mu.Unlock()

	s.persistLogged(snap)
	s.notify(snap)
	return snap, nil
}

// Transition moves the job's run state forward on the controller's behalf
// (start failure, operator stop, lost contact). A terminal state freezes the job.
func (s *Store) Transition(to models.RunState, reason string) (models.Snapshot, error) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.job == nil {
		s.mu.Unlock()
		return models.Snapshot{RunState: models.RunStateIdle}, ErrNoJob
	}
	from := s.job.RunState
	if !models.CanAdvance(from, to) {
		snap := s.job.Snapshot()
		s.mu.Unlock()
		return snap, fmt.Errorf("%w: %s -> %s", ErrNotAdvancing, from, to)
	}
	s.job.RunState = to
	if to.IsTerminal() {
		s.job.Reason = reason
	}
	s.job.UpdatedAt = s.now()
	snap := s.job.Snapshot()
	s.mu.Unlock()

	s.logger.Debug().Str("job_id", snap.JobID).Str("from", string(from)).Str("run_state", string(to)).Msg("Run state transition")
	s.persistLogged(snap)
	s.notify(snap)
	return snap, nil
}

// Clear forgets the job and its persisted record.
func (s *Store) Clear() error {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	s.job = nil
	s.lastSeq = 0
	s.mu.Unlock()

	err := s.mirror.Clear()
	s.notify(models.Snapshot{RunState: models.RunStateIdle, Log: []string{}})
	return err
}

// Apply merges one channel observation into the job. It reports whether the
// store changed; subscribers are notified only when it did.
//
// An update is dropped when it is for another job, when its sequence number
// is not above the last observed one, or when the job is not starting or
// running. Progress and log are merged before the run state so an update
// that carries both a final progress and a terminal state applies both.
func (s *Store) Apply(u Update) bool {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	job := s.job
	if job == nil || job.ID == "" || u.JobID != job.ID {
		s.mu.Unlock()
		return false
	}
	if u.Seq <= s.lastSeq {
		s.mu.Unlock()
		s.logger.Debug().Uint64("seq", u.Seq).Str("source", string(u.Source)).Msg("Dropping stale update")
		return false
	}
	if !job.RunState.IsActive() {
		s.mu.Unlock()
		return false
	}
	s.lastSeq = u.Seq

	changed := false
	stateChanged := false

	if u.Progress != nil {
		if p := models.ClampProgress(*u.Progress); p > job.Progress {
			job.Progress = p
			changed = true
		}
	}

	if u.HasReplace && s.replaceLog(job, u.Replace) {
		changed = true
	}

	if u.HasAppend && s.appendLog(job, u.Append) {
		changed = true
	}

	if u.RunState != "" && models.CanAdvance(job.RunState, u.RunState) {
		job.RunState = u.RunState
		if u.RunState.IsTerminal() {
			job.Reason = u.Reason
		}
		changed = true
		stateChanged = true
	}

	if !changed {
		s.mu.Unlock()
		return false
	}

	job.UpdatedAt = s.now()
	snap := job.Snapshot()
	s.mu.Unlock()

	if stateChanged {
		s.logger.Debug().Str("job_id", snap.JobID).Uint64("seq", u.Seq).Str("source", string(u.Source)).
			Str("run_state", string(snap.RunState)).Msg("Run state confirmed")
		s.persistLogged(snap)
	}
	s.notify(snap)
	return true
}

// replaceLog applies a full-log fetch. A fetch that is a strict prefix of the
// current log predates entries already appended from the push channel and
// is ignored.
func (s *Store) replaceLog(job *models.Job, entries []string) bool {
	entries = s.capLog(entries)
	if len(entries) < len(job.Log) && slices.Equal(entries, job.Log[:len(entries)]) {
		return false
	}
	if slices.Equal(entries, job.Log) {
		return false
	}
	job.Log = slices.Clone(entries)
	if job.Log == nil {
		job.Log = []string{}
	}
	return true
}

func (s *Store) appendLog(job *models.Job, entry string) bool {
	if n := len(job.Log); n > 0 && job.Log[n-1] == entry {
		return false
	}
	job.Log = s.capLog(append(job.Log, entry))
	return true
}

func (s *Store) capLog(entries []string) []string {
	if len(entries) > s.maxLog {
		return entries[len(entries)-s.maxLog:]
	}
	return entries
}

func (s *Store) persist(snap models.Snapshot) error {
	if err := s.mirror.Save(Record{
		JobID:     snap.JobID,
		Kind:      snap.Kind,
		Target:    snap.Target,
		RunState:  snap.RunState,
		Progress:  snap.Progress,
		Reason:    snap.Reason,
		StartedAt: snap.StartedAt,
		SavedAt:   s.now(),
	}); err != nil {
		return fmt.Errorf("persist session state: %w", err)
	}
	return nil
}

// persistLogged persists snap; a failure leaves the in-memory state authoritative
// for this process and is only logged.
func (s *Store) persistLogged(snap models.Snapshot) {
	if err := s.persist(snap); err != nil {
		s.logger.Warn().Err(err).Str("job_id", snap.JobID).Msg("Failed to persist session state")
	}
}

// notify calls subscribers with snap. Callers hold notifyMu.
func (s *Store) notify(snap models.Snapshot) {
	s.mu.RLock()
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(models.Snapshot), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.mu.RUnlock()

	// each subscriber gets its own copy
	for _, fn := range fns {
		fn(cloneSnapshot(snap))
	}
}

func cloneSnapshot(snap models.Snapshot) models.Snapshot {
	snap.Log = append([]string{}, snap.Log...)
	snap.Target = snap.Target.Clone()
	return snap
}
