// Package events defines the push-channel event vocabulary and the in-process
// EventBus that carries operator notices (state changes, surfaced errors,
// job completion) from the lifecycle controller to notifiers and renderers.
package events

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/airstrike/airstrike/internal/constants"
	"github.com/airstrike/airstrike/internal/models"
)

// EventType names a kind of bus event.
type EventType string

const (
	EventStateChange EventType = "state_change"
	EventError       EventType = "error"
	EventComplete    EventType = "complete"
)

// Event is implemented by everything published on the bus.
type Event interface {
	Type() EventType
	Timestamp() time.Time
}

// BaseEvent carries the fields shared by every event.
type BaseEvent struct {
	EventType EventType
	Time      time.Time
}

func (e BaseEvent) Type() EventType      { return e.EventType }
func (e BaseEvent) Timestamp() time.Time { return e.Time }

// StateChangeEvent represents a run state transition of the tracked job
type StateChangeEvent struct {
	BaseEvent
	JobID    string
	Kind     models.Kind
	OldState models.RunState
	NewState models.RunState
	Reason   string
}

// ErrorEvent represents an error surfaced to the operator.
// Exactly one is published per surfaced error.
type ErrorEvent struct {
	BaseEvent
	JobID string
	Op    string
	Error error
}

// CompleteEvent is published once when the tracked job reaches a terminal state
type CompleteEvent struct {
	BaseEvent
	JobID    string
	Kind     models.Kind
	Target   string
	RunState models.RunState
	Reason   string
	Duration time.Duration
}

type subscription struct {
	ch    chan Event
	types []EventType // empty: every type
}

func (s *subscription) wants(t EventType) bool {
	return len(s.types) == 0 || slices.Contains(s.types, t)
}

// EventBus fans events out to buffered subscriber channels. Publishing never
// blocks: a subscriber whose buffer is full misses the event and the drop is
// counted.
type EventBus struct {
	mu         sync.RWMutex
	subs       []*subscription
	bufferSize int
	closed     bool
	dropped    atomic.Int64
}

// NewEventBus creates an event bus whose subscriptions buffer up to
// bufferSize events.
func NewEventBus(bufferSize int) *EventBus {
	bufferSize = min(bufferSize, constants.EventBusMaxBuffer)
	if bufferSize <= 0 {
		bufferSize = constants.EventBusDefaultBuffer
	}
	return &EventBus{bufferSize: bufferSize}
}

// Subscribe returns a channel receiving events of the given types, or of
// every type when none are given. The channel is closed by Unsubscribe or
// Close; subscribing to a closed bus yields an already closed channel.
func (eb *EventBus) Subscribe(types ...EventType) <-chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	sub := &subscription{ch: make(chan Event, eb.bufferSize), types: types}
	eb.subs = append(eb.subs, sub)
	return sub.ch
}

// Unsubscribe removes and closes a channel returned by Subscribe.
func (eb *EventBus) Unsubscribe(ch <-chan Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for i, sub := range eb.subs {
		if sub.ch == ch {
			eb.subs = slices.Delete(eb.subs, i, i+1)
			close(sub.ch)
			return
		}
	}
}

// Publish delivers event to every interested subscriber.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.closed {
		return
	}
	for _, sub := range eb.subs {
		if !sub.wants(event.Type()) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			eb.dropped.Add(1)
		}
	}
}

// Close closes every remaining subscription. Later publishes are ignored.
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}
	eb.closed = true
	for _, sub := range eb.subs {
		close(sub.ch)
	}
	eb.subs = nil
}

// Dropped returns how many deliveries were skipped because a subscriber's
// buffer was full.
func (eb *EventBus) Dropped() int64 {
	return eb.dropped.Load()
}

// PublishStateChange publishes a run state transition.
func (eb *EventBus) PublishStateChange(jobID string, kind models.Kind, oldState, newState models.RunState, reason string) {
	eb.Publish(&StateChangeEvent{
		BaseEvent: BaseEvent{EventType: EventStateChange, Time: time.Now()},
		JobID:     jobID,
		Kind:      kind,
		OldState:  oldState,
		NewState:  newState,
		Reason:    reason,
	})
}

// PublishError publishes an error surfaced by op.
func (eb *EventBus) PublishError(jobID, op string, err error) {
	eb.Publish(&ErrorEvent{
		BaseEvent: BaseEvent{EventType: EventError, Time: time.Now()},
		JobID:     jobID,
		Op:        op,
		Error:     err,
	})
}

// PublishComplete publishes the terminal snapshot of a job and how long it ran.
func (eb *EventBus) PublishComplete(snap models.Snapshot, duration time.Duration) {
	eb.Publish(&CompleteEvent{
		BaseEvent: BaseEvent{EventType: EventComplete, Time: time.Now()},
		JobID:     snap.JobID,
		Kind:      snap.Kind,
		Target:    snap.Target.DisplayName(),
		RunState:  snap.RunState,
		Reason:    snap.Reason,
		Duration:  duration,
	})
}
