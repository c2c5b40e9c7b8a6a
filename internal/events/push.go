package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/airstrike/airstrike/internal/models"
)

// PushName is the name of a server-sent job event.
type PushName string

const (
	PushJobStarted PushName = "job_started"
	PushJobLog     PushName = "job_log"
	PushJobStopped PushName = "job_stopped"
	PushJobError   PushName = "job_error"
)

// Valid reports whether n is one of the known push events.
func (n PushName) Valid() bool {
	switch n {
	case PushJobStarted, PushJobLog, PushJobStopped, PushJobError:
		return true
	}
	return false
}

// PushEvent is a decoded push-channel message.
type PushEvent struct {
	Name    PushName
	JobID   string
	Target  *models.Target // job_started only
	Message string         // job_log only
	Error   string         // job_error only

	ReceivedAt time.Time
}

// ErrUnknownPushEvent is returned for messages with an unrecognized name.
var ErrUnknownPushEvent = errors.New("unknown push event")

// envelope is the wire shape: {"event":"job_log","data":{"jobId":"42","message":"..."}}
// Older servers use "type" for the name.
type envelope struct {
	Event string          `json:"event"`
	Type  string          `json:"type,omitempty"`
	Data  json.RawMessage `json:"data"`
}

type pushData struct {
	JobID    string          `json:"jobId,omitempty"`
	JobIDAlt string          `json:"job_id,omitempty"`
	AttackID string          `json:"attack_id,omitempty"`
	Target   json.RawMessage `json:"target,omitempty"`
	Message  string          `json:"message,omitempty"`
	Error    string          `json:"error,omitempty"`
}

func (d pushData) id() string {
	switch {
	case d.JobID != "":
		return d.JobID
	case d.JobIDAlt != "":
		return d.JobIDAlt
	default:
		return d.AttackID
	}
}

// DecodePush parses a push-channel message.
func DecodePush(raw []byte) (PushEvent, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return PushEvent{}, fmt.Errorf("decode push envelope: %w", err)
	}

	name := PushName(env.Event)
	if name == "" {
		name = PushName(env.Type)
	}
	if !name.Valid() {
		return PushEvent{}, fmt.Errorf("%w: %q", ErrUnknownPushEvent, name)
	}

	var data pushData
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return PushEvent{}, fmt.Errorf("decode %s payload: %w", name, err)
		}
	}

	ev := PushEvent{
		Name:       name,
		JobID:      data.id(),
		Message:    data.Message,
		Error:      data.Error,
		ReceivedAt: time.Now(),
	}

	// The target may be a descriptor object or, on older servers, a bare BSSID
	if len(data.Target) > 0 && string(data.Target) != "null" {
		var t models.Target
		if err := json.Unmarshal(data.Target, &t); err != nil {
			var bssid string
			if err2 := json.Unmarshal(data.Target, &bssid); err2 != nil {
				return PushEvent{}, fmt.Errorf("decode %s target: %w", name, err)
			}
			t = models.Target{BSSID: bssid}
		}
		ev.Target = &t
	}

	return ev, nil
}

// EncodePush serializes a push event in the current wire shape.
func EncodePush(ev PushEvent) ([]byte, error) {
	data := pushData{JobID: ev.JobID, Message: ev.Message, Error: ev.Error}
	if ev.Target != nil {
		t, err := json.Marshal(ev.Target)
		if err != nil {
			return nil, err
		}
		data.Target = t
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Event: string(ev.Name), Data: payload})
}
