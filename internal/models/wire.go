package models

import "encoding/json"

// StartRequest is the body of POST /api/jobs/start.
type StartRequest struct {
	Target Target         `json:"target"`
	Kind   Kind           `json:"kind"`
	Config map[string]any `json:"config,omitempty"`
}

// StartResponse is the body returned by a successful start.
// Older servers name the identifier job_id or attack_id.
type StartResponse struct {
	JobID    string `json:"jobId"`
	JobIDAlt string `json:"job_id,omitempty"`
	AttackID string `json:"attack_id,omitempty"`
	Message  string `json:"message,omitempty"`
}

// ID returns whichever identifier field the server populated.
func (r StartResponse) ID() string {
	switch {
	case r.JobID != "":
		return r.JobID
	case r.JobIDAlt != "":
		return r.JobIDAlt
	default:
		return r.AttackID
	}
}

// StopRequest is the body of POST /api/jobs/stop.
type StopRequest struct {
	JobID string `json:"jobId"`
}

// StatusResponse is returned by GET /api/jobs/status.
// Status is the legacy name of RunState; Data wraps the payload on legacy servers.
type StatusResponse struct {
	RunState string          `json:"runState,omitempty"`
	Status   string          `json:"status,omitempty"`
	Progress int             `json:"progress"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// State returns the reported status string.
func (r StatusResponse) State() string {
	if r.RunState != "" {
		return r.RunState
	}
	return r.Status
}

// LogResponse is returned by GET /api/jobs/log.
type LogResponse struct {
	Entries []string `json:"entries"`
	Logs    []string `json:"logs,omitempty"`
}

// Lines returns the reported log entries.
func (r LogResponse) Lines() []string {
	if r.Entries != nil {
		return r.Entries
	}
	return r.Logs
}

// ErrorResponse is the error payload shape used by the job API.
type ErrorResponse struct {
	Success *bool  `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// Rejected reports whether the payload explicitly signals failure.
func (r ErrorResponse) Rejected() bool {
	return r.Success != nil && !*r.Success
}

// JobStatus is the normalized result of a status call.
type JobStatus struct {
	RunState RunState
	Progress int
	// Raw is the server's status string before mapping.
	Raw string
}
