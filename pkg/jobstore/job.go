// Package jobstore is the durable queue behind the agent scheduler.
//
// Jobs are rows in a single SQLite (or libsql) table. The store decides which
// job a project should run next, enforces forward-only status transitions,
// and guarantees that two jobs sharing a session id are never running at the
// same time.
package jobstore

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle state of a job.
//
// NOTE: These values are persisted and constrained by a CHECK clause.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// DefaultRetention is the number of terminal jobs kept per project.
const DefaultRetention = 100

// Valid reports whether s is one of the four persisted states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s ends a run.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseStatus validates a status string.
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, v)
	}
	return s, nil
}

// allowedFrom lists, per target status, the statuses a job may move from.
// failed is both terminal and retry-eligible, so failed → running is legal.
var allowedFrom = map[Status][]Status{
	StatusRunning:   {StatusPending, StatusFailed},
	StatusCompleted: {StatusRunning},
	StatusFailed:    {StatusPending, StatusRunning},
	StatusPending:   {StatusFailed},
}

// Job is one queued invocation of the external agent.
type Job struct {
	ID           int64           `json:"id"`
	ProjectName  string          `json:"project_name"`
	SessionID    *string         `json:"session_id,omitempty"`
	Command      string          `json:"command"`
	Options      json.RawMessage `json:"options"`
	Status       Status          `json:"status"`
	Priority     int             `json:"priority"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	UserID       *string         `json:"user_id,omitempty"`
}

// Session returns the session id or "".
func (j *Job) Session() string {
	if j == nil || j.SessionID == nil {
		return ""
	}
	return *j.SessionID
}

// EnqueueParams describes a new job.
type EnqueueParams struct {
	ProjectName string
	SessionID   string
	Command     string
	Options     json.RawMessage
	UserID      string
	Priority    int
}

// Stats counts jobs per status.
type Stats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Total returns the number of rows counted.
func (s Stats) Total() int {
	return s.Pending + s.Running + s.Completed + s.Failed
}
