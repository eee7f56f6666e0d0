// Package output writes newline-delimited JSON records for the event log.
//
// Each line is a typed envelope with the payload in Data, so a line can be
// parsed on its own.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record types, versioned as agentqueue.<type>.v<n>.
const (
	TypeEvent   = "agentqueue.event.v1"
	TypeError   = "agentqueue.error.v1"
	TypeSummary = "agentqueue.summary.v1"
)

// Record is the envelope for every JSONL line.
type Record struct {
	Type string    `json:"type"`
	TS   time.Time `json:"ts"`

	// Source identifies where the stream came from, e.g. the server URL.
	Source string `json:"source"`

	Data json.RawMessage `json:"data"`
}

// EventRecord carries one scheduler event as received.
type EventRecord struct {
	// Seq is the stream-assigned event id.
	Seq string `json:"seq,omitempty"`

	// Event is the event type, e.g. job-started.
	Event string `json:"event"`

	Payload json.RawMessage `json:"payload"`
}

// ErrorRecord reports a problem reading the stream.
type ErrorRecord struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SummaryRecord closes a watch session.
type SummaryRecord struct {
	Events     int64            `json:"events"`
	ByType     map[string]int64 `json:"by_type,omitempty"`
	DurationMS int64            `json:"duration_ms"`

	// Reason is why the session ended: server-closed, interrupted or error.
	Reason string `json:"reason"`
}

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = errors.New("writer is closed")

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // marshal_data, marshal_record or write
	Err error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
