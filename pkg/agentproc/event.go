package agentproc

import "encoding/json"

// EventKind tags the variants emitted while an agent runs.
type EventKind string

const (
	// EventOutput carries one decoded output unit.
	EventOutput EventKind = "output"

	// EventSessionCreated fires once when a fresh run reports its session id.
	EventSessionCreated EventKind = "session-created"

	// EventExit is the last event of every started run.
	EventExit EventKind = "exit"
)

// OutputKind says how a line was decoded.
type OutputKind string

const (
	OutputRecord OutputKind = "record"
	OutputText   OutputKind = "text"
	OutputStderr OutputKind = "stderr"
)

// Output is one line from the agent.
type Output struct {
	Kind OutputKind `json:"kind"`

	// Record is set for OutputRecord and holds the JSON object verbatim.
	Record json.RawMessage `json:"record,omitempty"`

	// Text is set for OutputText and OutputStderr.
	Text string `json:"text,omitempty"`

	// Truncated is true when the line exceeded the configured maximum.
	Truncated bool `json:"truncated,omitempty"`
}

// Event is published on the channel passed to Runner.Run.
type Event struct {
	Kind  EventKind
	JobID int64

	// SessionKey is the registry key at the time of the event.
	SessionKey string

	// SessionID is set on EventSessionCreated, and on EventExit when a new
	// session was discovered.
	SessionID string

	Output   *Output
	ExitCode int
}
