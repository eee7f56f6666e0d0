package agentproc

import (
	"errors"
	"fmt"
)

// ErrAborted marks a run that ended because Abort or KillAll signalled it.
var ErrAborted = errors.New("agent process aborted")

// ProcessSpawnError indicates the agent binary could not be started.
type ProcessSpawnError struct {
	Binary string
	Err    error
}

func (e *ProcessSpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Binary, e.Err)
}

func (e *ProcessSpawnError) Unwrap() error {
	return e.Err
}

// ProcessExitError indicates the agent exited non-zero (or was killed).
//
// Code is -1 when the process was terminated by a signal. Stderr holds the
// tail of the diagnostic stream.
type ProcessExitError struct {
	Code   int
	Stderr string

	// Err is ErrAborted or a context error when the run was cut short.
	Err error
}

func (e *ProcessExitError) Error() string {
	msg := fmt.Sprintf("agent exited with code %d", e.Code)
	if e.Err != nil {
		msg = fmt.Sprintf("%s (%v)", msg, e.Err)
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ProcessExitError) Unwrap() error {
	return e.Err
}

// IsAborted reports whether err came from an aborted run.
func IsAborted(err error) bool {
	return errors.Is(err, ErrAborted)
}
