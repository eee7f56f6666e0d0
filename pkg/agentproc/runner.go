// Package agentproc runs the external coding agent for one job and turns its
// output streams into typed events.
//
// The agent is started with the job's command text on stdin. Each stdout line
// is decoded as a JSON record when possible and passed through as text when
// not; stderr lines are forwarded as diagnostic output. Live processes are
// tracked by session key so they can be aborted from outside the run.
package agentproc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultBinary    = "claude"
	DefaultKillGrace = 5 * time.Second

	stderrTailBytes = 4 << 10
)

// DefaultBaseArgs put the agent in non-interactive streaming mode.
var DefaultBaseArgs = []string{"--print", "--output-format", "stream-json", "--verbose"}

// Config controls how the agent binary is launched.
type Config struct {
	// Binary is the agent executable, resolved through PATH.
	Binary string

	// BaseArgs precede the flags derived from job options.
	BaseArgs []string

	// Env is appended to the inherited environment.
	Env []string

	// MaxLineBytes bounds a single output line.
	MaxLineBytes int

	// KillGrace is how long an aborted or cancelled process has between
	// SIGTERM and SIGKILL.
	KillGrace time.Duration

	// TempDir is where per-run attachment directories are created.
	// Empty uses the system temp dir.
	TempDir string
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Binary) == "" {
		c.Binary = DefaultBinary
	}
	if c.BaseArgs == nil {
		c.BaseArgs = DefaultBaseArgs
	}
	if c.MaxLineBytes <= 0 {
		c.MaxLineBytes = DefaultMaxLineBytes
	}
	if c.KillGrace <= 0 {
		c.KillGrace = DefaultKillGrace
	}
	return c
}

// Request is one agent invocation.
type Request struct {
	JobID     int64
	Command   string
	SessionID string
	Options   json.RawMessage
	WorkDir   string
}

// Result summarizes a started run.
type Result struct {
	ExitCode int

	// SessionID is the session the agent reported, or the requested one.
	SessionID string

	// NewSession is true when the session was created by this run.
	NewSession bool

	Duration time.Duration
}

// Runner launches agent processes.
type Runner struct {
	cfg      Config
	logger   *zap.Logger
	registry *Registry
}

// NewRunner returns a Runner. A nil logger disables logging.
func NewRunner(cfg Config, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Runner{
		cfg:      cfg,
		logger:   logger,
		registry: newRegistry(cfg.KillGrace, logger),
	}
}

// Abort terminates the run registered under sessionKey.
func (r *Runner) Abort(sessionKey string) bool {
	return r.registry.Abort(sessionKey)
}

// KillAll kills every live run.
func (r *Runner) KillAll() int {
	return r.registry.KillAll()
}

// Active lists the session keys of live runs.
func (r *Runner) Active() []string {
	return r.registry.Active()
}

// Run starts the agent and blocks until it exits.
//
// Events are sent on events (which may be nil) in stream order; the last one
// is always EventExit when the process started. Run returns a nil error only
// for exit code 0. Cancelling ctx terminates the process the same way Abort
// does.
func (r *Runner) Run(ctx context.Context, req Request, events chan<- Event) (*Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	opts, err := ParseOptions(req.Options)
	if err != nil {
		return nil, err
	}

	command := req.Command
	attachDir, paths, err := writeAttachments(r.cfg.TempDir, req.JobID, opts.Images)
	if err != nil {
		return nil, err
	}
	if attachDir != "" {
		defer func() {
			if err := os.RemoveAll(attachDir); err != nil {
				r.logger.Warn("remove attachment dir failed",
					zap.Int64("job_id", req.JobID), zap.String("dir", attachDir), zap.Error(err))
			}
		}()
		command = appendAttachmentPaths(command, paths)
	}

	args := buildArgs(r.cfg.BaseArgs, req.SessionID, opts)
	cmd := exec.CommandContext(ctx, r.cfg.Binary, args...)
	cmd.Dir = req.WorkDir
	cmd.Env = append(os.Environ(), r.cfg.Env...)
	cmd.Stdin = strings.NewReader(command)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = r.cfg.KillGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &ProcessSpawnError{Binary: r.cfg.Binary, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &ProcessSpawnError{Binary: r.cfg.Binary, Err: err}
	}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &ProcessSpawnError{Binary: r.cfg.Binary, Err: err}
	}

	h := &handle{cmd: cmd, done: make(chan struct{})}
	key := strings.TrimSpace(req.SessionID)
	if key == "" {
		key = placeholderKey()
	}
	r.registry.register(key, h)
	defer r.registry.remove(h)

	r.logger.Debug("agent started",
		zap.Int64("job_id", req.JobID),
		zap.String("session", key),
		zap.Int("pid", cmd.Process.Pid),
		zap.Strings("args", args))

	emit := func(ev Event) {
		if events == nil {
			return
		}
		ev.JobID = req.JobID
		if ev.SessionKey == "" {
			ev.SessionKey = r.registry.keyOf(h)
		}
		events <- ev
	}

	var (
		wg        sync.WaitGroup
		tailMu    sync.Mutex
		stderrBuf []byte
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		br := bufio.NewReader(stderr)
		for {
			line, truncated, err := readLineLimited(br, r.cfg.MaxLineBytes)
			if len(line) > 0 || err == nil {
				tailMu.Lock()
				stderrBuf = appendTail(stderrBuf, line, stderrTailBytes)
				tailMu.Unlock()
				emit(Event{Kind: EventOutput, Output: &Output{Kind: OutputStderr, Text: string(line), Truncated: truncated}})
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					r.logger.Debug("stderr read ended", zap.Int64("job_id", req.JobID), zap.Error(err))
				}
				return
			}
		}
	}()

	result := &Result{SessionID: strings.TrimSpace(req.SessionID)}
	br := bufio.NewReader(stdout)
	for {
		line, truncated, err := readLineLimited(br, r.cfg.MaxLineBytes)
		if len(bytes.TrimSpace(line)) > 0 {
			out := decodeLine(line, truncated)
			emit(Event{Kind: EventOutput, Output: &out})

			if out.Kind == OutputRecord && !result.NewSession && req.SessionID == "" {
				if sid := sessionIDOf(out.Record); sid != "" {
					result.SessionID = sid
					result.NewSession = true
					r.registry.rekey(h, sid)
					emit(Event{Kind: EventSessionCreated, SessionID: sid})
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.logger.Debug("stdout read ended", zap.Int64("job_id", req.JobID), zap.Error(err))
			}
			break
		}
	}
	wg.Wait()

	waitErr := cmd.Wait()
	close(h.done)
	result.Duration = time.Since(started)
	result.ExitCode = cmd.ProcessState.ExitCode()

	exit := Event{Kind: EventExit, ExitCode: result.ExitCode}
	if result.NewSession {
		exit.SessionID = result.SessionID
	}
	emit(exit)

	r.logger.Debug("agent exited",
		zap.Int64("job_id", req.JobID),
		zap.Int("exit_code", result.ExitCode),
		zap.Duration("duration", result.Duration))

	if waitErr == nil && result.ExitCode == 0 {
		return result, nil
	}

	tailMu.Lock()
	tail := strings.TrimSpace(string(stderrBuf))
	tailMu.Unlock()

	exitErr := &ProcessExitError{Code: result.ExitCode, Stderr: tail}
	switch {
	case h.aborted.Load():
		exitErr.Err = ErrAborted
	case ctx.Err() != nil:
		exitErr.Err = ctx.Err()
	case waitErr != nil && !isExitError(waitErr):
		exitErr.Err = waitErr
	}
	return result, exitErr
}

func isExitError(err error) bool {
	var ee *exec.ExitError
	return errors.As(err, &ee)
}

// appendTail appends line to buf and keeps only the last max bytes.
func appendTail(buf []byte, line []byte, max int) []byte {
	if len(buf) > 0 {
		buf = append(buf, '\n')
	}
	buf = append(buf, line...)
	if len(buf) > max {
		buf = append([]byte(nil), buf[len(buf)-max:]...)
	}
	return buf
}
