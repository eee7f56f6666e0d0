package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/3leaps/agentqueue/pkg/agentproc"
	"github.com/3leaps/agentqueue/pkg/jobstore"
)

// ErrInvalidWorkDir reports a job whose working directory cannot be resolved
// or resolves outside the projects root.
var ErrInvalidWorkDir = errors.New("invalid working directory")

// Defaults for the scheduler knobs.
const (
	DefaultMaxWorkers       = 10
	DefaultPollInterval     = time.Second
	DefaultRecoveryInterval = 5 * time.Minute
	DefaultStuckThreshold   = 30 * time.Minute
	DefaultCleanupInterval  = time.Hour
	DefaultRetentionCount   = 100

	// maxErrorRunes bounds the error text stored on a failed job.
	maxErrorRunes = 500
)

// Config controls scheduling behavior. Zero values select the defaults.
type Config struct {
	// MaxWorkers caps concurrently active project workers.
	MaxWorkers int

	// PollInterval is how often the store is scanned for projects with
	// pending or failed work and a jobs-update snapshot is published.
	PollInterval time.Duration

	// RecoveryInterval is how often stuck running jobs are failed.
	RecoveryInterval time.Duration

	// StuckThreshold is how long a job may stay running before recovery
	// considers it abandoned.
	StuckThreshold time.Duration

	// CleanupInterval is how often retention cleanup runs.
	CleanupInterval time.Duration

	// RetentionCount is the number of terminal jobs kept per project.
	RetentionCount int

	// ProjectsRoot resolves relative project names, and relative cwd
	// options, to working directories. Absolute values are used as-is.
	ProjectsRoot string

	// EventBuffer is the per-subscriber feed capacity.
	EventBuffer int
}

func (c Config) withDefaults() Config {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = DefaultMaxWorkers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = DefaultRecoveryInterval
	}
	if c.StuckThreshold <= 0 {
		c.StuckThreshold = DefaultStuckThreshold
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.RetentionCount <= 0 {
		c.RetentionCount = DefaultRetentionCount
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = defaultSubscriberCapacity
	}
	return c
}

// ResolveWorkDir returns the directory the agent runs in for a job. A cwd
// (or projectPath) option wins over the project name.
func (c Config) ResolveWorkDir(project string, rawOptions json.RawMessage) (string, error) {
	opts, err := agentproc.ParseOptions(rawOptions)
	if err != nil {
		return "", fmt.Errorf("%w: %w", jobstore.ErrInvalidOptions, err)
	}
	return c.workDir(project, opts.WorkDir())
}

func (c Config) workDir(project, requested string) (string, error) {
	if requested != "" {
		if filepath.IsAbs(requested) {
			return filepath.Clean(requested), nil
		}
		if strings.TrimSpace(c.ProjectsRoot) == "" {
			return "", fmt.Errorf("%w: relative cwd %q needs scheduler.projects_root", ErrInvalidWorkDir, requested)
		}
		return underRoot(c.ProjectsRoot, requested)
	}

	project = strings.TrimSpace(project)
	if filepath.IsAbs(project) {
		return filepath.Clean(project), nil
	}
	if strings.TrimSpace(c.ProjectsRoot) == "" {
		return "", fmt.Errorf("%w: project %q needs a cwd option or scheduler.projects_root", ErrInvalidWorkDir, project)
	}
	return underRoot(c.ProjectsRoot, project)
}

// underRoot joins rel onto root and rejects results outside root.
func underRoot(root, rel string) (string, error) {
	root = filepath.Clean(root)
	dir := filepath.Join(root, rel)
	r, err := filepath.Rel(root, dir)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes %s", ErrInvalidWorkDir, rel, root)
	}
	return dir, nil
}

// truncateRunes cuts s to at most n runes.
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
