package agentproc

import (
	"os/exec"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const placeholderPrefix = "pending-"

// handle is one live agent process.
type handle struct {
	cmd     *exec.Cmd
	key     string
	aborted atomic.Bool
	done    chan struct{}
}

// Registry maps session keys to live processes.
//
// A run is registered under its session id when it has one, otherwise under
// a placeholder that is re-keyed once the agent reports its real session.
type Registry struct {
	mu     sync.Mutex
	procs  map[string]*handle
	grace  time.Duration
	logger *zap.Logger
}

func newRegistry(grace time.Duration, logger *zap.Logger) *Registry {
	return &Registry{
		procs:  make(map[string]*handle),
		grace:  grace,
		logger: logger,
	}
}

func placeholderKey() string {
	return placeholderPrefix + uuid.NewString()
}

func (r *Registry) register(key string, h *handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h.key = key
	r.procs[key] = h
}

func (r *Registry) rekey(h *handle, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h.aborted.Load() {
		return
	}
	if cur, ok := r.procs[h.key]; ok && cur == h {
		delete(r.procs, h.key)
	}
	h.key = key
	r.procs[key] = h
}

func (r *Registry) keyOf(h *handle) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return h.key
}

func (r *Registry) remove(h *handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.procs[h.key]; ok && cur == h {
		delete(r.procs, h.key)
	}
}

// Abort terminates the process registered under key: SIGTERM first, SIGKILL
// once the grace period lapses. It reports whether a process was found.
func (r *Registry) Abort(key string) bool {
	r.mu.Lock()
	h, ok := r.procs[key]
	if ok {
		delete(r.procs, key)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	h.aborted.Store(true)
	r.logger.Info("aborting agent process", zap.String("session", key), zap.Int("pid", h.cmd.Process.Pid))
	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		_ = h.cmd.Process.Kill()
		return true
	}

	go func() {
		select {
		case <-h.done:
		case <-time.After(r.grace):
			r.logger.Warn("agent ignored SIGTERM; killing", zap.String("session", key))
			_ = h.cmd.Process.Kill()
		}
	}()
	return true
}

// KillAll kills every registered process immediately and returns how many
// were signalled.
func (r *Registry) KillAll() int {
	r.mu.Lock()
	handles := make([]*handle, 0, len(r.procs))
	for key, h := range r.procs {
		handles = append(handles, h)
		delete(r.procs, key)
	}
	r.mu.Unlock()

	for _, h := range handles {
		h.aborted.Store(true)
		_ = h.cmd.Process.Kill()
	}
	return len(handles)
}

// Active lists the registered session keys.
func (r *Registry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.procs))
	for k := range r.procs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
