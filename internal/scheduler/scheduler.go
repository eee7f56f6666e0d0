// Package scheduler dispatches queued agent jobs.
//
// Each project with eligible work gets one worker goroutine that runs its
// jobs strictly one after another. Workers for different projects run
// concurrently up to a cap. The worker set is owned by a single loop
// goroutine; workers and callers talk to it over channels.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/agentqueue/pkg/agentproc"
	"github.com/3leaps/agentqueue/pkg/jobstore"
)

// JobStore is the persistence the scheduler needs. *jobstore.Store satisfies it.
type JobStore interface {
	Enqueue(ctx context.Context, p jobstore.EnqueueParams) (int64, error)
	ClaimNextExcluding(ctx context.Context, projectName string, skip []int64) (*jobstore.Job, error)
	MarkRunning(ctx context.Context, id int64) (bool, error)
	SetStatus(ctx context.Context, id int64, status jobstore.Status, errorMessage *string) error
	AttachSession(ctx context.Context, id int64, sessionID string) error
	ListActive(ctx context.Context) ([]jobstore.Job, error)
	EligibleProjects(ctx context.Context) ([]string, error)
	ListStuck(ctx context.Context, olderThan time.Time) ([]jobstore.Job, error)
	RetentionCleanup(ctx context.Context, projectName string, keep int) (int64, error)
	Stats(ctx context.Context) (jobstore.Stats, error)
}

// Runner executes one job. *agentproc.Runner satisfies it.
type Runner interface {
	Run(ctx context.Context, req agentproc.Request, events chan<- agentproc.Event) (*agentproc.Result, error)
	Abort(sessionKey string) bool
	KillAll() int
	Active() []string
}

// SubmitRequest describes a job to enqueue.
type SubmitRequest struct {
	ProjectName string          `json:"project_name" validate:"required,max=512"`
	SessionID   string          `json:"session_id,omitempty" validate:"max=256"`
	Command     string          `json:"command"`
	Options     json.RawMessage `json:"options,omitempty"`
	UserID      string          `json:"user_id,omitempty" validate:"max=256"`
	Priority    int             `json:"priority" validate:"gte=-1000,lte=1000"`
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	ActiveJobs      []jobstore.Job `json:"active_jobs"`
	WorkingProjects []ProjectState `json:"working_projects"`
	Workers         int            `json:"workers"`
	MaxWorkers      int            `json:"max_workers"`
	Counts          jobstore.Stats `json:"counts"`
	LiveSessions    []string       `json:"live_sessions"`
	DroppedEvents   int64          `json:"dropped_events"`
	Draining        bool           `json:"draining"`
}

// ProjectState describes one active worker.
type ProjectState struct {
	Project      string `json:"project"`
	CurrentJobID int64  `json:"current_job_id,omitempty"`
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the clock used for stuck-job cutoffs and event stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// Scheduler owns the project workers.
type Scheduler struct {
	cfg    Config
	store  JobStore
	runner Runner
	feed   *Feed
	logger *zap.Logger
	now    func() time.Time

	ensureCh chan string
	exitCh   chan exitRequest
	queryCh  chan chan []ProjectState

	// stopping is closed when Shutdown begins; quit ends the loop goroutine.
	stopping chan struct{}
	quit     chan struct{}
	loopDone chan struct{}

	workersWG sync.WaitGroup
	sweepsWG  sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
	quitOnce  sync.Once
	started   chan struct{}

	inflight *jobSet
}

// New builds a scheduler. Call Start to begin dispatching.
func New(cfg Config, store JobStore, runner Runner, opts ...Option) *Scheduler {
	cfg = cfg.withDefaults()
	s := &Scheduler{
		cfg:      cfg,
		store:    store,
		runner:   runner,
		logger:   zap.NewNop(),
		now:      time.Now,
		ensureCh: make(chan string, 256),
		exitCh:   make(chan exitRequest),
		queryCh:  make(chan chan []ProjectState),
		stopping: make(chan struct{}),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
		started:  make(chan struct{}),
		inflight: newJobSet(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.feed = NewFeed(cfg.EventBuffer, s.logger)
	return s
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config {
	return s.cfg
}

// Start launches the dispatch loop and the periodic sweeps. Stuck jobs are
// recovered once before the first poll.
func (s *Scheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	started := false
	s.startOnce.Do(func() {
		started = true
		if _, err := s.RecoverStuck(ctx); err != nil {
			s.logger.Warn("initial stuck-job recovery failed", zap.Error(err))
		}

		go s.loop()
		close(s.started)

		s.sweepsWG.Add(3)
		go s.every(s.cfg.PollInterval, "poll", s.poll)
		go s.every(s.cfg.RecoveryInterval, "recovery", func(ctx context.Context) {
			if _, err := s.RecoverStuck(ctx); err != nil {
				s.logger.Warn("stuck-job recovery failed", zap.Error(err))
			}
		})
		go s.every(s.cfg.CleanupInterval, "retention", func(ctx context.Context) {
			if _, err := s.Cleanup(ctx); err != nil {
				s.logger.Warn("retention cleanup failed", zap.Error(err))
			}
		})

		// Pick up work left over from a previous run without waiting a tick.
		s.poll(ctx)
	})
	if !started {
		return errors.New("scheduler already started")
	}
	s.logger.Info("scheduler started",
		zap.Int("max_workers", s.cfg.MaxWorkers),
		zap.Duration("poll_interval", s.cfg.PollInterval))
	return nil
}

// Submit enqueues a job and asks for a worker for its project. A job with no
// resolvable working directory is rejected with ErrInvalidWorkDir. Store
// errors are returned to the caller.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	req.ProjectName = strings.TrimSpace(req.ProjectName)
	if _, err := s.cfg.ResolveWorkDir(req.ProjectName, req.Options); err != nil {
		return 0, err
	}
	id, err := s.store.Enqueue(ctx, jobstore.EnqueueParams{
		ProjectName: req.ProjectName,
		SessionID:   req.SessionID,
		Command:     req.Command,
		Options:     req.Options,
		UserID:      req.UserID,
		Priority:    req.Priority,
	})
	if err != nil {
		return 0, err
	}

	s.publish(Event{
		Type:      EventJobQueued,
		JobID:     id,
		Project:   req.ProjectName,
		SessionID: req.SessionID,
	})
	s.requestWorker(req.ProjectName)

	s.logger.Debug("job queued",
		zap.Int64("job_id", id),
		zap.String("project", req.ProjectName),
		zap.Int("priority", req.Priority))
	return id, nil
}

// Status reports active jobs, working projects and counts.
func (s *Scheduler) Status(ctx context.Context) (*Status, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	working, err := s.workingProjects(ctx)
	if err != nil {
		return nil, err
	}
	active, err := s.store.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := s.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	if active == nil {
		active = []jobstore.Job{}
	}
	live := s.runner.Active()
	if live == nil {
		live = []string{}
	}
	return &Status{
		ActiveJobs:      active,
		WorkingProjects: working,
		Workers:         len(working),
		MaxWorkers:      s.cfg.MaxWorkers,
		Counts:          counts,
		LiveSessions:    live,
		DroppedEvents:   s.feed.Dropped(),
		Draining:        s.isStopping(),
	}, nil
}

// Subscribe attaches to the event feed.
func (s *Scheduler) Subscribe() Subscription {
	return s.feed.Subscribe()
}

// Feed exposes the event feed.
func (s *Scheduler) Feed() *Feed {
	return s.feed
}

// Abort terminates the process running for sessionID. The worker records
// the job as failed.
func (s *Scheduler) Abort(sessionID string) bool {
	ok := s.runner.Abort(sessionID)
	if ok {
		s.logger.Info("abort requested", zap.String("session", sessionID))
	}
	return ok
}

// KillAll terminates every running process.
func (s *Scheduler) KillAll() int {
	n := s.runner.KillAll()
	if n > 0 {
		s.logger.Warn("killed all agent processes", zap.Int("count", n))
	}
	return n
}

// Shutdown stops claiming new work and waits for running jobs to reach a
// terminal status. Processes are not killed; if ctx expires first the wait is
// abandoned and ctx.Err() is returned.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.stopOnce.Do(func() { close(s.stopping) })

	select {
	case <-s.started:
	default:
		s.feed.Close()
		return nil
	}

	done := make(chan struct{})
	go func() {
		s.sweepsWG.Wait()
		s.workersWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("scheduler shutdown: %w", ctx.Err())
	}

	s.quitOnce.Do(func() { close(s.quit) })
	<-s.loopDone
	s.feed.Close()
	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverStuck fails running jobs older than the stuck threshold that are not
// executing in this process. A failure on one job is logged and the sweep
// continues.
func (s *Scheduler) RecoverStuck(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.StuckThreshold)
	jobs, err := s.store.ListStuck(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, job := range jobs {
		if s.inflight.has(job.ID) {
			continue
		}
		msg := fmt.Sprintf("recovered: job was running for more than %s without a live process", s.cfg.StuckThreshold)
		if err := s.store.SetStatus(ctx, job.ID, jobstore.StatusFailed, &msg); err != nil {
			s.logger.Warn("recover stuck job failed", zap.Int64("job_id", job.ID), zap.Error(err))
			continue
		}
		recovered++
		s.publish(Event{
			Type:      EventJobFailed,
			JobID:     job.ID,
			Project:   job.ProjectName,
			SessionID: job.Session(),
			Error:     msg,
		})
		s.logger.Info("recovered stuck job", zap.Int64("job_id", job.ID), zap.String("project", job.ProjectName))
	}
	return recovered, nil
}

// Cleanup applies retention to every project.
func (s *Scheduler) Cleanup(ctx context.Context) (int64, error) {
	deleted, err := s.store.RetentionCleanup(ctx, "", s.cfg.RetentionCount)
	if deleted > 0 {
		s.logger.Info("retention cleanup", zap.Int64("deleted", deleted), zap.Int("keep", s.cfg.RetentionCount))
	}
	return deleted, err
}

func (s *Scheduler) publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = s.now().UTC()
	}
	s.feed.Publish(ev)
}

func (s *Scheduler) isStopping() bool {
	select {
	case <-s.stopping:
		return true
	default:
		return false
	}
}

// requestWorker never blocks; a dropped request is picked up by the next poll.
func (s *Scheduler) requestWorker(project string) {
	if s.isStopping() {
		return
	}
	select {
	case s.ensureCh <- project:
	default:
		s.logger.Debug("worker request dropped; poll will retry", zap.String("project", project))
	}
}

func (s *Scheduler) workingProjects(ctx context.Context) ([]ProjectState, error) {
	select {
	case <-s.started:
	default:
		return []ProjectState{}, nil
	}

	reply := make(chan []ProjectState, 1)
	select {
	case s.queryCh <- reply:
	case <-s.loopDone:
		return []ProjectState{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case states := <-reply:
		return states, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// every runs fn on a ticker until shutdown begins.
func (s *Scheduler) every(interval time.Duration, name string, fn func(ctx context.Context)) {
	defer s.sweepsWG.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopping:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval+30*time.Second)
			func() {
				defer cancel()
				defer func() {
					if r := recover(); r != nil {
						s.logger.Error("periodic task panicked", zap.String("task", name), zap.Any("panic", r))
					}
				}()
				fn(ctx)
			}()
		}
	}
}

// poll starts workers for projects with eligible work and publishes a
// jobs-update snapshot.
func (s *Scheduler) poll(ctx context.Context) {
	projects, err := s.store.EligibleProjects(ctx)
	if err != nil {
		s.logger.Warn("poll eligible projects failed", zap.Error(err))
	}
	for _, p := range projects {
		s.requestWorker(p)
	}

	if s.feed.Subscribers() == 0 {
		return
	}
	active, err := s.store.ListActive(ctx)
	if err != nil {
		s.logger.Warn("poll active jobs failed", zap.Error(err))
		return
	}
	working, err := s.workingProjects(ctx)
	if err != nil {
		return
	}
	names := make([]string, 0, len(working))
	for _, w := range working {
		names = append(names, w.Project)
	}
	if active == nil {
		active = []jobstore.Job{}
	}
	s.publish(Event{Type: EventJobsUpdate, Snapshot: &Snapshot{Jobs: active, WorkingProjects: names}})
}

// loop owns the worker map.
func (s *Scheduler) loop() {
	defer close(s.loopDone)
	workers := make(map[string]*worker)

	for {
		select {
		case <-s.quit:
			return

		case project := <-s.ensureCh:
			if s.isStopping() {
				continue
			}
			if w, ok := workers[project]; ok {
				w.wake.Store(true)
				continue
			}
			if len(workers) >= s.cfg.MaxWorkers {
				s.logger.Debug("worker cap reached; deferring project",
					zap.String("project", project), zap.Int("max_workers", s.cfg.MaxWorkers))
				continue
			}
			w := newWorker(project)
			workers[project] = w
			s.workersWG.Add(1)
			go s.runWorker(w)
			s.logger.Debug("worker started", zap.String("project", project))

		case req := <-s.exitCh:
			w := req.worker
			if w.wake.Load() && !s.isStopping() {
				req.reply <- true
				continue
			}
			if workers[w.project] == w {
				delete(workers, w.project)
			}
			req.reply <- false
			s.publish(Event{Type: EventProjectWorkerStopped, Project: w.project})
			s.logger.Debug("worker stopped", zap.String("project", w.project))

		case reply := <-s.queryCh:
			states := make([]ProjectState, 0, len(workers))
			for name, w := range workers {
				states = append(states, ProjectState{Project: name, CurrentJobID: w.current.Load()})
			}
			sort.Slice(states, func(i, j int) bool { return states[i].Project < states[j].Project })
			reply <- states
		}
	}
}

// jobSet tracks job ids executing in this process.
type jobSet struct {
	mu  sync.Mutex
	ids map[int64]struct{}
}

func newJobSet() *jobSet {
	return &jobSet{ids: make(map[int64]struct{})}
}

func (j *jobSet) add(id int64) {
	j.mu.Lock()
	j.ids[id] = struct{}{}
	j.mu.Unlock()
}

func (j *jobSet) remove(id int64) {
	j.mu.Lock()
	delete(j.ids, id)
	j.mu.Unlock()
}

func (j *jobSet) has(id int64) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, ok := j.ids[id]
	return ok
}
