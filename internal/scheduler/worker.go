package scheduler

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/3leaps/agentqueue/pkg/agentproc"
	"github.com/3leaps/agentqueue/pkg/jobstore"
)

// maxClaimRaces bounds how often a worker re-claims after losing MarkRunning.
const maxClaimRaces = 5

// worker runs one project's jobs in order.
type worker struct {
	project string

	// current is the id of the job in flight, 0 when claiming.
	current atomic.Int64

	// wake is set by the loop when work arrives for an existing worker.
	// The worker clears it before each claim.
	wake atomic.Bool
}

func newWorker(project string) *worker {
	return &worker{project: project}
}

// exitRequest asks the loop whether a worker with nothing to claim may stop.
// The loop answers true when work arrived after the worker's last claim.
type exitRequest struct {
	worker *worker
	reply  chan bool
}

// runWorker claims and executes jobs until none are eligible.
//
// Jobs that fail are skipped for the rest of this worker's life so a
// persistently failing job cannot spin; the next poll starts a fresh worker
// that retries it.
func (s *Scheduler) runWorker(w *worker) {
	defer s.workersWG.Done()

	var failed []int64
	for {
		if s.isStopping() {
			s.retire(w)
			return
		}

		w.wake.Store(false)
		job := s.claim(w, failed)
		if job == nil {
			if s.retire(w) {
				continue
			}
			return
		}

		if !s.execute(w, job) {
			failed = append(failed, job.ID)
		}
	}
}

// retire reports to the loop and returns true if the worker should keep going.
func (s *Scheduler) retire(w *worker) bool {
	w.current.Store(0)
	req := exitRequest{worker: w, reply: make(chan bool, 1)}
	s.exitCh <- req
	return <-req.reply
}

// claim selects and marks the next job. It returns nil when there is nothing
// to run or the store failed.
func (s *Scheduler) claim(w *worker, skip []int64) *jobstore.Job {
	ctx := context.Background()
	lost := append([]int64(nil), skip...)

	for range maxClaimRaces {
		job, err := s.store.ClaimNextExcluding(ctx, w.project, lost)
		if err != nil {
			s.logger.Warn("claim next job failed", zap.String("project", w.project), zap.Error(err))
			return nil
		}
		if job == nil {
			return nil
		}

		// Shutdown may have begun since the loop's check.
		if s.isStopping() {
			return nil
		}

		ok, err := s.store.MarkRunning(ctx, job.ID)
		if err != nil {
			s.logger.Warn("mark job running failed",
				zap.String("project", w.project), zap.Int64("job_id", job.ID), zap.Error(err))
			return nil
		}
		if ok {
			job.Status = jobstore.StatusRunning
			return job
		}
		s.logger.Debug("lost claim race", zap.String("project", w.project), zap.Int64("job_id", job.ID))
		lost = append(lost, job.ID)
	}
	return nil
}

// execute runs a claimed job to a terminal status and reports whether it
// completed. Runner errors never escape; they become a failed job.
func (s *Scheduler) execute(w *worker, job *jobstore.Job) bool {
	ctx := context.Background()

	s.inflight.add(job.ID)
	defer s.inflight.remove(job.ID)
	w.current.Store(job.ID)
	defer w.current.Store(0)

	log := s.logger.With(
		zap.Int64("job_id", job.ID),
		zap.String("project", job.ProjectName),
		zap.String("session", job.Session()))
	log.Info("job started")

	s.publish(Event{
		Type:      EventJobStarted,
		JobID:     job.ID,
		Project:   job.ProjectName,
		SessionID: job.Session(),
	})

	workDir, err := s.cfg.ResolveWorkDir(job.ProjectName, job.Options)
	if err != nil {
		s.fail(job, err, log)
		return false
	}

	events := make(chan agentproc.Event, 64)
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		s.forward(job, events, log)
	}()

	_, runErr := s.runner.Run(ctx, agentproc.Request{
		JobID:     job.ID,
		Command:   job.Command,
		SessionID: job.Session(),
		Options:   job.Options,
		WorkDir:   workDir,
	}, events)
	close(events)
	<-forwarded

	if runErr != nil {
		s.fail(job, runErr, log)
		return false
	}

	if err := s.store.SetStatus(ctx, job.ID, jobstore.StatusCompleted, nil); err != nil {
		log.Error("persist completed status", zap.Error(err))
	}
	s.publish(Event{
		Type:      EventJobCompleted,
		JobID:     job.ID,
		Project:   job.ProjectName,
		SessionID: job.Session(),
	})
	log.Info("job completed")
	return true
}

// fail records a terminal failure for job and publishes it.
func (s *Scheduler) fail(job *jobstore.Job, cause error, log *zap.Logger) {
	msg := truncateRunes(cause.Error(), maxErrorRunes)
	if err := s.store.SetStatus(context.Background(), job.ID, jobstore.StatusFailed, &msg); err != nil {
		log.Error("persist failed status", zap.Error(err))
	}
	s.publish(Event{
		Type:      EventJobFailed,
		JobID:     job.ID,
		Project:   job.ProjectName,
		SessionID: job.Session(),
		Error:     msg,
	})
	log.Warn("job failed", zap.Error(cause))
}

// forward republishes runner events on the feed until events is closed.
func (s *Scheduler) forward(job *jobstore.Job, events <-chan agentproc.Event, log *zap.Logger) {
	sessionID := job.Session()
	for ev := range events {
		switch ev.Kind {
		case agentproc.EventOutput:
			s.publish(Event{
				Type:      EventJobOutput,
				JobID:     job.ID,
				Project:   job.ProjectName,
				SessionID: sessionID,
				Output:    ev.Output,
			})
		case agentproc.EventSessionCreated:
			sessionID = ev.SessionID
			if job.SessionID == nil {
				if err := s.store.AttachSession(context.Background(), job.ID, ev.SessionID); err != nil {
					log.Warn("attach session failed", zap.Error(err))
				} else {
					sid := ev.SessionID
					job.SessionID = &sid
				}
			}
			s.publish(Event{
				Type:      EventJobSessionCreated,
				JobID:     job.ID,
				Project:   job.ProjectName,
				SessionID: ev.SessionID,
			})
		case agentproc.EventExit:
			log.Debug("agent exit", zap.Int("exit_code", ev.ExitCode))
		}
	}
}
