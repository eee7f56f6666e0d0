package scheduler

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/agentqueue/pkg/agentproc"
	"github.com/3leaps/agentqueue/pkg/jobstore"
)

// EventType tags feed events.
type EventType string

const (
	EventJobQueued            EventType = "job-queued"
	EventJobStarted           EventType = "job-started"
	EventJobOutput            EventType = "job-output"
	EventJobSessionCreated    EventType = "job-session-created"
	EventJobCompleted         EventType = "job-completed"
	EventJobFailed            EventType = "job-failed"
	EventProjectWorkerStopped EventType = "project-worker-stopped"
	EventJobsUpdate           EventType = "jobs-update"

	// EventFeedGap tells a subscriber that Dropped events it would have
	// received were discarded because it fell behind.
	EventFeedGap EventType = "feed-gap"
)

const defaultSubscriberCapacity = 256

// Event is one entry on the feed. Which fields are set depends on Type.
type Event struct {
	Type      EventType         `json:"type"`
	Time      time.Time         `json:"time"`
	JobID     int64             `json:"job_id,omitempty"`
	Project   string            `json:"project,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Output    *agentproc.Output `json:"output,omitempty"`
	Error     string            `json:"error,omitempty"`
	Snapshot  *Snapshot         `json:"snapshot,omitempty"`
	Dropped   int64             `json:"dropped,omitempty"`
}

// Snapshot is the payload of jobs-update.
type Snapshot struct {
	Jobs            []jobstore.Job `json:"jobs"`
	WorkingProjects []string       `json:"working_projects"`
}

// Subscription is a live view of the feed. Events is closed when the
// subscription or the feed is closed.
type Subscription struct {
	Events <-chan Event
	cancel func()
}

// Close ends the subscription.
func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Feed fans events out to subscribers through bounded channels. A slow
// subscriber loses output and snapshots before lifecycle events, and is told
// how many it lost with a feed-gap event once it has room again. Publishing
// never blocks.
type Feed struct {
	mu       sync.RWMutex
	subs     map[*subscriber]struct{}
	capacity int
	closed   bool
	logger   *zap.Logger
	dropped  atomic.Int64
}

// NewFeed returns a feed whose subscribers buffer up to capacity events.
func NewFeed(capacity int, logger *zap.Logger) *Feed {
	if capacity <= 0 {
		capacity = defaultSubscriberCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{
		subs:     make(map[*subscriber]struct{}),
		capacity: capacity,
		logger:   logger,
	}
}

// Subscribe registers a new subscriber.
func (f *Feed) Subscribe() Subscription {
	sub := &subscriber{ch: make(chan Event, f.capacity), logger: f.logger, total: &f.dropped}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		sub.close()
		return Subscription{Events: sub.ch}
	}
	f.subs[sub] = struct{}{}
	f.mu.Unlock()

	return Subscription{
		Events: sub.ch,
		cancel: func() { f.remove(sub) },
	}
}

// Publish delivers ev to every subscriber.
func (f *Feed) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	f.mu.RLock()
	subs := make([]*subscriber, 0, len(f.subs))
	for sub := range f.subs {
		subs = append(subs, sub)
	}
	f.mu.RUnlock()

	for _, sub := range subs {
		sub.deliver(ev)
	}
}

// Subscribers returns the number of live subscriptions.
func (f *Feed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// Dropped returns how many events have been discarded across all
// subscribers since the feed was created.
func (f *Feed) Dropped() int64 {
	return f.dropped.Load()
}

// Close closes every subscription. Later publishes are dropped.
func (f *Feed) Close() {
	f.mu.Lock()
	f.closed = true
	subs := f.subs
	f.subs = make(map[*subscriber]struct{})
	f.mu.Unlock()

	for sub := range subs {
		sub.close()
	}
}

func (f *Feed) remove(sub *subscriber) {
	f.mu.Lock()
	delete(f.subs, sub)
	f.mu.Unlock()
	sub.close()
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
	logger *zap.Logger

	// gap counts drops not yet reported with a feed-gap event.
	gap   int64
	total *atomic.Int64
}

func (s *subscriber) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if s.gap > 0 && s.offer(Event{Type: EventFeedGap, Time: ev.Time, Dropped: s.gap}) {
		s.gap = 0
	}
	if s.offer(ev) {
		return
	}
	if !isCritical(ev.Type) {
		s.drop(ev)
		return
	}

	// Make room for a lifecycle event by discarding the oldest buffered one.
	select {
	case oldest := <-s.ch:
		s.drop(oldest)
	default:
	}
	if !s.offer(ev) {
		s.drop(ev)
	}
}

func (s *subscriber) offer(ev Event) bool {
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

// drop records a discarded event. A discarded gap marker carries its count
// forward into the next one.
func (s *subscriber) drop(ev Event) {
	if ev.Type == EventFeedGap {
		s.gap += ev.Dropped
		return
	}
	s.gap++
	s.total.Add(1)
	s.logger.Debug("feed subscriber overflow; event dropped",
		zap.String("type", string(ev.Type)), zap.Int64("job_id", ev.JobID))
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// isCritical reports whether t evicts buffered events rather than being dropped.
func isCritical(t EventType) bool {
	switch t {
	case EventJobOutput, EventJobsUpdate:
		return false
	}
	return true
}
