package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/agentqueue/internal/errors"
	"github.com/3leaps/agentqueue/internal/scheduler"
)

// DefaultHeartbeat is the SSE keep-alive interval.
const DefaultHeartbeat = 15 * time.Second

// EventsHandler streams the scheduler feed as server-sent events.
//
// Query parameters narrow the stream: project=<name> keeps one project's
// events, types=a,b keeps the listed event types.
type EventsHandler struct {
	queue     Queue
	heartbeat time.Duration
	logger    *zap.Logger
}

// NewEventsHandler returns an SSE handler. heartbeat <= 0 uses the default.
func NewEventsHandler(queue Queue, heartbeat time.Duration, logger *zap.Logger) *EventsHandler {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventsHandler{queue: queue, heartbeat: heartbeat, logger: logger}
}

func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		apperrors.WriteError(w, r, http.StatusInternalServerError, apperrors.CodeInternal, "streaming unsupported", nil)
		return
	}
	// Streams outlive the server write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	project := strings.TrimSpace(r.URL.Query().Get("project"))
	types := parseTypes(r.URL.Query().Get("types"))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sub := h.queue.Subscribe()
	defer sub.Close()

	subID := uuid.NewString()
	log := h.logger.With(zap.String("subscriber", subID), zap.String("remote", r.RemoteAddr))
	log.Debug("event stream opened", zap.String("project", project))
	defer log.Debug("event stream closed")

	fmt.Fprintf(w, "retry: 3000\n: subscribed %s\n\n", subID)
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	var seq int64
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-sub.Events:
			if !ok {
				fmt.Fprint(w, "event: end\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			if !matches(ev, project, types) {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				log.Warn("encode event failed", zap.String("type", string(ev.Type)), zap.Error(err))
				continue
			}
			seq++
			if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", seq, ev.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func parseTypes(raw string) map[scheduler.EventType]bool {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	out := make(map[scheduler.EventType]bool)
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out[scheduler.EventType(t)] = true
		}
	}
	return out
}

// matches applies the stream filters. jobs-update snapshots carry every
// project, so the project filter lets them through. Gap markers always pass.
func matches(ev scheduler.Event, project string, types map[scheduler.EventType]bool) bool {
	if ev.Type == scheduler.EventFeedGap {
		return true
	}
	if len(types) > 0 && !types[ev.Type] {
		return false
	}
	if project != "" && ev.Type != scheduler.EventJobsUpdate && ev.Project != project {
		return false
	}
	return true
}
