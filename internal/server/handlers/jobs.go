package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/agentqueue/internal/errors"
	"github.com/3leaps/agentqueue/internal/scheduler"
	"github.com/3leaps/agentqueue/pkg/agentproc"
	"github.com/3leaps/agentqueue/pkg/jobstore"
)

// maxSubmitBytes bounds a submit body. Inline images make bodies large.
const maxSubmitBytes = 16 << 20

// maxListLimit caps ?limit= on project listings.
const maxListLimit = 1000

// Queue is the scheduler surface the API drives.
type Queue interface {
	Submit(ctx context.Context, req scheduler.SubmitRequest) (int64, error)
	Status(ctx context.Context) (*scheduler.Status, error)
	Abort(sessionID string) bool
	Subscribe() scheduler.Subscription
}

// JobReader reads job rows.
type JobReader interface {
	Get(ctx context.Context, id int64) (*jobstore.Job, error)
	ListForProject(ctx context.Context, projectName string, limit int) ([]jobstore.Job, error)
}

// JobsHandler serves /api/v1 job routes.
type JobsHandler struct {
	queue    Queue
	jobs     JobReader
	validate *validator.Validate
	logger   *zap.Logger
}

// NewJobsHandler builds the job API handlers.
func NewJobsHandler(queue Queue, jobs JobReader, logger *zap.Logger) *JobsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobsHandler{
		queue:    queue,
		jobs:     jobs,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

// SubmitResponse is returned for an accepted job.
type SubmitResponse struct {
	ID     int64           `json:"id"`
	Status jobstore.Status `json:"status"`
}

// ListResponse wraps a project listing.
type ListResponse struct {
	Project string         `json:"project"`
	Jobs    []jobstore.Job `json:"jobs"`
}

// AbortResponse reports an abort request.
type AbortResponse struct {
	SessionID string `json:"session_id"`
	Aborted   bool   `json:"aborted"`
}

// Submit handles POST /api/v1/jobs.
func (h *JobsHandler) Submit(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, maxSubmitBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()

	var req scheduler.SubmitRequest
	if err := dec.Decode(&req); err != nil {
		respondWithError(w, r, decodeError(err))
		return
	}
	if dec.More() {
		respondWithError(w, r, apperrors.NewInvalidRequest("request body must be a single JSON object", nil))
		return
	}

	req.ProjectName = strings.TrimSpace(req.ProjectName)
	req.SessionID = strings.TrimSpace(req.SessionID)
	if err := h.validate.Struct(req); err != nil {
		respondWithError(w, r, validationError(err))
		return
	}
	if err := agentproc.ValidateOptions(req.Options); err != nil {
		details := map[string]any{"options": err.Error()}
		respondWithError(w, r, apperrors.NewInvalidRequest("invalid job options", details))
		return
	}

	id, err := h.queue.Submit(r.Context(), req)
	if errors.Is(err, scheduler.ErrInvalidWorkDir) {
		details := map[string]any{"project_name": req.ProjectName, "reason": err.Error()}
		respondWithError(w, r, apperrors.NewInvalidRequest("job has no usable working directory", details))
		return
	}
	if err != nil {
		h.logger.Error("submit job failed", zap.String("project", req.ProjectName), zap.Error(err))
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "failed to enqueue job"))
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/api/v1/jobs/%d", id))
	writeJSON(w, http.StatusCreated, SubmitResponse{ID: id, Status: jobstore.StatusPending})
}

// Status handles GET /api/v1/jobs. With ?project= it lists that project.
func (h *JobsHandler) Status(w http.ResponseWriter, r *http.Request) {
	if project := strings.TrimSpace(r.URL.Query().Get("project")); project != "" {
		h.list(w, r, project)
		return
	}
	st, err := h.queue.Status(r.Context())
	if err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "failed to read scheduler status"))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Get handles GET /api/v1/jobs/{id}.
func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		respondWithError(w, r, apperrors.NewInvalidRequest("job id must be a positive integer",
			map[string]any{"id": raw}))
		return
	}

	job, err := h.jobs.Get(r.Context(), id)
	if err != nil {
		if jobstore.IsNotFound(err) {
			respondWithError(w, r, apperrors.NewNotFound(fmt.Sprintf("job %d not found", id)))
			return
		}
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "failed to read job"))
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// ListForProject handles GET /api/v1/projects/{project}/jobs. The project
// segment may be path-escaped to carry slashes.
func (h *JobsHandler) ListForProject(w http.ResponseWriter, r *http.Request) {
	project, err := url.PathUnescape(chi.URLParam(r, "project"))
	if err != nil || strings.TrimSpace(project) == "" {
		respondWithError(w, r, apperrors.NewInvalidRequest("invalid project name", nil))
		return
	}
	h.list(w, r, project)
}

func (h *JobsHandler) list(w http.ResponseWriter, r *http.Request, project string) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxListLimit {
			respondWithError(w, r, apperrors.NewInvalidRequest(
				fmt.Sprintf("limit must be between 1 and %d", maxListLimit), map[string]any{"limit": raw}))
			return
		}
		limit = n
	}

	jobs, err := h.jobs.ListForProject(r.Context(), project, limit)
	if err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "failed to list jobs"))
		return
	}
	if jobs == nil {
		jobs = []jobstore.Job{}
	}
	writeJSON(w, http.StatusOK, ListResponse{Project: project, Jobs: jobs})
}

// Abort handles POST /api/v1/sessions/{session}/abort.
func (h *JobsHandler) Abort(w http.ResponseWriter, r *http.Request) {
	session := strings.TrimSpace(chi.URLParam(r, "session"))
	if session == "" {
		respondWithError(w, r, apperrors.NewInvalidRequest("session id is required", nil))
		return
	}
	if !h.queue.Abort(session) {
		respondWithError(w, r, apperrors.NewNotFound(fmt.Sprintf("no running process for session %s", session)))
		return
	}
	h.logger.Info("session aborted via api", zap.String("session", session))
	writeJSON(w, http.StatusOK, AbortResponse{SessionID: session, Aborted: true})
}

func decodeError(err error) error {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		return apperrors.NewInvalidRequest(fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit), nil)
	case errors.Is(err, io.EOF):
		return apperrors.NewInvalidRequest("request body is empty", nil)
	default:
		return apperrors.NewInvalidRequest("malformed JSON body", map[string]any{"reason": err.Error()})
	}
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperrors.NewInvalidRequest(err.Error(), nil)
	}
	fields := make(map[string]any, len(verrs))
	for _, fe := range verrs {
		fields[jsonFieldName(fe.Field())] = fmt.Sprintf("failed on '%s' validation", fe.Tag())
	}
	return apperrors.NewInvalidRequest("request validation failed", map[string]any{"fields": fields})
}

// jsonFieldName maps SubmitRequest Go field names to their JSON names.
func jsonFieldName(field string) string {
	switch field {
	case "ProjectName":
		return "project_name"
	case "SessionID":
		return "session_id"
	case "UserID":
		return "user_id"
	case "Priority":
		return "priority"
	case "Command":
		return "command"
	case "Options":
		return "options"
	}
	return field
}
