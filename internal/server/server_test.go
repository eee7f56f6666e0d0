package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/agentqueue/internal/errors"
	"github.com/3leaps/agentqueue/internal/scheduler"
	"github.com/3leaps/agentqueue/internal/server/handlers"
	"github.com/3leaps/agentqueue/pkg/jobstore"
)

type fakeQueue struct {
	mu        sync.Mutex
	submitted []scheduler.SubmitRequest
	submitErr error
	live      map[string]bool
	feed      *scheduler.Feed
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{live: map[string]bool{}, feed: scheduler.NewFeed(16, nil)}
}

func (q *fakeQueue) Submit(_ context.Context, req scheduler.SubmitRequest) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.submitErr != nil {
		return 0, q.submitErr
	}
	q.submitted = append(q.submitted, req)
	return int64(len(q.submitted)), nil
}

func (q *fakeQueue) Status(context.Context) (*scheduler.Status, error) {
	return &scheduler.Status{
		ActiveJobs:      []jobstore.Job{},
		WorkingProjects: []scheduler.ProjectState{{Project: "alpha", CurrentJobID: 3}},
		Workers:         1,
		MaxWorkers:      10,
		LiveSessions:    []string{},
	}, nil
}

func (q *fakeQueue) Abort(sessionID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.live[sessionID] {
		delete(q.live, sessionID)
		return true
	}
	return false
}

func (q *fakeQueue) Subscribe() scheduler.Subscription {
	return q.feed.Subscribe()
}

type fakeJobs struct {
	jobs map[int64]jobstore.Job
}

func (f *fakeJobs) Get(_ context.Context, id int64) (*jobstore.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return nil, fmt.Errorf("get job %d: %w", id, jobstore.ErrJobNotFound)
	}
	return &j, nil
}

func (f *fakeJobs) ListForProject(_ context.Context, project string, limit int) ([]jobstore.Job, error) {
	var out []jobstore.Job
	for _, j := range f.jobs {
		if j.ProjectName == project {
			out = append(out, j)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func newAPIServer(t *testing.T, opts ...Option) (*Server, *fakeQueue) {
	t.Helper()
	q := newFakeQueue()
	jobs := &fakeJobs{jobs: map[int64]jobstore.Job{
		7: {ID: 7, ProjectName: "/work/app", Command: "fix", Status: jobstore.StatusCompleted},
		8: {ID: 8, ProjectName: "alpha", Command: "test", Status: jobstore.StatusPending},
	}}
	all := append([]Option{WithQueue(q, jobs), WithHealth(handlers.NewHealthManager("test"))}, opts...)
	return New("127.0.0.1", 0, all...), q
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apperrors.HTTPErrorResponse {
	t.Helper()
	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestServerUsesStandardErrorHandlers(t *testing.T) {
	srv := New("127.0.0.1", 0)

	rec := do(t, srv, http.MethodGet, "/does-not-exist", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	body := decodeError(t, rec)
	assert.Equal(t, "NOT_FOUND", body.Error.Code)
	assert.NotEmpty(t, body.Error.RequestID)
}

func TestServer_Port(t *testing.T) {
	tests := []struct {
		name string
		port int
	}{
		{"default port", 8080},
		{"custom port", 9000},
		{"zero port", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := New("127.0.0.1", tt.port)
			assert.Equal(t, tt.port, srv.Port())
		})
	}
}

func TestServer_MethodNotAllowed(t *testing.T) {
	srv := New("127.0.0.1", 0)

	rec := do(t, srv, http.MethodPost, "/version", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "METHOD_NOT_ALLOWED", decodeError(t, rec).Error.Code)
}

func TestServer_RoutesRegistered(t *testing.T) {
	handlers.InitHealthManager("test")

	srv := New("127.0.0.1", 0)

	for _, path := range []string{"/health", "/health/live", "/health/ready", "/health/startup", "/version"} {
		t.Run(path, func(t *testing.T) {
			rec := do(t, srv, http.MethodGet, path, "")
			assert.Equal(t, http.StatusOK, rec.Code)
		})
	}
}

func TestServer_APIDisabledWithoutQueue(t *testing.T) {
	srv := New("127.0.0.1", 0)
	rec := do(t, srv, http.MethodPost, "/api/v1/jobs", `{"project_name":"a","command":"x"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitJob(t *testing.T) {
	srv, q := newAPIServer(t)

	rec := do(t, srv, http.MethodPost, "/api/v1/jobs",
		`{"project_name":"  alpha ","command":"run tests","priority":5,"options":{"model":"sonnet"}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "/api/v1/jobs/1", rec.Header().Get("Location"))

	var resp handlers.SubmitResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, int64(1), resp.ID)
	assert.Equal(t, jobstore.StatusPending, resp.Status)

	require.Len(t, q.submitted, 1)
	assert.Equal(t, "alpha", q.submitted[0].ProjectName)
	assert.Equal(t, 5, q.submitted[0].Priority)
	assert.JSONEq(t, `{"model":"sonnet"}`, string(q.submitted[0].Options))
}

func TestSubmitJobRejectsBadInput(t *testing.T) {
	srv, q := newAPIServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"empty body", ""},
		{"malformed", `{"project_name":`},
		{"unknown field", `{"project_name":"a","command":"x","bogus":1}`},
		{"missing project", `{"command":"x"}`},
		{"blank project", `{"project_name":"   ","command":"x"}`},
		{"priority out of range", `{"project_name":"a","command":"x","priority":5000}`},
		{"bad options", `{"project_name":"a","command":"x","options":{"permissionMode":"yolo"}}`},
		{"trailing data", `{"project_name":"a","command":"x"} {}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "INVALID_REQUEST", decodeError(t, rec).Error.Code)
		})
	}
	assert.Empty(t, q.submitted)
}

func TestSubmitJobValidationDetails(t *testing.T) {
	srv, _ := newAPIServer(t)

	rec := do(t, srv, http.MethodPost, "/api/v1/jobs", `{"command":"x","priority":-2000}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	body := decodeError(t, rec)
	fields, ok := body.Error.Details["fields"].(map[string]any)
	require.True(t, ok, "details: %v", body.Error.Details)
	assert.Contains(t, fields, "project_name")
	assert.Contains(t, fields, "priority")
}

func TestSubmitJobStoreFailure(t *testing.T) {
	srv, q := newAPIServer(t)
	q.submitErr = &jobstore.StorageError{Op: "enqueue", Err: assert.AnError}

	rec := do(t, srv, http.MethodPost, "/api/v1/jobs", `{"project_name":"a","command":"x"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "INTERNAL_ERROR", body.Error.Code)
	assert.Equal(t, "failed to enqueue job", body.Error.Message)
}

func TestSubmitJobWithoutWorkDir(t *testing.T) {
	srv, q := newAPIServer(t)
	q.submitErr = fmt.Errorf("%w: project \"../../etc\" escapes /srv/projects", scheduler.ErrInvalidWorkDir)

	rec := do(t, srv, http.MethodPost, "/api/v1/jobs", `{"project_name":"../../etc","command":"x"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "INVALID_REQUEST", body.Error.Code)
	assert.Equal(t, "../../etc", body.Error.Details["project_name"])
}

func TestSubmitRateLimited(t *testing.T) {
	srv, q := newAPIServer(t, WithSubmitLimit(0.001, 1))

	first := do(t, srv, http.MethodPost, "/api/v1/jobs", `{"project_name":"a","command":"x"}`)
	second := do(t, srv, http.MethodPost, "/api/v1/jobs", `{"project_name":"a","command":"y"}`)

	assert.Equal(t, http.StatusCreated, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "RATE_LIMITED", decodeError(t, second).Error.Code)
	assert.Len(t, q.submitted, 1)

	// Reads are not limited.
	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/api/v1/jobs", "").Code)
}

func TestStatusEndpoint(t *testing.T) {
	srv, _ := newAPIServer(t)

	rec := do(t, srv, http.MethodGet, "/api/v1/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var st scheduler.Status
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	assert.Equal(t, 1, st.Workers)
	require.Len(t, st.WorkingProjects, 1)
	assert.Equal(t, int64(3), st.WorkingProjects[0].CurrentJobID)
}

func TestGetJob(t *testing.T) {
	srv, _ := newAPIServer(t)

	rec := do(t, srv, http.MethodGet, "/api/v1/jobs/7", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var job jobstore.Job
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&job))
	assert.Equal(t, "/work/app", job.ProjectName)

	rec = do(t, srv, http.MethodGet, "/api/v1/jobs/99", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeError(t, rec).Error.Code)

	rec = do(t, srv, http.MethodGet, "/api/v1/jobs/abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListProjectJobs(t *testing.T) {
	srv, _ := newAPIServer(t)

	rec := do(t, srv, http.MethodGet, "/api/v1/projects/%2Fwork%2Fapp/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp handlers.ListResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "/work/app", resp.Project)
	require.Len(t, resp.Jobs, 1)
	assert.Equal(t, int64(7), resp.Jobs[0].ID)

	rec = do(t, srv, http.MethodGet, "/api/v1/jobs?project=alpha&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "alpha", resp.Project)
	assert.Len(t, resp.Jobs, 1)

	rec = do(t, srv, http.MethodGet, "/api/v1/projects/nobody/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"jobs":[]`)

	rec = do(t, srv, http.MethodGet, "/api/v1/projects/alpha/jobs?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAbortSession(t *testing.T) {
	srv, q := newAPIServer(t)
	q.live["sess-1"] = true

	rec := do(t, srv, http.MethodPost, "/api/v1/sessions/sess-1/abort", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp handlers.AbortResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Aborted)

	rec = do(t, srv, http.MethodPost, "/api/v1/sessions/sess-1/abort", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCORS(t *testing.T) {
	srv, _ := newAPIServer(t, WithCORS([]string{"http://ui.test"}))

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/jobs", nil)
	req.Header.Set("Origin", "http://ui.test")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "http://ui.test", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestEventStream(t *testing.T) {
	srv, q := newAPIServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/events?project=alpha", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Wait for the subscription before publishing.
	require.Eventually(t, func() bool { return q.feed.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)
	q.feed.Publish(scheduler.Event{Type: scheduler.EventJobStarted, JobID: 1, Project: "beta"})
	q.feed.Publish(scheduler.Event{Type: scheduler.EventJobStarted, JobID: 2, Project: "alpha"})

	reader := bufio.NewReader(resp.Body)
	var eventLine, dataLine string
	for eventLine == "" || dataLine == "" {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		switch {
		case strings.HasPrefix(line, "event: "):
			eventLine = strings.TrimSpace(strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			dataLine = strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		}
	}

	assert.Equal(t, "job-started", eventLine)
	var ev scheduler.Event
	require.NoError(t, json.Unmarshal([]byte(dataLine), &ev))
	assert.Equal(t, int64(2), ev.JobID)
	assert.Equal(t, "alpha", ev.Project)
}
