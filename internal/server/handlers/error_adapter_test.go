package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/agentqueue/internal/errors"
	"github.com/3leaps/agentqueue/pkg/jobstore"
)

// jobRows serves Get from a fixed set of jobs.
type jobRows map[int64]*jobstore.Job

func (j jobRows) Get(_ context.Context, id int64) (*jobstore.Job, error) {
	if job, ok := j[id]; ok {
		return job, nil
	}
	return nil, fmt.Errorf("get job %d: %w", id, jobstore.ErrJobNotFound)
}

func (j jobRows) ListForProject(context.Context, string, int) ([]jobstore.Job, error) {
	return nil, &jobstore.StorageError{Op: "list jobs", Err: assert.AnError}
}

func jobRouter(rows jobRows) http.Handler {
	h := NewJobsHandler(nil, rows, nil)
	r := chi.NewRouter()
	r.Get("/api/v1/jobs/{id}", h.Get)
	r.Get("/api/v1/projects/{project}/jobs", h.ListForProject)
	return r
}

func getJob(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, apperrors.HTTPErrorResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body apperrors.HTTPErrorResponse
	if rec.Code >= http.StatusBadRequest {
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	}
	return rec, body
}

func TestMissingJobIsNotFound(t *testing.T) {
	ResetHTTPErrorResponder()
	h := jobRouter(jobRows{7: {ID: 7, ProjectName: "alpha", Status: jobstore.StatusPending}})

	rec, _ := getJob(t, h, "/api/v1/jobs/7")
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body := getJob(t, h, "/api/v1/jobs/8")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, apperrors.CodeNotFound, body.Error.Code)
	assert.Equal(t, "job 8 not found", body.Error.Message)
}

func TestBadJobIDIsInvalidRequest(t *testing.T) {
	ResetHTTPErrorResponder()
	h := jobRouter(jobRows{})

	for _, id := range []string{"abc", "0", "-3"} {
		rec, body := getJob(t, h, "/api/v1/jobs/"+id)
		assert.Equal(t, http.StatusBadRequest, rec.Code, id)
		assert.Equal(t, apperrors.CodeInvalidRequest, body.Error.Code, id)
		assert.Equal(t, id, body.Error.Details["id"], id)
	}
}

func TestStoreFailureIsInternalError(t *testing.T) {
	ResetHTTPErrorResponder()
	h := jobRouter(jobRows{})

	rec, body := getJob(t, h, "/api/v1/projects/alpha/jobs")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, apperrors.CodeInternal, body.Error.Code)
	assert.NotContains(t, body.Error.Message, assert.AnError.Error())
}

func TestJobHandlersUseInstalledResponder(t *testing.T) {
	defer ResetHTTPErrorResponder()

	var seen error
	SetHTTPErrorResponder(func(w http.ResponseWriter, _ *http.Request, err error) {
		seen = err
		w.WriteHeader(http.StatusTeapot)
	})

	rec, _ := getJob(t, jobRouter(jobRows{}), "/api/v1/jobs/42")
	assert.Equal(t, http.StatusTeapot, rec.Code)

	var he *apperrors.HTTPError
	require.ErrorAs(t, seen, &he)
	assert.Equal(t, apperrors.CodeNotFound, he.Code)

	// nil restores the envelope writer.
	SetHTTPErrorResponder(nil)
	rec, body := getJob(t, jobRouter(jobRows{}), "/api/v1/jobs/42")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, apperrors.CodeNotFound, body.Error.Code)
}
