package cmd

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/agentqueue/internal/errors"
)

func TestRequestAbort(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		switch r.URL.Path {
		case "/api/v1/sessions/live-1/abort":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"session_id":"live-1","aborted":true}`))
		default:
			apperrors.WriteError(w, r, http.StatusNotFound, apperrors.CodeNotFound, "no running process for session", nil)
		}
	}))
	defer srv.Close()

	res, err := requestAbort(context.Background(), srv.Client(), srv.URL+"/", "live-1")
	require.NoError(t, err)
	assert.True(t, res.Aborted)
	assert.Equal(t, "live-1", res.SessionID)
	assert.Equal(t, "/api/v1/sessions/live-1/abort", gotPath)

	_, err = requestAbort(context.Background(), srv.Client(), srv.URL, "gone")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no running process for session")
	assert.Equal(t, int(foundry.ExitFileNotFound), ExitCode(err))

	_, err = requestAbort(context.Background(), srv.Client(), srv.URL, "a/b")
	require.Error(t, err)
	assert.Equal(t, "/api/v1/sessions/a%2Fb/abort", gotPath)
}

func TestRequestAbortUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := requestAbort(context.Background(), http.DefaultClient, url, "s")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreachable")
}
