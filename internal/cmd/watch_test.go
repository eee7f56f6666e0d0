package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/agentqueue/pkg/output"
)

const cannedStream = "retry: 3000\n: subscribed abc\n\n" +
	"id: 1\nevent: job-started\ndata: {\"job_id\":1,\"project\":\"api\"}\n\n" +
	": ping\n\n" +
	"id: 2\nevent: job-output\ndata: {\"job_id\":1,\n" +
	"data: \"line\":\"hi\"}\n\n" +
	"id: 3\nevent: job-completed\ndata: {\"job_id\":1}\n\n" +
	"event: end\ndata: {}\n\n"

func TestReadSSE(t *testing.T) {
	var frames []sseFrame
	err := readSSE(strings.NewReader(cannedStream), func(f sseFrame) error {
		frames = append(frames, f)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, frames, 4)

	assert.Equal(t, sseFrame{ID: "1", Event: "job-started", Data: `{"job_id":1,"project":"api"}`}, frames[0])
	assert.Equal(t, "job-output", frames[1].Event)
	assert.Equal(t, "{\"job_id\":1,\n\"line\":\"hi\"}", frames[1].Data)
	assert.Equal(t, "end", frames[3].Event)
}

func TestReadSSEStopsOnCallbackError(t *testing.T) {
	stop := errors.New("stop")
	calls := 0
	err := readSSE(strings.NewReader(cannedStream), func(sseFrame) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestReadSSEUnterminatedFrame(t *testing.T) {
	var frames []sseFrame
	err := readSSE(strings.NewReader("data: {\"a\":1}"), func(f sseFrame) error {
		frames = append(frames, f)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, "message", frames[0].Event)
	assert.Equal(t, `{"a":1}`, frames[0].Data)
}

func TestEventsURL(t *testing.T) {
	u, err := eventsURL("http://localhost:8080/", "work/api", []string{"job-started", "job-failed"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/api/v1/events?project=work%2Fapi&types=job-started%2Cjob-failed", u)

	u, err = eventsURL("http://localhost:8080", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/api/v1/events", u)

	_, err = eventsURL("localhost:8080", "", nil)
	assert.Error(t, err)
}

func TestWatchEvents(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = fmt.Fprint(w, cannedStream)
	}))
	defer srv.Close()

	var buf bytes.Buffer
	w := output.NewJSONLWriter(&buf, srv.URL)
	err := watchEvents(context.Background(), srv.Client(), srv.URL, "api", nil, w)
	require.NoError(t, err)
	assert.Equal(t, "project=api", gotQuery)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)

	var last output.Record
	require.NoError(t, json.Unmarshal([]byte(lines[3]), &last))
	assert.Equal(t, output.TypeSummary, last.Type)

	var sum output.SummaryRecord
	require.NoError(t, json.Unmarshal(last.Data, &sum))
	assert.Equal(t, int64(3), sum.Events)
	assert.Equal(t, int64(1), sum.ByType["job-output"])
	assert.Equal(t, "server-closed", sum.Reason)

	var first output.Record
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, output.TypeEvent, first.Type)
	var ev output.EventRecord
	require.NoError(t, json.Unmarshal(first.Data, &ev))
	assert.Equal(t, "1", ev.Seq)
	assert.Equal(t, "job-started", ev.Event)
}

func TestWatchEventsRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	var buf bytes.Buffer
	err := watchEvents(context.Background(), srv.Client(), srv.URL, "", nil, output.NewJSONLWriter(&buf, srv.URL))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Event stream refused")
	assert.Empty(t, buf.String())
}
