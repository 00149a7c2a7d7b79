package aoipipe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, handlers map[string]http.HandlerFunc) *Client {
	t.Helper()
	mux := http.NewServeMux()
	for pattern, h := range handlers {
		mux.HandleFunc(pattern, h)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{BaseURL: srv.URL + "/", Timeout: 5 * time.Second})
	require.NoError(t, err)
	return c
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient(Config{})
	assert.Error(t, err)
}

func TestStartPipeline(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := newTestClient(t, map[string]http.HandlerFunc{
		"POST /v1/projects/{project_id}/pipeline": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusAccepted, map[string]any{
				"data": map[string]any{
					"pipelineId": "run-1",
					"projectId":  r.PathValue("project_id"),
					"totalSteps": 6,
					"startedAt":  at.Format(time.RFC3339),
				},
				"meta": map[string]any{"request_id": "r1"},
			})
		},
	})

	resp, err := c.StartPipeline(context.Background(), "proj-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", resp.PipelineID)
	assert.Equal(t, "proj-1", resp.ProjectID)
	assert.Equal(t, 6, resp.TotalSteps)
	assert.True(t, at.Equal(resp.StartedAt))
}

func TestStartPipelineNotFound(t *testing.T) {
	c := newTestClient(t, map[string]http.HandlerFunc{
		"POST /v1/projects/{project_id}/pipeline": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"error": map[string]any{"code": "NOT_FOUND", "message": "project not found"},
			})
		},
	})

	_, err := c.StartPipeline(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.False(t, IsRateLimited(err))

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "NOT_FOUND", apiErr.Code)
	assert.Equal(t, "project not found", apiErr.Message)
}

func TestErrorWithoutEnvelope(t *testing.T) {
	c := newTestClient(t, map[string]http.HandlerFunc{
		"GET /v1/pipeline/runs/{pipeline_id}": func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "slow down", http.StatusTooManyRequests)
		},
	})
	_, err := c.GetRun(context.Background(), "x")
	assert.True(t, IsRateLimited(err))
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "slow down", apiErr.Message)
}

func TestListRunsPassesLimit(t *testing.T) {
	c := newTestClient(t, map[string]http.HandlerFunc{
		"GET /v1/projects/{project_id}/pipeline/runs": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "3", r.URL.Query().Get("limit"))
			writeJSON(w, http.StatusOK, map[string]any{
				"data": []map[string]any{{"pipelineId": "a", "status": "success"}},
			})
		},
	})
	runs, err := c.ListRuns(context.Background(), "p", 3)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, StatusSuccess, runs[0].Status)
}

func sseHandler(frames ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for _, f := range frames {
			_, _ = fmt.Fprint(w, f)
			w.(http.Flusher).Flush()
		}
	}
}

func TestSubscribeDecodesEvents(t *testing.T) {
	c := newTestClient(t, map[string]http.HandlerFunc{
		"GET /v1/subscribe": sseHandler(
			":keepalive\n\n",
			"event: aoi:pipeline_started\ndata: {\"pipelineId\":\"run-1\",\"projectId\":\"p\",\"totalSteps\":1,\"startedAt\":\"2026-03-01T12:00:00Z\"}\n\n",
			"event: aoi:something_else\ndata: {}\n\n",
			"event: aoi:pipeline_stage\ndata: {\"pipelineId\":\"run-1\",\"projectId\":\"p\",\"stageKey\":\"A\",\"label\":\"a\",\"status\":\"failed\",\"step\":1,\"totalSteps\":1,\"timestamp\":\"2026-03-01T12:00:01Z\"}\n\n",
			"event: aoi:pipeline_completed\ndata: {\"pipelineId\":\"run-1\",\"projectId\":\"p\",\"status\":\"failed\",\"summary\":{\"totalSteps\":1,\"succeeded\":0,\"failed\":1},\"completedAt\":\"2026-03-01T12:00:02Z\"}\n\n",
		),
	})

	stop := errors.New("stop")
	var got []Event
	readyCalled := false
	err := c.Subscribe(context.Background(), SubscribeOptions{}, func() { readyCalled = true }, func(ev Event) error {
		got = append(got, ev)
		if _, ok := ev.(PipelineCompleted); ok {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.True(t, readyCalled)
	require.Len(t, got, 3)
	assert.IsType(t, PipelineStarted{}, got[0])
	stage := got[1].(PipelineStage)
	assert.Equal(t, StageStatus("failed"), stage.Status)
	done := got[2].(PipelineCompleted)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Equal(t, 1, done.Summary.Failed)
}

func TestSubscribeRejectsMalformedPayload(t *testing.T) {
	c := newTestClient(t, map[string]http.HandlerFunc{
		"GET /v1/subscribe": sseHandler("event: aoi:pipeline_stage\ndata: {not json\n\n"),
	})
	err := c.Subscribe(context.Background(), SubscribeOptions{}, nil, func(Event) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "aoi:pipeline_stage")
}

func TestSubscribeReportsServerClose(t *testing.T) {
	c := newTestClient(t, map[string]http.HandlerFunc{
		"GET /v1/subscribe": sseHandler(),
	})
	err := c.Subscribe(context.Background(), SubscribeOptions{}, nil, func(Event) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed")
}

func TestSubscribePassesProjectFilter(t *testing.T) {
	c := newTestClient(t, map[string]http.HandlerFunc{
		"GET /v1/subscribe": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "proj 1", r.URL.Query().Get("project_id"))
			http.Error(w, "no stream", http.StatusServiceUnavailable)
		},
	})
	err := c.Subscribe(context.Background(), SubscribeOptions{ProjectID: "proj 1"}, nil, func(Event) error { return nil })
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
}

func TestReadSSEMultilineData(t *testing.T) {
	var names, datas []string
	err := readSSE(strings.NewReader("event: x\ndata: a\ndata: b\n\n: comment\n\ndata: orphan\n\n"), func(n, d string) error {
		names = append(names, n)
		datas = append(datas, d)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, names)
	assert.Equal(t, []string{"a\nb"}, datas)
}
