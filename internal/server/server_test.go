package server_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/aoipipe/api"
	"github.com/ashita-ai/aoipipe/internal/model"
	"github.com/ashita-ai/aoipipe/internal/pipeline"
	"github.com/ashita-ai/aoipipe/internal/ratelimit"
	"github.com/ashita-ai/aoipipe/internal/server"
	"github.com/ashita-ai/aoipipe/internal/storage"
	"github.com/ashita-ai/aoipipe/internal/tracker"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type projects map[string]bool

func (p projects) FindProject(_ context.Context, id string) (*model.Project, error) {
	if !p[id] {
		return nil, nil
	}
	return &model.Project{ID: id, Name: id, HasAOI: true}, nil
}

// memRuns is an in-memory RunStore.
type memRuns struct {
	mu      sync.Mutex
	runs    map[string]model.PipelineRun
	pingErr error
}

func (m *memRuns) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pingErr
}

func (m *memRuns) ListPipelineRuns(_ context.Context, projectID string, limit int) ([]model.PipelineRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.PipelineRun{}
	for _, r := range m.runs {
		if r.ProjectID == projectID && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memRuns) GetPipelineRun(_ context.Context, id string) (model.PipelineRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return model.PipelineRun{}, fmt.Errorf("get: %w", storage.ErrNotFound)
	}
	return r, nil
}

type fixture struct {
	srv    *httptest.Server
	runner *pipeline.Runner
	runs   *memRuns
	status *tracker.Store
	broker *server.Broker
}

type fixtureOpts struct {
	injection pipeline.FailureInjection
	limiter   ratelimit.Limiter
	gate      chan struct{} // when set, VALIDATE_AOI blocks until closed
}

func newFixture(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()
	logger := quietLogger()

	reg := pipeline.NewRegistry()
	for _, d := range pipeline.DefaultStages {
		reg.Register(d.Key, func(context.Context, string) error { return nil })
	}
	if opts.gate != nil {
		gate := opts.gate
		reg.Register(pipeline.StageValidateAOI, func(context.Context, string) error {
			<-gate
			return nil
		})
	}
	stages, err := reg.Build(pipeline.DefaultStages)
	require.NoError(t, err)

	broker := server.NewBroker(nil, logger)
	status := tracker.NewStore()
	broker.Observe(func(ev model.Event) { status.Dispatch(ev) })

	runner, err := pipeline.NewRunner(pipeline.RunnerConfig{
		Stages:    stages,
		Projects:  projects{"proj-1": true, "proj-2": true},
		Emitter:   broker,
		Injection: opts.injection,
		Logger:    logger,
	})
	require.NoError(t, err)

	runs := &memRuns{runs: map[string]model.PipelineRun{}}
	srv := server.New(server.ServerConfig{
		Runner:              runner,
		Runs:                runs,
		Broker:              broker,
		Status:              status,
		Limiter:             opts.limiter,
		Logger:              logger,
		Version:             "test",
		MaxRequestBodyBytes: 1024,
		OpenAPISpec:         api.OpenAPISpec,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		runner.Wait()
	})
	return &fixture{srv: ts, runner: runner, runs: runs, status: status, broker: broker}
}

func decodeData[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var env struct {
		Data T                  `json:"data"`
		Meta model.ResponseMeta `json:"meta"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	assert.NotEmpty(t, env.Meta.RequestID)
	return env.Data
}

func decodeError(t *testing.T, resp *http.Response) model.ErrorDetail {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var env model.APIError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return env.Error
}

func startRun(t *testing.T, f *fixture, projectID string) *http.Response {
	t.Helper()
	resp, err := http.Post(f.srv.URL+"/v1/projects/"+projectID+"/pipeline", "application/json", nil)
	require.NoError(t, err)
	return resp
}

// sseFrame is one parsed Server-Sent Events message.
type sseFrame struct {
	event string
	data  string
}

// subscribe opens the SSE stream and returns a channel of parsed frames.
func subscribe(t *testing.T, f *fixture, query string) <-chan sseFrame {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/v1/subscribe"+query, nil)
	require.NoError(t, err)
	before := f.broker.SubscriberCount()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	require.Eventually(t, func() bool { return f.broker.SubscriberCount() > before }, time.Second, 5*time.Millisecond)

	frames := make(chan sseFrame, 64)
	go func() {
		defer close(frames)
		sc := bufio.NewScanner(resp.Body)
		var cur sseFrame
		for sc.Scan() {
			line := sc.Text()
			switch {
			case line == "":
				if cur.event != "" {
					frames <- cur
				}
				cur = sseFrame{}
			case strings.HasPrefix(line, "event: "):
				cur.event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				cur.data = strings.TrimPrefix(line, "data: ")
			}
		}
	}()
	t.Cleanup(func() {
		cancel()
		_ = resp.Body.Close()
	})
	return frames
}

func collectRun(t *testing.T, frames <-chan sseFrame) []model.Event {
	t.Helper()
	var events []model.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case fr, ok := <-frames:
			require.True(t, ok, "stream closed early")
			ev, err := model.DecodeEvent(fr.event, []byte(fr.data))
			require.NoError(t, err)
			events = append(events, ev)
			if _, done := ev.(model.PipelineCompleted); done {
				return events
			}
		case <-timeout:
			t.Fatalf("timed out after %d events", len(events))
		}
	}
}

func TestStartPipelineStreamsRun(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	frames := subscribe(t, f, "")

	resp := startRun(t, f, "proj-1")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	started := decodeData[model.StartPipelineResponse](t, resp)
	assert.Equal(t, "proj-1", started.ProjectID)
	assert.Equal(t, 6, started.TotalSteps)
	assert.NotEmpty(t, started.PipelineID)

	events := collectRun(t, frames)
	require.Len(t, events, 8)
	assert.IsType(t, model.PipelineStarted{}, events[0])
	for i, ev := range events[1:7] {
		st, ok := ev.(model.PipelineStage)
		require.True(t, ok)
		assert.Equal(t, i+1, st.Step)
		assert.Equal(t, started.PipelineID, st.PipelineID)
		assert.Equal(t, pipeline.DefaultStages[i].Key, st.StageKey)
	}
	done := events[7].(model.PipelineCompleted)
	assert.Equal(t, model.PipelineStatusSuccess, done.Status)
	assert.Equal(t, model.Summary{TotalSteps: 6, Succeeded: 6, Failed: 0}, done.Summary)
}

func TestStartPipelineInjectedFailure(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		injection: pipeline.FailureInjection{Enabled: true, StageKey: pipeline.StageClipData},
	})
	frames := subscribe(t, f, "?project_id=proj-1")

	resp := startRun(t, f, "proj-1")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	_ = resp.Body.Close()

	events := collectRun(t, frames)
	clip := events[3].(model.PipelineStage)
	assert.Equal(t, pipeline.StageClipData, clip.StageKey)
	assert.Equal(t, model.StageStatusFailed, clip.Status)
	done := events[len(events)-1].(model.PipelineCompleted)
	assert.Equal(t, model.PipelineStatusPartialFailure, done.Status)
	assert.Equal(t, 5, done.Summary.Succeeded)
	assert.Equal(t, 1, done.Summary.Failed)
}

func TestStartPipelineUnknownProject(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	frames := subscribe(t, f, "")

	resp := startRun(t, f, "missing")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, model.ErrCodeNotFound, decodeError(t, resp).Code)

	select {
	case fr := <-frames:
		t.Fatalf("unexpected event %s for unknown project", fr.event)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStartPipelineRateLimited(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 1)
	t.Cleanup(func() { _ = limiter.Close() })
	f := newFixture(t, fixtureOpts{limiter: limiter})

	first := startRun(t, f, "proj-1")
	assert.Equal(t, http.StatusAccepted, first.StatusCode)
	_ = first.Body.Close()

	second := startRun(t, f, "proj-1")
	require.Equal(t, http.StatusTooManyRequests, second.StatusCode)
	assert.Equal(t, model.ErrCodeRateLimited, decodeError(t, second).Code)

	other := startRun(t, f, "proj-2")
	assert.Equal(t, http.StatusAccepted, other.StatusCode)
	_ = other.Body.Close()
}

func TestPipelineStatusTracksRun(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, fixtureOpts{gate: gate})

	resp, err := http.Get(f.srv.URL + "/v1/projects/proj-1/pipeline")
	require.NoError(t, err)
	idle := decodeData[model.PipelineRun](t, resp)
	assert.Equal(t, model.PipelineStatusIdle, idle.Status)

	start := startRun(t, f, "proj-1")
	started := decodeData[model.StartPipelineResponse](t, start)

	resp, err = http.Get(f.srv.URL + "/v1/projects/proj-1/pipeline")
	require.NoError(t, err)
	running := decodeData[model.PipelineRun](t, resp)
	assert.Equal(t, model.PipelineStatusRunning, running.Status)
	assert.Equal(t, started.PipelineID, running.PipelineID)
	assert.Len(t, running.Stages, 6)
	assert.Equal(t, 1, f.runner.Active())

	close(gate)
	f.runner.Wait()

	resp, err = http.Get(f.srv.URL + "/v1/projects/proj-1/pipeline")
	require.NoError(t, err)
	finished := decodeData[model.PipelineRun](t, resp)
	assert.Equal(t, model.PipelineStatusSuccess, finished.Status)
	require.NotNil(t, finished.Summary)
	assert.Equal(t, 6, finished.Summary.Succeeded)
	assert.Equal(t, 6, tracker.CompletedSteps(finished))
}

func TestRunHistoryEndpoints(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.runs.mu.Lock()
	f.runs.runs["run-1"] = model.PipelineRun{
		PipelineID: "run-1",
		ProjectID:  "proj-1",
		TotalSteps: 6,
		Status:     model.PipelineStatusFailed,
	}
	f.runs.mu.Unlock()

	resp, err := http.Get(f.srv.URL + "/v1/projects/proj-1/pipeline/runs?limit=5")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeData[[]model.PipelineRun](t, resp)
	require.Len(t, list, 1)
	assert.Equal(t, "run-1", list[0].PipelineID)

	resp, err = http.Get(f.srv.URL + "/v1/projects/proj-1/pipeline/runs?limit=0")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidInput, decodeError(t, resp).Code)

	resp, err = http.Get(f.srv.URL + "/v1/pipeline/runs/run-1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeData[model.PipelineRun](t, resp)
	assert.Equal(t, model.PipelineStatusFailed, got.Status)

	resp, err = http.Get(f.srv.URL + "/v1/pipeline/runs/nope")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, model.ErrCodeNotFound, decodeError(t, resp).Code)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	resp, err := http.Get(f.srv.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	h := decodeData[model.HealthResponse](t, resp)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "connected", h.Postgres)
	assert.Equal(t, "local", h.SSEBroker)
	assert.Equal(t, "test", h.Version)

	f.runs.mu.Lock()
	f.runs.pingErr = errors.New("down")
	f.runs.mu.Unlock()
	resp, err = http.Get(f.srv.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	h = decodeData[model.HealthResponse](t, resp)
	assert.Equal(t, "unhealthy", h.Status)
}

func TestRequestIDIsEchoed(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "abc-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, "abc-123", resp.Header.Get("X-Request-ID"))
}

func TestOpenAPISpecServed(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	resp, err := http.Get(f.srv.URL + "/openapi.yaml")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/yaml", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, api.OpenAPISpec, body)
}
