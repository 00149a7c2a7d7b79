package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/aoipipe/internal/model"
	"github.com/ashita-ai/aoipipe/internal/pipeline"
	"github.com/ashita-ai/aoipipe/internal/storage"
	"github.com/ashita-ai/aoipipe/internal/tracker"
)

const (
	defaultRunsLimit = 20
	maxRunsLimit     = 100
	keepaliveEvery   = 15 * time.Second
)

// PipelineStarter starts pipeline runs. *pipeline.Runner implements it.
type PipelineStarter interface {
	Start(ctx context.Context, projectID string) (pipeline.StartResult, error)
	Active() int
}

// RunStore reads persisted run history. *storage.DB implements it.
type RunStore interface {
	Ping(ctx context.Context) error
	ListPipelineRuns(ctx context.Context, projectID string, limit int) ([]model.PipelineRun, error)
	GetPipelineRun(ctx context.Context, pipelineID string) (model.PipelineRun, error)
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	runner    PipelineStarter
	runs      RunStore
	broker    *Broker
	status    *tracker.Store
	logger    *slog.Logger
	startedAt time.Time
	version   string
	openapi   []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Runs, Broker, Status, OpenAPISpec.
type HandlersDeps struct {
	Runner      PipelineStarter
	Runs        RunStore
	Broker      *Broker
	Status      *tracker.Store
	Logger      *slog.Logger
	Version     string
	OpenAPISpec []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		runner:    d.Runner,
		runs:      d.Runs,
		broker:    d.Broker,
		status:    d.Status,
		logger:    logger,
		startedAt: time.Now(),
		version:   d.Version,
		openapi:   d.OpenAPISpec,
	}
}

// HandleStartPipeline handles POST /v1/projects/{project_id}/pipeline.
func (h *Handlers) HandleStartPipeline(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("project_id")

	res, err := h.runner.Start(r.Context(), projectID)
	switch {
	case err == nil:
	case errors.Is(err, pipeline.ErrInvalidProjectID):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "project id is required")
		return
	case errors.Is(err, pipeline.ErrProjectNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "project not found")
		return
	default:
		h.logger.Error("start pipeline failed", "project_id", projectID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to start pipeline")
		return
	}

	writeJSON(w, r, http.StatusAccepted, model.StartPipelineResponse{
		PipelineID: res.PipelineID,
		ProjectID:  res.ProjectID,
		TotalSteps: res.TotalSteps,
		StartedAt:  res.StartedAt,
	})
}

// HandlePipelineStatus handles GET /v1/projects/{project_id}/pipeline. It
// reports the run this instance last saw start for the project, or idle.
func (h *Handlers) HandlePipelineStatus(w http.ResponseWriter, r *http.Request) {
	if h.status == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "status tracking not enabled")
		return
	}
	run, _ := h.status.Run(r.PathValue("project_id"))
	writeJSON(w, r, http.StatusOK, run)
}

// HandleListRuns handles GET /v1/projects/{project_id}/pipeline/runs.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "run history not available")
		return
	}
	limit := defaultRunsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxRunsLimit {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit must be between 1 and 100")
			return
		}
		limit = n
	}

	runs, err := h.runs.ListPipelineRuns(r.Context(), r.PathValue("project_id"), limit)
	if err != nil {
		h.logger.Error("list pipeline runs failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list runs")
		return
	}
	writeJSON(w, r, http.StatusOK, runs)
}

// HandleGetRun handles GET /v1/pipeline/runs/{pipeline_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "run history not available")
		return
	}
	run, err := h.runs.GetPipelineRun(r.Context(), r.PathValue("pipeline_id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "pipeline run not found")
			return
		}
		h.logger.Error("get pipeline run failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to get run")
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleSubscribe handles GET /v1/subscribe (SSE). An optional project_id
// query parameter narrows the stream to one project.
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "event stream not available")
		return
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return
	}
	// The stream is long-lived; lift any server write deadline.
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe(r.URL.Query().Get("project_id"))
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(keepaliveEvery)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			_ = rc.Flush()
		case frame, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			_ = rc.Flush()
		}
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:    "healthy",
		Version:   h.version,
		Postgres:  "not_configured",
		SSEBroker: "not_configured",
		Uptime:    int64(time.Since(h.startedAt).Seconds()),
	}
	httpStatus := http.StatusOK

	if h.runs != nil {
		resp.Postgres = "connected"
		if err := h.runs.Ping(r.Context()); err != nil {
			resp.Postgres = "disconnected"
			resp.Status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		}
	}
	if h.broker != nil {
		resp.SSEBroker = "local"
		if h.broker.Distributed() {
			resp.SSEBroker = "listening"
		}
	}
	if h.runner != nil {
		resp.ActiveRuns = h.runner.Active()
	}

	writeJSON(w, r, httpStatus, resp)
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapi) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapi)
}
