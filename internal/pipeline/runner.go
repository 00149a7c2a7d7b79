package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/aoipipe/internal/ctxutil"
	"github.com/ashita-ai/aoipipe/internal/model"
)

var tracer = otel.Tracer("aoipipe/pipeline")

// RunnerConfig holds the dependencies of a Runner.
// Now and NewID default to time.Now and uuid.NewString.
type RunnerConfig struct {
	Stages    []Stage
	Projects  ProjectFinder
	Emitter   Emitter
	Injection FailureInjection
	Logger    *slog.Logger

	Now   func() time.Time
	NewID func() string
}

// StartResult identifies a run that has been started.
type StartResult struct {
	PipelineID string
	ProjectID  string
	TotalSteps int
	StartedAt  time.Time
}

// Runner executes the declared stages for a project and emits progress.
// A Runner is safe for concurrent use; concurrent runs, including runs for
// the same project, are independent and distinguished by pipeline ID.
type Runner struct {
	stages    []Stage
	projects  ProjectFinder
	emitter   Emitter
	injection FailureInjection
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string

	wg     sync.WaitGroup
	active atomic.Int64

	runs          metric.Int64Counter
	stageFailures metric.Int64Counter
	stageDuration metric.Float64Histogram
}

// NewRunner validates cfg and returns a Runner. Every stage must have a
// unique, non-empty key and a handler.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if len(cfg.Stages) == 0 {
		return nil, fmt.Errorf("pipeline: no stages declared")
	}
	if cfg.Projects == nil {
		return nil, fmt.Errorf("pipeline: project finder is required")
	}
	if cfg.Emitter == nil {
		return nil, fmt.Errorf("pipeline: emitter is required")
	}

	seen := make(map[string]bool, len(cfg.Stages))
	for i, st := range cfg.Stages {
		if st.Key == "" {
			return nil, fmt.Errorf("pipeline: stage %d has an empty key", i+1)
		}
		if seen[st.Key] {
			return nil, fmt.Errorf("pipeline: duplicate stage key %s", st.Key)
		}
		seen[st.Key] = true
		if st.Handler == nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingHandler, st.Key)
		}
	}

	r := &Runner{
		stages:    append([]Stage(nil), cfg.Stages...),
		projects:  cfg.Projects,
		emitter:   cfg.Emitter,
		injection: cfg.Injection,
		logger:    cfg.Logger,
		now:       cfg.Now,
		newID:     cfg.NewID,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.newID == nil {
		r.newID = uuid.NewString
	}
	if cfg.Injection.Enabled && !seen[cfg.Injection.StageKey] {
		r.logger.Warn("pipeline: failure injection targets an undeclared stage", "stage", cfg.Injection.StageKey)
	}
	r.registerMetrics()
	return r, nil
}

func (r *Runner) registerMetrics() {
	meter := otel.GetMeterProvider().Meter("aoipipe/pipeline")
	fallback := noop.NewMeterProvider().Meter("aoipipe/pipeline")

	var err error
	if r.runs, err = meter.Int64Counter("aoi.pipeline.runs",
		metric.WithDescription("Completed pipeline runs by terminal status")); err != nil {
		r.runs, _ = fallback.Int64Counter("aoi.pipeline.runs")
	}
	if r.stageFailures, err = meter.Int64Counter("aoi.pipeline.stage.failures",
		metric.WithDescription("Stages that concluded with status failed")); err != nil {
		r.stageFailures, _ = fallback.Int64Counter("aoi.pipeline.stage.failures")
	}
	if r.stageDuration, err = meter.Float64Histogram("aoi.pipeline.stage.duration",
		metric.WithUnit("ms")); err != nil {
		r.stageDuration, _ = fallback.Float64Histogram("aoi.pipeline.stage.duration")
	}
}

// Stages returns a copy of the declared stages in execution order.
func (r *Runner) Stages() []Stage {
	return append([]Stage(nil), r.stages...)
}

// Start checks that the project exists, emits PipelineStarted and schedules
// the stages. It returns as soon as the run has been started; stage execution
// outlives ctx's cancellation. A missing project is reported as
// ErrProjectNotFound and nothing is emitted.
func (r *Runner) Start(ctx context.Context, projectID string) (StartResult, error) {
	if projectID == "" {
		return StartResult{}, ErrInvalidProjectID
	}

	project, err := r.projects.FindProject(ctx, projectID)
	if err != nil {
		return StartResult{}, fmt.Errorf("pipeline: find project %s: %w", projectID, err)
	}
	if project == nil {
		return StartResult{}, fmt.Errorf("%w: %s", ErrProjectNotFound, projectID)
	}

	res := StartResult{
		PipelineID: r.newID(),
		ProjectID:  projectID,
		TotalSteps: len(r.stages),
		StartedAt:  r.now().UTC(),
	}

	runCtx := context.WithoutCancel(ctx)
	r.emitter.Emit(runCtx, model.PipelineStarted{
		PipelineID: res.PipelineID,
		ProjectID:  res.ProjectID,
		TotalSteps: res.TotalSteps,
		StartedAt:  res.StartedAt,
	})
	r.logger.Info("pipeline: run started",
		"pipeline_id", res.PipelineID, "project_id", projectID, "total_steps", res.TotalSteps,
		"request_id", ctxutil.RequestIDFromContext(ctx))

	r.wg.Add(1)
	r.active.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.active.Add(-1)
		r.execute(runCtx, res)
	}()

	return res, nil
}

// Active returns the number of runs currently executing.
func (r *Runner) Active() int {
	return int(r.active.Load())
}

// Wait blocks until every started run has emitted PipelineCompleted.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// execute runs every stage in order and emits the completion event.
func (r *Runner) execute(ctx context.Context, res StartResult) {
	ctx, span := tracer.Start(ctx, "aoi.pipeline.run",
		trace.WithAttributes(
			attribute.String("aoi.pipeline_id", res.PipelineID),
			attribute.String("aoi.project_id", res.ProjectID),
			attribute.Int("aoi.total_steps", res.TotalSteps),
		),
	)
	defer span.End()

	var summary model.Summary
	summary.TotalSteps = res.TotalSteps

	for i, st := range r.stages {
		step := i + 1
		status := r.runStage(ctx, res, st, step)
		if status == model.StageStatusSuccess {
			summary.Succeeded++
		} else {
			summary.Failed++
		}

		r.emitter.Emit(ctx, model.PipelineStage{
			PipelineID: res.PipelineID,
			ProjectID:  res.ProjectID,
			StageKey:   st.Key,
			Label:      st.Label,
			Status:     status,
			Step:       step,
			TotalSteps: res.TotalSteps,
			Timestamp:  r.now().UTC(),
		})
	}

	overall := model.OverallStatus(summary.Succeeded, summary.Failed)
	span.SetAttributes(attribute.String("aoi.status", string(overall)))
	if overall != model.PipelineStatusSuccess {
		span.SetStatus(codes.Error, string(overall))
	}
	r.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(overall))))

	r.emitter.Emit(ctx, model.PipelineCompleted{
		PipelineID:  res.PipelineID,
		ProjectID:   res.ProjectID,
		Status:      overall,
		Summary:     summary,
		CompletedAt: r.now().UTC(),
	})
	r.logger.Info("pipeline: run completed",
		"pipeline_id", res.PipelineID, "project_id", res.ProjectID,
		"status", overall, "succeeded", summary.Succeeded, "failed", summary.Failed)
}

// runStage executes one stage and converts its outcome into a status.
func (r *Runner) runStage(ctx context.Context, res StartResult, st Stage, step int) model.StageStatus {
	ctx, span := tracer.Start(ctx, "aoi.pipeline.stage",
		trace.WithAttributes(
			attribute.String("aoi.stage", st.Key),
			attribute.Int("aoi.step", step),
		),
	)
	defer span.End()

	start := time.Now()
	err := callHandler(ctx, st, res.ProjectID)
	if r.injection.matches(st.Key) {
		err = errors.Join(ErrInjectedFailure, err)
	}
	elapsed := time.Since(start)

	attrs := metric.WithAttributes(attribute.String("stage", st.Key))
	r.stageDuration.Record(ctx, float64(elapsed.Milliseconds()), attrs)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stage failed")
		r.stageFailures.Add(ctx, 1, attrs)
		r.logger.Warn("pipeline: stage failed",
			"pipeline_id", res.PipelineID, "project_id", res.ProjectID,
			"stage", st.Key, "step", step, "error", err)
		return model.StageStatusFailed
	}

	r.logger.Debug("pipeline: stage succeeded",
		"pipeline_id", res.PipelineID, "stage", st.Key, "step", step,
		"duration_ms", elapsed.Milliseconds())
	return model.StageStatusSuccess
}

// callHandler invokes the stage handler, converting a panic into an error.
func callHandler(ctx context.Context, st Stage, projectID string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("pipeline: stage %s panicked: %v", st.Key, p)
		}
	}()
	if st.Handler == nil {
		return fmt.Errorf("%w: %s", ErrMissingHandler, st.Key)
	}
	return st.Handler(ctx, projectID)
}
