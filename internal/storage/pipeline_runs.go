package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/aoipipe/internal/model"
)

// RunRecorder persists pipeline progress events. It implements
// pipeline.Emitter; write failures are logged and never reach the runner.
type RunRecorder struct {
	db     *DB
	logger *slog.Logger
}

// NewRunRecorder returns a RunRecorder writing through db.
func NewRunRecorder(db *DB, logger *slog.Logger) *RunRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunRecorder{db: db, logger: logger}
}

// Emit records ev.
func (r *RunRecorder) Emit(ctx context.Context, ev model.Event) {
	err := recordPolicy.Do(ctx, func() error {
		return r.db.RecordEvent(ctx, ev)
	})
	if err != nil {
		projectID, pipelineID := ev.Run()
		r.logger.Error("storage: record pipeline event failed",
			"event", ev.EventName(), "project_id", projectID, "pipeline_id", pipelineID, "error", err)
	}
}

// RecordEvent applies one progress event to the pipeline_runs and
// pipeline_stages tables.
func (db *DB) RecordEvent(ctx context.Context, ev model.Event) error {
	var err error
	switch e := ev.(type) {
	case model.PipelineStarted:
		_, err = db.pool.Exec(ctx,
			`INSERT INTO pipeline_runs (pipeline_id, project_id, status, total_steps, started_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (pipeline_id) DO NOTHING`,
			e.PipelineID, e.ProjectID, string(model.PipelineStatusRunning), e.TotalSteps, e.StartedAt)
	case model.PipelineStage:
		_, err = db.pool.Exec(ctx,
			`INSERT INTO pipeline_stages (pipeline_id, step, stage_key, label, status, finished_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (pipeline_id, step) DO UPDATE
			 SET stage_key = EXCLUDED.stage_key, label = EXCLUDED.label,
			     status = EXCLUDED.status, finished_at = EXCLUDED.finished_at`,
			e.PipelineID, e.Step, e.StageKey, e.Label, string(e.Status), e.Timestamp)
	case model.PipelineCompleted:
		_, err = db.pool.Exec(ctx,
			`UPDATE pipeline_runs
			 SET status = $2, succeeded = $3, failed = $4, completed_at = $5
			 WHERE pipeline_id = $1 AND completed_at IS NULL`,
			e.PipelineID, string(e.Status), e.Summary.Succeeded, e.Summary.Failed, e.CompletedAt)
	default:
		return fmt.Errorf("storage: record event: %w: %T", model.ErrUnknownEvent, ev)
	}
	if err != nil {
		return fmt.Errorf("storage: record %s: %w", ev.EventName(), err)
	}
	return nil
}

type runRow struct {
	PipelineID  string     `db:"pipeline_id"`
	ProjectID   string     `db:"project_id"`
	Status      string     `db:"status"`
	TotalSteps  int        `db:"total_steps"`
	Succeeded   *int       `db:"succeeded"`
	Failed      *int       `db:"failed"`
	StartedAt   time.Time  `db:"started_at"`
	CompletedAt *time.Time `db:"completed_at"`
}

func (r runRow) toModel() model.PipelineRun {
	run := model.PipelineRun{
		PipelineID:  r.PipelineID,
		ProjectID:   r.ProjectID,
		TotalSteps:  r.TotalSteps,
		Status:      model.PipelineStatus(r.Status),
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
	}
	if r.Succeeded != nil && r.Failed != nil {
		run.Summary = &model.Summary{TotalSteps: r.TotalSteps, Succeeded: *r.Succeeded, Failed: *r.Failed}
	}
	return run
}

const runColumns = `pipeline_id, project_id, status, total_steps, succeeded, failed, started_at, completed_at`

// ListPipelineRuns returns the most recent runs for a project, newest first.
// Stage details are not loaded; use GetPipelineRun for those.
func (db *DB) ListPipelineRuns(ctx context.Context, projectID string, limit int) ([]model.PipelineRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs
		 WHERE project_id = $1
		 ORDER BY started_at DESC
		 LIMIT $2`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list pipeline runs: %w", err)
	}
	got, err := pgx.CollectRows(rows, pgx.RowToStructByName[runRow])
	if err != nil {
		return nil, fmt.Errorf("storage: scan pipeline runs: %w", err)
	}
	runs := make([]model.PipelineRun, 0, len(got))
	for _, r := range got {
		runs = append(runs, r.toModel())
	}
	return runs, nil
}

// GetPipelineRun returns a run with one entry per step. Steps with no
// recorded outcome are reported as pending.
func (db *DB) GetPipelineRun(ctx context.Context, pipelineID string) (model.PipelineRun, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs WHERE pipeline_id = $1`, pipelineID)
	if err != nil {
		return model.PipelineRun{}, fmt.Errorf("storage: get pipeline run: %w", err)
	}
	row, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[runRow])
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PipelineRun{}, fmt.Errorf("storage: pipeline run %s: %w", pipelineID, ErrNotFound)
		}
		return model.PipelineRun{}, fmt.Errorf("storage: get pipeline run: %w", err)
	}
	run := row.toModel()

	run.Stages = make([]model.StageResult, run.TotalSteps)
	for i := range run.Stages {
		run.Stages[i] = model.StageResult{Status: model.StageStatusPending, Step: i + 1, TotalSteps: run.TotalSteps}
	}

	stageRows, err := db.pool.Query(ctx,
		`SELECT step, stage_key, label, status, finished_at
		 FROM pipeline_stages WHERE pipeline_id = $1 ORDER BY step`, pipelineID)
	if err != nil {
		return model.PipelineRun{}, fmt.Errorf("storage: get pipeline stages: %w", err)
	}
	defer stageRows.Close()
	for stageRows.Next() {
		var s model.StageResult
		var status string
		if err := stageRows.Scan(&s.Step, &s.StageKey, &s.Label, &status, &s.Timestamp); err != nil {
			return model.PipelineRun{}, fmt.Errorf("storage: scan pipeline stage: %w", err)
		}
		if s.Step < 1 || s.Step > run.TotalSteps {
			continue
		}
		s.Status = model.StageStatus(status)
		s.TotalSteps = run.TotalSteps
		run.Stages[s.Step-1] = s
	}
	if err := stageRows.Err(); err != nil {
		return model.PipelineRun{}, fmt.Errorf("storage: iterate pipeline stages: %w", err)
	}
	return run, nil
}
