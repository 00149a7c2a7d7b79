// Package tracker rebuilds per-project pipeline state from progress events.
//
// Reduce is a pure function: given a State and an Action it returns the next
// State without touching its input. Events that belong to a run other than
// the one currently tracked for their project are ignored, which keeps late
// events from an earlier run from corrupting a newer one.
package tracker

import (
	"maps"

	"github.com/ashita-ai/aoipipe/internal/model"
)

// State maps project IDs to the run currently tracked for that project.
// Treat it as immutable; Reduce always returns a fresh map when it changes.
type State map[string]model.PipelineRun

// Action is either a model.Event or a Reset.
type Action any

// Reset drops tracking for a project.
type Reset struct {
	ProjectID string
}

// Reduce applies action to state. Unrecognized actions and stale events
// return state unchanged.
func Reduce(state State, action Action) State {
	next, _ := reduce(state, action)
	return next
}

// reduce is Reduce that also reports whether anything changed.
func reduce(state State, action Action) (State, bool) {
	switch a := action.(type) {
	case model.PipelineStarted:
		return started(state, a), true
	case model.PipelineStage:
		return stage(state, a)
	case model.PipelineCompleted:
		return completed(state, a)
	case Reset:
		if _, ok := state[a.ProjectID]; !ok {
			return state, false
		}
		next := maps.Clone(state)
		delete(next, a.ProjectID)
		return next, true
	case *model.PipelineStarted:
		if a != nil {
			return started(state, *a), true
		}
	case *model.PipelineStage:
		if a != nil {
			return stage(state, *a)
		}
	case *model.PipelineCompleted:
		if a != nil {
			return completed(state, *a)
		}
	}
	return state, false
}

func started(state State, ev model.PipelineStarted) State {
	total := max(ev.TotalSteps, 0)
	stages := make([]model.StageResult, total)
	for i := range stages {
		stages[i] = model.StageResult{
			Status:     model.StageStatusPending,
			Step:       i + 1,
			TotalSteps: total,
		}
	}
	return with(state, model.PipelineRun{
		PipelineID: ev.PipelineID,
		ProjectID:  ev.ProjectID,
		TotalSteps: total,
		Status:     model.PipelineStatusRunning,
		StartedAt:  ev.StartedAt,
		Stages:     stages,
	})
}

func stage(state State, ev model.PipelineStage) (State, bool) {
	run, ok := current(state, ev.ProjectID, ev.PipelineID)
	if !ok || ev.Step < 1 || ev.Step > run.TotalSteps {
		return state, false
	}
	if run.Status != model.PipelineStatusRunning {
		return state, false
	}
	run.Stages = append([]model.StageResult(nil), run.Stages...)
	res := ev.Result()
	res.TotalSteps = run.TotalSteps
	run.Stages[ev.Step-1] = res
	return with(state, run), true
}

func completed(state State, ev model.PipelineCompleted) (State, bool) {
	run, ok := current(state, ev.ProjectID, ev.PipelineID)
	if !ok || run.Status.Terminal() {
		return state, false
	}
	at := ev.CompletedAt
	summary := ev.Summary
	run.Status = ev.Status
	run.CompletedAt = &at
	run.Summary = &summary
	return with(state, run), true
}

// current returns the tracked run for projectID if its pipeline ID matches.
func current(state State, projectID, pipelineID string) (model.PipelineRun, bool) {
	run, ok := state[projectID]
	if !ok || run.PipelineID != pipelineID {
		return model.PipelineRun{}, false
	}
	return run, true
}

func with(state State, run model.PipelineRun) State {
	next := make(State, len(state)+1)
	maps.Copy(next, state)
	next[run.ProjectID] = run
	return next
}

// Lookup returns the tracked run for projectID. When none is tracked the
// returned run has status idle and ok is false.
func Lookup(state State, projectID string) (run model.PipelineRun, ok bool) {
	run, ok = state[projectID]
	if !ok {
		return model.PipelineRun{ProjectID: projectID, Status: model.PipelineStatusIdle}, false
	}
	return run, true
}

// CompletedSteps counts stages that are no longer pending.
func CompletedSteps(run model.PipelineRun) int {
	n := 0
	for _, s := range run.Stages {
		if s.Status != model.StageStatusPending {
			n++
		}
	}
	return n
}

// IsRunning reports whether the run is still in progress.
func IsRunning(run model.PipelineRun) bool {
	return run.Status == model.PipelineStatusRunning
}

// Progress returns the fraction of stages that have concluded, in [0, 1].
func Progress(run model.PipelineRun) float64 {
	if run.TotalSteps == 0 {
		if run.Status.Terminal() {
			return 1
		}
		return 0
	}
	return float64(CompletedSteps(run)) / float64(run.TotalSteps)
}
