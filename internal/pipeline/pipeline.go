// Package pipeline runs the AOI geoprocessing stages for a project and
// broadcasts progress events while it does so.
//
// A run is started with Runner.Start, which validates the project, emits
// PipelineStarted and returns immediately. Stages then execute one after
// another on a background goroutine. A failing stage is recorded and
// reported but never aborts the run; the overall status is derived from the
// stage counts once the last stage has concluded.
package pipeline

import (
	"context"
	"errors"

	"github.com/ashita-ai/aoipipe/internal/model"
)

var (
	// ErrProjectNotFound is returned by Start when the project does not exist.
	ErrProjectNotFound = errors.New("pipeline: project not found")

	// ErrInvalidProjectID is returned by Start for an empty project ID.
	ErrInvalidProjectID = errors.New("pipeline: project id is required")

	// ErrMissingHandler is returned when a declared stage has no handler.
	ErrMissingHandler = errors.New("pipeline: stage has no handler")

	// ErrInjectedFailure marks a stage forced to fail by FailureInjection.
	ErrInjectedFailure = errors.New("pipeline: injected failure")
)

// StageHandler performs the work of one stage for a project. It signals
// failure only by returning an error.
type StageHandler func(ctx context.Context, projectID string) error

// Stage is one declared unit of work.
type Stage struct {
	Key     string
	Label   string
	Handler StageHandler
}

// Emitter receives progress events. Implementations broadcast without
// waiting for listeners and must be safe for concurrent use.
type Emitter interface {
	Emit(ctx context.Context, ev model.Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, ev model.Event)

// Emit calls f(ctx, ev).
func (f EmitterFunc) Emit(ctx context.Context, ev model.Event) { f(ctx, ev) }

// Emitters fans each event out to every non-nil emitter, in order.
func Emitters(emitters ...Emitter) Emitter {
	list := make([]Emitter, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			list = append(list, e)
		}
	}
	return multiEmitter(list)
}

type multiEmitter []Emitter

func (m multiEmitter) Emit(ctx context.Context, ev model.Event) {
	for _, e := range m {
		e.Emit(ctx, ev)
	}
}

// ProjectFinder looks projects up by ID. A nil project with a nil error
// means the project does not exist.
type ProjectFinder interface {
	FindProject(ctx context.Context, projectID string) (*model.Project, error)
}

// FailureInjection forces one stage to fail regardless of its handler's
// outcome. Used to exercise the partial-failure path.
type FailureInjection struct {
	Enabled  bool
	StageKey string
}

func (f FailureInjection) matches(stageKey string) bool {
	return f.Enabled && f.StageKey != "" && f.StageKey == stageKey
}
