package tracker

import (
	"sync"

	"github.com/ashita-ai/aoipipe/internal/model"
)

// Store owns a State and serializes every Dispatch through Reduce.
// Listeners run synchronously on the dispatching goroutine, one Dispatch at
// a time, so they observe states in the order they were produced. State and
// Run stay available to listeners; Dispatch from a listener deadlocks.
type Store struct {
	notifyMu   sync.Mutex // held from reduce until listeners return
	mu         sync.Mutex
	state      State
	onChange   []func(State)
	onComplete []func(model.PipelineRun)
}

// NewStore returns a Store with empty state.
func NewStore() *Store {
	return &Store{state: State{}}
}

// OnChange registers fn to receive the new State after every change.
func (s *Store) OnChange(fn func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// OnComplete registers fn to be called once for each tracked run when its
// PipelineCompleted event is applied.
func (s *Store) OnComplete(fn func(model.PipelineRun)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onComplete = append(s.onComplete, fn)
}

// Dispatch applies action and reports whether the state changed.
func (s *Store) Dispatch(action Action) bool {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	next, changed := reduce(s.state, action)
	s.state = next

	var finished *model.PipelineRun
	if changed {
		if projectID, ok := completedProject(action); ok {
			if run, ok := next[projectID]; ok && run.Status.Terminal() {
				finished = &run
			}
		}
	}
	changeFns := append([]func(State){}, s.onChange...)
	completeFns := append([]func(model.PipelineRun){}, s.onComplete...)
	s.mu.Unlock()

	if !changed {
		return false
	}
	for _, fn := range changeFns {
		fn(next)
	}
	if finished != nil {
		for _, fn := range completeFns {
			fn(*finished)
		}
	}
	return true
}

// State returns the current state. Callers must not modify it.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run returns the tracked run for projectID; see Lookup.
func (s *Store) Run(projectID string) (model.PipelineRun, bool) {
	return Lookup(s.State(), projectID)
}

func completedProject(action Action) (string, bool) {
	switch a := action.(type) {
	case model.PipelineCompleted:
		return a.ProjectID, true
	case *model.PipelineCompleted:
		if a != nil {
			return a.ProjectID, true
		}
	}
	return "", false
}
