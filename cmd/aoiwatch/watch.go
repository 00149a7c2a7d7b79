package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/ashita-ai/aoipipe/internal/model"
	"github.com/ashita-ai/aoipipe/internal/tracker"
	"github.com/ashita-ai/aoipipe/sdk/go/aoipipe"
)

// errDone stops the subscription once the followed run has completed.
var errDone = errors.New("run completed")

// watcher prints events as they arrive and folds them into a tracker.Store.
// All methods run on the subscription goroutine.
type watcher struct {
	out     io.Writer
	project string
	store   *tracker.Store

	target string // pipeline ID to follow; empty follows the first run that completes
	final  *model.PipelineRun
}

func newWatcher(out io.Writer, project string) *watcher {
	w := &watcher{out: out, project: project, store: tracker.NewStore()}
	w.store.OnComplete(func(run model.PipelineRun) {
		if w.project == "" || run.ProjectID != w.project {
			return
		}
		if w.target != "" && run.PipelineID != w.target {
			return
		}
		w.final = &run
	})
	return w
}

// follow restricts completion to the run with pipelineID.
func (w *watcher) follow(pipelineID string) {
	w.target = pipelineID
}

func (w *watcher) handle(ev aoipipe.Event) error {
	if !w.store.Dispatch(ev) {
		return nil
	}
	switch e := ev.(type) {
	case model.PipelineStarted:
		w.printf("%s project %s: pipeline %s started (%d steps)\n",
			e.StartedAt.Format("15:04:05"), e.ProjectID, e.PipelineID, e.TotalSteps)
	case model.PipelineStage:
		run, _ := w.store.Run(e.ProjectID)
		w.printf("%s project %s: [%d/%d] %-40s %s (%3.0f%%)\n",
			e.Timestamp.Format("15:04:05"), e.ProjectID, e.Step, e.TotalSteps,
			e.Label, e.Status, tracker.Progress(run)*100)
	case model.PipelineCompleted:
		w.printf("%s project %s: pipeline %s %s, %d succeeded, %d failed\n",
			e.CompletedAt.Format("15:04:05"), e.ProjectID, e.PipelineID,
			e.Status, e.Summary.Succeeded, e.Summary.Failed)
	}
	if w.final != nil {
		return errDone
	}
	return nil
}

// exitCode maps the followed run's status to a process exit code.
func (w *watcher) exitCode() int {
	if w.final == nil {
		return 1
	}
	switch w.final.Status {
	case model.PipelineStatusSuccess:
		return 0
	case model.PipelineStatusPartialFailure:
		return 2
	default:
		return 1
	}
}

func (w *watcher) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(w.out, format, args...)
}
