// Package model defines the core domain types for aoipipe.
//
// Types mirror the database rows and the event payloads broadcast to
// clients. Field names in JSON use camelCase to match the web client.
package model

import "time"

// PipelineStatus is the lifecycle state of one pipeline run.
type PipelineStatus string

const (
	// PipelineStatusIdle is only used by consumers before any run is known.
	PipelineStatusIdle           PipelineStatus = "idle"
	PipelineStatusRunning        PipelineStatus = "running"
	PipelineStatusSuccess        PipelineStatus = "success"
	PipelineStatusFailed         PipelineStatus = "failed"
	PipelineStatusPartialFailure PipelineStatus = "partial_failure"
)

// Terminal reports whether s is a final status.
func (s PipelineStatus) Terminal() bool {
	switch s {
	case PipelineStatusSuccess, PipelineStatusFailed, PipelineStatusPartialFailure:
		return true
	default:
		return false
	}
}

// StageStatus is the outcome of a single stage.
type StageStatus string

const (
	StageStatusPending StageStatus = "pending"
	StageStatusSuccess StageStatus = "success"
	StageStatusFailed  StageStatus = "failed"
)

// StageResult is the outcome of one stage within a run.
// Step is 1-based. TotalSteps duplicates the run's total so each stage event
// can be consumed without the run.
type StageResult struct {
	StageKey   string      `json:"stageKey"`
	Label      string      `json:"label"`
	Status     StageStatus `json:"status"`
	Step       int         `json:"step"`
	TotalSteps int         `json:"totalSteps"`
	Timestamp  *time.Time  `json:"timestamp,omitempty"`
}

// Summary counts stage outcomes at completion.
type Summary struct {
	TotalSteps int `json:"totalSteps"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
}

// PipelineRun is one execution of the staged job for one project.
type PipelineRun struct {
	PipelineID  string         `json:"pipelineId"`
	ProjectID   string         `json:"projectId"`
	TotalSteps  int            `json:"totalSteps"`
	Status      PipelineStatus `json:"status"`
	StartedAt   time.Time      `json:"startedAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	Stages      []StageResult  `json:"stages"`
	Summary     *Summary       `json:"summary,omitempty"`
}

// OverallStatus derives the terminal status of a run from its stage counts:
// success when nothing failed, failed when nothing succeeded, and
// partial_failure otherwise. A run with no stages is a success.
func OverallStatus(succeeded, failed int) PipelineStatus {
	switch {
	case failed == 0:
		return PipelineStatusSuccess
	case succeeded == 0:
		return PipelineStatusFailed
	default:
		return PipelineStatusPartialFailure
	}
}

// Summarize counts succeeded and failed stages.
func Summarize(stages []StageResult) Summary {
	s := Summary{TotalSteps: len(stages)}
	for _, st := range stages {
		switch st.Status {
		case StageStatusSuccess:
			s.Succeeded++
		case StageStatusFailed:
			s.Failed++
		}
	}
	return s
}
