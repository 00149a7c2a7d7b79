package aoipipe

import "github.com/ashita-ai/aoipipe/internal/model"

// Wire types shared with the server.
type (
	Event             = model.Event
	EventName         = model.EventName
	PipelineStarted   = model.PipelineStarted
	PipelineStage     = model.PipelineStage
	PipelineCompleted = model.PipelineCompleted
	PipelineRun       = model.PipelineRun
	PipelineStatus    = model.PipelineStatus
	StageResult       = model.StageResult
	StageStatus       = model.StageStatus
	Summary           = model.Summary
	StartResponse     = model.StartPipelineResponse
	HealthResponse    = model.HealthResponse
)

// Pipeline statuses.
const (
	StatusIdle           = model.PipelineStatusIdle
	StatusRunning        = model.PipelineStatusRunning
	StatusSuccess        = model.PipelineStatusSuccess
	StatusFailed         = model.PipelineStatusFailed
	StatusPartialFailure = model.PipelineStatusPartialFailure
)

// SubscribeOptions narrows an event subscription.
type SubscribeOptions struct {
	// ProjectID limits the stream to one project. Empty receives every project.
	ProjectID string
}
