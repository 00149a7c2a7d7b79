package model

import "time"

// APIResponse is the standard success envelope.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeUnavailable   = "UNAVAILABLE"
)

// StartPipelineResponse is the response for POST /v1/projects/{project_id}/pipeline.
type StartPipelineResponse struct {
	PipelineID string    `json:"pipelineId"`
	ProjectID  string    `json:"projectId"`
	TotalSteps int       `json:"totalSteps"`
	StartedAt  time.Time `json:"startedAt"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	Postgres   string `json:"postgres"`
	SSEBroker  string `json:"sse_broker"`
	ActiveRuns int    `json:"active_runs"`
	Uptime     int64  `json:"uptime_seconds"`
}
