package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventName identifies one kind of pipeline progress event on the wire.
type EventName string

const (
	EventPipelineStarted   EventName = "aoi:pipeline_started"
	EventPipelineStage     EventName = "aoi:pipeline_stage"
	EventPipelineCompleted EventName = "aoi:pipeline_completed"
)

// ErrUnknownEvent is returned by DecodeEvent for names it does not recognize.
var ErrUnknownEvent = errors.New("model: unknown event")

// Event is one of PipelineStarted, PipelineStage or PipelineCompleted.
// The interface is sealed; switch on the concrete type to handle it.
type Event interface {
	EventName() EventName
	// Run returns the project and pipeline the event belongs to.
	Run() (projectID, pipelineID string)
	pipelineEvent()
}

// PipelineStarted is emitted once per run, before any stage executes.
type PipelineStarted struct {
	PipelineID string    `json:"pipelineId"`
	ProjectID  string    `json:"projectId"`
	TotalSteps int       `json:"totalSteps"`
	StartedAt  time.Time `json:"startedAt"`
}

// PipelineStage is emitted immediately after each stage concludes.
type PipelineStage struct {
	PipelineID string      `json:"pipelineId"`
	ProjectID  string      `json:"projectId"`
	StageKey   string      `json:"stageKey"`
	Label      string      `json:"label"`
	Status     StageStatus `json:"status"`
	Step       int         `json:"step"`
	TotalSteps int         `json:"totalSteps"`
	Timestamp  time.Time   `json:"timestamp"`
}

// PipelineCompleted is emitted once after the final stage.
type PipelineCompleted struct {
	PipelineID  string         `json:"pipelineId"`
	ProjectID   string         `json:"projectId"`
	Status      PipelineStatus `json:"status"`
	Summary     Summary        `json:"summary"`
	CompletedAt time.Time      `json:"completedAt"`
}

func (PipelineStarted) EventName() EventName   { return EventPipelineStarted }
func (PipelineStage) EventName() EventName     { return EventPipelineStage }
func (PipelineCompleted) EventName() EventName { return EventPipelineCompleted }

func (e PipelineStarted) Run() (string, string)   { return e.ProjectID, e.PipelineID }
func (e PipelineStage) Run() (string, string)     { return e.ProjectID, e.PipelineID }
func (e PipelineCompleted) Run() (string, string) { return e.ProjectID, e.PipelineID }

func (PipelineStarted) pipelineEvent()   {}
func (PipelineStage) pipelineEvent()     {}
func (PipelineCompleted) pipelineEvent() {}

// Result returns the stage outcome carried by the event.
func (e PipelineStage) Result() StageResult {
	ts := e.Timestamp
	return StageResult{
		StageKey:   e.StageKey,
		Label:      e.Label,
		Status:     e.Status,
		Step:       e.Step,
		TotalSteps: e.TotalSteps,
		Timestamp:  &ts,
	}
}

// EncodeEvent serializes an event payload and returns its wire name.
func EncodeEvent(ev Event) (EventName, []byte, error) {
	if ev == nil {
		return "", nil, fmt.Errorf("model: encode event: nil event")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return "", nil, fmt.Errorf("model: encode %s: %w", ev.EventName(), err)
	}
	return ev.EventName(), data, nil
}

// DecodeEvent parses a payload according to its wire name.
func DecodeEvent(name string, data []byte) (Event, error) {
	switch EventName(name) {
	case EventPipelineStarted:
		var ev PipelineStarted
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("model: decode %s: %w", name, err)
		}
		return ev, nil
	case EventPipelineStage:
		var ev PipelineStage
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("model: decode %s: %w", name, err)
		}
		return ev, nil
	case EventPipelineCompleted:
		var ev PipelineCompleted
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("model: decode %s: %w", name, err)
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}
}

// Envelope wraps an event with its name so it can travel over channels that
// carry a single opaque payload, such as Postgres NOTIFY.
type Envelope struct {
	Event EventName       `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// MarshalEnvelope encodes ev inside an Envelope.
func MarshalEnvelope(ev Event) ([]byte, error) {
	name, data, err := EncodeEvent(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: name, Data: data})
}

// UnmarshalEnvelope decodes an Envelope and the event inside it.
func UnmarshalEnvelope(raw []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("model: decode envelope: %w", err)
	}
	return DecodeEvent(string(env.Event), env.Data)
}
