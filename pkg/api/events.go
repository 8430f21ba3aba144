package api

import "time"

// Emitter event names.
const (
	EventWatch         = "watch"
	EventWatchV2       = "watch-v2"
	EventNestedWatch   = "nested-watch"
	EventNestedWatchV2 = "nested-watch-v2"

	// UserEventPrefix prefixes events delivered by Run.SendEvent.
	UserEventPrefix = "user-event-"
)

// Chunk types carried by watch-v2 events.
const (
	ChunkWorkflowStart     = "workflow-start"
	ChunkWorkflowFinish    = "workflow-finish"
	ChunkStepStart         = "workflow-step-start"
	ChunkStepResult        = "workflow-step-result"
	ChunkStepSuspended     = "workflow-step-suspended"
	ChunkStepWaiting       = "workflow-step-waiting"
	ChunkAgentCallStart    = "workflow-agent-call-start"
	ChunkAgentCallFinish   = "workflow-agent-call-finish"
	ChunkTextDelta         = "text-delta"
	ChunkToolCallStreaming = "tool-call-streaming-start"
	ChunkToolCallDelta     = "tool-call-delta"
)

// ChunkFromWorkflow is the default origin of streamVNext chunks.
const ChunkFromWorkflow = "WORKFLOW"

// Emitter is the event bus a run hands to its execution engine. Listeners
// are called synchronously in emission order; On and Once return a function
// that removes the listener.
type Emitter interface {
	Emit(event string, data any)
	On(event string, fn func(data any)) (off func())
	Once(event string, fn func(data any)) (off func())
}

// WatchEvent is the payload of watch and watch-v2 events. For watch events
// Payload holds {currentStep, workflowState}; for watch-v2 events it holds
// the chunk fields.
type WatchEvent struct {
	Type           string         `json:"type"`
	From           string         `json:"from,omitempty"`
	RunID          string         `json:"runId,omitempty"`
	Payload        map[string]any `json:"payload"`
	EventTimestamp int64          `json:"eventTimestamp,omitempty"`
}

// NestedEvent wraps an event forwarded from a nested workflow run.
type NestedEvent struct {
	Event      WatchEvent
	WorkflowID string
	RunID      string
	IsResume   bool
}

// EventRecord is one entry of a run's ordered event log.
type EventRecord struct {
	ID         string         `json:"id"`
	WorkflowID string         `json:"workflowId"`
	RunID      string         `json:"runId"`
	Seq        uint64         `json:"seq"`
	Type       string         `json:"type"`
	Payload    map[string]any `json:"payload,omitempty"`
	At         time.Time      `json:"at"`
}
