// Package event defines the run lifecycle events emitted by the engine.
package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of run event.
type Type string

const (
	TypeRunStarted  Type = "run.started"
	TypeRunPlanned  Type = "run.planned"
	TypeToolCalled  Type = "run.tool_called"
	TypeToolResult  Type = "run.tool_result"
	TypeRunFinished Type = "run.finished"
	TypeRunFailed   Type = "run.failed"
)

// Event is a single entry in a run's outward progress stream. Emission is
// best effort everywhere: a slow or absent consumer never stalls the loop.
type Event struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	AgentName string          `json:"agent_name"`
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// RunStartedPayload accompanies TypeRunStarted.
type RunStartedPayload struct {
	Task      string `json:"task"`
	SessionID string `json:"session_id,omitempty"`
}

// PlannedPayload accompanies TypeRunPlanned.
type PlannedPayload struct {
	Iteration int `json:"iteration"`
	ToolCalls int `json:"tool_calls"`
}

// ToolCalledPayload accompanies TypeToolCalled.
type ToolCalledPayload struct {
	Iteration int    `json:"iteration"`
	ToolID    string `json:"tool_id"`
	Tool      string `json:"tool"`
}

// ToolResultPayload accompanies TypeToolResult.
type ToolResultPayload struct {
	Iteration int    `json:"iteration"`
	ToolID    string `json:"tool_id"`
	Tool      string `json:"tool"`
	IsError   bool   `json:"is_error,omitempty"`
	Preview   string `json:"preview,omitempty"`
}

// RunFinishedPayload accompanies TypeRunFinished.
type RunFinishedPayload struct {
	Iterations int    `json:"iterations"`
	Output     string `json:"output,omitempty"`
}

// RunFailedPayload accompanies TypeRunFailed.
type RunFailedPayload struct {
	Iterations int    `json:"iterations"`
	Error      string `json:"error"`
}

// New builds an Event with the payload marshaled in place. A payload that
// fails to marshal degrades to an empty payload; emission never errors.
func New(runID, agentName string, typ Type, payload any) Event {
	ev := Event{
		ID:        uuid.NewString(),
		RunID:     runID,
		AgentName: agentName,
		Type:      typ,
		CreatedAt: time.Now().UTC(),
	}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			ev.Payload = data
		}
	}
	return ev
}
