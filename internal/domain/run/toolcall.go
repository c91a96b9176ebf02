package run

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/droverhq/drover/internal/domain"
)

// ToolCall is one planned tool invocation. ID is the correlation key and
// must be unique within its batch.
type ToolCall struct {
	ID    string          `json:"tool_id"`
	Name  string          `json:"tool_name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResponse is the outcome of one ToolCall, correlated by ID. A failed
// call is flagged, never dropped, so the next planning step can observe it.
type ToolResponse struct {
	ID       string        `json:"tool_id"`
	Name     string        `json:"tool_name"`
	Content  string        `json:"content,omitempty"`
	IsError  bool          `json:"is_error,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// PlanStep is one ordered action within an iteration's plan.
type PlanStep struct {
	Index     int      `json:"index"`
	Rationale string   `json:"rationale,omitempty"` // narrative preceding the call
	Call      ToolCall `json:"call"`
}

// AgentPlan is the ordered batch of actions one planning pass produced.
type AgentPlan struct {
	Steps     []PlanStep `json:"steps"`
	Narrative string     `json:"narrative,omitempty"`
}

// Calls extracts the tool calls in step order.
func (p *AgentPlan) Calls() []ToolCall {
	out := make([]ToolCall, len(p.Steps))
	for i, s := range p.Steps {
		out[i] = s.Call
	}
	return out
}

// Validate checks batch invariants: at least one step, every call named,
// tool_id present and unique within the batch.
func (p *AgentPlan) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("plan has no steps: %w", domain.ErrValidation)
	}
	seen := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		if s.Call.Name == "" {
			return fmt.Errorf("step %d has no tool name: %w", s.Index, domain.ErrValidation)
		}
		if s.Call.ID == "" {
			return fmt.Errorf("step %d has no tool_id: %w", s.Index, domain.ErrValidation)
		}
		if seen[s.Call.ID] {
			return fmt.Errorf("duplicate tool_id %q in batch: %w", s.Call.ID, domain.ErrValidation)
		}
		seen[s.Call.ID] = true
	}
	return nil
}

// ExecutionResult is one planning outcome: either a final text or a plan.
type ExecutionResult struct {
	FinalText string     `json:"final_text,omitempty"`
	Plan      *AgentPlan `json:"plan,omitempty"`
	Iteration int        `json:"iteration"`
}

// IsFinish reports whether the result terminates the loop.
func (r *ExecutionResult) IsFinish() bool {
	return r.Plan == nil || len(r.Plan.Steps) == 0
}

// Finish builds a terminal result carrying the final text.
func Finish(text string, iteration int) *ExecutionResult {
	return &ExecutionResult{FinalText: text, Iteration: iteration}
}

// Continue builds a result carrying the next batch of tool calls.
func Continue(plan *AgentPlan, iteration int) *ExecutionResult {
	return &ExecutionResult{Plan: plan, Iteration: iteration}
}
