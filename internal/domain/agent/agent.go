// Package agent defines agent definitions and the unit of work they execute.
package agent

import (
	"fmt"
	"time"

	"github.com/droverhq/drover/internal/domain"
)

// ToolFormat selects the wire shape tool calls take in model output.
type ToolFormat string

const (
	FormatNative ToolFormat = "native" // structured calls from the provider layer
	FormatXML    ToolFormat = "xml"    // inline <tool_call> elements in the text stream
	FormatJSON   ToolFormat = "json"   // inline JSON objects in the text stream
)

// validToolFormats enumerates all valid tool-call formats.
var validToolFormats = map[ToolFormat]bool{
	FormatNative: true,
	FormatXML:    true,
	FormatJSON:   true,
}

// PlannerKind selects the planning strategy an agent runs with.
type PlannerKind string

const (
	PlannerSimple  PlannerKind = "simple"
	PlannerCode    PlannerKind = "code"
	PlannerUnified PlannerKind = "unified"
)

// validPlanners enumerates all valid planner kinds.
var validPlanners = map[PlannerKind]bool{
	PlannerSimple:  true,
	PlannerCode:    true,
	PlannerUnified: true,
}

// ModelSettings carries the model id and sampling parameters for an agent.
type ModelSettings struct {
	Model       string     `json:"model" yaml:"model"`
	Temperature float64    `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens   int        `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	ToolFormat  ToolFormat `json:"tool_format,omitempty" yaml:"tool_format,omitempty"`
}

// RecurringPlan schedules periodic unattended runs of an agent.
type RecurringPlan struct {
	Task          string        `json:"task" yaml:"task"`
	Interval      time.Duration `json:"interval" yaml:"interval"`
	MaxIterations int           `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
}

// Definition is the immutable configuration of a named agent: prompt, model
// settings, callable tools, and iteration budget. Registered once, then read
// concurrently for the process lifetime.
type Definition struct {
	Name          string         `json:"name" yaml:"name"`
	Description   string         `json:"description,omitempty" yaml:"description,omitempty"`
	SystemPrompt  string         `json:"system_prompt" yaml:"system_prompt"`
	Planner       PlannerKind    `json:"planner,omitempty" yaml:"planner,omitempty"`
	Model         ModelSettings  `json:"model" yaml:"model"`
	Tools         []string       `json:"tools,omitempty" yaml:"tools,omitempty"`
	MaxIterations int            `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
	Plan          *RecurringPlan `json:"plan,omitempty" yaml:"plan,omitempty"`
	RegisteredAt  time.Time      `json:"registered_at" yaml:"-"`
}

// Validate checks that a Definition has all required fields and valid values.
// A zero MaxIterations means the engine default applies.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("name is required: %w", domain.ErrValidation)
	}
	if d.MaxIterations < 0 {
		return fmt.Errorf("max_iterations must be positive when set: %w", domain.ErrValidation)
	}
	if d.Planner != "" && !validPlanners[d.Planner] {
		return fmt.Errorf("invalid planner %q: %w", d.Planner, domain.ErrValidation)
	}
	if d.Model.ToolFormat != "" && !validToolFormats[d.Model.ToolFormat] {
		return fmt.Errorf("invalid tool_format %q: %w", d.Model.ToolFormat, domain.ErrValidation)
	}
	if d.Model.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must be non-negative: %w", domain.ErrValidation)
	}
	if d.Plan != nil {
		if d.Plan.Interval <= 0 {
			return fmt.Errorf("plan interval must be positive: %w", domain.ErrValidation)
		}
		if d.Plan.MaxIterations < 0 {
			return fmt.Errorf("plan max_iterations must be positive when set: %w", domain.ErrValidation)
		}
	}
	return nil
}

// Clone returns a deep copy so registry readers never share mutable state
// with the stored definition.
func (d *Definition) Clone() Definition {
	out := *d
	if d.Tools != nil {
		out.Tools = make([]string, len(d.Tools))
		copy(out.Tools, d.Tools)
	}
	if d.Plan != nil {
		plan := *d.Plan
		out.Plan = &plan
	}
	return out
}

// TaskStep is the unit of work submitted to an agent.
type TaskStep struct {
	Description string   `json:"description"`
	Images      []string `json:"images,omitempty"` // data URLs or https references
}

// Validate checks that a TaskStep has a description.
func (t *TaskStep) Validate() error {
	if t.Description == "" {
		return fmt.Errorf("description is required: %w", domain.ErrValidation)
	}
	return nil
}

// ListFilter narrows and paginates agent listings.
type ListFilter struct {
	Prefix string `json:"prefix,omitempty"`
	Cursor string `json:"cursor,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// Page is one window of a name-ordered agent listing.
type Page struct {
	Agents     []Definition `json:"agents"`
	NextCursor string       `json:"next_cursor,omitempty"`
}
