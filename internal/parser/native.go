package parser

import (
	"encoding/json"
	"fmt"

	"github.com/droverhq/drover/internal/domain"
	"github.com/droverhq/drover/internal/domain/run"
)

// Native validates provider-structured calls as a pass-through: every call
// needs a name and JSON arguments, and ids must be unique. Calls without a
// provider id get one assigned in encounter order.
func Native(calls []run.ToolCall) ([]run.ToolCall, error) {
	out := make([]run.ToolCall, 0, len(calls))
	seen := make(map[string]bool, len(calls))
	for i, c := range calls {
		if c.Name == "" {
			return nil, fmt.Errorf("call %d has no tool name: %w", i, domain.ErrParsing)
		}
		if !validToolName.MatchString(c.Name) {
			return nil, fmt.Errorf("call %d has invalid tool name %q: %w", i, c.Name, domain.ErrParsing)
		}
		if len(c.Input) == 0 {
			return nil, fmt.Errorf("call %d (%s) has no arguments: %w", i, c.Name, domain.ErrParsing)
		}
		if !json.Valid(c.Input) {
			return nil, fmt.Errorf("call %d (%s) has malformed arguments: %w", i, c.Name, domain.ErrParsing)
		}
		if c.ID == "" {
			c.ID = fmt.Sprintf("call_%d", i)
		}
		if seen[c.ID] {
			return nil, fmt.Errorf("duplicate tool_id %q: %w", c.ID, domain.ErrParsing)
		}
		seen[c.ID] = true
		out = append(out, c)
	}
	return out, nil
}
