package queue

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/droverhq/drover/internal/domain/event"
	"github.com/droverhq/drover/internal/domain/hook"
)

// Validate checks whether data is valid JSON conforming to the schema
// associated with the given subject. Unknown subjects pass validation
// (future-proof for new message types).
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}

	// Map subject to payload struct for structural validation.
	var target any
	switch {
	case strings.HasPrefix(subject, SubjectEventPrefix+"."):
		target = &event.Event{}
	case strings.HasPrefix(subject, SubjectHookPrefix+"."):
		target = &hook.RemoteRequest{}
	case subject == SubjectRunSubmit:
		target = &SubmitPayload{}
	default:
		return nil
	}

	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("schema validation failed for %s: %w", subject, err)
	}
	return nil
}

// SubmitPayload is the schema for drover.runs.submit messages.
type SubmitPayload struct {
	AgentName string `json:"agent_name"`
	Task      string `json:"task"`
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}
