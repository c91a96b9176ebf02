// Package memory defines the conversation memory port (interface).
//
// A strategy is consulted twice per loop: once at invocation start to seed
// the conversation with prior context, and once after each tool-dispatch
// round to record what happened. Strategies may summarize internally to
// bound context growth; the loop never inspects how.
package memory

import (
	"context"
	"strings"

	"github.com/droverhq/drover/internal/domain/conversation"
	"github.com/droverhq/drover/internal/domain/run"
)

// Scope identifies whose memory is being read or written.
type Scope struct {
	AgentName string
	SessionID string
	UserID    string
}

// Key returns the storage key for this scope.
func (s Scope) Key() string {
	return strings.Join([]string{"memory", s.AgentName, s.UserID, s.SessionID}, "/")
}

// Step is one completed loop iteration handed to the strategy.
type Step struct {
	Iteration int
	Plan      run.AgentPlan
	Responses []run.ToolResponse
}

// Strategy is the port interface for conversation memory.
type Strategy interface {
	// Name returns the strategy identifier (e.g. "noop", "buffer").
	Name() string

	// Load returns prior messages to seed a new invocation. An empty
	// slice is a valid answer.
	Load(ctx context.Context, scope Scope) ([]conversation.Message, error)

	// StoreStep records the outcome of one tool-dispatch round.
	StoreStep(ctx context.Context, scope Scope, step Step) error
}
