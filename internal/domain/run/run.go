// Package run defines the per-invocation execution state of an agent run.
package run

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/droverhq/drover/internal/domain/event"
	"github.com/droverhq/drover/internal/domain/mcp"
)

// Status represents the lifecycle state of one loop invocation.
type Status string

const (
	StatusInit      Status = "init"
	StatusPlanning  Status = "planning"
	StatusDispatch  Status = "tool_dispatch"
	StatusFinishing Status = "finishing"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
)

// validTransitions maps each status to its legal successors. Failed is
// additionally reachable from every non-terminal state.
var validTransitions = map[Status][]Status{
	StatusInit:      {StatusPlanning},
	StatusPlanning:  {StatusDispatch, StatusFinishing},
	StatusDispatch:  {StatusPlanning, StatusFinishing},
	StatusFinishing: {StatusDone},
}

// CanTransition reports whether from → to is a legal status change.
func CanTransition(from, to Status) bool {
	if to == StatusFailed {
		return from != StatusDone && from != StatusFailed
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Observation is one append-only entry in an invocation's step log.
type Observation struct {
	Iteration int       `json:"iteration"`
	Source    string    `json:"source"` // tool name, "planner", or "model"
	Content   string    `json:"content"`
	IsError   bool      `json:"is_error,omitempty"`
	At        time.Time `json:"at"`
}

// ContextParams holds the construction parameters for an ExecutorContext.
type ContextParams struct {
	AgentName string
	RunID     string
	SessionID string
	TaskID    string
	ThreadID  string
	UserID    string
	Tools     []mcp.ServerTool
	Events    chan<- event.Event
	Verbose   bool
}

// ExecutorContext carries the identity and shared state of one invocation.
// Identity fields and the tool catalogue are fixed at construction; the only
// mutable state is the atomic completed flag and the guarded observation
// log, so hooks and diagnostics can read concurrently with the loop.
type ExecutorContext struct {
	AgentName string
	RunID     string
	SessionID string
	TaskID    string
	ThreadID  string
	UserID    string

	Tools   []mcp.ServerTool
	Verbose bool

	events        chan<- event.Event
	droppedEvents atomic.Int64

	completed atomic.Bool

	obsMu        sync.Mutex
	observations []Observation
}

// NewExecutorContext builds the per-invocation context. Every execute call
// gets its own; contexts are never shared across invocations.
func NewExecutorContext(p ContextParams) *ExecutorContext {
	return &ExecutorContext{
		AgentName: p.AgentName,
		RunID:     p.RunID,
		SessionID: p.SessionID,
		TaskID:    p.TaskID,
		ThreadID:  p.ThreadID,
		UserID:    p.UserID,
		Tools:     p.Tools,
		Verbose:   p.Verbose,
		events:    p.Events,
	}
}

// Emit sends an event without ever blocking the loop. When the channel is
// full or absent the event is dropped and counted.
func (c *ExecutorContext) Emit(ev event.Event) {
	if c.events == nil {
		c.droppedEvents.Add(1)
		return
	}
	select {
	case c.events <- ev:
	default:
		c.droppedEvents.Add(1)
	}
}

// DroppedEvents returns how many events were discarded due to backpressure.
func (c *ExecutorContext) DroppedEvents() int64 {
	return c.droppedEvents.Load()
}

// Complete marks the invocation finished. Returns false if it already was.
func (c *ExecutorContext) Complete() bool {
	return c.completed.CompareAndSwap(false, true)
}

// Completed reports whether the invocation has finished.
func (c *ExecutorContext) Completed() bool {
	return c.completed.Load()
}

// Observe appends one entry to the observation log.
func (c *ExecutorContext) Observe(obs Observation) {
	if obs.At.IsZero() {
		obs.At = time.Now().UTC()
	}
	c.obsMu.Lock()
	c.observations = append(c.observations, obs)
	c.obsMu.Unlock()
}

// Observations returns a snapshot copy of the log.
func (c *ExecutorContext) Observations() []Observation {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	out := make([]Observation, len(c.observations))
	copy(out, c.observations)
	return out
}

// Record is the coordinator's bookkeeping row for one invocation, retained
// after completion so callers can poll outcome and diagnostics.
type Record struct {
	RunID        string        `json:"run_id"`
	AgentName    string        `json:"agent_name"`
	Status       Status        `json:"status"`
	Task         string        `json:"task"`
	Output       string        `json:"output,omitempty"`
	Error        string        `json:"error,omitempty"`
	Iterations   int           `json:"iterations"`
	Observations []Observation `json:"observations,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
}
