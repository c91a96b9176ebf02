// Package hook defines the lifecycle hook contract: the points the loop
// exposes, the identity context a dispatch carries, and the mutations hooks
// hand back.
package hook

import (
	"encoding/json"
	"time"
)

// Kind identifies a lifecycle point hooks attach to.
type Kind string

const (
	KindPlanStart       Kind = "plan_start"
	KindBeforeLLMStep   Kind = "before_llm_step"
	KindBeforeToolCalls Kind = "before_tool_calls"
	KindAfterToolCalls  Kind = "after_tool_calls"
	KindAfterFinish     Kind = "after_finish"
	KindPlanEnd         Kind = "plan_end"
)

// validKinds enumerates all lifecycle points.
var validKinds = map[Kind]bool{
	KindPlanStart:       true,
	KindBeforeLLMStep:   true,
	KindBeforeToolCalls: true,
	KindAfterToolCalls:  true,
	KindAfterFinish:     true,
	KindPlanEnd:         true,
}

// Valid reports whether k names a known lifecycle point.
func (k Kind) Valid() bool {
	return validKinds[k]
}

// Context is the identity a hook dispatch carries: which agent, session,
// task and run the lifecycle point belongs to, plus the acting user.
type Context struct {
	AgentName string `json:"agent_name"`
	SessionID string `json:"session_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	RunID     string `json:"run_id"`
	UserID    string `json:"user_id,omitempty"`
}

// Well-known dynamic value keys the loop writes before dispatch and reads
// back afterwards. Hooks rewrite loop state by returning these keys in a
// mutation; any other key is carried across lifecycle points untouched.
const (
	KeyMessages      = "messages"       // outgoing conversation messages
	KeyToolCalls     = "tool_calls"     // the pending batch
	KeyToolResponses = "tool_responses" // collected responses (informational)
	KeyFinalText     = "final_text"     // the final answer text
)

// Mutation is what a hook may return: values to overwrite in the running
// dynamic set. Only the keys named here change; absent keys keep their
// prior values.
type Mutation struct {
	DynamicValues map[string]any `json:"dynamic_values,omitempty"`
}

// Merge applies m on top of dst, last writer wins per explicit key. A nil
// or empty mutation changes nothing.
func Merge(dst map[string]any, m *Mutation) map[string]any {
	if m == nil || len(m.DynamicValues) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]any, len(m.DynamicValues))
	}
	for k, v := range m.DynamicValues {
		dst[k] = v
	}
	return dst
}

// Payload is the loop state offered to hooks at one lifecycle point. State
// travels inside DynamicValues under the well-known keys so in-process and
// remote hooks mutate it the same way.
type Payload struct {
	Kind          Kind           `json:"kind"`
	Iteration     int            `json:"iteration"`
	DynamicValues map[string]any `json:"dynamic_values,omitempty"`
}

// DecodeValue extracts dyn[key] as T, tolerating both in-process typed
// values and the JSON-decoded forms remote hooks return.
func DecodeValue[T any](dyn map[string]any, key string) (T, bool) {
	var zero T
	v, ok := dyn[key]
	if !ok || v == nil {
		return zero, false
	}
	if typed, ok := v.(T); ok {
		return typed, true
	}
	data, err := json.Marshal(v)
	if err != nil {
		return zero, false
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return zero, false
	}
	return out, true
}

// RemoteSpec describes an inline remote hook reached over request/reply
// messaging. Expiry of the timeout counts as no mutation, never an error.
type RemoteSpec struct {
	Subject   string `json:"subject" yaml:"subject"`
	TimeoutMS int    `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
}

// Timeout returns the configured wait, or zero when unset so the registry
// default applies.
func (r *RemoteSpec) Timeout() time.Duration {
	if r.TimeoutMS <= 0 {
		return 0
	}
	return time.Duration(r.TimeoutMS) * time.Millisecond
}

// RemoteRequest is the wire form sent to a remote hook subject.
type RemoteRequest struct {
	Context Context `json:"context"`
	Payload Payload `json:"payload"`
}

// RemoteReply is the wire form a remote hook answers with.
type RemoteReply struct {
	Mutation *Mutation `json:"mutation,omitempty"`
}
