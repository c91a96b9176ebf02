package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/droverhq/drover/internal/domain"
	"github.com/droverhq/drover/internal/domain/conversation"
	"github.com/droverhq/drover/internal/domain/run"
	"github.com/droverhq/drover/internal/port/memory"
	"github.com/droverhq/drover/internal/port/model"
)

// Memory strategy names accepted by NewMemoryStrategy.
const (
	MemoryNoop        = "noop"
	MemoryBuffer      = "buffer"
	MemorySummarizing = "summarizing"
)

// summarizeThreshold is how many stored messages a summarizing memory
// tolerates before compacting the oldest into a summary.
const summarizeThreshold = 40

// summarizeKeepTail is how many recent messages survive a compaction
// verbatim.
const summarizeKeepTail = 10

// NewMemoryStrategy builds a memory strategy by name. The model is only
// required for the summarizing strategy.
func NewMemoryStrategy(name string, m model.Model) (memory.Strategy, error) {
	switch name {
	case "", MemoryNoop:
		return NoopMemory{}, nil
	case MemoryBuffer:
		return NewBufferMemory(), nil
	case MemorySummarizing:
		if m == nil {
			return nil, fmt.Errorf("summarizing memory needs a model: %w", domain.ErrValidation)
		}
		return NewSummarizingMemory(m, summarizeThreshold, summarizeKeepTail), nil
	default:
		return nil, fmt.Errorf("unknown memory strategy %q: %w", name, domain.ErrValidation)
	}
}

// NoopMemory is the default when no strategy is configured: loads nothing,
// stores nothing.
type NoopMemory struct{}

// Name returns "noop".
func (NoopMemory) Name() string { return MemoryNoop }

// Load returns no prior messages.
func (NoopMemory) Load(context.Context, memory.Scope) ([]conversation.Message, error) {
	return nil, nil
}

// StoreStep discards the step.
func (NoopMemory) StoreStep(context.Context, memory.Scope, memory.Step) error {
	return nil
}

// BufferMemory keeps the full per-scope transcript in memory. Scopes are
// independent: concurrent invocations under different sessions never see
// each other's steps.
type BufferMemory struct {
	mu          sync.RWMutex
	transcripts map[string][]conversation.Message
}

// NewBufferMemory creates an empty BufferMemory.
func NewBufferMemory() *BufferMemory {
	return &BufferMemory{transcripts: make(map[string][]conversation.Message)}
}

// Name returns "buffer".
func (b *BufferMemory) Name() string { return MemoryBuffer }

// Load returns a copy of the scope's transcript.
func (b *BufferMemory) Load(_ context.Context, scope memory.Scope) ([]conversation.Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return conversation.Clone(b.transcripts[scope.Key()]), nil
}

// StoreStep appends the step's assistant turn and tool results to the
// scope's transcript.
func (b *BufferMemory) StoreStep(_ context.Context, scope memory.Scope, step memory.Step) error {
	msgs := stepMessages(step)
	b.mu.Lock()
	key := scope.Key()
	b.transcripts[key] = append(b.transcripts[key], msgs...)
	b.mu.Unlock()
	return nil
}

// replace swaps a scope's transcript wholesale. Used by the summarizing
// wrapper after compaction.
func (b *BufferMemory) replace(scope memory.Scope, msgs []conversation.Message) {
	b.mu.Lock()
	b.transcripts[scope.Key()] = msgs
	b.mu.Unlock()
}

// size returns the current transcript length for a scope.
func (b *BufferMemory) size(scope memory.Scope) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.transcripts[scope.Key()])
}

// SummarizingMemory buffers like BufferMemory but bounds context growth:
// once a scope's transcript exceeds the threshold, everything but the most
// recent messages is compacted into a single model-written summary.
type SummarizingMemory struct {
	buffer    *BufferMemory
	model     model.Model
	threshold int
	keepTail  int
}

// NewSummarizingMemory creates a summarizing memory over a fresh buffer.
func NewSummarizingMemory(m model.Model, threshold, keepTail int) *SummarizingMemory {
	if threshold < 2 {
		threshold = 2
	}
	if keepTail < 1 || keepTail >= threshold {
		keepTail = threshold / 2
	}
	return &SummarizingMemory{
		buffer:    NewBufferMemory(),
		model:     m,
		threshold: threshold,
		keepTail:  keepTail,
	}
}

// Name returns "summarizing".
func (s *SummarizingMemory) Name() string { return MemorySummarizing }

// Load returns the scope's transcript, summary head included.
func (s *SummarizingMemory) Load(ctx context.Context, scope memory.Scope) ([]conversation.Message, error) {
	return s.buffer.Load(ctx, scope)
}

// StoreStep appends the step and compacts the transcript when it has grown
// past the threshold. A failed compaction keeps the uncompacted transcript;
// the next store retries.
func (s *SummarizingMemory) StoreStep(ctx context.Context, scope memory.Scope, step memory.Step) error {
	if err := s.buffer.StoreStep(ctx, scope, step); err != nil {
		return err
	}
	if s.buffer.size(scope) <= s.threshold {
		return nil
	}
	return s.compact(ctx, scope)
}

// compact replaces the transcript head with a model-written summary,
// keeping the most recent messages verbatim.
func (s *SummarizingMemory) compact(ctx context.Context, scope memory.Scope) error {
	msgs, err := s.buffer.Load(ctx, scope)
	if err != nil {
		return err
	}
	if len(msgs) <= s.keepTail {
		return nil
	}
	head := msgs[:len(msgs)-s.keepTail]
	tail := msgs[len(msgs)-s.keepTail:]

	var b strings.Builder
	b.WriteString("Summarize the following agent conversation steps into a compact factual digest. Keep tool names, key results, and decisions; drop filler.\n\n")
	for _, m := range head {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}

	resp, err := model.Complete(ctx, s.model, model.Request{
		Messages: []conversation.Message{conversation.User(b.String())},
	})
	if err != nil {
		return fmt.Errorf("summarize memory: %w", err)
	}

	compacted := make([]conversation.Message, 0, len(tail)+1)
	compacted = append(compacted, conversation.Assistant("Summary of earlier steps: "+resp.Text))
	compacted = append(compacted, tail...)
	s.buffer.replace(scope, compacted)
	return nil
}

// stepMessages renders one completed iteration as transcript messages: an
// assistant turn carrying the plan, then one tool message per response.
func stepMessages(step memory.Step) []conversation.Message {
	out := make([]conversation.Message, 0, len(step.Responses)+1)
	out = append(out, conversation.Assistant(renderPlan(&step.Plan)))
	for _, r := range step.Responses {
		out = append(out, conversation.ToolResult(r.ID, r.Name, r.Content))
	}
	return out
}

// renderPlan serializes a plan back into assistant-visible text: the
// narrative followed by the calls as a JSON array.
func renderPlan(plan *run.AgentPlan) string {
	calls := plan.Calls()
	data, err := json.Marshal(calls)
	if err != nil {
		data = []byte("[]")
	}
	if plan.Narrative == "" {
		return string(data)
	}
	return plan.Narrative + "\n" + string(data)
}
