// Package model defines the chat-completion model port (interface).
//
// The engine only depends on the abstract contract: send ordered role-tagged
// messages, get back assistant text or structured tool calls. Provider wire
// formats live behind this interface.
package model

import (
	"context"
	"strings"

	"github.com/droverhq/drover/internal/domain/conversation"
	"github.com/droverhq/drover/internal/domain/mcp"
	"github.com/droverhq/drover/internal/domain/run"
)

// Request is one completion call.
type Request struct {
	Model       string                 `json:"model"`
	Temperature float64                `json:"temperature,omitempty"`
	MaxTokens   int                    `json:"max_tokens,omitempty"`
	Messages    []conversation.Message `json:"messages"`

	// Tools is the catalogue advertised to the provider. Only consulted by
	// providers that surface structured tool calls natively; inline formats
	// carry the catalogue inside the system prompt instead.
	Tools []mcp.ServerTool `json:"tools,omitempty"`
}

// Usage holds token accounting reported by the provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Chunk is one streamed fragment of a completion. Text fragments may split
// anywhere, including inside a structured-call delimiter; the streaming
// parser is responsible for reassembly.
type Chunk struct {
	Text      string         `json:"text,omitempty"`
	ToolCalls []run.ToolCall `json:"tool_calls,omitempty"`
	Done      bool           `json:"done,omitempty"`
	Usage     *Usage         `json:"usage,omitempty"`
}

// Response is a fully drained completion.
type Response struct {
	Text      string         `json:"text"`
	ToolCalls []run.ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage          `json:"usage"`
}

// Model is the port interface for a completion provider.
//
// Stream must report failures on the error channel wrapped in a
// distinguishable sentinel (domain.ErrLLMExecution, domain.ErrRateLimited,
// domain.ErrAuthRequired) rather than panicking; both channels close when
// the call ends.
type Model interface {
	// Name returns the provider identifier (e.g. "scripted").
	Name() string

	// Stream runs one completion, emitting fragments until done or error.
	Stream(ctx context.Context, req Request) (<-chan Chunk, <-chan error)
}

// Complete drains a streamed completion into a single response.
func Complete(ctx context.Context, m Model, req Request) (*Response, error) {
	chunks, errs := m.Stream(ctx, req)

	var (
		text  strings.Builder
		calls []run.ToolCall
		usage Usage
	)
	for chunks != nil || errs != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case c, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			text.WriteString(c.Text)
			calls = append(calls, c.ToolCalls...)
			if c.Usage != nil {
				usage = *c.Usage
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return nil, err
			}
		}
	}
	return &Response{Text: text.String(), ToolCalls: calls, Usage: usage}, nil
}
