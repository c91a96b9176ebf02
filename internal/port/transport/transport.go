// Package transport defines the tool-server connection port (interface).
//
// A Conn speaks one MCP transport (stdio subprocess, SSE, streamable HTTP)
// to a single remote server. Concrete transports register themselves via
// the factory registry and are selected by the server definition.
package transport

import (
	"context"
	"encoding/json"

	"github.com/droverhq/drover/internal/domain/mcp"
)

// Result is the outcome of one tool invocation on a remote server.
type Result struct {
	// Content is the textual payload returned by the tool.
	Content string `json:"content"`

	// IsError marks a call that reached the server and failed there.
	IsError bool `json:"is_error"`
}

// CallOptions carries per-call overrides resolved at dispatch time.
type CallOptions struct {
	// Headers are added to the underlying request where the transport
	// supports them (HTTP family). Used for per-call session injection.
	Headers map[string]string

	// Env overrides environment values for transports that support
	// per-call environments. Most do not; they ignore this.
	Env map[string]string
}

// Conn is the port interface for a live connection to one tool server.
type Conn interface {
	// Initialize performs the protocol handshake. Must be called once
	// before ListTools or CallTool.
	Initialize(ctx context.Context) error

	// ListTools returns the tools the server exposes.
	ListTools(ctx context.Context) ([]mcp.ServerTool, error)

	// CallTool invokes a named tool with JSON arguments.
	CallTool(ctx context.Context, tool string, args json.RawMessage, opts CallOptions) (*Result, error)

	// Close tears down the connection and any child process.
	Close() error
}
