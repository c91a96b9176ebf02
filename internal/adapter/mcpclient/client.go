// Package mcpclient connects to remote MCP tool servers over the stdio,
// SSE, and streamable HTTP transports using mcp-go.
package mcpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	client "github.com/mark3labs/mcp-go/client"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/droverhq/drover/internal/domain/mcp"
	"github.com/droverhq/drover/internal/logger"
	"github.com/droverhq/drover/internal/port/transport"
)

const clientVersion = "0.1.0"

func init() {
	for _, kind := range []mcp.TransportType{mcp.TransportStdio, mcp.TransportSSE, mcp.TransportHTTP} {
		transport.Register(kind, func(def mcp.ServerDef) (transport.Conn, error) {
			return newConn(def)
		})
	}
}

// conn is a live connection to one MCP server.
type conn struct {
	def    mcp.ServerDef
	client *client.Client

	mu    sync.Mutex
	ready bool
}

func newConn(def mcp.ServerDef) (*conn, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	c, err := buildClient(def)
	if err != nil {
		return nil, fmt.Errorf("mcpclient: create client for %s: %w", def.Name, err)
	}
	return &conn{def: def, client: c}, nil
}

// newConnWithClient wires a pre-built client; used by tests with the
// in-process transport.
func newConnWithClient(def mcp.ServerDef, c *client.Client) *conn {
	return &conn{def: def, client: c}
}

// Initialize implements transport.Conn.
func (c *conn) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ready {
		return nil
	}

	// Stdio clients spawn their subprocess at construction; the HTTP
	// family needs an explicit start.
	if c.def.Transport != mcp.TransportStdio {
		if err := c.client.Start(ctx); err != nil {
			return fmt.Errorf("mcpclient: start %s: %w", c.def.Name, err)
		}
	}

	initReq := mcplib.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcplib.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcplib.Implementation{
		Name:    "drover",
		Version: clientVersion,
	}
	if _, err := c.client.Initialize(ctx, initReq); err != nil {
		return fmt.Errorf("mcpclient: initialize %s: %w", c.def.Name, err)
	}
	c.ready = true
	return nil
}

// ListTools implements transport.Conn.
func (c *conn) ListTools(ctx context.Context) ([]mcp.ServerTool, error) {
	result, err := c.client.ListTools(ctx, mcplib.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("mcpclient: list tools on %s: %w", c.def.Name, err)
	}

	tools := make([]mcp.ServerTool, 0, len(result.Tools))
	for i := range result.Tools {
		t := &result.Tools[i]
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("mcpclient: marshal schema for %s/%s: %w", c.def.Name, t.Name, err)
		}
		tools = append(tools, mcp.ServerTool{
			Server:      c.def.Name,
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return tools, nil
}

// CallTool implements transport.Conn.
func (c *conn) CallTool(ctx context.Context, tool string, args json.RawMessage, opts transport.CallOptions) (*transport.Result, error) {
	var arguments map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &arguments); err != nil {
			return nil, fmt.Errorf("mcpclient: decode arguments for %s/%s: %w", c.def.Name, tool, err)
		}
	}
	if len(opts.Headers) > 0 {
		ctx = withCallHeaders(ctx, opts.Headers)
	}

	req := mcplib.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = arguments

	result, err := c.client.CallTool(ctx, req)
	if err != nil {
		slog.Debug("mcp call failed",
			"server", c.def.Name,
			"tool", tool,
			"run_id", logger.RunID(ctx),
			"error", err)
		return nil, fmt.Errorf("mcpclient: call %s/%s: %w", c.def.Name, tool, err)
	}

	var text strings.Builder
	for _, content := range result.Content {
		if tc, ok := mcplib.AsTextContent(content); ok {
			text.WriteString(tc.Text)
		}
	}
	return &transport.Result{Content: text.String(), IsError: result.IsError}, nil
}

// Close implements transport.Conn.
func (c *conn) Close() error {
	return c.client.Close()
}
