package mcpclient

import (
	"context"
	"fmt"

	client "github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"

	"github.com/droverhq/drover/internal/domain/mcp"
)

type headerKey struct{}

// withCallHeaders attaches per-call headers for the HTTP transport family.
func withCallHeaders(ctx context.Context, headers map[string]string) context.Context {
	return context.WithValue(ctx, headerKey{}, headers)
}

func callHeaders(ctx context.Context) map[string]string {
	h, _ := ctx.Value(headerKey{}).(map[string]string)
	return h
}

// buildClient builds an mcp-go client for the given server definition.
// HTTP-family clients install a header function so sessions resolved at
// dispatch time reach the wire of the call that resolved them.
func buildClient(def mcp.ServerDef) (*client.Client, error) {
	switch def.Transport {
	case mcp.TransportStdio:
		env := envMapToSlice(def.Env)
		return client.NewStdioMCPClient(def.Command, env, def.Args...)

	case mcp.TransportSSE:
		opts := []mcptransport.ClientOption{
			mcptransport.WithHeaderFunc(callHeaders),
		}
		if len(def.Headers) > 0 {
			opts = append(opts, mcptransport.WithHeaders(def.Headers))
		}
		return client.NewSSEMCPClient(def.URL, opts...)

	case mcp.TransportHTTP:
		opts := []mcptransport.StreamableHTTPCOption{
			mcptransport.WithHTTPHeaderFunc(callHeaders),
		}
		if len(def.Headers) > 0 {
			opts = append(opts, mcptransport.WithHTTPHeaders(def.Headers))
		}
		return client.NewStreamableHttpClient(def.URL, opts...)

	default:
		return nil, fmt.Errorf("unsupported transport: %s", def.Transport)
	}
}

// envMapToSlice converts a map to the KEY=VALUE slice format expected by exec.Cmd.
func envMapToSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
