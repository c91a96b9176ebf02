// Package mcp defines domain types for Model Context Protocol (MCP) tool
// servers: server definitions, tool descriptions, credential sessions, and
// lifecycle states, transport-independent for use across the service layers.
package mcp

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/droverhq/drover/internal/domain"
)

// TransportType identifies the communication transport for an MCP server.
type TransportType string

const (
	TransportStdio TransportType = "stdio"
	TransportSSE   TransportType = "sse"
	TransportHTTP  TransportType = "streamable-http"
)

// validTransports is the set of recognized transport types.
var validTransports = map[TransportType]bool{
	TransportStdio: true,
	TransportSSE:   true,
	TransportHTTP:  true,
}

// ServerStatus represents the lifecycle state of an MCP server.
type ServerStatus string

const (
	ServerStatusRegistered   ServerStatus = "registered"
	ServerStatusConnected    ServerStatus = "connected"
	ServerStatusDisconnected ServerStatus = "disconnected"
	ServerStatusError        ServerStatus = "error"
)

// CredentialFile describes one file-based auth artifact a server needs. The
// template is rendered with ${PLACEHOLDER} substitution and written under a
// per-caller credential directory before dispatch.
type CredentialFile struct {
	Path     string `json:"path" yaml:"path"`         // relative to the caller's credential dir
	Template string `json:"template" yaml:"template"` // body with ${TOKEN}, ${EXPIRY}, ... placeholders
}

// ServerDef describes an MCP tool-server registration: how to reach it,
// which tools it declares, and what credentials its calls need.
type ServerDef struct {
	Name            string            `json:"name" yaml:"name"`
	Description     string            `json:"description,omitempty" yaml:"description,omitempty"`
	Transport       TransportType     `json:"transport" yaml:"transport"`
	Command         string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args            []string          `json:"args,omitempty" yaml:"args,omitempty"`
	URL             string            `json:"url,omitempty" yaml:"url,omitempty"`
	Env             map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Headers         map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Tools           []string          `json:"tools,omitempty" yaml:"tools,omitempty"` // declared names; refreshed from the live catalogue
	AuthSessionKey  string            `json:"auth_session_key,omitempty" yaml:"auth_session_key,omitempty"`
	AuthRequired    bool              `json:"auth_required,omitempty" yaml:"auth_required,omitempty"`
	Memory          string            `json:"memory,omitempty" yaml:"memory,omitempty"` // attached memory strategy name
	CredentialFiles []CredentialFile  `json:"credential_files,omitempty" yaml:"credential_files,omitempty"`
	Enabled         bool              `json:"enabled" yaml:"enabled"`
	Status          ServerStatus      `json:"status" yaml:"-"`
}

// ServerTool describes a tool exposed by an MCP server.
type ServerTool struct {
	Server      string          `json:"server"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Session is the credential unit exchanged between the session store and
// tool dispatch: an opaque token plus an optional expiry.
type Session struct {
	Token     string     `json:"token"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the session is past its expiry. Sessions without
// an expiry never expire.
func (s *Session) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && now.After(*s.ExpiresAt)
}

// Render substitutes ${KEY} placeholders in a credential template from the
// supplied values. Unknown placeholders render empty.
func Render(template string, values map[string]string) string {
	return os.Expand(template, func(key string) string {
		return values[key]
	})
}

// Validate checks that the ServerDef has all required fields and consistent
// transport-specific configuration. Returns a domain.ErrValidation-wrapped
// error on failure.
func (s *ServerDef) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: name is required", domain.ErrValidation)
	}

	if s.Transport == "" {
		return fmt.Errorf("%w: transport is required", domain.ErrValidation)
	}

	if !validTransports[s.Transport] {
		return fmt.Errorf("%w: invalid transport %q (must be \"stdio\", \"sse\" or \"streamable-http\")", domain.ErrValidation, s.Transport)
	}

	switch s.Transport {
	case TransportStdio:
		if s.Command == "" {
			return fmt.Errorf("%w: command is required for stdio transport", domain.ErrValidation)
		}
	case TransportSSE, TransportHTTP:
		if s.URL == "" {
			return fmt.Errorf("%w: url is required for %s transport", domain.ErrValidation, s.Transport)
		}
	}

	if s.AuthRequired && s.AuthSessionKey == "" {
		return fmt.Errorf("%w: auth_session_key is required when auth_required is set", domain.ErrValidation)
	}

	for _, f := range s.CredentialFiles {
		if f.Path == "" {
			return fmt.Errorf("%w: credential file path is required", domain.ErrValidation)
		}
	}

	return nil
}
