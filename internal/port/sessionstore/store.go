// Package sessionstore defines the credential store port (interface).
//
// Tool servers that declare an auth session key have their credentials
// resolved here at dispatch time. Absence of a session is a valid answer;
// whether it aborts the call depends on the server's auth requirement.
package sessionstore

import (
	"context"
	"strings"

	"github.com/droverhq/drover/internal/domain/mcp"
)

// Scope identifies whose session is being resolved.
type Scope struct {
	// Server is the tool-server name the session belongs to.
	Server string

	// UserID and SessionID narrow the session to one caller context.
	// Either may be empty; the store falls back to broader scopes.
	UserID    string
	SessionID string
}

// Key renders the scope as a stable composite cache key.
func (s Scope) Key() string {
	return strings.Join([]string{"session", s.Server, s.UserID, s.SessionID}, "/")
}

// Store is the port interface for resolving and persisting tool sessions.
type Store interface {
	// Get returns the session for the scope. found is false when no
	// session exists; that is not an error.
	Get(ctx context.Context, scope Scope) (session *mcp.Session, found bool, err error)

	// Put stores or replaces the session for the scope.
	Put(ctx context.Context, scope Scope, session mcp.Session) error

	// Delete removes the session for the scope. Deleting an absent
	// session is not an error.
	Delete(ctx context.Context, scope Scope) error
}
