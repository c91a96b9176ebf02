// Package queue defines the message queue port (interface).
package queue

import (
	"context"

	"github.com/droverhq/drover/internal/domain/hook"
)

// Handler processes a message received from the queue.
// The context carries request-scoped values such as the request ID.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for publishing, subscribing, and
// request/reply messaging.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Request sends a message and waits for a single reply. Used for
	// inline remote hook dispatch; the deadline comes from ctx.
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)

	// Drain gracefully drains all subscriptions before closing.
	// Pending messages are processed; no new messages are accepted.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// Subject constants for the engine's message traffic.
const (
	// SubjectEventPrefix fans run events out to external consumers.
	// Full form: drover.events.{agent_name}.
	SubjectEventPrefix = "drover.events"

	// SubjectHookPrefix carries inline remote hook request/reply.
	// Full form: drover.hooks.{hook_kind}.
	SubjectHookPrefix = "drover.hooks"

	// SubjectRunSubmit accepts externally submitted tasks.
	SubjectRunSubmit = "drover.runs.submit"
)

// EventSubject returns the event subject for one agent.
func EventSubject(agentName string) string {
	return SubjectEventPrefix + "." + agentName
}

// HookSubject returns the default request subject for a hook kind, used
// when a remote hook spec does not name one explicitly.
func HookSubject(kind hook.Kind) string {
	return SubjectHookPrefix + "." + string(kind)
}
