// Package domain provides shared domain-level sentinel errors.
//
// Every terminal error in the engine wraps exactly one of these sentinels so
// callers can classify failures with errors.Is without string matching.
package domain

import "errors"

// ErrValidation indicates input that fails structural or range checks.
var ErrValidation = errors.New("validation failed")

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a registration collision on a unique name.
var ErrConflict = errors.New("conflict: name already registered")

// ErrToolNotFound indicates no registered server owns the requested tool.
var ErrToolNotFound = errors.New("tool not found")

// ErrAuthRequired indicates a tool server demands a session that the
// session store could not supply.
var ErrAuthRequired = errors.New("authorization required")

// ErrParsing indicates model output that cannot be reconciled with the
// declared tool-call format.
var ErrParsing = errors.New("parse failed")

// ErrToolExecution indicates a tool invocation that reached its server and
// failed there, or never reached it at all.
var ErrToolExecution = errors.New("tool execution failed")

// ErrLLMExecution indicates a model call that failed before producing
// usable output.
var ErrLLMExecution = errors.New("llm execution failed")

// ErrRateLimited indicates a provider rejected a call for quota reasons.
// Distinguished from ErrLLMExecution so callers can back off instead of fail.
var ErrRateLimited = errors.New("rate limited")

// ErrNotImplemented indicates a configured capability with no runner bound.
var ErrNotImplemented = errors.New("not implemented")

// ErrHalt indicates an invocation stopped by an external halt request.
var ErrHalt = errors.New("halted")
