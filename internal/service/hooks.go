package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/droverhq/drover/internal/domain"
	"github.com/droverhq/drover/internal/domain/hook"
	"github.com/droverhq/drover/internal/port/queue"
)

// defaultHookTimeout bounds one hook dispatch when neither the registration
// nor the service configures a wait.
const defaultHookTimeout = 2 * time.Second

// HookFunc is an in-process lifecycle hook. A nil mutation means no change.
type HookFunc func(ctx context.Context, hctx hook.Context, payload hook.Payload) (*hook.Mutation, error)

// registeredHook is one entry in the per-kind dispatch list. Exactly one of
// fn or remote is set.
type registeredHook struct {
	name    string
	fn      HookFunc
	remote  *hook.RemoteSpec
	timeout time.Duration
}

// HookService keys registered hooks by lifecycle point and dispatches them
// sequentially in registration order. Hooks are best-effort: a failure or
// timeout is logged and counts as no mutation, never a loop error.
type HookService struct {
	mu      sync.RWMutex
	hooks   map[hook.Kind][]registeredHook
	queue   queue.Queue
	timeout time.Duration

	timeouts atomic.Int64
}

// NewHookService creates a HookService. The queue carries inline-remote
// dispatches and may be nil when only in-process hooks are registered;
// timeout is the per-dispatch default, clamped to defaultHookTimeout when
// zero.
func NewHookService(q queue.Queue, timeout time.Duration) *HookService {
	if timeout <= 0 {
		timeout = defaultHookTimeout
	}
	return &HookService{
		hooks:   make(map[hook.Kind][]registeredHook),
		queue:   q,
		timeout: timeout,
	}
}

// Register appends an in-process hook for the given lifecycle point.
func (s *HookService) Register(kind hook.Kind, name string, fn HookFunc) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown hook kind %q: %w", kind, domain.ErrValidation)
	}
	if fn == nil {
		return fmt.Errorf("hook %q has no function: %w", name, domain.ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks[kind] = append(s.hooks[kind], registeredHook{name: name, fn: fn})
	return nil
}

// RegisterRemote appends an inline-remote hook reached over request/reply
// messaging. The spec's timeout overrides the service default for this hook
// only.
func (s *HookService) RegisterRemote(kind hook.Kind, name string, spec hook.RemoteSpec) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown hook kind %q: %w", kind, domain.ErrValidation)
	}
	if spec.Subject == "" {
		return fmt.Errorf("remote hook %q has no subject: %w", name, domain.ErrValidation)
	}
	if s.queue == nil {
		return fmt.Errorf("remote hook %q registered without a queue: %w", name, domain.ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks[kind] = append(s.hooks[kind], registeredHook{name: name, remote: &spec, timeout: spec.Timeout()})
	return nil
}

// Dispatch runs every hook registered for payload.Kind sequentially in
// registration order, merging each returned mutation into the running
// dynamic set so later hooks observe earlier effects. The merged set is
// returned; the input map is not modified. Dispatch never fails: hooks that
// error or time out contribute nothing.
func (s *HookService) Dispatch(ctx context.Context, hctx hook.Context, payload hook.Payload) map[string]any {
	s.mu.RLock()
	registered := make([]registeredHook, len(s.hooks[payload.Kind]))
	copy(registered, s.hooks[payload.Kind])
	s.mu.RUnlock()

	dyn := make(map[string]any, len(payload.DynamicValues))
	for k, v := range payload.DynamicValues {
		dyn[k] = v
	}
	if len(registered) == 0 {
		return dyn
	}

	for _, h := range registered {
		payload.DynamicValues = dyn
		mut, err := s.invoke(ctx, h, hctx, payload)
		if err != nil {
			slog.Warn("hook dispatch failed",
				"hook", h.name,
				"kind", payload.Kind,
				"run_id", hctx.RunID,
				"error", err)
			continue
		}
		dyn = hook.Merge(dyn, mut)
	}
	return dyn
}

// Timeouts reports how many hook dispatches have expired since start.
func (s *HookService) Timeouts() int64 {
	return s.timeouts.Load()
}

// invoke runs one hook under its timeout. In-process hooks run in a
// goroutine so a stuck hook cannot wedge the loop; the loop moves on at the
// deadline and the result, if it ever arrives, is discarded.
func (s *HookService) invoke(ctx context.Context, h registeredHook, hctx hook.Context, payload hook.Payload) (*hook.Mutation, error) {
	timeout := h.timeout
	if timeout <= 0 {
		timeout = s.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if h.remote != nil {
		return s.invokeRemote(ctx, h, hctx, payload)
	}

	type outcome struct {
		mut *hook.Mutation
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		mut, err := h.fn(ctx, hctx, payload)
		done <- outcome{mut, err}
	}()

	select {
	case out := <-done:
		return out.mut, out.err
	case <-ctx.Done():
		s.timeouts.Add(1)
		return nil, fmt.Errorf("hook %q timed out after %s: %w", h.name, timeout, ctx.Err())
	}
}

// invokeRemote sends the payload as a request over the queue and decodes
// the reply as a mutation. Expiry of the request counts as a timeout.
func (s *HookService) invokeRemote(ctx context.Context, h registeredHook, hctx hook.Context, payload hook.Payload) (*hook.Mutation, error) {
	req := hook.RemoteRequest{Context: hctx, Payload: payload}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal remote hook request: %w", err)
	}

	replyData, err := s.queue.Request(ctx, h.remote.Subject, data)
	if err != nil {
		if ctx.Err() != nil {
			s.timeouts.Add(1)
		}
		return nil, fmt.Errorf("remote hook %q on %s: %w", h.name, h.remote.Subject, err)
	}

	var reply hook.RemoteReply
	if err := json.Unmarshal(replyData, &reply); err != nil {
		return nil, fmt.Errorf("decode remote hook reply from %s: %w", h.remote.Subject, err)
	}
	return reply.Mutation, nil
}
