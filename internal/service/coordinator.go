package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/droverhq/drover/internal/domain"
	"github.com/droverhq/drover/internal/domain/agent"
	"github.com/droverhq/drover/internal/domain/event"
	"github.com/droverhq/drover/internal/domain/hook"
	"github.com/droverhq/drover/internal/domain/run"
	"github.com/droverhq/drover/internal/logger"
	"github.com/droverhq/drover/internal/port/eventsink"
	"github.com/droverhq/drover/internal/port/model"
	"github.com/droverhq/drover/internal/port/sandbox"
)

const (
	// defaultEventBuffer sizes each run's event channel; overflow drops.
	defaultEventBuffer = 64

	// defaultRunHistory caps retained run records.
	defaultRunHistory = 256

	// defaultListLimit / maxListLimit bound agent listing pages.
	defaultListLimit = 50
	maxListLimit     = 500
)

// CoordinatorParams collects the collaborators a Coordinator needs.
type CoordinatorParams struct {
	Registry *ToolServerRegistry
	Executor *Executor
	Model    model.Model

	// Models optionally overrides the provider per model id.
	Models map[string]model.Model

	// Runner enables the code planning strategy when set.
	Runner sandbox.Runner

	// Sink receives run events; nil discards them.
	Sink eventsink.Sink

	EventBuffer int
	RunHistory  int
}

// Coordinator owns the registry of agent definitions and routes execute
// calls. Definitions take many concurrent readers and rare writers;
// every execute call runs a fully independent invocation, so repeated
// calls for the same agent parallelize without shared loop state. A
// bounded run index retains outcomes for polling.
type Coordinator struct {
	mu          sync.RWMutex
	definitions map[string]agent.Definition
	runs        map[string]*run.Record
	runOrder    []string

	registry    *ToolServerRegistry
	executor    *Executor
	model       model.Model
	models      map[string]model.Model
	runner      sandbox.Runner
	sink        eventsink.Sink
	eventBuffer int
	runHistory  int
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(p CoordinatorParams) *Coordinator {
	if p.EventBuffer <= 0 {
		p.EventBuffer = defaultEventBuffer
	}
	if p.RunHistory <= 0 {
		p.RunHistory = defaultRunHistory
	}
	return &Coordinator{
		definitions: make(map[string]agent.Definition),
		runs:        make(map[string]*run.Record),
		registry:    p.Registry,
		executor:    p.Executor,
		model:       p.Model,
		models:      p.Models,
		runner:      p.Runner,
		sink:        p.Sink,
		eventBuffer: p.EventBuffer,
		runHistory:  p.RunHistory,
	}
}

// RegisterAgent validates a definition, resolves its declared tools
// against the server registry, and stores it. On any failure the
// definition registry is left unchanged; a duplicate name is a conflict.
func (c *Coordinator) RegisterAgent(ctx context.Context, def agent.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if _, err := c.registry.ResolveTools(ctx, def.Tools); err != nil {
		return fmt.Errorf("agent %q: %w", def.Name, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.definitions[def.Name]; exists {
		return fmt.Errorf("agent %q: %w", def.Name, domain.ErrConflict)
	}
	def.RegisteredAt = time.Now().UTC()
	c.definitions[def.Name] = def.Clone()

	slog.Info("agent registered",
		"agent", def.Name,
		"planner", def.Planner,
		"tools", len(def.Tools),
		"max_iterations", def.MaxIterations)
	return nil
}

// LoadAgentsFromDirectory reads all .yaml/.yml files from a directory and
// registers each as an agent definition. A missing directory returns nil.
func (c *Coordinator) LoadAgentsFromDirectory(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read agents directory %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return fmt.Errorf("read agent file %s: %w", path, readErr)
		}

		var def agent.Definition
		if unmarshalErr := yaml.Unmarshal(data, &def); unmarshalErr != nil {
			return fmt.Errorf("parse agent file %s: %w", path, unmarshalErr)
		}

		if regErr := c.RegisterAgent(ctx, def); regErr != nil {
			return fmt.Errorf("register agent from %s: %w", path, regErr)
		}
	}

	return nil
}

// GetHandle returns a capability bound to an agent name. It succeeds even
// for unregistered names; resolution happens at execute time.
func (c *Coordinator) GetHandle(name string) *Handle {
	return &Handle{coordinator: c, name: name}
}

// ListAgents returns a name-ordered snapshot page of current definitions.
// The cursor is the last name of the previous page.
func (c *Coordinator) ListAgents(_ context.Context, filter agent.ListFilter) (agent.Page, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	c.mu.RLock()
	names := make([]string, 0, len(c.definitions))
	for name := range c.definitions {
		if filter.Prefix != "" && !strings.HasPrefix(name, filter.Prefix) {
			continue
		}
		if filter.Cursor != "" && name <= filter.Cursor {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	page := agent.Page{}
	for i, name := range names {
		if i == limit {
			page.NextCursor = names[i-1]
			break
		}
		def := c.definitions[name]
		page.Agents = append(page.Agents, def.Clone())
	}
	c.mu.RUnlock()
	return page, nil
}

// Execute runs one invocation for the named agent. It satisfies the
// protocol surface's executor contract; Handle.Execute is the richer
// entry point.
func (c *Coordinator) Execute(ctx context.Context, agentName, task string, hctx hook.Context) (string, error) {
	return c.execute(ctx, agentName, agent.TaskStep{Description: task}, hctx, nil, 0)
}

// RunScheduled executes the agent's recurring plan once, with the plan's
// iteration override.
func (c *Coordinator) RunScheduled(ctx context.Context, name string) (string, error) {
	c.mu.RLock()
	def, ok := c.definitions[name]
	c.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("agent %q: %w", name, domain.ErrNotFound)
	}
	if def.Plan == nil {
		return "", fmt.Errorf("agent %q has no recurring plan: %w", name, domain.ErrValidation)
	}
	task := agent.TaskStep{Description: def.Plan.Task}
	return c.execute(ctx, name, task, hook.Context{AgentName: name}, nil, def.Plan.MaxIterations)
}

// plannedAgents returns the recurring-plan intervals keyed by agent name.
func (c *Coordinator) plannedAgents() map[string]time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]time.Duration)
	for name, def := range c.definitions {
		if def.Plan != nil {
			out[name] = def.Plan.Interval
		}
	}
	return out
}

// Run returns a snapshot of one run record.
func (c *Coordinator) Run(runID string) (*run.Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.runs[runID]
	if !ok {
		return nil, false
	}
	snapshot := *rec
	snapshot.Observations = append([]run.Observation(nil), rec.Observations...)
	return &snapshot, true
}

// Handle is a capability bound to an agent name. Handles are cheap,
// stateless, and safe to share; every Execute call is independent.
type Handle struct {
	coordinator *Coordinator
	name        string
}

// Name returns the bound agent name.
func (h *Handle) Name() string { return h.name }

// Execute runs one loop invocation to completion and returns the final
// text. The hook context carries caller identity to every lifecycle
// point; shared values seed the hooks' dynamic set.
func (h *Handle) Execute(ctx context.Context, task agent.TaskStep, hctx hook.Context, shared map[string]any) (string, error) {
	return h.coordinator.execute(ctx, h.name, task, hctx, shared, 0)
}

// execute is the single invocation path: resolve the definition and its
// tools, build the per-run context and planner, drain events to the sink,
// run the loop, and finalize the record. A failure is reported to this
// caller only; the registry and sibling invocations are untouched.
func (c *Coordinator) execute(ctx context.Context, name string, task agent.TaskStep, hctx hook.Context, shared map[string]any, budgetOverride int) (string, error) {
	if err := task.Validate(); err != nil {
		return "", err
	}

	c.mu.RLock()
	def, ok := c.definitions[name]
	c.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("agent %q: %w", name, domain.ErrNotFound)
	}
	def = def.Clone()

	tools, err := c.registry.ResolveTools(ctx, def.Tools)
	if err != nil {
		return "", fmt.Errorf("agent %q: %w", name, err)
	}

	planner, err := c.plannerFor(def)
	if err != nil {
		return "", err
	}

	runID := uuid.NewString()
	hctx.AgentName = name
	hctx.RunID = runID
	ctx = logger.WithRunID(ctx, runID)

	events := make(chan event.Event, c.eventBuffer)
	ectx := run.NewExecutorContext(run.ContextParams{
		AgentName: name,
		RunID:     runID,
		SessionID: hctx.SessionID,
		TaskID:    hctx.TaskID,
		UserID:    hctx.UserID,
		Tools:     tools,
		Events:    events,
	})

	c.storeRecord(&run.Record{
		RunID:     runID,
		AgentName: name,
		Status:    run.StatusInit,
		Task:      task.Description,
		StartedAt: time.Now().UTC(),
	})

	// The drain goroutine forwards run events to the sink and advances the
	// record while the loop runs. It exits when the channel closes, after
	// the loop has emitted its last event.
	sinkCtx := context.WithoutCancel(ctx)
	var drained sync.WaitGroup
	drained.Add(1)
	go func() {
		defer drained.Done()
		for ev := range events {
			c.advance(runID, ev)
			if c.sink != nil {
				if err := c.sink.Publish(sinkCtx, ev); err != nil {
					slog.Warn("event publish failed", "run_id", runID, "type", ev.Type, "error", err)
				}
			}
		}
	}()

	c.setRunStatus(runID, run.StatusPlanning)
	text, runErr := c.executor.Run(ctx, Invocation{
		Definition:    def,
		Task:          task,
		Planner:       planner,
		Context:       ectx,
		HookCtx:       hctx,
		Shared:        shared,
		MaxIterations: budgetOverride,
	})
	close(events)
	drained.Wait()

	c.finalize(runID, ectx, text, runErr)
	return text, runErr
}

// plannerFor builds the planning strategy for a definition, resolving the
// model override when one is configured for the definition's model id.
func (c *Coordinator) plannerFor(def agent.Definition) (Planner, error) {
	m := c.model
	if override, ok := c.models[def.Model.Model]; ok {
		m = override
	}
	return NewPlanner(def.Planner, m, c.runner)
}

// storeRecord indexes a new run, evicting the oldest when over capacity.
func (c *Coordinator) storeRecord(rec *run.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs[rec.RunID] = rec
	c.runOrder = append(c.runOrder, rec.RunID)
	for len(c.runOrder) > c.runHistory {
		oldest := c.runOrder[0]
		c.runOrder = c.runOrder[1:]
		delete(c.runs, oldest)
	}
}

// setRunStatus moves a record through the lifecycle, skipping illegal
// transitions.
func (c *Coordinator) setRunStatus(runID string, status run.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.runs[runID]
	if !ok {
		return
	}
	if run.CanTransition(rec.Status, status) {
		rec.Status = status
	}
}

// advance maps loop events onto record state.
func (c *Coordinator) advance(runID string, ev event.Event) {
	switch ev.Type {
	case event.TypeRunPlanned:
		c.setRunStatus(runID, run.StatusPlanning)
		var p event.PlannedPayload
		// Only passes that produced a batch consume budget; the finishing
		// pass does not count as an iteration.
		if err := json.Unmarshal(ev.Payload, &p); err == nil && p.ToolCalls > 0 {
			c.recordIterations(runID, p.Iteration)
		}
	case event.TypeToolCalled:
		c.setRunStatus(runID, run.StatusDispatch)
	case event.TypeRunFinished:
		c.setRunStatus(runID, run.StatusFinishing)
		var p event.RunFinishedPayload
		if err := json.Unmarshal(ev.Payload, &p); err == nil {
			c.recordIterations(runID, p.Iterations)
		}
	case event.TypeRunFailed:
		var p event.RunFailedPayload
		if err := json.Unmarshal(ev.Payload, &p); err == nil {
			c.recordIterations(runID, p.Iterations)
		}
	}
}

// recordIterations raises a record's iteration count, never lowering it.
func (c *Coordinator) recordIterations(runID string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.runs[runID]; ok && n > rec.Iterations {
		rec.Iterations = n
	}
}

// finalize closes out a run record with the loop outcome and the gathered
// observations, which stay retrievable for diagnostics.
func (c *Coordinator) finalize(runID string, ectx *run.ExecutorContext, text string, runErr error) {
	now := time.Now().UTC()

	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.runs[runID]
	if !ok {
		return
	}
	rec.Observations = ectx.Observations()
	rec.CompletedAt = &now
	if runErr != nil {
		rec.Status = run.StatusFailed
		rec.Error = runErr.Error()
		return
	}
	if run.CanTransition(rec.Status, run.StatusFinishing) {
		rec.Status = run.StatusFinishing
	}
	rec.Status = run.StatusDone
	rec.Output = text
}
