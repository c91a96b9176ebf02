package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/droverhq/drover/internal/adapter/otel"
	"github.com/droverhq/drover/internal/domain"
	"github.com/droverhq/drover/internal/domain/agent"
	"github.com/droverhq/drover/internal/domain/conversation"
	"github.com/droverhq/drover/internal/domain/event"
	"github.com/droverhq/drover/internal/domain/hook"
	"github.com/droverhq/drover/internal/domain/run"
	"github.com/droverhq/drover/internal/port/memory"
)

// defaultMaxIterations bounds tool-dispatch rounds when neither the
// definition nor the invocation sets a budget.
const defaultMaxIterations = 10

// Invocation bundles everything one loop run needs. The coordinator builds
// one per execute call; invocations are never shared or reused.
type Invocation struct {
	Definition    agent.Definition
	Task          agent.TaskStep
	Planner       Planner
	Context       *run.ExecutorContext
	HookCtx       hook.Context
	Shared        map[string]any
	MaxIterations int
}

// Executor drives the plan/act/observe loop: planning alternates with tool
// dispatch until the planner finishes or the iteration budget forces a
// finish. All cross-invocation state lives in the injected collaborators;
// the executor itself is stateless and safe for concurrent Run calls.
type Executor struct {
	dispatch      *DispatchService
	hooks         *HookService
	memory        memory.Strategy
	metrics       *otel.Metrics
	defaultBudget int
}

// NewExecutor creates an Executor. A nil memory strategy falls back to
// NoopMemory.
func NewExecutor(dispatch *DispatchService, hooks *HookService, mem memory.Strategy) *Executor {
	if mem == nil {
		mem = NoopMemory{}
	}
	return &Executor{
		dispatch: dispatch,
		hooks:    hooks,
		memory:   mem,
	}
}

// SetMetrics enables run instrumentation.
func (e *Executor) SetMetrics(m *otel.Metrics) { e.metrics = m }

// SetDefaultBudget sets the configured iteration budget used when neither
// the invocation nor the definition carries one.
func (e *Executor) SetDefaultBudget(n int) { e.defaultBudget = n }

// Run executes one invocation to completion and returns the final text.
// Loop-time tool, parsing, and recoverable model errors become
// observations fed back into planning; an error return means no further
// step could proceed. Cancellation is observed at iteration boundaries,
// after any in-flight batch has completed.
func (e *Executor) Run(ctx context.Context, inv Invocation) (string, error) {
	ectx := inv.Context
	start := time.Now()
	agentAttr := metric.WithAttributes(attribute.String("agent", ectx.AgentName))

	ctx, span := otel.StartRunSpan(ctx, ectx.RunID, ectx.AgentName, ectx.TaskID)
	defer span.End()
	defer e.dispatch.Cleanup(ectx.RunID)

	if e.metrics != nil {
		e.metrics.RunsStarted.Add(ctx, 1, agentAttr)
	}
	ectx.Emit(event.New(ectx.RunID, ectx.AgentName, event.TypeRunStarted, event.RunStartedPayload{
		Task:      inv.Task.Description,
		SessionID: ectx.SessionID,
	}))
	slog.Info("run started",
		"run_id", ectx.RunID,
		"agent", ectx.AgentName,
		"planner", inv.Planner.Name())

	budget := inv.MaxIterations
	if budget <= 0 {
		budget = inv.Definition.MaxIterations
	}
	if budget <= 0 {
		budget = e.defaultBudget
	}
	if budget <= 0 {
		budget = defaultMaxIterations
	}

	scope := memory.Scope{AgentName: ectx.AgentName, SessionID: ectx.SessionID, UserID: ectx.UserID}
	messages := e.seedConversation(ctx, inv, scope)

	dyn := make(map[string]any, len(inv.Shared)+4)
	for k, v := range inv.Shared {
		dyn[k] = v
	}
	dyn[hook.KeyMessages] = messages
	dyn = e.hooks.Dispatch(ctx, inv.HookCtx, hook.Payload{Kind: hook.KindPlanStart, DynamicValues: dyn})

	var (
		finalText string
		rounds    int
		runErr    error
	)

	for iteration := 1; ; iteration++ {
		if err := ctx.Err(); err != nil {
			runErr = fmt.Errorf("run cancelled: %w: %w", err, domain.ErrHalt)
			break
		}
		if rounds >= budget {
			finalText = budgetExhausted(rounds, len(ectx.Observations()))
			break
		}

		itCtx, itSpan := otel.StartIterationSpan(ctx, ectx.RunID, iteration)

		dyn = e.hooks.Dispatch(itCtx, inv.HookCtx, hook.Payload{Kind: hook.KindBeforeLLMStep, Iteration: iteration, DynamicValues: dyn})
		if rewritten, ok := hook.DecodeValue[[]conversation.Message](dyn, hook.KeyMessages); ok {
			messages = rewritten
		}

		result, err := inv.Planner.Plan(itCtx, PlanInput{
			Definition: inv.Definition,
			Messages:   messages,
			Tools:      ectx.Tools,
			Iteration:  iteration,
		})
		if err != nil {
			itSpan.End()
			guidance, recovered := e.recoverPlanning(itCtx, err, iteration, rounds, ectx)
			if !recovered {
				runErr = err
				break
			}
			messages = append(messages, conversation.User(guidance))
			dyn[hook.KeyMessages] = messages
			// A failed pass consumes budget, or malformed output could
			// loop forever.
			rounds++
			continue
		}

		if result.IsFinish() {
			ectx.Emit(event.New(ectx.RunID, ectx.AgentName, event.TypeRunPlanned, event.PlannedPayload{Iteration: iteration}))
			finalText = result.FinalText
			itSpan.End()
			break
		}

		plan := result.Plan
		ectx.Emit(event.New(ectx.RunID, ectx.AgentName, event.TypeRunPlanned, event.PlannedPayload{
			Iteration: iteration,
			ToolCalls: len(plan.Steps),
		}))

		dyn[hook.KeyToolCalls] = plan.Calls()
		dyn = e.hooks.Dispatch(itCtx, inv.HookCtx, hook.Payload{Kind: hook.KindBeforeToolCalls, Iteration: iteration, DynamicValues: dyn})
		calls := plan.Calls()
		if mutated, ok := hook.DecodeValue[[]run.ToolCall](dyn, hook.KeyToolCalls); ok {
			calls = mutated
		}

		var responses []run.ToolResponse
		if len(calls) > 0 {
			responses = e.dispatch.ExecuteBatch(itCtx, ectx, iteration, calls)
		}
		for _, r := range responses {
			ectx.Observe(run.Observation{
				Iteration: iteration,
				Source:    r.Name,
				Content:   r.Content,
				IsError:   r.IsError,
			})
		}

		dyn[hook.KeyToolResponses] = responses
		dyn = e.hooks.Dispatch(itCtx, inv.HookCtx, hook.Payload{Kind: hook.KindAfterToolCalls, Iteration: iteration, DynamicValues: dyn})

		executed := executedPlan(calls, plan.Narrative)
		step := memory.Step{Iteration: iteration, Plan: executed, Responses: responses}
		if err := e.memory.StoreStep(itCtx, scope, step); err != nil {
			slog.Warn("memory store failed", "run_id", ectx.RunID, "error", err)
		}

		messages = append(messages, stepMessages(step)...)
		dyn[hook.KeyMessages] = messages

		rounds++
		itSpan.End()
	}

	if runErr != nil {
		ectx.Complete()
		ectx.Emit(event.New(ectx.RunID, ectx.AgentName, event.TypeRunFailed, event.RunFailedPayload{
			Iterations: rounds,
			Error:      runErr.Error(),
		}))
		if e.metrics != nil {
			e.metrics.RunsFailed.Add(ctx, 1, agentAttr)
		}
		span.RecordError(runErr)
		slog.Error("run failed",
			"run_id", ectx.RunID,
			"agent", ectx.AgentName,
			"iterations", rounds,
			"error", runErr)
		return "", runErr
	}

	dyn[hook.KeyFinalText] = finalText
	dyn = e.hooks.Dispatch(ctx, inv.HookCtx, hook.Payload{Kind: hook.KindAfterFinish, Iteration: rounds, DynamicValues: dyn})
	if rewritten, ok := hook.DecodeValue[string](dyn, hook.KeyFinalText); ok {
		finalText = rewritten
	}
	e.hooks.Dispatch(ctx, inv.HookCtx, hook.Payload{Kind: hook.KindPlanEnd, Iteration: rounds, DynamicValues: dyn})

	ectx.Complete()
	ectx.Emit(event.New(ectx.RunID, ectx.AgentName, event.TypeRunFinished, event.RunFinishedPayload{
		Iterations: rounds,
		Output:     truncate(finalText, resultPreviewLen),
	}))
	if e.metrics != nil {
		e.metrics.RunsCompleted.Add(ctx, 1, agentAttr)
		e.metrics.RunIterations.Record(ctx, int64(rounds), agentAttr)
		e.metrics.RunDuration.Record(ctx, time.Since(start).Seconds(), agentAttr)
	}
	slog.Info("run finished",
		"run_id", ectx.RunID,
		"agent", ectx.AgentName,
		"iterations", rounds,
		"duration", time.Since(start))
	return finalText, nil
}

// seedConversation assembles the opening transcript: system prompt, prior
// memory, then the task. A memory load failure degrades to an empty prior.
func (e *Executor) seedConversation(ctx context.Context, inv Invocation, scope memory.Scope) []conversation.Message {
	messages := make([]conversation.Message, 0, 8)
	if inv.Definition.SystemPrompt != "" {
		messages = append(messages, conversation.System(inv.Definition.SystemPrompt))
	}
	prior, err := e.memory.Load(ctx, scope)
	if err != nil {
		slog.Warn("memory load failed", "run_id", inv.Context.RunID, "error", err)
	}
	messages = append(messages, prior...)

	taskMsg := conversation.User(inv.Task.Description)
	taskMsg.Images = inv.Task.Images
	return append(messages, taskMsg)
}

// recoverPlanning decides whether a planning failure can feed the next
// pass as an observation. Parsing and execution failures always can;
// model-transport failures only once a usable round exists. The returned
// guidance is injected into the conversation.
func (e *Executor) recoverPlanning(ctx context.Context, err error, iteration, rounds int, ectx *run.ExecutorContext) (string, bool) {
	ectx.Observe(run.Observation{
		Iteration: iteration,
		Source:    "planner",
		Content:   err.Error(),
		IsError:   true,
	})

	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return "", false
	case errors.Is(err, domain.ErrParsing):
		if e.metrics != nil {
			e.metrics.ParseFailures.Add(ctx, 1)
		}
		slog.Warn("planner output unparseable", "run_id", ectx.RunID, "iteration", iteration, "error", err)
		return fmt.Sprintf("Your previous output could not be parsed (%v). Answer again using the declared tool-call format, or reply with plain text to finish.", err), true
	case errors.Is(err, domain.ErrToolExecution):
		return fmt.Sprintf("Your generated program failed: %v. Fix it or answer directly.", err), true
	case errors.Is(err, domain.ErrLLMExecution) || errors.Is(err, domain.ErrRateLimited):
		if rounds == 0 {
			// The model failed before producing any usable output.
			return "", false
		}
		slog.Warn("model call failed mid-run", "run_id", ectx.RunID, "iteration", iteration, "error", err)
		return "The previous model call failed. Continue from the gathered observations.", true
	default:
		return "", false
	}
}

// executedPlan rebuilds the plan around the calls that actually went out,
// which hooks may have rewritten or filtered.
func executedPlan(calls []run.ToolCall, narrative string) run.AgentPlan {
	steps := make([]run.PlanStep, len(calls))
	for i, c := range calls {
		steps[i] = run.PlanStep{Index: i, Call: c}
	}
	return run.AgentPlan{Steps: steps, Narrative: narrative}
}

// budgetExhausted builds the forced-finish marker text.
func budgetExhausted(rounds, observations int) string {
	return fmt.Sprintf("Iteration budget exhausted after %d tool round(s) without a final answer; %d observation(s) were gathered and remain available on the run record.", rounds, observations)
}
