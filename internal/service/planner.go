package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/droverhq/drover/internal/domain"
	"github.com/droverhq/drover/internal/domain/agent"
	"github.com/droverhq/drover/internal/domain/conversation"
	"github.com/droverhq/drover/internal/domain/mcp"
	"github.com/droverhq/drover/internal/domain/run"
	"github.com/droverhq/drover/internal/parser"
	"github.com/droverhq/drover/internal/port/model"
	"github.com/droverhq/drover/internal/port/sandbox"
)

// codeRunTimeout bounds one sandboxed program execution.
const codeRunTimeout = 60 * time.Second

// PlanInput is everything one planning pass sees: the agent's definition,
// the conversation so far, and the callable tool catalogue.
type PlanInput struct {
	Definition agent.Definition
	Messages   []conversation.Message
	Tools      []mcp.ServerTool
	Iteration  int
}

// Planner turns conversation state into exactly one of: a final answer, or
// a non-empty ordered tool-call batch with batch-unique ids. Output that
// cannot be reconciled with the configured format fails with a Parsing
// error, never a silently empty plan.
type Planner interface {
	Name() string
	Plan(ctx context.Context, in PlanInput) (*run.ExecutionResult, error)
}

// NewPlanner selects the strategy variant at build time. The sandbox
// runner is only consulted by the code strategy and may be nil otherwise.
func NewPlanner(kind agent.PlannerKind, m model.Model, runner sandbox.Runner) (Planner, error) {
	if m == nil {
		return nil, fmt.Errorf("planner needs a model: %w", domain.ErrValidation)
	}
	switch kind {
	case "", agent.PlannerSimple:
		return &SimplePlanner{model: m}, nil
	case agent.PlannerCode:
		return &CodePlanner{model: m, runner: runner}, nil
	case agent.PlannerUnified:
		return &UnifiedPlanner{model: m}, nil
	default:
		return nil, fmt.Errorf("unknown planner %q: %w", kind, domain.ErrValidation)
	}
}

// SimplePlanner drives one model call per iteration and reads the output
// through the parser for the agent's configured tool format.
type SimplePlanner struct {
	model model.Model
}

// Name returns "simple".
func (p *SimplePlanner) Name() string { return string(agent.PlannerSimple) }

// Plan runs the model over the conversation. Native-format agents receive
// the tool catalogue through the provider contract; inline formats stream
// raw text through the incremental parser.
func (p *SimplePlanner) Plan(ctx context.Context, in PlanInput) (*run.ExecutionResult, error) {
	req := planRequest(in)

	format := in.Definition.Model.ToolFormat
	if format == "" {
		format = agent.FormatNative
	}

	if format == agent.FormatNative {
		req.Tools = in.Tools
		resp, err := model.Complete(ctx, p.model, req)
		if err != nil {
			return nil, err
		}
		calls, err := parser.Native(resp.ToolCalls)
		if err != nil {
			return nil, err
		}
		return buildResult(resp.Text, calls, nil, in.Iteration)
	}

	return streamPlan(ctx, p.model, req, format, in.Iteration)
}

// CodePlanner asks the model for a program and runs it in the sandbox; the
// program's stdout carries inline-JSON tool calls or a plain final answer.
type CodePlanner struct {
	model  model.Model
	runner sandbox.Runner
}

// Name returns "code".
func (p *CodePlanner) Name() string { return string(agent.PlannerCode) }

// codeInstruction tells the model how its program communicates decisions.
const codeInstruction = `Respond with exactly one fenced code block containing a Python program.
The program acts for you: print a JSON object {"tool_name": "...", "input": {...}} per tool you want invoked (one per line), or print the final answer as plain text and nothing else.`

// Plan generates a program, executes it, and parses its stdout. Without a
// configured sandbox runner the strategy is unavailable.
func (p *CodePlanner) Plan(ctx context.Context, in PlanInput) (*run.ExecutionResult, error) {
	if p.runner == nil {
		return nil, fmt.Errorf("code planner needs a sandbox runner: %w", domain.ErrNotImplemented)
	}

	req := planRequest(in)
	req.Messages = append(conversation.Clone(req.Messages), conversation.User(codeInstruction))

	resp, err := model.Complete(ctx, p.model, req)
	if err != nil {
		return nil, err
	}

	code, ok := extractCodeBlock(resp.Text)
	if !ok {
		return nil, fmt.Errorf("no code block in model output %q: %w", truncate(resp.Text, 120), domain.ErrParsing)
	}

	exec, err := p.runner.Run(ctx, sandbox.RunSpec{
		Language: "python",
		Code:     code,
		Timeout:  codeRunTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("sandbox run: %w: %w", err, domain.ErrToolExecution)
	}
	if exec.ExitCode != 0 {
		return nil, fmt.Errorf("generated program exited %d: %s: %w", exec.ExitCode, truncate(exec.Stderr, 200), domain.ErrToolExecution)
	}

	sp, err := parser.New(agent.FormatJSON)
	if err != nil {
		return nil, err
	}
	result, err := parser.Collect(sp, exec.Stdout)
	if err != nil {
		return nil, err
	}
	return buildResult(result.Text, result.Calls, nil, in.Iteration)
}

// UnifiedPlanner embeds the tool catalogue and call syntax into the system
// prompt, then streams through the same parse path as SimplePlanner. Agents
// whose providers lack native tool support run through it with an inline
// format.
type UnifiedPlanner struct {
	model model.Model
}

// Name returns "unified".
func (p *UnifiedPlanner) Name() string { return string(agent.PlannerUnified) }

// Plan augments the system prompt with the catalogue and the inline call
// grammar for the configured format, then parses the streamed output.
func (p *UnifiedPlanner) Plan(ctx context.Context, in PlanInput) (*run.ExecutionResult, error) {
	format := in.Definition.Model.ToolFormat
	if format == "" || format == agent.FormatNative {
		// Native structured calls bypass prompt-embedded grammar; the
		// unified strategy always speaks an inline format.
		format = agent.FormatXML
	}

	req := planRequest(in)
	req.Messages = withUnifiedPreamble(req.Messages, in.Tools, format)

	return streamPlan(ctx, p.model, req, format, in.Iteration)
}

// planRequest maps an input onto the model port request.
func planRequest(in PlanInput) model.Request {
	return model.Request{
		Model:       in.Definition.Model.Model,
		Temperature: in.Definition.Model.Temperature,
		MaxTokens:   in.Definition.Model.MaxTokens,
		Messages:    in.Messages,
	}
}

// streamPlan drains a model stream through the incremental parser for an
// inline format, attributing narrative to the next finalized call as its
// rationale.
func streamPlan(ctx context.Context, m model.Model, req model.Request, format agent.ToolFormat, iteration int) (*run.ExecutionResult, error) {
	sp, err := parser.New(format)
	if err != nil {
		return nil, err
	}

	chunks, errs := m.Stream(ctx, req)
	var (
		pending    strings.Builder
		rationales []string
	)
	for chunks != nil || errs != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case c, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if c.Text == "" {
				continue
			}
			emitted, err := sp.Feed(c.Text)
			if err != nil {
				return nil, err
			}
			for _, seg := range emitted.Segments {
				if seg.Call == nil {
					pending.WriteString(seg.Text)
					continue
				}
				rationales = append(rationales, strings.TrimSpace(pending.String()))
				pending.Reset()
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return nil, err
			}
		}
	}

	result, err := sp.Finalize()
	if err != nil {
		return nil, err
	}
	return buildResult(result.Text, result.Calls, rationales, iteration)
}

// buildResult classifies a parse outcome: zero calls is a Finish with the
// narrative text, otherwise an ordered batch.
func buildResult(text string, calls []run.ToolCall, rationales []string, iteration int) (*run.ExecutionResult, error) {
	if len(calls) == 0 {
		return run.Finish(text, iteration), nil
	}

	steps := make([]run.PlanStep, len(calls))
	for i, c := range calls {
		steps[i] = run.PlanStep{Index: i, Call: c}
		if i < len(rationales) {
			steps[i].Rationale = rationales[i]
		}
	}
	plan := &run.AgentPlan{Steps: steps, Narrative: text}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return run.Continue(plan, iteration), nil
}

// withUnifiedPreamble prepends (or extends) the system message with the
// tool catalogue and the call grammar for the chosen format.
func withUnifiedPreamble(msgs []conversation.Message, tools []mcp.ServerTool, format agent.ToolFormat) []conversation.Message {
	var b strings.Builder
	b.WriteString("You can call the following tools:\n")
	for _, t := range tools {
		b.WriteString("- ")
		b.WriteString(t.Name)
		if t.Description != "" {
			b.WriteString(": ")
			b.WriteString(t.Description)
		}
		if len(t.InputSchema) > 0 {
			b.WriteString(" (parameters: ")
			b.Write(t.InputSchema)
			b.WriteString(")")
		}
		b.WriteString("\n")
	}
	switch format {
	case agent.FormatJSON:
		b.WriteString("\nTo call a tool, emit a JSON object {\"tool_name\": \"...\", \"input\": {...}} in your reply. Emit one object per call. Reply with plain text only when you have the final answer.\n")
	default:
		b.WriteString("\nTo call a tool, emit <tool_call><name>TOOL</name><arguments>{...}</arguments></tool_call> in your reply. Reply with plain text only when you have the final answer.\n")
	}

	out := conversation.Clone(msgs)
	if len(out) > 0 && out[0].Role == conversation.RoleSystem {
		out[0].Content = out[0].Content + "\n\n" + b.String()
		return out
	}
	return append([]conversation.Message{conversation.System(b.String())}, out...)
}

// extractCodeBlock returns the body of the first fenced code block in s.
func extractCodeBlock(s string) (string, bool) {
	start := strings.Index(s, "```")
	if start < 0 {
		return "", false
	}
	rest := s[start+3:]
	// Drop the language tag line.
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	} else {
		return "", false
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	code := strings.TrimSpace(rest[:end])
	if code == "" {
		return "", false
	}
	return code, true
}

// truncate bounds s for inclusion in an error message.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
