package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/droverhq/drover/internal/domain"
	"github.com/droverhq/drover/internal/domain/agent"
	"github.com/droverhq/drover/internal/domain/conversation"
	"github.com/droverhq/drover/internal/domain/mcp"
	"github.com/droverhq/drover/internal/domain/run"
	"github.com/droverhq/drover/internal/port/model"
	"github.com/droverhq/drover/internal/port/sandbox"
)

type mockRunner struct {
	mu    sync.Mutex
	specs []sandbox.RunSpec
	exec  *sandbox.Execution
	err   error
}

func (r *mockRunner) Name() string { return "mock" }

func (r *mockRunner) Run(_ context.Context, spec sandbox.RunSpec) (*sandbox.Execution, error) {
	r.mu.Lock()
	r.specs = append(r.specs, spec)
	r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return r.exec, nil
}

func plannerDef(format agent.ToolFormat) agent.Definition {
	return agent.Definition{
		Name:         "researcher",
		SystemPrompt: "You are a researcher.",
		Model:        agent.ModelSettings{Model: "test-model", ToolFormat: format},
	}
}

func planMessages(def agent.Definition, task string) []conversation.Message {
	return []conversation.Message{
		conversation.System(def.SystemPrompt),
		conversation.User(task),
	}
}

func TestNewPlanner(t *testing.T) {
	scripted := model.NewScripted(model.Turn{Text: "ok"})

	tests := []struct {
		name     string
		kind     agent.PlannerKind
		model    model.Model
		wantName string
		wantErr  error
	}{
		{name: "empty kind defaults to simple", kind: "", model: scripted, wantName: "simple"},
		{name: "simple", kind: agent.PlannerSimple, model: scripted, wantName: "simple"},
		{name: "code", kind: agent.PlannerCode, model: scripted, wantName: "code"},
		{name: "unified", kind: agent.PlannerUnified, model: scripted, wantName: "unified"},
		{name: "nil model", kind: agent.PlannerSimple, model: nil, wantErr: domain.ErrValidation},
		{name: "unknown kind", kind: "recursive", model: scripted, wantErr: domain.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewPlanner(tt.kind, tt.model, nil)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p.Name() != tt.wantName {
				t.Errorf("Name() = %s, want %s", p.Name(), tt.wantName)
			}
		})
	}
}

func TestSimplePlannerNativeContinue(t *testing.T) {
	scripted := model.NewScripted(model.Turn{
		Text: "I will look this up.",
		ToolCalls: []run.ToolCall{
			{Name: "search", Input: json.RawMessage(`{"q":"go"}`)},
			{ID: "prov_7", Name: "fetch", Input: json.RawMessage(`{}`)},
		},
	})
	p, err := NewPlanner(agent.PlannerSimple, scripted, nil)
	if err != nil {
		t.Fatalf("NewPlanner: %v", err)
	}

	def := plannerDef("")
	tools := []mcp.ServerTool{
		{Server: "web", Name: "search"},
		{Server: "web", Name: "fetch"},
	}
	res, err := p.Plan(context.Background(), PlanInput{
		Definition: def,
		Messages:   planMessages(def, "find the go docs"),
		Tools:      tools,
		Iteration:  3,
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	if res.IsFinish() {
		t.Fatal("expected a tool batch, got finish")
	}
	if res.Iteration != 3 {
		t.Errorf("iteration = %d, want 3", res.Iteration)
	}
	steps := res.Plan.Steps
	if len(steps) != 2 {
		t.Fatalf("got %d steps, want 2", len(steps))
	}
	if steps[0].Call.ID != "call_0" || steps[0].Call.Name != "search" {
		t.Errorf("step 0 = %+v", steps[0].Call)
	}
	if steps[1].Call.ID != "prov_7" || steps[1].Call.Name != "fetch" {
		t.Errorf("step 1 = %+v", steps[1].Call)
	}
	if steps[0].Index != 0 || steps[1].Index != 1 {
		t.Errorf("indexes = %d, %d", steps[0].Index, steps[1].Index)
	}

	reqs := scripted.Requests()
	if len(reqs) != 1 {
		t.Fatalf("got %d model requests, want 1", len(reqs))
	}
	if len(reqs[0].Tools) != 2 || reqs[0].Tools[0].Name != "search" {
		t.Errorf("native request did not carry the catalogue: %+v", reqs[0].Tools)
	}
	if reqs[0].Model != "test-model" {
		t.Errorf("request model = %s", reqs[0].Model)
	}
}

func TestSimplePlannerNativeFinish(t *testing.T) {
	scripted := model.NewScripted(model.Turn{Text: "The answer is 42."})
	p, _ := NewPlanner(agent.PlannerSimple, scripted, nil)

	def := plannerDef("")
	res, err := p.Plan(context.Background(), PlanInput{
		Definition: def,
		Messages:   planMessages(def, "what is the answer"),
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if !res.IsFinish() {
		t.Fatal("expected finish")
	}
	if res.FinalText != "The answer is 42." {
		t.Errorf("final text = %q", res.FinalText)
	}
}

func TestSimplePlannerNativeMalformedCalls(t *testing.T) {
	scripted := model.NewScripted(model.Turn{
		ToolCalls: []run.ToolCall{{Name: "", Input: json.RawMessage(`{}`)}},
	})
	p, _ := NewPlanner(agent.PlannerSimple, scripted, nil)

	def := plannerDef("")
	_, err := p.Plan(context.Background(), PlanInput{Definition: def, Messages: planMessages(def, "go")})
	if !errors.Is(err, domain.ErrParsing) {
		t.Errorf("error = %v, want ErrParsing", err)
	}
}

func TestSimplePlannerInlineXML(t *testing.T) {
	text := `First I search. <tool_call><name>search</name><arguments>{"q":"go"}</arguments></tool_call>` +
		`Then I read. <tool_call><name>read_page</name><arguments>{"url":"a"}</arguments></tool_call>`
	scripted := model.NewScripted(model.Turn{Text: text})
	scripted.FragmentSize = 3
	p, _ := NewPlanner(agent.PlannerSimple, scripted, nil)

	def := plannerDef(agent.FormatXML)
	res, err := p.Plan(context.Background(), PlanInput{
		Definition: def,
		Messages:   planMessages(def, "research go"),
		Tools:      []mcp.ServerTool{{Server: "web", Name: "search"}},
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	if res.IsFinish() {
		t.Fatal("expected a tool batch, got finish")
	}
	steps := res.Plan.Steps
	if len(steps) != 2 {
		t.Fatalf("got %d steps, want 2", len(steps))
	}
	if steps[0].Call.ID != "call_0" || steps[0].Call.Name != "search" {
		t.Errorf("step 0 = %+v", steps[0].Call)
	}
	if string(steps[0].Call.Input) != `{"q":"go"}` {
		t.Errorf("step 0 input = %s", steps[0].Call.Input)
	}
	if steps[1].Call.ID != "call_1" || steps[1].Call.Name != "read_page" {
		t.Errorf("step 1 = %+v", steps[1].Call)
	}
	if steps[0].Rationale != "First I search." {
		t.Errorf("step 0 rationale = %q", steps[0].Rationale)
	}
	if steps[1].Rationale != "Then I read." {
		t.Errorf("step 1 rationale = %q", steps[1].Rationale)
	}
	if res.Plan.Narrative != "First I search. Then I read. " {
		t.Errorf("narrative = %q", res.Plan.Narrative)
	}

	// Inline formats never pass the catalogue through the provider contract.
	if tools := scripted.Requests()[0].Tools; len(tools) != 0 {
		t.Errorf("inline request carried native tools: %+v", tools)
	}
}

func TestSimplePlannerFragmentationInvariance(t *testing.T) {
	text := `Check the index. <tool_call><name>search</name><arguments>{"q":"x"}</arguments></tool_call>` +
		`Now compare. <tool_call><name>search</name><arguments>{"q":"y"}</arguments></tool_call> Almost done.`
	def := plannerDef(agent.FormatXML)

	plan := func(fragmentSize int) *run.ExecutionResult {
		t.Helper()
		scripted := model.NewScripted(model.Turn{Text: text})
		scripted.FragmentSize = fragmentSize
		p, _ := NewPlanner(agent.PlannerSimple, scripted, nil)
		res, err := p.Plan(context.Background(), PlanInput{
			Definition: def,
			Messages:   planMessages(def, "compare"),
		})
		if err != nil {
			t.Fatalf("fragment size %d: %v", fragmentSize, err)
		}
		return res
	}

	whole := plan(0)
	if whole.IsFinish() || len(whole.Plan.Steps) != 2 {
		t.Fatalf("whole plan = %+v", whole)
	}

	for size := 1; size <= len(text); size++ {
		res := plan(size)
		if len(res.Plan.Steps) != len(whole.Plan.Steps) {
			t.Fatalf("size %d: %d steps, want %d", size, len(res.Plan.Steps), len(whole.Plan.Steps))
		}
		for i := range whole.Plan.Steps {
			w, g := whole.Plan.Steps[i], res.Plan.Steps[i]
			if g.Call.ID != w.Call.ID || g.Call.Name != w.Call.Name || string(g.Call.Input) != string(w.Call.Input) {
				t.Fatalf("size %d step %d: call %+v != %+v", size, i, g.Call, w.Call)
			}
			if g.Rationale != w.Rationale {
				t.Fatalf("size %d step %d: rationale %q != %q", size, i, g.Rationale, w.Rationale)
			}
		}
		if res.Plan.Narrative != whole.Plan.Narrative {
			t.Fatalf("size %d: narrative %q != %q", size, res.Plan.Narrative, whole.Plan.Narrative)
		}
	}
}

func TestSimplePlannerInlineUnterminatedCall(t *testing.T) {
	scripted := model.NewScripted(model.Turn{Text: `<tool_call><name>search</name>`})
	p, _ := NewPlanner(agent.PlannerSimple, scripted, nil)

	def := plannerDef(agent.FormatXML)
	_, err := p.Plan(context.Background(), PlanInput{Definition: def, Messages: planMessages(def, "go")})
	if !errors.Is(err, domain.ErrParsing) {
		t.Errorf("error = %v, want ErrParsing", err)
	}
}

func TestSimplePlannerModelError(t *testing.T) {
	scripted := model.NewScripted(model.Turn{Err: errors.New("provider down")})
	p, _ := NewPlanner(agent.PlannerSimple, scripted, nil)

	def := plannerDef(agent.FormatXML)
	_, err := p.Plan(context.Background(), PlanInput{Definition: def, Messages: planMessages(def, "go")})
	if err == nil || !strings.Contains(err.Error(), "provider down") {
		t.Errorf("error = %v, want provider failure", err)
	}
}

func TestUnifiedPlannerDefaultsToInlineXML(t *testing.T) {
	scripted := model.NewScripted(model.Turn{
		Text: `Looking. <tool_call><name>search</name><arguments>{}</arguments></tool_call>`,
	})
	p, _ := NewPlanner(agent.PlannerUnified, scripted, nil)

	def := plannerDef(agent.FormatNative)
	msgs := planMessages(def, "research go")
	res, err := p.Plan(context.Background(), PlanInput{
		Definition: def,
		Messages:   msgs,
		Tools: []mcp.ServerTool{
			{Server: "web", Name: "search", Description: "finds things", InputSchema: json.RawMessage(`{"type":"object"}`)},
			{Server: "web", Name: "fetch"},
		},
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	if res.IsFinish() || len(res.Plan.Steps) != 1 {
		t.Fatalf("plan = %+v", res)
	}
	if res.Plan.Steps[0].Call.Name != "search" || res.Plan.Steps[0].Rationale != "Looking." {
		t.Errorf("step = %+v", res.Plan.Steps[0])
	}

	req := scripted.Requests()[0]
	if len(req.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(req.Messages))
	}
	sys := req.Messages[0]
	if sys.Role != conversation.RoleSystem {
		t.Fatalf("first message role = %s", sys.Role)
	}
	if !strings.Contains(sys.Content, "You are a researcher.") {
		t.Errorf("system prompt dropped: %q", sys.Content)
	}
	if !strings.Contains(sys.Content, "search: finds things") {
		t.Errorf("catalogue missing from preamble: %q", sys.Content)
	}
	if !strings.Contains(sys.Content, `{"type":"object"}`) {
		t.Errorf("input schema missing from preamble: %q", sys.Content)
	}
	if !strings.Contains(sys.Content, "<tool_call><name>TOOL</name>") {
		t.Errorf("call grammar missing from preamble: %q", sys.Content)
	}

	// The caller's conversation is never mutated.
	if msgs[0].Content != "You are a researcher." {
		t.Errorf("input messages mutated: %q", msgs[0].Content)
	}
}

func TestUnifiedPlannerWithoutSystemMessage(t *testing.T) {
	scripted := model.NewScripted(model.Turn{Text: "done"})
	p, _ := NewPlanner(agent.PlannerUnified, scripted, nil)

	def := plannerDef("")
	_, err := p.Plan(context.Background(), PlanInput{
		Definition: def,
		Messages:   []conversation.Message{conversation.User("go")},
		Tools:      []mcp.ServerTool{{Server: "web", Name: "search"}},
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	req := scripted.Requests()[0]
	if len(req.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(req.Messages))
	}
	if req.Messages[0].Role != conversation.RoleSystem || !strings.Contains(req.Messages[0].Content, "search") {
		t.Errorf("catalogue system message not prepended: %+v", req.Messages[0])
	}
	if req.Messages[1].Role != conversation.RoleUser {
		t.Errorf("user message displaced: %+v", req.Messages[1])
	}
}

func TestUnifiedPlannerJSONFormat(t *testing.T) {
	scripted := model.NewScripted(model.Turn{
		Text: `{"tool_name":"search","input":{"q":"x"}}`,
	})
	p, _ := NewPlanner(agent.PlannerUnified, scripted, nil)

	def := plannerDef(agent.FormatJSON)
	res, err := p.Plan(context.Background(), PlanInput{
		Definition: def,
		Messages:   planMessages(def, "go"),
		Tools:      []mcp.ServerTool{{Server: "web", Name: "search"}},
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if res.IsFinish() || res.Plan.Steps[0].Call.Name != "search" {
		t.Fatalf("plan = %+v", res)
	}

	sys := scripted.Requests()[0].Messages[0].Content
	if !strings.Contains(sys, `{"tool_name": "...", "input": {...}}`) {
		t.Errorf("JSON grammar missing from preamble: %q", sys)
	}
}

func TestCodePlannerWithoutRunner(t *testing.T) {
	scripted := model.NewScripted(model.Turn{Text: "ok"})
	p, err := NewPlanner(agent.PlannerCode, scripted, nil)
	if err != nil {
		t.Fatalf("NewPlanner: %v", err)
	}

	def := plannerDef("")
	_, err = p.Plan(context.Background(), PlanInput{Definition: def, Messages: planMessages(def, "go")})
	if !errors.Is(err, domain.ErrNotImplemented) {
		t.Errorf("error = %v, want ErrNotImplemented", err)
	}
}

func TestCodePlannerPlansFromProgramOutput(t *testing.T) {
	runner := &mockRunner{exec: &sandbox.Execution{
		Stdout: `{"tool_name":"search","input":{"q":"go"}}` + "\n" + `{"tool_name":"fetch","input":{}}` + "\n",
	}}
	scripted := model.NewScripted(model.Turn{
		Text: "Here is the program:\n```python\nprint('hi')\n```\n",
	})
	p, _ := NewPlanner(agent.PlannerCode, scripted, runner)

	def := plannerDef("")
	res, err := p.Plan(context.Background(), PlanInput{
		Definition: def,
		Messages:   planMessages(def, "research go"),
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	if res.IsFinish() {
		t.Fatal("expected a tool batch, got finish")
	}
	steps := res.Plan.Steps
	if len(steps) != 2 {
		t.Fatalf("got %d steps, want 2", len(steps))
	}
	if steps[0].Call.ID != "call_0" || steps[0].Call.Name != "search" {
		t.Errorf("step 0 = %+v", steps[0].Call)
	}
	if steps[1].Call.ID != "call_1" || steps[1].Call.Name != "fetch" {
		t.Errorf("step 1 = %+v", steps[1].Call)
	}

	if len(runner.specs) != 1 {
		t.Fatalf("got %d sandbox runs, want 1", len(runner.specs))
	}
	spec := runner.specs[0]
	if spec.Language != "python" {
		t.Errorf("language = %s", spec.Language)
	}
	if spec.Code != "print('hi')" {
		t.Errorf("code = %q, want the unfenced block", spec.Code)
	}
	if spec.Timeout != 60*time.Second {
		t.Errorf("timeout = %s", spec.Timeout)
	}

	// The model is told how its program must communicate.
	msgs := scripted.Requests()[0].Messages
	last := msgs[len(msgs)-1]
	if last.Role != conversation.RoleUser || !strings.Contains(last.Content, "fenced code block") {
		t.Errorf("instruction message = %+v", last)
	}
}

func TestCodePlannerPlainStdoutIsFinish(t *testing.T) {
	runner := &mockRunner{exec: &sandbox.Execution{Stdout: "The answer is 42.\n"}}
	scripted := model.NewScripted(model.Turn{Text: "```python\nprint('The answer is 42.')\n```"})
	p, _ := NewPlanner(agent.PlannerCode, scripted, runner)

	def := plannerDef("")
	res, err := p.Plan(context.Background(), PlanInput{Definition: def, Messages: planMessages(def, "go")})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if !res.IsFinish() {
		t.Fatal("expected finish")
	}
	if strings.TrimSpace(res.FinalText) != "The answer is 42." {
		t.Errorf("final text = %q", res.FinalText)
	}
}

func TestCodePlannerProgramFailure(t *testing.T) {
	tests := []struct {
		name   string
		runner *mockRunner
	}{
		{
			name:   "non-zero exit",
			runner: &mockRunner{exec: &sandbox.Execution{ExitCode: 1, Stderr: "Traceback: boom"}},
		},
		{
			name:   "runner failure",
			runner: &mockRunner{err: errors.New("no python runtime")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scripted := model.NewScripted(model.Turn{Text: "```python\nraise SystemExit(1)\n```"})
			p, _ := NewPlanner(agent.PlannerCode, scripted, tt.runner)

			def := plannerDef("")
			_, err := p.Plan(context.Background(), PlanInput{Definition: def, Messages: planMessages(def, "go")})
			if !errors.Is(err, domain.ErrToolExecution) {
				t.Errorf("error = %v, want ErrToolExecution", err)
			}
		})
	}
}

func TestCodePlannerNoCodeBlock(t *testing.T) {
	runner := &mockRunner{exec: &sandbox.Execution{}}
	scripted := model.NewScripted(model.Turn{Text: "I cannot write a program for that."})
	p, _ := NewPlanner(agent.PlannerCode, scripted, runner)

	def := plannerDef("")
	_, err := p.Plan(context.Background(), PlanInput{Definition: def, Messages: planMessages(def, "go")})
	if !errors.Is(err, domain.ErrParsing) {
		t.Errorf("error = %v, want ErrParsing", err)
	}
	if len(runner.specs) != 0 {
		t.Errorf("sandbox ran despite missing code block")
	}
}
