package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/droverhq/drover/internal/domain"
	"github.com/droverhq/drover/internal/domain/conversation"
	"github.com/droverhq/drover/internal/domain/run"
	memoryport "github.com/droverhq/drover/internal/port/memory"
	"github.com/droverhq/drover/internal/port/model"
)

func memStep(i int, tool string) memoryport.Step {
	id := fmt.Sprintf("c%d", i)
	return memoryport.Step{
		Iteration: i,
		Plan: run.AgentPlan{Steps: []run.PlanStep{{
			Index: 0,
			Call:  run.ToolCall{ID: id, Name: tool, Input: json.RawMessage(`{}`)},
		}}},
		Responses: []run.ToolResponse{{ID: id, Name: tool, Content: "result of " + tool}},
	}
}

func TestNewMemoryStrategy(t *testing.T) {
	tests := []struct {
		name     string
		strategy string
		model    model.Model
		want     string
		wantErr  bool
	}{
		{name: "empty defaults to noop", strategy: "", want: MemoryNoop},
		{name: "noop", strategy: "noop", want: MemoryNoop},
		{name: "buffer", strategy: "buffer", want: MemoryBuffer},
		{name: "summarizing", strategy: "summarizing", model: model.NewScripted(model.Turn{Text: "d"}), want: MemorySummarizing},
		{name: "summarizing without model", strategy: "summarizing", wantErr: true},
		{name: "unknown", strategy: "exotic", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NewMemoryStrategy(tc.strategy, tc.model)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if !errors.Is(err, domain.ErrValidation) {
					t.Errorf("expected ErrValidation, got: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Name() != tc.want {
				t.Errorf("expected strategy %q, got %q", tc.want, got.Name())
			}
		})
	}
}

func TestNoopMemory(t *testing.T) {
	var m NoopMemory
	scope := memoryport.Scope{AgentName: "a"}

	if err := m.StoreStep(context.Background(), scope, memStep(1, "t")); err != nil {
		t.Fatalf("store: %v", err)
	}
	msgs, err := m.Load(context.Background(), scope)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("noop memory must stay empty, got %d messages", len(msgs))
	}
}

func TestBufferMemoryStoreAndLoad(t *testing.T) {
	m := NewBufferMemory()
	scope := memoryport.Scope{AgentName: "a", UserID: "u", SessionID: "s"}

	if err := m.StoreStep(context.Background(), scope, memStep(1, "search")); err != nil {
		t.Fatalf("store: %v", err)
	}
	msgs, err := m.Load(context.Background(), scope)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected plan + response messages, got %d", len(msgs))
	}
	if msgs[0].Role != conversation.RoleAssistant {
		t.Errorf("expected assistant plan message first, got role %q", msgs[0].Role)
	}
	if msgs[1].Role != conversation.RoleTool || msgs[1].ToolCallID != "c1" {
		t.Errorf("expected correlated tool message, got %+v", msgs[1])
	}
}

func TestBufferMemoryScopesAreIsolated(t *testing.T) {
	m := NewBufferMemory()
	a := memoryport.Scope{AgentName: "agent", UserID: "alice"}
	b := memoryport.Scope{AgentName: "agent", UserID: "bob"}

	if err := m.StoreStep(context.Background(), a, memStep(1, "t")); err != nil {
		t.Fatal(err)
	}

	msgs, _ := m.Load(context.Background(), b)
	if len(msgs) != 0 {
		t.Errorf("scopes must not share transcripts, got %d messages", len(msgs))
	}
}

func TestBufferMemoryLoadReturnsCopy(t *testing.T) {
	m := NewBufferMemory()
	scope := memoryport.Scope{AgentName: "a"}
	if err := m.StoreStep(context.Background(), scope, memStep(1, "t")); err != nil {
		t.Fatal(err)
	}

	msgs, _ := m.Load(context.Background(), scope)
	msgs[0].Content = "tampered"

	again, _ := m.Load(context.Background(), scope)
	if again[0].Content == "tampered" {
		t.Error("Load must return an independent copy")
	}
}

func TestSummarizingMemoryCompacts(t *testing.T) {
	scripted := model.NewScripted(model.Turn{Text: "searched two sources, found the answer draft"})
	m := NewSummarizingMemory(scripted, 4, 2)
	scope := memoryport.Scope{AgentName: "a", SessionID: "s"}

	// Each step adds two messages; the third store crosses the threshold.
	for i := 1; i <= 3; i++ {
		if err := m.StoreStep(context.Background(), scope, memStep(i, "search")); err != nil {
			t.Fatalf("store %d: %v", i, err)
		}
	}

	msgs, err := m.Load(context.Background(), scope)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected summary + 2 tail messages, got %d", len(msgs))
	}
	if msgs[0].Role != conversation.RoleAssistant || !strings.Contains(msgs[0].Content, "Summary of earlier steps:") {
		t.Errorf("expected summary message first, got %+v", msgs[0])
	}
	if !strings.Contains(msgs[0].Content, "found the answer draft") {
		t.Errorf("summary should carry the model digest, got %q", msgs[0].Content)
	}

	reqs := scripted.Requests()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 summarize call, got %d", len(reqs))
	}
}

func TestSummarizingMemoryKeepsTranscriptOnModelFailure(t *testing.T) {
	scripted := model.NewScripted(model.Turn{Err: errors.New("model down")})
	m := NewSummarizingMemory(scripted, 4, 2)
	scope := memoryport.Scope{AgentName: "a"}

	for i := 1; i <= 3; i++ {
		if err := m.StoreStep(context.Background(), scope, memStep(i, "search")); err != nil {
			t.Fatalf("store %d must not fail on compaction error: %v", i, err)
		}
	}

	msgs, _ := m.Load(context.Background(), scope)
	if len(msgs) != 6 {
		t.Errorf("failed compaction must keep the transcript, got %d messages", len(msgs))
	}
}
