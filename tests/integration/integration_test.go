//go:build integration

// Package integration_test drives the engine through its public HTTP
// surface: a real chi router wired the way the server binary wires it,
// with a scripted model standing in for the provider. No external
// services are required.
// Run with: go test -tags=integration ./tests/integration/...
package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/droverhq/drover/internal/adapter/ws"
	"github.com/droverhq/drover/internal/domain/agent"
	"github.com/droverhq/drover/internal/port/a2a"
	"github.com/droverhq/drover/internal/port/eventsink"
	"github.com/droverhq/drover/internal/port/model"
	"github.com/droverhq/drover/internal/service"
)

var testServer *httptest.Server

func TestMain(m *testing.M) {
	ctx := context.Background()

	// The echo agent declares no tools, so runs complete on the scripted
	// model alone without any live MCP transport.
	scripted := model.NewScripted(model.Turn{Text: "All good."})

	registry := service.NewToolServerRegistry(nil)
	dispatch := service.NewDispatchService(registry, service.NewStaticSessionStore(nil), nil)
	executor := service.NewExecutor(dispatch, service.NewHookService(nil, 0), nil)

	hub := ws.NewHub()
	coordinator := service.NewCoordinator(service.CoordinatorParams{
		Registry: registry,
		Executor: executor,
		Model:    scripted,
		Sink:     eventsink.Fanout{hub},
	})

	err := coordinator.RegisterAgent(ctx, agent.Definition{
		Name:         "echo",
		Description:  "Answers whatever it is asked.",
		SystemPrompt: "You answer briefly.",
		Model:        agent.ModelSettings{Model: "test-model"},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "register agent: %v\n", err)
		os.Exit(1)
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID, chimw.RealIP, chimw.Recoverer)

	// Liveness endpoint
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/ws", hub.HandleWS)

	a2a.NewHandler("drover-test", "", coordinator, time.Minute).MountRoutes(r)

	testServer = httptest.NewServer(r)

	code := m.Run()

	testServer.Close()
	os.Exit(code)
}

// submitTask posts a task request and returns the decoded response body
// and status code.
func submitTask(t *testing.T, req map[string]any) (map[string]any, int) {
	t.Helper()

	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(testServer.URL+"/a2a/tasks", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /a2a/tasks: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return out, resp.StatusCode
}

// waitTask polls the task endpoint until the task reaches a terminal
// state.
func waitTask(t *testing.T, id string) map[string]any {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(testServer.URL + "/a2a/tasks/" + id)
		if err != nil {
			t.Fatalf("GET /a2a/tasks/%s: %v", id, err)
		}
		var body map[string]any
		err = json.NewDecoder(resp.Body).Decode(&body)
		_ = resp.Body.Close()
		if err != nil {
			t.Fatalf("decode task: %v", err)
		}

		switch body["status"] {
		case "completed", "failed":
			return body
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach a terminal state", id)
	return nil
}
