package a2a

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/droverhq/drover/internal/domain/agent"
	"github.com/droverhq/drover/internal/domain/hook"
)

// Executor runs agent tasks. Satisfied by the coordinator.
type Executor interface {
	Execute(ctx context.Context, agentName, task string, hctx hook.Context) (string, error)
	ListAgents(ctx context.Context, filter agent.ListFilter) (agent.Page, error)
}

// Handler serves the A2A protocol endpoints.
type Handler struct {
	serviceName string
	baseURL     string
	exec        Executor
	taskTimeout time.Duration

	mu    sync.RWMutex
	tasks map[string]*TaskResponse
}

// NewHandler creates an A2A handler backed by the given executor.
func NewHandler(serviceName, baseURL string, exec Executor, taskTimeout time.Duration) *Handler {
	if taskTimeout <= 0 {
		taskTimeout = 10 * time.Minute
	}
	return &Handler{
		serviceName: serviceName,
		baseURL:     baseURL,
		exec:        exec,
		taskTimeout: taskTimeout,
		tasks:       make(map[string]*TaskResponse),
	}
}

// MountRoutes registers A2A routes on the given chi router.
// These are mounted at the root level, not under /api/v1.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/.well-known/agent.json", h.handleAgentCard)
	r.Post("/a2a/tasks", h.handleCreateTask)
	r.Get("/a2a/tasks/{id}", h.handleGetTask)
}

func (h *Handler) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	page, err := h.exec.ListAgents(r.Context(), agent.ListFilter{})
	if err != nil {
		http.Error(w, `{"error":"agent listing failed"}`, http.StatusInternalServerError)
		return
	}
	card := BuildAgentCard(h.serviceName, h.baseURL, page.Agents)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(card)
}

func (h *Handler) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	if req.Skill == "" {
		http.Error(w, `{"error":"skill is required"}`, http.StatusBadRequest)
		return
	}
	task, _ := req.Input["task"].(string)
	if task == "" {
		http.Error(w, `{"error":"input.task is required"}`, http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	resp := &TaskResponse{ID: req.ID, Status: StateQueued}

	h.mu.Lock()
	if _, exists := h.tasks[req.ID]; exists {
		h.mu.Unlock()
		http.Error(w, `{"error":"task id already exists"}`, http.StatusConflict)
		return
	}
	h.tasks[req.ID] = resp
	h.mu.Unlock()

	hctx := hook.Context{TaskID: req.ID}
	if v, ok := req.Context["user_id"].(string); ok {
		hctx.UserID = v
	}
	if v, ok := req.Context["session_id"].(string); ok {
		hctx.SessionID = v
	}

	go h.run(req.ID, req.Skill, task, hctx)

	slog.Info("a2a task created", "id", req.ID, "skill", req.Skill)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(resp)
}

// run executes a queued task and records its terminal state.
func (h *Handler) run(id, skill, task string, hctx hook.Context) {
	ctx, cancel := context.WithTimeout(context.Background(), h.taskTimeout)
	defer cancel()

	h.setStatus(id, func(t *TaskResponse) { t.Status = StateRunning })

	output, err := h.exec.Execute(ctx, skill, task, hctx)
	if err != nil {
		slog.Error("a2a task failed", "id", id, "skill", skill, "error", err)
		h.setStatus(id, func(t *TaskResponse) {
			t.Status = StateFailed
			t.Error = err.Error()
		})
		return
	}
	h.setStatus(id, func(t *TaskResponse) {
		t.Status = StateCompleted
		t.Output = map[string]any{"text": output}
	})
}

func (h *Handler) setStatus(id string, mutate func(*TaskResponse)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.tasks[id]; ok {
		mutate(t)
	}
}

func (h *Handler) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	h.mu.RLock()
	resp, ok := h.tasks[id]
	var snapshot TaskResponse
	if ok {
		snapshot = *resp
	}
	h.mu.RUnlock()

	if !ok {
		http.Error(w, `{"error":"task not found"}`, http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snapshot)
}

// WaitTask blocks until the task reaches a terminal state or the context
// expires. Used by tests and synchronous callers.
func (h *Handler) WaitTask(ctx context.Context, id string) (*TaskResponse, error) {
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()

	for {
		h.mu.RLock()
		t, ok := h.tasks[id]
		var snapshot TaskResponse
		if ok {
			snapshot = *t
		}
		h.mu.RUnlock()

		if !ok {
			return nil, fmt.Errorf("a2a: task %q not found", id)
		}
		if snapshot.Status == StateCompleted || snapshot.Status == StateFailed {
			return &snapshot, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tick.C:
		}
	}
}
