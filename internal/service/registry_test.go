package service

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/droverhq/drover/internal/domain"
	"github.com/droverhq/drover/internal/domain/mcp"
	"github.com/droverhq/drover/internal/port/cache"
	"github.com/droverhq/drover/internal/port/transport"
)

// memCache implements cache.Cache over a map for testing.
type memCache struct {
	mu      sync.Mutex
	entries map[string]memEntry
}

type memEntry struct {
	value   []byte
	expires time.Time
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string]memEntry)}
}

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		delete(c.entries, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (c *memCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := memEntry{value: value}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	c.entries[key] = e
	return nil
}

func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *memCache) raw(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return e.value, ok
}

// recordedCall captures one CallTool invocation on a mockConn.
type recordedCall struct {
	tool string
	args json.RawMessage
	opts transport.CallOptions
}

// mockConn implements transport.Conn for testing.
type mockConn struct {
	mu      sync.Mutex
	tools   []mcp.ServerTool
	listErr error
	results map[string]*transport.Result
	callErr map[string]error
	calls   []recordedCall
	closed  bool

	// gate, when set, blocks CallTool until closed.
	gate chan struct{}
}

func (c *mockConn) Initialize(context.Context) error { return nil }

func (c *mockConn) ListTools(context.Context) ([]mcp.ServerTool, error) {
	if c.listErr != nil {
		return nil, c.listErr
	}
	return c.tools, nil
}

func (c *mockConn) CallTool(ctx context.Context, tool string, args json.RawMessage, opts transport.CallOptions) (*transport.Result, error) {
	c.mu.Lock()
	c.calls = append(c.calls, recordedCall{tool: tool, args: args, opts: opts})
	gate := c.gate
	c.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := c.callErr[tool]; err != nil {
		return nil, err
	}
	if r, ok := c.results[tool]; ok {
		return r, nil
	}
	return &transport.Result{Content: "ok:" + tool}, nil
}

func (c *mockConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *mockConn) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func (c *mockConn) call(i int) recordedCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[i]
}

// injectConn places a live fake connection into the registry, bypassing the
// transport factory.
func injectConn(r *ToolServerRegistry, name string, conn transport.Conn) {
	r.mu.Lock()
	r.conns[name] = conn
	r.mu.Unlock()
}

func TestToolServerRegistryRegisterDefaults(t *testing.T) {
	reg := NewToolServerRegistry(nil)

	def := mcp.ServerDef{
		Name:      "files",
		Transport: mcp.TransportStdio,
		Command:   "mcp-files",
		Tools:     []string{"read_file", "write_file"},
		Enabled:   true,
	}
	if err := reg.Register(def); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := reg.Get("files")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != mcp.ServerStatusRegistered {
		t.Errorf("expected status %q, got %q", mcp.ServerStatusRegistered, got.Status)
	}

	// Declared tool names resolve before the first connection.
	tools, err := reg.ResolveTools(context.Background(), []string{"read_file"})
	if err != nil {
		t.Fatalf("resolve declared tool: %v", err)
	}
	if len(tools) != 1 || tools[0].Server != "files" {
		t.Errorf("unexpected resolution: %+v", tools)
	}
}

func TestToolServerRegistryRegisterDuplicate(t *testing.T) {
	reg := NewToolServerRegistry(nil)
	def := mcp.ServerDef{Name: "dup", Transport: mcp.TransportStdio, Command: "x", Enabled: true}

	if err := reg.Register(def); err != nil {
		t.Fatalf("first register: %v", err)
	}
	err := reg.Register(def)
	if err == nil {
		t.Fatal("expected error on duplicate registration")
	}
	if !errors.Is(err, domain.ErrConflict) {
		t.Errorf("expected ErrConflict, got: %v", err)
	}
}

func TestToolServerRegistryRegisterValidation(t *testing.T) {
	reg := NewToolServerRegistry(nil)

	tests := []struct {
		name string
		def  mcp.ServerDef
	}{
		{
			name: "missing name",
			def:  mcp.ServerDef{Transport: mcp.TransportStdio, Command: "echo"},
		},
		{
			name: "missing transport",
			def:  mcp.ServerDef{Name: "test"},
		},
		{
			name: "invalid transport",
			def:  mcp.ServerDef{Name: "test", Transport: "grpc"},
		},
		{
			name: "stdio without command",
			def:  mcp.ServerDef{Name: "test", Transport: mcp.TransportStdio},
		},
		{
			name: "sse without url",
			def:  mcp.ServerDef{Name: "test", Transport: mcp.TransportSSE},
		},
		{
			name: "auth required without session key",
			def:  mcp.ServerDef{Name: "test", Transport: mcp.TransportStdio, Command: "x", AuthRequired: true},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := reg.Register(tc.def)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, domain.ErrValidation) {
				t.Errorf("expected ErrValidation, got: %v", err)
			}
		})
	}
}

func TestToolServerRegistryLoadFromDirectory(t *testing.T) {
	dir := t.TempDir()

	stdio := `name: file-server
transport: stdio
command: /usr/bin/mcp-files
tools: [read_file]
enabled: true
`
	sse := `name: search-server
transport: sse
url: http://localhost:9090
enabled: true
env:
  TOKEN: secret
`
	if err := os.WriteFile(filepath.Join(dir, "stdio.yaml"), []byte(stdio), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sse.yml"), []byte(sse), 0o644); err != nil {
		t.Fatal(err)
	}
	// Non-YAML file should be ignored.
	if err := os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("ignore me"), 0o644); err != nil {
		t.Fatal(err)
	}

	reg := NewToolServerRegistry(nil)
	if err := reg.LoadFromDirectory(dir); err != nil {
		t.Fatalf("load: %v", err)
	}

	servers := reg.List()
	if len(servers) != 2 {
		t.Fatalf("expected 2 servers from directory, got %d", len(servers))
	}

	got, err := reg.Get("search-server")
	if err != nil {
		t.Fatalf("get search-server: %v", err)
	}
	if got.URL != "http://localhost:9090" {
		t.Errorf("expected URL %q, got %q", "http://localhost:9090", got.URL)
	}
	if got.Env["TOKEN"] != "secret" {
		t.Errorf("expected env TOKEN=secret, got %q", got.Env["TOKEN"])
	}
}

func TestToolServerRegistryLoadFromDirectoryMissing(t *testing.T) {
	reg := NewToolServerRegistry(nil)
	if err := reg.LoadFromDirectory("/nonexistent/path/tool-servers"); err != nil {
		t.Fatalf("expected nil error for missing directory, got: %v", err)
	}
}

func TestToolServerRegistryLoadFromDirectoryInvalid(t *testing.T) {
	dir := t.TempDir()
	invalid := `name: ""
transport: stdio
`
	if err := os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte(invalid), 0o644); err != nil {
		t.Fatal(err)
	}

	reg := NewToolServerRegistry(nil)
	if err := reg.LoadFromDirectory(dir); err == nil {
		t.Fatal("expected error for invalid server definition")
	}
}

func TestToolServerRegistryConnectRefreshesCatalogue(t *testing.T) {
	c := newMemCache()
	reg := NewToolServerRegistry(c)

	def := mcp.ServerDef{
		Name:      "web",
		Transport: mcp.TransportHTTP,
		URL:       "http://web",
		Tools:     []string{"stale_tool"},
		Enabled:   true,
	}
	if err := reg.Register(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	conn := &mockConn{tools: []mcp.ServerTool{
		{Server: "web", Name: "search", Description: "Search the web"},
		{Server: "web", Name: "fetch"},
	}}
	injectConn(reg, "web", conn)

	if err := reg.Connect(context.Background(), "web"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	got, _ := reg.Get("web")
	if got.Status != mcp.ServerStatusConnected {
		t.Errorf("expected status connected, got %q", got.Status)
	}

	// The live catalogue replaced the declared one.
	if _, err := reg.ResolveServer(context.Background(), "stale_tool"); !errors.Is(err, domain.ErrToolNotFound) {
		t.Errorf("expected declared name to be replaced, got: %v", err)
	}
	srv, err := reg.ResolveServer(context.Background(), "fetch")
	if err != nil {
		t.Fatalf("resolve fetch: %v", err)
	}
	if srv.Name != "web" {
		t.Errorf("expected server web, got %q", srv.Name)
	}

	// The listing was cached for restarts.
	if _, ok := c.raw(cache.Key("tools", "web")); !ok {
		t.Error("expected cached catalogue entry")
	}
}

func TestToolServerRegistryCatalogueFromCache(t *testing.T) {
	c := newMemCache()

	first := NewToolServerRegistry(c)
	def := mcp.ServerDef{Name: "web", Transport: mcp.TransportHTTP, URL: "http://web", Enabled: true}
	if err := first.Register(def); err != nil {
		t.Fatalf("register: %v", err)
	}
	injectConn(first, "web", &mockConn{tools: []mcp.ServerTool{{Server: "web", Name: "search"}}})
	if err := first.Connect(context.Background(), "web"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// A new registry over the same cache resolves without connecting.
	second := NewToolServerRegistry(c)
	if err := second.Register(def); err != nil {
		t.Fatalf("register on second: %v", err)
	}
	tools, err := second.ResolveTools(context.Background(), []string{"search"})
	if err != nil {
		t.Fatalf("resolve from cache: %v", err)
	}
	if len(tools) != 1 || tools[0].Server != "web" {
		t.Errorf("unexpected resolution: %+v", tools)
	}
}

func TestToolServerRegistryResolveToolsUnknown(t *testing.T) {
	reg := NewToolServerRegistry(nil)
	def := mcp.ServerDef{
		Name: "files", Transport: mcp.TransportStdio, Command: "x",
		Tools: []string{"read_file"}, Enabled: true,
	}
	if err := reg.Register(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, err := reg.ResolveTools(context.Background(), []string{"read_file", "no_such_tool"})
	if err == nil {
		t.Fatal("expected error for unknown tool")
	}
	if !errors.Is(err, domain.ErrToolNotFound) {
		t.Errorf("expected ErrToolNotFound, got: %v", err)
	}
}

func TestToolServerRegistryResolveToolsEmpty(t *testing.T) {
	reg := NewToolServerRegistry(nil)
	defs := []mcp.ServerDef{
		{Name: "a", Transport: mcp.TransportStdio, Command: "a", Tools: []string{"t1"}, Enabled: true},
		{Name: "b", Transport: mcp.TransportStdio, Command: "b", Tools: []string{"t2", "t3"}, Enabled: true},
	}
	for _, d := range defs {
		if err := reg.Register(d); err != nil {
			t.Fatalf("register %s: %v", d.Name, err)
		}
	}

	tools, err := reg.ResolveTools(context.Background(), nil)
	if err != nil {
		t.Fatalf("resolve all: %v", err)
	}
	if len(tools) != 3 {
		t.Errorf("expected whole catalogue (3 tools), got %d", len(tools))
	}
}

func TestToolServerRegistryCatalogueSkipsDisabled(t *testing.T) {
	reg := NewToolServerRegistry(nil)
	defs := []mcp.ServerDef{
		{Name: "on", Transport: mcp.TransportStdio, Command: "on", Tools: []string{"visible"}, Enabled: true},
		{Name: "off", Transport: mcp.TransportStdio, Command: "off", Tools: []string{"hidden"}, Enabled: false},
	}
	for _, d := range defs {
		if err := reg.Register(d); err != nil {
			t.Fatalf("register %s: %v", d.Name, err)
		}
	}

	catalogue := reg.Catalogue(context.Background())
	if len(catalogue) != 1 || catalogue[0].Name != "visible" {
		t.Errorf("expected only enabled servers in catalogue, got %+v", catalogue)
	}
	if _, err := reg.ResolveServer(context.Background(), "hidden"); !errors.Is(err, domain.ErrToolNotFound) {
		t.Errorf("disabled server's tools must not resolve, got: %v", err)
	}
}

func TestToolServerRegistryRemoveClosesConnection(t *testing.T) {
	reg := NewToolServerRegistry(nil)
	def := mcp.ServerDef{Name: "gone", Transport: mcp.TransportStdio, Command: "x", Enabled: true}
	if err := reg.Register(def); err != nil {
		t.Fatalf("register: %v", err)
	}
	conn := &mockConn{}
	injectConn(reg, "gone", conn)

	if err := reg.Remove("gone"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !conn.closed {
		t.Error("expected connection closed on removal")
	}
	if _, err := reg.Get("gone"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound after removal, got: %v", err)
	}

	if err := reg.Remove("gone"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound removing twice, got: %v", err)
	}
}
