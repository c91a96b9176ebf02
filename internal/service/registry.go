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

	"gopkg.in/yaml.v3"

	"github.com/droverhq/drover/internal/domain"
	"github.com/droverhq/drover/internal/domain/mcp"
	"github.com/droverhq/drover/internal/port/cache"
	"github.com/droverhq/drover/internal/port/transport"
)

// defaultCatalogTTL bounds how long a cached tool catalogue is served
// before a live listing refreshes it.
const defaultCatalogTTL = 10 * time.Minute

// ToolServerRegistry manages MCP tool-server definitions with thread-safe
// access: registration, YAML directory loading, live connections over the
// transport port, and the tool→server index dispatch resolves against.
// Catalogues listed from live servers are cached so a restart can resolve
// tools before the first reconnect.
type ToolServerRegistry struct {
	mu      sync.RWMutex
	servers map[string]mcp.ServerDef
	conns   map[string]transport.Conn
	tools   map[string][]mcp.ServerTool // per-server catalogue, live or cached

	cache      cache.Cache // optional
	catalogTTL time.Duration
}

// NewToolServerRegistry creates a registry. The cache holds listed tool
// catalogues and may be nil.
func NewToolServerRegistry(c cache.Cache) *ToolServerRegistry {
	return &ToolServerRegistry{
		servers:    make(map[string]mcp.ServerDef),
		conns:      make(map[string]transport.Conn),
		tools:      make(map[string][]mcp.ServerTool),
		cache:      c,
		catalogTTL: defaultCatalogTTL,
	}
}

// SetCatalogTTL overrides how long cached catalogues stay valid.
func (r *ToolServerRegistry) SetCatalogTTL(ttl time.Duration) {
	if ttl > 0 {
		r.catalogTTL = ttl
	}
}

// Register validates and stores a server definition. Returns
// domain.ErrConflict if a server with the same name already exists. The
// declared tool names seed the index until a live listing replaces them.
func (r *ToolServerRegistry) Register(def mcp.ServerDef) error {
	if err := def.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.servers[def.Name]; exists {
		return fmt.Errorf("tool server %q: %w", def.Name, domain.ErrConflict)
	}

	if def.Status == "" {
		def.Status = mcp.ServerStatusRegistered
	}
	r.servers[def.Name] = def

	if len(def.Tools) > 0 {
		declared := make([]mcp.ServerTool, 0, len(def.Tools))
		for _, name := range def.Tools {
			declared = append(declared, mcp.ServerTool{Server: def.Name, Name: name})
		}
		r.tools[def.Name] = declared
	}
	return nil
}

// Get returns a server definition by name.
func (r *ToolServerRegistry) Get(name string) (*mcp.ServerDef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.servers[name]
	if !ok {
		return nil, fmt.Errorf("tool server %q: %w", name, domain.ErrNotFound)
	}
	return &d, nil
}

// List returns all registered server definitions sorted by name.
func (r *ToolServerRegistry) List() []mcp.ServerDef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]mcp.ServerDef, 0, len(r.servers))
	for _, d := range r.servers {
		defs = append(defs, d)
	}
	sort.Slice(defs, func(i, j int) bool {
		return defs[i].Name < defs[j].Name
	})
	return defs
}

// Remove deletes a server definition and closes its connection if live.
func (r *ToolServerRegistry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.servers[name]; !ok {
		return fmt.Errorf("tool server %q: %w", name, domain.ErrNotFound)
	}
	if conn, ok := r.conns[name]; ok {
		if err := conn.Close(); err != nil {
			slog.Warn("failed to close tool server connection", "server", name, "error", err)
		}
		delete(r.conns, name)
	}
	delete(r.servers, name)
	delete(r.tools, name)
	return nil
}

// LoadFromDirectory reads all .yaml/.yml files from a directory and
// registers each as a server definition. A missing directory returns nil.
func (r *ToolServerRegistry) LoadFromDirectory(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read tool servers directory %s: %w", dir, err)
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
			return fmt.Errorf("read tool server file %s: %w", path, readErr)
		}

		var def mcp.ServerDef
		if unmarshalErr := yaml.Unmarshal(data, &def); unmarshalErr != nil {
			return fmt.Errorf("parse tool server file %s: %w", path, unmarshalErr)
		}

		if regErr := r.Register(def); regErr != nil {
			return fmt.Errorf("register tool server from %s: %w", path, regErr)
		}
	}

	return nil
}

// Connect builds the transport connection for a registered server, lists
// its tool catalogue, and stores it (and the cache, when configured). An
// already-connected server is refreshed.
func (r *ToolServerRegistry) Connect(ctx context.Context, name string) error {
	conn, err := r.conn(ctx, name)
	if err != nil {
		return err
	}

	tools, err := conn.ListTools(ctx)
	if err != nil {
		r.setStatus(name, mcp.ServerStatusError)
		return fmt.Errorf("list tools for %q: %w", name, err)
	}

	r.mu.Lock()
	r.tools[name] = tools
	r.mu.Unlock()
	r.setStatus(name, mcp.ServerStatusConnected)

	r.storeCachedCatalog(ctx, name, tools)
	slog.Info("tool server connected", "server", name, "tools", len(tools))
	return nil
}

// conn returns the live connection for a server, building and initializing
// it on first use.
func (r *ToolServerRegistry) conn(ctx context.Context, name string) (transport.Conn, error) {
	r.mu.RLock()
	def, ok := r.servers[name]
	existing := r.conns[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tool server %q: %w", name, domain.ErrNotFound)
	}
	if existing != nil {
		return existing, nil
	}

	conn, err := transport.New(def)
	if err != nil {
		r.setStatus(name, mcp.ServerStatusError)
		return nil, fmt.Errorf("build transport for %q: %w", name, err)
	}
	if err := conn.Initialize(ctx); err != nil {
		r.setStatus(name, mcp.ServerStatusError)
		return nil, fmt.Errorf("initialize %q: %w", name, err)
	}

	r.mu.Lock()
	// Another goroutine may have connected while this one initialized; keep
	// the first connection and close the extra.
	if prior, ok := r.conns[name]; ok {
		r.mu.Unlock()
		_ = conn.Close()
		return prior, nil
	}
	r.conns[name] = conn
	r.mu.Unlock()
	return conn, nil
}

// Catalogue returns the tools of every enabled server, from live listings
// where connected, falling back to cached then declared catalogues.
func (r *ToolServerRegistry) Catalogue(ctx context.Context) []mcp.ServerTool {
	r.mu.RLock()
	names := make([]string, 0, len(r.servers))
	for name, def := range r.servers {
		if def.Enabled {
			names = append(names, name)
		}
	}
	r.mu.RUnlock()
	sort.Strings(names)

	var out []mcp.ServerTool
	for _, name := range names {
		out = append(out, r.serverTools(ctx, name)...)
	}
	return out
}

// ResolveServer finds the owning server definition for a tool name.
func (r *ToolServerRegistry) ResolveServer(ctx context.Context, toolName string) (*mcp.ServerDef, error) {
	r.mu.RLock()
	names := make([]string, 0, len(r.servers))
	for name, def := range r.servers {
		if def.Enabled {
			names = append(names, name)
		}
	}
	r.mu.RUnlock()
	sort.Strings(names)

	for _, name := range names {
		for _, t := range r.serverTools(ctx, name) {
			if t.Name == toolName {
				return r.Get(name)
			}
		}
	}
	return nil, fmt.Errorf("tool %q: %w", toolName, domain.ErrToolNotFound)
}

// ResolveTools maps declared tool names to their full descriptions,
// failing with ToolNotFound on the first name no enabled server exposes.
// An empty declaration resolves to the whole catalogue.
func (r *ToolServerRegistry) ResolveTools(ctx context.Context, names []string) ([]mcp.ServerTool, error) {
	catalogue := r.Catalogue(ctx)
	if len(names) == 0 {
		return catalogue, nil
	}

	byName := make(map[string]mcp.ServerTool, len(catalogue))
	for _, t := range catalogue {
		if _, ok := byName[t.Name]; !ok {
			byName[t.Name] = t
		}
	}

	out := make([]mcp.ServerTool, 0, len(names))
	for _, name := range names {
		t, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("tool %q: %w", name, domain.ErrToolNotFound)
		}
		out = append(out, t)
	}
	return out, nil
}

// Close shuts down every live connection.
func (r *ToolServerRegistry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, conn := range r.conns {
		if err := conn.Close(); err != nil {
			slog.Warn("failed to close tool server connection", "server", name, "error", err)
		}
		delete(r.conns, name)
	}
}

// serverTools returns one server's catalogue: in-memory first, then cache.
func (r *ToolServerRegistry) serverTools(ctx context.Context, name string) []mcp.ServerTool {
	r.mu.RLock()
	tools, ok := r.tools[name]
	r.mu.RUnlock()
	if ok {
		return tools
	}

	if cached, ok := r.loadCachedCatalog(ctx, name); ok {
		r.mu.Lock()
		r.tools[name] = cached
		r.mu.Unlock()
		return cached
	}
	return nil
}

func (r *ToolServerRegistry) setStatus(name string, status mcp.ServerStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if def, ok := r.servers[name]; ok {
		def.Status = status
		r.servers[name] = def
	}
}

func (r *ToolServerRegistry) storeCachedCatalog(ctx context.Context, name string, tools []mcp.ServerTool) {
	if r.cache == nil {
		return
	}
	data, err := json.Marshal(tools)
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, cache.Key("tools", name), data, r.catalogTTL); err != nil {
		slog.Warn("failed to cache tool catalogue", "server", name, "error", err)
	}
}

func (r *ToolServerRegistry) loadCachedCatalog(ctx context.Context, name string) ([]mcp.ServerTool, bool) {
	if r.cache == nil {
		return nil, false
	}
	data, found, err := r.cache.Get(ctx, cache.Key("tools", name))
	if err != nil || !found {
		return nil, false
	}
	var tools []mcp.ServerTool
	if err := json.Unmarshal(data, &tools); err != nil {
		return nil, false
	}
	return tools, true
}
