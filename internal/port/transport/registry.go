package transport

import (
	"fmt"
	"sync"

	"github.com/droverhq/drover/internal/domain/mcp"
)

// Factory is a constructor function that creates a new Conn for a server.
type Factory func(def mcp.ServerDef) (Conn, error)

var (
	mu        sync.RWMutex
	factories = make(map[mcp.TransportType]Factory)
)

// Register makes a transport factory available for a transport type.
// It is typically called from an init() function in the adapter package.
func Register(kind mcp.TransportType, factory Factory) {
	mu.Lock()
	defer mu.Unlock()

	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("transport: duplicate registration for %q", kind))
	}
	factories[kind] = factory
}

// New creates a new Conn for the server definition using the factory
// registered for its transport type.
func New(def mcp.ServerDef) (Conn, error) {
	mu.RLock()
	factory, ok := factories[def.Transport]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("transport: unknown transport %q", def.Transport)
	}
	return factory(def)
}

// Available returns all registered transport types.
func Available() []mcp.TransportType {
	mu.RLock()
	defer mu.RUnlock()

	kinds := make([]mcp.TransportType, 0, len(factories))
	for kind := range factories {
		kinds = append(kinds, kind)
	}
	return kinds
}
