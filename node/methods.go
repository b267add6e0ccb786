package node

import (
	"context"
	"sync"

	"github.com/chimerapy/engine/chimera"
)

// MethodFunc is one REQUEST_METHOD-callable function a node body
// exposes to the rest of the graph.
type MethodFunc func(ctx context.Context, params any) (any, error)

// MethodRegistry is a node's table of callable methods, keyed by name.
// Unregistered calls surface as chimera.NewUnknownMethod per §7,
// mirroring transport.HandlerRegistry's unknown-signal handling.
type MethodRegistry struct {
	mu      sync.RWMutex
	methods map[string]MethodFunc
}

// NewMethodRegistry creates an empty registry.
func NewMethodRegistry() *MethodRegistry {
	return &MethodRegistry{methods: make(map[string]MethodFunc)}
}

// Register adds fn under name, overwriting any previous registration —
// unlike transport.HandlerRegistry, a node body may legitimately
// re-register a method during Setup if it restarts a subsystem.
func (m *MethodRegistry) Register(name string, fn MethodFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.methods[name] = fn
}

// Call invokes the method registered under name.
func (m *MethodRegistry) Call(ctx context.Context, name string, params any) (any, error) {
	m.mu.RLock()
	fn, ok := m.methods[name]
	m.mu.RUnlock()
	if !ok {
		return nil, chimera.NewUnknownMethod(name)
	}
	return fn(ctx, params)
}

// Names returns the currently registered method names.
func (m *MethodRegistry) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.methods))
	for name := range m.methods {
		names = append(names, name)
	}
	return names
}
