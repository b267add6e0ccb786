package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/chimerapy/engine/chimera"
)

// Handler processes one inbound signal-channel frame. Domain packages
// (node, worker, manager) implement this per signal, letting the
// transport layer stay decoupled from node/worker/manager semantics —
// the same separation the async job system draws between its
// infrastructure and domain-specific JobHandler implementations.
type Handler interface {
	// Handle processes env and returns the payload to place on an OK
	// reply frame when env.OK is set, or nil for a fire-and-forget
	// signal.
	Handle(ctx context.Context, env chimera.MessageEnvelope) (reply any, err error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, env chimera.MessageEnvelope) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, env chimera.MessageEnvelope) (any, error) {
	return f(ctx, env)
}

// HandlerRegistry maps signal -> handler. Thread-safe for concurrent
// registration and lookup.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[chimera.Signal]Handler
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[chimera.Signal]Handler)}
}

// Register adds a handler for signal. Panics if one is already
// registered, since a double-registration is always a wiring bug
// caught at startup, never a runtime condition.
func (r *HandlerRegistry) Register(signal chimera.Signal, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[signal]; exists {
		panic(fmt.Sprintf("handler already registered for signal: %v", signal))
	}
	r.handlers[signal] = handler
}

// Get retrieves the handler for signal, or nil if none is registered —
// the caller treats a nil result as an UnknownSignal per §7.
func (r *HandlerRegistry) Get(signal chimera.Signal) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[signal]
}

// Dispatch routes env to its registered handler, converting an absent
// handler into chimera.NewUnknownSignal instead of crashing the
// connection.
func (r *HandlerRegistry) Dispatch(ctx context.Context, env chimera.MessageEnvelope) (any, error) {
	handler := r.Get(env.Signal)
	if handler == nil {
		return nil, chimera.NewUnknownSignal(env.Signal)
	}
	return handler.Handle(ctx, env)
}
