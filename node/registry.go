package node

import (
	"context"
	"sync"

	"github.com/chimerapy/engine/chimera"
	"github.com/chimerapy/engine/errors"
)

// Constructor builds a Body/RecordSink pair for one NodeSpec. A caller
// registers a Constructor under the class_name it implements; the
// worker resolves class_name to a Constructor the same way for both
// SharedThread and IsolatedProcess execution contexts, so a node
// behaves identically regardless of which process it runs in.
type Constructor func(spec chimera.NodeSpec) (Body, RecordSink, error)

// classRegistry is the process-wide table of node classes, grounded on
// the teacher's `plugin/registry.go` registration-by-name pattern,
// narrowed from a full plugin lifecycle (PreRegister/Register/MarkReady)
// to a single-step constructor table since node classes have no
// separate discovery phase.
var classRegistry = struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}{ctors: make(map[string]Constructor)}

// RegisterClass makes name available to CreateNode/RunNodeExec calls
// naming it in NodeSpec.ClassName. Panics on a duplicate registration,
// matching the teacher's registry's fail-fast stance on programmer
// error at init time.
func RegisterClass(name string, ctor Constructor) {
	classRegistry.mu.Lock()
	defer classRegistry.mu.Unlock()
	if _, exists := classRegistry.ctors[name]; exists {
		panic("node: class already registered: " + name)
	}
	classRegistry.ctors[name] = ctor
}

// LookupClass resolves a registered class_name to its Constructor.
func LookupClass(name string) (Constructor, bool) {
	classRegistry.mu.RLock()
	defer classRegistry.mu.RUnlock()
	ctor, ok := classRegistry.ctors[name]
	return ctor, ok
}

// BuildFromRegistry is a Constructor-table-backed factory matching
// worker.Factory's shape, usable directly as the Factory argument to
// worker.NewNodeHandler and worker.RunNodeExec.
func BuildFromRegistry(spec chimera.NodeSpec) (Body, RecordSink, error) {
	ctor, ok := LookupClass(spec.ClassName)
	if !ok {
		return nil, nil, errors.Newf("no node class registered for %q", spec.ClassName)
	}
	return ctor(spec)
}

func init() {
	RegisterClass("passthrough", newPassthroughBody)
}

// passthroughBody is the built-in no-op class: it produces no samples
// and exists so a freshly built binary has at least one resolvable
// class_name for smoke-testing a graph's commit/start/stop path before
// any real node class is registered.
type passthroughBody struct{}

func newPassthroughBody(spec chimera.NodeSpec) (Body, RecordSink, error) {
	return passthroughBody{}, nil, nil
}

func (passthroughBody) Setup(ctx context.Context) error                  { return nil }
func (passthroughBody) Step(ctx context.Context) (chimera.Sample, error) { return chimera.Sample{}, nil }
func (passthroughBody) Teardown(ctx context.Context) error               { return nil }
