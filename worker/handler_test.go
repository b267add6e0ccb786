package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chimerapy/engine/chimera"
	"github.com/chimerapy/engine/node"
)

type noopBody struct{}

func (noopBody) Setup(ctx context.Context) error                  { return nil }
func (noopBody) Step(ctx context.Context) (chimera.Sample, error) { return chimera.Sample{}, nil }
func (noopBody) Teardown(ctx context.Context) error               { return nil }

func newTestHandler(t *testing.T) (*NodeHandler, context.Context) {
	t.Helper()
	factory := func(spec chimera.NodeSpec) (node.Body, node.RecordSink, error) {
		return noopBody{}, nil, nil
	}
	h := NewNodeHandler("worker-1", "127.0.0.1:0", t.TempDir(), factory)
	ctx := context.Background()
	h.Run(ctx)
	t.Cleanup(h.Stop)
	return h, ctx
}

func TestNodeHandler_CreateNodeSharedThread(t *testing.T) {
	h, ctx := newTestHandler(t)

	spec := chimera.NodeSpec{NodeID: "n1", ClassName: "noop", Context: chimera.SharedThread}
	err := h.CreateNode(ctx, spec)
	require.NoError(t, err)

	_, exists := h.getHandle("n1")
	assert.True(t, exists)
}

func TestNodeHandler_CreateNodeTwiceFails(t *testing.T) {
	h, ctx := newTestHandler(t)

	spec := chimera.NodeSpec{NodeID: "n1", ClassName: "noop", Context: chimera.SharedThread}
	require.NoError(t, h.CreateNode(ctx, spec))

	err := h.CreateNode(ctx, spec)
	require.Error(t, err)
	assert.Equal(t, chimera.KindInvalidPrecondition, chimera.KindOf(err))
}

func TestNodeHandler_DestroyUnknownNodeFails(t *testing.T) {
	h, ctx := newTestHandler(t)

	err := h.DestroyNode(ctx, "missing")
	require.Error(t, err)
}

func TestNodeHandler_DestroyRemovesHandle(t *testing.T) {
	h, ctx := newTestHandler(t)

	spec := chimera.NodeSpec{NodeID: "n1", ClassName: "noop", Context: chimera.SharedThread}
	require.NoError(t, h.CreateNode(ctx, spec))
	require.NoError(t, h.DestroyNode(ctx, "n1"))

	_, exists := h.getHandle("n1")
	assert.False(t, exists)
}

func TestNodeHandler_StartNodesReportsPartialFailureWhenDisconnected(t *testing.T) {
	h, ctx := newTestHandler(t)

	spec := chimera.NodeSpec{NodeID: "n1", ClassName: "noop", Context: chimera.SharedThread}
	require.NoError(t, h.CreateNode(ctx, spec))

	// No node has dialed back into the hub, so every broadcast target
	// is unreachable: this should surface as a partial failure rather
	// than a panic or silent success.
	err := h.StartNodes(ctx)
	require.Error(t, err)
	assert.Equal(t, chimera.KindPartialFailure, chimera.KindOf(err))
}
