package manager

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chimerapy/engine/chimera"
)

func newTestManager(t *testing.T) (*Manager, context.Context) {
	t.Helper()
	m, err := NewManager("^1.0.0", t.TempDir(), 0)
	require.NoError(t, err)
	ctx := context.Background()
	m.Run(ctx)
	t.Cleanup(m.Stop)
	return m, ctx
}

func TestManager_RegisterWorker(t *testing.T) {
	m, ctx := newTestManager(t)

	err := m.RegisterWorker(ctx, "w1", "127.0.0.1", 9000, "1.2.0")
	require.NoError(t, err)

	snap := m.NetworkSnapshot()
	require.Len(t, snap.Workers, 1)
	assert.Equal(t, "w1", snap.Workers[0].WorkerID)
}

func TestManager_RegisterWorker_IdempotentReRegistration(t *testing.T) {
	m, ctx := newTestManager(t)

	require.NoError(t, m.RegisterWorker(ctx, "w1", "127.0.0.1", 9000, "1.2.0"))
	require.NoError(t, m.RegisterWorker(ctx, "w1", "127.0.0.1", 9000, "1.2.0"))

	snap := m.NetworkSnapshot()
	assert.Len(t, snap.Workers, 1)
}

func TestManager_RegisterWorker_IncompatibleProtocolVersionRejected(t *testing.T) {
	m, ctx := newTestManager(t)

	err := m.RegisterWorker(ctx, "w1", "127.0.0.1", 9000, "2.0.0")
	require.Error(t, err)

	snap := m.NetworkSnapshot()
	assert.Len(t, snap.Workers, 0)
}

func TestManager_DeregisterWorker(t *testing.T) {
	m, ctx := newTestManager(t)

	require.NoError(t, m.RegisterWorker(ctx, "w1", "127.0.0.1", 9000, "1.0.0"))
	require.NoError(t, m.DeregisterWorker(ctx, "w1"))

	err := m.DeregisterWorker(ctx, "w1")
	assert.Error(t, err)
}

func TestManager_Commit_RejectsUnregisteredWorkerPlacement(t *testing.T) {
	m, ctx := newTestManager(t)

	graph := chainGraph()
	placement := chimera.Placement{"ghost": []string{"Gen1", "Con1"}}

	err := m.Commit(ctx, graph, placement)
	require.Error(t, err)
	assert.Equal(t, chimera.KindPlacementError, chimera.KindOf(err))

	snap := m.NetworkSnapshot()
	assert.False(t, snap.Committed)
}

func TestManager_Commit_RejectsWhenAlreadyCommitted(t *testing.T) {
	m, ctx := newTestManager(t)

	m.mu.Lock()
	m.committed = true
	m.mu.Unlock()

	err := m.Commit(ctx, chainGraph(), chimera.Placement{})
	require.Error(t, err)
	assert.Equal(t, chimera.KindPlacementError, chimera.KindOf(err))
}

func TestManager_StartWorkers_RejectsWhenNotConnected(t *testing.T) {
	m, ctx := newTestManager(t)

	err := m.StartWorkers(ctx)
	require.Error(t, err)
	assert.Equal(t, chimera.KindInvalidPrecondition, chimera.KindOf(err))
}

func TestManager_RecordWorkers_RejectsWhenNotPreviewing(t *testing.T) {
	m, ctx := newTestManager(t)

	err := m.RecordWorkers(ctx)
	require.Error(t, err)
	assert.Equal(t, chimera.KindInvalidPrecondition, chimera.KindOf(err))
}

func TestManager_StopWorkers_RejectsWhenNotPreviewingOrRecording(t *testing.T) {
	m, ctx := newTestManager(t)

	err := m.StopWorkers(ctx)
	require.Error(t, err)
	assert.Equal(t, chimera.KindInvalidPrecondition, chimera.KindOf(err))
}

func TestManager_Collect_RejectsWhenNotStopped(t *testing.T) {
	m, ctx := newTestManager(t)

	err := m.Collect(ctx)
	require.Error(t, err)
	assert.Equal(t, chimera.KindInvalidPrecondition, chimera.KindOf(err))
}

func TestManager_Collect_ClearsCollectingFlagAfterReturn(t *testing.T) {
	m, ctx := newTestManager(t)

	_ = m.Collect(ctx)

	m.mu.RLock()
	collecting := m.collecting
	m.mu.RUnlock()
	assert.False(t, collecting)
}

func TestManager_Reset_ClearsCommittedState(t *testing.T) {
	m, ctx := newTestManager(t)

	m.mu.Lock()
	m.graph = chainGraph()
	m.placement = chimera.Placement{}
	m.committed = true
	m.commitID = "abc"
	m.mu.Unlock()

	require.NoError(t, m.Reset(ctx))

	snap := m.NetworkSnapshot()
	assert.False(t, snap.Committed)
	assert.Empty(t, snap.Graph.Nodes)
}

func TestManager_RegisterNodeState_DiscardsStaleReport(t *testing.T) {
	m, ctx := newTestManager(t)
	require.NoError(t, m.RegisterWorker(ctx, "w1", "127.0.0.1", 9000, "1.0.0"))

	m.RegisterNodeState("w1", chimera.NodeState{NodeID: "n1", Phase: chimera.Connected})
	m.RegisterNodeState("w1", chimera.NodeState{NodeID: "n1", Phase: chimera.Initialized})

	snap := m.NetworkSnapshot()
	require.Len(t, snap.Workers, 1)
	assert.Equal(t, chimera.Connected, snap.Workers[0].Nodes["n1"].Phase)
}
