package manager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chimerapy/engine/chimera"
)

func TestWorkerRegistry_RegisterGetRoundTrip(t *testing.T) {
	r := newWorkerRegistry()
	r.register(chimera.WorkerRecord{WorkerID: "w1", Host: "127.0.0.1", Port: 9000})

	w, ok := r.get("w1")
	require.True(t, ok)
	assert.Equal(t, "w1", w.WorkerID)
	assert.False(t, w.RegisteredAt.IsZero())
	assert.NotNil(t, w.Nodes)
}

func TestWorkerRegistry_Deregister(t *testing.T) {
	r := newWorkerRegistry()
	r.register(chimera.WorkerRecord{WorkerID: "w1"})

	assert.True(t, r.deregister("w1"))
	assert.False(t, r.deregister("w1"))

	_, ok := r.get("w1")
	assert.False(t, ok)
}

func TestWorkerRegistry_SetNodeStateAndAllPhases(t *testing.T) {
	r := newWorkerRegistry()
	r.register(chimera.WorkerRecord{WorkerID: "w1"})
	r.register(chimera.WorkerRecord{WorkerID: "w2"})

	r.setNodeState("w1", chimera.NodeState{NodeID: "n1", Phase: chimera.Connected})
	r.setNodeState("w2", chimera.NodeState{NodeID: "n2", Phase: chimera.Initialized})

	phases := r.allPhases()
	assert.ElementsMatch(t, []chimera.Phase{chimera.Connected, chimera.Initialized}, phases)
	assert.Equal(t, chimera.Initialized, chimera.GlobalState(phases))
}

func TestWorkerRegistry_SnapshotIsDefensiveCopy(t *testing.T) {
	r := newWorkerRegistry()
	r.register(chimera.WorkerRecord{WorkerID: "w1"})

	snap := r.snapshot()
	require.Len(t, snap, 1)
	snap[0].Host = "mutated"

	w, _ := r.get("w1")
	assert.NotEqual(t, "mutated", w.Host)
}

func TestWorkerForNode(t *testing.T) {
	placement := chimera.Placement{"w1": []string{"n1", "n2"}}

	workerID, ok := workerForNode(placement, "n2")
	assert.True(t, ok)
	assert.Equal(t, "w1", workerID)

	_, ok = workerForNode(placement, "missing")
	assert.False(t, ok)
}
