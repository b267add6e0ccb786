package manager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chimerapy/engine/chimera"
)

func chainGraph() chimera.GraphSpec {
	return chimera.GraphSpec{
		Nodes: []chimera.NodeSpec{
			{NodeID: "Gen1"},
			{NodeID: "Con1"},
		},
		Edges: []chimera.Edge{{Src: "Gen1", Dst: "Con1"}},
	}
}

func TestValidateCommit_Valid(t *testing.T) {
	graph := chainGraph()
	placement := chimera.Placement{"W1": []string{"Gen1", "Con1"}}
	registered := map[string]bool{"W1": true}

	err := validateCommit(graph, placement, registered)
	assert.NoError(t, err)
}

func TestValidateCommit_UnregisteredWorker(t *testing.T) {
	graph := chainGraph()
	placement := chimera.Placement{"ghost": []string{"Gen1", "Con1"}}

	err := validateCommit(graph, placement, map[string]bool{})
	require.Error(t, err)
	assert.Equal(t, chimera.KindPlacementError, chimera.KindOf(err))
}

func TestValidateCommit_MissingPlacement(t *testing.T) {
	graph := chainGraph()
	placement := chimera.Placement{"W1": []string{"Gen1"}}

	err := validateCommit(graph, placement, map[string]bool{"W1": true})
	require.Error(t, err)
	assert.Equal(t, chimera.KindPlacementError, chimera.KindOf(err))
}

func TestValidateCommit_DuplicatePlacement(t *testing.T) {
	graph := chainGraph()
	placement := chimera.Placement{
		"W1": []string{"Gen1", "Con1"},
		"W2": []string{"Con1"},
	}

	err := validateCommit(graph, placement, map[string]bool{"W1": true, "W2": true})
	require.Error(t, err)
	assert.Equal(t, chimera.KindPlacementError, chimera.KindOf(err))
}

func TestValidateCommit_Cycle(t *testing.T) {
	graph := chimera.GraphSpec{
		Nodes: []chimera.NodeSpec{{NodeID: "A"}, {NodeID: "B"}},
		Edges: []chimera.Edge{{Src: "A", Dst: "B"}, {Src: "B", Dst: "A"}},
	}
	placement := chimera.Placement{"W1": []string{"A", "B"}}

	err := validateCommit(graph, placement, map[string]bool{"W1": true})
	require.Error(t, err)
	assert.Equal(t, chimera.KindPlacementError, chimera.KindOf(err))
}
