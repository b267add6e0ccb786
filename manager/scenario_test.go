package manager

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stretchr/testify/require"

	"github.com/chimerapy/engine/chimera"
	"github.com/chimerapy/engine/node"
	"github.com/chimerapy/engine/worker"
)

// twoNodeChainYAML is S1 from the end-to-end scenarios: a generator
// feeding a single consumer, both placed on one worker. Loaded from
// YAML rather than built as a Go literal, grounded on the pack's
// general use of YAML for structured test fixtures.
const twoNodeChainYAML = `
nodes:
  - node_id: Gen1
    class_name: passthrough
    context: shared_thread
  - node_id: Con1
    class_name: passthrough
    context: shared_thread
    inputs: [Gen1]
edges:
  - src: Gen1
    dst: Con1
`

func loadGraphFixture(t *testing.T, doc string) chimera.GraphSpec {
	t.Helper()
	var graph chimera.GraphSpec
	require.NoError(t, yaml.Unmarshal([]byte(doc), &graph))
	return graph
}

// TestScenario_S1_TwoNodeChainCommitValidates exercises §4.3's commit
// preconditions against S1's two-node chain: every node placed, every
// placement worker registered, no cycle.
func TestScenario_S1_TwoNodeChainCommitValidates(t *testing.T) {
	graph := loadGraphFixture(t, twoNodeChainYAML)
	require.Len(t, graph.Nodes, 2)
	require.Len(t, graph.Edges, 1)

	placement := chimera.Placement{"w1": []string{"Gen1", "Con1"}}
	err := validateCommit(graph, placement, map[string]bool{"w1": true})
	require.NoError(t, err)
}

// TestScenario_S1_CommitRejectsWhenPlacementIncomplete checks the
// commit-time precondition still rejects S1's graph if one node is
// left unplaced, per §4.3's "every node_id in exactly one worker's
// placement" invariant.
func TestScenario_S1_CommitRejectsWhenPlacementIncomplete(t *testing.T) {
	graph := loadGraphFixture(t, twoNodeChainYAML)
	placement := chimera.Placement{"w1": []string{"Gen1"}}

	err := validateCommit(graph, placement, map[string]bool{"w1": true})
	require.Error(t, err)
	require.Equal(t, chimera.KindPlacementError, chimera.KindOf(err))
}

// e2eNodeBody is a minimal node.Body that touches its own output
// directory, enough to exercise worker/archive.go's zip step on
// collect without standing up a real producer.
type e2eNodeBody struct {
	dir string
}

func (b *e2eNodeBody) Setup(ctx context.Context) error {
	return os.MkdirAll(b.dir, 0o755)
}

func (b *e2eNodeBody) Step(ctx context.Context) (chimera.Sample, error) {
	return chimera.Sample{}, nil
}

func (b *e2eNodeBody) Teardown(ctx context.Context) error {
	return os.WriteFile(filepath.Join(b.dir, "output.txt"), []byte("done"), 0o644)
}

// waitForGlobalPhase polls the manager's mirrored node view until every
// registered node's pointwise-minimum phase reaches phase, the real
// NODE_STATUS relay being asynchronous to the HTTP call that triggered
// the transition.
func waitForGlobalPhase(t *testing.T, m *Manager, phase chimera.Phase, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if chimera.GlobalState(m.registry.allPhases()) == phase {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for global phase %s, got %s", phase, chimera.GlobalState(m.registry.allPhases()))
}

// TestScenario_S1_EndToEnd drives S1 all the way through a real
// manager, a real worker, and two real (shared-thread) nodes: commit,
// wait for CONNECTED, start, record, stop, collect, and assert each
// node's archive landed at the manager's staging directory under its
// own node id, per §8's S1 closure assertion.
func TestScenario_S1_EndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	managerStagingDir := t.TempDir()
	m, err := NewManager("^1.0.0", managerStagingDir, 0)
	require.NoError(t, err)
	m.Run(ctx)
	t.Cleanup(m.Stop)

	managerLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	managerSrv := NewServer(managerLn.Addr().String(), m)
	go managerSrv.Serve(ctx, managerLn)
	managerHTTPAddr := "http://" + managerLn.Addr().String()

	workerID := "w1"
	outputDir := filepath.Join(t.TempDir(), "output")
	workerStagingDir := t.TempDir()
	archiver := worker.NewArchiver(outputDir, workerStagingDir, nil)

	factory := func(spec chimera.NodeSpec) (node.Body, node.RecordSink, error) {
		return &e2eNodeBody{dir: filepath.Join(outputDir, spec.NodeID)}, nil, nil
	}

	workerLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	workerSelfAddr := workerLn.Addr().String()

	handler := worker.NewNodeHandler(workerID, workerSelfAddr, workerStagingDir, factory)
	handler.Run(ctx)
	t.Cleanup(handler.Stop)
	handler.OnNodeState = func(state chimera.NodeState) { m.RegisterNodeState(workerID, state) }

	workerSrv := worker.NewServer(workerID, workerSelfAddr, managerHTTPAddr, workerStagingDir, handler, archiver)
	go workerSrv.Serve(ctx, workerLn)

	workerHost, workerPortStr, err := net.SplitHostPort(workerSelfAddr)
	require.NoError(t, err)
	workerPort, err := strconv.Atoi(workerPortStr)
	require.NoError(t, err)
	require.NoError(t, m.RegisterWorker(ctx, workerID, workerHost, workerPort, "1.0.0"))

	graph := loadGraphFixture(t, twoNodeChainYAML)
	placement := chimera.Placement{workerID: []string{"Gen1", "Con1"}}

	require.NoError(t, m.Commit(ctx, graph, placement))
	waitForGlobalPhase(t, m, chimera.Connected, 5*time.Second)

	require.NoError(t, m.StartWorkers(ctx))
	waitForGlobalPhase(t, m, chimera.Previewing, 5*time.Second)

	require.NoError(t, m.RecordWorkers(ctx))
	waitForGlobalPhase(t, m, chimera.Recording, 5*time.Second)

	require.NoError(t, m.StopWorkers(ctx))
	waitForGlobalPhase(t, m, chimera.Stopped, 5*time.Second)

	require.NoError(t, m.Collect(ctx))

	require.FileExists(t, filepath.Join(managerStagingDir, "Gen1", "Gen1.zip"))
	require.FileExists(t, filepath.Join(managerStagingDir, "Con1", "Con1.zip"))
}
