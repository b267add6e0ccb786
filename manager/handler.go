package manager

import (
	"context"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/chimerapy/engine/chimera"
	"github.com/chimerapy/engine/errors"
	"github.com/chimerapy/engine/logger"
	"github.com/chimerapy/engine/transport"
)

// Manager is the singleton cluster coordinator: the committed graph,
// the worker registry, the node-address table, and the global
// lifecycle. Register, deregister, commit and reset are serialized
// through a single transport.Actor, matching §5's single-writer policy
// for the manager's mutable state; start/record/stop/collect/gather
// read a registry snapshot and fan out without going through it —
// grounded on the teacher's `pulse/async.WorkerPool` single-owner-
// goroutine discipline, generalized from a job queue to a
// graph-commit/broadcast state machine.
type Manager struct {
	actor *transport.Actor

	registry         *workerRegistry
	protocolRange    *semver.Constraints
	gatherLimiter    *rate.Limiter
	collectPollEvery time.Duration
	stagingDir       string

	mu         sync.RWMutex
	graph      chimera.GraphSpec
	placement  chimera.Placement
	pubTable   chimera.NodePubTable
	committed  bool
	collecting bool
	commitID   string

	clients map[string]*workerClient // worker_id -> outbound REST client

	log *zap.SugaredLogger
}

// NewManager builds a Manager. protocolRange is the semver constraint
// string accepted from a registering worker's declared protocol
// version (e.g. "^1.0.0"), grounded on SPEC_FULL.md §4.3's
// Masterminds/semver/v3 protocol-version gate.
func NewManager(protocolRange, stagingDir string, gatherRateLimit float64) (*Manager, error) {
	constraints, err := semver.NewConstraint(protocolRange)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing protocol range %q", protocolRange)
	}

	limit := rate.Limit(gatherRateLimit)
	if gatherRateLimit <= 0 {
		limit = rate.Inf
	}

	return &Manager{
		actor:            transport.NewActor("manager", 0),
		registry:         newWorkerRegistry(),
		protocolRange:    constraints,
		gatherLimiter:    rate.NewLimiter(limit, 1),
		collectPollEvery: 200 * time.Millisecond,
		stagingDir:       stagingDir,
		placement:        chimera.Placement{},
		pubTable:         chimera.NodePubTable{},
		clients:          make(map[string]*workerClient),
		log:              logger.ComponentLogger("manager"),
	}, nil
}

// StagingPath returns the path a received artifact from senderID
// should be stored at, mirroring worker.NodeHandler.StagingPath's
// `staging/<sender_id>/<archive-name>` layout at the manager's own
// artifact aggregation directory.
func (m *Manager) StagingPath(senderID, archiveName string) string {
	return m.stagingDir + "/" + senderID + "/" + archiveName
}

// Run starts the manager's actor event loop.
func (m *Manager) Run(ctx context.Context) { m.actor.Run(ctx) }

// Stop drains the manager's actor.
func (m *Manager) Stop() { m.actor.Stop() }

// RegisterWorker admits a worker into the registry after checking its
// declared protocol version against the manager's accepted range.
// Idempotent on a repeat registration with the same (worker_id, host,
// port), matching §4.3 and testable property 1.
func (m *Manager) RegisterWorker(ctx context.Context, workerID, host string, port int, protocolVersion string) error {
	_, err := m.actor.Submit(ctx, func(ctx context.Context) (any, error) {
		ver, err := semver.NewVersion(protocolVersion)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing worker %q protocol version %q", workerID, protocolVersion)
		}
		if !m.protocolRange.Check(ver) {
			return nil, errors.Newf("worker %q protocol version %q incompatible with manager range", workerID, protocolVersion)
		}

		if existing, ok := m.registry.get(workerID); ok {
			if existing.Host == host && existing.Port == port {
				return nil, nil // idempotent re-registration
			}
		}

		m.registry.register(chimera.WorkerRecord{
			WorkerID:        workerID,
			Host:            host,
			Port:            port,
			ProtocolVersion: protocolVersion,
			RegisteredAt:    time.Now(),
		})

		m.mu.Lock()
		m.clients[workerID] = newWorkerClient(host, port)
		m.mu.Unlock()
		return nil, nil
	})
	return err
}

// DeregisterWorker removes a worker's record and tears down any nodes
// bound to it.
func (m *Manager) DeregisterWorker(ctx context.Context, workerID string) error {
	_, err := m.actor.Submit(ctx, func(ctx context.Context) (any, error) {
		if !m.registry.deregister(workerID) {
			return nil, errors.Newf("worker %q not registered", workerID)
		}
		m.mu.Lock()
		delete(m.clients, workerID)
		delete(m.placement, workerID)
		m.mu.Unlock()
		return nil, nil
	})
	return err
}

// NetworkSnapshot returns the current worker registry and committed
// graph state for GET /network.
func (m *Manager) NetworkSnapshot() NetworkSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return NetworkSnapshot{
		Workers:     m.registry.snapshot(),
		Graph:       m.graph,
		Placement:   m.placement,
		GlobalPhase: chimera.GlobalState(m.registry.allPhases()),
		Committed:   m.committed,
	}
}

// NetworkSnapshot is the GET /network response shape.
type NetworkSnapshot struct {
	Workers     []chimera.WorkerRecord `json:"workers"`
	Graph       chimera.GraphSpec      `json:"graph"`
	Placement   chimera.Placement      `json:"placement"`
	GlobalPhase chimera.Phase          `json:"global_phase"`
	Committed   bool                   `json:"committed"`
}

// Commit stores graph+placement, then drives every targeted worker's
// create_node through CONNECTED, per §4.3. Any step failure aborts and
// resets.
func (m *Manager) Commit(ctx context.Context, graph chimera.GraphSpec, placement chimera.Placement) error {
	_, err := m.actor.Submit(ctx, func(ctx context.Context) (any, error) {
		m.mu.RLock()
		alreadyCommitted := m.committed
		m.mu.RUnlock()
		if alreadyCommitted {
			return nil, chimera.NewPlacementError("a graph is already committed; reset before re-committing")
		}

		registered := make(map[string]bool)
		for _, id := range m.registry.ids() {
			registered[id] = true
		}
		if err := validateCommit(graph, placement, registered); err != nil {
			return nil, err
		}

		m.mu.Lock()
		m.graph = graph
		m.placement = placement
		m.commitID = uuid.NewString()
		m.mu.Unlock()

		if err := m.createAllNodes(ctx, graph, placement); err != nil {
			m.resetLocked(ctx)
			return nil, err
		}

		// create_node's HTTP response only confirms the worker accepted
		// the spawn request; the node's own dial-back and NODE_STATUS
		// report land asynchronously. Wait for every placed node to
		// report at least Initialized before reading pub addresses out
		// of the registry, per §4.3's "await INITIALIZED" commit step.
		if err := m.awaitNodesInitialized(ctx, placement); err != nil {
			m.resetLocked(ctx)
			return nil, err
		}

		table := m.buildPubTable(graph)
		m.mu.Lock()
		m.pubTable = table
		m.mu.Unlock()

		if err := m.broadcastAllWorkers(ctx, func(c *workerClient) error {
			return c.setupConnections(ctx, table)
		}); err != nil {
			m.resetLocked(ctx)
			return nil, err
		}

		m.mu.Lock()
		m.committed = true
		m.mu.Unlock()
		return nil, nil
	})
	return err
}

func (m *Manager) createAllNodes(ctx context.Context, graph chimera.GraphSpec, placement chimera.Placement) error {
	var failures []chimera.PartialFailureResult
	var mu sync.Mutex
	var wg sync.WaitGroup

	for workerID, nodeIDs := range placement {
		client, ok := m.clientFor(workerID)
		if !ok {
			return chimera.NewPlacementError("no client for worker " + workerID)
		}
		for _, nodeID := range nodeIDs {
			spec, ok := graph.NodeByID(nodeID)
			if !ok {
				return chimera.NewPlacementError("placement names unknown node " + nodeID)
			}
			wg.Add(1)
			go func(c *workerClient, spec chimera.NodeSpec) {
				defer wg.Done()
				if err := c.createNode(ctx, spec); err != nil {
					mu.Lock()
					failures = append(failures, chimera.PartialFailureResult{TargetID: spec.NodeID, Err: err})
					mu.Unlock()
				}
			}(client, spec)
		}
	}
	wg.Wait()

	if len(failures) > 0 {
		return chimera.NewPartialFailure(failures)
	}
	return nil
}

// awaitNodesInitialized polls the manager's mirrored node view, at
// collectPollEvery, until every node named in placement has reported at
// least Initialized, or ctx/the internal bound elapses first.
func (m *Manager) awaitNodesInitialized(ctx context.Context, placement chimera.Placement) error {
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	ticker := time.NewTicker(m.collectPollEvery)
	defer ticker.Stop()

	for {
		if m.allPlacedNodesAtLeast(placement, chimera.Initialized) {
			return nil
		}
		select {
		case <-waitCtx.Done():
			return chimera.NewTimeout("waiting for nodes to report INITIALIZED")
		case <-ticker.C:
		}
	}
}

func (m *Manager) allPlacedNodesAtLeast(placement chimera.Placement, min chimera.Phase) bool {
	for workerID, nodeIDs := range placement {
		states := m.registry.nodeStates(workerID)
		for _, nodeID := range nodeIDs {
			st, ok := states[nodeID]
			if !ok || st.Phase < min {
				return false
			}
		}
	}
	return true
}

func (m *Manager) buildPubTable(graph chimera.GraphSpec) chimera.NodePubTable {
	// Populated by the worker-side NODE_STATUS reports as each node
	// binds its publisher; RegisterNodeState below is how those land.
	m.mu.RLock()
	defer m.mu.RUnlock()
	table := make(chimera.NodePubTable, len(graph.Nodes))
	for workerID, nodeIDs := range m.placement {
		states := m.registry.nodeStates(workerID)
		for _, nodeID := range nodeIDs {
			if st, ok := states[nodeID]; ok && st.PubHost != "" {
				table[nodeID] = chimera.PubAddress{Host: st.PubHost, Port: st.PubPort}
			}
		}
	}
	return table
}

// RegisterNodeState updates the manager's mirrored view of one node's
// state, discarding stale (out-of-order, earlier-phase) reports per
// §5's ordering guarantee. The check-and-set happens under the
// registry's own lock so concurrent NODE_STATUS reports racing a
// broadcast's allPhases/snapshot read can never see a torn update.
func (m *Manager) RegisterNodeState(workerID string, state chimera.NodeState) {
	m.registry.setNodeStateIfMonotonic(workerID, state)
}

func (m *Manager) clientFor(workerID string) (*workerClient, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[workerID]
	return c, ok
}

func (m *Manager) broadcastAllWorkers(ctx context.Context, fn func(*workerClient) error) error {
	var failures []chimera.PartialFailureResult
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, id := range m.registry.ids() {
		client, ok := m.clientFor(id)
		if !ok {
			continue
		}
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(client); err != nil {
				mu.Lock()
				failures = append(failures, chimera.PartialFailureResult{TargetID: id, Err: err})
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(failures) > 0 {
		return chimera.NewPartialFailure(failures)
	}
	return nil
}

// StartWorkers, RecordWorkers, StopWorkers broadcast the matching
// command, gated by the aggregate global state per §4.1.
func (m *Manager) StartWorkers(ctx context.Context) error {
	if global := chimera.GlobalState(m.registry.allPhases()); global != chimera.Connected && global != chimera.Stopped {
		return chimera.NewInvalidPrecondition(chimera.CmdStart, global)
	}
	return m.broadcastAllWorkers(ctx, func(c *workerClient) error { return c.startNodes(ctx) })
}

func (m *Manager) RecordWorkers(ctx context.Context) error {
	if global := chimera.GlobalState(m.registry.allPhases()); global != chimera.Previewing {
		return chimera.NewInvalidPrecondition(chimera.CmdRecord, global)
	}
	return m.broadcastAllWorkers(ctx, func(c *workerClient) error { return c.recordNodes(ctx) })
}

func (m *Manager) StopWorkers(ctx context.Context) error {
	global := chimera.GlobalState(m.registry.allPhases())
	if global != chimera.Previewing && global != chimera.Recording {
		return chimera.NewInvalidPrecondition(chimera.CmdStop, global)
	}
	return m.broadcastAllWorkers(ctx, func(c *workerClient) error { return c.stopNodes(ctx) })
}

// Collect begins collection, idempotent while already collecting per
// testable property / scenario S2.
func (m *Manager) Collect(ctx context.Context) error {
	m.mu.Lock()
	if m.collecting {
		m.mu.Unlock()
		return nil
	}
	m.collecting = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.collecting = false
		m.mu.Unlock()
	}()

	if global := chimera.GlobalState(m.registry.allPhases()); global != chimera.Stopped {
		return chimera.NewInvalidPrecondition(chimera.CmdCollect, global)
	}
	return m.broadcastAllWorkers(ctx, func(c *workerClient) error { return c.collectNodes(ctx) })
}

// Gather fans out a REQUEST_GATHER to every worker, paced by the
// manager's gather rate limiter (§4.3).
func (m *Manager) Gather(ctx context.Context) error {
	if err := m.gatherLimiter.Wait(ctx); err != nil {
		return err
	}
	return m.broadcastAllWorkers(ctx, func(c *workerClient) error { return c.gatherNodes(ctx) })
}

// Reset destroys every node, clears placement and the pub table, and
// restores workers to REGISTERED.
func (m *Manager) Reset(ctx context.Context) error {
	_, err := m.actor.Submit(ctx, func(ctx context.Context) (any, error) {
		m.resetLocked(ctx)
		return nil, nil
	})
	return err
}

// resetLocked performs Reset's work without going through the actor's
// own Submit queue — called directly from Commit's failure paths,
// which already run inside the actor's single task goroutine and
// would deadlock submitting to themselves.
func (m *Manager) resetLocked(ctx context.Context) {
	m.mu.Lock()
	placement := m.placement
	m.mu.Unlock()

	for workerID, nodeIDs := range placement {
		client, ok := m.clientFor(workerID)
		if !ok {
			continue
		}
		for _, nodeID := range nodeIDs {
			_ = client.destroyNode(ctx, nodeID)
		}
	}

	m.mu.Lock()
	m.graph = chimera.GraphSpec{}
	m.placement = chimera.Placement{}
	m.pubTable = chimera.NodePubTable{}
	m.committed = false
	m.commitID = ""
	m.mu.Unlock()

	for _, id := range m.registry.ids() {
		m.registry.clearNodes(id)
	}
}
