// Package worker implements the chimerapy Worker: a per-host supervisor
// that creates, connects, and drives the lifecycle of the Node
// processes/goroutines placed on it by the Manager.
package worker

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chimerapy/engine/chimera"
	"github.com/chimerapy/engine/errors"
	"github.com/chimerapy/engine/logger"
	"github.com/chimerapy/engine/node"
	"github.com/chimerapy/engine/transport"
)

// Factory builds a node.Body (and optional node.RecordSink) for a
// NodeSpec's class name. Registered once by the hosting binary and
// shared by both execution contexts: a shared-thread node calls it
// directly, an isolated-process node's re-exec'd entrypoint calls the
// same factory inside the child process.
type Factory func(spec chimera.NodeSpec) (node.Body, node.RecordSink, error)

// handle is the worker's bookkeeping for one hosted node.
type handle struct {
	spec chimera.NodeSpec

	cmd     *exec.Cmd          // set for IsolatedProcess
	cancel  context.CancelFunc // set for SharedThread
	runtime *node.Runtime      // set for SharedThread

	state chimera.NodeState
}

// NodeHandler manages every node this worker hosts: creation,
// destruction, phase-command fan-out, and artifact collection.
// Grounded on the source's NodeHandlerService (async_create_node,
// async_destroy_node, async_start_nodes/.../async_stop_nodes), adapted
// from its per-call asyncio coroutines: CreateNode and DestroyNode run
// on a transport.Actor, the phase-command broadcasts fan out directly.
type NodeHandler struct {
	workerID   string
	selfAddr   string // host:port this worker listens on, for node dial-back
	factory    Factory
	stagingDir string

	actor *transport.Actor
	hub   *transport.Hub

	mu      sync.Mutex
	handles map[string]*handle

	// OnNodeState, if set, is invoked whenever a hosted node reports a
	// new NodeState, so the owning Server can relay it up to the
	// manager over a ManagerLink.
	OnNodeState func(chimera.NodeState)

	log *zap.SugaredLogger
}

// NewNodeHandler constructs a NodeHandler. selfAddr is the host:port
// nodes dial to reach this worker's /ws endpoint.
func NewNodeHandler(workerID, selfAddr, stagingDir string, factory Factory) *NodeHandler {
	return &NodeHandler{
		workerID:   workerID,
		selfAddr:   selfAddr,
		factory:    factory,
		stagingDir: stagingDir,
		actor:      transport.NewActor("worker."+workerID, 0),
		hub:        transport.NewHub(),
		handles:    make(map[string]*handle),
		log:        logger.ComponentLogger("worker.node_handler").With(logger.FieldWorkerID, workerID),
	}
}

// Run starts the handler's actor and hub event loops.
func (h *NodeHandler) Run(ctx context.Context) {
	h.actor.Run(ctx)
	go h.hub.Run(ctx)
}

// Stop drains the actor.
func (h *NodeHandler) Stop() {
	h.actor.Stop()
}

// CreateNode provisions spec according to its declared execution
// context and tracks it, recording chimera.Initialized once the node's
// process or goroutine has been launched.
func (h *NodeHandler) CreateNode(ctx context.Context, spec chimera.NodeSpec) error {
	_, err := h.actor.Submit(ctx, func(ctx context.Context) (any, error) {
		if _, exists := h.getHandle(spec.NodeID); exists {
			return nil, chimera.NewInvalidPrecondition(chimera.CmdCreateNode, chimera.Initialized)
		}

		hdl := &handle{spec: spec, state: chimera.NodeState{NodeID: spec.NodeID, Phase: chimera.Registered}}

		switch spec.Context {
		case chimera.IsolatedProcess:
			cmd, err := spawnProcess(ctx, spec, h.selfAddr, "")
			if err != nil {
				return nil, err
			}
			hdl.cmd = cmd

		case chimera.SharedThread:
			body, sink, err := h.factory(spec)
			if err != nil {
				return nil, errors.Wrapf(err, "building node body for %q", spec.NodeID)
			}
			rt := node.NewRuntime(spec.NodeID, body, sink)
			runCtx, cancel := context.WithCancel(context.Background())
			hdl.cancel = cancel
			hdl.runtime = rt
			go func() {
				if err := rt.Connect(runCtx, h.selfAddr); err != nil {
					h.log.Warnw("shared-thread node disconnected", logger.FieldNodeID, spec.NodeID, logger.FieldError, err.Error())
				}
			}()

		default:
			return nil, errors.Newf("unknown execution context %v", spec.Context)
		}

		hdl.state.Phase = chimera.Initialized
		h.setHandle(spec.NodeID, hdl)
		return nil, nil
	})
	return err
}

// DestroyNode tears down a node regardless of its current phase,
// matching chimera.CanApply(CmdDestroyNode, ...)'s "legal from any
// phase" rule.
func (h *NodeHandler) DestroyNode(ctx context.Context, nodeID string) error {
	_, err := h.actor.Submit(ctx, func(ctx context.Context) (any, error) {
		hdl, ok := h.getHandle(nodeID)
		if !ok {
			return nil, chimera.NewInvalidPrecondition(chimera.CmdDestroyNode, chimera.Shutdown)
		}

		if hdl.cancel != nil {
			hdl.cancel()
		}
		if hdl.cmd != nil && hdl.cmd.Process != nil {
			_ = hdl.cmd.Process.Kill()
		}

		h.mu.Lock()
		delete(h.handles, nodeID)
		h.mu.Unlock()
		return nil, nil
	})
	return err
}

// SetupConnections broadcasts table to every hosted node's WS
// connection via BROADCAST_NODE_SERVER, advancing each to Connected.
func (h *NodeHandler) SetupConnections(ctx context.Context, table chimera.NodePubTable) error {
	return h.broadcastAndAwait(ctx, chimera.SignalBroadcastNodeServer, table, 0)
}

// StartNodes, RecordNodes, StopNodes drive the corresponding phase
// commands across every hosted node.
func (h *NodeHandler) StartNodes(ctx context.Context) error {
	return h.broadcastAndAwait(ctx, chimera.SignalStartNodes, nil, 0)
}

func (h *NodeHandler) RecordNodes(ctx context.Context) error {
	return h.broadcastAndAwait(ctx, chimera.SignalRecordNodes, nil, 0)
}

func (h *NodeHandler) StopNodes(ctx context.Context) error {
	return h.broadcastAndAwait(ctx, chimera.SignalStopNodes, nil, 0)
}

// CollectNodes requests each node save its output, then archives and
// stages each node's artifact directory for upload.
func (h *NodeHandler) CollectNodes(ctx context.Context, archiver *Archiver) (map[string]chimera.ArtifactBundle, error) {
	if err := h.broadcastAndAwait(ctx, chimera.SignalRequestCollect, nil, 0); err != nil {
		return nil, err
	}

	results := make(map[string]chimera.ArtifactBundle)
	var failures []chimera.PartialFailureResult
	for _, id := range h.nodeIDs() {
		bundle, err := archiver.Archive(ctx, id)
		if err != nil {
			failures = append(failures, chimera.PartialFailureResult{TargetID: id, Err: err})
			continue
		}
		results[id] = bundle
	}

	if len(failures) > 0 {
		return results, chimera.NewPartialFailure(failures)
	}
	return results, nil
}

// GatherNodes requests each node's latest output without changing its
// phase, per §4.5's gather-without-transition semantics.
func (h *NodeHandler) GatherNodes(ctx context.Context) (map[string]any, error) {
	h.mu.Lock()
	ids := make([]string, 0, len(h.handles))
	clients := make(map[string]*transport.Client, len(h.handles))
	for id := range h.handles {
		ids = append(ids, id)
		if c, ok := h.hub.Get(id); ok {
			clients[id] = c
		}
	}
	h.mu.Unlock()

	results := make(map[string]any, len(ids))
	var failures []chimera.PartialFailureResult
	for _, id := range ids {
		c, ok := clients[id]
		if !ok {
			failures = append(failures, chimera.PartialFailureResult{TargetID: id, Err: chimera.NewConnectionLost(id)})
			continue
		}
		reply, err := c.SendAndAwaitAck(ctx, chimera.MessageEnvelope{Signal: chimera.SignalRequestGather}, 10*time.Second)
		if err != nil {
			failures = append(failures, chimera.PartialFailureResult{TargetID: id, Err: err})
			continue
		}
		results[id] = reply.Data
	}

	if len(failures) > 0 {
		return results, chimera.NewPartialFailure(failures)
	}
	return results, nil
}

func (h *NodeHandler) broadcastAndAwait(ctx context.Context, signal chimera.Signal, data any, timeout time.Duration) error {
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	ids := h.nodeIDs()
	var mu sync.Mutex
	var failures []chimera.PartialFailureResult
	var wg sync.WaitGroup

	for _, id := range ids {
		id := id
		c, ok := h.hub.Get(id)
		if !ok {
			mu.Lock()
			failures = append(failures, chimera.PartialFailureResult{TargetID: id, Err: chimera.NewConnectionLost(id)})
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.SendAndAwaitAck(ctx, chimera.MessageEnvelope{Signal: signal, Data: data}, timeout)
			if err != nil {
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

// RegisterNodeClient attaches an inbound node WS connection (dialed
// from either execution context) to the handler's hub, keyed by its
// node id.
func (h *NodeHandler) RegisterNodeClient(c *transport.Client) {
	h.hub.Register(c)
}

// UpdateNodeState records a hosted node's self-reported NodeState and
// forwards it to OnNodeState, the worker-side half of the NODE_STATUS
// relay a node's own NODE_STATUS report (sent over its dial-in
// transport.Client, see Runtime.setPhase) travels through on its way
// to the manager.
func (h *NodeHandler) UpdateNodeState(state chimera.NodeState) {
	h.mu.Lock()
	if hdl, ok := h.handles[state.NodeID]; ok {
		hdl.state = state
	}
	h.mu.Unlock()

	if h.OnNodeState != nil {
		h.OnNodeState(state)
	}
}

func (h *NodeHandler) getHandle(id string) (*handle, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	hdl, ok := h.handles[id]
	return hdl, ok
}

func (h *NodeHandler) setHandle(id string, hdl *handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handles[id] = hdl
}

func (h *NodeHandler) nodeIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.handles))
	for id := range h.handles {
		ids = append(ids, id)
	}
	return ids
}

// StagingPath returns the path a received artifact from senderID
// should be stored at, per §4.6's `staging/<sender_id>/<archive-name>`
// layout.
func (h *NodeHandler) StagingPath(senderID, archiveName string) string {
	return fmt.Sprintf("%s/%s/%s", h.stagingDir, senderID, archiveName)
}
