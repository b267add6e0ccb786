// Package node implements the chimerapy node runtime: the control loop
// that connects one computation unit to its owning Worker, services the
// nine inbound signals, and drives the user-supplied Body through the
// lifecycle phases.
package node

import (
	"context"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chimerapy/engine/chimera"
	"github.com/chimerapy/engine/errors"
	"github.com/chimerapy/engine/logger"
	"github.com/chimerapy/engine/transport"
)

// Body is the user-supplied producer contract: setup once, step
// repeatedly while recording/previewing, tear down once. Replaces the
// reference implementation's metaclass-wrapped node base class with a
// plain interface a caller implements directly (§9 design note:
// "producer contract instead of metaclass wrapping").
type Body interface {
	Setup(ctx context.Context) error
	Step(ctx context.Context) (chimera.Sample, error)
	Teardown(ctx context.Context) error
}

// RecordSink receives samples produced while Recording, for eventual
// inclusion in the node's artifact directory. A nil sink means the
// node produces no recorded output.
type RecordSink interface {
	Write(sample chimera.Sample) error
	Close() error
}

// Runtime owns one node's phase, its connection to the owning worker,
// its pub/sub data plane, and its registered RPC methods. All mutation
// funnels through a transport.Actor so concurrent signal delivery and
// the step loop never race on phase or subscriber state.
type Runtime struct {
	ID    string
	actor *transport.Actor

	phase atomic.Int32

	body    Body
	sink    RecordSink
	methods *MethodRegistry

	comms *transport.Client

	mu         sync.Mutex
	pubTable   chimera.NodePubTable
	subs       map[string]*subscriber
	pubAddr    chimera.PubAddress
	pubHub     *publisher
	stepCancel context.CancelFunc

	log *zap.SugaredLogger
}

// NewRuntime constructs a Runtime in the Registered phase. Call Connect
// to dial the owning worker and begin servicing signals.
func NewRuntime(id string, body Body, sink RecordSink) *Runtime {
	r := &Runtime{
		ID:      id,
		actor:   transport.NewActor("node."+id, 0),
		body:    body,
		sink:    sink,
		methods: NewMethodRegistry(),
		subs:    make(map[string]*subscriber),
		log:     logger.ComponentLogger("node.runtime").With(logger.FieldNodeID, id),
	}
	r.phase.Store(int32(chimera.Registered))
	return r
}

// Phase returns the node's current lifecycle phase.
func (r *Runtime) Phase() chimera.Phase {
	return chimera.Phase(r.phase.Load())
}

// Methods returns the registry user code uses to expose REQUEST_METHOD
// callables.
func (r *Runtime) Methods() *MethodRegistry {
	return r.methods
}

// Connect dials workerAddr's signal channel, starts the runtime's
// actor, and begins servicing inbound signals. It blocks until the
// connection closes or ctx is cancelled.
func (r *Runtime) Connect(ctx context.Context, workerAddr string) error {
	r.actor.Run(ctx)
	defer r.actor.Stop()

	u, err := buildWSURL(workerAddr, r.ID)
	if err != nil {
		return errors.Wrap(err, "invalid worker address")
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return chimera.NewConnectionLost(r.ID)
	}

	registry := r.buildRegistry()
	r.comms = transport.NewClient(r.ID, conn, registry, 0)

	closed := make(chan struct{})
	r.comms.OnClose = func(string) { close(closed) }

	go r.comms.Run(ctx)

	// Bind the publisher before the first NODE_STATUS report so that
	// report already carries this node's pub host+port (§4.5 step 2).
	if _, err := r.StartPublisher(publisherHost(workerAddr)); err != nil {
		return errors.Wrap(err, "starting publisher")
	}

	r.setPhase(chimera.Initialized)

	select {
	case <-closed:
		return chimera.NewConnectionLost(r.ID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// publisherHost derives the host this node's publisher socket should
// bind/advertise from the owning worker's address: nodes share a host
// with the worker that spawned them (in-process or re-exec'd), so the
// worker's host is the address other nodes' subscribers can dial.
func publisherHost(workerAddr string) string {
	addr := workerAddr
	if i := strings.Index(addr, "://"); i >= 0 {
		addr = addr[i+len("://"):]
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func buildWSURL(addr, nodeID string) (string, error) {
	if !strings.Contains(addr, "://") {
		addr = "ws://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", err
	}
	u.Scheme = "ws"
	u.Path = "/ws"
	q := u.Query()
	q.Set("node_id", nodeID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (r *Runtime) buildRegistry() *transport.HandlerRegistry {
	reg := transport.NewHandlerRegistry()
	reg.Register(chimera.SignalBroadcastNodeServer, transport.HandlerFunc(r.handleBroadcastNodeServer))
	reg.Register(chimera.SignalRequestStep, transport.HandlerFunc(r.handleRequestStep))
	reg.Register(chimera.SignalRequestCollect, transport.HandlerFunc(r.handleRequestCollect))
	reg.Register(chimera.SignalRequestGather, transport.HandlerFunc(r.handleRequestGather))
	reg.Register(chimera.SignalStartNodes, transport.HandlerFunc(r.handleStartNodes))
	reg.Register(chimera.SignalRecordNodes, transport.HandlerFunc(r.handleRecordNodes))
	reg.Register(chimera.SignalStopNodes, transport.HandlerFunc(r.handleStopNodes))
	reg.Register(chimera.SignalRequestMethod, transport.HandlerFunc(r.handleRequestMethod))
	reg.Register(chimera.SignalShutdown, transport.HandlerFunc(r.handleShutdown))
	return reg
}

func (r *Runtime) setPhase(p chimera.Phase) {
	r.phase.Store(int32(p))
	if r.comms != nil {
		r.mu.Lock()
		pubAddr := r.pubAddr
		r.mu.Unlock()
		r.comms.Send(chimera.MessageEnvelope{
			Signal: chimera.SignalNodeStatus,
			Data: chimera.NodeState{
				NodeID:  r.ID,
				Phase:   p,
				PubHost: pubAddr.Host,
				PubPort: pubAddr.Port,
			},
		})
	}
	r.log.Infow("phase transition", logger.FieldPhase, p.String())
}

// submit runs fn on the runtime's actor and adapts its generic
// (any, error) return to a typed reply for the caller's handler.
func (r *Runtime) submit(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	return r.actor.Submit(ctx, fn)
}

func (r *Runtime) handleBroadcastNodeServer(ctx context.Context, env chimera.MessageEnvelope) (any, error) {
	return r.submit(ctx, func(ctx context.Context) (any, error) {
		table, err := decodePubTable(env.Data)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.pubTable = table
		r.mu.Unlock()

		if err := r.connectSubscribers(ctx, table); err != nil {
			return nil, err
		}
		r.setPhase(chimera.Connected)
		return nil, nil
	})
}

func (r *Runtime) handleRequestStep(ctx context.Context, env chimera.MessageEnvelope) (any, error) {
	return r.submit(ctx, func(ctx context.Context) (any, error) {
		sample, err := r.body.Step(ctx)
		if err != nil {
			return nil, err
		}
		r.publishSample(sample)
		return sample, nil
	})
}

func (r *Runtime) handleRequestCollect(ctx context.Context, env chimera.MessageEnvelope) (any, error) {
	return r.submit(ctx, func(ctx context.Context) (any, error) {
		if r.Phase() != chimera.Stopped {
			return nil, chimera.NewInvalidPrecondition(chimera.CmdCollect, r.Phase())
		}
		if r.sink != nil {
			if err := r.sink.Close(); err != nil {
				return nil, errors.Wrap(err, "closing record sink")
			}
		}
		r.setPhase(chimera.Saved)
		return nil, nil
	})
}

// handleRequestGather services REQUEST_GATHER: it returns the node's
// latest output without transitioning phase, since gather is legal any
// time from Previewing onward (chimera.CmdGather's precondition check).
func (r *Runtime) handleRequestGather(ctx context.Context, env chimera.MessageEnvelope) (any, error) {
	return r.submit(ctx, func(ctx context.Context) (any, error) {
		if _, _, ok := chimera.CanApply(chimera.CmdGather, r.Phase()); !ok {
			return nil, chimera.NewInvalidPrecondition(chimera.CmdGather, r.Phase())
		}
		return map[string]any{"node_id": r.ID, "phase": r.Phase().String()}, nil
	})
}

func (r *Runtime) handleStartNodes(ctx context.Context, env chimera.MessageEnvelope) (any, error) {
	return r.submit(ctx, func(ctx context.Context) (any, error) {
		next, _, ok := chimera.CanApply(chimera.CmdStart, r.Phase())
		if !ok {
			return nil, chimera.NewInvalidPrecondition(chimera.CmdStart, r.Phase())
		}
		if err := r.body.Setup(ctx); err != nil {
			return nil, errors.Wrap(err, "node setup failed")
		}
		r.startStepLoop()
		r.setPhase(next)
		return nil, nil
	})
}

func (r *Runtime) handleRecordNodes(ctx context.Context, env chimera.MessageEnvelope) (any, error) {
	return r.submit(ctx, func(ctx context.Context) (any, error) {
		next, _, ok := chimera.CanApply(chimera.CmdRecord, r.Phase())
		if !ok {
			return nil, chimera.NewInvalidPrecondition(chimera.CmdRecord, r.Phase())
		}
		r.setPhase(next)
		return nil, nil
	})
}

func (r *Runtime) handleStopNodes(ctx context.Context, env chimera.MessageEnvelope) (any, error) {
	return r.submit(ctx, func(ctx context.Context) (any, error) {
		next, _, ok := chimera.CanApply(chimera.CmdStop, r.Phase())
		if !ok {
			return nil, chimera.NewInvalidPrecondition(chimera.CmdStop, r.Phase())
		}
		r.stopStepLoop()
		if err := r.body.Teardown(ctx); err != nil {
			return nil, errors.Wrap(err, "node teardown failed")
		}
		r.setPhase(next)
		return nil, nil
	})
}

func (r *Runtime) handleRequestMethod(ctx context.Context, env chimera.MessageEnvelope) (any, error) {
	return r.submit(ctx, func(ctx context.Context) (any, error) {
		call, err := decodeMethodCall(env.Data)
		if err != nil {
			return nil, err
		}
		return r.methods.Call(ctx, call.Name, call.Params)
	})
}

func (r *Runtime) handleShutdown(ctx context.Context, env chimera.MessageEnvelope) (any, error) {
	return r.submit(ctx, func(ctx context.Context) (any, error) {
		r.stopStepLoop()
		r.closeSubscribers()
		if r.pubHub != nil {
			r.pubHub.Close()
		}
		r.setPhase(chimera.Shutdown)
		return nil, nil
	})
}

// startStepLoop launches a goroutine that repeatedly calls body.Step
// while the node is Previewing or Recording, publishing each sample to
// subscribers and the record sink when recording. Stopped by
// stopStepLoop.
func (r *Runtime) startStepLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	r.stepCancel = cancel

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			phase := r.Phase()
			if phase != chimera.Previewing && phase != chimera.Recording {
				time.Sleep(10 * time.Millisecond)
				continue
			}

			sample, err := r.body.Step(ctx)
			if err != nil {
				r.log.Warnw("step failed", logger.FieldError, err.Error())
				continue
			}

			r.publishSample(sample)
			if phase == chimera.Recording && r.sink != nil {
				if err := r.sink.Write(sample); err != nil {
					r.log.Warnw("record sink write failed", logger.FieldError, err.Error())
				}
			}
		}
	}()
}

func (r *Runtime) stopStepLoop() {
	if r.stepCancel != nil {
		r.stepCancel()
		r.stepCancel = nil
	}
}

type methodCall struct {
	Name   string `json:"name"`
	Params any    `json:"params"`
}

func decodeMethodCall(data any) (methodCall, error) {
	m, ok := data.(map[string]any)
	if !ok {
		return methodCall{}, errors.Newf("malformed REQUEST_METHOD payload")
	}
	name, _ := m["name"].(string)
	return methodCall{Name: name, Params: m["params"]}, nil
}

func decodePubTable(data any) (chimera.NodePubTable, error) {
	m, ok := data.(map[string]any)
	if !ok {
		return nil, errors.Newf("malformed BROADCAST_NODE_SERVER payload")
	}
	table := make(chimera.NodePubTable, len(m))
	for id, v := range m {
		entry, ok := v.(map[string]any)
		if !ok {
			continue
		}
		host, _ := entry["host"].(string)
		port, _ := entry["port"].(float64)
		table[id] = chimera.PubAddress{Host: host, Port: int(port)}
	}
	return table, nil
}
