package worker

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chimerapy/engine/chimera"
	"github.com/chimerapy/engine/errors"
	"github.com/chimerapy/engine/transport"
)

// registerTimeout bounds the CLIENT_REGISTER round trip, matching the
// comms.timeout.ok config key's intent for control-plane acks.
const registerTimeout = 10 * time.Second

// ManagerLink is a worker's outbound connection to the manager's /ws
// endpoint: it registers once at dial time, then stays open to carry
// NODE_STATUS reports for every node this worker hosts. Grounded on
// `node.Runtime.Connect`'s dial-then-register shape, one tier up.
type ManagerLink struct {
	client *transport.Client
}

// DialManager connects to the manager, sends CLIENT_REGISTER, and
// blocks until the registration is acknowledged. The returned
// ManagerLink stays open; call ReportNodeState as the worker's hosted
// nodes change phase, and Run the link's underlying pump in its own
// goroutine (done internally here).
func DialManager(ctx context.Context, managerAddr, workerID, selfHost string, selfPort int, protocolVersion string) (*ManagerLink, error) {
	u, err := buildManagerWSURL(managerAddr)
	if err != nil {
		return nil, errors.Wrap(err, "invalid manager address")
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, chimera.NewConnectionLost(workerID)
	}

	registry := transport.NewHandlerRegistry()
	client := transport.NewClient(workerID, conn, registry, 0)
	go client.Run(ctx)

	_, err = client.SendAndAwaitAck(ctx, chimera.MessageEnvelope{
		Signal: chimera.SignalClientRegister,
		Data: map[string]any{
			"worker_id":        workerID,
			"host":             selfHost,
			"port":             selfPort,
			"protocol_version": protocolVersion,
		},
	}, registerTimeout)
	if err != nil {
		return nil, errors.Wrap(err, "registering with manager")
	}

	return &ManagerLink{client: client}, nil
}

// ReportNodeState sends this worker's mirrored view of one node's
// state to the manager, the worker-initiated half of the NODE_STATUS
// channel `manager/server.go`'s handleWS dispatches on.
func (l *ManagerLink) ReportNodeState(state chimera.NodeState) {
	l.client.Send(chimera.MessageEnvelope{
		Signal: chimera.SignalNodeStatus,
		Data:   state,
	})
}

func buildManagerWSURL(addr string) (string, error) {
	if !strings.Contains(addr, "://") {
		addr = "ws://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", err
	}
	u.Scheme = "ws"
	u.Path = "/ws"
	return u.String(), nil
}
