package node

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chimerapy/engine/chimera"
	"github.com/chimerapy/engine/errors"
	"github.com/chimerapy/engine/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// publisher is a node's outbound sample feed: a minimal gorilla/websocket
// server other nodes' subscribers dial into, per SPEC_FULL.md §4.5's
// "publisher/subscriber data plane is a minimal gorilla/websocket hub".
type publisher struct {
	listener net.Listener
	server   *http.Server

	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}
}

func newPublisher() *publisher {
	return &publisher{clients: make(map[*websocket.Conn]struct{})}
}

// Listen binds an ephemeral port on host and starts serving /pub.
// Returns the bound PubAddress.
func (p *publisher) Listen(host string) (chimera.PubAddress, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return chimera.PubAddress{}, errors.Wrap(err, "binding publisher listener")
	}
	p.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/pub", p.handleUpgrade)
	p.server = &http.Server{Handler: mux}

	go p.server.Serve(ln)

	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return chimera.PubAddress{Host: host, Port: port}, nil
}

func (p *publisher) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	p.mu.Lock()
	p.clients[conn] = struct{}{}
	p.mu.Unlock()

	go func() {
		defer func() {
			p.mu.Lock()
			delete(p.clients, conn)
			p.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Broadcast sends sample to every connected subscriber.
func (p *publisher) Broadcast(sample chimera.Sample) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for conn := range p.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(sample); err != nil {
			conn.Close()
		}
	}
}

// Close stops accepting connections and drops all subscribers.
func (p *publisher) Close() error {
	p.mu.Lock()
	for conn := range p.clients {
		conn.Close()
	}
	p.clients = make(map[*websocket.Conn]struct{})
	p.mu.Unlock()

	if p.listener != nil {
		p.listener.Close()
	}
	return nil
}

// subscriber is one dial-out connection to an upstream producer's
// publisher. Samples it receives are read and discarded; they are not
// passed to the node's Body.
type subscriber struct {
	producerID string
	conn       *websocket.Conn
	cancel     context.CancelFunc
}

// StartPublisher binds this node's outbound feed, recording its
// address for inclusion in the manager's NodePubTable broadcast.
func (r *Runtime) StartPublisher(host string) (chimera.PubAddress, error) {
	hub := newPublisher()
	addr, err := hub.Listen(host)
	if err != nil {
		return chimera.PubAddress{}, err
	}

	r.mu.Lock()
	r.pubHub = hub
	r.pubAddr = addr
	r.mu.Unlock()

	return addr, nil
}

// publishSample fans sample out to the node's publisher hub, a no-op
// if the node has not started one (e.g. a sink-only node).
func (r *Runtime) publishSample(sample chimera.Sample) {
	r.mu.Lock()
	hub := r.pubHub
	r.mu.Unlock()
	if hub != nil {
		hub.Broadcast(sample)
	}
}

// connectSubscribers dials every producer named in table that this
// node does not already subscribe to, and drops subscriptions for
// producers no longer present — the node's reaction to
// BROADCAST_NODE_SERVER.
func (r *Runtime) connectSubscribers(ctx context.Context, table chimera.NodePubTable) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	wanted := make(map[string]struct{}, len(table))
	for producerID, addr := range table {
		wanted[producerID] = struct{}{}
		if producerID == r.ID {
			continue
		}
		if _, already := r.subs[producerID]; already {
			continue
		}

		sub, err := r.dialSubscriber(ctx, producerID, addr)
		if err != nil {
			r.log.Warnw("subscribe failed", logger.FieldNodeID, producerID, logger.FieldError, err.Error())
			continue
		}
		r.subs[producerID] = sub
	}

	for producerID, sub := range r.subs {
		if _, keep := wanted[producerID]; !keep {
			sub.cancel()
			sub.conn.Close()
			delete(r.subs, producerID)
		}
	}
	return nil
}

func (r *Runtime) dialSubscriber(ctx context.Context, producerID string, addr chimera.PubAddress) (*subscriber, error) {
	url := "ws://" + net.JoinHostPort(addr.Host, strconv.Itoa(addr.Port)) + "/pub"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing producer %q", producerID)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscriber{producerID: producerID, conn: conn, cancel: cancel}

	go func() {
		defer conn.Close()
		for {
			select {
			case <-subCtx.Done():
				return
			default:
			}
			var sample chimera.Sample
			if err := conn.ReadJSON(&sample); err != nil {
				return
			}
			// The sample is dropped here: Runtime has no input path
			// that hands upstream samples to its Body.
		}
	}()

	return sub, nil
}

func (r *Runtime) closeSubscribers() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, sub := range r.subs {
		sub.cancel()
		sub.conn.Close()
		delete(r.subs, id)
	}
}
