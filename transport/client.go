package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chimerapy/engine/chimera"
	"github.com/chimerapy/engine/logger"
)

// WebSocket timing constants, matching the gorilla/websocket
// ping/pong discipline the teacher's server.Client observes.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // 1 MiB; control-plane frames, not sample payloads
)

// Client is one end of a signal-channel connection: a Manager-side
// handle on a Worker's socket, a Worker-side handle on a Node's socket,
// or the corresponding dial-out side. It owns the read/write pumps, the
// per-client ack ring, and the table of in-flight ack waiters.
type Client struct {
	ID       string
	conn     *websocket.Conn
	registry *HandlerRegistry
	ackRing  *AckRing

	send chan chimera.MessageEnvelope

	mu      sync.Mutex
	waiters map[string]chan chimera.MessageEnvelope
	closed  bool

	// OnClose, if set, is invoked once after the connection's pumps
	// exit, so an owner can react with ConnectionLost semantics.
	OnClose func(id string)

	log *zap.SugaredLogger
}

// NewClient wraps an established websocket connection. registry
// dispatches inbound signals; ackRingSize sizes the dedupe ring
// (defaultAckRingSize if <= 0).
func NewClient(id string, conn *websocket.Conn, registry *HandlerRegistry, ackRingSize int) *Client {
	return &Client{
		ID:       id,
		conn:     conn,
		registry: registry,
		ackRing:  NewAckRing(ackRingSize),
		send:     make(chan chimera.MessageEnvelope, 64),
		waiters:  make(map[string]chan chimera.MessageEnvelope),
		log:      logger.ComponentLogger("transport.client"),
	}
}

// Run starts the read and write pumps and blocks until the connection
// closes or ctx is cancelled. Callers typically invoke this in its own
// goroutine.
func (c *Client) Run(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.readPump(ctx)
	}()
	c.writePump(ctx)
	<-done

	c.mu.Lock()
	c.closed = true
	waiters := make([]chan chimera.MessageEnvelope, 0, len(c.waiters))
	for _, ch := range c.waiters {
		waiters = append(waiters, ch)
	}
	c.waiters = make(map[string]chan chimera.MessageEnvelope)
	c.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}

	if c.OnClose != nil {
		c.OnClose(c.ID)
	}
}

func (c *Client) readPump(ctx context.Context) {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.log.Debugw("read pump exiting", logger.FieldClientID, c.ID, logger.FieldError, err.Error())
			return
		}

		var env chimera.MessageEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.log.Warnw("dropping malformed frame", logger.FieldClientID, c.ID, logger.FieldError, err.Error())
			continue
		}

		c.handleFrame(ctx, env)
	}
}

func (c *Client) handleFrame(ctx context.Context, env chimera.MessageEnvelope) {
	// An OK frame completes a pending ack-wait rather than being
	// dispatched through the handler registry.
	if env.Signal == chimera.SignalOK {
		c.deliverAck(env)
		return
	}

	if !c.ackRing.Record(env.UUID) && env.UUID != "" {
		// Duplicate delivery of an already-processed frame: the ack
		// ring prevents re-running the handler and re-signaling a
		// waiter that has already moved on (spec §8.4).
		return
	}

	reply, err := c.registry.Dispatch(ctx, env)
	if err != nil {
		if chimera.KindOf(err) == chimera.KindUnknownSignal {
			c.log.Warnw("unknown signal dropped", logger.FieldClientID, c.ID, logger.FieldSignal, env.Signal.String())
			return
		}
		c.log.Warnw("handler error", logger.FieldClientID, c.ID, logger.FieldSignal, env.Signal.String(), logger.FieldError, err.Error())
	}

	if env.OK {
		c.Send(chimera.MessageEnvelope{
			Signal: chimera.SignalOK,
			UUID:   env.UUID,
			Data:   reply,
		})
	}
}

func (c *Client) deliverAck(env chimera.MessageEnvelope) {
	c.mu.Lock()
	ch, ok := c.waiters[env.UUID]
	if ok {
		delete(c.waiters, env.UUID)
	}
	c.mu.Unlock()

	if ok {
		ch <- env
		close(ch)
	}
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case env, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(env); err != nil {
				c.log.Debugw("write error", logger.FieldClientID, c.ID, logger.FieldError, err.Error())
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Send enqueues env for delivery without waiting for an ack.
func (c *Client) Send(env chimera.MessageEnvelope) {
	select {
	case c.send <- env:
	default:
		c.log.Warnw("send buffer full, dropping frame", logger.FieldClientID, c.ID, logger.FieldSignal, env.Signal.String())
	}
}

// SendAndAwaitAck sends env with OK required and a fresh uuid, blocking
// until the peer's OK reply arrives or timeout elapses. Returns
// chimera.NewTimeout on expiry and chimera.NewConnectionLost if the
// connection closes while waiting.
func (c *Client) SendAndAwaitAck(ctx context.Context, env chimera.MessageEnvelope, timeout time.Duration) (chimera.MessageEnvelope, error) {
	env.OK = true
	if env.UUID == "" {
		env.UUID = uuid.NewString()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return chimera.MessageEnvelope{}, chimera.NewConnectionLost(c.ID)
	}
	ch := make(chan chimera.MessageEnvelope, 1)
	c.waiters[env.UUID] = ch
	c.mu.Unlock()

	c.Send(env)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply, ok := <-ch:
		if !ok {
			return chimera.MessageEnvelope{}, chimera.NewConnectionLost(c.ID)
		}
		return reply, nil
	case <-timer.C:
		c.mu.Lock()
		delete(c.waiters, env.UUID)
		c.mu.Unlock()
		return chimera.MessageEnvelope{}, chimera.NewTimeout("ack wait for " + env.Signal.String())
	case <-ctx.Done():
		return chimera.MessageEnvelope{}, ctx.Err()
	}
}
