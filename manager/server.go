package manager

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chimerapy/engine/chimera"
	"github.com/chimerapy/engine/errors"
	"github.com/chimerapy/engine/logger"
	"github.com/chimerapy/engine/transport"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server exposes the Manager's HTTP+WS surface to external controllers
// and to every registered worker. Grounded on `worker/server.go`'s
// ServeMux-per-Server shape, which itself is grounded on the teacher's
// `server/server.go` route table.
type Server struct {
	manager    *Manager
	httpServer *http.Server
	log        *zap.SugaredLogger
}

// NewServer builds a Manager HTTP+WS server bound to addr.
func NewServer(addr string, m *Manager) *Server {
	s := &Server{manager: m, log: logger.ComponentLogger("manager.server")}

	mux := http.NewServeMux()
	mux.HandleFunc("/network", s.handleNetwork)
	mux.HandleFunc("/commit", s.handleCommit)
	mux.HandleFunc("/start", s.handleStart)
	mux.HandleFunc("/stop", s.handleStop)
	mux.HandleFunc("/collect", s.handleCollect)
	mux.HandleFunc("/gather", s.handleGather)
	mux.HandleFunc("/reset", s.handleReset)
	mux.HandleFunc("/file/post", s.handleFilePost)
	mux.HandleFunc("/ws", s.handleWS)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Serve starts the HTTP server, blocking until it stops or ctx is
// cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleNetwork(w http.ResponseWriter, r *http.Request) {
	_ = transport.WriteJSON(w, http.StatusOK, s.manager.NetworkSnapshot())
}

type commitRequest struct {
	Graph     chimera.GraphSpec `json:"graph"`
	Placement chimera.Placement `json:"placement"`
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	var req commitRequest
	if err := transport.ReadJSON(w, r, &req); err != nil {
		return
	}
	if err := s.manager.Commit(r.Context(), req.Graph, req.Placement); err != nil {
		writeManagerError(w, err)
		return
	}
	_ = transport.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.StartWorkers(r.Context()); err != nil {
		writeManagerError(w, err)
		return
	}
	_ = transport.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.StopWorkers(r.Context()); err != nil {
		writeManagerError(w, err)
		return
	}
	_ = transport.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleCollect(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Collect(r.Context()); err != nil {
		writeManagerError(w, err)
		return
	}
	_ = transport.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleGather(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Gather(r.Context()); err != nil {
		writeManagerError(w, err)
		return
	}
	_ = transport.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Reset(r.Context()); err != nil {
		writeManagerError(w, err)
		return
	}
	_ = transport.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleFilePost receives a worker's uploaded artifact archive, the
// manager-side leg of §4.6's multipart transfer.
func (s *Server) handleFilePost(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		transport.WriteError(w, http.StatusBadRequest, "parsing multipart form: "+err.Error())
		return
	}
	senderID := r.FormValue("sender_id")
	if senderID == "" {
		transport.WriteError(w, http.StatusBadRequest, "missing sender_id")
		return
	}

	file, header, err := r.FormFile("archive")
	if err != nil {
		transport.WriteError(w, http.StatusBadRequest, "reading uploaded archive: "+err.Error())
		return
	}
	defer file.Close()

	dstPath := s.manager.StagingPath(senderID, header.Filename)
	if err := saveUploadedFile(file, dstPath); err != nil {
		writeManagerError(w, err)
		return
	}
	_ = transport.WriteJSON(w, http.StatusOK, map[string]string{"stored_at": dstPath})
}

// handleWS is the manager's /ws endpoint: a worker dials in, sends
// CLIENT_REGISTER, and the connection becomes that worker's long-lived
// NODE_STATUS channel.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("ws upgrade failed", logger.FieldError, err.Error())
		return
	}

	registry := transport.NewHandlerRegistry()
	var workerID string

	registry.Register(chimera.SignalClientRegister, transport.HandlerFunc(
		func(ctx context.Context, env chimera.MessageEnvelope) (any, error) {
			reg, ok := env.Data.(map[string]any)
			if !ok {
				return nil, errors.Newf("malformed CLIENT_REGISTER payload")
			}
			id, _ := reg["worker_id"].(string)
			host, _ := reg["host"].(string)
			port, _ := reg["port"].(float64)
			protocolVersion, _ := reg["protocol_version"].(string)

			if err := s.manager.RegisterWorker(ctx, id, host, int(port), protocolVersion); err != nil {
				return nil, err
			}
			workerID = id
			return map[string]bool{"ok": true}, nil
		}))

	registry.Register(chimera.SignalNodeStatus, transport.HandlerFunc(
		func(ctx context.Context, env chimera.MessageEnvelope) (any, error) {
			if workerID == "" {
				return nil, errors.Newf("NODE_STATUS received before CLIENT_REGISTER")
			}
			raw, err := json.Marshal(env.Data)
			if err != nil {
				return nil, err
			}
			var state chimera.NodeState
			if err := json.Unmarshal(raw, &state); err != nil {
				return nil, err
			}
			s.manager.RegisterNodeState(workerID, state)
			return nil, nil
		}))

	client := transport.NewClient("pending", conn, registry, 100)
	client.OnClose = func(id string) {
		if workerID != "" {
			_ = s.manager.DeregisterWorker(context.Background(), workerID)
		}
	}
	client.Run(r.Context())
}

func writeManagerError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch chimera.KindOf(err) {
	case chimera.KindInvalidPrecondition:
		status = http.StatusConflict
	case chimera.KindPlacementError:
		status = http.StatusBadRequest
	case chimera.KindTimeout:
		status = http.StatusGatewayTimeout
	case chimera.KindConnectionLost:
		status = http.StatusBadGateway
	}
	transport.WriteError(w, status, err.Error())
}
