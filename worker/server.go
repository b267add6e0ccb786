package worker

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chimerapy/engine/chimera"
	"github.com/chimerapy/engine/errors"
	"github.com/chimerapy/engine/internal/httpclient"
	"github.com/chimerapy/engine/logger"
	"github.com/chimerapy/engine/transport"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server exposes a Worker's HTTP+WS surface: node lifecycle commands
// from the manager, artifact uploads from nodes, and the /ws signal
// channel nodes dial into. Grounded on the teacher's server.go route
// table (one handler per concern, mux.HandleFunc + explicit timeouts)
// adapted from a single monolithic DefaultServeMux to a per-Server
// http.ServeMux so multiple workers can run in one test process.
type Server struct {
	ID         string
	handler    *NodeHandler
	archiver   *Archiver
	stagingDir string

	managerAddr  string
	uploadClient *httpclient.SaferClient

	httpServer *http.Server
	log        *zap.SugaredLogger
}

// NewServer builds a Worker HTTP+WS server bound to addr.
func NewServer(id, addr, managerAddr, stagingDir string, h *NodeHandler, archiver *Archiver) *Server {
	falseVal := false
	s := &Server{
		ID:           id,
		handler:      h,
		archiver:     archiver,
		stagingDir:   stagingDir,
		managerAddr:  managerAddr,
		uploadClient: httpclient.NewSaferClientWithOptions(30*time.Second, httpclient.SaferClientOptions{BlockPrivateIP: &falseVal}),
		log:          logger.ComponentLogger("worker.server").With(logger.FieldWorkerID, id),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/nodes/create", s.handleCreateNode)
	mux.HandleFunc("/nodes/destroy", s.handleDestroyNode)
	mux.HandleFunc("/nodes/server_data", s.handleSetupConnections)
	mux.HandleFunc("/nodes/start", s.handleStartNodes)
	mux.HandleFunc("/nodes/record", s.handleRecordNodes)
	mux.HandleFunc("/nodes/stop", s.handleStopNodes)
	mux.HandleFunc("/nodes/save", s.handleCollectNodes)
	mux.HandleFunc("/nodes/gather", s.handleGatherNodes)
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

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	nodeID := r.URL.Query().Get("node_id")
	if nodeID == "" {
		http.Error(w, "missing node_id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("ws upgrade failed", logger.FieldNodeID, nodeID, logger.FieldError, err.Error())
		return
	}

	registry := transport.NewHandlerRegistry()
	registry.Register(chimera.SignalNodeStatus, transport.HandlerFunc(
		func(ctx context.Context, env chimera.MessageEnvelope) (any, error) {
			raw, err := json.Marshal(env.Data)
			if err != nil {
				return nil, err
			}
			var state chimera.NodeState
			if err := json.Unmarshal(raw, &state); err != nil {
				return nil, err
			}
			s.handler.UpdateNodeState(state)
			return nil, nil
		}))

	client := transport.NewClient(nodeID, conn, registry, 100)
	s.handler.RegisterNodeClient(client)
	client.Run(r.Context())
}

type nodeIDRequest struct {
	NodeID string `json:"node_id"`
}

func (s *Server) handleCreateNode(w http.ResponseWriter, r *http.Request) {
	var spec chimera.NodeSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, errors.Wrap(err, "decoding node spec"))
		return
	}
	if err := s.handler.CreateNode(r.Context(), spec); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"node_id": spec.NodeID})
}

func (s *Server) handleDestroyNode(w http.ResponseWriter, r *http.Request) {
	var req nodeIDRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Wrap(err, "decoding request"))
		return
	}
	if err := s.handler.DestroyNode(r.Context(), req.NodeID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handleSetupConnections(w http.ResponseWriter, r *http.Request) {
	var table chimera.NodePubTable
	if err := json.NewDecoder(r.Body).Decode(&table); err != nil {
		writeError(w, errors.Wrap(err, "decoding pub table"))
		return
	}
	if err := s.handler.SetupConnections(r.Context(), table); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handleStartNodes(w http.ResponseWriter, r *http.Request) {
	if err := s.handler.StartNodes(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handleRecordNodes(w http.ResponseWriter, r *http.Request) {
	if err := s.handler.RecordNodes(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handleStopNodes(w http.ResponseWriter, r *http.Request) {
	if err := s.handler.StopNodes(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handleCollectNodes(w http.ResponseWriter, r *http.Request) {
	bundles, err := s.handler.CollectNodes(r.Context(), s.archiver)
	if err != nil {
		if chimera.KindOf(err) != chimera.KindPartialFailure {
			writeError(w, err)
			return
		}
		// partial failure: still report whichever bundles succeeded,
		// the manager aggregates per-node outcomes itself.
	}

	for nodeID, bundle := range bundles {
		if uploadErr := s.uploadArtifact(r.Context(), bundle); uploadErr != nil {
			s.log.Warnw("artifact upload failed", logger.FieldNodeID, nodeID, logger.FieldError, uploadErr.Error())
		}
	}
	writeJSON(w, bundles)
}

func (s *Server) handleGatherNodes(w http.ResponseWriter, r *http.Request) {
	results, err := s.handler.GatherNodes(r.Context())
	if err != nil && chimera.KindOf(err) != chimera.KindPartialFailure {
		writeError(w, err)
		return
	}
	writeJSON(w, results)
}

// handleFilePost receives a node's or worker's staged artifact,
// matching §4.6's `staging/<sender_id>/<archive-name>` layout.
func (s *Server) handleFilePost(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		writeError(w, errors.Wrap(err, "parsing multipart form"))
		return
	}
	senderID := r.FormValue("sender_id")
	if senderID == "" {
		senderID = uuid.NewString()
	}

	file, header, err := r.FormFile("archive")
	if err != nil {
		writeError(w, errors.Wrap(err, "reading uploaded archive"))
		return
	}
	defer file.Close()

	dstPath := s.handler.StagingPath(senderID, header.Filename)
	if err := saveUploadedFile(file, dstPath); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"stored_at": dstPath})
}

func writeJSON(w http.ResponseWriter, v any) {
	_ = transport.WriteJSON(w, http.StatusOK, v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch chimera.KindOf(err) {
	case chimera.KindInvalidPrecondition:
		status = http.StatusConflict
	case chimera.KindTimeout:
		status = http.StatusGatewayTimeout
	case chimera.KindConnectionLost:
		status = http.StatusBadGateway
	case chimera.KindUnknownSignal, chimera.KindUnknownMethod:
		status = http.StatusNotFound
	}
	transport.WriteError(w, status, err.Error())
}
