package mapserver

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"mindmapsync/mapsync"
)

// Server exposes the relay over HTTP: the websocket sync endpoint, the
// snapshot endpoints consumed by full sync, and the operation history.
type Server struct {
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewServer creates the HTTP surface over a hub.
func NewServer(hub *Hub, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWebsocket).Methods(http.MethodGet)
	r.HandleFunc("/maps/{mapID}/snapshot", s.handleGetSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/maps/{mapID}/snapshot", s.handlePutSnapshot).Methods(http.MethodPut)
	r.HandleFunc("/maps/{mapID}/operations", s.handleOperations).Methods(http.MethodGet)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleWebsocket upgrades the connection and hands it to a session. The
// map and actor are identified by query parameters, matching the URL the
// sync engine builds when it dials.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	mapID := r.URL.Query().Get("mapId")
	actorID := r.URL.Query().Get("actorId")
	if mapID == "" || actorID == "" {
		http.Error(w, "mapId and actorId query parameters are required", http.StatusBadRequest)
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	session := NewClientSession(mapsync.WrapWebsocket(wsConn), s.hub, mapID, actorID, s.logger)
	if err := s.hub.Register(r.Context(), session); err != nil {
		s.logger.Warn("Failed to register session", zap.Error(err))
		session.Close()
		return
	}
	// The session outlives this handler; the request context is canceled
	// the moment it returns, which would fail every later store commit.
	go session.Run(s.hub.Context())
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	mapID := mux.Vars(r)["mapID"]
	snapshot, err := s.hub.Snapshot(r.Context(), mapID)
	if err != nil {
		s.logger.Error("Failed to build snapshot",
			zap.String("map_id", mapID),
			zap.Error(err))
		http.Error(w, "failed to build snapshot", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handlePutSnapshot(w http.ResponseWriter, r *http.Request) {
	mapID := mux.Vars(r)["mapID"]

	var snapshot mapsync.MapSnapshot
	if err := json.NewDecoder(r.Body).Decode(&snapshot); err != nil {
		http.Error(w, "invalid snapshot payload", http.StatusBadRequest)
		return
	}
	if snapshot.MapID == "" {
		snapshot.MapID = mapID
	}
	if snapshot.MapID != mapID {
		http.Error(w, "snapshot map does not match URL", http.StatusBadRequest)
		return
	}

	s.hub.ReplaceSnapshot(&snapshot)
	s.logger.Info("Snapshot replaced",
		zap.String("map_id", mapID),
		zap.Int("node_count", len(snapshot.Nodes)))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOperations(w http.ResponseWriter, r *http.Request) {
	mapID := mux.Vars(r)["mapID"]

	afterSeq := int64(0)
	if raw := r.URL.Query().Get("afterSeq"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			http.Error(w, "afterSeq must be a non-negative integer", http.StatusBadRequest)
			return
		}
		afterSeq = parsed
	}

	ops, err := s.hub.OperationsAfter(r.Context(), mapID, afterSeq)
	if err != nil {
		s.logger.Error("Failed to load operations",
			zap.String("map_id", mapID),
			zap.Error(err))
		http.Error(w, "failed to load operations", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, ops)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
