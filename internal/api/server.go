// Package api provides the HTTP and WebSocket status/control surface for
// the engine: read-only views over the Bot Registry, Safety Envelope,
// Position State Manager and Helios Rollback Protocol, plus a WebSocket
// hub that mirrors the event bus out to dashboards in real time.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/atlas-sentinel/engine/internal/events"
	"github.com/atlas-sentinel/engine/internal/helios"
	"github.com/atlas-sentinel/engine/internal/metrics"
	"github.com/atlas-sentinel/engine/internal/psm"
	"github.com/atlas-sentinel/engine/internal/registry"
	"github.com/atlas-sentinel/engine/internal/safety"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Server is the HTTP/WebSocket status and control server.
type Server struct {
	logger     *zap.Logger
	config     *ServerConfig
	router     *mux.Router
	httpServer *http.Server
	hub        *Hub

	registry *registry.Registry
	envelope *safety.Envelope
	psm      *psm.Manager
	helios   *helios.Protocol
	metrics  *metrics.EngineMetrics
}

// NewServer wires a status/control server over the running component
// graph. Any of registry/envelope/psm/helios may be nil (e.g. when
// wiring a status-only process against PSM alone); handlers report a
// 503 for a component that isn't present rather than panicking.
func NewServer(logger *zap.Logger, config *ServerConfig, bus *events.EventBus, reg *registry.Registry, envelope *safety.Envelope, positions *psm.Manager, heliosProtocol *helios.Protocol, m *metrics.EngineMetrics) *Server {
	server := &Server{
		logger:   logger.Named("api"),
		config:   config,
		router:   mux.NewRouter(),
		hub:      NewHub(logger.Named("api.hub")),
		registry: reg,
		envelope: envelope,
		psm:      positions,
		helios:   heliosProtocol,
		metrics:  m,
	}
	if bus != nil {
		server.subscribeBus(bus)
	}
	server.setupRoutes()
	return server
}

// subscribeBus mirrors every bus event onto the WebSocket hub so
// dashboards see decisions, safety transitions and Helios rollbacks as
// they happen, without re-deriving them from polling the HTTP surface.
func (s *Server) subscribeBus(bus *events.EventBus) {
	bus.SubscribeAll(func(evt events.Event) error {
		s.hub.Broadcast(MessageType(evt.GetType()), evt)
		return nil
	})
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/api/v1/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/api/v1/bots", s.handleListBots).Methods("GET")
	s.router.HandleFunc("/api/v1/safety", s.handleSafety).Methods("GET")
	s.router.HandleFunc("/api/v1/positions", s.handleListPositions).Methods("GET")
	s.router.HandleFunc("/api/v1/positions/{id}", s.handleGetPosition).Methods("GET")
	s.router.HandleFunc("/api/v1/helios/status", s.handleHeliosStatus).Methods("GET")
	s.router.HandleFunc("/api/v1/helios/deploy", s.handleHeliosDeploy).Methods("POST")
	s.router.HandleFunc("/api/v1/helios/postmortems/{id}/complete", s.handleHeliosCompletePostmortem).Methods("POST")
	s.router.HandleFunc(s.config.WebSocketPath, s.handleWebSocket)
	if s.metrics != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	}
}

// Router exposes the underlying mux.Router for tests that want to drive
// requests through httptest.NewServer without a real network listener.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Start starts the HTTP server; it blocks until Stop is called or the
// listener errors.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	go s.hub.Run()

	s.logger.Info("starting api server", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server and closes any open WebSocket
// connections.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.CloseAll()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "healthy"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"clients": s.hub.ClientCount()}
	if s.registry != nil {
		resp["bots"] = s.registry.StatusSummary()
	}
	if s.envelope != nil {
		resp["safety"] = s.envelope.Snapshot()
	}
	if s.helios != nil {
		resp["helios"] = s.helios.GetStatus()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListBots(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "registry not wired"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"bots": s.registry.StatusSummary()})
}

func (s *Server) handleSafety(w http.ResponseWriter, r *http.Request) {
	if s.envelope == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "safety envelope not wired"})
		return
	}
	writeJSON(w, http.StatusOK, s.envelope.Snapshot())
}

func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	if s.psm == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "psm not wired"})
		return
	}
	symbol := r.URL.Query().Get("symbol")
	positions, err := s.psm.GetOpenPositions(symbol)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"positions": positions, "count": len(positions)})
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	if s.psm == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "psm not wired"})
		return
	}
	id := mux.Vars(r)["id"]
	position, err := s.psm.GetPosition(id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, position)
}

func (s *Server) handleHeliosStatus(w http.ResponseWriter, r *http.Request) {
	if s.helios == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "helios not wired"})
		return
	}
	writeJSON(w, http.StatusOK, s.helios.GetStatus())
}

type heliosDeployRequest struct {
	DeploymentID    string `json:"deployment_id"`
	Version         string `json:"version"`
	Description     string `json:"description"`
	StableVersionID string `json:"stable_version_id"`
}

func (s *Server) handleHeliosDeploy(w http.ResponseWriter, r *http.Request) {
	if s.helios == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "helios not wired"})
		return
	}
	var req heliosDeployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.DeploymentID == "" || req.Version == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "deployment_id and version are required"})
		return
	}
	if err := s.helios.RegisterDeployment(req.DeploymentID, req.Version, req.Description, req.StableVersionID); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"deployment_id": req.DeploymentID, "status": "registered"})
}

type completePostmortemRequest struct {
	RootCause         string   `json:"root_cause"`
	CorrectiveActions []string `json:"corrective_actions"`
}

func (s *Server) handleHeliosCompletePostmortem(w http.ResponseWriter, r *http.Request) {
	if s.helios == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "helios not wired"})
		return
	}
	id := mux.Vars(r)["id"]
	var req completePostmortemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := s.helios.CompletePostmortem(id, req.RootCause, req.CorrectiveActions); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"postmortem_id": id, "status": "closed"})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}
	client := NewClient(strconv.FormatInt(s.hub.nextClientID(), 10), s.hub, conn)
	s.hub.register <- client
	s.logger.Info("websocket client connected", zap.String("id", client.id))

	go client.WritePump()
	go client.ReadPump()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
