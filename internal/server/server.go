// Package server is the transport edge: the collaboration HTTP API and the
// WebSocket fan-out endpoint. Requests are reduced to a narrow context of
// user name, session id and document id before anything reaches the engine;
// no transport type crosses that boundary.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"coedit/internal/engine"
	"coedit/internal/hub"
	"coedit/internal/session"
)

// Server hosts the collaboration API.
type Server struct {
	engine   *engine.Engine
	registry *session.Registry
	hub      *hub.Hub
	router   *http.ServeMux
	server   *http.Server
	logger   *zap.Logger
}

// NewServer creates a server listening on addr.
func NewServer(addr string, eng *engine.Engine, registry *session.Registry, h *hub.Hub, logger *zap.Logger) *Server {
	router := http.NewServeMux()
	s := &Server{
		engine:   eng,
		registry: registry,
		hub:      h,
		router:   router,
		logger:   logger,
		server: &http.Server{
			Addr:         addr,
			Handler:      router,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
	}
	s.setupRoutes()
	return s
}

// setupRoutes wires the HTTP routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/collab/CreateDocument", s.handleCreateDocument)
	s.router.HandleFunc("/api/collab/ImportFile", s.handleImportFile)
	s.router.HandleFunc("/api/collab/UpdateAction", s.handleUpdateAction)
	s.router.HandleFunc("/api/collab/GetActionsFromServer", s.handleGetActions)
	s.router.HandleFunc("/api/collab/ShouldSave", s.handleShouldSave)
	s.router.HandleFunc("/api/collab/SaveDocument", s.handleSaveDocument)
	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving. It returns once the listener fails or Stop is called.
func (s *Server) Start() error {
	s.logger.Info("Server starting", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Server stopping")
	return s.server.Shutdown(ctx)
}
