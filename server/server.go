// Package server implements the Foreman HTTP server: the REST API and
// the SSE event stream.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/forgecrew/foreman/config"
	"github.com/forgecrew/foreman/events"
	"github.com/forgecrew/foreman/server/api"
	"github.com/forgecrew/foreman/server/ws"
	"github.com/forgecrew/foreman/service"
	"github.com/forgecrew/foreman/store"
	"github.com/forgecrew/foreman/workqueue"
)

// Server is the Foreman HTTP server.
type Server struct {
	cfg     config.Config
	mux     *http.ServeMux
	httpSrv *http.Server
	logger  *slog.Logger

	services *service.Services
	engine   *workqueue.Engine
	st       *store.Store
	hub      *ws.Hub
	bridge   *Bridge

	startTime time.Time
	version   string
}

// New creates a new Server. The bridge subscribes to the bus
// immediately so no events are missed before Start.
func New(cfg config.Config, ver string, svcs *service.Services, eng *workqueue.Engine, st *store.Store, bus *events.Bus, logger *slog.Logger) *Server {
	hub := ws.NewHub(cfg.Server.SSEBuffer, logger)
	s := &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		logger:    logger,
		services:  svcs,
		engine:    eng,
		st:        st,
		hub:       hub,
		bridge:    NewBridge(bus, hub),
		startTime: time.Now(),
		version:   ver,
	}
	return s
}

// Start registers routes and begins listening.
func (s *Server) Start() error {
	s.registerRoutes()

	addr := s.cfg.Server.Addr
	if addr == "" {
		addr = ":8710"
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 15 * time.Second,
	}
	s.logger.Info("server listening", slog.String("addr", addr))
	return s.httpSrv.ListenAndServe()
}

// Stop detaches the bridge and gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.bridge.Close()
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Handler returns the route mux. Exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	h := &api.Handlers{
		Services:     s.services,
		Engine:       s.engine,
		Store:        s.st,
		Logger:       s.logger,
		Version:      s.version,
		StartAt:      s.startTime,
		ClaimTimeout: s.cfg.Queue.DefaultClaimTimeout,
	}
	h.RegisterRoutes(s.mux)

	s.mux.HandleFunc("GET /events", s.hub.ServeSSE)
}
