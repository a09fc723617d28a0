// Package server exposes the HTTP session API and the terminal WebSocket
// gateway.
package server

import (
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/termlink/termlink/internal/config"
	"github.com/termlink/termlink/internal/logger"
	"github.com/termlink/termlink/internal/session"
)

// Server serves the REST session API and the terminal WebSocket.
type Server struct {
	cfg      *config.Config
	registry *session.Registry
	secret   []byte

	mu       sync.Mutex
	listener net.Listener
}

func New(cfg *config.Config, registry *session.Registry) *Server {
	var secret []byte
	if cfg.Server.AuthSecret != "" {
		secret = []byte(cfg.Server.AuthSecret)
	}
	return &Server{cfg: cfg, registry: registry, secret: secret}
}

// Handler builds the route table. Exposed for httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/terminal", s.requireAuth(s.handleTerminalWS))
	mux.HandleFunc("GET /api/sessions", s.requireAuth(s.handleListSessions))
	mux.HandleFunc("POST /api/sessions", s.requireAuth(s.handleCreateSession))
	mux.HandleFunc("PATCH /api/sessions/{id}", s.requireAuth(s.handleRenameSession))
	mux.HandleFunc("DELETE /api/sessions/{id}", s.requireAuth(s.handleDeleteSession))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	})
	return mux
}

// Start begins listening on the given address. Blocks until Close.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	logger.Info("listening", "addr", ln.Addr().String())
	return http.Serve(ln, s.Handler())
}

// Close stops the listener.
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		return ln.Close()
	}
	return nil
}
