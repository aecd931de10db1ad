// Package control exposes a running session over a local HTTP JSON API.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"socksbridge/internal/stats"
	"socksbridge/pkg/types"
)

// DefaultListen is the default API address.
const DefaultListen = "127.0.0.1:7878"

// Status is the body of GET /v1/status.
type Status struct {
	State   string               `json:"state"`
	Session *types.SessionResult `json:"session,omitempty"`
	Stats   stats.Summary        `json:"stats"`
}

// Backend is the session the API reports on.
type Backend interface {
	Status() Status
	Stop()
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server serves the control API.
type Server struct {
	backend Backend
	srv     *http.Server
	ln      net.Listener
}

// NewServer creates a server for backend.
func NewServer(backend Backend) *Server {
	s := &Server{backend: backend}
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("POST /v1/stop", s.handleStop)
	return mux
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.ln = ln

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("Control API stopped")
		}
	}()

	log.WithField("listen", ln.Addr().String()).Info("Control API listening")
	return nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Shutdown stops the server, waiting for in-flight requests until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Status())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	log.WithField("remote", r.RemoteAddr).Info("Stop requested through control API")
	s.backend.Stop()
	writeJSON(w, http.StatusOK, s.backend.Status())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Debug("Failed to write control response")
	}
}
