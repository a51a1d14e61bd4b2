package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
)

// Server exposes a registry over a local HTTP listener. It serves
// /metrics (Prometheus text or JSON by Accept header) and /healthz.
//
// The listener is meant for loopback addresses; config validation warns
// when it is bound anywhere else.
type Server struct {
	listen   string
	registry *Registry

	mu     sync.Mutex
	ln     net.Listener
	srv    *http.Server
	health func() (status string, healthy bool)
}

// NewServer creates a metrics server bound to the given address.
func NewServer(listen string, registry *Registry) *Server {
	if registry == nil {
		registry = Default()
	}
	return &Server{
		listen:   listen,
		registry: registry,
	}
}

// SetHealthFunc installs the callback backing /healthz. When unset the
// endpoint reports ok while the server runs.
func (s *Server) SetHealthFunc(fn func() (status string, healthy bool)) {
	s.mu.Lock()
	s.health = fn
	s.mu.Unlock()
}

// Start binds the listener and begins serving. A bad listen address is
// an error here, not at scrape time.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ln != nil {
		return fmt.Errorf("metrics server already started")
	}

	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("metrics listen on %s: %w", s.listen, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", s.registry.HTTPHandler())
	mux.HandleFunc("/healthz", s.handleHealthz)

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.ln = ln
	s.srv = srv

	go srv.Serve(ln)
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	fn := s.health
	s.mu.Unlock()

	status, healthy := "ok", true
	if fn != nil {
		status, healthy = fn()
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	fmt.Fprintln(w, status)
}

// Addr returns the bound address, or "" before Start. With a ":0"
// listen address this reports the assigned port.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Running reports whether the server is accepting connections.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.srv != nil
}

// Stop shuts the server down, waiting briefly for in-flight scrapes.
func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.ln = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return srv.Close()
	}
	return nil
}
