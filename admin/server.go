package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/rs/zerolog/log"
)

// Server hosts the admin API, /metrics and pprof on one listener.
type Server struct {
	address string
	mux     *http.ServeMux
	server  *http.Server
	addr    net.Addr
}

// NewServer builds the admin HTTP server.
func NewServer(address string, handlers *AdminHandlers, secret string, metrics http.Handler) *Server {
	mux := http.NewServeMux()
	RegisterRoutes(mux, handlers, secret, metrics)

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return &Server{
		address: address,
		mux:     mux,
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handle mounts an extra handler, such as a websocket hub. Call before Start.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}
	s.addr = listener.Addr()

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}()

	log.Info().Str("address", s.addr.String()).Msg("Admin server listening")
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	log.Info().Msg("Stopping admin server")
	return s.server.Shutdown(ctx)
}
