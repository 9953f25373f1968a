package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxgate/voxgate/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Vendor peers are server-to-server; origin checks belong to the
	// deployment's edge, not the protocol engine.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server accepts vendor connections on a single listening address and
// runs a dispatcher per connection.
type Server struct {
	addr     string
	registry *session.Registry
	opts     Options
	logger   *slog.Logger

	srv *http.Server
}

// NewServer creates the signaling/media listener.
func NewServer(addr string, registry *session.Registry, opts Options, logger *slog.Logger) *Server {
	return &Server{
		addr:     addr,
		registry: registry,
		opts:     opts,
		logger:   logger.With("subsystem", "gateway"),
	}
}

// Handler returns the WebSocket upgrade handler, exported so it can also
// be mounted on an existing HTTP mux.
func (s *Server) Handler(ctx context.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}

		s.logger.Info("vendor connected", "remote", r.RemoteAddr)
		c := NewConn(newWSTransport(conn), s.registry, s.opts, s.logger.With("remote", r.RemoteAddr))
		c.Run(ctx)
	}
}

// Start begins accepting connections. It returns once the listener is
// running; failures after startup are reported on the returned channel.
func (s *Server) Start(ctx context.Context) <-chan error {
	mux := http.NewServeMux()
	mux.Handle("/ws", s.Handler(ctx))
	// The original deployment dials the root path; serve it too.
	mux.Handle("/", s.Handler(ctx))

	s.srv = &http.Server{
		Addr:        s.addr,
		Handler:     mux,
		ReadTimeout: 0, // persistent message connections
		IdleTimeout: 0,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("gateway listener: %w", err)
		}
	}()
	return errCh
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop() {
	if s.srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Error("gateway shutdown", "error", err)
	}
}
