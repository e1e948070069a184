package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Server manages the HTTP server lifecycle.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	logger     *zap.Logger
	// cancel ends the base context of every request, which also closes
	// hijacked WebSocket streams that Shutdown does not track.
	cancel context.CancelFunc
}

// NewServer binds addr. Use port 0 to let the kernel pick one; Addr
// reports the result.
func NewServer(addr string, h *Handler, logger *zap.Logger) (*Server, error) {
	gin.SetMode(gin.ReleaseMode)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	base, cancel := context.WithCancel(context.Background())
	return &Server{
		httpServer: &http.Server{
			Handler:     h.Router(),
			BaseContext: func(net.Listener) context.Context { return base },
		},
		listener: listener,
		logger:   logger,
		cancel:   cancel,
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// Start serves requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("HTTP server starting", zap.String("addr", s.Addr()))
	if err := s.httpServer.Serve(s.listener); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts down gracefully, waiting for in-flight requests until ctx ends.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("HTTP server stopping")
	defer s.cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("HTTP shutdown", zap.Error(err))
	}
}
