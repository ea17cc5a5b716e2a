// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ws

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	relayerrors "github.com/Ghostfacexx/mitmproxy-sub001/pkg/errors"
	"github.com/Ghostfacexx/mitmproxy-sub001/pkg/metrics"
)

var (
	// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

// DefaultPath is the upgrade endpoint used when the configuration names none.
const DefaultPath = "/relay"

// Handler serves one accepted connection until it ends. The relay loop in
// pkg/handler implements it.
type Handler interface {
	Handle(ctx context.Context, conn net.Conn) error
}

// Config holds the WebSocket server configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// Path is the HTTP path answering upgrade requests (default: /relay)
	Path string

	// TLSConfig is optional TLS configuration for the listener
	TLSConfig *tls.Config

	// CheckOrigin authorizes upgrade requests by origin. The default accepts
	// every origin, matching non-browser relay clients.
	CheckOrigin func(r *http.Request) bool

	// ShutdownTimeout is the maximum time to wait for active connections to drain
	// during graceful shutdown. After this timeout, remaining connections are
	// forcefully closed.
	ShutdownTimeout time.Duration

	// Metrics, when set, tracks connection counts and lifetimes
	Metrics *metrics.Metrics

	// Logger for server events
	Logger *slog.Logger
}

// Server upgrades HTTP connections to WebSocket and hands each one to the
// relay handler wrapped as a net.Conn.
type Server struct {
	config   Config
	handler  Handler
	upgrader websocket.Upgrader
	wg       sync.WaitGroup

	mu   sync.Mutex
	addr net.Addr
}

// New creates a new WebSocket server with the given configuration and handler.
func New(cfg Config, h Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	return &Server{
		config:  cfg,
		handler: h,
		upgrader: websocket.Upgrader{
			CheckOrigin: checkOrigin,
		},
	}
}

// Addr returns the bound listen address, or nil before Listen has bound it.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Listen starts the WebSocket server and blocks until the context is
// cancelled. Upgraded connections are drained the same way the TCP server
// drains: gracefully first, forcefully after ShutdownTimeout.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	s.mu.Lock()
	s.addr = listener.Addr()
	s.mu.Unlock()

	if s.config.TLSConfig != nil {
		listener = tls.NewListener(listener, s.config.TLSConfig)
		s.config.Logger.Info("TLS enabled", slog.String("address", s.config.Address))
	}

	// Upgraded connections outlive their HTTP requests; this context force
	// closes them when the drain times out.
	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	mux := http.NewServeMux()
	mux.HandleFunc(s.config.Path, func(w http.ResponseWriter, r *http.Request) {
		s.upgrade(connCtx, w, r)
	})
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.config.Logger.Info("WebSocket server started",
		slog.String("address", listener.Addr().String()),
		slog.String("path", s.config.Path))

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(listener)
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("websocket server failed: %w", err)
	case <-ctx.Done():
	}

	s.config.Logger.Info("shutdown signal received, closing websocket listener")

	// Shutdown stops new upgrades; hijacked websocket connections are not
	// covered by it and drain through the wait group below.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("all connections closed gracefully")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("shutdown timeout exceeded, forcing connection closure")
		connCancel()
		select {
		case <-done:
			return ErrShutdownTimeout
		case <-time.After(1 * time.Second):
			return ErrShutdownTimeout
		}
	}
}

// upgrade promotes one HTTP request to a websocket connection and runs the
// relay handler over it for the connection's whole life.
func (s *Server) upgrade(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	s.wg.Add(1)
	defer s.wg.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.config.Logger.Error("failed to upgrade connection",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}
	s.config.Logger.Debug("websocket connection upgraded",
		slog.String("remote", r.RemoteAddr))

	conn := NewConn(ws)
	defer conn.Close()

	serve := func() error { return s.handler.Handle(ctx, conn) }
	if s.config.Metrics != nil {
		err = s.config.Metrics.ObserveConnection("ws", serve)
	} else {
		err = serve()
	}
	if err != nil {
		rerr := relayerrors.New("relay", "ws", "", r.RemoteAddr, err)
		s.config.Logger.Warn("connection ended with error", slog.String("error", rerr.Error()))
	}
}
