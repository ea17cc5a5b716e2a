// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	relayerrors "github.com/Ghostfacexx/mitmproxy-sub001/pkg/errors"
	"github.com/Ghostfacexx/mitmproxy-sub001/pkg/metrics"
)

var (
	// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

// Handler serves one accepted connection until it ends. The relay loop in
// pkg/handler implements it.
type Handler interface {
	Handle(ctx context.Context, conn net.Conn) error
}

// Config holds the TCP server configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// TLSConfig is optional TLS configuration for the listener
	TLSConfig *tls.Config

	// MaxConnections caps concurrently served connections. Connections over
	// the cap are closed right after accept. Zero means no cap.
	MaxConnections int

	// ShutdownTimeout is the maximum time to wait for active connections to drain
	// during graceful shutdown. After this timeout, remaining connections are
	// forcefully closed.
	ShutdownTimeout time.Duration

	// Metrics, when set, tracks connection counts and lifetimes
	Metrics *metrics.Metrics

	// Logger for server events
	Logger *slog.Logger
}

// Server accepts TCP connections and hands each one to the relay handler.
type Server struct {
	config  Config
	handler Handler
	connSem chan struct{}
	wg      sync.WaitGroup

	mu   sync.Mutex
	addr net.Addr
}

// New creates a new TCP server with the given configuration and handler.
func New(cfg Config, h Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	s := &Server{
		config:  cfg,
		handler: h,
	}
	if cfg.MaxConnections > 0 {
		s.connSem = make(chan struct{}, cfg.MaxConnections)
	}
	return s
}

// Addr returns the bound listen address, or nil before Listen has bound it.
// Useful when the configured address left the port to the kernel.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Listen starts the TCP server and blocks until the context is cancelled.
// It implements graceful shutdown with connection draining.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	s.mu.Lock()
	s.addr = listener.Addr()
	s.mu.Unlock()

	// Wrap with TLS if configured
	if s.config.TLSConfig != nil {
		listener = tls.NewListener(listener, s.config.TLSConfig)
		s.config.Logger.Info("TLS enabled", slog.String("address", s.config.Address))
	}

	s.config.Logger.Info("TCP server started", slog.String("address", listener.Addr().String()))

	// Create a separate context for active connections
	// This allows us to control when to forcefully close connections
	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	// Accept loop
	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					// Expected error during shutdown
					return
				default:
					s.config.Logger.Error("failed to accept connection", slog.String("error", err.Error()))
					continue
				}
			}

			if s.connSem != nil {
				select {
				case s.connSem <- struct{}{}:
				default:
					s.config.Logger.Warn("connection limit reached, rejecting client",
						slog.String("remote", conn.RemoteAddr().String()))
					if s.config.Metrics != nil {
						s.config.Metrics.ConnectionsTotal.WithLabelValues("tcp", "rejected").Inc()
					}
					conn.Close()
					continue
				}
			}

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer func() {
					if s.connSem != nil {
						<-s.connSem
					}
				}()
				s.serveConn(connCtx, conn)
			}()
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()
	s.config.Logger.Info("shutdown signal received, closing listener")

	// Close the listener to stop accepting new connections
	if err := listener.Close(); err != nil {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}

	// Wait for accept loop to finish
	<-acceptDone

	// Wait for active connections to drain with timeout
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
		// Cancel context to force close remaining connections
		connCancel()
		// Give a little more time for forced closure
		select {
		case <-done:
			return ErrShutdownTimeout
		case <-time.After(1 * time.Second):
			return ErrShutdownTimeout
		}
	}
}

// serveConn completes the TLS handshake when the listener is wrapped, then
// runs the relay handler for the connection's whole life.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if tlsConn, ok := conn.(*tls.Conn); ok {
		if err := tlsConn.Handshake(); err != nil {
			s.config.Logger.Warn("TLS handshake failed",
				slog.String("remote", conn.RemoteAddr().String()),
				slog.String("error", err.Error()))
			return
		}
	}

	serve := func() error { return s.handler.Handle(ctx, conn) }
	var err error
	if s.config.Metrics != nil {
		err = s.config.Metrics.ObserveConnection("tcp", serve)
	} else {
		err = serve()
	}
	if err != nil {
		rerr := relayerrors.New("relay", "tcp", "", conn.RemoteAddr().String(), err)
		s.config.Logger.Warn("connection ended with error", slog.String("error", rerr.Error()))
	}
}
