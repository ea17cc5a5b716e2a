// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcp implements the relay's plain TCP listener.
//
// # Overview
//
// The TCP server accepts client connections and hands each one to the relay
// handler, which owns the connection for its whole life. The server itself
// never reads frames; it only manages the listener, TLS termination, the
// connection cap and graceful shutdown.
//
// # Architecture
//
//	┌─────────┐         ┌─────────┐         ┌──────────┐
//	│ Client  │ ←─TCP─→ │  Server │ ──────→ │ Handler  │
//	└─────────┘         └─────────┘         └──────────┘
//	                                              ↓
//	                                        ┌──────────┐
//	                                        │ Registry │
//	                                        └──────────┘
//
// # Connection Flow
//
//  1. Client connects to server
//  2. Server accepts connection (or rejects it over the connection cap)
//  3. Server completes the TLS handshake when TLS is configured
//  4. Server runs handler.Handle(ctx, conn) in its own goroutine
//  5. Handler returns; connection is closed and removed from its session
//
// # Graceful Shutdown
//
// When context is canceled:
//
//  1. Server stops accepting new connections
//  2. Server waits for existing connections (with timeout)
//  3. After ShutdownTimeout, forcefully closes remaining connections
//  4. Returns ErrShutdownTimeout if timeout exceeded
//
// Connection tracking uses sync.WaitGroup:
//
//	server.wg.Add(1)
//	go server.serveConn(...)
//	defer server.wg.Done()
//
// # TLS Support
//
// Optional TLS termination:
//
//	tlsConfig := &tls.Config{
//		Certificates: []tls.Certificate{cert},
//	}
//	cfg := tcp.Config{
//		Address:   ":5000",
//		TLSConfig: tlsConfig,
//	}
//
// # Configuration
//
//   - Address: Server listen address (e.g., ":5000")
//   - TLSConfig: Optional TLS configuration
//   - MaxConnections: Cap on concurrently served connections (0 = no cap)
//   - ShutdownTimeout: Max wait time for graceful shutdown (default: 30s)
//   - Metrics: Optional Prometheus instrumentation
//   - Logger: Structured logger
//
// # Error Handling
//
//   - Accept errors: Logged, accepting continues
//   - TLS handshake errors: Logged and connection closed
//   - Handler errors: Logged with connection context, connection closed
//   - Shutdown timeout: Returns ErrShutdownTimeout
//
// # Example
//
//	registry := session.NewRegistry(logger, nil)
//	h := handler.New(registry, pipeline, handler.Config{Logger: logger})
//
//	cfg := tcp.Config{
//		Address:         ":5000",
//		ShutdownTimeout: 30 * time.Second,
//	}
//
//	server := tcp.New(cfg, h)
//	if err := server.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
package tcp
