// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ws implements the relay's WebSocket listener.
//
// # Overview
//
// The WebSocket server answers HTTP upgrade requests on a configurable path,
// wraps each upgraded connection as a net.Conn and hands it to the relay
// handler. Once upgraded, a WebSocket client speaks exactly the same frame
// protocol as a TCP client; the handler cannot tell the transports apart.
//
// # Architecture
//
// WebSocket support has two components:
//
//  1. Server: Handles the HTTP listener, upgrades and graceful shutdown
//  2. Conn: Adapts websocket.Conn to the net.Conn interface
//
// # Connection Flow
//
//	1. Client sends HTTP upgrade request to the configured path
//	2. Server upgrades the connection using gorilla/websocket
//	3. Server wraps the connection with the Conn adapter
//	4. Relay handler reads request frames from the byte stream
//	5. Broadcast frames are written back as binary messages
//
// # Conn Adapter
//
// Read returns bytes from the current binary message and advances to the
// next message when one is exhausted, so request frames may span message
// boundaries. A text message is a protocol violation: the read fails with
// ErrTextFrame and the handler drops the connection. Write sends each buffer
// as one binary message. A clean websocket closure surfaces as io.EOF, which
// the relay handler treats as an ordinary client disconnect.
//
// # Origin Checking
//
// The upgrader accepts every origin unless Config.CheckOrigin is set.
// Relay clients are not browsers, so the default stays permissive;
// deployments serving browser clients should install a real check:
//
//	cfg := ws.Config{
//		Address: ":5001",
//		CheckOrigin: func(r *http.Request) bool {
//			return r.Header.Get("Origin") == "https://panel.example.com"
//		},
//	}
//
// # Graceful Shutdown
//
// http.Server.Shutdown does not track hijacked connections, so the server
// counts upgraded connections itself with a sync.WaitGroup and drains them
// like the TCP server does: gracefully until ShutdownTimeout, forcefully
// afterwards, returning ErrShutdownTimeout when the force was needed.
//
// # Example
//
//	registry := session.NewRegistry(logger, nil)
//	h := handler.New(registry, pipeline, handler.Config{Logger: logger})
//
//	server := ws.New(ws.Config{Address: ":5001", Path: "/relay"}, h)
//	if err := server.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
package ws
