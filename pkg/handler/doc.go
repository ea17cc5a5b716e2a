// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler runs the per-connection relay loop.
//
// # Architecture Overview
//
// Every accepted connection, whatever transport it arrived on, is served by a
// single Handler.Handle call. The handler owns the connection for its whole
// life: it reads request frames, keeps the session registry membership
// current, runs each payload through the filter pipeline, and broadcasts the
// result to the connection's session peers.
//
// # Data Flow
//
//	Client → frame.ReadRequest → session move → filter.Pipeline → Registry.Broadcast → Peers
//
// # Connection Life Cycle
//
// A connection ends when any of the following happens:
//   - the client closes the socket or sends a zero-length close frame
//   - a frame arrives with the unset session id before any session was joined
//   - a frame exceeds the configured size limit
//   - no frame arrives within the read timeout
//   - the client exceeds its frame rate budget
//   - the server shuts down
//
// On every exit path the handler removes the connection from its session and
// closes the socket, so a dead client never lingers in the registry.
//
// # Example
//
//	registry := session.NewRegistry(logger, nil)
//	pipeline := filter.NewPipeline(units, filter.PipelineConfig{Logger: logger})
//	h := handler.New(registry, pipeline, handler.Config{Logger: logger})
//
//	for {
//		conn, err := ln.Accept()
//		if err != nil {
//			return err
//		}
//		go h.Handle(ctx, conn)
//	}
package handler
