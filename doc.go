// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package relay assembles a session-based frame relay server.
//
// Clients connect over TCP or WebSocket and exchange length-prefixed binary
// frames. Every request frame names a session, a single-byte group ID; the
// relay delivers the payload to every other member of that session, after
// running it through a configurable filter pipeline. The relay never
// interprets payloads beyond filtering, so any binary protocol can ride on
// top of it.
//
// # Architecture Overview
//
//	                  ┌───────────────────────────────────────┐
//	                  │                 relay                  │
//	                  │                                       │
//	┌────────┐  TCP   │  ┌─────────┐   ┌────────┐   ┌──────┐ │
//	│ Client ├────────┼─►│ server/ │   │        │   │      │ │
//	└────────┘        │  │ tcp     ├──►│ handler├──►│ sess │ │
//	                  │  └─────────┘   │        │   │ ion  │ │
//	┌────────┐  WS    │  ┌─────────┐   │ filter │   │ reg  │ │
//	│ Client ├────────┼─►│ server/ ├──►│ pipe   │   │ istry│ │
//	└────────┘        │  │ ws      │   │ line   │◄──┤      │ │
//	                  │  └─────────┘   └────────┘   └──┬───┘ │
//	                  │                                │     │
//	                  │             broadcast to peers ◄─────┘
//	                  └───────────────────────────────────────┘
//
// # Wire Format
//
// A request frame carries a 4-byte big-endian payload length, a 1-byte
// session ID and the payload:
//
//	[length: 4 bytes BE][session: 1 byte][payload: length bytes]
//
// A broadcast frame delivered to peers omits the session byte:
//
//	[length: 4 bytes BE][payload: length bytes]
//
// Session byte zero keeps the connection's current session; a zero-length
// frame asks the relay to close the connection.
//
// # Configuration
//
// Config is populated from RELAY_-prefixed environment variables via
// NewConfig. NewService wires the parts together and Listen runs them:
//
//	cfg, err := relay.NewConfig(env.Options{Prefix: "RELAY_"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	svc, err := relay.NewService(cfg, logger, metrics.New("relay", nil))
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := svc.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
//
// The subpackages are usable on their own: pkg/frame implements the wire
// codec, pkg/session the registry, pkg/filter the pipeline, pkg/tlv the
// tag-length-value payload codec and pkg/client a dialing client.
package relay
