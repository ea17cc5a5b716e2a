// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package session tracks live client connections and the sessions grouping
// them.
//
// # Model
//
// A session is a one-byte identifier shared by the clients that want to see
// each other's messages. The Registry maps each live session id to its
// member connections:
//
//	session 0x01: {connA, connB}
//	session 0x07: {connC}
//
// Session 0 is the unset sentinel: every connection starts there and the
// registry refuses to treat it as a real session. Sessions exist only while
// they have members; removing the last member deletes the session entry, so
// the registry never accumulates dead sessions.
//
// # Concurrency
//
// One mutex guards the whole registry. Add, Remove and Broadcast are
// mutually exclusive, which gives broadcasts a consistent membership view: a
// message is never delivered to a connection that finished leaving, and a
// connection that finished joining never misses one. With at most 256
// sessions and fan-out bounded by the peer count, the coarse lock is not a
// contention concern; per-peer write deadlines keep a stuck peer from
// holding it indefinitely.
//
// A Conn's session id and state map belong to the goroutine running that
// connection's read loop. Only Send is called from other goroutines (during
// a peer's broadcast) and it serializes writes with its own lock.
//
// # Delivery
//
// Broadcast writes every message to every member except the origin, framed
// without a session byte. A peer whose write fails is logged and skipped;
// the remaining peers still get the message. Slow or dead peers never
// terminate the origin's connection.
package session
