// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package filter defines the relay's message filter units and the pipeline
// that runs them.
//
// # Filter Units
//
// A filter unit inspects or rewrites one message on its way through the
// relay. Units implement the Unit interface:
//
//	type Unit interface {
//		Name() string
//		Handle(logger *slog.Logger, msg []byte, state State) ([][]byte, error)
//	}
//
// Handle receives the message payload and the per-connection State map and
// returns the replacement messages: usually one, possibly several (a unit
// may split or inject messages), possibly none (a unit may drop a message).
// Diagnostics go through the supplied logger. Returning an error (or
// panicking, which the pipeline converts to an error) marks the unit failed
// for this message only.
//
// # Pipeline Semantics
//
// The pipeline applies units in configuration order to a working list seeded
// with the inbound payload. Each unit sees the first element of the working
// list; its output replaces that element, joined with the untouched
// remainder. A failed unit leaves the working list exactly as it was and the
// pipeline moves on, so one broken filter never stops the relay.
//
// With a breaker configured, a unit that keeps failing is skipped entirely
// until its circuit re-closes. A skipped unit is indistinguishable from a
// failing one on the wire: messages pass through unmodified.
//
// # Registration
//
// Units are selected by name at startup. Implementations register a
// constructor, typically from init:
//
//	func init() {
//		filter.Register("trace", func() (filter.Unit, error) {
//			return Filter{}, nil
//		})
//	}
//
// and the main program builds the configured chain:
//
//	units, err := filter.Build(cfg.Filters)
//
// An unknown name is a configuration error; callers treat it as fatal before
// accepting any connection.
//
// # Per-Connection State
//
// State is a plain map owned by a single connection's goroutine. Units use
// it to accumulate anything they need across the messages of one
// connection; it is never shared between connections and needs no locking.
package filter
