// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides the relay's error taxonomy and a context-carrying
// wrapper used when a connection's failure is logged or returned up through
// a transport.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionRequired reports a frame carrying the unset session sentinel
	// before the connection was ever assigned a session.
	ErrSessionRequired = errors.New("session required before relaying")

	// ErrRateLimited reports a connection exceeding its frame rate budget.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrConnectionClosed reports an operation on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
)

// RelayError carries the connection context alongside the underlying error
// so transports can log failures without re-deriving it.
type RelayError struct {
	Op         string // operation that failed (read, relay, broadcast, ...)
	Transport  string // transport the connection arrived on (tcp, ws)
	ConnID     string // connection identifier
	RemoteAddr string // client address
	Err        error  // underlying error
}

// Error implements the error interface.
func (e *RelayError) Error() string {
	if e.ConnID != "" {
		return fmt.Sprintf("%s %s [%s] %s: %v", e.Transport, e.Op, e.ConnID, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Transport, e.Op, e.RemoteAddr, e.Err)
}

// Unwrap returns the underlying error.
func (e *RelayError) Unwrap() error {
	return e.Err
}

// New creates a RelayError, passing nil errors through unchanged.
func New(op, transport, connID, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &RelayError{
		Op:         op,
		Transport:  transport,
		ConnID:     connID,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}

// Wrap prefixes err with a message, passing nil errors through unchanged.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
