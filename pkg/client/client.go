// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package client implements a relay client over plain TCP or TLS.
//
// A client joins a session with its first Send and receives every payload
// its session peers relay:
//
//	c, err := client.Dial(ctx, client.Config{Address: "localhost:5000"})
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//
//	if err := c.Send(1, payload); err != nil {
//		return err
//	}
//	reply, err := c.Receive()
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	relayerrors "github.com/Ghostfacexx/mitmproxy-sub001/pkg/errors"
	"github.com/Ghostfacexx/mitmproxy-sub001/pkg/frame"
)

const (
	// DefaultDialTimeout bounds connection establishment.
	DefaultDialTimeout = 10 * time.Second

	// DefaultWriteTimeout bounds each Send.
	DefaultWriteTimeout = 30 * time.Second
)

// Config holds client settings.
type Config struct {
	// Address is the relay address (host:port).
	Address string

	// TLSConfig enables TLS when set.
	TLSConfig *tls.Config

	// DialTimeout bounds connection establishment. Defaults to
	// DefaultDialTimeout.
	DialTimeout time.Duration

	// ReadTimeout bounds each Receive. Zero blocks until a message arrives,
	// which suits clients that wait on peer traffic.
	ReadTimeout time.Duration

	// WriteTimeout bounds each Send. Defaults to DefaultWriteTimeout.
	WriteTimeout time.Duration

	// MaxFrameSize caps received payload sizes. Zero applies
	// frame.DefaultMaxPayload.
	MaxFrameSize uint32
}

// Client is a relay connection. Send and Receive are each safe for one
// concurrent caller, so a reader goroutine can run alongside a writer.
type Client struct {
	conn net.Conn
	cfg  Config

	readMu    sync.Mutex
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// Dial connects to the relay.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	dialer := &net.Dialer{Timeout: cfg.DialTimeout}
	var conn net.Conn
	var err error
	if cfg.TLSConfig != nil {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: cfg.TLSConfig}
		conn, err = tlsDialer.DialContext(ctx, "tcp", cfg.Address)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", cfg.Address)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", cfg.Address, err)
	}

	return &Client{conn: conn, cfg: cfg}, nil
}

// Send relays payload to the peers of the given session. The first Send
// assigns the connection's session; session zero keeps the current one.
// Empty payloads are rejected because the protocol reads them as the close
// signal; use SendClose for that.
func (c *Client) Send(session uint8, payload []byte) error {
	if len(payload) == 0 {
		return frame.ErrEmptyPayload
	}
	return c.write(session, payload)
}

// SendClose tells the relay to close this connection.
func (c *Client) SendClose() error {
	return c.write(0, nil)
}

// Receive blocks until a relayed payload arrives and returns it. A relay
// that went away surfaces io.EOF; a locally closed client surfaces
// ErrConnectionClosed.
func (c *Client) Receive() ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if c.cfg.ReadTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
			return nil, c.mapErr(err)
		}
	}
	payload, err := frame.ReadMessage(c.conn, c.cfg.MaxFrameSize)
	if err != nil {
		return nil, c.mapErr(err)
	}
	return payload, nil
}

// Close closes the connection. It is safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// RemoteAddr returns the relay's address.
func (c *Client) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Client) write(session uint8, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.cfg.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
			return c.mapErr(err)
		}
	}
	if err := frame.WriteRequest(c.conn, session, payload); err != nil {
		return c.mapErr(err)
	}
	return nil
}

// mapErr folds the raw closed-connection error into the package sentinel.
func (c *Client) mapErr(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return relayerrors.ErrConnectionClosed
	}
	return err
}
