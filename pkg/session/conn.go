// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Ghostfacexx/mitmproxy-sub001/pkg/filter"
	"github.com/Ghostfacexx/mitmproxy-sub001/pkg/frame"
)

// Unset is the session sentinel meaning "no session assigned". It is never
// a real session: registry operations against it are ignored.
const Unset uint8 = 0

// Conn is the relay's handle on one client connection. The session id and
// state map are owned by the goroutine running the connection's read loop;
// Send may be called from any goroutine.
type Conn struct {
	id           string
	nc           net.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error

	session uint8
	state   filter.State
}

// NewConn wraps an accepted socket. writeTimeout bounds each outbound
// message write; zero means no deadline.
func NewConn(nc net.Conn, writeTimeout time.Duration) *Conn {
	return &Conn{
		id:           uuid.New().String(),
		nc:           nc,
		writeTimeout: writeTimeout,
		state:        make(filter.State),
	}
}

// ID returns the connection's unique identifier, used in logs.
func (c *Conn) ID() string {
	return c.id
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// Session returns the current session id, Unset before the first
// assignment. Owned by the connection's read loop.
func (c *Conn) Session() uint8 {
	return c.session
}

// SetSession records the current session id. Owned by the connection's read
// loop; the registry is updated separately.
func (c *Conn) SetSession(id uint8) {
	c.session = id
}

// State returns the per-connection filter state map.
func (c *Conn) State() filter.State {
	return c.state
}

// Send writes one broadcast-framed message to the client. Writes are
// serialized, so concurrent broadcasts cannot interleave frame bytes, and
// each write carries its own deadline.
func (c *Conn) Send(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		if err := c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return frame.WriteMessage(c.nc, payload)
}

// Close closes the underlying socket. Safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.nc.Close()
	})
	return c.closeErr
}
