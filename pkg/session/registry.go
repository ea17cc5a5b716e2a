// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"log/slog"
	"sync"

	"github.com/Ghostfacexx/mitmproxy-sub001/pkg/metrics"
)

// Registry maps live session ids to their member connections. One instance
// is owned by the service and shared by all transports; it is never a
// package global, so independent relays can coexist in one process.
type Registry struct {
	mu       sync.Mutex
	sessions map[uint8]map[*Conn]struct{}
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewRegistry creates an empty registry. A nil logger falls back to
// slog.Default(); metrics may be nil.
func NewRegistry(logger *slog.Logger, m *metrics.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[uint8]map[*Conn]struct{}),
		logger:   logger,
		metrics:  m,
	}
}

// Add inserts c into the session, creating the session on first member.
// Adding to the unset sentinel is ignored.
func (r *Registry) Add(c *Conn, id uint8) {
	if id == Unset {
		r.logger.Warn("Ignoring add to unset session",
			slog.String("conn", c.ID()))
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	peers, ok := r.sessions[id]
	if !ok {
		peers = make(map[*Conn]struct{})
		r.sessions[id] = peers
	}
	peers[c] = struct{}{}
	r.observeSessions()
}

// Remove deletes c from the session, dropping the session entry when it
// empties. Removing from the unset sentinel, an unknown session, or a
// session c is not in is a safe no-op, so disconnect paths can call it
// unconditionally.
func (r *Registry) Remove(c *Conn, id uint8) {
	if id == Unset {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	peers, ok := r.sessions[id]
	if !ok {
		r.logger.Debug("Remove from unknown session",
			slog.Int("session", int(id)),
			slog.String("conn", c.ID()))
		return
	}
	if _, member := peers[c]; !member {
		r.logger.Debug("Remove of non-member connection",
			slog.Int("session", int(id)),
			slog.String("conn", c.ID()))
		return
	}
	delete(peers, c)
	if len(peers) == 0 {
		delete(r.sessions, id)
	}
	r.observeSessions()
}

// Broadcast delivers msgs, in order, to every member of the session except
// origin. It runs under the registry lock, so membership cannot change
// mid-broadcast. A member whose write fails is logged and skipped; delivery
// to the others continues.
func (r *Registry) Broadcast(id uint8, msgs [][]byte, origin *Conn) {
	if id == Unset || len(msgs) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	peers, ok := r.sessions[id]
	if !ok {
		r.logger.Debug("Broadcast to unknown session",
			slog.Int("session", int(id)))
		return
	}

	recipients := 0
	for peer := range peers {
		if peer == origin {
			continue
		}
		recipients++
		for _, msg := range msgs {
			if err := peer.Send(msg); err != nil {
				r.logger.Warn("Dropping undeliverable message",
					slog.Int("session", int(id)),
					slog.String("conn", peer.ID()),
					slog.String("remote", peer.RemoteAddr().String()),
					slog.Any("error", err))
				if r.metrics != nil {
					r.metrics.BroadcastErrors.Inc()
				}
				// Writes to this peer are broken; move on to the next one.
				break
			}
		}
	}
	if r.metrics != nil {
		r.metrics.BroadcastRecipients.Observe(float64(recipients))
	}
}

// Sessions returns the number of sessions with at least one member.
func (r *Registry) Sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Members returns the member count of one session.
func (r *Registry) Members(id uint8) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions[id])
}

// observeSessions publishes the session gauge. Callers hold r.mu.
func (r *Registry) observeSessions() {
	if r.metrics != nil {
		r.metrics.SessionsActive.Set(float64(len(r.sessions)))
	}
}
