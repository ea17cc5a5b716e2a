// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	relayerrors "github.com/Ghostfacexx/mitmproxy-sub001/pkg/errors"
	"github.com/Ghostfacexx/mitmproxy-sub001/pkg/filter"
	"github.com/Ghostfacexx/mitmproxy-sub001/pkg/frame"
	"github.com/Ghostfacexx/mitmproxy-sub001/pkg/metrics"
	"github.com/Ghostfacexx/mitmproxy-sub001/pkg/ratelimit"
	"github.com/Ghostfacexx/mitmproxy-sub001/pkg/session"
)

const (
	// DefaultReadTimeout reaps connections that stay idle between frames.
	DefaultReadTimeout = 10 * time.Minute

	// DefaultWriteTimeout bounds each outbound frame write.
	DefaultWriteTimeout = 30 * time.Second
)

// Config holds relay loop settings.
type Config struct {
	// ReadTimeout bounds the wait for each request frame; a connection idle
	// longer than this is closed. Defaults to DefaultReadTimeout.
	ReadTimeout time.Duration

	// WriteTimeout bounds each broadcast write to a peer. Defaults to
	// DefaultWriteTimeout.
	WriteTimeout time.Duration

	// MaxFrameSize caps request payload sizes in bytes. Zero applies
	// frame.DefaultMaxPayload.
	MaxFrameSize uint32

	// Limiter, when set, enforces a per-client frame budget keyed by the
	// remote host. A client over budget is disconnected.
	Limiter *ratelimit.Limiter

	// Metrics, when set, instruments frames and session activity.
	Metrics *metrics.Metrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Handler serves accepted connections: it reads request frames, maintains
// session membership and relays filtered payloads to session peers.
type Handler struct {
	registry *session.Registry
	pipeline *filter.Pipeline
	cfg      Config
}

// New creates a Handler over the shared registry and pipeline. A nil
// pipeline relays payloads untouched.
func New(registry *session.Registry, pipeline *filter.Pipeline, cfg Config) *Handler {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{registry: registry, pipeline: pipeline, cfg: cfg}
}

// Handle serves one connection until the client closes it, violates the
// protocol, or ctx is canceled. It always removes the connection from its
// session and closes the socket before returning. A clean end (client close,
// zero-length close frame, idle timeout, shutdown) returns nil; protocol
// violations return the reason.
func (h *Handler) Handle(ctx context.Context, nc net.Conn) error {
	conn := session.NewConn(nc, h.cfg.WriteTimeout)
	logger := h.cfg.Logger.With(
		slog.String("conn", conn.ID()),
		slog.String("remote", nc.RemoteAddr().String()),
	)

	defer func() {
		h.registry.Remove(conn, conn.Session())
		conn.Close()
		logger.Debug("Connection closed")
	}()

	// Unblock the pending read when the server shuts down.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	logger.Debug("Connection accepted")
	client := limiterKey(nc.RemoteAddr())

	for {
		if err := nc.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout)); err != nil {
			return h.closeReason(ctx, logger, err)
		}
		hdr, payload, err := frame.ReadRequest(nc, h.cfg.MaxFrameSize)
		if err != nil {
			return h.closeReason(ctx, logger, err)
		}

		if m := h.cfg.Metrics; m != nil {
			m.FramesTotal.WithLabelValues("in").Inc()
			m.FrameBytes.WithLabelValues("in").Observe(float64(len(payload)))
		}

		if h.cfg.Limiter != nil && !h.cfg.Limiter.Allow(client) {
			if m := h.cfg.Metrics; m != nil {
				m.RateLimited.Inc()
			}
			logger.Warn("Disconnecting client over frame rate budget")
			return relayerrors.ErrRateLimited
		}

		switch {
		case hdr.Session == session.Unset && conn.Session() == session.Unset:
			logger.Warn("Rejecting frame without a session")
			return relayerrors.ErrSessionRequired
		case hdr.Session != session.Unset && hdr.Session != conn.Session():
			h.moveSession(conn, hdr.Session, logger)
		}

		msgs := [][]byte{payload}
		if h.pipeline != nil {
			msgs = h.pipeline.Run(msgs, conn.State())
		}
		if m := h.cfg.Metrics; m != nil {
			for _, msg := range msgs {
				m.FramesTotal.WithLabelValues("out").Inc()
				m.FrameBytes.WithLabelValues("out").Observe(float64(len(msg)))
			}
		}
		h.registry.Broadcast(conn.Session(), msgs, conn)
	}
}

// closeReason classifies a read failure. Expected ends of a connection come
// back as nil; everything else is returned for the transport to log.
func (h *Handler) closeReason(ctx context.Context, logger *slog.Logger, err error) error {
	var nerr net.Error
	switch {
	case errors.Is(err, frame.ErrEmptyPayload):
		logger.Debug("Client sent close frame")
		return nil
	case errors.Is(err, io.EOF):
		logger.Debug("Client disconnected")
		return nil
	case ctx.Err() != nil, errors.Is(err, net.ErrClosed):
		logger.Debug("Connection closed during shutdown")
		return nil
	case errors.As(err, &nerr) && nerr.Timeout():
		logger.Info("Closing idle connection",
			slog.Duration("read_timeout", h.cfg.ReadTimeout))
		return nil
	default:
		return relayerrors.Wrap(err, "read frame")
	}
}

// moveSession reseats conn under the requested session id.
func (h *Handler) moveSession(conn *session.Conn, to uint8, logger *slog.Logger) {
	from := conn.Session()
	h.registry.Remove(conn, from)
	conn.SetSession(to)
	h.registry.Add(conn, to)

	if from == session.Unset {
		logger.Info("Connection joined session", slog.Int("session", int(to)))
		return
	}
	if m := h.cfg.Metrics; m != nil {
		m.SessionSwitches.Inc()
	}
	logger.Info("Connection switched session",
		slog.Int("from", int(from)),
		slog.Int("to", int(to)))
}

// limiterKey buckets rate limiting by client host so reconnecting does not
// reset the budget.
func limiterKey(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
