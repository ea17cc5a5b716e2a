// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"golang.org/x/sync/errgroup"

	"github.com/Ghostfacexx/mitmproxy-sub001/pkg/filter"
	"github.com/Ghostfacexx/mitmproxy-sub001/pkg/handler"
	"github.com/Ghostfacexx/mitmproxy-sub001/pkg/health"
	"github.com/Ghostfacexx/mitmproxy-sub001/pkg/metrics"
	"github.com/Ghostfacexx/mitmproxy-sub001/pkg/ratelimit"
	"github.com/Ghostfacexx/mitmproxy-sub001/pkg/session"
	"github.com/Ghostfacexx/mitmproxy-sub001/pkg/server/tcp"
	"github.com/Ghostfacexx/mitmproxy-sub001/pkg/server/ws"
)

// Service assembles the relay from its parts: the session registry, the
// filter pipeline, the frame handler and one server per configured
// transport. The TCP transport is always on; the WebSocket transport is
// enabled by Config.WSPort.
type Service struct {
	cfg      Config
	logger   *slog.Logger
	registry *session.Registry
	limiter  *ratelimit.Limiter
	tcp      *tcp.Server
	ws       *ws.Server
}

// NewService builds a relay service from cfg. Metrics may be nil to run
// uninstrumented.
func NewService(cfg Config, logger *slog.Logger, m *metrics.Metrics) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	units, err := filter.Build(cfg.Filters)
	if err != nil {
		return nil, fmt.Errorf("invalid filter chain: %w", err)
	}
	pipeline := filter.NewPipeline(units, filter.PipelineConfig{
		Logger:              logger,
		Metrics:             m,
		BreakerMaxFailures:  cfg.FilterMaxFailures,
		BreakerResetTimeout: cfg.FilterResetTimeout,
	})

	registry := session.NewRegistry(logger, m)

	var limiter *ratelimit.Limiter
	if cfg.FrameRateCapacity > 0 {
		limiter = ratelimit.NewLimiter(cfg.FrameRateCapacity, cfg.FrameRateRefill, cfg.ReadTimeout)
	}

	h := handler.New(registry, pipeline, handler.Config{
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxFrameSize: cfg.MaxFrameSize,
		Limiter:      limiter,
		Metrics:      m,
		Logger:       logger,
	})

	tlsCfg, err := cfg.TLS()
	if err != nil {
		return nil, err
	}

	svc := &Service{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		limiter:  limiter,
		tcp: tcp.New(tcp.Config{
			Address:         cfg.Address(),
			TLSConfig:       tlsCfg,
			MaxConnections:  cfg.MaxConnections,
			ShutdownTimeout: cfg.ShutdownTimeout,
			Metrics:         m,
			Logger:          logger,
		}, h),
	}

	if cfg.WSPort != "" {
		svc.ws = ws.New(ws.Config{
			Address:         cfg.WSAddress(),
			Path:            cfg.WSPath,
			TLSConfig:       tlsCfg,
			ShutdownTimeout: cfg.ShutdownTimeout,
			Metrics:         m,
			Logger:          logger,
		}, h)
	}

	return svc, nil
}

// Listen runs every configured transport and blocks until ctx is canceled
// and all of them have shut down, or until one of them fails.
func (s *Service) Listen(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.tcp.Listen(gctx)
	})
	if s.ws != nil {
		g.Go(func() error {
			return s.ws.Listen(gctx)
		})
	}

	return g.Wait()
}

// Registry exposes the session registry, primarily for inspection.
func (s *Service) Registry() *session.Registry {
	return s.registry
}

// TCPAddr returns the bound TCP listen address, or nil before Listen.
func (s *Service) TCPAddr() net.Addr {
	return s.tcp.Addr()
}

// WSAddr returns the bound WebSocket listen address, or nil before Listen
// or when the WebSocket transport is disabled.
func (s *Service) WSAddr() net.Addr {
	if s.ws == nil {
		return nil
	}
	return s.ws.Addr()
}

// RegisterHealthChecks registers the relay's probes on checker: one per
// transport, each verifying its listener is bound.
func (s *Service) RegisterHealthChecks(checker *health.Checker) {
	checker.Register("tcp-listener", func(ctx context.Context) error {
		if s.tcp.Addr() == nil {
			return errors.New("listener not bound")
		}
		return nil
	})
	if s.ws != nil {
		checker.Register("ws-listener", func(ctx context.Context) error {
			if s.ws.Addr() == nil {
				return errors.New("listener not bound")
			}
			return nil
		})
	}
}
