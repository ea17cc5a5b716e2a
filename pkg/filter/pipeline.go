// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package filter

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/Ghostfacexx/mitmproxy-sub001/pkg/breaker"
	"github.com/Ghostfacexx/mitmproxy-sub001/pkg/metrics"
)

// PipelineConfig holds pipeline tuning.
type PipelineConfig struct {
	// Logger receives pipeline diagnostics and is handed to units with the
	// unit name attached. Defaults to slog.Default().
	Logger *slog.Logger

	// Metrics enables per-unit instrumentation when set.
	Metrics *metrics.Metrics

	// BreakerMaxFailures enables a per-unit circuit breaker when positive:
	// a unit failing that many times in a row is skipped until
	// BreakerResetTimeout elapses. Zero leaves units always on.
	BreakerMaxFailures int

	// BreakerResetTimeout is the open-circuit hold time. Only read when
	// BreakerMaxFailures is positive.
	BreakerResetTimeout time.Duration
}

// Pipeline runs an ordered chain of filter units over relay messages.
type Pipeline struct {
	units    []Unit
	loggers  []*slog.Logger
	breakers []*breaker.Breaker
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewPipeline assembles a pipeline over the given units.
func NewPipeline(units []Unit, cfg PipelineConfig) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	p := &Pipeline{
		units:   units,
		loggers: make([]*slog.Logger, len(units)),
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
	for i, u := range units {
		p.loggers[i] = cfg.Logger.With(slog.String("filter", u.Name()))
	}
	if cfg.BreakerMaxFailures > 0 {
		p.breakers = make([]*breaker.Breaker, len(units))
		for i := range units {
			p.breakers[i] = breaker.New(breaker.Config{
				MaxFailures:  cfg.BreakerMaxFailures,
				ResetTimeout: cfg.BreakerResetTimeout,
			})
		}
	}
	return p
}

// Len returns the number of units in the chain.
func (p *Pipeline) Len() int {
	return len(p.units)
}

// Run threads the working list through every unit in order and returns the
// resulting messages. The first element of the working list is offered to
// each unit; the unit's output replaces it, joined with the untouched
// remainder. A unit that fails (error or panic) changes nothing: the
// pipeline logs the failure and continues, so the message still reaches its
// session peers unfiltered. Run never returns an error.
func (p *Pipeline) Run(msgs [][]byte, state State) [][]byte {
	for i, unit := range p.units {
		if len(msgs) == 0 {
			return msgs
		}
		if p.breakers != nil && !p.breakers[i].Allow() {
			p.logger.Debug("Skipping filter with open circuit",
				slog.String("filter", unit.Name()))
			if p.metrics != nil {
				p.metrics.FilterSkipped.WithLabelValues(unit.Name()).Inc()
			}
			continue
		}

		out, err := p.apply(i, msgs[0], state)

		if p.breakers != nil {
			if st := p.breakers[i].Observe(err != nil); err != nil && st == breaker.Open {
				p.logger.Warn("Filter circuit opened",
					slog.String("filter", unit.Name()))
			}
		}
		if err != nil {
			p.logger.Error("Filter failed, message passes unfiltered",
				slog.String("filter", unit.Name()),
				slog.Any("error", err))
			if p.metrics != nil {
				p.metrics.FilterFailures.WithLabelValues(unit.Name()).Inc()
			}
			continue
		}

		msgs = append(out, msgs[1:]...)
	}
	return msgs
}

// apply invokes one unit, converting a panic into an ordinary unit failure
// so a broken filter cannot take the connection down.
func (p *Pipeline) apply(i int, msg []byte, state State) (out [][]byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("filter panicked: %v", r)
		}
	}()
	if p.metrics != nil {
		start := time.Now()
		defer func() {
			p.metrics.FilterDuration.WithLabelValues(p.units[i].Name()).Observe(time.Since(start).Seconds())
		}()
	}
	return p.units[i].Handle(p.loggers[i], msg, state)
}
