// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package breaker implements a circuit breaker that gates repeatedly failing
// operations. The filter pipeline uses one breaker per unit so a filter that
// keeps failing is skipped until it has had time to recover.
package breaker

import (
	"sync"
	"time"
)

// State is the breaker position.
type State int

const (
	// Closed lets every call through.
	Closed State = iota
	// HalfOpen lets probe calls through after the reset timeout.
	HalfOpen
	// Open rejects calls.
	Open
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case HalfOpen:
		return "half_open"
	case Open:
		return "open"
	default:
		return "unknown"
	}
}

// Config holds breaker tuning.
type Config struct {
	// MaxFailures is the consecutive failure count that opens the circuit.
	MaxFailures int
	// ResetTimeout is how long the circuit stays open before probing.
	ResetTimeout time.Duration
	// SuccessThreshold is the consecutive probe successes that close the
	// circuit again.
	SuccessThreshold int
}

// Breaker tracks failures for one guarded operation.
type Breaker struct {
	mu        sync.Mutex
	cfg       Config
	state     State
	failures  int
	successes int
	openedAt  time.Time
}

// New creates a breaker, applying defaults for zero Config fields.
func New(cfg Config) *Breaker {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout == 0 {
		cfg.ResetTimeout = 60 * time.Second
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = 2
	}
	return &Breaker{cfg: cfg}
}

// Allow reports whether the next call may proceed. An open circuit whose
// reset timeout has elapsed moves to half-open and allows the call as a
// probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if time.Since(b.openedAt) > b.cfg.ResetTimeout {
			b.state = HalfOpen
			b.successes = 0
			return true
		}
		return false
	default:
		return true
	}
}

// Observe records the outcome of an allowed call and returns the state the
// breaker is left in.
func (b *Breaker) Observe(failed bool) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if failed {
		b.failures++
		b.successes = 0
		switch b.state {
		case Closed:
			if b.failures >= b.cfg.MaxFailures {
				b.open()
			}
		case HalfOpen:
			// A failed probe reopens immediately.
			b.open()
		}
		return b.state
	}

	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = Closed
			b.failures = 0
			b.successes = 0
		}
	}
	return b.state
}

// State returns the current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) open() {
	b.state = Open
	b.openedAt = time.Now()
}
