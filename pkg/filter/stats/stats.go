// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package stats provides the built-in "stats" filter. It counts frames and
// payload bytes per connection in the connection's state map and logs a
// traffic summary at a fixed frame interval. The message itself passes
// through untouched.
package stats

import (
	"log/slog"

	"github.com/Ghostfacexx/mitmproxy-sub001/pkg/filter"
)

// State map keys. Exported so tests and other units can read the counters.
const (
	FramesKey = "stats.frames"
	BytesKey  = "stats.bytes"
)

// logEvery is the frame interval between traffic summaries.
const logEvery = 100

func init() {
	filter.Register("stats", func() (filter.Unit, error) {
		return Filter{}, nil
	})
}

// Filter accumulates per-connection traffic counters.
type Filter struct{}

var _ filter.Unit = Filter{}

// Name implements filter.Unit.
func (Filter) Name() string { return "stats" }

// Handle updates the counters and periodically logs them.
func (Filter) Handle(logger *slog.Logger, msg []byte, state filter.State) ([][]byte, error) {
	frames, _ := state[FramesKey].(int64)
	total, _ := state[BytesKey].(int64)
	frames++
	total += int64(len(msg))
	state[FramesKey] = frames
	state[BytesKey] = total

	if frames%logEvery == 0 {
		logger.Info("Connection traffic",
			slog.Int64("frames", frames),
			slog.Int64("bytes", total),
		)
	}
	return [][]byte{msg}, nil
}
