// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package trace provides the built-in "trace" filter. It logs the TLV
// structure of every relayed message and passes the message through
// unchanged, which makes it the first thing to switch on when debugging a
// client.
package trace

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/Ghostfacexx/mitmproxy-sub001/pkg/filter"
	"github.com/Ghostfacexx/mitmproxy-sub001/pkg/tlv"
)

func init() {
	filter.Register("trace", func() (filter.Unit, error) {
		return Filter{}, nil
	})
}

// Filter logs message structure without modifying anything.
type Filter struct{}

var _ filter.Unit = Filter{}

// Name implements filter.Unit.
func (Filter) Name() string { return "trace" }

// Handle logs the parsed TLV layout of msg and returns it unchanged.
func (Filter) Handle(logger *slog.Logger, msg []byte, _ filter.State) ([][]byte, error) {
	records, rest := tlv.Parse(msg)
	logger.Info("Message structure",
		slog.Int("bytes", len(msg)),
		slog.String("tlv", describe(records)),
	)
	if len(rest) > 0 {
		logger.Warn("Message tail did not parse as TLV",
			slog.Int("unparsed_bytes", len(rest)),
		)
	}
	return [][]byte{msg}, nil
}

// describe renders records as a compact one-line tree: tag in hex, value
// length in parentheses, children in brackets.
func describe(records []tlv.Record) string {
	if len(records) == 0 {
		return "(none)"
	}
	var b strings.Builder
	writeRecords(&b, records)
	return b.String()
}

func writeRecords(b *strings.Builder, records []tlv.Record) {
	for i, r := range records {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(b, "%X(%d)", r.Tag, len(r.Value))
		if len(r.Children) > 0 {
			b.WriteByte('[')
			writeRecords(b, r.Children)
			b.WriteByte(']')
		}
	}
}
