// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tlv implements the BER-style tag-length-value codec used for relay
// message payloads.
//
// # Wire Format
//
// A record is a tag, a length, and a value, laid out back to back:
//
//	[tag: 1..n bytes][length: 1..n bytes][value: length bytes]
//
// Tags follow BER identifier encoding. When the low five bits of the first
// tag byte are all set, the tag continues into subsequent bytes for as long
// as the high bit of each continuation byte is set:
//
//	0x50             single-byte tag
//	0x9F 0x34        two-byte tag (0x9F34)
//	0x9F 0x81 0x01   three-byte tag (0x9F8101)
//
// A tag is kept as the raw identifier bytes interpreted as a big-endian
// integer, so the two-byte tag above is the value 0x9F34. Re-serializing a
// parsed tag always reproduces the original bytes.
//
// Lengths use the BER short and long forms:
//
//	0x00..0x7F       short form, the byte is the length
//	0x81 0x80        long form, one length byte follows (128)
//	0x82 0x01 0x00   long form, two length bytes follow (256)
//
// # Constructed Records
//
// Bit 0x20 of the first tag byte marks a constructed record whose value is
// itself a sequence of records. Parse populates Children for constructed
// records whenever the value parses completely; Value always retains the raw
// inner bytes. Build serializes Children when present, ignoring a stale
// Value, so editing a nested record and rebuilding recomputes every enclosing
// length.
//
// # Truncation
//
// Parse never fails on malformed or cut-off input. It decodes records until
// one cannot be completed and returns the decoded prefix together with the
// unconsumed remainder:
//
//	records, rest := tlv.Parse(data)
//	if len(rest) != 0 {
//		// data was truncated or carried trailing bytes
//	}
//
// For input that parses with an empty remainder and uses minimal length
// encodings (the only form Build emits), Build(records) returns the input
// bytes unchanged. A valid non-minimal long-form length, such as 0x81 0x05
// for a 5-byte value, parses but re-encodes as the minimal 0x05.
//
// Records returned by Parse alias the input buffer; callers that keep
// mutating the input must copy it first.
package tlv
