// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tlv

const (
	// constructedBit marks a record whose value is a sequence of records.
	constructedBit = 0x20

	// tagContinues is the low-five-bit pattern announcing a multi-byte tag.
	tagContinues = 0x1F

	// highBit set on a tag continuation byte means more bytes follow; set on
	// the first length byte it selects the long form.
	highBit = 0x80

	// maxTagBytes bounds tag identifiers to what fits a uint64. Longer tags
	// do not occur in practice and abort the parse as malformed.
	maxTagBytes = 8

	// maxLengthBytes bounds the long-form length to four octets. Values
	// beyond 4 GiB cannot arrive through the relay framing.
	maxLengthBytes = 4
)

// Record is a single tag-length-value element. Tag holds the raw identifier
// bytes as a big-endian integer. Children is populated for constructed
// records whose value parsed completely; Value always holds the raw value
// bytes. Length is not stored: it derives from Value, or from the serialized
// Children for constructed records.
type Record struct {
	Tag      uint64
	Value    []byte
	Children []Record
}

// Constructed reports whether the record's tag carries the constructed bit.
func (r Record) Constructed() bool {
	return firstTagByte(r.Tag)&constructedBit != 0
}

// Parse decodes records from data until the buffer is exhausted or a record
// cannot be completed. It returns the decoded records and the unconsumed
// remainder; an empty remainder means the whole buffer parsed. Truncated or
// malformed input never causes a panic or an out-of-bounds read: the
// offending record is simply not included and the remainder starts at its
// first byte.
func Parse(data []byte) ([]Record, []byte) {
	var records []Record
	rest := data
	for len(rest) > 0 {
		rec, n, ok := parseOne(rest)
		if !ok {
			break
		}
		records = append(records, rec)
		rest = rest[n:]
	}
	return records, rest
}

// parseOne decodes the record at the head of data, returning it together
// with the number of bytes it occupied.
func parseOne(data []byte) (Record, int, bool) {
	tag, tn, ok := readTag(data)
	if !ok {
		return Record{}, 0, false
	}
	length, ln, ok := readLength(data[tn:])
	if !ok {
		return Record{}, 0, false
	}
	off := tn + ln
	if length > len(data)-off {
		// Declared length runs past the buffer: truncated value.
		return Record{}, 0, false
	}
	rec := Record{Tag: tag, Value: data[off : off+length]}
	if firstTagByte(tag)&constructedBit != 0 && length > 0 {
		// Only adopt children when the inner bytes parse completely, so a
		// rebuild always reproduces the original value.
		children, inner := Parse(rec.Value)
		if len(inner) == 0 {
			rec.Children = children
		}
	}
	return rec, off + length, true
}

// readTag decodes a BER identifier from the head of data.
func readTag(data []byte) (uint64, int, bool) {
	if len(data) == 0 {
		return 0, 0, false
	}
	tag := uint64(data[0])
	n := 1
	if data[0]&tagContinues != tagContinues {
		return tag, n, true
	}
	for {
		if n >= len(data) || n >= maxTagBytes {
			return 0, 0, false
		}
		b := data[n]
		tag = tag<<8 | uint64(b)
		n++
		if b&highBit == 0 {
			return tag, n, true
		}
	}
}

// readLength decodes a BER short- or long-form length from the head of data.
func readLength(data []byte) (int, int, bool) {
	if len(data) == 0 {
		return 0, 0, false
	}
	b := data[0]
	if b&highBit == 0 {
		return int(b), 1, true
	}
	num := int(b &^ highBit)
	if num == 0 || num > maxLengthBytes || len(data) < 1+num {
		return 0, 0, false
	}
	var length uint64
	for i := 1; i <= num; i++ {
		length = length<<8 | uint64(data[i])
	}
	// A length past the end of the buffer can never complete a record, and
	// rejecting it before the int conversion avoids overflow on 32-bit
	// platforms.
	if length > uint64(len(data)) {
		return 0, 0, false
	}
	return int(length), 1 + num, true
}

// Build serializes records back to bytes. Constructed records with Children
// are rebuilt from the children, recomputing every length along the way; the
// record's own Value is ignored in that case. Build always emits minimal
// length encodings, so it is the left inverse of Parse for fully-consumed
// input that uses minimal lengths itself; a valid non-minimal long-form
// length parses but rebuilds in the shorter form.
func Build(records []Record) []byte {
	var buf []byte
	for _, r := range records {
		buf = appendRecord(buf, r)
	}
	return buf
}

func appendRecord(buf []byte, r Record) []byte {
	value := r.Value
	if r.Constructed() && len(r.Children) > 0 {
		value = Build(r.Children)
	}
	buf = appendTag(buf, r.Tag)
	buf = appendLength(buf, len(value))
	return append(buf, value...)
}

// appendTag emits the tag's big-endian bytes without leading zeros. Tags
// obtained from Parse are valid identifier sequences; hand-built tags must
// follow the same encoding rules.
func appendTag(buf []byte, tag uint64) []byte {
	n := 1
	for v := tag >> 8; v > 0; v >>= 8 {
		n++
	}
	for i := n - 1; i >= 0; i-- {
		buf = append(buf, byte(tag>>(8*i)))
	}
	return buf
}

// appendLength emits the minimal short- or long-form encoding of n.
func appendLength(buf []byte, n int) []byte {
	if n < highBit {
		return append(buf, byte(n))
	}
	num := 0
	for v := n; v > 0; v >>= 8 {
		num++
	}
	buf = append(buf, byte(highBit|num))
	for i := num - 1; i >= 0; i-- {
		buf = append(buf, byte(n>>(8*i)))
	}
	return buf
}

// Find returns the first record with the given tag in pre-order depth-first
// traversal, descending into Children before moving to the next sibling. It
// returns nil when the tag is absent. The returned pointer addresses the
// record inside the passed slice, so mutations are visible to a later Build.
func Find(records []Record, tag uint64) *Record {
	for i := range records {
		if records[i].Tag == tag {
			return &records[i]
		}
		if found := Find(records[i].Children, tag); found != nil {
			return found
		}
	}
	return nil
}

// ReplaceOrInsert sets the value of the first record matching tag, clearing
// its children so the record becomes a primitive leaf, and returns the slice.
// When the tag is absent anywhere in the tree, a new primitive record is
// appended at the top level.
func ReplaceOrInsert(records []Record, tag uint64, value []byte) []Record {
	if rec := Find(records, tag); rec != nil {
		rec.Value = value
		rec.Children = nil
		return records
	}
	return append(records, Record{Tag: tag, Value: value})
}

func firstTagByte(tag uint64) byte {
	b := byte(tag)
	for v := tag; v > 0; v >>= 8 {
		b = byte(v)
	}
	return b
}
