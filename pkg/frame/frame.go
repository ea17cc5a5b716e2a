// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package frame implements the relay wire framing.
//
// Clients send request frames carrying a session byte:
//
//	[4 bytes: payload length, big-endian][1 byte: session id][payload]
//
// The relay delivers message frames without a session byte:
//
//	[4 bytes: payload length, big-endian][payload]
//
// A request frame with length zero is the client's close signal. Short reads
// are never retried; any read error means the connection is done.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	// RequestHeaderLen is the request frame header size: length plus session.
	RequestHeaderLen = 5

	// MessageHeaderLen is the broadcast frame header size: length only.
	MessageHeaderLen = 4

	// DefaultMaxPayload caps payload sizes when the caller passes no limit.
	DefaultMaxPayload = 8 << 20
)

var (
	// ErrEmptyPayload reports a request frame with a zero-length payload,
	// which the protocol defines as the close signal.
	ErrEmptyPayload = errors.New("frame: empty payload")

	// ErrPayloadTooLarge reports a declared payload length above the limit.
	ErrPayloadTooLarge = errors.New("frame: payload exceeds size limit")
)

// Header is a decoded request frame header.
type Header struct {
	Length  uint32
	Session uint8
}

// ReadRequest reads exactly one request frame from r. A zero maxPayload
// applies DefaultMaxPayload; the limit is always enforced before the payload
// is allocated. Header and payload reads use io.ReadFull, so a peer that
// stops mid-frame surfaces io.ErrUnexpectedEOF and a cleanly closed peer
// surfaces io.EOF.
func ReadRequest(r io.Reader, maxPayload uint32) (Header, []byte, error) {
	var raw [RequestHeaderLen]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return Header{}, nil, err
	}
	hdr := Header{
		Length:  binary.BigEndian.Uint32(raw[:4]),
		Session: raw[4],
	}
	if hdr.Length == 0 {
		return hdr, nil, ErrEmptyPayload
	}
	if maxPayload == 0 {
		maxPayload = DefaultMaxPayload
	}
	if hdr.Length > maxPayload {
		return hdr, nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, hdr.Length, maxPayload)
	}
	payload := make([]byte, hdr.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return hdr, nil, err
	}
	return hdr, payload, nil
}

// WriteRequest writes one request frame. An empty payload is permitted: it
// encodes the close signal.
func WriteRequest(w io.Writer, session uint8, payload []byte) error {
	if uint64(len(payload)) > math.MaxUint32 {
		return ErrPayloadTooLarge
	}
	buf := make([]byte, RequestHeaderLen+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	buf[4] = session
	copy(buf[RequestHeaderLen:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadMessage reads one broadcast frame from r. Zero-length messages are
// legal on this side of the protocol and return an empty payload.
func ReadMessage(r io.Reader, maxPayload uint32) ([]byte, error) {
	var raw [MessageHeaderLen]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(raw[:])
	if length == 0 {
		return nil, nil
	}
	if maxPayload == 0 {
		maxPayload = DefaultMaxPayload
	}
	if length > maxPayload {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, length, maxPayload)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// EncodeMessage returns the broadcast frame bytes for payload.
func EncodeMessage(payload []byte) []byte {
	buf := make([]byte, MessageHeaderLen+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[MessageHeaderLen:], payload)
	return buf
}

// WriteMessage writes one broadcast frame in a single Write call.
func WriteMessage(w io.Writer, payload []byte) error {
	if uint64(len(payload)) > math.MaxUint32 {
		return ErrPayloadTooLarge
	}
	_, err := w.Write(EncodeMessage(payload))
	return err
}
