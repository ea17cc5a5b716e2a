// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	relayerrors "github.com/Ghostfacexx/mitmproxy-sub001/pkg/errors"
	"github.com/Ghostfacexx/mitmproxy-sub001/pkg/filter"
	"github.com/Ghostfacexx/mitmproxy-sub001/pkg/frame"
	"github.com/Ghostfacexx/mitmproxy-sub001/pkg/ratelimit"
	"github.com/Ghostfacexx/mitmproxy-sub001/pkg/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubUnit adapts a function into a filter unit.
type stubUnit struct {
	name string
	fn   func(msg []byte, state filter.State) ([][]byte, error)
}

func (u stubUnit) Name() string { return u.name }

func (u stubUnit) Handle(_ *slog.Logger, msg []byte, state filter.State) ([][]byte, error) {
	return u.fn(msg, state)
}

type testRelay struct {
	handler  *Handler
	registry *session.Registry
}

func newTestRelay(units []filter.Unit, cfg Config) *testRelay {
	logger := testLogger()
	cfg.Logger = logger
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = time.Second
	}
	registry := session.NewRegistry(logger, nil)
	pipeline := filter.NewPipeline(units, filter.PipelineConfig{Logger: logger})
	return &testRelay{
		handler:  New(registry, pipeline, cfg),
		registry: registry,
	}
}

// connect serves one end of a pipe with the relay loop and returns the client
// end, a channel carrying every broadcast payload the client receives, and
// the Handle result. Pipe writes are synchronous, so received payloads must
// be drained concurrently.
func (tr *testRelay) connect(t *testing.T, ctx context.Context) (net.Conn, <-chan []byte, <-chan error) {
	t.Helper()
	server, client := net.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- tr.handler.Handle(ctx, server)
	}()
	received := make(chan []byte, 16)
	go func() {
		for {
			payload, err := frame.ReadMessage(client, 0)
			if err != nil {
				close(received)
				return
			}
			received <- payload
		}
	}()
	t.Cleanup(func() { client.Close() })
	return client, received, done
}

func sendFrame(t *testing.T, conn net.Conn, sess uint8, payload []byte) {
	t.Helper()
	if err := frame.WriteRequest(conn, sess, payload); err != nil {
		t.Fatalf("WriteRequest() error = %v", err)
	}
}

func recvPayload(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case payload, ok := <-ch:
		if !ok {
			t.Fatal("Receive channel closed before a message arrived")
		}
		return payload
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for a relayed message")
	}
	return nil
}

func expectNoPayload(t *testing.T, ch <-chan []byte) {
	t.Helper()
	select {
	case payload, ok := <-ch:
		if ok {
			t.Fatalf("Expected no message, got % X", payload)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func waitErr(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for the relay loop to finish")
	}
	return nil
}

func waitMembers(t *testing.T, registry *session.Registry, id uint8, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if registry.Members(id) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Expected %d members in session %d, got %d", want, id, registry.Members(id))
}

func TestNew_Defaults(t *testing.T) {
	h := New(session.NewRegistry(testLogger(), nil), nil, Config{})
	if h.cfg.ReadTimeout != DefaultReadTimeout {
		t.Errorf("Expected read timeout %v, got %v", DefaultReadTimeout, h.cfg.ReadTimeout)
	}
	if h.cfg.WriteTimeout != DefaultWriteTimeout {
		t.Errorf("Expected write timeout %v, got %v", DefaultWriteTimeout, h.cfg.WriteTimeout)
	}
	if h.cfg.Logger == nil {
		t.Error("Expected a default logger")
	}
}

func TestHandler_RelaysBetweenSessionPeers(t *testing.T) {
	tr := newTestRelay(nil, Config{})
	connA, recvA, _ := tr.connect(t, context.Background())
	connB, recvB, _ := tr.connect(t, context.Background())

	// B joins session 1 first.
	sendFrame(t, connB, 1, []byte{0xEE})
	waitMembers(t, tr.registry, 1, 1)

	// A's first frame joins session 1 and reaches B alone.
	sendFrame(t, connA, 1, []byte{0x01, 0x02, 0x03})
	waitMembers(t, tr.registry, 1, 2)

	if got := recvPayload(t, recvB); !bytes.Equal(got, []byte{0x01, 0x02, 0x03}) {
		t.Fatalf("Expected B to receive 01 02 03, got % X", got)
	}

	// B answers; only A receives it.
	sendFrame(t, connB, 1, []byte{0xAA, 0xBB})
	if got := recvPayload(t, recvA); !bytes.Equal(got, []byte{0xAA, 0xBB}) {
		t.Fatalf("Expected A to receive AA BB, got % X", got)
	}

	expectNoPayload(t, recvA)
	expectNoPayload(t, recvB)
}

func TestHandler_BroadcastFrameHasNoSessionByte(t *testing.T) {
	tr := newTestRelay(nil, Config{})

	server, client := net.Pipe()
	go tr.handler.Handle(context.Background(), server)
	t.Cleanup(func() { client.Close() })

	sendFrame(t, client, 5, []byte{0xEE})
	waitMembers(t, tr.registry, 5, 1)

	peer, _, _ := tr.connect(t, context.Background())
	sendFrame(t, peer, 5, []byte{0xAA, 0xBB})

	if err := client.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline() error = %v", err)
	}
	raw := make([]byte, frame.MessageHeaderLen+2)
	if _, err := io.ReadFull(client, raw); err != nil {
		t.Fatalf("ReadFull() error = %v", err)
	}
	want := []byte{0x00, 0x00, 0x00, 0x02, 0xAA, 0xBB}
	if !bytes.Equal(raw, want) {
		t.Fatalf("Expected wire frame % X, got % X", want, raw)
	}
}

func TestHandler_RejectsFrameWithoutSession(t *testing.T) {
	tr := newTestRelay(nil, Config{})
	conn, _, done := tr.connect(t, context.Background())

	sendFrame(t, conn, 0, []byte{0x01})

	if err := waitErr(t, done); !errors.Is(err, relayerrors.ErrSessionRequired) {
		t.Fatalf("Handle() error = %v, want ErrSessionRequired", err)
	}
	if got := tr.registry.Sessions(); got != 0 {
		t.Errorf("Expected no sessions, got %d", got)
	}
}

func TestHandler_CloseFrameEndsConnection(t *testing.T) {
	tr := newTestRelay(nil, Config{})
	conn, _, done := tr.connect(t, context.Background())

	sendFrame(t, conn, 3, []byte{0x01})
	waitMembers(t, tr.registry, 3, 1)

	sendFrame(t, conn, 3, nil)

	if err := waitErr(t, done); err != nil {
		t.Fatalf("Handle() error = %v, want nil", err)
	}
	waitMembers(t, tr.registry, 3, 0)
}

func TestHandler_ClientDisconnectCleansUp(t *testing.T) {
	tr := newTestRelay(nil, Config{})
	conn, _, done := tr.connect(t, context.Background())

	sendFrame(t, conn, 7, []byte{0x01})
	waitMembers(t, tr.registry, 7, 1)

	conn.Close()

	if err := waitErr(t, done); err != nil {
		t.Fatalf("Handle() error = %v, want nil", err)
	}
	waitMembers(t, tr.registry, 7, 0)
}

func TestHandler_SwitchMovesConnectionBetweenSessions(t *testing.T) {
	tr := newTestRelay(nil, Config{})
	connA, recvA, _ := tr.connect(t, context.Background())
	connB, recvB, _ := tr.connect(t, context.Background())

	sendFrame(t, connA, 1, []byte{0xA1})
	waitMembers(t, tr.registry, 1, 1)
	sendFrame(t, connB, 1, []byte{0xB1})
	waitMembers(t, tr.registry, 1, 2)
	recvPayload(t, recvA) // B's join frame

	// B moves to session 2; its frame goes to session 2 peers only.
	sendFrame(t, connB, 2, []byte{0xB2})
	waitMembers(t, tr.registry, 1, 1)
	waitMembers(t, tr.registry, 2, 1)
	expectNoPayload(t, recvA)

	// A's traffic no longer reaches B.
	sendFrame(t, connA, 1, []byte{0xA2})
	expectNoPayload(t, recvB)
}

func TestHandler_UnsetSessionByteKeepsCurrentSession(t *testing.T) {
	tr := newTestRelay(nil, Config{})
	connA, _, _ := tr.connect(t, context.Background())
	connB, recvB, _ := tr.connect(t, context.Background())

	sendFrame(t, connB, 4, []byte{0xB0})
	waitMembers(t, tr.registry, 4, 1)
	sendFrame(t, connA, 4, []byte{0xA0})
	waitMembers(t, tr.registry, 4, 2)
	recvPayload(t, recvB) // A's join frame

	sendFrame(t, connA, 0, []byte{0xCC})

	if got := recvPayload(t, recvB); !bytes.Equal(got, []byte{0xCC}) {
		t.Fatalf("Expected B to receive CC, got % X", got)
	}
	if got := tr.registry.Members(4); got != 2 {
		t.Errorf("Expected 2 members in session 4, got %d", got)
	}
}

func TestHandler_IdleConnectionTimesOut(t *testing.T) {
	tr := newTestRelay(nil, Config{ReadTimeout: 50 * time.Millisecond})
	_, _, done := tr.connect(t, context.Background())

	if err := waitErr(t, done); err != nil {
		t.Fatalf("Handle() error = %v, want nil for an idle timeout", err)
	}
}

func TestHandler_ContextCancelClosesConnection(t *testing.T) {
	tr := newTestRelay(nil, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	conn, _, done := tr.connect(t, ctx)

	sendFrame(t, conn, 9, []byte{0x01})
	waitMembers(t, tr.registry, 9, 1)

	cancel()

	if err := waitErr(t, done); err != nil {
		t.Fatalf("Handle() error = %v, want nil on shutdown", err)
	}
	waitMembers(t, tr.registry, 9, 0)
}

func TestHandler_RateLimitDisconnectsClient(t *testing.T) {
	tr := newTestRelay(nil, Config{Limiter: ratelimit.NewLimiter(1, 0, 0)})
	conn, _, done := tr.connect(t, context.Background())

	sendFrame(t, conn, 1, []byte{0x01})
	// The second frame blows the single-token budget.
	sendFrame(t, conn, 1, []byte{0x02})

	if err := waitErr(t, done); !errors.Is(err, relayerrors.ErrRateLimited) {
		t.Fatalf("Handle() error = %v, want ErrRateLimited", err)
	}
}

func TestHandler_OversizedFrameDisconnectsClient(t *testing.T) {
	tr := newTestRelay(nil, Config{MaxFrameSize: 16})
	conn, _, done := tr.connect(t, context.Background())

	// The payload is never consumed, so write from a goroutine.
	go frame.WriteRequest(conn, 1, make([]byte, 32))

	if err := waitErr(t, done); !errors.Is(err, frame.ErrPayloadTooLarge) {
		t.Fatalf("Handle() error = %v, want ErrPayloadTooLarge", err)
	}
}

func TestHandler_PipelineRewritesPayload(t *testing.T) {
	units := []filter.Unit{stubUnit{
		name: "prefix",
		fn: func(msg []byte, _ filter.State) ([][]byte, error) {
			return [][]byte{append([]byte{0xFF}, msg...)}, nil
		},
	}}
	tr := newTestRelay(units, Config{})
	connA, _, _ := tr.connect(t, context.Background())
	connB, recvB, _ := tr.connect(t, context.Background())

	sendFrame(t, connB, 6, []byte{0xB0})
	waitMembers(t, tr.registry, 6, 1)

	sendFrame(t, connA, 6, []byte{0x01, 0x02})

	if got := recvPayload(t, recvB); !bytes.Equal(got, []byte{0xFF, 0x01, 0x02}) {
		t.Fatalf("Expected B to receive FF 01 02, got % X", got)
	}
}

func TestHandler_PipelineDropSilencesMessage(t *testing.T) {
	units := []filter.Unit{stubUnit{
		name: "drop",
		fn: func(_ []byte, _ filter.State) ([][]byte, error) {
			return nil, nil
		},
	}}
	tr := newTestRelay(units, Config{})
	connA, _, _ := tr.connect(t, context.Background())
	connB, recvB, _ := tr.connect(t, context.Background())

	sendFrame(t, connB, 6, []byte{0xB0})
	waitMembers(t, tr.registry, 6, 1)
	sendFrame(t, connA, 6, []byte{0x01})
	waitMembers(t, tr.registry, 6, 2)

	expectNoPayload(t, recvB)
}

func TestHandler_StatePersistsAcrossFrames(t *testing.T) {
	counts := make(chan int, 4)
	units := []filter.Unit{stubUnit{
		name: "count",
		fn: func(msg []byte, state filter.State) ([][]byte, error) {
			n, _ := state["count"].(int)
			n++
			state["count"] = n
			counts <- n
			return [][]byte{msg}, nil
		},
	}}
	tr := newTestRelay(units, Config{})
	conn, _, _ := tr.connect(t, context.Background())

	sendFrame(t, conn, 2, []byte{0x01})
	sendFrame(t, conn, 2, []byte{0x02})

	for want := 1; want <= 2; want++ {
		select {
		case got := <-counts:
			if got != want {
				t.Fatalf("Expected per-connection count %d, got %d", want, got)
			}
		case <-time.After(time.Second):
			t.Fatal("Timed out waiting for the filter to run")
		}
	}
}
