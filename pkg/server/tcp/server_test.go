// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/Ghostfacexx/mitmproxy-sub001/pkg/frame"
	"github.com/Ghostfacexx/mitmproxy-sub001/pkg/handler"
	"github.com/Ghostfacexx/mitmproxy-sub001/pkg/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// blockingHandler holds every connection open until stop is closed. It stands
// in for the relay loop when a test needs connections that outlive shutdown.
type blockingHandler struct {
	stop chan struct{}
}

func (b *blockingHandler) Handle(_ context.Context, _ net.Conn) error {
	<-b.stop
	return nil
}

func newRelayServer(t *testing.T, cfg Config) (*Server, *session.Registry) {
	t.Helper()
	logger := testLogger()
	cfg.Logger = logger
	registry := session.NewRegistry(logger, nil)
	h := handler.New(registry, nil, handler.Config{
		Logger:      logger,
		ReadTimeout: time.Second,
	})
	return New(cfg, h), registry
}

func startServer(t *testing.T, server *Server) (net.Addr, context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Listen(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if addr := server.Addr(); addr != nil {
			return addr, cancel, serverErr
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	t.Fatal("Timed out waiting for the server to bind")
	return nil, nil, nil
}

func dial(t *testing.T, addr net.Addr) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
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

func TestNew_DefaultConfig(t *testing.T) {
	server := New(Config{Address: "localhost:0"}, &blockingHandler{})

	if server.config.Logger == nil {
		t.Error("Expected default logger to be set")
	}
	if server.config.ShutdownTimeout == 0 {
		t.Error("Expected default shutdown timeout to be set")
	}
	if server.connSem != nil {
		t.Error("Expected no connection semaphore without a cap")
	}
}

func TestNew_ConnectionSemaphore(t *testing.T) {
	server := New(Config{Address: "localhost:0", MaxConnections: 2}, &blockingHandler{})

	if server.connSem == nil {
		t.Fatal("Expected connection semaphore to be created")
	}
	if cap(server.connSem) != 2 {
		t.Errorf("Expected semaphore capacity of 2, got %d", cap(server.connSem))
	}
}

func TestServer_RelaysBetweenClients(t *testing.T) {
	server, registry := newRelayServer(t, Config{
		Address:         "localhost:0",
		ShutdownTimeout: 3 * time.Second,
	})
	addr, cancel, serverErr := startServer(t, server)
	defer cancel()

	connB := dial(t, addr)
	if err := frame.WriteRequest(connB, 1, []byte{0xEE}); err != nil {
		t.Fatalf("WriteRequest() error = %v", err)
	}
	waitMembers(t, registry, 1, 1)

	connA := dial(t, addr)
	if err := frame.WriteRequest(connA, 1, []byte{0x01, 0x02, 0x03}); err != nil {
		t.Fatalf("WriteRequest() error = %v", err)
	}

	if err := connB.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline() error = %v", err)
	}
	payload, err := frame.ReadMessage(connB, 0)
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if !bytes.Equal(payload, []byte{0x01, 0x02, 0x03}) {
		t.Fatalf("Expected payload 01 02 03, got % X", payload)
	}

	cancel()
	select {
	case err := <-serverErr:
		if err != nil {
			t.Errorf("Listen() error = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("Server shutdown timeout")
	}
}

func TestServer_GracefulShutdownClosesClients(t *testing.T) {
	server, registry := newRelayServer(t, Config{
		Address:         "localhost:0",
		ShutdownTimeout: 3 * time.Second,
	})
	addr, cancel, serverErr := startServer(t, server)

	conn := dial(t, addr)
	if err := frame.WriteRequest(conn, 4, []byte{0x01}); err != nil {
		t.Fatalf("WriteRequest() error = %v", err)
	}
	waitMembers(t, registry, 4, 1)

	cancel()

	select {
	case err := <-serverErr:
		if err != nil {
			t.Errorf("Listen() error = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Server shutdown timeout")
	}

	// The handler closed the client socket on shutdown.
	if err := conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
		t.Fatalf("SetReadDeadline() error = %v", err)
	}
	if _, err := frame.ReadMessage(conn, 0); err == nil {
		t.Error("Expected the connection to be closed after shutdown")
	}
}

func TestServer_ShutdownTimeoutExceeded(t *testing.T) {
	stuck := &blockingHandler{stop: make(chan struct{})}
	t.Cleanup(func() { close(stuck.stop) })

	server := New(Config{
		Address:         "localhost:0",
		ShutdownTimeout: 100 * time.Millisecond,
		Logger:          testLogger(),
	}, stuck)
	addr, cancel, serverErr := startServer(t, server)

	dial(t, addr)
	// Give the accept loop a moment to hand the connection off.
	time.Sleep(50 * time.Millisecond)

	cancel()

	select {
	case err := <-serverErr:
		if !errors.Is(err, ErrShutdownTimeout) {
			t.Errorf("Listen() error = %v, want ErrShutdownTimeout", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("Test timeout waiting for server shutdown")
	}
}

func TestServer_ConnectionLimitRejectsExcess(t *testing.T) {
	stuck := &blockingHandler{stop: make(chan struct{})}
	t.Cleanup(func() { close(stuck.stop) })

	server := New(Config{
		Address:         "localhost:0",
		MaxConnections:  1,
		ShutdownTimeout: time.Second,
		Logger:          testLogger(),
	}, stuck)
	addr, cancel, _ := startServer(t, server)
	defer cancel()

	first := dial(t, addr)
	defer first.Close()
	time.Sleep(50 * time.Millisecond)

	second := dial(t, addr)
	if err := second.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline() error = %v", err)
	}
	buf := make([]byte, 1)
	if _, err := second.Read(buf); !errors.Is(err, io.EOF) {
		t.Errorf("Expected the second connection to be closed, got %v", err)
	}
}

func TestServer_InvalidAddress(t *testing.T) {
	server := New(Config{
		Address: "invalid:address:99999",
		Logger:  testLogger(),
	}, &blockingHandler{})

	if err := server.Listen(context.Background()); err == nil {
		t.Error("Expected error for invalid address")
	}
}

func TestServer_ContextCancellation(t *testing.T) {
	server := New(Config{
		Address:         "localhost:0",
		ShutdownTimeout: 5 * time.Second,
		Logger:          testLogger(),
	}, &blockingHandler{})

	ctx, cancel := context.WithCancel(context.Background())
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Listen(ctx)
	}()

	// Immediately cancel
	cancel()

	select {
	case <-serverErr:
	case <-time.After(2 * time.Second):
		t.Error("Server did not shutdown in time after context cancellation")
	}
}
