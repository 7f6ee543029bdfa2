package tunnel

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/tunneld/tunneld/internal/protocol"
)

func freePort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("freePort: %v", err)
	}
	defer ln.Close()
	return uint16(ln.Addr().(*net.TCPAddr).Port)
}

func TestTCPWorker_RelaysBothDirections(t *testing.T) {
	t.Parallel()

	session, h, cancelSession := newTestSession(t, &fakeRegistrar{})
	defer cancelSession()

	port := freePort(t)
	worker, err := NewTCPWorker(port, session, nil, nil)
	if err != nil {
		t.Fatalf("NewTCPWorker: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = worker.Start(ctx) }()

	conn, err := net.DialTimeout("tcp", worker.ln.Addr().String(), testTimeout)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	var streamID protocol.StreamID
	select {
	case f := <-h.Outbound():
		streamID = f.StreamID
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for stream announcement")
	}

	if err := h.SendFrame(context.Background(), protocol.ToServerFrame{StreamID: streamID, Action: protocol.ActionStart}); err != nil {
		t.Fatalf("SendFrame(Start): %v", err)
	}

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
	select {
	case f := <-h.Outbound():
		if string(f.Payload) != "ping" {
			t.Fatalf("payload = %q, want %q", f.Payload, "ping")
		}
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for upstream relay")
	}

	if err := h.SendFrame(context.Background(), protocol.ToServerFrame{StreamID: streamID, Action: protocol.ActionSending, Payload: []byte("pong")}); err != nil {
		t.Fatalf("SendFrame(Sending): %v", err)
	}

	buf := make([]byte, 4)
	conn.SetReadDeadline(time.Now().Add(testTimeout))
	if _, err := conn.Read(buf); err != nil {
		t.Fatalf("conn.Read: %v", err)
	}
	if string(buf) != "pong" {
		t.Fatalf("read = %q, want %q", buf, "pong")
	}
}

func TestTCPWorker_ClientCloseEndsConnection(t *testing.T) {
	t.Parallel()

	session, h, cancelSession := newTestSession(t, &fakeRegistrar{})
	defer cancelSession()

	port := freePort(t)
	worker, err := NewTCPWorker(port, session, nil, nil)
	if err != nil {
		t.Fatalf("NewTCPWorker: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = worker.Start(ctx) }()

	conn, err := net.DialTimeout("tcp", worker.ln.Addr().String(), testTimeout)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	var streamID protocol.StreamID
	select {
	case f := <-h.Outbound():
		streamID = f.StreamID
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for stream announcement")
	}

	if err := h.SendFrame(context.Background(), protocol.ToServerFrame{StreamID: streamID, Action: protocol.ActionClose}); err != nil {
		t.Fatalf("SendFrame(Close): %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(testTimeout))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("expected connection to be closed after remote close")
	}
}
