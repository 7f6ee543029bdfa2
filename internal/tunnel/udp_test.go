package tunnel

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/tunneld/tunneld/internal/protocol"
)

func freeUDPPort(t *testing.T) uint16 {
	t.Helper()
	pc, err := net.ListenPacket("udp", ":0")
	if err != nil {
		t.Fatalf("freeUDPPort: %v", err)
	}
	defer pc.Close()
	return uint16(pc.LocalAddr().(*net.UDPAddr).Port)
}

// awaitAnnouncement reads one stream announcement from h and returns
// its StreamID, skipping close notices left by earlier streams.
func awaitAnnouncement(t *testing.T, h *protocol.Harness) protocol.StreamID {
	t.Helper()
	deadline := time.After(testTimeout)
	for {
		select {
		case f := <-h.Outbound():
			if f.Close {
				continue
			}
			return f.StreamID
		case <-deadline:
			t.Fatal("timed out waiting for stream announcement")
			return ""
		}
	}
}

// respondOnce drives one datagram's one-shot exchange through the
// harness: acknowledge Start, relay the upstream payload, and send a
// single reply payload back down.
func respondOnce(t *testing.T, h *protocol.Harness, streamID protocol.StreamID, wantUpstream, reply string) {
	t.Helper()

	if err := h.SendFrame(context.Background(), protocol.ToServerFrame{StreamID: streamID, Action: protocol.ActionStart}); err != nil {
		t.Fatalf("SendFrame(Start): %v", err)
	}

	select {
	case f := <-h.Outbound():
		if string(f.Payload) != wantUpstream {
			t.Fatalf("payload = %q, want %q", f.Payload, wantUpstream)
		}
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for upstream relay")
	}

	if err := h.SendFrame(context.Background(), protocol.ToServerFrame{StreamID: streamID, Action: protocol.ActionSending, Payload: []byte(reply)}); err != nil {
		t.Fatalf("SendFrame(Sending): %v", err)
	}
}

func TestUDPWorker_RelaysBothDirections(t *testing.T) {
	t.Parallel()

	session, h, cancelSession := newTestSession(t, &fakeRegistrar{})
	defer cancelSession()

	port := freeUDPPort(t)
	worker, err := NewUDPWorker(port, session, nil, nil)
	if err != nil {
		t.Fatalf("NewUDPWorker: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = worker.Start(ctx) }()

	client, err := net.Dial("udp", worker.pc.LocalAddr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatalf("client.Write: %v", err)
	}

	streamID := awaitAnnouncement(t, h)
	respondOnce(t, h, streamID, "ping", "pong")

	buf := make([]byte, 4)
	client.SetReadDeadline(time.Now().Add(testTimeout))
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("client.Read: %v", err)
	}
	if string(buf[:n]) != "pong" {
		t.Fatalf("read = %q, want %q", buf[:n], "pong")
	}
}

// TestUDPWorker_EachDatagramGetsOwnStream confirms there is no session
// state across datagrams, even from the same peer: two datagrams from
// one address produce two independent stream announcements, each
// completing its own one-shot request/reply exchange.
func TestUDPWorker_EachDatagramGetsOwnStream(t *testing.T) {
	t.Parallel()

	session, h, cancelSession := newTestSession(t, &fakeRegistrar{})
	defer cancelSession()

	port := freeUDPPort(t)
	worker, err := NewUDPWorker(port, session, nil, nil)
	if err != nil {
		t.Fatalf("NewUDPWorker: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = worker.Start(ctx) }()

	client, err := net.Dial("udp", worker.pc.LocalAddr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	if _, err := client.Write([]byte("a")); err != nil {
		t.Fatalf("client.Write: %v", err)
	}
	firstID := awaitAnnouncement(t, h)
	respondOnce(t, h, firstID, "a", "A")

	buf := make([]byte, 1)
	client.SetReadDeadline(time.Now().Add(testTimeout))
	if _, err := client.Read(buf); err != nil {
		t.Fatalf("client.Read (first): %v", err)
	}

	if _, err := client.Write([]byte("b")); err != nil {
		t.Fatalf("client.Write: %v", err)
	}
	secondID := awaitAnnouncement(t, h)
	if secondID == firstID {
		t.Fatalf("second datagram reused stream %v from the first", firstID)
	}
	respondOnce(t, h, secondID, "b", "B")

	client.SetReadDeadline(time.Now().Add(testTimeout))
	if _, err := client.Read(buf); err != nil {
		t.Fatalf("client.Read (second): %v", err)
	}
	if string(buf) != "B" {
		t.Fatalf("read = %q, want %q", buf, "B")
	}
}
