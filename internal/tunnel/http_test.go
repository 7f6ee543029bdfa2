package tunnel

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/tunneld/tunneld/internal/protocol"
)

func newTestRouter(t *testing.T) *VHTTPRouter {
	t.Helper()
	r, err := NewVHTTPRouter(":0", "example.com", false, nil, nil)
	if err != nil {
		t.Fatalf("NewVHTTPRouter: %v", err)
	}
	return r
}

func TestVHTTPRouter_RegisterCollision(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t)
	s1 := &ControlSession{}
	s2 := &ControlSession{}

	if err := r.Register("a.example.com", s1); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register("a.example.com", s2); err == nil {
		t.Fatal("expected ErrHostInUse, got nil")
	}
	r.Unregister("a.example.com")
	if err := r.Register("a.example.com", s2); err != nil {
		t.Fatalf("Register after Unregister: %v", err)
	}
}

func TestVHTTPRouter_UnknownHostReturns404(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Start(ctx) }()

	conn, err := net.DialTimeout("tcp", r.ln.Addr().String(), testTimeout)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	req, _ := http.NewRequest(http.MethodGet, "http://unknown.example.com/", nil)
	if err := req.Write(conn); err != nil {
		t.Fatalf("req.Write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(testTimeout))
	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestVHTTPRouter_RelaysRequestAndResponse(t *testing.T) {
	t.Parallel()

	session, h, cancelSession := newTestSession(t, &fakeRegistrar{})
	defer cancelSession()

	r := newTestRouter(t)
	if err := r.Register("tunnel.example.com", session); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Start(ctx) }()

	conn, err := net.DialTimeout("tcp", r.ln.Addr().String(), testTimeout)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	req, _ := http.NewRequest(http.MethodGet, "http://tunnel.example.com/widgets", nil)
	go req.Write(conn)

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

	var gotRequest []byte
	deadline := time.After(testTimeout)
collect:
	for {
		select {
		case f := <-h.Outbound():
			gotRequest = append(gotRequest, f.Payload...)
			if bytes.Contains(gotRequest, []byte("\r\n\r\n")) {
				break collect
			}
		case <-deadline:
			t.Fatal("timed out waiting for relayed request bytes")
		}
	}
	if !bytes.Contains(gotRequest, []byte("GET /widgets")) {
		t.Fatalf("relayed request missing request line: %q", gotRequest)
	}

	resp := "HTTP/1.1 200 OK\r\nContent-Length: 2\r\nConnection: close\r\n\r\nok"
	if err := h.SendFrame(context.Background(), protocol.ToServerFrame{StreamID: streamID, Action: protocol.ActionSending, Payload: []byte(resp)}); err != nil {
		t.Fatalf("SendFrame(Sending): %v", err)
	}
	if err := h.SendFrame(context.Background(), protocol.ToServerFrame{StreamID: streamID, Action: protocol.ActionClose}); err != nil {
		t.Fatalf("SendFrame(Close): %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(testTimeout))
	got, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if got.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", got.StatusCode)
	}
}
