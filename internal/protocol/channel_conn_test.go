package protocol

import (
	"context"
	"testing"
	"time"
)

const chanTestTimeout = 2 * time.Second

func TestChannelConn_RegistrationRoundTrip(t *testing.T) {
	t.Parallel()

	conn, h := NewChannelConn()
	defer conn.Close()

	go func() {
		req := <-conn.Registrations()
		req.Reply <- RegisterReply{Port: 1234, Status: StatusOK}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), chanTestTimeout)
	defer cancel()

	reply, err := h.Register(ctx, RegisterRequest{Kind: KindTCP})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if reply.Port != 1234 {
		t.Fatalf("Port = %d, want 1234", reply.Port)
	}
}

func TestChannelConn_FrameRoundTrip(t *testing.T) {
	t.Parallel()

	conn, h := NewChannelConn()
	defer conn.Close()

	if err := h.SendFrame(context.Background(), ToServerFrame{StreamID: "s1", Action: ActionStart}); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}

	select {
	case f := <-conn.Frames():
		if f.StreamID != "s1" || f.Action != ActionStart {
			t.Fatalf("unexpected frame: %+v", f)
		}
	case <-time.After(chanTestTimeout):
		t.Fatal("timed out waiting for frame")
	}

	if err := conn.SendFrame(context.Background(), ToClientFrame{StreamID: "s1"}); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}
	select {
	case f := <-h.Outbound():
		if f.StreamID != "s1" {
			t.Fatalf("unexpected outbound frame: %+v", f)
		}
	case <-time.After(chanTestTimeout):
		t.Fatal("timed out waiting for outbound frame")
	}
}

func TestChannelConn_CloseUnblocksPending(t *testing.T) {
	t.Parallel()

	conn, h := NewChannelConn()

	errCh := make(chan error, 1)
	go func() {
		_, err := h.Register(context.Background(), RegisterRequest{Kind: KindTCP})
		errCh <- err
	}()

	// Give the goroutine a chance to block on the send.
	time.Sleep(10 * time.Millisecond)
	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-errCh:
		if err != ErrConnClosed {
			t.Fatalf("err = %v, want ErrConnClosed", err)
		}
	case <-time.After(chanTestTimeout):
		t.Fatal("timed out waiting for Register to unblock")
	}

	// Close is idempotent.
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
