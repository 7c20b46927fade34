package udpsocket

import (
	"bytes"
	"testing"
	"time"
)

func TestSendRecvRoundTrip(t *testing.T) {
	a, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen a: %v", err)
	}
	defer a.Close()
	b, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen b: %v", err)
	}
	defer b.Close()

	if err := a.SendTo(b.LocalAddr(), []byte("hello")); err != nil {
		t.Fatalf("SendTo: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		pkts, err := b.RecvAll()
		if err != nil {
			t.Fatalf("RecvAll: %v", err)
		}
		if len(pkts) == 0 {
			time.Sleep(time.Millisecond)
			continue
		}
		if !bytes.Equal(pkts[0].Data, []byte("hello")) {
			t.Fatalf("got %q, want %q", pkts[0].Data, "hello")
		}
		if pkts[0].From != a.LocalAddr() {
			t.Fatalf("From = %q, want %q", pkts[0].From, a.LocalAddr())
		}
		return
	}
	t.Fatalf("timed out waiting for datagram")
}

func TestRecvAllEmptyWhenIdle(t *testing.T) {
	a, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer a.Close()
	pkts, err := a.RecvAll()
	if err != nil || len(pkts) != 0 {
		t.Fatalf("RecvAll = %v, %v; want empty", pkts, err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	a, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
