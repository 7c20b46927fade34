package inputdevice

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"
)

// fakePort is an in-memory Port: Write appends to an outbound log, Read
// drains a preloaded inbound buffer, then sleeps briefly and returns
// (0, nil) while it is empty; after Close, Read returns io.EOF,
// terminating the poll loop.
type fakePort struct {
	mu       sync.Mutex
	inbound  *bytes.Buffer
	outbound bytes.Buffer
	closed   bool
}

func newFakePort(inbound []byte) *fakePort {
	return &fakePort{inbound: bytes.NewBuffer(inbound)}
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.EOF
	}
	if p.inbound.Len() == 0 {
		time.Sleep(2 * time.Millisecond)
		return 0, nil
	}
	return p.inbound.Read(b)
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outbound.Write(b)
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func TestCodecEncodeDecodeRoundTrip(t *testing.T) {
	c := Codec{BlobLen: 3}
	enc := c.Encode([]byte{1, 2, 3})
	var buf bytes.Buffer
	buf.Write(enc)
	var got []byte
	c.DecodeStream(&buf, func(blob []byte) { got = blob })
	if !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Fatalf("decoded %v, want [1 2 3]", got)
	}
}

func TestDecodeStreamResyncsPastGarbage(t *testing.T) {
	c := Codec{BlobLen: 2}
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF}) // garbage before a valid frame
	buf.Write(c.Encode([]byte{9, 9}))
	var got []byte
	c.DecodeStream(&buf, func(blob []byte) { got = blob })
	if !bytes.Equal(got, []byte{9, 9}) {
		t.Fatalf("decoded %v, want [9 9]", got)
	}
}

func TestDevicePollSeesLatestBlob(t *testing.T) {
	c := Codec{BlobLen: 2}
	port := newFakePort(c.Encode([]byte{5, 6}))
	d := NewDevice(port, 2)
	defer d.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if blob, ok := d.Poll(); ok {
			if !bytes.Equal(blob, []byte{5, 6}) {
				t.Fatalf("Poll = %v, want [5 6]", blob)
			}
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for a decoded blob")
}

func TestSendRumbleWritesFramedCommand(t *testing.T) {
	port := newFakePort(nil)
	d := NewDevice(port, 2)
	defer d.Close()

	if err := d.SendRumble([]byte{1, 1}); err != nil {
		t.Fatalf("SendRumble: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	want := Codec{BlobLen: 2}.Encode([]byte{1, 1})
	for time.Now().Before(deadline) {
		port.mu.Lock()
		got := port.outbound.Bytes()
		port.mu.Unlock()
		if bytes.Equal(got, want) {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("rumble command was not written to the port")
}
