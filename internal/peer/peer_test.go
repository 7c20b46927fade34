package peer

import (
	"testing"
	"time"

	"github.com/kstaniek/lockstep/internal/event"
	"github.com/kstaniek/lockstep/internal/frame"
	"github.com/kstaniek/lockstep/internal/inputqueue"
	"github.com/kstaniek/lockstep/internal/socket"
	"github.com/kstaniek/lockstep/internal/wire"
)

// memSocket is a trivial in-memory Socket[string] for exercising one
// Endpoint's wire traffic without any real network I/O.
type memSocket struct {
	local string
	outTo map[string][][]byte
}

func newMemSocket(local string) *memSocket {
	return &memSocket{local: local, outTo: make(map[string][][]byte)}
}

func (m *memSocket) SendTo(dst string, data []byte) error {
	cp := append([]byte(nil), data...)
	m.outTo[dst] = append(m.outTo[dst], cp)
	return nil
}

func (m *memSocket) RecvAll() ([]socket.Packet[string], error) { return nil, nil }

func (m *memSocket) LocalAddr() string { return m.local }

func (m *memSocket) Close() error { return nil }

func TestHandshakeCompletesAfterNRoundtrips(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumSyncRoundtrips = 3
	e := New[string](frame.PlayerHandle(1), "peer:1", cfg)
	sock := newMemSocket("local:1")
	codec := wire.Codec{Magic: 7}
	now := time.Unix(0, 0)

	e.Start(now, sock, codec)
	if e.State() != Syncing {
		t.Fatalf("expected Syncing after Start, got %v", e.State())
	}

	var gotSynchronized bool
	for i := 0; i < cfg.NumSyncRoundtrips; i++ {
		sent := sock.outTo["peer:1"]
		last := sent[len(sent)-1]
		msg, err := codec.Decode(last)
		if err != nil {
			t.Fatalf("decode outbound: %v", err)
		}
		req, ok := msg.(wire.SyncRequest)
		if !ok {
			t.Fatalf("expected SyncRequest, got %T", msg)
		}
		reply := wire.SyncReply{RandomReply: req.RandomRequest}
		evs := e.HandleMessage(now, sock, codec, reply, frame.FirstFrame)
		for _, ev := range evs {
			if ev.Kind == event.KindSynchronized {
				gotSynchronized = true
			}
		}
	}
	if !gotSynchronized {
		t.Fatalf("expected a Synchronized event after %d roundtrips", cfg.NumSyncRoundtrips)
	}
	if e.State() != Running {
		t.Fatalf("expected Running after handshake completes, got %v", e.State())
	}
}

func TestDisconnectTimeoutFires(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumSyncRoundtrips = 1
	cfg.DisconnectTimeoutMs = 100
	cfg.DisconnectNotifyStartMs = 50
	e := New[string](frame.PlayerHandle(1), "peer:1", cfg)
	sock := newMemSocket("local:1")
	codec := wire.Codec{Magic: 7}
	now := time.Unix(0, 0)
	e.Start(now, sock, codec)
	e.HandleMessage(now, sock, codec, wire.SyncReply{RandomReply: lastSentNonce(t, sock, codec)}, frame.FirstFrame)
	if e.State() != Running {
		t.Fatalf("expected Running, got %v", e.State())
	}

	localQ := e.Queue // any queue works for this test; it holds no frames, so the Input Poll sends is empty
	interrupted := e.Poll(now.Add(60*time.Millisecond), sock, codec, localQ, frame.FirstFrame, nil)
	if len(interrupted) == 0 || interrupted[0].Kind != event.KindConnectionInterrupted {
		t.Fatalf("expected ConnectionInterrupted, got %+v", interrupted)
	}

	gone := e.Poll(now.Add(150*time.Millisecond), sock, codec, localQ, frame.FirstFrame, nil)
	if len(gone) == 0 || gone[0].Kind != event.KindDisconnectedFromPeer {
		t.Fatalf("expected DisconnectedFromPeer, got %+v", gone)
	}
	if e.State() != Disconnected {
		t.Fatalf("expected Disconnected, got %v", e.State())
	}
}

func lastSentNonce(t *testing.T, sock *memSocket, codec wire.Codec) uint32 {
	t.Helper()
	sent := sock.outTo["peer:1"]
	msg, err := codec.Decode(sent[len(sent)-1])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	req, ok := msg.(wire.SyncRequest)
	if !ok {
		t.Fatalf("expected SyncRequest, got %T", msg)
	}
	return req.RandomRequest
}

func TestInputRoundTripConfirmsFrames(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BlobLen = 2
	cfg.NumSyncRoundtrips = 1
	a := New[string](frame.PlayerHandle(0), "b", cfg)
	b := New[string](frame.PlayerHandle(1), "a", cfg)
	sockA := newMemSocket("a")
	sockB := newMemSocket("b")
	codec := wire.Codec{Magic: 1}
	now := time.Unix(0, 0)

	a.Start(now, sockA, codec)
	b.Start(now, sockB, codec)
	// Pump every queued datagram between the two in-memory sockets until
	// both sides stop producing new traffic (the handshake is symmetric:
	// each side must independently receive enough SyncReplies).
	for round := 0; round < 4; round++ {
		for _, raw := range drain(sockA, "b") {
			msg, err := codec.Decode(raw)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			b.HandleMessage(now, sockB, codec, msg, frame.FirstFrame)
		}
		for _, raw := range drain(sockB, "a") {
			msg, err := codec.Decode(raw)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			a.HandleMessage(now, sockA, codec, msg, frame.FirstFrame)
		}
	}
	if a.State() != Running || b.State() != Running {
		t.Fatalf("expected both Running, got a=%v b=%v", a.State(), b.State())
	}

	localQueue := a.Queue // stand-in for node A's own local-player queue
	for i := 0; i < 3; i++ {
		if err := localQueue.AddInput(frame.Frame(i), []byte{byte(i), byte(i + 1)}, inputqueue.Confirmed); err != nil {
			t.Fatalf("AddInput: %v", err)
		}
	}
	a.sendInput(now, sockA, codec, localQueue, nil)
	msg := decodeLast(t, sockA, "b", codec)
	evs := b.HandleMessage(now, sockB, codec, msg, frame.FirstFrame)
	_ = evs
	if b.Queue.LastConfirmedFrame() != frame.Frame(2) {
		t.Fatalf("expected peer B's queue confirmed through frame 2, got %v", b.Queue.LastConfirmedFrame())
	}
}

// drain pops and clears every datagram queued for dst on sock.
func drain(sock *memSocket, dst string) [][]byte {
	out := sock.outTo[dst]
	sock.outTo[dst] = nil
	return out
}

func decodeLast(t *testing.T, sock *memSocket, to string, codec wire.Codec) wire.Message {
	t.Helper()
	sent := sock.outTo[to]
	if len(sent) == 0 {
		t.Fatalf("no messages sent to %s", to)
	}
	msg, err := codec.Decode(sent[len(sent)-1])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return msg
}
