package wire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/kstaniek/lockstep/internal/frame"
	"github.com/kstaniek/lockstep/internal/sessionerr"
)

func roundTrip(t *testing.T, c Codec, msg Message) Message {
	t.Helper()
	buf, err := c.Encode(msg)
	if err != nil {
		t.Fatalf("Encode(%T): %v", msg, err)
	}
	got, err := c.Decode(buf)
	if err != nil {
		t.Fatalf("Decode(%T): %v", msg, err)
	}
	return got
}

func TestRoundTripAllKinds(t *testing.T) {
	c := Codec{Magic: 0xC0DE}
	cases := []Message{
		SyncRequest{RandomRequest: 42},
		SyncReply{RandomReply: 42},
		Input{
			StartFrame: frame.Frame(10),
			AckFrame:   frame.Frame(9),
			PeerConnectStatus: []ConnectionStatus{
				{Player: 1, Disconnected: false, LastFrame: frame.Frame(8)},
			},
			Bytes: []byte{1, 2, 3, 4},
		},
		InputAck{AckFrame: frame.Frame(5)},
		QualityReport{FrameAdvantage: -3, Ping: 1234},
		QualityReply{Pong: 1234},
		ChecksumReport{Frame: frame.Frame(100), Checksum: 0xdeadbeef},
		KeepAlive{},
	}
	for _, msg := range cases {
		got := roundTrip(t, c, msg)
		if got.Kind() != msg.Kind() {
			t.Fatalf("kind mismatch: got %v want %v", got.Kind(), msg.Kind())
		}
	}
}

func TestInputRoundTripExact(t *testing.T) {
	c := Codec{Magic: 1}
	in := Input{
		StartFrame:          frame.Frame(20),
		AckFrame:            frame.Frame(19),
		DisconnectRequested: true,
		PeerConnectStatus: []ConnectionStatus{
			{Player: 0, Disconnected: true, LastFrame: frame.Frame(15)},
			{Player: 2, Disconnected: false, LastFrame: frame.Frame(19)},
		},
		Bytes: []byte{9, 9, 9},
	}
	got := roundTrip(t, c, in).(Input)
	if got.StartFrame != in.StartFrame || got.AckFrame != in.AckFrame {
		t.Fatalf("frame fields mismatch: %+v", got)
	}
	if got.DisconnectRequested != in.DisconnectRequested {
		t.Fatalf("DisconnectRequested mismatch")
	}
	if !bytes.Equal(got.Bytes, in.Bytes) {
		t.Fatalf("Bytes mismatch: %v vs %v", got.Bytes, in.Bytes)
	}
	if len(got.PeerConnectStatus) != len(in.PeerConnectStatus) {
		t.Fatalf("PeerConnectStatus length mismatch")
	}
	for i := range in.PeerConnectStatus {
		if got.PeerConnectStatus[i] != in.PeerConnectStatus[i] {
			t.Fatalf("PeerConnectStatus[%d] = %+v, want %+v", i, got.PeerConnectStatus[i], in.PeerConnectStatus[i])
		}
	}
}

func TestInvalidMagicDropped(t *testing.T) {
	enc := Codec{Magic: 1}
	dec := Codec{Magic: 2}
	buf, _ := enc.Encode(KeepAlive{})
	if _, err := dec.Decode(buf); !errors.Is(err, sessionerr.ErrInvalidMagic) {
		t.Fatalf("expected ErrInvalidMagic, got %v", err)
	}
}
