package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/kstaniek/lockstep/internal/frame"
	"github.com/kstaniek/lockstep/internal/sessionerr"
)

// maxBytesField bounds a single length-prefixed byte field, guarding
// against a corrupt or hostile length value driving an oversized
// allocation (the same defensive cap the pack's message codecs apply).
const maxBytesField = 1 << 20 // 1 MiB

// Codec encodes/decodes wire messages for one session. Every message is
// prefixed with a 2-byte magic identifying the session; mismatches are
// reported as ErrInvalidMagic so the caller can silently drop the packet
// per spec.md §4.6.
type Codec struct {
	Magic uint16
}

// Encode serializes msg with the codec's magic and kind tag.
func (c Codec) Encode(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, c.Magic); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, uint8(msg.Kind())); err != nil {
		return nil, err
	}
	if err := encodeBody(&buf, msg); err != nil {
		return nil, fmt.Errorf("wire encode %s: %w", msg.Kind(), err)
	}
	return buf.Bytes(), nil
}

// Decode parses a wire message. A magic mismatch returns ErrInvalidMagic;
// a truncated or malformed body returns ErrBodyTypeMismatch.
func (c Codec) Decode(buf []byte) (Message, error) {
	r := bytes.NewReader(buf)
	var magic uint16
	if err := binary.Read(r, binary.BigEndian, &magic); err != nil {
		return nil, fmt.Errorf("wire decode magic: %w", sessionerr.ErrBodyTypeMismatch)
	}
	if magic != c.Magic {
		return nil, fmt.Errorf("wire decode: got magic %#x, want %#x: %w", magic, c.Magic, sessionerr.ErrInvalidMagic)
	}
	var kind uint8
	if err := binary.Read(r, binary.BigEndian, &kind); err != nil {
		return nil, fmt.Errorf("wire decode kind: %w", sessionerr.ErrBodyTypeMismatch)
	}
	msg, err := decodeBody(Kind(kind), r)
	if err != nil {
		if errors.Is(err, sessionerr.ErrBodyTypeMismatch) {
			return nil, fmt.Errorf("wire decode %s: %w", Kind(kind), err)
		}
		return nil, fmt.Errorf("wire decode %s: %w: %v", Kind(kind), sessionerr.ErrBodyTypeMismatch, err)
	}
	return msg, nil
}

func writeFrame(w io.Writer, f frame.Frame) error {
	return binary.Write(w, binary.BigEndian, int64(f))
}

func readFrame(r io.Reader) (frame.Frame, error) {
	var v int64
	if err := binary.Read(r, binary.BigEndian, &v); err != nil {
		return 0, err
	}
	return frame.Frame(v), nil
}

func writeBytesField(w io.Writer, b []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBytesField(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	if n > maxBytesField {
		return nil, fmt.Errorf("field length %d exceeds cap %d", n, maxBytesField)
	}
	out := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func encodeBody(w io.Writer, msg Message) error {
	switch m := msg.(type) {
	case SyncRequest:
		return binary.Write(w, binary.BigEndian, m.RandomRequest)
	case SyncReply:
		return binary.Write(w, binary.BigEndian, m.RandomReply)
	case Input:
		if err := writeFrame(w, m.StartFrame); err != nil {
			return err
		}
		if err := writeFrame(w, m.AckFrame); err != nil {
			return err
		}
		if err := binary.Write(w, binary.BigEndian, m.DisconnectRequested); err != nil {
			return err
		}
		if err := binary.Write(w, binary.BigEndian, uint16(len(m.PeerConnectStatus))); err != nil {
			return err
		}
		for _, cs := range m.PeerConnectStatus {
			if err := binary.Write(w, binary.BigEndian, int32(cs.Player)); err != nil {
				return err
			}
			if err := binary.Write(w, binary.BigEndian, cs.Disconnected); err != nil {
				return err
			}
			if err := writeFrame(w, cs.LastFrame); err != nil {
				return err
			}
		}
		return writeBytesField(w, m.Bytes)
	case InputAck:
		return writeFrame(w, m.AckFrame)
	case QualityReport:
		if err := binary.Write(w, binary.BigEndian, m.FrameAdvantage); err != nil {
			return err
		}
		return binary.Write(w, binary.BigEndian, m.Ping)
	case QualityReply:
		return binary.Write(w, binary.BigEndian, m.Pong)
	case ChecksumReport:
		if err := writeFrame(w, m.Frame); err != nil {
			return err
		}
		return binary.Write(w, binary.BigEndian, m.Checksum)
	case KeepAlive:
		return nil
	default:
		return fmt.Errorf("%w: unknown message type %T", sessionerr.ErrBodyTypeMismatch, msg)
	}
}

func decodeBody(kind Kind, r io.Reader) (Message, error) {
	switch kind {
	case KindSyncRequest:
		var m SyncRequest
		if err := binary.Read(r, binary.BigEndian, &m.RandomRequest); err != nil {
			return nil, err
		}
		return m, nil
	case KindSyncReply:
		var m SyncReply
		if err := binary.Read(r, binary.BigEndian, &m.RandomReply); err != nil {
			return nil, err
		}
		return m, nil
	case KindInput:
		var m Input
		var err error
		if m.StartFrame, err = readFrame(r); err != nil {
			return nil, err
		}
		if m.AckFrame, err = readFrame(r); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.BigEndian, &m.DisconnectRequested); err != nil {
			return nil, err
		}
		var n uint16
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return nil, err
		}
		m.PeerConnectStatus = make([]ConnectionStatus, n)
		for i := range m.PeerConnectStatus {
			var player int32
			if err := binary.Read(r, binary.BigEndian, &player); err != nil {
				return nil, err
			}
			var disc bool
			if err := binary.Read(r, binary.BigEndian, &disc); err != nil {
				return nil, err
			}
			lastFrame, err := readFrame(r)
			if err != nil {
				return nil, err
			}
			m.PeerConnectStatus[i] = ConnectionStatus{
				Player:       frame.PlayerHandle(player),
				Disconnected: disc,
				LastFrame:    lastFrame,
			}
		}
		if m.Bytes, err = readBytesField(r); err != nil {
			return nil, err
		}
		return m, nil
	case KindInputAck:
		f, err := readFrame(r)
		if err != nil {
			return nil, err
		}
		return InputAck{AckFrame: f}, nil
	case KindQualityReport:
		var m QualityReport
		if err := binary.Read(r, binary.BigEndian, &m.FrameAdvantage); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.BigEndian, &m.Ping); err != nil {
			return nil, err
		}
		return m, nil
	case KindQualityReply:
		var m QualityReply
		if err := binary.Read(r, binary.BigEndian, &m.Pong); err != nil {
			return nil, err
		}
		return m, nil
	case KindChecksumReport:
		f, err := readFrame(r)
		if err != nil {
			return nil, err
		}
		var sum uint64
		if err := binary.Read(r, binary.BigEndian, &sum); err != nil {
			return nil, err
		}
		return ChecksumReport{Frame: f, Checksum: sum}, nil
	case KindKeepAlive:
		return KeepAlive{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %d", sessionerr.ErrBodyTypeMismatch, kind)
	}
}
