// Package wire defines the peer endpoint's on-the-wire message set
// (spec.md §4.6) as a closed sum type: a Kind discriminant plus one
// concrete struct per message kind. Per spec.md §9's design note, callers
// must switch on Kind before touching payload fields — there is no
// untagged raw-payload accessor.
package wire

import "github.com/kstaniek/lockstep/internal/frame"

// Kind discriminates the wire message variants.
type Kind uint8

const (
	KindSyncRequest Kind = iota + 1
	KindSyncReply
	KindInput
	KindInputAck
	KindQualityReport
	KindQualityReply
	KindChecksumReport
	KindKeepAlive
)

func (k Kind) String() string {
	switch k {
	case KindSyncRequest:
		return "sync_request"
	case KindSyncReply:
		return "sync_reply"
	case KindInput:
		return "input"
	case KindInputAck:
		return "input_ack"
	case KindQualityReport:
		return "quality_report"
	case KindQualityReply:
		return "quality_reply"
	case KindChecksumReport:
		return "checksum_report"
	case KindKeepAlive:
		return "keep_alive"
	default:
		return "unknown"
	}
}

// Message is implemented by every concrete message struct below.
type Message interface {
	Kind() Kind
}

// SyncRequest starts or continues the handshake with a fresh nonce.
type SyncRequest struct {
	RandomRequest uint32
}

func (SyncRequest) Kind() Kind { return KindSyncRequest }

// SyncReply echoes the originator's nonce.
type SyncReply struct {
	RandomReply uint32
}

func (SyncReply) Kind() Kind { return KindSyncReply }

// ConnectionStatus mirrors one other peer's progress, broadcast inside
// every Input message so all participants keep a consistent view of
// who's disconnected and how far along they are (spec.md §3).
type ConnectionStatus struct {
	Player       frame.PlayerHandle
	Disconnected bool
	LastFrame    frame.Frame
}

// Input carries the delta-encoded run of local inputs the sender has not
// yet had acknowledged, plus its view of every other peer's connection
// status.
type Input struct {
	PeerConnectStatus   []ConnectionStatus
	DisconnectRequested bool
	StartFrame          frame.Frame
	AckFrame            frame.Frame
	Bytes               []byte
}

func (Input) Kind() Kind { return KindInput }

// InputAck acknowledges receipt up to and including AckFrame.
type InputAck struct {
	AckFrame frame.Frame
}

func (InputAck) Kind() Kind { return KindInputAck }

// QualityReport carries the sender's view of its frame advantage and a
// round-trip ping token.
type QualityReport struct {
	FrameAdvantage int16
	Ping           uint64
}

func (QualityReport) Kind() Kind { return KindQualityReport }

// QualityReply echoes a QualityReport's ping token back as pong.
type QualityReply struct {
	Pong uint64
}

func (QualityReply) Kind() Kind { return KindQualityReply }

// ChecksumReport advertises the sender's checksum for a simulated frame,
// for optional desync detection.
type ChecksumReport struct {
	Frame    frame.Frame
	Checksum uint64
}

func (ChecksumReport) Kind() Kind { return KindChecksumReport }

// KeepAlive carries no payload; it exists only to keep the connection
// from looking idle.
type KeepAlive struct{}

func (KeepAlive) Kind() Kind { return KindKeepAlive }
