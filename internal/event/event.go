// Package event defines the consumer-visible events a Session emits
// (spec.md §4.7), as a closed sum type in the same tagged-struct style as
// internal/wire's messages.
package event

import "github.com/kstaniek/lockstep/internal/frame"

// Kind discriminates the event variants.
type Kind uint8

const (
	KindConnected Kind = iota + 1
	KindSynchronizing
	KindSynchronized
	KindRunning
	KindConnectionInterrupted
	KindConnectionResumed
	KindDisconnectedFromPeer
	KindWaitRecommendation
	KindDesyncDetected
)

func (k Kind) String() string {
	switch k {
	case KindConnected:
		return "connected"
	case KindSynchronizing:
		return "synchronizing"
	case KindSynchronized:
		return "synchronized"
	case KindRunning:
		return "running"
	case KindConnectionInterrupted:
		return "connection_interrupted"
	case KindConnectionResumed:
		return "connection_resumed"
	case KindDisconnectedFromPeer:
		return "disconnected_from_peer"
	case KindWaitRecommendation:
		return "wait_recommendation"
	case KindDesyncDetected:
		return "desync_detected"
	default:
		return "unknown"
	}
}

// Event is one item in the Session's DrainEvents output.
type Event struct {
	Kind Kind

	// Peer-scoped events set Peer to the relevant player handle.
	Peer frame.PlayerHandle

	// Synchronizing progress.
	Count int
	Total int

	// ConnectionInterrupted.
	DisconnectTimeoutMs int

	// WaitRecommendation.
	SkipFrames int

	// DesyncDetected.
	Frame          frame.Frame
	LocalChecksum  uint64
	RemoteChecksum uint64
}

func Connected(peer frame.PlayerHandle) Event { return Event{Kind: KindConnected, Peer: peer} }

func Synchronizing(peer frame.PlayerHandle, count, total int) Event {
	return Event{Kind: KindSynchronizing, Peer: peer, Count: count, Total: total}
}

func Synchronized(peer frame.PlayerHandle) Event {
	return Event{Kind: KindSynchronized, Peer: peer}
}

func Running() Event { return Event{Kind: KindRunning} }

func ConnectionInterrupted(peer frame.PlayerHandle, timeoutMs int) Event {
	return Event{Kind: KindConnectionInterrupted, Peer: peer, DisconnectTimeoutMs: timeoutMs}
}

func ConnectionResumed(peer frame.PlayerHandle) Event {
	return Event{Kind: KindConnectionResumed, Peer: peer}
}

func DisconnectedFromPeer(peer frame.PlayerHandle) Event {
	return Event{Kind: KindDisconnectedFromPeer, Peer: peer}
}

func WaitRecommendation(skipFrames int) Event {
	return Event{Kind: KindWaitRecommendation, SkipFrames: skipFrames}
}

func DesyncDetected(peer frame.PlayerHandle, f frame.Frame, local, remote uint64) Event {
	return Event{Kind: KindDesyncDetected, Peer: peer, Frame: f, LocalChecksum: local, RemoteChecksum: remote}
}
