package session

import "github.com/kstaniek/lockstep/internal/frame"

// RequestKind discriminates the rollback request stream a Session emits
// from AdvanceFrame (spec.md §9's "rollback requests as an output stream"
// design note): the engine never calls into the simulation directly.
type RequestKind uint8

const (
	KindLoadGameState RequestKind = iota + 1
	KindSaveGameState
	KindAdvanceFrame
)

func (k RequestKind) String() string {
	switch k {
	case KindLoadGameState:
		return "load_game_state"
	case KindSaveGameState:
		return "save_game_state"
	case KindAdvanceFrame:
		return "advance_frame"
	default:
		return "unknown"
	}
}

// PlayerInput pairs a player handle with the blob the caller's simulation
// should use as that player's input for the frame being advanced.
type PlayerInput struct {
	Player frame.PlayerHandle
	Blob   []byte
}

// RollbackRequest is one instruction in the stream a caller must execute,
// in order, against its own simulation state.
type RollbackRequest struct {
	Kind RequestKind

	// LoadGameState / SaveGameState / AdvanceFrame.
	Frame frame.Frame

	// LoadGameState: the session already owns this frame's snapshot, so
	// the request carries the bytes to deserialize directly. SaveGameState
	// carries none — the caller must serialize its own current state and
	// hand the bytes back via Session.Snapshot.
	Bytes []byte

	// AdvanceFrame.
	Inputs []PlayerInput
}

func loadReq(f frame.Frame, bytes []byte) RollbackRequest {
	return RollbackRequest{Kind: KindLoadGameState, Frame: f, Bytes: bytes}
}

func saveReq(f frame.Frame) RollbackRequest {
	return RollbackRequest{Kind: KindSaveGameState, Frame: f}
}

func advanceReq(f frame.Frame, inputs []PlayerInput) RollbackRequest {
	return RollbackRequest{Kind: KindAdvanceFrame, Frame: f, Inputs: inputs}
}
