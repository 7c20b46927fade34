// Package synctest implements the single-process sync-test session
// described in spec.md §4.8: every tick is advanced once normally, then
// rolled back and re-advanced K times from the same pre-advance snapshot
// and the same confirmed inputs, asserting the resulting checksums agree.
// It reuses internal/session.Session configured with zero peers
// (session.ModeSyncTest) rather than duplicating the rollback bookkeeping.
package synctest

import (
	"fmt"

	"github.com/kstaniek/lockstep/internal/checksum"
	"github.com/kstaniek/lockstep/internal/event"
	"github.com/kstaniek/lockstep/internal/frame"
	"github.com/kstaniek/lockstep/internal/session"
	"github.com/kstaniek/lockstep/internal/socket"
)

// GameState is the opaque, deterministic simulation the harness drives,
// matching spec.md §1's "GameState, Advance, Checksum" external interface.
type GameState interface {
	Serialize() []byte
	Deserialize(b []byte)
	Advance(inputs []session.PlayerInput)
}

// nullSocket satisfies socket.Socket[string] for a Session that never has
// any peers; ModeSyncTest never calls Start, so it is never used, but
// session.New requires a concrete socket value.
type nullSocket struct{}

func (nullSocket) SendTo(string, []byte) error               { return nil }
func (nullSocket) RecvAll() ([]socket.Packet[string], error) { return nil, nil }
func (nullSocket) LocalAddr() string                         { return "" }
func (nullSocket) Close() error                              { return nil }

// Config parameterizes the harness. K is the number of extra re-advances
// per tick (spec.md §4.8 step 3, default 1).
type Config struct {
	NumPlayers          int
	BlobLen             int
	MaxPredictionFrames int
	K                   int
	Hasher              func([]byte) uint64
}

// DefaultConfig matches spec.md §4.8's stated default (K=1).
func DefaultConfig() Config {
	return Config{
		NumPlayers:          2,
		BlobLen:             1,
		MaxPredictionFrames: 8,
		K:                   1,
		Hasher:              checksum.Default,
	}
}

// Harness drives state through one sync-test session.
type Harness struct {
	cfg   Config
	sess  *session.Session[string]
	state GameState
}

// New creates a Harness wrapping state. state must already be in its
// frame-0 pre-game condition.
func New(cfg Config, state GameState) *Harness {
	if cfg.Hasher == nil {
		cfg.Hasher = checksum.Default
	}
	scfg := session.DefaultConfig()
	scfg.NumPlayers = cfg.NumPlayers
	scfg.BlobLen = cfg.BlobLen
	scfg.MaxPredictionFrames = cfg.MaxPredictionFrames
	scfg.Mode = session.ModeSyncTest
	scfg.ChecksumIntervalMs = 0

	sess := session.New[string](scfg, frame.PlayerHandle(0), nil, nullSocket{})
	return &Harness{cfg: cfg, sess: sess, state: state}
}

// SimulatedFrame returns the frame the next Tick call will advance from.
func (h *Harness) SimulatedFrame() frame.Frame { return h.sess.SimulatedFrame() }

// Tick advances the simulation by one frame given every player's input for
// that frame (spec.md §4.8 steps 1-2), then performs the extra K
// re-advances and comparison (steps 3-4), returning a fatal
// DesyncDetected event on any mismatch.
func (h *Harness) Tick(inputs map[frame.PlayerHandle][]byte) ([]event.Event, error) {
	f := h.sess.SimulatedFrame()
	for i := 0; i < h.cfg.NumPlayers; i++ {
		ph := frame.PlayerHandle(i)
		blob, ok := inputs[ph]
		if !ok {
			return nil, fmt.Errorf("synctest Tick frame %s: missing input for player %d", f, i)
		}
		if err := h.sess.ConfirmSyncTestInput(ph, f, blob); err != nil {
			return nil, fmt.Errorf("synctest Tick frame %s: %w", f, err)
		}
	}

	reqs, err := h.sess.AdvanceFrame()
	if err != nil {
		return nil, fmt.Errorf("synctest Tick frame %s: %w", f, err)
	}

	var preBytes []byte
	var advancedInputs []session.PlayerInput
	var advancedFrame frame.Frame
	ranAdvance := false

	for _, r := range reqs {
		switch r.Kind {
		case session.KindLoadGameState:
			h.state.Deserialize(r.Bytes)
		case session.KindSaveGameState:
			bytes := h.state.Serialize()
			h.sess.Snapshot(r.Frame, bytes)
			if r.Frame == f {
				preBytes = bytes
			}
		case session.KindAdvanceFrame:
			h.state.Advance(r.Inputs)
			advancedInputs = r.Inputs
			advancedFrame = r.Frame
			ranAdvance = true
		}
	}

	var events []event.Event
	if !ranAdvance {
		// Prediction threshold reached; AdvanceFrame itself already
		// recorded a WaitRecommendation event, nothing to re-simulate.
		return events, nil
	}
	if preBytes == nil {
		return nil, fmt.Errorf("synctest Tick frame %s: no pre-advance snapshot captured", f)
	}

	postBytes := h.state.Serialize()
	baseline := h.cfg.Hasher(postBytes)

	for k := 0; k < h.cfg.K; k++ {
		h.state.Deserialize(preBytes)
		h.state.Advance(advancedInputs)
		replay := h.cfg.Hasher(h.state.Serialize())
		if replay != baseline {
			events = append(events, event.DesyncDetected(frame.NoPlayer, advancedFrame.Add(1), baseline, replay))
		}
	}

	h.state.Deserialize(postBytes)
	return events, nil
}
