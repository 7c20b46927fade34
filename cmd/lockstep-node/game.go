package main

import (
	"encoding/binary"
	"fmt"
)

// fighterPlayer is one player's state in a minimal deterministic two-axis
// "fighter" simulation used to exercise the rollback engine end to end: each player has a
// position and a velocity, input bits steer the velocity, and Advance is
// pure integer arithmetic so every node computes byte-identical state
// from the same input stream, the determinism requirement spec.md's
// rollback model depends on.
type fighterPlayer struct {
	X, VX int32
	Y, VY int32
	HP    int32
}

const (
	bitLeft  = 1 << 0
	bitRight = 1 << 1
	bitUp    = 1 << 2
	bitDown  = 1 << 3
	bitPunch = 1 << 4
)

// gameState holds every player's fighterPlayer, indexed by player handle.
type gameState struct {
	players []fighterPlayer
}

func newGameState(numPlayers int) *gameState {
	gs := &gameState{players: make([]fighterPlayer, numPlayers)}
	for i := range gs.players {
		gs.players[i] = fighterPlayer{X: int32(i * 100), HP: 100}
	}
	return gs
}

// Advance applies one tick of input for every player. inputs maps player
// index to a single-byte bitmask (bitLeft, bitRight, ...); a missing or
// short blob is treated as "no input", matching the all-zero delta
// reference used elsewhere in the runtime.
func (gs *gameState) Advance(inputs [][]byte) {
	for i := range gs.players {
		p := &gs.players[i]
		var btn byte
		if i < len(inputs) && len(inputs[i]) > 0 {
			btn = inputs[i][0]
		}
		p.VX = 0
		if btn&bitLeft != 0 {
			p.VX = -2
		}
		if btn&bitRight != 0 {
			p.VX = 2
		}
		p.VY = 0
		if btn&bitUp != 0 {
			p.VY = -2
		}
		if btn&bitDown != 0 {
			p.VY = 2
		}
		p.X += p.VX
		p.Y += p.VY
		if btn&bitPunch != 0 {
			gs.applyPunch(i)
		}
	}
}

// applyPunch damages the first other player (in handle order) within reach, a cheap
// stand-in for a real hit-detection pass.
func (gs *gameState) applyPunch(attacker int) {
	const reach = 15
	a := gs.players[attacker]
	for j := range gs.players {
		if j == attacker {
			continue
		}
		d := a.X - gs.players[j].X
		if d < 0 {
			d = -d
		}
		if d <= reach && gs.players[j].HP > 0 {
			gs.players[j].HP -= 5
			if gs.players[j].HP < 0 {
				gs.players[j].HP = 0
			}
			break
		}
	}
}

// Serialize produces a fixed-layout byte encoding for Session.Snapshot.
func (gs *gameState) Serialize() []byte {
	buf := make([]byte, len(gs.players)*20)
	for i, p := range gs.players {
		off := i * 20
		binary.LittleEndian.PutUint32(buf[off:], uint32(p.X))
		binary.LittleEndian.PutUint32(buf[off+4:], uint32(p.VX))
		binary.LittleEndian.PutUint32(buf[off+8:], uint32(p.Y))
		binary.LittleEndian.PutUint32(buf[off+12:], uint32(p.VY))
		binary.LittleEndian.PutUint32(buf[off+16:], uint32(p.HP))
	}
	return buf
}

// Deserialize restores state from bytes produced by Serialize, fulfilling
// a LoadGameStateReq.
func (gs *gameState) Deserialize(buf []byte) error {
	if len(buf) != len(gs.players)*20 {
		return fmt.Errorf("game deserialize: want %d bytes, got %d", len(gs.players)*20, len(buf))
	}
	for i := range gs.players {
		off := i * 20
		gs.players[i] = fighterPlayer{
			X:  int32(binary.LittleEndian.Uint32(buf[off:])),
			VX: int32(binary.LittleEndian.Uint32(buf[off+4:])),
			Y:  int32(binary.LittleEndian.Uint32(buf[off+8:])),
			VY: int32(binary.LittleEndian.Uint32(buf[off+12:])),
			HP: int32(binary.LittleEndian.Uint32(buf[off+16:])),
		}
	}
	return nil
}
