// Package snapshot implements the frame-indexed save window described in
// spec.md §4.5: a thin wrapper over ringbuf sized to
// MAX_PREDICTION_FRAMES+2, storing opaque simulation bytes plus a
// checksum.
package snapshot

import (
	"fmt"

	"github.com/kstaniek/lockstep/internal/frame"
	"github.com/kstaniek/lockstep/internal/ringbuf"
	"github.com/kstaniek/lockstep/internal/sessionerr"
)

// Hasher computes a deterministic 64-bit checksum of serialized state
// bytes. Swappable so a user can substitute FNV-1a or any other
// deterministic hash (spec.md §9, open question c) — the default, wired
// in internal/session and internal/synctest, is xxhash64.
type Hasher func([]byte) uint64

// Entry is a single saved frame: its opaque bytes and checksum.
type Entry struct {
	Frame    frame.Frame
	Bytes    []byte
	Checksum uint64
}

// Store is the snapshot ring buffer, capacity = maxPredictionFrames+2.
type Store struct {
	buf    *ringbuf.Buffer[Entry]
	hasher Hasher
}

// New creates a Store sized for maxPredictionFrames of speculative lead.
func New(maxPredictionFrames int, hasher Hasher) *Store {
	capacity := maxPredictionFrames + 2
	return &Store{buf: ringbuf.New[Entry](capacity), hasher: hasher}
}

// Save stores bytes for frame f, computing its checksum via the
// configured Hasher.
func (s *Store) Save(f frame.Frame, bytes []byte) Entry {
	cp := make([]byte, len(bytes))
	copy(cp, bytes)
	e := Entry{Frame: f, Bytes: cp, Checksum: s.hasher(cp)}
	s.buf.Save(f, e)
	return e
}

// Load returns the bytes and checksum saved for frame f, or
// ErrMissingSnapshot if frame f was never saved or has aged out of the
// window.
func (s *Store) Load(f frame.Frame) (Entry, error) {
	e, err := s.buf.Load(f)
	if err != nil {
		return Entry{}, fmt.Errorf("snapshot load frame %s: %w", f, sessionerr.ErrMissingSnapshot)
	}
	return e, nil
}

// Discard frees the slot for frame f if it still holds that frame.
func (s *Store) Discard(f frame.Frame) { s.buf.Discard(f) }

// Size returns the number of live snapshots in the window.
func (s *Store) Size() int { return s.buf.Size() }
