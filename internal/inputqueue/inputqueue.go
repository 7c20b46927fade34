// Package inputqueue implements the per-peer ordered input log described in
// spec.md §4.4: contiguous frame storage, "repeat last input" prediction,
// confirmation with misprediction detection, and disconnect clamping.
package inputqueue

import (
	"bytes"
	"fmt"

	"github.com/kstaniek/lockstep/internal/frame"
	"github.com/kstaniek/lockstep/internal/ringbuf"
	"github.com/kstaniek/lockstep/internal/sessionerr"
)

// Status tags an InputEntry's provenance.
type Status uint8

const (
	Predicted Status = iota
	Confirmed
	Disconnected
)

func (s Status) String() string {
	switch s {
	case Predicted:
		return "predicted"
	case Confirmed:
		return "confirmed"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Entry is one frame's input: the blob and how it was obtained.
type Entry struct {
	Frame  frame.Frame
	Blob   []byte
	Status Status
}

// Queue is the per-peer input log for frames [Tail, Head).
type Queue struct {
	blobLen  int
	capacity int
	buf      *ringbuf.Buffer[Entry]

	head            frame.Frame
	tail            frame.Frame
	lastConfirmed   frame.Frame
	firstIncorrect  frame.Frame
	disconnectFrame frame.Frame
	lastKnownBlob   []byte
}

// New creates an empty Queue for blobs of blobLen bytes and the given
// capacity (spec.md §6 inputQueueCapacity, default 128).
func New(blobLen, capacity int) *Queue {
	if blobLen <= 0 {
		panic("inputqueue: blobLen must be positive")
	}
	if capacity <= 0 {
		panic("inputqueue: capacity must be positive")
	}
	return &Queue{
		blobLen:         blobLen,
		capacity:        capacity,
		buf:             ringbuf.New[Entry](capacity),
		head:            frame.FirstFrame,
		tail:            frame.FirstFrame,
		lastConfirmed:   frame.NullFrame,
		firstIncorrect:  frame.NullFrame,
		disconnectFrame: frame.NullFrame,
		lastKnownBlob:   make([]byte, blobLen),
	}
}

// Head returns one past the last stored frame.
func (q *Queue) Head() frame.Frame { return q.head }

// Tail returns the oldest live frame.
func (q *Queue) Tail() frame.Frame { return q.tail }

// LastConfirmedFrame returns the latest contiguously confirmed frame, or
// NullFrame if none yet.
func (q *Queue) LastConfirmedFrame() frame.Frame { return q.lastConfirmed }

// FirstIncorrectFrame returns the earliest frame whose prediction was
// proven wrong since the last clear, or NullFrame if none.
func (q *Queue) FirstIncorrectFrame() frame.Frame { return q.firstIncorrect }

// ClearIncorrectFrame resets the misprediction flag; called by the session
// once it has issued the corresponding rollback.
func (q *Queue) ClearIncorrectFrame() { q.firstIncorrect = frame.NullFrame }

func cloneBlob(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// AddInput appends blob at Head with the given status. frame must equal
// Head exactly: an older frame is ErrOutOfOrder, a newer one is
// ErrFrameSkipped (the caller must fill gaps contiguously).
func (q *Queue) AddInput(f frame.Frame, blob []byte, status Status) error {
	if len(blob) != q.blobLen {
		panic(fmt.Sprintf("inputqueue: blob length %d, want %d", len(blob), q.blobLen))
	}
	if f.Before(q.head) {
		return fmt.Errorf("inputqueue AddInput frame %s before head %s: %w", f, q.head, sessionerr.ErrOutOfOrder)
	}
	if f.After(q.head) {
		return fmt.Errorf("inputqueue AddInput frame %s after head %s: %w", f, q.head, sessionerr.ErrFrameSkipped)
	}
	if q.head.Sub(q.tail) >= q.capacity {
		return fmt.Errorf("inputqueue AddInput frame %s: %w", f, sessionerr.ErrQueueFull)
	}
	q.buf.Save(f, Entry{Frame: f, Blob: cloneBlob(blob), Status: status})
	q.head = q.head.Add(1)
	q.lastKnownBlob = cloneBlob(blob)
	if status == Confirmed {
		q.advanceLastConfirmed()
	}
	return nil
}

// predictionEntry builds the entry GetInput/extend should store for frame f
// when no real input has arrived yet.
func (q *Queue) predictionEntry(f frame.Frame) Entry {
	if !q.disconnectFrame.IsNull() && !f.Before(q.disconnectFrame) {
		return Entry{Frame: f, Blob: make([]byte, q.blobLen), Status: Disconnected}
	}
	return Entry{Frame: f, Blob: cloneBlob(q.lastKnownBlob), Status: Predicted}
}

// extendTo grows the queue up to and including frame f with predictions,
// without mutating lastKnownBlob (repeat-last-input policy).
func (q *Queue) extendTo(f frame.Frame) error {
	for q.head.Sub(q.tail) < q.capacity && !q.head.After(f) {
		entry := q.predictionEntry(q.head)
		q.buf.Save(q.head, entry)
		q.head = q.head.Add(1)
	}
	if q.head.Sub(f) <= 0 {
		return fmt.Errorf("inputqueue extend to frame %s: %w", f, sessionerr.ErrQueueFull)
	}
	return nil
}

// GetInput returns the entry at frame f, extending the queue with a
// prediction if f >= Head. Fails with ErrQueueFull if extending would
// exceed capacity, or ErrStaleFrame if f has already been discarded.
func (q *Queue) GetInput(f frame.Frame) (Entry, error) {
	if f.Before(q.tail) {
		return Entry{}, fmt.Errorf("inputqueue GetInput frame %s before tail %s: %w", f, q.tail, sessionerr.ErrStaleFrame)
	}
	if !f.Before(q.head) {
		if err := q.extendTo(f); err != nil {
			return Entry{}, err
		}
	}
	e, err := q.buf.Load(f)
	if err != nil {
		return Entry{}, fmt.Errorf("inputqueue GetInput frame %s: %w", f, err)
	}
	return e, nil
}

// ConfirmFrame replaces the entry at frame f (predicting it into existence
// first if necessary) with a Confirmed entry carrying blob. If blob differs
// from a stored prediction, firstIncorrect is updated to the earliest such
// frame and every entry after f is discarded (Head becomes f+1) so future
// predictions rebase off the corrected blob.
func (q *Queue) ConfirmFrame(f frame.Frame, blob []byte) error {
	if len(blob) != q.blobLen {
		panic(fmt.Sprintf("inputqueue: blob length %d, want %d", len(blob), q.blobLen))
	}
	if f.Before(q.tail) {
		return nil // already discarded; idempotent retransmission
	}
	if !f.Before(q.head) {
		if err := q.extendTo(f); err != nil {
			return err
		}
	}
	existing, err := q.buf.Load(f)
	if err != nil {
		return fmt.Errorf("inputqueue ConfirmFrame frame %s: %w", f, err)
	}
	if existing.Status == Confirmed {
		return nil // already confirmed (redundant retransmission)
	}
	mismatch := existing.Status == Predicted && !bytes.Equal(existing.Blob, blob)
	q.buf.Save(f, Entry{Frame: f, Blob: cloneBlob(blob), Status: Confirmed})
	q.lastKnownBlob = cloneBlob(blob)
	if mismatch {
		if q.firstIncorrect.IsNull() || f.Before(q.firstIncorrect) {
			q.firstIncorrect = f
		}
		// Clear predictions after f: drop the stale lookahead and roll
		// Head back so future GetInput calls re-predict from the
		// corrected blob.
		for g := f.Add(1); g.Before(q.head); g = g.Add(1) {
			q.buf.Discard(g)
		}
		q.head = f.Add(1)
	}
	q.advanceLastConfirmed()
	return nil
}

func (q *Queue) advanceLastConfirmed() {
	next := frame.FirstFrame
	if !q.lastConfirmed.IsNull() {
		next = q.lastConfirmed.Add(1)
	}
	for next.Before(q.head) {
		e, err := q.buf.Load(next)
		if err != nil || e.Status != Confirmed {
			break
		}
		q.lastConfirmed = next
		next = next.Add(1)
	}
}

// DiscardConfirmedBefore frees entries older than f, advancing Tail.
func (q *Queue) DiscardConfirmedBefore(f frame.Frame) {
	for q.tail.Before(f) {
		q.buf.Discard(q.tail)
		q.tail = q.tail.Add(1)
	}
}

// SetDisconnectFrame marks the peer disconnected as of frame f: any future
// GetInput at or after f yields a Disconnected, zero-blob entry.
func (q *Queue) SetDisconnectFrame(f frame.Frame) {
	if q.disconnectFrame.IsNull() || f.Before(q.disconnectFrame) {
		q.disconnectFrame = f
	}
}

// DisconnectFrame returns the frame at which this peer was marked
// disconnected, or NullFrame if still connected.
func (q *Queue) DisconnectFrame() frame.Frame { return q.disconnectFrame }
