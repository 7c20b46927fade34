package ringbuf

import (
	"errors"
	"testing"

	"github.com/kstaniek/lockstep/internal/frame"
	"github.com/kstaniek/lockstep/internal/sessionerr"
)

func TestSaveLoad(t *testing.T) {
	b := New[string](4)
	b.Save(frame.Frame(0), "a")
	b.Save(frame.Frame(1), "b")
	got, err := b.Load(frame.Frame(0))
	if err != nil || got != "a" {
		t.Fatalf("Load(0) = %q, %v", got, err)
	}
	if b.Size() != 2 {
		t.Fatalf("Size() = %d, want 2", b.Size())
	}
}

func TestStaleFrame(t *testing.T) {
	b := New[int](4)
	b.Save(frame.Frame(0), 10)
	b.Save(frame.Frame(4), 20) // aliases slot 0
	if _, err := b.Load(frame.Frame(0)); !errors.Is(err, sessionerr.ErrStaleFrame) {
		t.Fatalf("expected ErrStaleFrame, got %v", err)
	}
	got, err := b.Load(frame.Frame(4))
	if err != nil || got != 20 {
		t.Fatalf("Load(4) = %d, %v", got, err)
	}
}

func TestDiscard(t *testing.T) {
	b := New[int](4)
	b.Save(frame.Frame(0), 1)
	b.Discard(frame.Frame(0))
	if b.Size() != 0 {
		t.Fatalf("Size() after discard = %d, want 0", b.Size())
	}
	if b.Has(frame.Frame(0)) {
		t.Fatalf("Has(0) true after discard")
	}
}
