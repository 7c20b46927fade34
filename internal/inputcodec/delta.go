// Package inputcodec implements the XOR delta encoding used to pack a run
// of input blobs for transmission, plus an optional run-length stage.
package inputcodec

import (
	"fmt"

	"github.com/kstaniek/lockstep/internal/sessionerr"
)

// Encode XOR-deltas each blob in sequence against reference and concatenates
// the results. reference must be non-empty; every blob in sequence must be
// the same length as reference. Violating either is a programmer error and
// panics, matching spec.md §4.2 ("contract violation is a programmer
// error").
func Encode(reference []byte, sequence [][]byte) []byte {
	if len(reference) == 0 {
		panic("inputcodec: reference blob must be non-empty")
	}
	out := make([]byte, len(reference)*len(sequence))
	for i, blob := range sequence {
		if len(blob) != len(reference) {
			panic(fmt.Sprintf("inputcodec: blob %d has length %d, want %d", i, len(blob), len(reference)))
		}
		dst := out[i*len(reference) : (i+1)*len(reference)]
		for j := range reference {
			dst[j] = reference[j] ^ blob[j]
		}
	}
	return out
}

// Decode is the exact inverse of Encode: buf's length must be a multiple of
// len(reference), else ErrBufferTooSmall is returned.
func Decode(reference []byte, buf []byte) ([][]byte, error) {
	if len(reference) == 0 {
		panic("inputcodec: reference blob must be non-empty")
	}
	if len(buf)%len(reference) != 0 {
		return nil, fmt.Errorf("inputcodec decode: %w: length %d not a multiple of %d", sessionerr.ErrBufferTooSmall, len(buf), len(reference))
	}
	n := len(buf) / len(reference)
	out := make([][]byte, n)
	for i := 0; i < n; i++ {
		src := buf[i*len(reference) : (i+1)*len(reference)]
		blob := make([]byte, len(reference))
		for j := range reference {
			blob[j] = reference[j] ^ src[j]
		}
		out[i] = blob
	}
	return out, nil
}

// RunLengthEncode applies a byte-oriented run-length stage on top of an
// already delta-encoded buffer (spec.md §9 open question (a): "a
// pluggable run-length stage is a permitted extension"). Delta-encoded
// input is mostly repeated zero bytes between state changes, which this
// compresses well. Encoding is [value, count] pairs, count capped at 255
// (runs longer than that are split across pairs).
func RunLengthEncode(buf []byte) []byte {
	out := make([]byte, 0, len(buf))
	for i := 0; i < len(buf); {
		v := buf[i]
		run := 1
		for i+run < len(buf) && buf[i+run] == v && run < 255 {
			run++
		}
		out = append(out, v, byte(run))
		i += run
	}
	return out
}

// RunLengthDecode is the exact inverse of RunLengthEncode.
func RunLengthDecode(buf []byte) ([]byte, error) {
	if len(buf)%2 != 0 {
		return nil, fmt.Errorf("inputcodec rle decode: %w: odd-length buffer", sessionerr.ErrBufferTooSmall)
	}
	out := make([]byte, 0, len(buf))
	for i := 0; i < len(buf); i += 2 {
		v, run := buf[i], int(buf[i+1])
		for j := 0; j < run; j++ {
			out = append(out, v)
		}
	}
	return out, nil
}
