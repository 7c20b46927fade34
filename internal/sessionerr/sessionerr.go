// Package sessionerr centralizes the sentinel errors the runtime returns,
// classified the way the teacher's internal/server/errors.go classifies
// transport errors for metrics labeling.
package sessionerr

import "errors"

// Programmer contract violations. Callers that hit these have broken an
// invariant (out-of-order append, undersized buffer, wrong message body);
// these are not meant to be retried.
var (
	ErrBufferTooSmall  = errors.New("buffer too small")
	ErrOutOfOrder      = errors.New("input out of order")
	ErrFrameSkipped    = errors.New("frame skipped")
	ErrStaleFrame      = errors.New("stale frame")
	ErrBodyTypeMismatch = errors.New("wire message body type mismatch")
)

// Runtime back-pressure. Recoverable by the caller: skip a tick, wait, or
// shed load.
var (
	ErrPredictionThreshold = errors.New("prediction threshold exceeded")
	ErrQueueFull           = errors.New("input queue full")
)

// Peer/network conditions. Surfaced as Session events, never panics.
var (
	ErrPeerDisconnected = errors.New("peer disconnected")
	ErrInvalidMagic     = errors.New("invalid session magic")
	ErrDesynchronized   = errors.New("desynchronized")
)

// Internal consistency failures. Fatal: the engine cannot make progress.
var (
	ErrMissingSnapshot = errors.New("missing snapshot")
	ErrCorruptState    = errors.New("corrupt state")
)

// Metric label values. Kept as plain strings (not imported from the
// metrics package) so sessionerr has no dependency on metrics.
const (
	LabelOutOfOrder         = "out_of_order"
	LabelFrameSkipped       = "frame_skipped"
	LabelStaleFrame         = "stale_frame"
	LabelQueueFull          = "queue_full"
	LabelPredictionThresh   = "prediction_threshold"
	LabelPeerDisconnected   = "peer_disconnected"
	LabelInvalidMagic       = "invalid_magic"
	LabelDesynchronized     = "desynchronized"
	LabelMissingSnapshot    = "missing_snapshot"
	LabelCorruptState       = "corrupt_state"
	LabelOther              = "other"
)

// Classify maps a (possibly wrapped) sentinel error to a stable metrics
// label, mirroring the teacher's mapErrToMetric.
func Classify(err error) string {
	switch {
	case errors.Is(err, ErrOutOfOrder):
		return LabelOutOfOrder
	case errors.Is(err, ErrFrameSkipped):
		return LabelFrameSkipped
	case errors.Is(err, ErrStaleFrame):
		return LabelStaleFrame
	case errors.Is(err, ErrQueueFull):
		return LabelQueueFull
	case errors.Is(err, ErrPredictionThreshold):
		return LabelPredictionThresh
	case errors.Is(err, ErrPeerDisconnected):
		return LabelPeerDisconnected
	case errors.Is(err, ErrInvalidMagic):
		return LabelInvalidMagic
	case errors.Is(err, ErrDesynchronized):
		return LabelDesynchronized
	case errors.Is(err, ErrMissingSnapshot):
		return LabelMissingSnapshot
	case errors.Is(err, ErrCorruptState):
		return LabelCorruptState
	default:
		return LabelOther
	}
}
