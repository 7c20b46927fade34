// Package timesync estimates a remote peer's frame advantage and
// recommends local pacing adjustments, per spec.md §4.6.
package timesync

import "sort"

// FrameAdvantageThreshold is the default slack (in frames) tolerated
// before a WaitRecommendation is issued.
const FrameAdvantageThreshold = 2

// DefaultWindow is the number of recent samples kept for the median.
const DefaultWindow = 8

// Estimator tracks a sliding window of remote-frame-advantage samples and
// derives the pacing recommendation.
type Estimator struct {
	window  int
	samples []int
}

// NewEstimator creates an Estimator with the given sample window (uses
// DefaultWindow if window <= 0).
func NewEstimator(window int) *Estimator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Estimator{window: window}
}

// RecordRemoteAdvantage adds a sample: senderFrame - mySimulatedFrame, as
// observed on a received Input message.
func (e *Estimator) RecordRemoteAdvantage(v int) {
	e.samples = append(e.samples, v)
	if len(e.samples) > e.window {
		e.samples = e.samples[len(e.samples)-e.window:]
	}
}

// RemoteAdvantage returns the median of the recorded samples, or 0 if none
// have been recorded yet.
func (e *Estimator) RemoteAdvantage() int {
	if len(e.samples) == 0 {
		return 0
	}
	sorted := append([]int(nil), e.samples...)
	sort.Ints(sorted)
	return sorted[len(sorted)/2]
}

// Recommend computes a WaitRecommendation given the local frame advantage
// (mySimulatedFrame - peerLastFrame). It returns the number of local
// frames to skip and true if localAdvantage exceeds the remote one by more
// than FrameAdvantageThreshold.
func (e *Estimator) Recommend(localAdvantage int) (skipFrames int, recommend bool) {
	remote := e.RemoteAdvantage()
	if localAdvantage <= remote+FrameAdvantageThreshold {
		return 0, false
	}
	skip := (localAdvantage - remote) / 2
	if skip <= 0 {
		return 0, false
	}
	return skip, true
}

// Reset clears all recorded samples.
func (e *Estimator) Reset() { e.samples = e.samples[:0] }
