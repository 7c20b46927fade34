// Package session implements the top-level rollback orchestration
// described in spec.md §4.7: local input intake, peer endpoint polling,
// the rollback algorithm, and session-wide event/state bookkeeping.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/kstaniek/lockstep/internal/checksum"
	"github.com/kstaniek/lockstep/internal/event"
	"github.com/kstaniek/lockstep/internal/frame"
	"github.com/kstaniek/lockstep/internal/inputqueue"
	"github.com/kstaniek/lockstep/internal/logging"
	"github.com/kstaniek/lockstep/internal/metrics"
	"github.com/kstaniek/lockstep/internal/peer"
	"github.com/kstaniek/lockstep/internal/sessionerr"
	"github.com/kstaniek/lockstep/internal/snapshot"
	"github.com/kstaniek/lockstep/internal/socket"
	"github.com/kstaniek/lockstep/internal/wire"
)

// Mode selects the session's topology, per spec.md §6.
type Mode uint8

const (
	ModeP2P Mode = iota
	ModeSyncTest
)

// CurrentState is the session-wide lifecycle state (spec.md §4.7).
type CurrentState uint8

const (
	Initializing CurrentState = iota
	Synchronizing
	Running
	Disconnected
)

func (s CurrentState) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Synchronizing:
		return "synchronizing"
	case Running:
		return "running"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Config is the exhaustive session builder surface from spec.md §6.
type Config struct {
	NumPlayers              int
	Fps                     int
	MaxPredictionFrames     int
	DisconnectTimeoutMs     int
	DisconnectNotifyStartMs int
	SendIntervalMs          int
	InputQueueCapacity      int
	BlobLen                 int
	Magic                   uint16
	Mode                    Mode

	// ChecksumIntervalMs paces the optional ChecksumReport broadcast used
	// for desync detection; 0 disables it.
	ChecksumIntervalMs int

	// CompressInputs enables the optional run-length stage on top of the
	// delta-encoded Input body (spec.md §9 open question (a)). Off by
	// default.
	CompressInputs bool
}

// DefaultConfig matches spec.md §6's stated defaults.
func DefaultConfig() Config {
	return Config{
		NumPlayers:              2,
		Fps:                     60,
		MaxPredictionFrames:     8,
		DisconnectTimeoutMs:     5000,
		DisconnectNotifyStartMs: 750,
		SendIntervalMs:          16,
		InputQueueCapacity:      128,
		BlobLen:                 1,
		Magic:                   0xCAFE,
		Mode:                    ModeP2P,
		ChecksumIntervalMs:      1000,
		CompressInputs:          false,
	}
}

func (c Config) peerConfig() peer.Config {
	return peer.Config{
		NumSyncRoundtrips:       5,
		SendIntervalMs:          c.SendIntervalMs,
		QualityReportIntervalMs: 1000,
		DisconnectTimeoutMs:     c.DisconnectTimeoutMs,
		DisconnectNotifyStartMs: c.DisconnectNotifyStartMs,
		BlobLen:                 c.BlobLen,
		QueueCapacity:           c.InputQueueCapacity,
		CompressInputs:          c.CompressInputs,
	}
}

// Session is the engine orchestrating one match. Addr is the transport's
// peer-address type.
type Session[Addr comparable] struct {
	cfg   Config
	local frame.PlayerHandle
	queue *inputqueue.Queue

	sock  socket.Socket[Addr]
	codec wire.Codec
	peers map[frame.PlayerHandle]*peer.Endpoint[Addr]

	// syncTestQueues holds one queue per non-local player when the session
	// runs with zero peers in ModeSyncTest (internal/synctest's harness
	// supplies every player's input directly in-process instead of over
	// the network).
	syncTestQueues map[frame.PlayerHandle]*inputqueue.Queue

	snapshots *snapshot.Store

	authoritativeFrame frame.Frame
	simulatedFrame     frame.Frame
	lastRollbackFloor  frame.Frame

	events []event.Event

	started        bool
	reachedRunning bool

	lastChecksumSend time.Time
}

// New creates a Session for localPlayer, with one PeerEndpoint per entry in
// peerAddrs (keyed by remote player handle).
func New[Addr comparable](cfg Config, localPlayer frame.PlayerHandle, peerAddrs map[frame.PlayerHandle]Addr, sock socket.Socket[Addr]) *Session[Addr] {
	peers := make(map[frame.PlayerHandle]*peer.Endpoint[Addr], len(peerAddrs))
	pcfg := cfg.peerConfig()
	for h, addr := range peerAddrs {
		peers[h] = peer.New[Addr](h, addr, pcfg)
	}
	s := &Session[Addr]{
		cfg:                cfg,
		local:              localPlayer,
		queue:              inputqueue.New(cfg.BlobLen, cfg.InputQueueCapacity),
		sock:               sock,
		codec:              wire.Codec{Magic: cfg.Magic},
		peers:              peers,
		snapshots:          snapshot.New(cfg.MaxPredictionFrames, checksum.Default),
		authoritativeFrame: frame.NullFrame,
		simulatedFrame:     frame.FirstFrame,
		lastRollbackFloor:  frame.NullFrame,
	}
	if cfg.Mode == ModeSyncTest && len(peerAddrs) == 0 {
		s.syncTestQueues = make(map[frame.PlayerHandle]*inputqueue.Queue, cfg.NumPlayers)
		for i := 0; i < cfg.NumPlayers; i++ {
			h := frame.PlayerHandle(i)
			if h == localPlayer {
				continue
			}
			s.syncTestQueues[h] = inputqueue.New(cfg.BlobLen, cfg.InputQueueCapacity)
		}
	}
	return s
}

// ConfirmSyncTestInput feeds player h's input for frame f directly, for use
// only by internal/synctest's single-process harness (ModeSyncTest, zero
// peers): there is no peer endpoint to receive it over the wire, so the
// harness must hand every non-local player's input to the session itself.
func (s *Session[Addr]) ConfirmSyncTestInput(h frame.PlayerHandle, f frame.Frame, blob []byte) error {
	if h == s.local {
		return s.queue.AddInput(f, blob, inputqueue.Confirmed)
	}
	q, ok := s.syncTestQueues[h]
	if !ok {
		return fmt.Errorf("session ConfirmSyncTestInput: player %d has no sync-test queue", h)
	}
	return q.AddInput(f, blob, inputqueue.Confirmed)
}

// Start kicks off the synchronization handshake with every peer.
func (s *Session[Addr]) Start(now time.Time) {
	s.started = true
	for _, p := range s.peers {
		p.Start(now, s.sock, s.codec)
	}
}

// CurrentState reports the session's aggregate lifecycle state.
func (s *Session[Addr]) CurrentState() CurrentState {
	if !s.started {
		return Initializing
	}
	if s.reachedRunning {
		if s.allPeersDisconnected() {
			return Disconnected
		}
		return Running
	}
	return Synchronizing
}

func (s *Session[Addr]) allPeersDisconnected() bool {
	if len(s.peers) == 0 {
		return false
	}
	for _, p := range s.peers {
		if p.State() != peer.Disconnected {
			return false
		}
	}
	return true
}

// SimulatedFrame returns the current speculative frame.
func (s *Session[Addr]) SimulatedFrame() frame.Frame { return s.simulatedFrame }

// AuthoritativeFrame returns the latest frame confirmed by every peer.
func (s *Session[Addr]) AuthoritativeFrame() frame.Frame { return s.authoritativeFrame }

// AddLocalInput enqueues blob as the local player's input for the current
// simulated frame. blob is copied, never retained by reference.
func (s *Session[Addr]) AddLocalInput(blob []byte) error {
	if s.simulatedFrame.Sub(s.authoritativeFrame) >= s.cfg.MaxPredictionFrames {
		return fmt.Errorf("session AddLocalInput at frame %s: %w", s.simulatedFrame, sessionerr.ErrPredictionThreshold)
	}
	err := s.queue.AddInput(s.simulatedFrame, blob, inputqueue.Confirmed)
	if errors.Is(err, sessionerr.ErrQueueFull) {
		metrics.IncQueueFull()
	}
	return err
}

// Snapshot records bytes as the serialized simulation state for frame f,
// fulfilling a SaveGameStateReq. Returns the computed checksum.
func (s *Session[Addr]) Snapshot(f frame.Frame, bytes []byte) uint64 {
	return s.snapshots.Save(f, bytes).Checksum
}

// LoadSnapshot returns the bytes and checksum saved for frame f. AdvanceFrame
// itself does not use it: rollback hands snapshots to the caller through the
// LoadGameStateReq stream.
func (s *Session[Addr]) LoadSnapshot(f frame.Frame) ([]byte, uint64, error) {
	e, err := s.snapshots.Load(f)
	if err != nil {
		return nil, 0, err
	}
	return e.Bytes, e.Checksum, nil
}

// InputsAt returns every player's input blob for frame f, the same
// assembly AdvanceFrame itself uses internally.
func (s *Session[Addr]) InputsAt(f frame.Frame) ([]PlayerInput, error) {
	return s.assembleInputs(f)
}

func (s *Session[Addr]) statuses() []wire.ConnectionStatus {
	out := make([]wire.ConnectionStatus, 0, len(s.peers)+1)
	out = append(out, wire.ConnectionStatus{
		Player:       s.local,
		Disconnected: false,
		LastFrame:    s.queue.LastConfirmedFrame(),
	})
	for _, p := range s.peers {
		out = append(out, p.Status())
	}
	return out
}

// PollRemoteClients drains inbound socket traffic into the appropriate peer
// endpoints, ticks every peer's pacing timers, and returns the events
// produced this call.
func (s *Session[Addr]) PollRemoteClients(now time.Time) []event.Event {
	var produced []event.Event

	packets, err := s.sock.RecvAll()
	if err != nil {
		logging.L().Warn("session_recv_failed", "error", err)
	}
	byAddr := make(map[Addr]*peer.Endpoint[Addr], len(s.peers))
	for _, p := range s.peers {
		byAddr[p.Addr()] = p
	}
	for _, pkt := range packets {
		p, ok := byAddr[pkt.From]
		if !ok {
			metrics.IncMessagesDropped()
			continue
		}
		msg, err := s.codec.Decode(pkt.Data)
		if err != nil {
			metrics.IncMessagesDropped()
			metrics.IncError(sessionerr.Classify(err))
			continue
		}
		metrics.IncMessagesReceived()
		produced = append(produced, p.HandleMessage(now, s.sock, s.codec, msg, s.simulatedFrame)...)
	}

	statuses := s.statuses()
	for _, p := range s.peers {
		produced = append(produced, p.Poll(now, s.sock, s.codec, s.queue, s.simulatedFrame, statuses)...)
	}

	if !s.reachedRunning && s.allPeersRunning() {
		s.reachedRunning = true
		produced = append(produced, event.Running())
	}

	produced = append(produced, s.checkDesync(now)...)

	if s.cfg.ChecksumIntervalMs > 0 && now.Sub(s.lastChecksumSend) >= time.Duration(s.cfg.ChecksumIntervalMs)*time.Millisecond {
		s.broadcastChecksum(now)
	}

	metrics.SetSimulatedFrame(int64(s.simulatedFrame))
	metrics.SetAuthoritativeFrame(int64(s.authoritativeFrame))
	for h, p := range s.peers {
		localAdvantage := s.simulatedFrame.Sub(p.RemoteAckFrame())
		metrics.SetFrameAdvantage(fmt.Sprint(h), localAdvantage)
		if skip, recommend := p.Estimator().Recommend(localAdvantage); recommend {
			produced = append(produced, event.WaitRecommendation(skip))
		}
	}

	s.events = append(s.events, produced...)
	return produced
}

func (s *Session[Addr]) allPeersRunning() bool {
	if len(s.peers) == 0 {
		return s.started
	}
	for _, p := range s.peers {
		if p.State() == peer.Syncing {
			return false
		}
	}
	return true
}

func (s *Session[Addr]) broadcastChecksum(now time.Time) {
	f := s.authoritativeFrame
	if f.IsNull() {
		return
	}
	entry, err := s.snapshots.Load(f)
	if err != nil {
		return
	}
	for _, p := range s.peers {
		p.SendChecksumReport(s.sock, s.codec, f, entry.Checksum)
	}
	s.lastChecksumSend = now
}

func (s *Session[Addr]) checkDesync(now time.Time) []event.Event {
	var produced []event.Event
	for h, p := range s.peers {
		for _, report := range p.DrainChecksumReports() {
			entry, err := s.snapshots.Load(report.Frame)
			if err != nil {
				continue // frame already aged out of our window; nothing to compare
			}
			if entry.Checksum != report.Checksum {
				metrics.IncDesyncDetected()
				produced = append(produced, event.DesyncDetected(h, report.Frame, entry.Checksum, report.Checksum))
			}
		}
	}
	return produced
}

// DrainEvents returns and clears the accumulated event buffer.
func (s *Session[Addr]) DrainEvents() []event.Event {
	out := s.events
	s.events = nil
	return out
}

func (s *Session[Addr]) queueFor(h frame.PlayerHandle) *inputqueue.Queue {
	if h == s.local {
		return s.queue
	}
	if p, ok := s.peers[h]; ok {
		return p.Queue
	}
	if q, ok := s.syncTestQueues[h]; ok {
		return q
	}
	return nil
}

func (s *Session[Addr]) assembleInputs(f frame.Frame) ([]PlayerInput, error) {
	inputs := make([]PlayerInput, 0, s.cfg.NumPlayers)
	for i := 0; i < s.cfg.NumPlayers; i++ {
		h := frame.PlayerHandle(i)
		q := s.queueFor(h)
		if q == nil {
			return nil, fmt.Errorf("session assembleInputs: no queue for player %d", i)
		}
		entry, err := q.GetInput(f)
		if err != nil {
			if errors.Is(err, sessionerr.ErrQueueFull) {
				metrics.IncQueueFull()
			}
			return nil, fmt.Errorf("session assembleInputs frame %s player %d: %w", f, i, err)
		}
		inputs = append(inputs, PlayerInput{Player: h, Blob: entry.Blob})
	}
	return inputs, nil
}

// AdvanceFrame runs one tick of the rollback algorithm (spec.md §4.7),
// returning the ordered requests the caller must execute against its
// simulation.
func (s *Session[Addr]) AdvanceFrame() ([]RollbackRequest, error) {
	var reqs []RollbackRequest

	authoritative := s.minConfirmedAcrossPeers()

	if target, ok := s.rollbackTarget(); ok {
		metrics.IncPredictionMiss()
		snap, err := s.snapshots.Load(target)
		if err != nil {
			return nil, fmt.Errorf("session AdvanceFrame rollback to %s: %w", target, sessionerr.ErrCorruptState)
		}
		reqs = append(reqs, loadReq(target, snap.Bytes))
		depth := s.simulatedFrame.Sub(target)
		for f := target; f.Before(s.simulatedFrame); f = f.Add(1) {
			inputs, err := s.assembleInputs(f)
			if err != nil {
				return nil, err
			}
			reqs = append(reqs, advanceReq(f, inputs))
			reqs = append(reqs, saveReq(f.Add(1)))
		}
		metrics.ObserveRollback(depth)
		for _, p := range s.peers {
			p.Queue.ClearIncorrectFrame()
		}
		// The floor tracks frames already confirmed across every peer, not
		// the current speculative lead: anything at or before authoritative
		// is settled and needs no further rollback, but anything above it
		// (including a later misprediction from this same peer) must still
		// be free to trigger another rollback.
		s.lastRollbackFloor = authoritative
	}

	if s.simulatedFrame.Sub(authoritative) < s.cfg.MaxPredictionFrames {
		reqs = append(reqs, saveReq(s.simulatedFrame))
		inputs, err := s.assembleInputs(s.simulatedFrame)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, advanceReq(s.simulatedFrame, inputs))
		s.simulatedFrame = s.simulatedFrame.Add(1)
	} else {
		s.events = append(s.events, event.WaitRecommendation(1))
	}

	prevAuthoritative := s.authoritativeFrame
	s.authoritativeFrame = authoritative
	if !authoritative.IsNull() {
		start := prevAuthoritative
		if start.IsNull() {
			start = frame.FirstFrame.Add(-1)
		}
		for f := start; f.Before(authoritative.Add(-1)); f = f.Add(1) {
			s.snapshots.Discard(f)
		}
		s.queue.DiscardConfirmedBefore(authoritative)
		for _, p := range s.peers {
			p.Queue.DiscardConfirmedBefore(authoritative)
		}
	}

	return reqs, nil
}

// minConfirmedAcrossPeers implements step 1 of AdvanceFrame: A' is the
// minimum LastConfirmedFrame over the local queue, every remote peer's
// queue and, in a sync-test run, every sync-test queue. With none of the
// latter two, the local queue's own confirmation alone sets A'.
func (s *Session[Addr]) minConfirmedAcrossPeers() frame.Frame {
	if len(s.peers) == 0 && len(s.syncTestQueues) == 0 {
		return s.queue.LastConfirmedFrame()
	}
	lowest := s.queue.LastConfirmedFrame()
	for _, p := range s.peers {
		lc := p.Queue.LastConfirmedFrame()
		if lc.Before(lowest) {
			lowest = lc
		}
	}
	for _, q := range s.syncTestQueues {
		lc := q.LastConfirmedFrame()
		if lc.Before(lowest) {
			lowest = lc
		}
	}
	return lowest
}

// rollbackTarget implements step 2's tie-break: the minimum
// firstIncorrectFrame across every peer, if any lies within the
// replayable window.
func (s *Session[Addr]) rollbackTarget() (frame.Frame, bool) {
	target := frame.NullFrame
	found := false
	for _, p := range s.peers {
		f := p.Queue.FirstIncorrectFrame()
		if f.IsNull() || f.After(s.simulatedFrame) {
			continue
		}
		if f.Before(s.lastRollbackFloor.Add(1)) && !s.lastRollbackFloor.IsNull() {
			continue
		}
		if !found || f.Before(target) {
			target = f
			found = true
		}
	}
	return target, found
}
