// Package peer implements one remote participant's endpoint: the handshake,
// steady-state Input/ack pacing, quality/time-sync exchange, and the
// disconnect/interrupted timers described in spec.md §4.6.
package peer

import (
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kstaniek/lockstep/internal/event"
	"github.com/kstaniek/lockstep/internal/frame"
	"github.com/kstaniek/lockstep/internal/inputcodec"
	"github.com/kstaniek/lockstep/internal/inputqueue"
	"github.com/kstaniek/lockstep/internal/logging"
	"github.com/kstaniek/lockstep/internal/metrics"
	"github.com/kstaniek/lockstep/internal/sessionerr"
	"github.com/kstaniek/lockstep/internal/socket"
	"github.com/kstaniek/lockstep/internal/timesync"
	"github.com/kstaniek/lockstep/internal/wire"
)

// State is the peer endpoint's persistent lifecycle state.
type State uint8

const (
	Syncing State = iota
	Running
	Disconnected
)

func (s State) String() string {
	switch s {
	case Syncing:
		return "syncing"
	case Running:
		return "running"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Config parameterizes one peer endpoint, mirroring spec.md §6's Session
// builder options that are peer-scoped.
type Config struct {
	NumSyncRoundtrips       int
	SendIntervalMs          int
	QualityReportIntervalMs int
	DisconnectTimeoutMs     int
	DisconnectNotifyStartMs int
	BlobLen                 int
	QueueCapacity           int

	// CompressInputs applies an extra run-length stage on top of the
	// delta-encoded Input body (spec.md §9 open question (a)). Off by
	// default. Both ends must use the same setting: the stage is applied
	// to outbound bodies and undone on inbound bodies according to this
	// endpoint's own setting only.
	CompressInputs bool
}

// DefaultConfig matches spec.md §6's stated defaults.
func DefaultConfig() Config {
	return Config{
		NumSyncRoundtrips:       5,
		SendIntervalMs:          16,
		QualityReportIntervalMs: 1000,
		DisconnectTimeoutMs:     5000,
		DisconnectNotifyStartMs: 750,
		BlobLen:                 1,
		QueueCapacity:           128,
		CompressInputs:          false,
	}
}

// Endpoint is one remote player's connection state machine. Addr is the
// transport-level address type (e.g. a string "host:port" for UDP).
type Endpoint[Addr comparable] struct {
	cfg  Config
	peer frame.PlayerHandle
	addr Addr

	state State

	Queue *inputqueue.Queue
	sync  *timesync.Estimator

	// Handshake.
	nonce        uint32
	syncRound    int
	handshakeBO  *backoff.ExponentialBackOff
	nextSyncSend time.Time

	// Pacing.
	lastInputSend   time.Time
	lastQualitySend time.Time
	lastAnySend     time.Time
	lastRecv        time.Time
	startedAt       time.Time
	interruptedSent bool

	// Remote bookkeeping.
	remoteAckFrame    frame.Frame
	lastSentHead      frame.Frame
	lastPingToken     uint64
	roundTripMs       float64
	pendingChecksums  []wire.ChecksumReport
	statuses          []wire.ConnectionStatus
	disconnectRequest bool
}

// New creates an Endpoint for peer in Syncing state, addressed at addr.
func New[Addr comparable](peerHandle frame.PlayerHandle, addr Addr, cfg Config) *Endpoint[Addr] {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 0 // never gives up on its own; disconnect timeout owns that.
	bo.Reset()
	return &Endpoint[Addr]{
		cfg:            cfg,
		peer:           peerHandle,
		addr:           addr,
		state:          Syncing,
		Queue:          inputqueue.New(cfg.BlobLen, cfg.QueueCapacity),
		sync:           timesync.NewEstimator(timesync.DefaultWindow),
		handshakeBO:    bo,
		remoteAckFrame: frame.NullFrame,
		lastSentHead:   frame.FirstFrame,
	}
}

// Player returns the remote player handle this endpoint represents.
func (e *Endpoint[Addr]) Player() frame.PlayerHandle { return e.peer }

// Addr returns the peer's transport address.
func (e *Endpoint[Addr]) Addr() Addr { return e.addr }

// State returns the endpoint's current lifecycle state.
func (e *Endpoint[Addr]) State() State { return e.state }

// RoundTripMs returns the most recently measured round trip, or 0 if no
// QualityReply has landed yet.
func (e *Endpoint[Addr]) RoundTripMs() float64 { return e.roundTripMs }

// Estimator exposes the frame-advantage estimator fed by this peer's
// inbound Input/QualityReport traffic, for the session's pacing decisions.
func (e *Endpoint[Addr]) Estimator() *timesync.Estimator { return e.sync }

// RemoteAckFrame returns the latest frame the remote side has acknowledged
// receiving from our local input stream.
func (e *Endpoint[Addr]) RemoteAckFrame() frame.Frame { return e.remoteAckFrame }

// Status returns the ConnectionStatus this node should broadcast about this
// peer inside its own outbound Input messages.
func (e *Endpoint[Addr]) Status() wire.ConnectionStatus {
	return wire.ConnectionStatus{
		Player:       e.peer,
		Disconnected: e.state == Disconnected,
		LastFrame:    e.Queue.LastConfirmedFrame(),
	}
}

// nowNonce supplies each SyncRequest nonce: the low 32 bits of the current
// time in nanoseconds.
var nowNonce = func() uint32 { return uint32(time.Now().UnixNano()) }

// Start begins (or restarts) the handshake by sending the first SyncRequest.
func (e *Endpoint[Addr]) Start(now time.Time, sock socket.Socket[Addr], codec wire.Codec) {
	e.state = Syncing
	e.syncRound = 0
	e.startedAt = now
	e.lastRecv = now
	e.handshakeBO.Reset()
	e.sendSyncRequest(now, sock, codec)
}

func (e *Endpoint[Addr]) sendSyncRequest(now time.Time, sock socket.Socket[Addr], codec wire.Codec) {
	e.nonce = nowNonce()
	buf, err := codec.Encode(wire.SyncRequest{RandomRequest: e.nonce})
	if err != nil {
		logging.L().Error("peer_encode_sync_request_failed", "peer", e.peer, "error", err)
		return
	}
	if err := sock.SendTo(e.addr, buf); err != nil {
		logging.L().Warn("peer_send_failed", "peer", e.peer, "error", err)
		return
	}
	metrics.IncMessagesSent()
	e.nextSyncSend = now.Add(e.handshakeBO.NextBackOff())
	e.lastAnySend = now
}

// Poll drives every timer-based behavior: handshake retry, steady-state
// Input/QualityReport/KeepAlive pacing, and disconnect/interrupted timeouts.
// localQueue is the local player's own input queue (the source of the Input
// messages sent to this peer); statuses is this node's current view of every
// player's connection status (its own and each remote peer's), broadcast
// verbatim inside Input.
func (e *Endpoint[Addr]) Poll(now time.Time, sock socket.Socket[Addr], codec wire.Codec, localQueue *inputqueue.Queue, mySimulatedFrame frame.Frame, statuses []wire.ConnectionStatus) []event.Event {
	var events []event.Event

	switch e.state {
	case Syncing:
		if now.After(e.nextSyncSend) || now.Equal(e.nextSyncSend) {
			e.sendSyncRequest(now, sock, codec)
		}
		if e.cfg.DisconnectTimeoutMs > 0 {
			sinceRecv := now.Sub(e.lastRecv)
			if sinceRecv >= time.Duration(e.cfg.DisconnectTimeoutMs)*time.Millisecond {
				e.state = Disconnected
				metrics.IncHandshakeFailure()
				events = append(events, event.DisconnectedFromPeer(e.peer))
			}
		}
		return events
	case Disconnected:
		return events
	}

	// Running state from here on.
	if e.cfg.DisconnectTimeoutMs > 0 {
		sinceRecv := now.Sub(e.lastRecv)
		if sinceRecv >= time.Duration(e.cfg.DisconnectTimeoutMs)*time.Millisecond {
			e.state = Disconnected
			metrics.IncPeerDisconnect()
			events = append(events, event.DisconnectedFromPeer(e.peer))
			return events
		}
		if e.cfg.DisconnectNotifyStartMs > 0 && !e.interruptedSent &&
			sinceRecv >= time.Duration(e.cfg.DisconnectNotifyStartMs)*time.Millisecond {
			e.interruptedSent = true
			events = append(events, event.ConnectionInterrupted(e.peer, e.cfg.DisconnectTimeoutMs))
		}
	}

	if e.cfg.SendIntervalMs > 0 && now.Sub(e.lastInputSend) >= time.Duration(e.cfg.SendIntervalMs)*time.Millisecond {
		e.sendInput(now, sock, codec, localQueue, statuses)
	}
	if e.cfg.QualityReportIntervalMs > 0 && now.Sub(e.lastQualitySend) >= time.Duration(e.cfg.QualityReportIntervalMs)*time.Millisecond {
		e.sendQualityReport(now, sock, codec, mySimulatedFrame)
	}
	if now.Sub(e.lastAnySend) >= time.Duration(e.cfg.SendIntervalMs)*4*time.Millisecond {
		e.sendKeepAlive(now, sock, codec)
	}

	return events
}

func (e *Endpoint[Addr]) sendInput(now time.Time, sock socket.Socket[Addr], codec wire.Codec, localQueue *inputqueue.Queue, statuses []wire.ConnectionStatus) {
	head := localQueue.Head()
	// Resend everything the remote has not acknowledged yet, so a lost
	// Input message is covered by the next one.
	start := frame.FirstFrame
	if !e.remoteAckFrame.IsNull() {
		start = e.remoteAckFrame.Add(1)
	}
	if start.Before(localQueue.Tail()) {
		start = localQueue.Tail()
	}
	var blobs [][]byte
	for f := start; f.Before(head); f = f.Add(1) {
		entry, err := localQueue.GetInput(f)
		if err != nil {
			break
		}
		blobs = append(blobs, entry.Blob)
	}
	var body []byte
	if len(blobs) > 0 {
		body = inputcodec.Encode(e.deltaReference(), blobs)
		if e.cfg.CompressInputs {
			body = inputcodec.RunLengthEncode(body)
		}
	}
	msg := wire.Input{
		StartFrame:          start,
		AckFrame:            e.Queue.LastConfirmedFrame(),
		DisconnectRequested: e.disconnectRequest,
		PeerConnectStatus:   statuses,
		Bytes:               body,
	}
	buf, err := codec.Encode(msg)
	if err != nil {
		logging.L().Error("peer_encode_input_failed", "peer", e.peer, "error", err)
		return
	}
	if err := sock.SendTo(e.addr, buf); err != nil {
		logging.L().Warn("peer_send_failed", "peer", e.peer, "error", err)
		return
	}
	metrics.IncMessagesSent()
	e.lastSentHead = head
	e.lastInputSend = now
	e.lastAnySend = now
}

// deltaReference is the blob every frame in an Input message is
// XOR-delta-encoded against. The wire protocol uses the implicit all-zero
// blob (spec.md §9's design note on delta encoding); switching to the
// last-acked blob is a noted future optimization, not implemented here.
func (e *Endpoint[Addr]) deltaReference() []byte {
	return make([]byte, e.cfg.BlobLen)
}

func (e *Endpoint[Addr]) sendQualityReport(now time.Time, sock socket.Socket[Addr], codec wire.Codec, mySimulatedFrame frame.Frame) {
	adv := mySimulatedFrame.Sub(e.remoteAckFrame)
	msg := wire.QualityReport{FrameAdvantage: int16(adv), Ping: uint64(now.UnixNano())}
	buf, err := codec.Encode(msg)
	if err != nil {
		return
	}
	if err := sock.SendTo(e.addr, buf); err == nil {
		metrics.IncMessagesSent()
		e.lastQualitySend = now
		e.lastAnySend = now
	}
}

func (e *Endpoint[Addr]) sendKeepAlive(now time.Time, sock socket.Socket[Addr], codec wire.Codec) {
	buf, err := codec.Encode(wire.KeepAlive{})
	if err != nil {
		return
	}
	if err := sock.SendTo(e.addr, buf); err == nil {
		metrics.IncMessagesSent()
		e.lastAnySend = now
	}
}

// SendChecksumReport advertises checksum for frame f to this peer, for
// optional desync detection (spec.md §4.6).
func (e *Endpoint[Addr]) SendChecksumReport(sock socket.Socket[Addr], codec wire.Codec, f frame.Frame, checksum uint64) {
	msg := wire.ChecksumReport{Frame: f, Checksum: checksum}
	buf, err := codec.Encode(msg)
	if err != nil {
		return
	}
	if err := sock.SendTo(e.addr, buf); err == nil {
		metrics.IncMessagesSent()
	}
}

// RequestDisconnect marks this endpoint to advertise DisconnectRequested on
// its next outbound Input, telling the remote side to stop waiting on us.
func (e *Endpoint[Addr]) RequestDisconnect() { e.disconnectRequest = true }

// DrainChecksumReports returns and clears any ChecksumReports accumulated
// since the last call, for the session to compare against its own.
func (e *Endpoint[Addr]) DrainChecksumReports() []wire.ChecksumReport {
	out := e.pendingChecksums
	e.pendingChecksums = nil
	return out
}

// HandleMessage dispatches one inbound wire message, returning any events it
// produced. mySimulatedFrame is this node's current speculative frame, used
// to compute the remote's reported frame advantage.
func (e *Endpoint[Addr]) HandleMessage(now time.Time, sock socket.Socket[Addr], codec wire.Codec, msg wire.Message, mySimulatedFrame frame.Frame) []event.Event {
	e.lastRecv = now
	var events []event.Event
	resumed := e.state == Running && e.interruptedSentWasTrue()

	switch m := msg.(type) {
	case wire.SyncRequest:
		reply := wire.SyncReply{RandomReply: m.RandomRequest}
		if buf, err := codec.Encode(reply); err == nil {
			if err := sock.SendTo(e.addr, buf); err == nil {
				metrics.IncMessagesSent()
			}
		}
	case wire.SyncReply:
		if e.state != Syncing || m.RandomReply != e.nonce {
			break
		}
		e.syncRound++
		total := e.cfg.NumSyncRoundtrips
		if total <= 0 {
			total = 1
		}
		events = append(events, event.Synchronizing(e.peer, e.syncRound, total))
		if e.syncRound >= total {
			e.state = Running
			events = append(events, event.Synchronized(e.peer), event.Connected(e.peer))
		} else {
			e.sendSyncRequest(now, sock, codec)
		}
	case wire.Input:
		reference := e.deltaReference()
		body := m.Bytes
		if e.cfg.CompressInputs && len(body) > 0 {
			var rlErr error
			body, rlErr = inputcodec.RunLengthDecode(body)
			if rlErr != nil {
				metrics.IncMessagesDropped()
				metrics.IncError(sessionerr.Classify(rlErr))
				break
			}
		}
		blobs, err := inputcodec.Decode(reference, body)
		if err != nil {
			metrics.IncMessagesDropped()
			metrics.IncError(sessionerr.Classify(err))
			break
		}
		f := m.StartFrame
		for _, blob := range blobs {
			if err := e.Queue.ConfirmFrame(f, blob); err != nil {
				metrics.IncError(sessionerr.Classify(err))
			}
			f = f.Add(1)
		}
		e.statuses = m.PeerConnectStatus
		if m.DisconnectRequested {
			e.Queue.SetDisconnectFrame(m.StartFrame)
		}
		// Advantage is measured from the last frame in this batch, not its
		// start: StartFrame alone understates the remote's lead by the
		// batch length (spec.md §4.6).
		e.sync.RecordRemoteAdvantage(f.Add(-1).Sub(mySimulatedFrame))
		ack := wire.InputAck{AckFrame: e.Queue.LastConfirmedFrame()}
		if buf, err := codec.Encode(ack); err == nil {
			if err := sock.SendTo(e.addr, buf); err == nil {
				metrics.IncMessagesSent()
			}
		}
	case wire.InputAck:
		if m.AckFrame.After(e.remoteAckFrame) || e.remoteAckFrame.IsNull() {
			e.remoteAckFrame = m.AckFrame
		}
	case wire.QualityReport:
		e.sync.RecordRemoteAdvantage(int(m.FrameAdvantage))
		reply := wire.QualityReply{Pong: m.Ping}
		if buf, err := codec.Encode(reply); err == nil {
			if err := sock.SendTo(e.addr, buf); err == nil {
				metrics.IncMessagesSent()
			}
		}
	case wire.QualityReply:
		sentNanos := int64(m.Pong)
		e.roundTripMs = float64(now.UnixNano()-sentNanos) / 1e6
		metrics.SetRoundTrip(playerLabel(e.peer), e.roundTripMs)
	case wire.ChecksumReport:
		e.pendingChecksums = append(e.pendingChecksums, m)
	case wire.KeepAlive:
		// no-op; lastRecv already refreshed above.
	}

	if resumed && e.state == Running {
		events = append(events, event.ConnectionResumed(e.peer))
	}
	return events
}

func (e *Endpoint[Addr]) interruptedSentWasTrue() bool {
	was := e.interruptedSent
	e.interruptedSent = false
	return was
}

func playerLabel(p frame.PlayerHandle) string {
	return strconv.FormatInt(int64(p), 10)
}
