package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/kstaniek/lockstep/internal/discovery"
	"github.com/kstaniek/lockstep/internal/event"
	"github.com/kstaniek/lockstep/internal/frame"
	"github.com/kstaniek/lockstep/internal/inputdevice"
	"github.com/kstaniek/lockstep/internal/metrics"
	"github.com/kstaniek/lockstep/internal/session"
	"github.com/kstaniek/lockstep/internal/udpsocket"
)

// Helper implementations live in dedicated files: version.go, config.go,
// logger.go, metrics_logger.go, game.go.

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("lockstep-node %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(1)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	sock, err := udpsocket.Listen(cfg.listenAddr)
	if err != nil {
		l.Error("udp_listen_failed", "error", err, "addr", cfg.listenAddr)
		return
	}
	defer sock.Close()

	var cleanupMDNS func()
	if cfg.discoveryEnable {
		if cfg.discoveryName == "" {
			host, _ := os.Hostname()
			cfg.discoveryName = fmt.Sprintf("lockstep-%s", host)
		}
		_, portStr, _ := net.SplitHostPort(sock.LocalAddr())
		port, _ := strconv.Atoi(portStr)
		cleanup, derr := discovery.Advertise(ctx, cfg.discoveryName, port, nil)
		if derr != nil {
			l.Warn("discovery_advertise_failed", "error", derr)
		} else {
			cleanupMDNS = cleanup
			l.Info("discovery_advertised", "service", discovery.ServiceType, "instance", cfg.discoveryName)
		}
	}

	peerAddr := cfg.peerAddr
	if peerAddr == "" && cfg.discoveryEnable {
		l.Info("discovery_browse_start", "wait_ms", cfg.discoveryWaitMs)
		exclude := map[string]bool{cfg.discoveryName: true}
		peers, derr := discovery.Browse(ctx, time.Duration(cfg.discoveryWaitMs)*time.Millisecond, exclude)
		if derr != nil {
			l.Error("discovery_browse_failed", "error", derr)
			return
		}
		if len(peers) == 0 {
			l.Error("discovery_found_no_peer")
			return
		}
		peerAddr = peers[0].Addr
		l.Info("discovery_found_peer", "addr", peerAddr, "instance", peers[0].Instance)
	}

	// This binary wires exactly one peer address, so it only drives 2-player
	// sessions; the session/peer layers themselves are N-peer generic.
	remotePlayer := frame.PlayerHandle(1 - cfg.localPlayer)
	peerAddrs := map[frame.PlayerHandle]string{remotePlayer: peerAddr}

	scfg := session.DefaultConfig()
	scfg.NumPlayers = cfg.numPlayers
	scfg.Fps = cfg.fps
	scfg.MaxPredictionFrames = cfg.maxPredictionFrames
	scfg.DisconnectTimeoutMs = cfg.disconnectTimeoutMs
	scfg.DisconnectNotifyStartMs = cfg.disconnectNotifyStartMs
	scfg.SendIntervalMs = cfg.sendIntervalMs
	scfg.InputQueueCapacity = cfg.inputQueueCapacity
	scfg.BlobLen = cfg.blobLen
	scfg.CompressInputs = cfg.compressInputs
	scfg.ChecksumIntervalMs = cfg.checksumIntervalMs

	sess := session.New(scfg, frame.PlayerHandle(cfg.localPlayer), peerAddrs, sock)

	var dev *inputdevice.Device
	if cfg.input == "serial" {
		port, perr := inputdevice.Open(cfg.serialDev, cfg.serialBaud, 50*time.Millisecond)
		if perr != nil {
			l.Error("serial_open_failed", "error", perr, "device", cfg.serialDev)
			return
		}
		dev = inputdevice.NewDevice(port, cfg.blobLen)
		defer dev.Close()
		l.Info("serial_input_opened", "device", cfg.serialDev)
	}

	metrics.SetReadinessFunc(func() bool {
		return sess.CurrentState() == session.Running
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	game := newGameState(cfg.numPlayers)
	sess.Start(time.Now())

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	tickInterval := time.Second / time.Duration(cfg.fps)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	rng := rand.New(rand.NewSource(int64(os.Getpid())))

	l.Info("lockstep_node_starting",
		"local_player", cfg.localPlayer, "num_players", cfg.numPlayers,
		"listen", sock.LocalAddr(), "peer", peerAddr, "fps", cfg.fps)

runLoop:
	for {
		select {
		case s := <-sigCh:
			l.Info("shutdown_signal", "signal", s.String())
			break runLoop
		case <-ticker.C:
			tickOnce(sess, game, dev, rng, l, cfg.blobLen)
		case <-ctx.Done():
			break runLoop
		}
	}

	cancel()
	if cleanupMDNS != nil {
		cleanupMDNS()
	}
	wg.Wait()
}

// tickOnce polls the transport, feeds one frame of local input, advances
// the rollback engine, executes the resulting request stream against
// game, and logs any produced events -- the steady-state loop body
// mirrors the teacher's Serve loop shape (poll, act, log) but driven by
// a fixed-rate ticker instead of a blocking accept/read.
func tickOnce(sess *session.Session[string], game *gameState, dev *inputdevice.Device, rng *rand.Rand, l *slog.Logger, blobLen int) {
	now := time.Now()
	for _, e := range sess.PollRemoteClients(now) {
		logEvent(l, e)
	}

	blob := localInputBlob(dev, rng, blobLen)
	if err := sess.AddLocalInput(blob); err != nil {
		l.Debug("add_local_input_skipped", "error", err)
	}

	reqs, err := sess.AdvanceFrame()
	if err != nil {
		l.Error("advance_frame_failed", "error", err)
		return
	}
	for _, req := range reqs {
		switch req.Kind {
		case session.KindLoadGameState:
			if derr := game.Deserialize(req.Bytes); derr != nil {
				l.Error("load_game_state_failed", "error", derr, "frame", req.Frame.String())
			}
		case session.KindSaveGameState:
			sess.Snapshot(req.Frame, game.Serialize())
		case session.KindAdvanceFrame:
			inputs := make([][]byte, len(req.Inputs))
			for _, pi := range req.Inputs {
				inputs[pi.Player] = pi.Blob
			}
			game.Advance(inputs)
		}
	}
}

func localInputBlob(dev *inputdevice.Device, rng *rand.Rand, blobLen int) []byte {
	zero := make([]byte, blobLen)
	if dev != nil {
		if blob, ok := dev.Poll(); ok {
			return blob
		}
		return zero
	}
	// Demo input source: a sparse random button press, just enough to
	// exercise movement/punch and keep the rollback path live.
	if rng.Intn(6) != 0 {
		return zero
	}
	bits := []byte{bitLeft, bitRight, bitUp, bitDown, bitPunch}
	zero[0] = bits[rng.Intn(len(bits))]
	return zero
}

func logEvent(l *slog.Logger, e event.Event) {
	switch e.Kind {
	case event.KindConnected:
		l.Info("peer_connected", "peer", e.Peer)
	case event.KindSynchronizing:
		l.Info("peer_synchronizing", "peer", e.Peer, "count", e.Count, "total", e.Total)
	case event.KindSynchronized:
		l.Info("peer_synchronized", "peer", e.Peer)
	case event.KindRunning:
		l.Info("session_running")
	case event.KindConnectionInterrupted:
		l.Warn("connection_interrupted", "peer", e.Peer, "timeout_ms", e.DisconnectTimeoutMs)
	case event.KindConnectionResumed:
		l.Info("connection_resumed", "peer", e.Peer)
	case event.KindDisconnectedFromPeer:
		l.Warn("peer_disconnected", "peer", e.Peer)
	case event.KindWaitRecommendation:
		l.Debug("wait_recommendation", "skip_frames", e.SkipFrames)
	case event.KindDesyncDetected:
		l.Error("desync_detected", "peer", e.Peer, "frame", e.Frame.String(),
			"local_checksum", e.LocalChecksum, "remote_checksum", e.RemoteChecksum)
	}
}
