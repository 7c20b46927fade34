package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// appConfig is the flag-parsed configuration surface, adapted line-for-line
// in structure from the teacher's cmd/can-server/config.go: a struct of
// parsed flags, a setFlags tracking pass so explicit flags win over
// LOCKSTEP_* env overrides, and a validate() pass.
type appConfig struct {
	listenAddr  string
	peerAddr    string
	localPlayer int
	numPlayers  int

	fps                     int
	maxPredictionFrames     int
	disconnectTimeoutMs     int
	disconnectNotifyStartMs int
	sendIntervalMs          int
	inputQueueCapacity      int
	blobLen                 int
	compressInputs          bool
	checksumIntervalMs      int

	discoveryEnable bool
	discoveryName   string
	discoveryWaitMs int

	input      string // "demo" | "serial"
	serialDev  string
	serialBaud int

	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	listen := flag.String("listen", ":30000", "UDP listen address")
	peer := flag.String("peer", "", "Remote peer UDP address (host:port); empty triggers mDNS discovery")
	localPlayer := flag.Int("local-player", 0, "This node's player handle")
	numPlayers := flag.Int("num-players", 2, "Total players in the session")
	fps := flag.Int("fps", 60, "Simulation tick rate")
	maxPredictionFrames := flag.Int("max-prediction-frames", 8, "Speculative lead cap before WaitRecommendation")
	disconnectTimeout := flag.Int("disconnect-timeout-ms", 5000, "Peer silence duration before DisconnectedFromPeer")
	disconnectNotifyStart := flag.Int("disconnect-notify-start-ms", 750, "Peer silence duration before ConnectionInterrupted")
	sendInterval := flag.Int("send-interval-ms", 16, "Input send pacing interval")
	inputQueueCapacity := flag.Int("input-queue-capacity", 128, "Per-peer input queue capacity")
	blobLen := flag.Int("blob-len", 1, "Input blob size in bytes")
	compressInputs := flag.Bool("compress-inputs", false, "Run-length compress delta-encoded input bodies")
	checksumInterval := flag.Int("checksum-interval-ms", 1000, "ChecksumReport broadcast interval; 0 disables")
	discoveryEnable := flag.Bool("discovery-enable", false, "Enable mDNS peer advertisement/browse")
	discoveryName := flag.String("discovery-name", "", "mDNS instance name (default lockstep-<hostname>)")
	discoveryWaitMs := flag.Int("discovery-wait-ms", 3000, "How long to browse for a peer before giving up")
	input := flag.String("input", "demo", "Local input source: demo|serial")
	serialDev := flag.String("serial-dev", "/dev/ttyUSB0", "Serial device path (--input=serial)")
	serialBaud := flag.Int("serial-baud", 115200, "Serial baud rate (--input=serial)")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.listenAddr = *listen
	cfg.peerAddr = *peer
	cfg.localPlayer = *localPlayer
	cfg.numPlayers = *numPlayers
	cfg.fps = *fps
	cfg.maxPredictionFrames = *maxPredictionFrames
	cfg.disconnectTimeoutMs = *disconnectTimeout
	cfg.disconnectNotifyStartMs = *disconnectNotifyStart
	cfg.sendIntervalMs = *sendInterval
	cfg.inputQueueCapacity = *inputQueueCapacity
	cfg.blobLen = *blobLen
	cfg.compressInputs = *compressInputs
	cfg.checksumIntervalMs = *checksumInterval
	cfg.discoveryEnable = *discoveryEnable
	cfg.discoveryName = *discoveryName
	cfg.discoveryWaitMs = *discoveryWaitMs
	cfg.input = *input
	cfg.serialDev = *serialDev
	cfg.serialBaud = *serialBaud
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs basic semantic validation of the parsed configuration.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.input {
	case "demo", "serial":
	default:
		return fmt.Errorf("invalid input: %s", c.input)
	}
	if c.numPlayers != 2 {
		return fmt.Errorf("num-players must be 2 (this binary wires exactly one peer); got %d", c.numPlayers)
	}
	if c.localPlayer < 0 || c.localPlayer >= c.numPlayers {
		return fmt.Errorf("local-player must be in [0, %d)", c.numPlayers)
	}
	if c.maxPredictionFrames <= 0 {
		return fmt.Errorf("max-prediction-frames must be > 0")
	}
	if c.blobLen <= 0 {
		return fmt.Errorf("blob-len must be > 0")
	}
	if c.peerAddr == "" && !c.discoveryEnable {
		return fmt.Errorf("either --peer or --discovery-enable must be set")
	}
	return nil
}

// applyEnvOverrides maps LOCKSTEP_* environment variables to config fields
// unless a corresponding flag was explicitly set, mirroring the teacher's
// CAN_SERVER_* override pattern.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	setInt := func(flagName, env string, dst *int) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %w", env, err)
			}
		}
	}
	setStr := func(flagName, env string, dst *string) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			*dst = v
		}
	}
	setBool := func(flagName, env string, dst *bool) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				*dst = true
			case "0", "false", "no", "off":
				*dst = false
			}
		}
	}

	setStr("listen", "LOCKSTEP_LISTEN", &c.listenAddr)
	setStr("peer", "LOCKSTEP_PEER", &c.peerAddr)
	setInt("local-player", "LOCKSTEP_LOCAL_PLAYER", &c.localPlayer)
	setInt("num-players", "LOCKSTEP_NUM_PLAYERS", &c.numPlayers)
	setInt("fps", "LOCKSTEP_FPS", &c.fps)
	setInt("max-prediction-frames", "LOCKSTEP_MAX_PREDICTION_FRAMES", &c.maxPredictionFrames)
	setInt("disconnect-timeout-ms", "LOCKSTEP_DISCONNECT_TIMEOUT_MS", &c.disconnectTimeoutMs)
	setInt("send-interval-ms", "LOCKSTEP_SEND_INTERVAL_MS", &c.sendIntervalMs)
	setInt("blob-len", "LOCKSTEP_BLOB_LEN", &c.blobLen)
	setBool("compress-inputs", "LOCKSTEP_COMPRESS_INPUTS", &c.compressInputs)
	setBool("discovery-enable", "LOCKSTEP_DISCOVERY_ENABLE", &c.discoveryEnable)
	setStr("discovery-name", "LOCKSTEP_DISCOVERY_NAME", &c.discoveryName)
	setStr("input", "LOCKSTEP_INPUT", &c.input)
	setStr("serial-dev", "LOCKSTEP_SERIAL_DEV", &c.serialDev)
	setInt("serial-baud", "LOCKSTEP_SERIAL_BAUD", &c.serialBaud)
	setStr("log-format", "LOCKSTEP_LOG_FORMAT", &c.logFormat)
	setStr("log-level", "LOCKSTEP_LOG_LEVEL", &c.logLevel)
	setStr("metrics-addr", "LOCKSTEP_METRICS_ADDR", &c.metricsAddr)

	return firstErr
}
