package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/lockstep/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"messages_sent", snap.MessagesSent,
					"messages_received", snap.MessagesReceived,
					"messages_dropped", snap.MessagesDropped,
					"rollbacks", snap.Rollbacks,
					"prediction_misses", snap.PredictionMisses,
					"queue_full_rejects", snap.QueueFullRejects,
					"peer_disconnects", snap.PeerDisconnects,
					"desyncs_detected", snap.DesyncsDetected,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
