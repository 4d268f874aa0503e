package core

import (
	"context"
	"sync"
	"time"

	"github.com/akshad-exe/AirSense/internal/metrics"
	"github.com/sirupsen/logrus"
)

const (
	DefaultCheckInterval    = 30 * time.Second
	DefaultOfflineThreshold = 60 * time.Second
)

// --- Liveness Monitor ---

// LivenessMonitor periodically flips silent devices offline. It is owned by
// the process lifecycle: Start launches the loop, Stop cancels it and waits.
type LivenessMonitor struct {
	devices     *DeviceRegistry
	broadcaster Broadcaster
	interval    time.Duration
	threshold   time.Duration
	logger      *logrus.Logger
	metrics     *metrics.Metrics

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewLivenessMonitor(devices *DeviceRegistry, broadcaster Broadcaster, interval, threshold time.Duration, logger *logrus.Logger, m *metrics.Metrics) *LivenessMonitor {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	if threshold <= 0 {
		threshold = DefaultOfflineThreshold
	}
	return &LivenessMonitor{
		devices:     devices,
		broadcaster: broadcaster,
		interval:    interval,
		threshold:   threshold,
		logger:      logger,
		metrics:     m,
	}
}

// Start launches the sweep loop. Calling Start on a running monitor is a no-op.
func (l *LivenessMonitor) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.run(ctx, l.done)

	l.logger.WithFields(logrus.Fields{
		"interval":  l.interval.String(),
		"threshold": l.threshold.String(),
	}).Info("Liveness monitor started")
}

// Stop cancels the loop and waits for it to exit. Safe to call when stopped.
func (l *LivenessMonitor) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	l.logger.Info("Liveness monitor stopped")
}

func (l *LivenessMonitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// A failed sweep is retried on the next tick.
			if _, err := l.RunOnce(ctx); err != nil && ctx.Err() == nil {
				l.logger.WithError(err).Error("Offline sweep failed")
			}
		}
	}
}

// RunOnce performs a single sweep and announces every flipped device.
func (l *LivenessMonitor) RunOnce(ctx context.Context) (int, error) {
	ids, err := l.devices.MarkOffline(ctx, l.threshold)
	l.metrics.ObserveSweep(len(ids), err)
	if err != nil {
		return 0, err
	}

	for _, id := range ids {
		l.broadcaster.Broadcast(Event{
			Type:      EventDeviceStatus,
			Data:      DeviceStatusUpdate{DeviceID: id, Status: StatusOffline},
			Timestamp: time.Now().UTC(),
		})
	}
	if len(ids) > 0 {
		l.logger.WithField("count", len(ids)).Info("Devices marked offline")
	}
	return len(ids), nil
}
