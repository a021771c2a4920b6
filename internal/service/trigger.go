package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/Guizzs26/go-offline-sync/internal/network"
	"github.com/Guizzs26/go-offline-sync/pkg/metrics"
)

// NetworkTrigger samples connectivity and restarts queue draining when the
// device comes back online. It acts on transitions only, never on every sample.
type NetworkTrigger struct {
	monitor  network.Monitor
	queue    *SyncQueue
	interval time.Duration
	logger   *slog.Logger

	last *bool
}

func NewNetworkTrigger(monitor network.Monitor, queue *SyncQueue, interval time.Duration, logger *slog.Logger) *NetworkTrigger {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &NetworkTrigger{
		monitor:  monitor,
		queue:    queue,
		interval: interval,
		logger:   logger.With("component", "network_trigger"),
	}
}

// Run starts the sampling loop. It blocks until the context is canceled.
func (t *NetworkTrigger) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	changes := t.monitor.Observe(ctx)
	t.logger.Info("Network trigger started", "interval", t.interval)

	// The first sample counts as a transition so a restart with queued work drains it.
	t.Observe(t.monitor.IsConnected(ctx))

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("Network trigger shutting down...")
			return nil
		case <-ticker.C:
			t.Observe(t.monitor.IsConnected(ctx))
		case online, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			t.Observe(online)
		}
	}
}

// Observe feeds one connectivity sample. It reports whether it was a transition.
func (t *NetworkTrigger) Observe(online bool) bool {
	if t.last != nil && *t.last == online {
		return false
	}
	t.last = &online

	to := "offline"
	if online {
		to = "online"
		metrics.NetworkOnline.Set(1)
	} else {
		metrics.NetworkOnline.Set(0)
	}
	metrics.NetworkTransitions.WithLabelValues(to).Inc()

	s := t.queue.tracker.Update(func(s *models.SyncStatus) { s.Online = online })
	if !online {
		t.logger.Warn("Connectivity lost, queue paused", "pending", s.PendingOperations)
		return true
	}

	t.logger.Info("Connectivity restored", "pending", s.PendingOperations, "background_sync", s.BackgroundSyncEnabled)
	if s.PendingOperations > 0 && s.BackgroundSyncEnabled {
		t.queue.kick()
	}
	return true
}

// RunMaintenance runs the queue janitor every interval until ctx is canceled.
func RunMaintenance(ctx context.Context, q *SyncQueue, interval time.Duration, logger *slog.Logger) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			logger.Debug("Janitor: starting queue maintenance")
			if err := q.Maintain(ctx); err != nil {
				logger.Error("Janitor: maintenance failure", "error", err)
			}
		case <-ctx.Done():
			logger.Info("Janitor: stopping maintenance loop")
			return nil
		}
	}
}
