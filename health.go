package pipemux

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// HealthRecord is one worker's last known liveness state, overwritten in
// place by the monitor or by crash detection.
type HealthRecord struct {
	Healthy   bool
	LastCheck time.Time
	Err       error
}

// HealthMonitor periodically probes every connected worker, independent of
// request traffic, to catch processes that are alive but unresponsive. It
// only reports: removal and respawn stay with the process supervisor.
type HealthMonitor struct {
	interval time.Duration
	clock    Clock
	logger   *slog.Logger
	notifier *Notifier

	// targets returns the connections to probe, in registration order.
	targets func() []*WorkerConnection

	mu      sync.Mutex
	running bool
	ticker  Ticker
	stop    chan struct{}
}

func newHealthMonitor(interval time.Duration, clock Clock, logger *slog.Logger,
	notifier *Notifier, targets func() []*WorkerConnection) *HealthMonitor {
	return &HealthMonitor{
		interval: interval,
		clock:    clock,
		logger:   logger,
		notifier: notifier,
		targets:  targets,
	}
}

// Start begins periodic probing. Starting an already-running monitor does not
// duplicate the timer.
func (h *HealthMonitor) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}
	h.running = true
	h.ticker = h.clock.NewTicker(h.interval)
	h.stop = make(chan struct{})
	go h.run(h.ticker, h.stop)
}

// Stop halts probing. Stopping a monitor that was never started is a no-op.
func (h *HealthMonitor) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return
	}
	h.running = false
	h.ticker.Stop()
	close(h.stop)
}

// Running reports whether the probe loop is active.
func (h *HealthMonitor) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

func (h *HealthMonitor) run(ticker Ticker, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			h.probeAll()
		}
	}
}

func (h *HealthMonitor) probeAll() {
	for _, conn := range h.targets() {
		if !conn.Connected() {
			continue
		}
		if err := conn.probe(context.Background()); err != nil {
			h.logger.Warn("health probe failed", "worker", conn.Name(), "error", err)
			h.notifier.Emit(EventWorkerUnhealthy, conn.Name(), map[string]any{"error": err.Error()})
		}
	}
}
