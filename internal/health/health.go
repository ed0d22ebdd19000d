// ABOUTME: Periodic health probing and connection recovery for gateway instances.
// ABOUTME: Two independent loops: probe-and-downgrade, and resurrect-disconnected.

package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/harborline/harbormaster/internal/adapter"
	"github.com/harborline/harbormaster/internal/store"
)

const (
	DefaultInterval         = 60 * time.Second
	DefaultRecoveryInterval = 120 * time.Second
	DefaultFailureThreshold = 3
	DefaultMaxConcurrent    = 5

	// counterTTLFactor scales the probe interval into the failure counter's
	// TTL, so strikes survive several missed cycles but not forever.
	counterTTLFactor = 10
)

// Connections is the slice of the registry the loops need.
type Connections interface {
	GetAdapter(instanceID string) (adapter.Adapter, bool)
	Connect(ctx context.Context, instanceID string) error
}

// Options tunes the loops. Zero values pick the defaults.
type Options struct {
	Interval         time.Duration
	RecoveryInterval time.Duration
	FailureThreshold int
	MaxConcurrent    int
	CounterTTL       time.Duration
}

// Manager runs the health and recovery loops against the persisted instance
// set. Probe and connect failures are expected steady-state noise: they are
// swallowed here, and only their effect on persisted status is observable.
type Manager struct {
	store   store.Store
	conns   Connections
	opts    Options
	counter *failureCounter
	logger  *slog.Logger

	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

func NewManager(st store.Store, conns Connections, opts Options, logger *slog.Logger) *Manager {
	if opts.Interval == 0 {
		opts.Interval = DefaultInterval
	}
	if opts.RecoveryInterval == 0 {
		opts.RecoveryInterval = DefaultRecoveryInterval
	}
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	if opts.MaxConcurrent == 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.CounterTTL == 0 {
		opts.CounterTTL = counterTTLFactor * opts.Interval
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		store:   st,
		conns:   conns,
		opts:    opts,
		counter: newFailureCounter(opts.CounterTTL),
		logger:  logger.With("component", "health"),
		done:    make(chan struct{}),
	}
}

// Start launches both loops in the background. Safe to call once.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		m.wg.Add(2)
		go m.healthLoop()
		go m.recoveryLoop()
		m.logger.Info("health loops started",
			"interval", m.opts.Interval,
			"recovery_interval", m.opts.RecoveryInterval,
			"failure_threshold", m.opts.FailureThreshold)
	})
}

// Close stops both loops and waits for them.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		m.wg.Wait()
		m.counter.Close()
	})
}

func (m *Manager) healthLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.runHealthCheck(context.Background())
		}
	}
}

func (m *Manager) recoveryLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.runRecovery(context.Background())
		}
	}
}

// runHealthCheck probes every instance recorded ONLINE or DEGRADED, in
// bounded-concurrency batches.
func (m *Manager) runHealthCheck(ctx context.Context) {
	instances, err := m.store.ListInstancesByStatus(ctx, store.StatusOnline, store.StatusDegraded)
	if err != nil {
		m.logger.Error("failed to list instances for health check", "error", err)
		return
	}
	if len(instances) == 0 {
		return
	}

	sem := make(chan struct{}, m.opts.MaxConcurrent)
	var wg sync.WaitGroup
	for _, inst := range instances {
		wg.Add(1)
		sem <- struct{}{}
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			m.probe(ctx, id)
		}(inst.ID)
	}
	wg.Wait()
}

func (m *Manager) probe(ctx context.Context, instanceID string) {
	ad, ok := m.conns.GetAdapter(instanceID)
	if !ok {
		m.recordFailure(ctx, instanceID, "not connected")
		return
	}

	if err := ad.Probe(ctx); err != nil {
		m.recordFailure(ctx, instanceID, err.Error())
		return
	}
	m.recordSuccess(ctx, instanceID)
}

func (m *Manager) recordSuccess(ctx context.Context, instanceID string) {
	m.counter.Reset(instanceID)
	if err := m.store.UpdateInstanceStatus(ctx, instanceID, store.StatusOnline); err != nil {
		m.logger.Warn("failed to persist instance status", "instance_id", instanceID, "error", err)
	}
}

func (m *Manager) recordFailure(ctx context.Context, instanceID, reason string) {
	strikes := m.counter.Increment(instanceID)

	status := store.StatusDegraded
	if strikes >= m.opts.FailureThreshold {
		status = store.StatusOffline
	}

	m.logger.Warn("health probe failed",
		"instance_id", instanceID,
		"strikes", strikes,
		"status", status,
		"reason", reason)

	if err := m.store.UpdateInstanceStatus(ctx, instanceID, status); err != nil {
		m.logger.Warn("failed to persist instance status", "instance_id", instanceID, "error", err)
	}
}

// runRecovery attempts to resurrect every instance recorded ERROR or OFFLINE.
// A successful reconnect is followed by one immediate probe so the status
// promotion does not wait a full health cycle.
func (m *Manager) runRecovery(ctx context.Context) {
	instances, err := m.store.ListInstancesByStatus(ctx, store.StatusError, store.StatusOffline)
	if err != nil {
		m.logger.Error("failed to list instances for recovery", "error", err)
		return
	}

	for _, inst := range instances {
		if err := m.conns.Connect(ctx, inst.ID); err != nil {
			// Leave status unchanged; the next cycle tries again.
			m.logger.Debug("recovery connect failed", "instance_id", inst.ID, "error", err)
			continue
		}
		m.logger.Info("instance recovered", "instance_id", inst.ID)
		m.probe(ctx, inst.ID)
	}
}
