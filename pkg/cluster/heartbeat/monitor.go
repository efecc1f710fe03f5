// Package heartbeat provides the health-check loop that classifies node liveness.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"udpbeat/pkg/cluster/event"
	"udpbeat/pkg/cluster/registry"

	"go.uber.org/zap"
)

// Config holds the health-check configuration.
type Config struct {
	// Timeout is how long a node may stay silent before a check tick
	// counts a missed heartbeat against it.
	Timeout time.Duration `mapstructure:"timeout"`

	// SuspectThreshold is the miss count at which a node becomes suspected.
	SuspectThreshold int `mapstructure:"suspect_threshold"`

	// MaxMissed is the miss count at which a node is declared dead.
	MaxMissed int `mapstructure:"max_missed"`

	// CheckInterval is the spacing between health-check ticks.
	CheckInterval time.Duration `mapstructure:"check_interval"`
}

// DefaultConfig returns the default health-check configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:          3 * time.Second,
		SuspectThreshold: 2,
		MaxMissed:        3,
		CheckInterval:    time.Second,
	}
}

// Validate checks the configuration constraints.
func (c Config) Validate() error {
	if c.Timeout <= 0 {
		return ErrInvalidTimeout
	}
	if c.CheckInterval <= 0 {
		return ErrInvalidInterval
	}
	if c.SuspectThreshold < 1 {
		return ErrInvalidThreshold
	}
	if c.MaxMissed < c.SuspectThreshold {
		return ErrInvalidThreshold
	}
	return nil
}

// Monitor periodically sweeps the registry, ages out silent nodes and
// publishes suspected/died transitions. Each transition is published at most
// once per silence episode; a node must revive before it can transition
// again.
type Monitor struct {
	registry *registry.Registry
	bus      *event.Bus
	config   Config
	logger   *zap.Logger

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewMonitor creates a health-check monitor.
func NewMonitor(reg *registry.Registry, bus *event.Bus, config Config, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Monitor{
		registry: reg,
		bus:      bus,
		config:   config,
		logger:   logger,
	}
}

// Start starts the health-check loop.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	if err := m.config.Validate(); err != nil {
		return err
	}

	m.running = true

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.run(ctx)

	m.logger.Info("health-check monitor started",
		zap.Duration("interval", m.config.CheckInterval),
		zap.Duration("timeout", m.config.Timeout),
		zap.Int("suspect_threshold", m.config.SuspectThreshold),
		zap.Int("max_missed", m.config.MaxMissed),
	)

	return nil
}

// Stop stops the health-check loop and waits for it to exit.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}

	m.running = false
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	cancel()
	<-done

	m.logger.Info("health-check monitor stopped")
	return nil
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			m.CheckNow()
		}
	}
}

// CheckNow runs a single health sweep over the current registry snapshot.
// The loop calls it every tick; hosting code and tests may call it directly.
func (m *Monitor) CheckNow() {
	now := time.Now()

	for _, node := range m.registry.List() {
		if node.TimeSinceLastHeartbeat(now) <= m.config.Timeout {
			continue
		}

		// The increment and the reclassification happen in one registry
		// operation, so a message arriving concurrently cannot split the
		// decision: either it lands before (the counter restarts from zero
		// and this tick counts one miss) or after (revival sees the new
		// status).
		tr, ok := m.registry.MarkMissed(node.ID, m.config.SuspectThreshold, m.config.MaxMissed)
		if !ok {
			continue
		}

		switch {
		case tr.To == registry.NodeStatusDead && tr.From != registry.NodeStatusDead:
			m.logger.Warn("node died",
				zap.String("node_id", tr.Node.ID),
				zap.Int("missed_heartbeats", tr.Node.MissedHeartbeats),
				zap.Time("last_heartbeat", tr.Node.LastHeartbeat),
			)
			m.bus.Publish(event.Event{Type: event.NodeDied, Node: tr.Node, Time: now})

		case tr.To == registry.NodeStatusSuspected && tr.From == registry.NodeStatusAlive:
			m.logger.Warn("node suspected",
				zap.String("node_id", tr.Node.ID),
				zap.Int("missed_heartbeats", tr.Node.MissedHeartbeats),
				zap.Time("last_heartbeat", tr.Node.LastHeartbeat),
			)
			m.bus.Publish(event.Event{Type: event.NodeSuspected, Node: tr.Node, Time: now})
		}
	}
}
