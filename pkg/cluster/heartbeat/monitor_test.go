package heartbeat

import (
	"context"
	"testing"
	"time"

	"udpbeat/pkg/cluster/event"
	"udpbeat/pkg/cluster/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testConfig() Config {
	return Config{
		Timeout:          time.Millisecond,
		SuspectThreshold: 2,
		MaxMissed:        3,
		CheckInterval:    10 * time.Millisecond,
	}
}

func collect(ch <-chan event.Event) []event.Event {
	var events []event.Event
	for {
		select {
		case ev := <-ch:
			events = append(events, ev)
		default:
			return events
		}
	}
}

func waitStale() {
	// Push the node past the 1ms test timeout.
	time.Sleep(5 * time.Millisecond)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"zero timeout", func(c *Config) { c.Timeout = 0 }, ErrInvalidTimeout},
		{"zero interval", func(c *Config) { c.CheckInterval = 0 }, ErrInvalidInterval},
		{"zero suspect threshold", func(c *Config) { c.SuspectThreshold = 0 }, ErrInvalidThreshold},
		{"max below suspect", func(c *Config) { c.MaxMissed = 1; c.SuspectThreshold = 2 }, ErrInvalidThreshold},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			require.ErrorIs(t, cfg.Validate(), tt.wantErr)
		})
	}
}

func TestSilentNodeSuspectedThenDead(t *testing.T) {
	reg := registry.New(zaptest.NewLogger(t))
	bus := event.NewBus(zaptest.NewLogger(t))
	ch := bus.Subscribe("test", 16)
	m := NewMonitor(reg, bus, testConfig(), zaptest.NewLogger(t))

	reg.AddOrUpdate("node-1", "127.0.0.1", 4321, nil)
	waitStale()

	// Tick 1: missed=1, still alive, no event.
	m.CheckNow()
	assert.Empty(t, collect(ch))
	node, _ := reg.Get("node-1")
	assert.Equal(t, registry.NodeStatusAlive, node.Status)
	assert.Equal(t, 1, node.MissedHeartbeats)

	// Tick 2: missed=2, suspected.
	m.CheckNow()
	events := collect(ch)
	require.Len(t, events, 1)
	assert.Equal(t, event.NodeSuspected, events[0].Type)
	assert.Equal(t, registry.NodeStatusSuspected, events[0].Node.Status)
	assert.Equal(t, 2, events[0].Node.MissedHeartbeats)

	// Tick 3: missed=3, dead.
	m.CheckNow()
	events = collect(ch)
	require.Len(t, events, 1)
	assert.Equal(t, event.NodeDied, events[0].Type)
	assert.Equal(t, registry.NodeStatusDead, events[0].Node.Status)
	assert.Equal(t, 3, events[0].Node.MissedHeartbeats)
}

func TestDeadNodeDoesNotReEmit(t *testing.T) {
	reg := registry.New(zaptest.NewLogger(t))
	bus := event.NewBus(zaptest.NewLogger(t))
	ch := bus.Subscribe("test", 16)
	m := NewMonitor(reg, bus, testConfig(), zaptest.NewLogger(t))

	reg.AddOrUpdate("node-1", "127.0.0.1", 4321, nil)
	waitStale()

	for i := 0; i < 10; i++ {
		m.CheckNow()
	}

	events := collect(ch)
	require.Len(t, events, 2)
	assert.Equal(t, event.NodeSuspected, events[0].Type)
	assert.Equal(t, event.NodeDied, events[1].Type)

	node, _ := reg.Get("node-1")
	assert.Equal(t, registry.NodeStatusDead, node.Status)
	assert.Equal(t, 10, node.MissedHeartbeats)
}

func TestFreshNodeNotTouched(t *testing.T) {
	reg := registry.New(zaptest.NewLogger(t))
	bus := event.NewBus(zaptest.NewLogger(t))
	ch := bus.Subscribe("test", 16)

	cfg := testConfig()
	cfg.Timeout = time.Minute
	m := NewMonitor(reg, bus, cfg, zaptest.NewLogger(t))

	reg.AddOrUpdate("node-1", "127.0.0.1", 4321, nil)
	m.CheckNow()

	assert.Empty(t, collect(ch))
	node, _ := reg.Get("node-1")
	assert.Equal(t, registry.NodeStatusAlive, node.Status)
	assert.Equal(t, 0, node.MissedHeartbeats)
}

func TestRecoveredNodeRearmsTheMachine(t *testing.T) {
	reg := registry.New(zaptest.NewLogger(t))
	bus := event.NewBus(zaptest.NewLogger(t))
	ch := bus.Subscribe("test", 16)
	m := NewMonitor(reg, bus, testConfig(), zaptest.NewLogger(t))

	reg.AddOrUpdate("node-1", "127.0.0.1", 4321, nil)
	waitStale()
	for i := 0; i < 3; i++ {
		m.CheckNow()
	}
	require.Len(t, collect(ch), 2)

	// Inbound message: counter reset, status alive again.
	_, _, prev := reg.AddOrUpdate("node-1", "127.0.0.1", 4321, nil)
	assert.Equal(t, registry.NodeStatusDead, prev)

	waitStale()
	for i := 0; i < 3; i++ {
		m.CheckNow()
	}

	// A full fresh cycle: suspected then dead again.
	events := collect(ch)
	require.Len(t, events, 2)
	assert.Equal(t, event.NodeSuspected, events[0].Type)
	assert.Equal(t, event.NodeDied, events[1].Type)
}

func TestMultipleNodesSweep(t *testing.T) {
	reg := registry.New(zaptest.NewLogger(t))
	bus := event.NewBus(zaptest.NewLogger(t))
	ch := bus.Subscribe("test", 64)
	m := NewMonitor(reg, bus, testConfig(), zaptest.NewLogger(t))

	reg.AddOrUpdate("stale-1", "127.0.0.1", 1001, nil)
	reg.AddOrUpdate("stale-2", "127.0.0.1", 1002, nil)
	waitStale()
	reg.AddOrUpdate("fresh", "127.0.0.1", 1003, nil)

	m.CheckNow()
	m.CheckNow()

	suspected := make(map[string]int)
	for _, ev := range collect(ch) {
		require.Equal(t, event.NodeSuspected, ev.Type)
		suspected[ev.Node.ID]++
	}
	assert.Equal(t, map[string]int{"stale-1": 1, "stale-2": 1}, suspected)

	fresh, _ := reg.Get("fresh")
	assert.Equal(t, registry.NodeStatusAlive, fresh.Status)
	assert.Equal(t, 0, fresh.MissedHeartbeats)
}

func TestMonitorLoopRuns(t *testing.T) {
	reg := registry.New(zaptest.NewLogger(t))
	bus := event.NewBus(zaptest.NewLogger(t))
	ch := bus.Subscribe("test", 16)
	m := NewMonitor(reg, bus, testConfig(), zaptest.NewLogger(t))

	reg.AddOrUpdate("node-1", "127.0.0.1", 4321, nil)

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	deadline := time.After(5 * time.Second)
	var got []event.Type
	for len(got) < 2 {
		select {
		case ev := <-ch:
			got = append(got, ev.Type)
		case <-deadline:
			t.Fatalf("expected suspected+died from the loop, got %v", got)
		}
	}

	assert.Equal(t, []event.Type{event.NodeSuspected, event.NodeDied}, got)
}

func TestMonitorStartRejectsInvalidConfig(t *testing.T) {
	reg := registry.New(zaptest.NewLogger(t))
	bus := event.NewBus(zaptest.NewLogger(t))

	cfg := testConfig()
	cfg.Timeout = 0
	m := NewMonitor(reg, bus, cfg, zaptest.NewLogger(t))

	require.ErrorIs(t, m.Start(context.Background()), ErrInvalidTimeout)
}

func TestMonitorStopIdempotent(t *testing.T) {
	reg := registry.New(zaptest.NewLogger(t))
	bus := event.NewBus(zaptest.NewLogger(t))
	m := NewMonitor(reg, bus, testConfig(), zaptest.NewLogger(t))

	require.NoError(t, m.Stop())

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Stop())
	require.NoError(t, m.Stop())
}
