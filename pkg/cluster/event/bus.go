// Package event provides the lifecycle event bus for the heartbeat server.
package event

import (
	"sync"
	"time"

	"udpbeat/pkg/cluster/registry"

	"go.uber.org/zap"
)

// Type identifies a node lifecycle event.
type Type string

const (
	// NodeJoined fires when a first message creates a node record.
	NodeJoined Type = "node_joined"

	// NodeLeft fires when a Leave message removes a node record.
	NodeLeft Type = "node_left"

	// NodeSuspected fires when the health check classifies a node suspected.
	NodeSuspected Type = "node_suspected"

	// NodeDied fires when the health check classifies a node dead.
	NodeDied Type = "node_died"

	// NodeRevived fires when a suspected or dead node sends a message again.
	NodeRevived Type = "node_revived"
)

// Event is a lifecycle notification. Node is a value snapshot taken at the
// moment of the transition, not a live reference into the registry.
type Event struct {
	Type Type          `json:"type"`
	Node registry.Node `json:"node"`
	Time time.Time     `json:"time"`
}

// DefaultBuffer is the per-subscriber queue depth used when Subscribe is
// given a non-positive buffer.
const DefaultBuffer = 64

// Bus fans lifecycle events out to subscribers. Publish never blocks: each
// subscriber has a bounded FIFO queue and when it overflows the oldest
// queued event is dropped and a warning logged. Events for a given node are
// delivered to each subscriber in the order they were published.
type Bus struct {
	logger *zap.Logger

	mu     sync.RWMutex
	subs   []*subscriber
	closed bool
}

type subscriber struct {
	name string
	ch   chan Event

	// Serializes pushes so two publishers cannot interleave the
	// drop-oldest dance on the same queue.
	mu      sync.Mutex
	dropped int
}

// NewBus creates an event bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Bus{logger: logger}
}

// Subscribe registers a named subscriber and returns its event channel. The
// channel is closed when the bus is closed. Buffer bounds the queue; values
// below 1 fall back to DefaultBuffer.
func (b *Bus) Subscribe(name string, buffer int) <-chan Event {
	if buffer < 1 {
		buffer = DefaultBuffer
	}

	sub := &subscriber{
		name: name,
		ch:   make(chan Event, buffer),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(sub.ch)
		return sub.ch
	}

	b.subs = append(b.subs, sub)
	return sub.ch
}

// Publish delivers the event to every subscriber without blocking. A full
// subscriber queue sheds its oldest event to make room.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	// The read lock is held across the pushes so Close cannot close a
	// channel mid-delivery. Pushes never block, so the lock is short-lived.
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subs {
		sub.push(ev, b.logger)
	}
}

func (s *subscriber) push(ev Event, logger *zap.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		select {
		case s.ch <- ev:
			return
		default:
		}

		// Queue full: shed the oldest event. The loop retries because the
		// subscriber may consume concurrently, leaving nothing to shed.
		select {
		case old := <-s.ch:
			s.dropped++
			logger.Warn("subscriber queue full, dropping oldest event",
				zap.String("subscriber", s.name),
				zap.String("dropped_type", string(old.Type)),
				zap.String("dropped_node", old.Node.ID),
				zap.Int("total_dropped", s.dropped),
			)
		default:
		}
	}
}

// Close closes every subscriber channel. Publish becomes a no-op afterwards.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
}
