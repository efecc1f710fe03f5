package event

import (
	"fmt"
	"testing"
	"time"

	"udpbeat/pkg/cluster/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	b := NewBus(zaptest.NewLogger(t))
	ch1 := b.Subscribe("one", 8)
	ch2 := b.Subscribe("two", 8)

	b.Publish(Event{Type: NodeJoined, Node: registry.Node{ID: "node-1"}})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, NodeJoined, ev.Type)
			assert.Equal(t, "node-1", ev.Node.ID)
			assert.False(t, ev.Time.IsZero())
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestPerNodeOrderingPreserved(t *testing.T) {
	b := NewBus(zaptest.NewLogger(t))
	ch := b.Subscribe("sub", 16)

	sequence := []Type{NodeJoined, NodeSuspected, NodeDied, NodeRevived, NodeLeft}
	for _, typ := range sequence {
		b.Publish(Event{Type: typ, Node: registry.Node{ID: "node-1"}})
	}

	for _, want := range sequence {
		select {
		case ev := <-ch:
			assert.Equal(t, want, ev.Type)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	b := NewBus(zaptest.NewLogger(t))
	b.Subscribe("slow", 2)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: NodeJoined, Node: registry.Node{ID: fmt.Sprintf("node-%d", i)}})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	b := NewBus(zaptest.NewLogger(t))
	ch := b.Subscribe("slow", 2)

	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: NodeJoined, Node: registry.Node{ID: fmt.Sprintf("node-%d", i)}})
	}

	// The queue holds the two newest events; the first three were shed.
	ev := <-ch
	assert.Equal(t, "node-3", ev.Node.ID)
	ev = <-ch
	assert.Equal(t, "node-4", ev.Node.ID)
}

func TestSubscribeZeroBufferUsesDefault(t *testing.T) {
	b := NewBus(zaptest.NewLogger(t))
	ch := b.Subscribe("sub", 0)

	b.Publish(Event{Type: NodeJoined, Node: registry.Node{ID: "node-1"}})

	select {
	case ev := <-ch:
		assert.Equal(t, "node-1", ev.Node.ID)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestCloseClosesSubscriberChannels(t *testing.T) {
	b := NewBus(zaptest.NewLogger(t))
	ch := b.Subscribe("sub", 4)

	b.Close()

	_, open := <-ch
	assert.False(t, open)

	// Publish after close is a no-op, not a panic.
	b.Publish(Event{Type: NodeJoined, Node: registry.Node{ID: "node-1"}})

	// Subscribing after close yields a closed channel.
	late := b.Subscribe("late", 4)
	_, open = <-late
	require.False(t, open)
}
