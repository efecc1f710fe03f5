package registry

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Registry is the concurrent node registry. Every exported operation is
// atomic at the granularity of a single record, and every returned Node is a
// value snapshot, never a live reference into the map.
//
// The registry is in-memory only; it holds no state across restarts.
type Registry struct {
	logger *zap.Logger

	mu    sync.RWMutex
	nodes map[string]*Node
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Registry{
		logger: logger,
		nodes:  make(map[string]*Node),
	}
}

// AddOrUpdate inserts a fresh alive record if absent, otherwise refreshes the
// existing one: the endpoint is overwritten, the metadata is replaced when a
// non-nil map is given (a nil map keeps the previous one), the miss counter
// is reset, the status becomes alive and the heartbeat timestamp is set to now.
//
// It returns a snapshot of the record after the call, whether the record was
// newly created, and the status the record held before the call (unknown for
// the new-record case). The previous status is captured in the same critical
// section as the update so callers can classify joined/revived transitions
// without racing the update itself.
func (r *Registry) AddOrUpdate(nodeID, address string, port int, metadata map[string]string) (Node, bool, NodeStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		node = &Node{ID: nodeID}
		r.nodes[nodeID] = node

		r.logger.Info("node registered",
			zap.String("node_id", nodeID),
			zap.String("address", address),
			zap.Int("port", port),
		)
	}

	prev := node.Status
	if !ok {
		prev = NodeStatusUnknown
	}

	node.Address = address
	node.Port = port
	node.Status = NodeStatusAlive
	node.LastHeartbeat = time.Now()
	node.MissedHeartbeats = 0
	if metadata != nil {
		node.Metadata = metadata
	}

	return node.clone(), !ok, prev
}

// IncrementMissed increments the node's miss counter and returns the new
// count. It is a no-op returning 0 if the node is absent.
func (r *Registry) IncrementMissed(nodeID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		return 0
	}

	node.MissedHeartbeats++
	return node.MissedHeartbeats
}

// SetStatus sets the node's status and returns the previous one. It is a
// no-op returning unknown if the node is absent.
func (r *Registry) SetStatus(nodeID string, status NodeStatus) NodeStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		return NodeStatusUnknown
	}

	prev := node.Status
	node.Status = status
	return prev
}

// MarkMissed increments the node's miss counter and reclassifies it against
// the two watermarks in a single critical section:
//
//   - counter >= maxMissed and not already dead: the node becomes dead.
//   - counter >= suspectThreshold and currently alive: the node becomes
//     suspected.
//
// The guards make each downward transition fire at most once per silence
// episode; a node that is already dead stays dead without re-transitioning.
// The returned Transition carries the statuses before and after so the
// caller can emit the matching lifecycle event. The second return is false
// if the node is absent.
func (r *Registry) MarkMissed(nodeID string, suspectThreshold, maxMissed int) (Transition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		return Transition{}, false
	}

	node.MissedHeartbeats++
	from := node.Status

	switch {
	case node.MissedHeartbeats >= maxMissed && from != NodeStatusDead:
		node.Status = NodeStatusDead
	case node.MissedHeartbeats >= suspectThreshold && from == NodeStatusAlive:
		node.Status = NodeStatusSuspected
	}

	return Transition{Node: node.clone(), From: from, To: node.Status}, true
}

// Remove deletes the node and returns a snapshot of the removed record. The
// second return is false if the node was absent.
func (r *Registry) Remove(nodeID string) (Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		return Node{}, false
	}

	delete(r.nodes, nodeID)

	r.logger.Info("node removed", zap.String("node_id", nodeID))
	return node.clone(), true
}

// Get returns a snapshot of the node. The second return is false if absent.
func (r *Registry) Get(nodeID string) (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		return Node{}, false
	}

	return node.clone(), true
}

// List returns a snapshot of all records. The slice is safe to iterate while
// other goroutines mutate the registry.
func (r *Registry) List() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]Node, 0, len(r.nodes))
	for _, node := range r.nodes {
		nodes = append(nodes, node.clone())
	}

	return nodes
}

// Count returns the number of registered nodes.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}
