package server

import (
	"net"
	"time"

	"udpbeat/pkg/cluster/event"
	"udpbeat/pkg/cluster/protocol"
	"udpbeat/pkg/cluster/registry"

	"go.uber.org/zap"
)

// handleDatagram decodes one datagram and dispatches it by message type.
// Malformed payloads are dropped without touching the registry.
func (s *Server) handleDatagram(payload []byte, addr *net.UDPAddr) {
	msg, err := protocol.Decode(payload)
	if err != nil {
		s.logger.Debug("dropping malformed datagram",
			zap.String("remote", addr.String()),
			zap.Int("bytes", len(payload)),
			zap.Error(err),
		)
		return
	}

	s.logger.Debug("datagram received",
		zap.String("type", msg.Type.String()),
		zap.String("node_id", msg.NodeID),
		zap.Int64("seq", msg.Sequence),
		zap.String("remote", addr.String()),
	)

	switch msg.Type {
	case protocol.MessageTypeJoin:
		s.handleJoin(msg, addr)
	case protocol.MessageTypePing:
		s.handlePing(msg, addr)
	case protocol.MessageTypeHealth:
		s.handleHealth(msg, addr)
	case protocol.MessageTypeLeave:
		s.handleLeave(msg)
	case protocol.MessageTypePong:
		// The server does not consume its own echoes.
	}
}

// handleJoin registers the node and answers with a Pong. A Join from a
// suspected or dead node is a revival, not a fresh join.
func (s *Server) handleJoin(msg *protocol.Message, addr *net.UDPAddr) {
	node, _, prev := s.touch(msg, addr)

	if revived(prev) {
		s.bus.Publish(event.Event{Type: event.NodeRevived, Node: node})
	} else {
		s.bus.Publish(event.Event{Type: event.NodeJoined, Node: node})
	}

	s.sendPong(msg, addr)
}

// handlePing refreshes the node and answers with a Pong. A Ping from a
// never-seen node registers it, so a client restarting without a Join still
// appears in the registry.
func (s *Server) handlePing(msg *protocol.Message, addr *net.UDPAddr) {
	node, wasNew, prev := s.touch(msg, addr)

	switch {
	case revived(prev):
		s.bus.Publish(event.Event{Type: event.NodeRevived, Node: node})
	case wasNew:
		s.bus.Publish(event.Event{Type: event.NodeJoined, Node: node})
	}

	s.sendPong(msg, addr)
}

// handleHealth refreshes the node and its metadata. No response is sent. A
// Health from a never-seen node registers it and emits a join, as a Ping
// does; for a known node an event fires only if it was suspected or dead.
func (s *Server) handleHealth(msg *protocol.Message, addr *net.UDPAddr) {
	node, wasNew, prev := s.touch(msg, addr)

	switch {
	case revived(prev):
		s.bus.Publish(event.Event{Type: event.NodeRevived, Node: node})
	case wasNew:
		s.bus.Publish(event.Event{Type: event.NodeJoined, Node: node})
	}
}

// handleLeave removes the node. A Leave for an unknown node is a no-op.
func (s *Server) handleLeave(msg *protocol.Message) {
	node, ok := s.registry.Remove(msg.NodeID)
	if !ok {
		return
	}

	s.bus.Publish(event.Event{Type: event.NodeLeft, Node: node})
}

// touch records the message in the registry. The stored endpoint is the
// datagram's observed source address, never anything self-reported in the
// message, so the address cannot be spoofed by the payload.
func (s *Server) touch(msg *protocol.Message, addr *net.UDPAddr) (registry.Node, bool, registry.NodeStatus) {
	return s.registry.AddOrUpdate(msg.NodeID, addr.IP.String(), addr.Port, msg.Metadata)
}

func revived(prev registry.NodeStatus) bool {
	return prev == registry.NodeStatusSuspected || prev == registry.NodeStatusDead
}

// sendPong answers a Ping or Join, echoing its sequence number.
func (s *Server) sendPong(msg *protocol.Message, addr *net.UDPAddr) {
	pong := &protocol.Message{
		Type:      protocol.MessageTypePong,
		NodeID:    protocol.ServerNodeID,
		Sequence:  msg.Sequence,
		Timestamp: time.Now().UnixMilli(),
	}

	data, err := protocol.Encode(pong)
	if err != nil {
		s.logger.Error("failed to encode pong", zap.Error(err))
		return
	}

	if _, err := s.conn.WriteToUDP(data, addr); err != nil {
		if s.isClosing() {
			return
		}
		s.logger.Error("failed to send pong",
			zap.String("remote", addr.String()),
			zap.Error(err),
		)
	}
}
