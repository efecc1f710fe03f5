// Package agent provides the heartbeat client that reports liveness to the server.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"udpbeat/pkg/cluster/protocol"

	"github.com/google/uuid"
	"github.com/tevino/abool"
	"go.uber.org/zap"
)

// Config holds the agent configuration.
type Config struct {
	// NodeID is the unique identifier for this node (auto-generated if empty).
	NodeID string `mapstructure:"node_id"`

	// ServerAddress is the address of the heartbeat server.
	ServerAddress string `mapstructure:"server_address"`

	// ServerPort is the UDP port of the heartbeat server.
	ServerPort int `mapstructure:"server_port"`

	// HeartbeatInterval is the spacing between Pings.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`

	// Metadata is sent with the Join message.
	Metadata map[string]string `mapstructure:"metadata"`
}

// DefaultConfig returns the default agent configuration.
func DefaultConfig() Config {
	return Config{
		ServerAddress:     "127.0.0.1",
		ServerPort:        5000,
		HeartbeatInterval: time.Second,
		Metadata:          make(map[string]string),
	}
}

// Validate checks the configuration constraints.
func (c Config) Validate() error {
	if c.ServerAddress == "" {
		return ErrNoServerAddress
	}
	if c.ServerPort < 1 || c.ServerPort > 65535 {
		return ErrInvalidPort
	}
	if c.HeartbeatInterval <= 0 {
		return ErrInvalidInterval
	}
	return nil
}

// ConnectionCallback is called when the agent's connection state changes.
type ConnectionCallback func(connected bool)

// Agent is the heartbeat client. It announces itself with a Join, emits
// Pings on a fixed interval, tracks connectivity from Pong responses and
// departs with a Leave on shutdown.
type Agent struct {
	config Config
	logger *zap.Logger

	nodeID string
	conn   *net.UDPConn

	// seq is shared by Join, Ping, Leave and Health so every outgoing
	// message carries a strictly increasing sequence number.
	seq atomic.Int64

	connected   *abool.AtomicBool
	lastLatency atomic.Int64 // milliseconds

	callbackMu sync.RWMutex
	callback   ConnectionCallback

	wg       sync.WaitGroup
	sendDone chan struct{}

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
}

// New creates a heartbeat agent. A missing node ID is replaced with a random
// 8-character token.
func New(config Config, logger *zap.Logger) (*Agent, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid agent config: %w", err)
	}

	nodeID := config.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()[:8]
	}

	return &Agent{
		config:    config,
		logger:    logger,
		nodeID:    nodeID,
		connected: abool.New(),
	}, nil
}

// NodeID returns the identifier the agent reports to the server.
func (a *Agent) NodeID() string {
	return a.nodeID
}

// Connected reports whether a Pong has been received since Start.
func (a *Agent) Connected() bool {
	return a.connected.IsSet()
}

// LastLatency returns the most recently observed Pong latency: the time from
// the server's Pong timestamp to its arrival here, clamped at zero.
func (a *Agent) LastLatency() time.Duration {
	return time.Duration(a.lastLatency.Load()) * time.Millisecond
}

// OnConnectionChange registers a callback fired on connect and disconnect.
func (a *Agent) OnConnectionChange(cb ConnectionCallback) {
	a.callbackMu.Lock()
	defer a.callbackMu.Unlock()
	a.callback = cb
}

func (a *Agent) notify(connected bool) {
	a.callbackMu.RLock()
	cb := a.callback
	a.callbackMu.RUnlock()

	if cb != nil {
		cb(connected)
	}
}

// Start dials the server, announces the node with a Join and starts the
// send and receive loops.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = true
	a.mu.Unlock()

	addr := net.JoinHostPort(a.config.ServerAddress, strconv.Itoa(a.config.ServerPort))
	serverAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		a.setStopped()
		return fmt.Errorf("failed to resolve server address %s: %w", addr, err)
	}

	conn, err := net.DialUDP("udp", nil, serverAddr)
	if err != nil {
		a.setStopped()
		return fmt.Errorf("failed to dial server %s: %w", addr, err)
	}
	a.conn = conn

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.sendDone = make(chan struct{})

	if err := a.send(protocol.MessageTypeJoin, a.config.Metadata); err != nil {
		a.logger.Warn("failed to send join", zap.Error(err))
	}

	a.wg.Add(2)
	go a.sendLoop(ctx)
	go a.receiveLoop()

	// A cancelled parent context shuts the agent down with the same
	// best-effort Leave as an explicit Stop.
	go func() {
		<-ctx.Done()
		a.Stop()
	}()

	a.logger.Info("heartbeat agent started",
		zap.String("node_id", a.nodeID),
		zap.String("server", addr),
		zap.Duration("interval", a.config.HeartbeatInterval),
	)

	return nil
}

// Stop sends a best-effort Leave, marks the agent disconnected and tears
// down the loops and the socket.
func (a *Agent) Stop() error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	// Quiesce the ping loop first so the Leave is the last message out.
	a.cancel()
	<-a.sendDone

	if err := a.send(protocol.MessageTypeLeave, nil); err != nil {
		a.logger.Warn("failed to send leave", zap.Error(err))
	}

	if a.connected.SetToIf(true, false) {
		a.notify(false)
	}

	a.conn.Close()
	a.wg.Wait()

	a.logger.Info("heartbeat agent stopped", zap.String("node_id", a.nodeID))
	return nil
}

func (a *Agent) setStopped() {
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
}

func (a *Agent) isRunning() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.running
}

// SendHealth emits a single Health message with caller-supplied metadata.
// Applications call this to push updated health details between Pings.
func (a *Agent) SendHealth(metadata map[string]string) error {
	if !a.isRunning() {
		return ErrNotRunning
	}
	return a.send(protocol.MessageTypeHealth, metadata)
}

// sendLoop emits a Ping every heartbeat interval until cancelled. Send
// failures are logged and absorbed; the server's miss counter is the only
// retry mechanism.
func (a *Agent) sendLoop(ctx context.Context) {
	defer a.wg.Done()
	defer close(a.sendDone)

	ticker := time.NewTicker(a.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			if err := a.send(protocol.MessageTypePing, nil); err != nil {
				a.logger.Warn("failed to send ping", zap.Error(err))
			}
		}
	}
}

// receiveLoop consumes Pong responses until the socket is closed.
func (a *Agent) receiveLoop() {
	defer a.wg.Done()

	buf := make([]byte, 2048)
	for {
		n, err := a.conn.Read(buf)
		if err != nil {
			if !a.isRunning() || errors.Is(err, net.ErrClosed) {
				return
			}
			a.logger.Error("receive error", zap.Error(err))
			continue
		}

		msg, err := protocol.Decode(buf[:n])
		if err != nil {
			a.logger.Debug("dropping malformed datagram", zap.Error(err))
			continue
		}

		if msg.Type != protocol.MessageTypePong {
			continue
		}

		a.handlePong(msg)
	}
}

func (a *Agent) handlePong(msg *protocol.Message) {
	latency := time.Now().UnixMilli() - msg.Timestamp
	if latency < 0 {
		latency = 0
	}
	a.lastLatency.Store(latency)

	a.logger.Debug("pong received",
		zap.Int64("seq", msg.Sequence),
		zap.Int64("latency_ms", latency),
	)

	if a.connected.SetToIf(false, true) {
		a.logger.Info("connected to server", zap.String("node_id", a.nodeID))
		a.notify(true)
	}
}

// send encodes and writes one message with the next sequence number.
func (a *Agent) send(msgType protocol.MessageType, metadata map[string]string) error {
	msg := &protocol.Message{
		Type:      msgType,
		NodeID:    a.nodeID,
		Sequence:  a.seq.Add(1),
		Timestamp: time.Now().UnixMilli(),
		Metadata:  metadata,
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", msgType, err)
	}

	if _, err := a.conn.Write(data); err != nil {
		return fmt.Errorf("failed to send %s: %w", msgType, err)
	}

	return nil
}
