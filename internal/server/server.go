// Package server provides the heartbeat server implementation.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"udpbeat/pkg/cluster/event"
	"udpbeat/pkg/cluster/heartbeat"
	"udpbeat/pkg/cluster/registry"

	"go.uber.org/zap"
)

// Config holds the server configuration.
type Config struct {
	// ListenPort is the UDP port the server binds.
	ListenPort int `mapstructure:"listen_port"`

	// EventBuffer is the per-subscriber event queue depth.
	EventBuffer int `mapstructure:"event_buffer"`

	// Heartbeat configuration
	Heartbeat heartbeat.Config `mapstructure:"heartbeat"`
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		ListenPort:  5000,
		EventBuffer: event.DefaultBuffer,
		Heartbeat:   heartbeat.DefaultConfig(),
	}
}

// Validate checks the configuration constraints.
func (c Config) Validate() error {
	if c.ListenPort < 1 || c.ListenPort > 65535 {
		return ErrInvalidPort
	}
	return c.Heartbeat.Validate()
}

// Server is the heartbeat failure-detection server. It ingests heartbeat
// datagrams, maintains the node registry and publishes lifecycle events.
type Server struct {
	config Config
	logger *zap.Logger

	registry *registry.Registry
	bus      *event.Bus
	monitor  *heartbeat.Monitor

	conn *net.UDPConn
	wg   sync.WaitGroup

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
}

// New creates a heartbeat server.
func New(config Config, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}

	reg := registry.New(logger.Named("registry"))
	bus := event.NewBus(logger.Named("events"))
	monitor := heartbeat.NewMonitor(reg, bus, config.Heartbeat, logger.Named("monitor"))

	return &Server{
		config:   config,
		logger:   logger,
		registry: reg,
		bus:      bus,
		monitor:  monitor,
	}, nil
}

// Registry exposes the node registry to hosting code.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Subscribe registers a lifecycle event subscriber using the configured
// queue depth. Subscribers should be registered before Start.
func (s *Server) Subscribe(name string) <-chan event.Event {
	return s.bus.Subscribe(name, s.config.EventBuffer)
}

// Start binds the UDP socket and starts the ingress and health-check loops.
// A bind failure is fatal and returned to the caller.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: s.config.ListenPort})
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("failed to bind udp port %d: %w", s.config.ListenPort, err)
	}
	s.conn = conn

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if err := s.monitor.Start(ctx); err != nil {
		conn.Close()
		cancel()
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("failed to start health-check monitor: %w", err)
	}

	s.wg.Add(1)
	go s.serve(ctx)

	// Unblock the ingress read when the context is cancelled without an
	// explicit Stop.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	s.logger.Info("heartbeat server started",
		zap.Int("port", s.config.ListenPort),
	)

	return nil
}

// Stop shuts the server down: the socket is closed, both loops exit and the
// event bus is closed.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	s.conn.Close()

	s.monitor.Stop()
	s.wg.Wait()
	s.bus.Close()

	s.logger.Info("heartbeat server stopped")
	return nil
}

// serve is the ingress loop: receive, decode, dispatch. Non-fatal errors
// never terminate the loop; only a closed socket does.
func (s *Server) serve(ctx context.Context) {
	defer s.wg.Done()

	buf := make([]byte, 2048)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || s.isClosing() {
				return
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.logger.Error("transient receive error", zap.Error(err))
				continue
			}

			if errors.Is(err, net.ErrClosed) {
				return
			}

			s.logger.Error("receive error", zap.Error(err))
			continue
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])

		s.handleDatagram(payload, addr)
	}
}

func (s *Server) isClosing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.running
}
