package agent

import "errors"

var (
	// ErrNoServerAddress is returned when the server address is empty.
	ErrNoServerAddress = errors.New("server address is required")

	// ErrInvalidPort is returned when the server port is outside 1..65535.
	ErrInvalidPort = errors.New("server port must be in 1..65535")

	// ErrInvalidInterval is returned when the heartbeat interval is not positive.
	ErrInvalidInterval = errors.New("heartbeat interval must be positive")

	// ErrNotRunning is returned when an operation requires a started agent.
	ErrNotRunning = errors.New("agent is not running")
)
