package heartbeat

import "errors"

var (
	// ErrInvalidTimeout is returned when the heartbeat timeout is not positive.
	ErrInvalidTimeout = errors.New("heartbeat timeout must be positive")

	// ErrInvalidInterval is returned when the check interval is not positive.
	ErrInvalidInterval = errors.New("check interval must be positive")

	// ErrInvalidThreshold is returned when the miss-count watermarks are not
	// ordered 1 <= suspect threshold <= max missed.
	ErrInvalidThreshold = errors.New("invalid miss-count thresholds")
)
