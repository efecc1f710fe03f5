package server

import "errors"

var (
	// ErrInvalidPort is returned when the listen port is outside 1..65535.
	ErrInvalidPort = errors.New("listen port must be in 1..65535")
)
