package protocol

import "errors"

var (
	// ErrUnknownType is returned when the type code is not a defined message type.
	ErrUnknownType = errors.New("unknown message type")

	// ErrEmptyNodeID is returned when a message carries no node ID.
	ErrEmptyNodeID = errors.New("empty node id")

	// ErrNodeIDTooLong is returned when the node ID exceeds MaxNodeIDLength bytes.
	ErrNodeIDTooLong = errors.New("node id too long")

	// ErrNegativeSequence is returned when the sequence number is negative.
	ErrNegativeSequence = errors.New("negative sequence number")

	// ErrMessageTooLarge is returned when the payload exceeds MaxDatagramSize.
	ErrMessageTooLarge = errors.New("message exceeds maximum datagram size")
)
