package protocol

import (
	"encoding/json"
	"fmt"
)

// Encode serializes a message into a single datagram payload.
func Encode(m *Message) ([]byte, error) {
	if err := validate(m); err != nil {
		return nil, err
	}

	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}

	if len(data) > MaxDatagramSize {
		return nil, ErrMessageTooLarge
	}

	return data, nil
}

// Decode parses a datagram payload into a message. Callers drop the datagram
// on any error; a malformed payload never reaches the registry.
func Decode(data []byte) (*Message, error) {
	if len(data) > MaxDatagramSize {
		return nil, ErrMessageTooLarge
	}

	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}

	if err := validate(&m); err != nil {
		return nil, err
	}

	return &m, nil
}

func validate(m *Message) error {
	if !m.Type.Valid() {
		return ErrUnknownType
	}
	if m.NodeID == "" {
		return ErrEmptyNodeID
	}
	if len(m.NodeID) > MaxNodeIDLength {
		return ErrNodeIDTooLong
	}
	if m.Sequence < 0 {
		return ErrNegativeSequence
	}
	return nil
}
