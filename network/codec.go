package network

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/VanDung-dev/ParkGate-Engine/message"
)

// ErrInvalidMessage is returned when a frame does not hold a valid network message.
var ErrInvalidMessage = errors.New("invalid network message")

// envelope is the wire form. Pointers detect missing routing fields.
type envelope struct {
	Type      message.Type          `json:"type"`
	Sender    *message.NodeIdentity `json:"sender"`
	Recipient *message.NodeIdentity `json:"recipient"`
	Payload   message.Payload       `json:"payload"`
}

// Encode serializes a network message as JSON.
func Encode(m message.Network) ([]byte, error) {
	if !m.Type.IsNetwork() {
		return nil, fmt.Errorf("%w: cannot encode type %q", ErrInvalidMessage, m.Type)
	}

	data, err := json.Marshal(envelope{
		Type:      m.Type,
		Sender:    m.Sender.Ref(),
		Recipient: m.Recipient.Ref(),
		Payload:   m.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", m.Type, err)
	}
	return data, nil
}

// Decode parses a network message and checks the fields its type requires.
func Decode(data []byte) (message.Network, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return message.Network{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	if !env.Type.IsNetwork() {
		return message.Network{}, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, env.Type)
	}
	if env.Sender == nil || env.Recipient == nil {
		return message.Network{}, fmt.Errorf("%w: %s: missing sender or recipient", ErrInvalidMessage, env.Type)
	}

	switch env.Type {
	case message.ElectionFinished:
		if env.Payload.Leader == nil {
			return message.Network{}, fmt.Errorf("%w: %s: missing leader", ErrInvalidMessage, env.Type)
		}
	case message.EnterResponse, message.LeaveResponse:
		if env.Payload.Allowed == nil {
			return message.Network{}, fmt.Errorf("%w: %s: missing allowed", ErrInvalidMessage, env.Type)
		}
	}

	return message.NewNetwork(env.Type, *env.Sender, *env.Recipient, env.Payload), nil
}
