package engine

import (
	"errors"
	"fmt"

	"github.com/VanDung-dev/ParkGate-Engine/message"
)

// ErrProtocolViolation is wrapped by every ProtocolError.
var ErrProtocolViolation = errors.New("protocol violation")

// ProtocolError reports a message that the node cannot legally handle in its
// current state. It is fatal for the node's processing loop.
type ProtocolError struct {
	NodeID  int
	State   string
	Message message.Type
	Reason  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("node %d/%s: %s: %s", e.NodeID, e.State, e.Message, e.Reason)
}

// Unwrap allows errors.Is(err, ErrProtocolViolation).
func (e *ProtocolError) Unwrap() error {
	return ErrProtocolViolation
}
