package engine

import (
	"fmt"

	"github.com/VanDung-dev/ParkGate-Engine/message"
)

// VisitorState tracks a visitor's position relative to the park.
type VisitorState int

const (
	VisitorIdle VisitorState = iota
	VisitorEntering
	VisitorEntered
	VisitorLeaving
)

func (s VisitorState) String() string {
	switch s {
	case VisitorIdle:
		return "idle"
	case VisitorEntering:
		return "entering"
	case VisitorEntered:
		return "entered"
	case VisitorLeaving:
		return "leaving"
	default:
		return "unknown"
	}
}

// VisitorNode is the client side of the admission protocol.
type VisitorNode struct {
	info  message.NodeIdentity
	state VisitorState
}

// NewVisitorNode creates a visitor outside the park.
func NewVisitorNode(info message.NodeIdentity) *VisitorNode {
	return &VisitorNode{info: info, state: VisitorIdle}
}

// Info returns the visitor's identity.
func (v *VisitorNode) Info() message.NodeIdentity { return v.info }

// State returns the visitor's state.
func (v *VisitorNode) State() VisitorState { return v.state }

func (v *VisitorNode) String() string {
	return fmt.Sprintf("%d/%s", v.info.ID, v.state)
}

// Process handles one inbound message.
func (v *VisitorNode) Process(msg message.Message) (message.Outcome, error) {
	switch m := msg.(type) {
	case message.Local:
		return v.processLocal(m)
	case message.Network:
		return v.processNetwork(m)
	default:
		return message.Outcome{}, v.fail(msg.MessageType(), "unsupported message kind")
	}
}

func (v *VisitorNode) processLocal(m message.Local) (message.Outcome, error) {
	switch m.Type {
	case message.EnterPark:
		return v.request(m, VisitorIdle, VisitorEntering, message.EnterRequest)
	case message.LeavePark:
		return v.request(m, VisitorEntered, VisitorLeaving, message.LeaveRequest)
	case message.Terminate:
		return message.Outcome{Stop: true}, nil
	default:
		return message.Outcome{}, v.fail(m.Type, "not a visitor command")
	}
}

func (v *VisitorNode) request(m message.Local, from, to VisitorState, t message.Type) (message.Outcome, error) {
	if v.state != from {
		return message.Outcome{}, v.fail(m.Type, "unexpected state")
	}
	if m.Payload.Gate == nil {
		return message.Outcome{}, v.fail(m.Type, "missing gate")
	}

	v.state = to
	return message.Outcome{
		Outbound: []message.Network{message.NewNetwork(t, v.info, *m.Payload.Gate, message.Payload{})},
	}, nil
}

func (v *VisitorNode) processNetwork(m message.Network) (message.Outcome, error) {
	switch m.Type {
	case message.Hello:
		return message.Outcome{
			Outbound: []message.Network{message.NewNetwork(message.Hey, v.info, m.Sender, message.Payload{})},
		}, nil
	case message.Hey:
		return message.Outcome{}, nil
	case message.EnterResponse:
		return v.response(m, VisitorEntering, VisitorEntered, VisitorIdle)
	case message.LeaveResponse:
		return v.response(m, VisitorLeaving, VisitorIdle, VisitorEntered)
	default:
		return message.Outcome{}, v.fail(m.Type, "unexpected message")
	}
}

func (v *VisitorNode) response(m message.Network, waiting, allowed, denied VisitorState) (message.Outcome, error) {
	if v.state != waiting {
		return message.Outcome{}, v.fail(m.Type, "unexpected state")
	}
	if m.Payload.Allowed == nil {
		return message.Outcome{}, v.fail(m.Type, "missing allowed")
	}

	if *m.Payload.Allowed {
		v.state = allowed
	} else {
		v.state = denied
	}
	return message.Outcome{}, nil
}

func (v *VisitorNode) fail(t message.Type, reason string) error {
	return &ProtocolError{
		NodeID:  v.info.ID,
		State:   v.state.String(),
		Message: t,
		Reason:  reason,
	}
}
