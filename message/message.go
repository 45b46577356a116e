package message

import (
	"fmt"
	"strings"
)

// Type names a message in the fixed catalogue.
type Type string

// Local commands accepted by a node's broker.
const (
	SayHello      Type = "say_hello"
	StartElection Type = "start_election"
	Terminate     Type = "terminate"
	RemoveLeader  Type = "remove_leader"
	EnterPark     Type = "enter_park"
	LeavePark     Type = "leave_park"
)

// Network messages exchanged between nodes.
const (
	Hello            Type = "hello"
	Hey              Type = "hey"
	ElectionStarted  Type = "election_started"
	ElectionVoted    Type = "election_voted"
	ElectionFinished Type = "election_finished"
	MutexRequested   Type = "mutex_requested"
	MutexGranted     Type = "mutex_granted"
	MutexReleased    Type = "mutex_released"
	EnterRequest     Type = "enter_request"
	LeaveRequest     Type = "leave_request"
	EnterResponse    Type = "enter_response"
	LeaveResponse    Type = "leave_response"
	Terminated       Type = "terminated"
	LeaderRemoved    Type = "leader_removed"
)

// IsLocal reports whether t is a local command.
func (t Type) IsLocal() bool {
	switch t {
	case SayHello, StartElection, Terminate, RemoveLeader, EnterPark, LeavePark:
		return true
	default:
		return false
	}
}

// IsNetwork reports whether t belongs to the wire catalogue.
func (t Type) IsNetwork() bool {
	switch t {
	case Hello, Hey,
		ElectionStarted, ElectionVoted, ElectionFinished,
		MutexRequested, MutexGranted, MutexReleased,
		EnterRequest, LeaveRequest, EnterResponse, LeaveResponse,
		Terminated, LeaderRemoved:
		return true
	default:
		return false
	}
}

// Payload carries the named fields of a message. A nil field is absent (or null).
type Payload struct {
	Leader  *NodeIdentity `json:"leader,omitempty"`
	Allowed *bool         `json:"allowed,omitempty"`
	Gate    *NodeIdentity `json:"gate,omitempty"`
}

// Bool returns a pointer to b, for building Allowed fields.
func Bool(b bool) *bool {
	return &b
}

// Equal reports whether p and other carry the same field values.
func (p Payload) Equal(other Payload) bool {
	return identityPtrEqual(p.Leader, other.Leader) &&
		boolPtrEqual(p.Allowed, other.Allowed) &&
		identityPtrEqual(p.Gate, other.Gate)
}

func (p Payload) String() string {
	fields := make([]string, 0, 3)
	if p.Leader != nil {
		fields = append(fields, "leader="+p.Leader.String())
	}
	if p.Allowed != nil {
		fields = append(fields, fmt.Sprintf("allowed=%t", *p.Allowed))
	}
	if p.Gate != nil {
		fields = append(fields, "gate="+p.Gate.String())
	}
	return "{" + strings.Join(fields, " ") + "}"
}

func identityPtrEqual(a, b *NodeIdentity) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func boolPtrEqual(a, b *bool) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Message is either a Local command or a Network envelope.
type Message interface {
	MessageType() Type
	isMessage()
}

// Local is a command issued to a node by its own operator.
type Local struct {
	Type    Type
	Payload Payload
}

// NewLocal creates a local command.
func NewLocal(t Type, payload Payload) Local {
	return Local{Type: t, Payload: payload}
}

func (Local) isMessage() {}

// MessageType returns the command type.
func (m Local) MessageType() Type { return m.Type }

// Equal reports structural equality.
func (m Local) Equal(other Local) bool {
	return m.Type == other.Type && m.Payload.Equal(other.Payload)
}

func (m Local) String() string {
	return fmt.Sprintf("%s %s", m.Type, m.Payload)
}

// Network is a message sent from one node to another.
type Network struct {
	Type      Type         `json:"type"`
	Sender    NodeIdentity `json:"sender"`
	Recipient NodeIdentity `json:"recipient"`
	Payload   Payload      `json:"payload"`
}

// NewNetwork creates a network envelope.
func NewNetwork(t Type, sender, recipient NodeIdentity, payload Payload) Network {
	return Network{
		Type:      t,
		Sender:    sender,
		Recipient: recipient,
		Payload:   payload,
	}
}

func (Network) isMessage() {}

// MessageType returns the message type.
func (m Network) MessageType() Type { return m.Type }

// Equal reports structural equality.
func (m Network) Equal(other Network) bool {
	return m.Type == other.Type &&
		m.Sender == other.Sender &&
		m.Recipient == other.Recipient &&
		m.Payload.Equal(other.Payload)
}

func (m Network) String() string {
	return fmt.Sprintf("%s %s", m.Type, m.Payload)
}

// Outcome is what a node produces for one inbound message: the messages to
// publish, in order, and whether the node's processing loop must stop after them.
type Outcome struct {
	Outbound []Network
	Stop     bool
}
