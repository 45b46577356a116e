// Package message defines the value types exchanged between park nodes.
//
// This package implements:
//   - NodeIdentity: routing key and election tie-break of a node
//   - Local: commands injected into a node by its operator
//   - Network: envelopes carried between nodes by the transport
//   - Outcome: the result of processing a single inbound message
package message

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ErrInvalidIdentity is returned when a textual node identity cannot be parsed.
var ErrInvalidIdentity = errors.New("invalid node identity")

// Address is the TCP endpoint a node listens on.
type Address struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// String returns the address in host:port form.
func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// NodeIdentity identifies a node. It is a comparable value and can be used as a map key.
type NodeIdentity struct {
	ID       int     `json:"id"`
	Address  Address `json:"address"`
	Capacity int     `json:"capacity"`
}

// NewIdentity creates a NodeIdentity.
func NewIdentity(id int, host string, port int, capacity int) NodeIdentity {
	return NodeIdentity{
		ID:       id,
		Address:  Address{Host: host, Port: port},
		Capacity: capacity,
	}
}

// Outranks reports whether n wins an election against other.
// Higher capacity wins; equal capacities are decided by the higher ID.
func (n NodeIdentity) Outranks(other NodeIdentity) bool {
	if n.Capacity != other.Capacity {
		return n.Capacity > other.Capacity
	}
	return n.ID > other.ID
}

// String returns the identity as id@host:port/capacity.
func (n NodeIdentity) String() string {
	return fmt.Sprintf("%d@%s/%d", n.ID, n.Address, n.Capacity)
}

// Ref returns a pointer to a copy of n.
func (n NodeIdentity) Ref() *NodeIdentity {
	return &n
}

// ParseIdentity parses the id@host:port/capacity form produced by String.
// The capacity is required: identities compare by every field, so a peer
// known under a different capacity would be a different node.
func ParseIdentity(s string) (NodeIdentity, error) {
	s = strings.TrimSpace(s)

	idPart, rest, ok := strings.Cut(s, "@")
	if !ok {
		return NodeIdentity{}, fmt.Errorf("%w: %q: missing '@'", ErrInvalidIdentity, s)
	}

	id, err := strconv.Atoi(idPart)
	if err != nil {
		return NodeIdentity{}, fmt.Errorf("%w: %q: bad id: %v", ErrInvalidIdentity, s, err)
	}

	rest, capPart, ok := strings.Cut(rest, "/")
	if !ok {
		return NodeIdentity{}, fmt.Errorf("%w: %q: missing '/capacity'", ErrInvalidIdentity, s)
	}
	capacity, err := strconv.Atoi(capPart)
	if err != nil || capacity < 0 {
		return NodeIdentity{}, fmt.Errorf("%w: %q: bad capacity", ErrInvalidIdentity, s)
	}

	host, portPart, err := net.SplitHostPort(rest)
	if err != nil {
		return NodeIdentity{}, fmt.Errorf("%w: %q: %v", ErrInvalidIdentity, s, err)
	}

	port, err := strconv.Atoi(portPart)
	if err != nil || port < 0 || port > 65535 {
		return NodeIdentity{}, fmt.Errorf("%w: %q: bad port", ErrInvalidIdentity, s)
	}

	return NewIdentity(id, host, port, capacity), nil
}

// ParseIdentities parses a comma separated list of identities. Empty input yields nil.
func ParseIdentities(s string) ([]NodeIdentity, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}

	parts := strings.Split(s, ",")
	ids := make([]NodeIdentity, 0, len(parts))
	for _, part := range parts {
		id, err := ParseIdentity(part)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
