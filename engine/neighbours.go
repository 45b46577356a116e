package engine

import (
	"slices"

	"github.com/VanDung-dev/ParkGate-Engine/message"
)

// Neighbours is an ordered set of node identities owned by a single node.
type Neighbours struct {
	items []message.NodeIdentity
}

// NewNeighbours creates a set from ids, keeping the first occurrence of duplicates.
func NewNeighbours(ids []message.NodeIdentity) *Neighbours {
	n := &Neighbours{items: make([]message.NodeIdentity, 0, len(ids))}
	for _, id := range ids {
		n.Add(id)
	}
	return n
}

// Add appends id if it is not present.
func (n *Neighbours) Add(id message.NodeIdentity) {
	if !n.Contains(id) {
		n.items = append(n.items, id)
	}
}

// Remove deletes id and reports whether it was present.
func (n *Neighbours) Remove(id message.NodeIdentity) bool {
	i := slices.Index(n.items, id)
	if i < 0 {
		return false
	}
	n.items = slices.Delete(n.items, i, i+1)
	return true
}

// Contains reports membership.
func (n *Neighbours) Contains(id message.NodeIdentity) bool {
	return slices.Contains(n.items, id)
}

// Len returns the set size.
func (n *Neighbours) Len() int {
	return len(n.items)
}

// Except returns the members in order, skipping excluded.
func (n *Neighbours) Except(excluded *message.NodeIdentity) []message.NodeIdentity {
	out := make([]message.NodeIdentity, 0, len(n.items))
	for _, id := range n.items {
		if excluded != nil && id == *excluded {
			continue
		}
		out = append(out, id)
	}
	return out
}

// List returns a copy of the members in order.
func (n *Neighbours) List() []message.NodeIdentity {
	return slices.Clone(n.items)
}
