package node

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/VanDung-dev/ParkGate-Engine/engine"
	"github.com/VanDung-dev/ParkGate-Engine/message"
	"github.com/VanDung-dev/ParkGate-Engine/topology"
)

// Cluster runs the gates of a topology in one process.
type Cluster struct {
	names []string
	gates map[string]*Runtime
}

// NewCluster creates one gate runtime per topology entry. All gates share
// repo. configure returns the runtime settings of each gate and may be nil.
func NewCluster(m topology.Map, ids map[string]message.NodeIdentity, repo engine.Repository, configure func(name string, id message.NodeIdentity) Config) (*Cluster, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	c := &Cluster{
		names: m.Names(),
		gates: make(map[string]*Runtime, len(m)),
	}
	for _, name := range c.names {
		id, ok := ids[name]
		if !ok {
			return nil, fmt.Errorf("%w: no identity for %s", topology.ErrUnknownGate, name)
		}
		neighbours, err := m.Neighbours(name, ids)
		if err != nil {
			return nil, err
		}

		config := DefaultConfig()
		if configure != nil {
			config = configure(name, id)
		}
		c.gates[name] = NewGate(id, neighbours, repo, config)
	}
	return c, nil
}

// Names returns the gate names in sorted order.
func (c *Cluster) Names() []string {
	return append([]string(nil), c.names...)
}

// Gate returns the runtime of a named gate, or nil.
func (c *Cluster) Gate(name string) *Runtime {
	return c.gates[name]
}

// Identities returns the identity of every gate by name.
func (c *Cluster) Identities() map[string]message.NodeIdentity {
	out := make(map[string]message.NodeIdentity, len(c.gates))
	for name, g := range c.gates {
		out[name] = g.Identity()
	}
	return out
}

// Start starts every gate. If any gate fails to start, the ones already
// started are stopped and the first error is returned.
func (c *Cluster) Start(ctx context.Context) error {
	var g errgroup.Group
	for _, name := range c.names {
		rt := c.gates[name]
		g.Go(func() error {
			return rt.Start(ctx)
		})
	}

	if err := g.Wait(); err != nil {
		c.Stop()
		return err
	}
	return nil
}

// Submit enqueues a local command at a named gate.
func (c *Cluster) Submit(name string, msg message.Local) error {
	rt, ok := c.gates[name]
	if !ok {
		return fmt.Errorf("%w: %s", topology.ErrUnknownGate, name)
	}
	rt.Submit(msg)
	return nil
}

// Wait blocks until every gate has stopped and returns the first error.
func (c *Cluster) Wait() error {
	var g errgroup.Group
	for _, rt := range c.gates {
		g.Go(rt.Wait)
	}
	return g.Wait()
}

// Stop stops every running gate and waits for all of them.
func (c *Cluster) Stop() {
	var g errgroup.Group
	for _, rt := range c.gates {
		g.Go(func() error {
			_ = rt.Stop()
			return nil
		})
	}
	_ = g.Wait()
}
