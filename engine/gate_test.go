package engine

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/VanDung-dev/ParkGate-Engine/message"
	"github.com/VanDung-dev/ParkGate-Engine/repository"
)

type memoryRepository struct {
	state  *repository.State
	reads  int
	writes int
	err    error
}

func (r *memoryRepository) ReadState() (*repository.State, error) {
	r.reads++
	if r.err != nil {
		return nil, r.err
	}
	if r.state == nil {
		return nil, nil
	}
	return &repository.State{
		Capacity: r.state.Capacity,
		Visitors: append([]int{}, r.state.Visitors...),
	}, nil
}

func (r *memoryRepository) WriteState(state *repository.State) error {
	r.writes++
	if r.err != nil {
		return r.err
	}
	r.state = state
	return nil
}

func identity(id, capacity int) message.NodeIdentity {
	return message.NewIdentity(id, "127.0.0.1", 8000+id, capacity)
}

func network(t message.Type, from, to message.NodeIdentity, payload message.Payload) message.Network {
	return message.NewNetwork(t, from, to, payload)
}

func local(t message.Type) message.Local {
	return message.NewLocal(t, message.Payload{})
}

func mustProcess(t *testing.T, node interface {
	Process(message.Message) (message.Outcome, error)
}, msg message.Message) message.Outcome {
	t.Helper()
	out, err := node.Process(msg)
	if err != nil {
		t.Fatalf("Process(%v) failed: %v", msg, err)
	}
	return out
}

func expectViolation(t *testing.T, err error) {
	t.Helper()
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("Expected protocol violation, got %v", err)
	}
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("Expected *ProtocolError, got %T", err)
	}
}

func diffOutbound(t *testing.T, want, got []message.Network) {
	t.Helper()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Outbound mismatch (-want +got):\n%s", diff)
	}
}

// elect drives g through one election round started by from, with every other
// neighbour answering with a null vote.
func elect(t *testing.T, g *GateNode, from, leader message.NodeIdentity) {
	t.Helper()
	mustProcess(t, g, network(message.ElectionStarted, from, g.Info(), message.Payload{}))
	for _, n := range g.Neighbours() {
		if n != from {
			mustProcess(t, g, network(message.ElectionVoted, n, g.Info(), message.Payload{}))
		}
	}
	mustProcess(t, g, network(message.ElectionFinished, from, g.Info(), message.Payload{Leader: leader.Ref()}))

	if got, ok := g.Leader(); !ok || got != leader {
		t.Fatalf("Expected leader %v, got %v (%t)", leader, got, ok)
	}
}

// becomeLeader makes g win an election it initiates over null-voting neighbours.
func becomeLeader(t *testing.T, g *GateNode) {
	t.Helper()
	mustProcess(t, g, local(message.StartElection))
	for _, n := range g.Neighbours() {
		mustProcess(t, g, network(message.ElectionVoted, n, g.Info(), message.Payload{}))
	}
	if !g.IsLeader() {
		t.Fatalf("Gate %v should be leader", g)
	}
}

func TestLeafShortCircuit(t *testing.T) {
	parent := identity(1, 5)
	leaf := identity(2, 3)
	g := NewGateNode(leaf, []message.NodeIdentity{parent}, &memoryRepository{})

	out := mustProcess(t, g, network(message.ElectionStarted, parent, leaf, message.Payload{}))

	diffOutbound(t, []message.Network{
		network(message.ElectionVoted, leaf, parent, message.Payload{Leader: leaf.Ref()}),
	}, out.Outbound)
	if g.State() != StateWaiting {
		t.Errorf("Expected waiting, got %s", g.State())
	}
}

func TestStartElectionWithoutNeighbours(t *testing.T) {
	self := identity(1, 4)
	g := NewGateNode(self, nil, &memoryRepository{})

	out := mustProcess(t, g, local(message.StartElection))

	if len(out.Outbound) != 0 {
		t.Errorf("Expected no outbound messages, got %v", out.Outbound)
	}
	if !g.IsLeader() || g.State() != StateIdle {
		t.Errorf("Expected idle leader, got %v leader=%t", g, g.IsLeader())
	}
}

func TestInitiatorFloodsWinner(t *testing.T) {
	root := identity(1, 2)
	a := identity(2, 9)
	b := identity(3, 4)
	g := NewGateNode(root, []message.NodeIdentity{a, b}, &memoryRepository{})

	out := mustProcess(t, g, local(message.StartElection))
	diffOutbound(t, []message.Network{
		network(message.ElectionStarted, root, a, message.Payload{}),
		network(message.ElectionStarted, root, b, message.Payload{}),
	}, out.Outbound)
	if g.State() != StateInitiated {
		t.Fatalf("Expected initiated, got %s", g.State())
	}

	out = mustProcess(t, g, network(message.ElectionVoted, a, root, message.Payload{Leader: a.Ref()}))
	if len(out.Outbound) != 0 {
		t.Fatalf("Expected to wait for remaining votes, got %v", out.Outbound)
	}

	out = mustProcess(t, g, network(message.ElectionVoted, b, root, message.Payload{}))
	diffOutbound(t, []message.Network{
		network(message.ElectionFinished, root, a, message.Payload{Leader: a.Ref()}),
		network(message.ElectionFinished, root, b, message.Payload{Leader: a.Ref()}),
	}, out.Outbound)

	if leader, _ := g.Leader(); leader != a || g.State() != StateIdle {
		t.Errorf("Expected idle with leader %v, got %v leader %v", a, g, leader)
	}
}

func TestIntermediateForwardsVoteAndFinish(t *testing.T) {
	parent := identity(1, 1)
	self := identity(2, 3)
	child := identity(3, 2)
	other := identity(4, 7)
	g := NewGateNode(self, []message.NodeIdentity{parent, child, other}, &memoryRepository{})

	out := mustProcess(t, g, network(message.ElectionStarted, parent, self, message.Payload{}))
	diffOutbound(t, []message.Network{
		network(message.ElectionStarted, self, child, message.Payload{}),
		network(message.ElectionStarted, self, other, message.Payload{}),
	}, out.Outbound)

	// A neighbour already electing under another parent announces itself.
	out = mustProcess(t, g, network(message.ElectionStarted, other, self, message.Payload{}))
	diffOutbound(t, []message.Network{
		network(message.ElectionVoted, self, other, message.Payload{}),
	}, out.Outbound)

	mustProcess(t, g, network(message.ElectionVoted, other, self, message.Payload{}))
	out = mustProcess(t, g, network(message.ElectionVoted, child, self, message.Payload{Leader: child.Ref()}))
	diffOutbound(t, []message.Network{
		network(message.ElectionVoted, self, parent, message.Payload{Leader: self.Ref()}),
	}, out.Outbound)

	out = mustProcess(t, g, network(message.ElectionFinished, parent, self, message.Payload{Leader: other.Ref()}))
	diffOutbound(t, []message.Network{
		network(message.ElectionFinished, self, child, message.Payload{Leader: other.Ref()}),
		network(message.ElectionFinished, self, other, message.Payload{Leader: other.Ref()}),
	}, out.Outbound)

	// Redundant flood deliveries are ignored once idle.
	out = mustProcess(t, g, network(message.ElectionFinished, other, self, message.Payload{Leader: other.Ref()}))
	if len(out.Outbound) != 0 {
		t.Errorf("Expected redundant finish to be ignored, got %v", out.Outbound)
	}
}

func TestElectionViolations(t *testing.T) {
	parent := identity(1, 1)
	self := identity(2, 3)
	stranger := identity(9, 9)
	g := NewGateNode(self, []message.NodeIdentity{parent}, &memoryRepository{})

	_, err := g.Process(network(message.ElectionVoted, parent, self, message.Payload{}))
	expectViolation(t, err)

	mustProcess(t, g, network(message.ElectionStarted, parent, self, message.Payload{}))
	if g.State() != StateWaiting {
		t.Fatalf("Expected waiting, got %s", g.State())
	}

	_, err = g.Process(network(message.ElectionStarted, parent, self, message.Payload{}))
	expectViolation(t, err)

	_, err = g.Process(local(message.StartElection))
	expectViolation(t, err)

	h := NewGateNode(self, []message.NodeIdentity{parent}, &memoryRepository{})
	mustProcess(t, h, local(message.StartElection))
	_, err = h.Process(network(message.ElectionVoted, stranger, self, message.Payload{}))
	expectViolation(t, err)
}

func TestMutexFIFO(t *testing.T) {
	leader := identity(1, 10)
	a, b, c := identity(2, 1), identity(3, 2), identity(4, 3)
	g := NewGateNode(leader, []message.NodeIdentity{a, b, c}, &memoryRepository{})
	becomeLeader(t, g)

	out := mustProcess(t, g, network(message.MutexRequested, a, leader, message.Payload{}))
	diffOutbound(t, []message.Network{network(message.MutexGranted, leader, a, message.Payload{})}, out.Outbound)

	for _, requester := range []message.NodeIdentity{b, c} {
		out = mustProcess(t, g, network(message.MutexRequested, requester, leader, message.Payload{}))
		if len(out.Outbound) != 0 {
			t.Fatalf("Expected %v to be queued, got %v", requester, out.Outbound)
		}
	}
	if diff := cmp.Diff([]message.NodeIdentity{b, c}, g.MutexQueue()); diff != "" {
		t.Fatalf("Queue mismatch (-want +got):\n%s", diff)
	}

	out = mustProcess(t, g, network(message.MutexReleased, a, leader, message.Payload{}))
	diffOutbound(t, []message.Network{network(message.MutexGranted, leader, b, message.Payload{})}, out.Outbound)

	out = mustProcess(t, g, network(message.MutexReleased, b, leader, message.Payload{}))
	diffOutbound(t, []message.Network{network(message.MutexGranted, leader, c, message.Payload{})}, out.Outbound)

	out = mustProcess(t, g, network(message.MutexReleased, c, leader, message.Payload{}))
	if len(out.Outbound) != 0 {
		t.Errorf("Expected no grant, got %v", out.Outbound)
	}
	if _, held := g.MutexHolder(); held {
		t.Error("Expected no mutex holder")
	}
}

func TestMutexReleaseByNonHolder(t *testing.T) {
	leader := identity(1, 10)
	a, b := identity(2, 1), identity(3, 2)
	g := NewGateNode(leader, []message.NodeIdentity{a, b}, &memoryRepository{})
	becomeLeader(t, g)

	_, err := g.Process(network(message.MutexReleased, a, leader, message.Payload{}))
	expectViolation(t, err)

	mustProcess(t, g, network(message.MutexRequested, a, leader, message.Payload{}))
	_, err = g.Process(network(message.MutexReleased, b, leader, message.Payload{}))
	expectViolation(t, err)

	if holder, _ := g.MutexHolder(); holder != a {
		t.Errorf("Holder should still be %v, got %v", a, holder)
	}

	follower := NewGateNode(a, []message.NodeIdentity{leader}, &memoryRepository{})
	_, err = follower.Process(network(message.MutexReleased, b, a, message.Payload{}))
	expectViolation(t, err)
}

func TestCapacityEnforcement(t *testing.T) {
	leader := identity(1, 10)
	gate := identity(2, 1)
	v1, v2 := identity(501, 0), identity(502, 0)

	repo := &memoryRepository{state: repository.NewState(1)}
	g := NewGateNode(gate, []message.NodeIdentity{leader}, repo)
	elect(t, g, leader, leader)

	out := mustProcess(t, g, network(message.EnterRequest, v1, gate, message.Payload{}))
	diffOutbound(t, []message.Network{network(message.MutexRequested, gate, leader, message.Payload{})}, out.Outbound)

	out = mustProcess(t, g, network(message.EnterRequest, v2, gate, message.Payload{}))
	if len(out.Outbound) != 0 {
		t.Fatalf("Second request should only queue, got %v", out.Outbound)
	}

	out = mustProcess(t, g, network(message.MutexGranted, leader, gate, message.Payload{}))
	diffOutbound(t, []message.Network{
		network(message.EnterResponse, gate, v1, message.Payload{Allowed: message.Bool(true)}),
		network(message.EnterResponse, gate, v2, message.Payload{Allowed: message.Bool(false)}),
		network(message.MutexReleased, gate, leader, message.Payload{}),
	}, out.Outbound)

	if repo.reads != 1 || repo.writes != 1 {
		t.Errorf("Expected one read and one write, got %d/%d", repo.reads, repo.writes)
	}
	if diff := cmp.Diff([]int{501}, repo.state.Visitors); diff != "" {
		t.Errorf("Visitors mismatch (-want +got):\n%s", diff)
	}
	if g.MutexRequested() {
		t.Error("Request flag should be cleared")
	}
}

func TestEnterAndLeaveInOneGrant(t *testing.T) {
	leader := identity(1, 10)
	gate := identity(2, 1)
	inside, outside := identity(501, 0), identity(502, 0)

	repo := &memoryRepository{state: &repository.State{Capacity: 1, Visitors: []int{501}}}
	g := NewGateNode(gate, []message.NodeIdentity{leader}, repo)
	elect(t, g, leader, leader)

	mustProcess(t, g, network(message.EnterRequest, outside, gate, message.Payload{}))
	mustProcess(t, g, network(message.LeaveRequest, inside, gate, message.Payload{}))

	// Enters are applied before leaves, so the park is still full for the newcomer.
	out := mustProcess(t, g, network(message.MutexGranted, leader, gate, message.Payload{}))
	diffOutbound(t, []message.Network{
		network(message.EnterResponse, gate, outside, message.Payload{Allowed: message.Bool(false)}),
		network(message.LeaveResponse, gate, inside, message.Payload{Allowed: message.Bool(true)}),
		network(message.MutexReleased, gate, leader, message.Payload{}),
	}, out.Outbound)

	if len(repo.state.Visitors) != 0 {
		t.Errorf("Expected empty park, got %v", repo.state.Visitors)
	}
}

func TestGrantWithoutState(t *testing.T) {
	leader := identity(1, 10)
	gate := identity(2, 1)
	v := identity(501, 0)

	repo := &memoryRepository{}
	g := NewGateNode(gate, []message.NodeIdentity{leader}, repo)
	elect(t, g, leader, leader)

	mustProcess(t, g, network(message.LeaveRequest, v, gate, message.Payload{}))
	out := mustProcess(t, g, network(message.MutexGranted, leader, gate, message.Payload{}))

	diffOutbound(t, []message.Network{
		network(message.LeaveResponse, gate, v, message.Payload{Allowed: message.Bool(false)}),
		network(message.MutexReleased, gate, leader, message.Payload{}),
	}, out.Outbound)
	if repo.writes != 0 {
		t.Errorf("Expected no write, got %d", repo.writes)
	}
}

func TestGrantRepositoryFailure(t *testing.T) {
	leader := identity(1, 10)
	gate := identity(2, 1)
	failure := errors.New("disk gone")

	repo := &memoryRepository{}
	g := NewGateNode(gate, []message.NodeIdentity{leader}, repo)
	elect(t, g, leader, leader)
	mustProcess(t, g, network(message.EnterRequest, identity(501, 0), gate, message.Payload{}))

	repo.err = failure
	if _, err := g.Process(network(message.MutexGranted, leader, gate, message.Payload{})); !errors.Is(err, failure) {
		t.Errorf("Expected repository error, got %v", err)
	}
}

func TestUnrequestedGrant(t *testing.T) {
	leader := identity(1, 10)
	gate := identity(2, 1)
	g := NewGateNode(gate, []message.NodeIdentity{leader}, &memoryRepository{})

	_, err := g.Process(network(message.MutexGranted, leader, gate, message.Payload{}))
	expectViolation(t, err)
}

func TestRequestWithoutLeader(t *testing.T) {
	gate := identity(2, 1)
	v := identity(501, 0)
	g := NewGateNode(gate, nil, &memoryRepository{})

	out := mustProcess(t, g, network(message.EnterRequest, v, gate, message.Payload{}))
	diffOutbound(t, []message.Network{
		network(message.EnterResponse, gate, v, message.Payload{Allowed: message.Bool(false)}),
	}, out.Outbound)
	if g.MutexRequested() {
		t.Error("No request should be outstanding")
	}
}

func TestRemoveLeader(t *testing.T) {
	leader := identity(1, 10)
	a, b := identity(2, 1), identity(3, 2)
	g := NewGateNode(leader, []message.NodeIdentity{a, b}, &memoryRepository{})

	_, err := g.Process(local(message.RemoveLeader))
	expectViolation(t, err)

	becomeLeader(t, g)
	out := mustProcess(t, g, local(message.RemoveLeader))
	diffOutbound(t, []message.Network{
		network(message.LeaderRemoved, leader, a, message.Payload{}),
		network(message.LeaderRemoved, leader, b, message.Payload{}),
	}, out.Outbound)
	if _, ok := g.Leader(); ok {
		t.Error("Leader should be cleared")
	}

	follower := NewGateNode(a, []message.NodeIdentity{leader, b}, &memoryRepository{})
	elect(t, follower, leader, leader)

	out = mustProcess(t, follower, network(message.LeaderRemoved, leader, a, message.Payload{}))
	diffOutbound(t, []message.Network{network(message.LeaderRemoved, a, b, message.Payload{})}, out.Outbound)

	out = mustProcess(t, follower, network(message.LeaderRemoved, b, a, message.Payload{}))
	if len(out.Outbound) != 0 {
		t.Errorf("Second removal should be a no-op, got %v", out.Outbound)
	}
}

func TestTermination(t *testing.T) {
	self := identity(1, 3)
	a, b := identity(2, 1), identity(3, 2)
	g := NewGateNode(self, []message.NodeIdentity{a, b}, &memoryRepository{})

	mustProcess(t, g, network(message.Terminated, a, self, message.Payload{}))
	if diff := cmp.Diff([]message.NodeIdentity{b}, g.Neighbours()); diff != "" {
		t.Fatalf("Neighbours mismatch (-want +got):\n%s", diff)
	}

	out := mustProcess(t, g, local(message.Terminate))
	if !out.Stop {
		t.Error("Terminate should stop the node")
	}
	diffOutbound(t, []message.Network{network(message.Terminated, self, b, message.Payload{})}, out.Outbound)

	busy := NewGateNode(self, []message.NodeIdentity{a}, &memoryRepository{})
	mustProcess(t, busy, local(message.StartElection))
	_, err := busy.Process(local(message.Terminate))
	expectViolation(t, err)
	_, err = busy.Process(network(message.Terminated, a, self, message.Payload{}))
	expectViolation(t, err)
}

func TestHello(t *testing.T) {
	self := identity(1, 3)
	a, b := identity(2, 1), identity(3, 2)
	g := NewGateNode(self, []message.NodeIdentity{a, b}, &memoryRepository{})

	out := mustProcess(t, g, local(message.SayHello))
	diffOutbound(t, []message.Network{
		network(message.Hello, self, a, message.Payload{}),
		network(message.Hello, self, b, message.Payload{}),
	}, out.Outbound)

	out = mustProcess(t, g, network(message.Hello, a, self, message.Payload{}))
	diffOutbound(t, []message.Network{network(message.Hey, self, a, message.Payload{})}, out.Outbound)

	out = mustProcess(t, g, network(message.Hey, a, self, message.Payload{}))
	if len(out.Outbound) != 0 {
		t.Errorf("Hey should be ignored, got %v", out.Outbound)
	}

	_, err := g.Process(local(message.EnterPark))
	expectViolation(t, err)
	_, err = g.Process(network(message.EnterResponse, a, self, message.Payload{Allowed: message.Bool(true)}))
	expectViolation(t, err)
}

func TestProtocolErrorMessage(t *testing.T) {
	err := &ProtocolError{NodeID: 7, State: "waiting", Message: message.ElectionStarted, Reason: "unexpected state"}
	if got := err.Error(); got != "node 7/waiting: election_started: unexpected state" {
		t.Errorf("Unexpected error text: %s", got)
	}
}
