package engine

import (
	"fmt"

	"github.com/VanDung-dev/ParkGate-Engine/message"
	"github.com/VanDung-dev/ParkGate-Engine/repository"
)

// GateState is the election state of a gate.
type GateState int

const (
	StateIdle GateState = iota
	StateInitiated
	StateElecting
	StateWaiting
)

func (s GateState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitiated:
		return "initiated"
	case StateElecting:
		return "electing"
	case StateWaiting:
		return "waiting"
	default:
		return "unknown"
	}
}

// Repository is the capacity state store used while holding the mutex token.
type Repository interface {
	ReadState() (*repository.State, error)
	WriteState(state *repository.State) error
}

// GateNode runs the leader election and the leader-coordinated mutex protocol
// for one gate. It performs no I/O of its own and must not be called concurrently.
type GateNode struct {
	info       message.NodeIdentity
	neighbours *Neighbours
	repository Repository

	state   GateState
	parent  *message.NodeIdentity
	leader  *message.NodeIdentity
	answers map[message.NodeIdentity]*message.NodeIdentity

	// leader side
	mutexHolder *message.NodeIdentity
	mutexQueue  []message.NodeIdentity

	// requester side
	mutexRequested bool
	enterQueue     []message.NodeIdentity
	leaveQueue     []message.NodeIdentity
}

// NewGateNode creates a gate in the idle state.
func NewGateNode(info message.NodeIdentity, neighbours []message.NodeIdentity, repo Repository) *GateNode {
	return &GateNode{
		info:       info,
		neighbours: NewNeighbours(neighbours),
		repository: repo,
		state:      StateIdle,
		answers:    make(map[message.NodeIdentity]*message.NodeIdentity),
	}
}

// Info returns the gate's own identity.
func (g *GateNode) Info() message.NodeIdentity { return g.info }

// State returns the election state.
func (g *GateNode) State() GateState { return g.state }

// Leader returns the elected leader, if any.
func (g *GateNode) Leader() (message.NodeIdentity, bool) {
	if g.leader == nil {
		return message.NodeIdentity{}, false
	}
	return *g.leader, true
}

// IsLeader reports whether this gate believes itself to be the leader.
func (g *GateNode) IsLeader() bool {
	return g.leader != nil && *g.leader == g.info
}

// Neighbours returns the current neighbours in order.
func (g *GateNode) Neighbours() []message.NodeIdentity { return g.neighbours.List() }

// MutexHolder returns the gate currently holding the token, as seen by the leader.
func (g *GateNode) MutexHolder() (message.NodeIdentity, bool) {
	if g.mutexHolder == nil {
		return message.NodeIdentity{}, false
	}
	return *g.mutexHolder, true
}

// MutexQueue returns a copy of the leader's waiting gates.
func (g *GateNode) MutexQueue() []message.NodeIdentity {
	return append([]message.NodeIdentity(nil), g.mutexQueue...)
}

// MutexRequested reports whether a token request is outstanding.
func (g *GateNode) MutexRequested() bool { return g.mutexRequested }

func (g *GateNode) String() string {
	return fmt.Sprintf("%d/%s", g.info.ID, g.state)
}

// Process handles one inbound message.
func (g *GateNode) Process(msg message.Message) (message.Outcome, error) {
	switch m := msg.(type) {
	case message.Local:
		return g.processLocal(m)
	case message.Network:
		return g.processNetwork(m)
	default:
		return message.Outcome{}, g.fail(msg.MessageType(), "unsupported message kind")
	}
}

func (g *GateNode) processLocal(m message.Local) (message.Outcome, error) {
	switch m.Type {
	case message.SayHello:
		return g.sayHello(), nil
	case message.StartElection:
		return g.startElection()
	case message.RemoveLeader:
		return g.removeLeader()
	case message.Terminate:
		return g.terminate()
	default:
		return message.Outcome{}, g.fail(m.Type, "not a gate command")
	}
}

func (g *GateNode) processNetwork(m message.Network) (message.Outcome, error) {
	switch m.Type {
	case message.Hello:
		return g.outcome(g.send(message.Hey, m.Sender, message.Payload{})), nil
	case message.Hey:
		return message.Outcome{}, nil
	case message.ElectionStarted:
		return g.electionStarted(m)
	case message.ElectionVoted:
		return g.electionVoted(m)
	case message.ElectionFinished:
		return g.electionFinished(m)
	case message.MutexRequested:
		return g.mutexRequestedBy(m), nil
	case message.MutexReleased:
		return g.mutexReleased(m)
	case message.MutexGranted:
		return g.mutexGranted(m)
	case message.EnterRequest:
		return g.admissionRequest(m, message.EnterResponse, &g.enterQueue), nil
	case message.LeaveRequest:
		return g.admissionRequest(m, message.LeaveResponse, &g.leaveQueue), nil
	case message.LeaderRemoved:
		return g.leaderRemoved(m), nil
	case message.Terminated:
		return g.terminated(m)
	default:
		return message.Outcome{}, g.fail(m.Type, "unexpected message")
	}
}

func (g *GateNode) sayHello() message.Outcome {
	return g.outcome(g.broadcast(message.Hello, message.Payload{}, nil)...)
}

func (g *GateNode) startElection() (message.Outcome, error) {
	if g.state != StateIdle {
		return message.Outcome{}, g.fail(message.StartElection, "election already in progress")
	}

	g.resetElection(nil)
	g.state = StateInitiated

	out := g.broadcast(message.ElectionStarted, message.Payload{}, nil)
	if g.hasAllAnswers() {
		out = append(out, g.concludeVote()...)
	}
	return g.outcome(out...), nil
}

func (g *GateNode) electionStarted(m message.Network) (message.Outcome, error) {
	switch g.state {
	case StateIdle:
		g.resetElection(m.Sender.Ref())
		g.state = StateElecting

		out := make([]message.Network, 0, g.neighbours.Len())
		for _, child := range g.children() {
			out = append(out, g.send(message.ElectionStarted, child, message.Payload{}))
		}
		if g.hasAllAnswers() {
			out = append(out, g.concludeVote()...)
		}
		return g.outcome(out...), nil

	case StateElecting, StateInitiated:
		return g.outcome(g.send(message.ElectionVoted, m.Sender, message.Payload{})), nil

	default:
		return message.Outcome{}, g.fail(m.Type, "unexpected state")
	}
}

func (g *GateNode) electionVoted(m message.Network) (message.Outcome, error) {
	if g.state != StateElecting && g.state != StateInitiated {
		return message.Outcome{}, g.fail(m.Type, "unexpected state")
	}
	if !g.isChild(m.Sender) {
		return message.Outcome{}, g.fail(m.Type, fmt.Sprintf("vote from %d, which is not a child", m.Sender.ID))
	}

	var vote *message.NodeIdentity
	if m.Payload.Leader != nil {
		vote = m.Payload.Leader.Ref()
	}
	g.answers[m.Sender] = vote

	if !g.hasAllAnswers() {
		return message.Outcome{}, nil
	}
	return g.outcome(g.concludeVote()...), nil
}

// concludeVote is called once every child has answered.
func (g *GateNode) concludeVote() []message.Network {
	winner := g.bestAnswer()

	if g.state == StateElecting {
		g.state = StateWaiting
		return []message.Network{
			g.send(message.ElectionVoted, *g.parent, message.Payload{Leader: winner.Ref()}),
		}
	}

	g.state = StateIdle
	g.leader = winner.Ref()
	return g.broadcast(message.ElectionFinished, message.Payload{Leader: winner.Ref()}, nil)
}

func (g *GateNode) electionFinished(m message.Network) (message.Outcome, error) {
	if g.state != StateWaiting {
		return message.Outcome{}, nil
	}
	if m.Payload.Leader == nil {
		return message.Outcome{}, g.fail(m.Type, "missing leader")
	}

	winner := *m.Payload.Leader
	g.state = StateIdle
	g.leader = winner.Ref()

	return g.outcome(g.broadcast(message.ElectionFinished, message.Payload{Leader: winner.Ref()}, m.Sender.Ref())...), nil
}

func (g *GateNode) mutexRequestedBy(m message.Network) message.Outcome {
	if g.mutexHolder == nil {
		g.mutexHolder = m.Sender.Ref()
		return g.outcome(g.send(message.MutexGranted, m.Sender, message.Payload{}))
	}

	g.mutexQueue = append(g.mutexQueue, m.Sender)
	return message.Outcome{}
}

func (g *GateNode) mutexReleased(m message.Network) (message.Outcome, error) {
	if !g.IsLeader() {
		return message.Outcome{}, g.fail(m.Type, "not the leader")
	}
	if g.mutexHolder == nil {
		return message.Outcome{}, g.fail(m.Type, "no mutex holder")
	}
	if *g.mutexHolder != m.Sender {
		return message.Outcome{}, g.fail(m.Type,
			fmt.Sprintf("released by %d, held by %d", m.Sender.ID, g.mutexHolder.ID))
	}

	if len(g.mutexQueue) == 0 {
		g.mutexHolder = nil
		return message.Outcome{}, nil
	}

	next := g.mutexQueue[0]
	g.mutexQueue = g.mutexQueue[1:]
	g.mutexHolder = next.Ref()
	return g.outcome(g.send(message.MutexGranted, next, message.Payload{})), nil
}

func (g *GateNode) admissionRequest(m message.Network, response message.Type, queue *[]message.NodeIdentity) message.Outcome {
	if !g.mutexRequested {
		if g.leader == nil {
			return g.outcome(g.send(response, m.Sender, message.Payload{Allowed: message.Bool(false)}))
		}

		*queue = append(*queue, m.Sender)
		g.mutexRequested = true
		return g.outcome(g.send(message.MutexRequested, *g.leader, message.Payload{}))
	}

	*queue = append(*queue, m.Sender)
	return message.Outcome{}
}

func (g *GateNode) mutexGranted(m message.Network) (message.Outcome, error) {
	if !g.mutexRequested {
		return message.Outcome{}, g.fail(m.Type, "mutex not requested")
	}

	state, err := g.repository.ReadState()
	if err != nil {
		return message.Outcome{}, fmt.Errorf("gate %d: %w", g.info.ID, err)
	}

	out := make([]message.Network, 0, len(g.enterQueue)+len(g.leaveQueue)+1)
	for _, visitor := range g.enterQueue {
		allowed := state != nil && state.Enter(visitor.ID) == nil
		out = append(out, g.send(message.EnterResponse, visitor, message.Payload{Allowed: message.Bool(allowed)}))
	}
	for _, visitor := range g.leaveQueue {
		allowed := state != nil && state.Leave(visitor.ID) == nil
		out = append(out, g.send(message.LeaveResponse, visitor, message.Payload{Allowed: message.Bool(allowed)}))
	}

	if state != nil {
		if err := g.repository.WriteState(state); err != nil {
			return message.Outcome{}, fmt.Errorf("gate %d: %w", g.info.ID, err)
		}
	}

	g.mutexRequested = false
	g.enterQueue = nil
	g.leaveQueue = nil

	out = append(out, g.send(message.MutexReleased, m.Sender, message.Payload{}))
	return g.outcome(out...), nil
}

func (g *GateNode) removeLeader() (message.Outcome, error) {
	if g.state != StateIdle {
		return message.Outcome{}, g.fail(message.RemoveLeader, "unexpected state")
	}
	if !g.IsLeader() {
		return message.Outcome{}, g.fail(message.RemoveLeader, "not the leader")
	}

	g.leader = nil
	return g.outcome(g.broadcast(message.LeaderRemoved, message.Payload{}, nil)...), nil
}

func (g *GateNode) leaderRemoved(m message.Network) message.Outcome {
	if g.leader == nil {
		return message.Outcome{}
	}

	g.leader = nil
	return g.outcome(g.broadcast(message.LeaderRemoved, message.Payload{}, m.Sender.Ref())...)
}

func (g *GateNode) terminate() (message.Outcome, error) {
	if g.state != StateIdle {
		return message.Outcome{}, g.fail(message.Terminate, "unexpected state")
	}

	out := g.outcome(g.broadcast(message.Terminated, message.Payload{}, nil)...)
	out.Stop = true
	return out, nil
}

func (g *GateNode) terminated(m message.Network) (message.Outcome, error) {
	if g.state != StateIdle {
		return message.Outcome{}, g.fail(m.Type, "unexpected state")
	}

	g.neighbours.Remove(m.Sender)
	return message.Outcome{}, nil
}

func (g *GateNode) resetElection(parent *message.NodeIdentity) {
	g.parent = parent
	g.leader = nil
	g.answers = make(map[message.NodeIdentity]*message.NodeIdentity)
}

// children are the neighbours this gate waits on for votes.
func (g *GateNode) children() []message.NodeIdentity {
	if g.state == StateElecting {
		return g.neighbours.Except(g.parent)
	}
	return g.neighbours.List()
}

func (g *GateNode) isChild(id message.NodeIdentity) bool {
	if g.state == StateElecting && g.parent != nil && *g.parent == id {
		return false
	}
	return g.neighbours.Contains(id)
}

func (g *GateNode) hasAllAnswers() bool {
	for _, child := range g.children() {
		if _, ok := g.answers[child]; !ok {
			return false
		}
	}
	return true
}

func (g *GateNode) bestAnswer() message.NodeIdentity {
	best := g.info
	for _, child := range g.children() {
		if vote := g.answers[child]; vote != nil && vote.Outranks(best) {
			best = *vote
		}
	}
	return best
}

func (g *GateNode) send(t message.Type, to message.NodeIdentity, payload message.Payload) message.Network {
	return message.NewNetwork(t, g.info, to, payload)
}

func (g *GateNode) broadcast(t message.Type, payload message.Payload, except *message.NodeIdentity) []message.Network {
	targets := g.neighbours.Except(except)
	out := make([]message.Network, 0, len(targets))
	for _, to := range targets {
		out = append(out, g.send(t, to, payload))
	}
	return out
}

func (g *GateNode) outcome(out ...message.Network) message.Outcome {
	return message.Outcome{Outbound: out}
}

func (g *GateNode) fail(t message.Type, reason string) error {
	return &ProtocolError{
		NodeID:  g.info.ID,
		State:   g.state.String(),
		Message: t,
		Reason:  reason,
	}
}
