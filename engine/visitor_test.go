package engine

import (
	"testing"

	"github.com/VanDung-dev/ParkGate-Engine/message"
)

func enterPark(gate message.NodeIdentity) message.Local {
	return message.NewLocal(message.EnterPark, message.Payload{Gate: gate.Ref()})
}

func leavePark(gate message.NodeIdentity) message.Local {
	return message.NewLocal(message.LeavePark, message.Payload{Gate: gate.Ref()})
}

func TestVisitorEnterAndLeave(t *testing.T) {
	self := identity(501, 0)
	gate := identity(1, 5)
	v := NewVisitorNode(self)

	out := mustProcess(t, v, enterPark(gate))
	diffOutbound(t, []message.Network{network(message.EnterRequest, self, gate, message.Payload{})}, out.Outbound)
	if v.State() != VisitorEntering {
		t.Fatalf("Expected entering, got %s", v.State())
	}

	mustProcess(t, v, network(message.EnterResponse, gate, self, message.Payload{Allowed: message.Bool(true)}))
	if v.State() != VisitorEntered {
		t.Fatalf("Expected entered, got %s", v.State())
	}

	out = mustProcess(t, v, leavePark(gate))
	diffOutbound(t, []message.Network{network(message.LeaveRequest, self, gate, message.Payload{})}, out.Outbound)

	mustProcess(t, v, network(message.LeaveResponse, gate, self, message.Payload{Allowed: message.Bool(true)}))
	if v.State() != VisitorIdle {
		t.Errorf("Expected idle, got %s", v.State())
	}
}

func TestVisitorDenied(t *testing.T) {
	self := identity(501, 0)
	gate := identity(1, 5)
	v := NewVisitorNode(self)

	mustProcess(t, v, enterPark(gate))
	mustProcess(t, v, network(message.EnterResponse, gate, self, message.Payload{Allowed: message.Bool(false)}))
	if v.State() != VisitorIdle {
		t.Fatalf("Denied entry should return to idle, got %s", v.State())
	}

	mustProcess(t, v, enterPark(gate))
	mustProcess(t, v, network(message.EnterResponse, gate, self, message.Payload{Allowed: message.Bool(true)}))
	mustProcess(t, v, leavePark(gate))
	mustProcess(t, v, network(message.LeaveResponse, gate, self, message.Payload{Allowed: message.Bool(false)}))
	if v.State() != VisitorEntered {
		t.Errorf("Denied exit should stay entered, got %s", v.State())
	}
}

func TestVisitorViolations(t *testing.T) {
	self := identity(501, 0)
	gate := identity(1, 5)
	v := NewVisitorNode(self)

	_, err := v.Process(leavePark(gate))
	expectViolation(t, err)

	_, err = v.Process(network(message.EnterResponse, gate, self, message.Payload{Allowed: message.Bool(true)}))
	expectViolation(t, err)

	_, err = v.Process(message.NewLocal(message.EnterPark, message.Payload{}))
	expectViolation(t, err)

	mustProcess(t, v, enterPark(gate))
	_, err = v.Process(enterPark(gate))
	expectViolation(t, err)

	_, err = v.Process(network(message.LeaveResponse, gate, self, message.Payload{Allowed: message.Bool(true)}))
	expectViolation(t, err)

	_, err = v.Process(network(message.ElectionStarted, gate, self, message.Payload{}))
	expectViolation(t, err)

	_, err = v.Process(local(message.StartElection))
	expectViolation(t, err)
}

func TestVisitorHelloAndTerminate(t *testing.T) {
	self := identity(501, 0)
	gate := identity(1, 5)
	v := NewVisitorNode(self)

	out := mustProcess(t, v, network(message.Hello, gate, self, message.Payload{}))
	diffOutbound(t, []message.Network{network(message.Hey, self, gate, message.Payload{})}, out.Outbound)

	out = mustProcess(t, v, local(message.Terminate))
	if !out.Stop || len(out.Outbound) != 0 {
		t.Errorf("Expected a bare stop, got %+v", out)
	}
}
