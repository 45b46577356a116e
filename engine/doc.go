// Package engine implements the per-node protocol state machines.
//
// This package implements:
//   - GateNode: echo/wave leader election and the leader-coordinated mutex
//     that serializes access to the park's capacity state
//   - VisitorNode: the four-state client that asks gates for admission
//
// Both are pure: Process consumes one message and returns the messages to send,
// in order, plus a stop flag. All I/O other than the capacity repository is left
// to the broker and transport.
package engine
