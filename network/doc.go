// Package network carries park messages between nodes over TCP.
//
// This package implements:
//   - Frame codec: 4-byte big-endian length prefix followed by the payload
//   - Message codec: JSON encoding of network messages with field validation
//   - Transport: listener, per-connection readers and one writer per
//     destination, each with its own cached connection
package network
