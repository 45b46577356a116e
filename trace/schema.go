// Package trace records the messages a node handles and persists them as
// Apache Arrow IPC streams for offline analysis.
package trace

import (
	"github.com/apache/arrow-go/v18/arrow"
)

// Directions of a trace event.
const (
	DirectionIn   = "in"
	DirectionOut  = "out"
	DirectionFail = "fail"
)

// Schema returns the Arrow schema of a trace record batch.
//
// Fields:
//   - id: string - unique event ID
//   - node: int64 - ID of the recording node
//   - direction: string - in, out or fail
//   - type: string - message type (empty for failures)
//   - sender, recipient: int64 (nullable) - node IDs of network messages
//   - leader: int64 (nullable) - leader field of the payload
//   - allowed: bool (nullable) - admission decision of the payload
//   - timestamp: timestamp[ns]
//   - error: string (nullable) - failure text
func Schema() *arrow.Schema {
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: "id", Type: arrow.BinaryTypes.String},
			{Name: "node", Type: arrow.PrimitiveTypes.Int64},
			{Name: "direction", Type: arrow.BinaryTypes.String},
			{Name: "type", Type: arrow.BinaryTypes.String},
			{Name: "sender", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
			{Name: "recipient", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
			{Name: "leader", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
			{Name: "allowed", Type: arrow.FixedWidthTypes.Boolean, Nullable: true},
			{Name: "timestamp", Type: arrow.FixedWidthTypes.Timestamp_ns},
			{Name: "error", Type: arrow.BinaryTypes.String, Nullable: true},
		},
		nil,
	)
}
