package trace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"

	"github.com/VanDung-dev/ParkGate-Engine/message"
)

// ErrSchemaMismatch is returned when a stream was not written by a Recorder.
var ErrSchemaMismatch = errors.New("trace schema mismatch")

// ReadIPC reads every event from an Arrow IPC stream written by WriteIPC.
func ReadIPC(r io.Reader) ([]Event, error) {
	reader, err := ipc.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to create reader: %w", err)
	}
	defer reader.Release()

	if !reader.Schema().Equal(Schema()) {
		return nil, fmt.Errorf("%w: %s", ErrSchemaMismatch, reader.Schema())
	}

	var events []Event
	for reader.Next() {
		events = append(events, decodeRecord(reader.Record())...)
	}
	if err := reader.Err(); err != nil {
		return nil, fmt.Errorf("failed to read record: %w", err)
	}
	return events, nil
}

// ReadFile reads a trace file written by a streaming Recorder.
func ReadFile(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}
	defer f.Close()

	return ReadIPC(f)
}

func decodeRecord(rec arrow.Record) []Event {
	ids := rec.Column(0).(*array.String)
	nodes := rec.Column(1).(*array.Int64)
	directions := rec.Column(2).(*array.String)
	types := rec.Column(3).(*array.String)
	senders := rec.Column(4).(*array.Int64)
	recipients := rec.Column(5).(*array.Int64)
	leaders := rec.Column(6).(*array.Int64)
	allowed := rec.Column(7).(*array.Boolean)
	timestamps := rec.Column(8).(*array.Timestamp)
	errs := rec.Column(9).(*array.String)

	events := make([]Event, 0, rec.NumRows())
	for i := 0; i < int(rec.NumRows()); i++ {
		ev := Event{
			ID:        ids.Value(i),
			Node:      int(nodes.Value(i)),
			Direction: directions.Value(i),
			Type:      message.Type(types.Value(i)),
			Sender:    intAt(senders, i),
			Recipient: intAt(recipients, i),
			Leader:    intAt(leaders, i),
			Timestamp: time.Unix(0, int64(timestamps.Value(i))).UTC(),
		}
		if allowed.IsValid(i) {
			v := allowed.Value(i)
			ev.Allowed = &v
		}
		if errs.IsValid(i) {
			ev.Error = errs.Value(i)
		}
		events = append(events, ev)
	}
	return events
}

func intAt(col *array.Int64, i int) *int {
	if col.IsNull(i) {
		return nil
	}
	return intRef(int(col.Value(i)))
}
