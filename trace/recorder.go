package trace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"

	"github.com/VanDung-dev/ParkGate-Engine/message"
)

// DefaultBatchSize is the number of events a streaming recorder buffers
// before writing them as one record batch.
const DefaultBatchSize = 1024

// Recorder errors
var (
	ErrRecorderOpen   = errors.New("trace recorder already streaming")
	ErrRecorderClosed = errors.New("trace recorder not streaming")
)

// Event is one traced message or failure.
type Event struct {
	ID        string
	Node      int
	Direction string
	Type      message.Type
	Sender    *int
	Recipient *int
	Leader    *int
	Allowed   *bool
	Timestamp time.Time
	Error     string
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithClock replaces time.Now for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		r.now = now
	}
}

// WithBatchSize sets how many events are buffered between record batches.
func WithBatchSize(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// Recorder collects events. It implements broker.Observer.
//
// Until Open is called events accumulate in memory. Once streaming, every
// full batch is written to the trace file and released, so memory stays
// bounded by the batch size.
type Recorder struct {
	node      int
	now       func() time.Time
	allocator memory.Allocator
	batchSize int

	mu      sync.Mutex
	events  []Event
	written int
	file    *os.File
	writer  *ipc.Writer
	err     error
}

// NewRecorder creates a recorder for the node with the given ID.
func NewRecorder(node int, opts ...Option) *Recorder {
	r := &Recorder{
		node:      node,
		now:       time.Now,
		allocator: memory.DefaultAllocator,
		batchSize: DefaultBatchSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ObserveInbound records a message taken from the inbound queue.
func (r *Recorder) ObserveInbound(msg message.Message) {
	switch m := msg.(type) {
	case message.Network:
		r.add(r.networkEvent(DirectionIn, m))
	case message.Local:
		ev := r.newEvent(DirectionIn, m.Type)
		if m.Payload.Gate != nil {
			ev.Recipient = intRef(m.Payload.Gate.ID)
		}
		r.add(ev)
	}
}

// ObserveOutbound records a published message.
func (r *Recorder) ObserveOutbound(msg message.Network) {
	r.add(r.networkEvent(DirectionOut, msg))
}

// ObserveFailure records a processing failure.
func (r *Recorder) ObserveFailure(err error) {
	ev := r.newEvent(DirectionFail, "")
	ev.Error = err.Error()
	r.add(ev)
}

// Events returns a copy of the events not yet written to the trace file.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Len returns the number of recorded events, written or buffered.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written + len(r.events)
}

// Record builds an Arrow record of the events. The caller must release it.
func (r *Recorder) Record() arrow.Record {
	return buildRecord(r.allocator, r.Events())
}

// WriteIPC writes the events to w as a single-batch Arrow IPC stream.
func (r *Recorder) WriteIPC(w io.Writer) error {
	record := r.Record()
	defer record.Release()

	writer := ipc.NewWriter(w, ipc.WithSchema(record.Schema()), ipc.WithAllocator(r.allocator))
	if err := writer.Write(record); err != nil {
		writer.Close()
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	return nil
}

// Open starts streaming to a new trace file at path, replacing any existing
// one. Events recorded so far are written first.
func (r *Recorder) Open(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.writer != nil {
		return ErrRecorderOpen
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create trace file: %w", err)
	}
	r.file = f
	r.writer = ipc.NewWriter(f, ipc.WithSchema(Schema()), ipc.WithAllocator(r.allocator))
	return r.writeBatch()
}

// Close writes the buffered events and closes the trace file. It reports the
// first error seen while streaming.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.writer == nil {
		return ErrRecorderClosed
	}

	err := r.writeBatch()
	if r.err != nil {
		err = r.err
	}
	if cerr := r.writer.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("failed to close writer: %w", cerr)
	}
	if cerr := r.file.Close(); cerr != nil && err == nil {
		err = cerr
	}
	r.writer, r.file, r.err = nil, nil, nil
	return err
}

// writeBatch must be called with r.mu held. The buffer is released even when
// the write fails.
func (r *Recorder) writeBatch() error {
	if r.writer == nil || len(r.events) == 0 {
		return nil
	}

	record := buildRecord(r.allocator, r.events)
	defer record.Release()

	n := len(r.events)
	r.events = nil
	if err := r.writer.Write(record); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	r.written += n
	return nil
}

func (r *Recorder) newEvent(direction string, t message.Type) Event {
	return Event{
		ID:        uuid.NewString(),
		Node:      r.node,
		Direction: direction,
		Type:      t,
		Timestamp: r.now(),
	}
}

func (r *Recorder) networkEvent(direction string, m message.Network) Event {
	ev := r.newEvent(direction, m.Type)
	ev.Sender = intRef(m.Sender.ID)
	ev.Recipient = intRef(m.Recipient.ID)
	if m.Payload.Leader != nil {
		ev.Leader = intRef(m.Payload.Leader.ID)
	}
	if m.Payload.Allowed != nil {
		allowed := *m.Payload.Allowed
		ev.Allowed = &allowed
	}
	return ev
}

func (r *Recorder) add(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, ev)
	if r.writer != nil && len(r.events) >= r.batchSize {
		if err := r.writeBatch(); err != nil && r.err == nil {
			r.err = err
		}
	}
}

func intRef(v int) *int {
	return &v
}

func buildRecord(mem memory.Allocator, events []Event) arrow.Record {
	b := array.NewRecordBuilder(mem, Schema())
	defer b.Release()

	ids := b.Field(0).(*array.StringBuilder)
	nodes := b.Field(1).(*array.Int64Builder)
	directions := b.Field(2).(*array.StringBuilder)
	types := b.Field(3).(*array.StringBuilder)
	senders := b.Field(4).(*array.Int64Builder)
	recipients := b.Field(5).(*array.Int64Builder)
	leaders := b.Field(6).(*array.Int64Builder)
	allowed := b.Field(7).(*array.BooleanBuilder)
	timestamps := b.Field(8).(*array.TimestampBuilder)
	errs := b.Field(9).(*array.StringBuilder)

	for _, ev := range events {
		ids.Append(ev.ID)
		nodes.Append(int64(ev.Node))
		directions.Append(ev.Direction)
		types.Append(string(ev.Type))
		appendInt(senders, ev.Sender)
		appendInt(recipients, ev.Recipient)
		appendInt(leaders, ev.Leader)
		if ev.Allowed != nil {
			allowed.Append(*ev.Allowed)
		} else {
			allowed.AppendNull()
		}
		timestamps.Append(arrow.Timestamp(ev.Timestamp.UnixNano()))
		if ev.Error != "" {
			errs.Append(ev.Error)
		} else {
			errs.AppendNull()
		}
	}

	return b.NewRecord()
}

func appendInt(b *array.Int64Builder, v *int) {
	if v == nil {
		b.AppendNull()
		return
	}
	b.Append(int64(*v))
}
