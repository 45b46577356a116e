package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/VanDung-dev/ParkGate-Engine/message"
)

// Common errors for broker operations
var (
	ErrAlreadyRunning = errors.New("broker is already running")
)

// Handler processes one inbound message at a time.
type Handler interface {
	Process(msg message.Message) (message.Outcome, error)
}

// Observer is notified of message flow through a broker.
// Callbacks run on the processing goroutine and must not block.
type Observer interface {
	ObserveInbound(msg message.Message)
	ObserveOutbound(msg message.Network)
	ObserveFailure(err error)
}

// Stats contains broker statistics.
type Stats struct {
	Name       string `json:"name"`
	Running    bool   `json:"running"`
	Processed  int64  `json:"processed"`
	Published  int64  `json:"published"`
	Failed     int64  `json:"failed"`
	Inbound    int    `json:"inbound"`
	Outbound   int    `json:"outbound"`
	Unfinished int    `json:"unfinished"`
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the logger for message flow lines.
func WithLogger(logger *log.Logger) Option {
	return func(b *Broker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithObserver registers an observer. It may be given more than once.
func WithObserver(o Observer) Option {
	return func(b *Broker) {
		if o != nil {
			b.observers = append(b.observers, o)
		}
	}
}

// Broker serializes message processing for one node: any number of producers
// feed the inbound queue, a single loop hands messages to the node, and the
// produced messages are published to the outbound queue in order.
type Broker struct {
	name      string
	inbound   *Queue[message.Message]
	outbound  *Queue[message.Network]
	logger    *log.Logger
	observers []Observer

	processed int64
	published int64
	failed    int64

	mu      sync.Mutex
	running bool
	started bool
	done    chan struct{}
	err     error
}

// New creates a broker. name labels log lines and stats.
func New(name string, opts ...Option) *Broker {
	b := &Broker{
		name:     name,
		inbound:  NewQueue[message.Message](),
		outbound: NewQueue[message.Network](),
		logger:   log.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the broker's label.
func (b *Broker) Name() string {
	return b.name
}

// EnqueueInbound adds a message for processing. It never blocks.
func (b *Broker) EnqueueInbound(msg message.Message) {
	b.inbound.Put(msg)
}

// Run processes inbound messages until the handler asks to stop, the handler
// fails, or ctx is done. Messages still queued when it returns are abandoned.
func (b *Broker) Run(ctx context.Context, h Handler) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return ErrAlreadyRunning
	}
	b.running = true
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.running = false
		b.mu.Unlock()
	}()

	for {
		msg, err := b.inbound.Get(ctx)
		if err != nil {
			return err
		}
		b.inbound.Done()

		b.logInbound(h, msg)
		for _, o := range b.observers {
			o.ObserveInbound(msg)
		}

		out, err := h.Process(msg)
		if err != nil {
			atomic.AddInt64(&b.failed, 1)
			b.logger.Printf("Node %s failed: %v", b.label(h), err)
			for _, o := range b.observers {
				o.ObserveFailure(err)
			}
			return err
		}
		atomic.AddInt64(&b.processed, 1)

		for _, m := range out.Outbound {
			b.logger.Printf("Node %s send to %d: %s", b.label(h), m.Recipient.ID, m)
			for _, o := range b.observers {
				o.ObserveOutbound(m)
			}
			b.outbound.Put(m)
			atomic.AddInt64(&b.published, 1)
		}

		if out.Stop {
			b.logger.Printf("Node %s stop processing messages", b.label(h))
			return nil
		}
	}
}

// Start runs the processing loop in a new goroutine. Done is closed and Err
// is set when the loop returns.
func (b *Broker) Start(ctx context.Context, h Handler) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return ErrAlreadyRunning
	}
	b.started = true
	b.mu.Unlock()

	go func() {
		err := b.Run(ctx, h)

		b.mu.Lock()
		b.err = err
		b.mu.Unlock()
		close(b.done)
	}()

	return nil
}

// Done is closed when a loop launched by Start returns.
func (b *Broker) Done() <-chan struct{} {
	return b.done
}

// Err returns the error the started loop ended with, if any.
func (b *Broker) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// IsRunning reports whether the processing loop is active.
func (b *Broker) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// DequeueOutbound blocks until a published message is available.
// Every dequeued message must be acknowledged with AckOutbound.
func (b *Broker) DequeueOutbound(ctx context.Context) (message.Network, error) {
	return b.outbound.Get(ctx)
}

// TryDequeueOutbound returns a published message if one is available.
func (b *Broker) TryDequeueOutbound() (message.Network, bool) {
	return b.outbound.TryGet()
}

// AckOutbound marks one dequeued message as handled.
func (b *Broker) AckOutbound() {
	b.outbound.Done()
}

// WaitOutbound blocks until every published message has been acknowledged.
func (b *Broker) WaitOutbound(ctx context.Context) error {
	return b.outbound.Wait(ctx)
}

// Stats returns current broker statistics.
func (b *Broker) Stats() Stats {
	return Stats{
		Name:       b.name,
		Running:    b.IsRunning(),
		Processed:  atomic.LoadInt64(&b.processed),
		Published:  atomic.LoadInt64(&b.published),
		Failed:     atomic.LoadInt64(&b.failed),
		Inbound:    b.inbound.Len(),
		Outbound:   b.outbound.Len(),
		Unfinished: b.outbound.Unfinished(),
	}
}

func (b *Broker) logInbound(h Handler, msg message.Message) {
	switch m := msg.(type) {
	case message.Network:
		b.logger.Printf("Node %s receive from %d: %s", b.label(h), m.Sender.ID, m)
	default:
		b.logger.Printf("Node %s receive local message: %v", b.label(h), m)
	}
}

func (b *Broker) label(h Handler) string {
	if s, ok := h.(fmt.Stringer); ok {
		return s.String()
	}
	return b.name
}
