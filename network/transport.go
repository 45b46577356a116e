package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VanDung-dev/ParkGate-Engine/message"
)

// Common errors for transport operations
var (
	ErrTransportRunning    = errors.New("transport is already running")
	ErrTransportNotRunning = errors.New("transport is not running")
)

// Connection directions reported to observers.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Transport operations reported to observers on failure.
const (
	OpAccept = "accept"
	OpDial   = "dial"
	OpWrite  = "write"
	OpRead   = "read"
	OpDecode = "decode"
	OpEncode = "encode"
)

// Config holds transport settings.
type Config struct {
	ListenAddress  string
	DialTimeout    time.Duration
	MaxMessageSize int
}

// DefaultConfig returns the default transport configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddress:  "127.0.0.1:0",
		DialTimeout:    5 * time.Second,
		MaxMessageSize: DefaultMaxFrameSize,
	}
}

// Inbox receives messages read from the network.
type Inbox interface {
	EnqueueInbound(msg message.Message)
}

// Outbox supplies messages to be sent. Every dequeued message is acknowledged
// once its send attempt is over, whether it succeeded or not.
type Outbox interface {
	DequeueOutbound(ctx context.Context) (message.Network, error)
	AckOutbound()
}

// Observer is notified of connection and failure events.
type Observer interface {
	ObserveConnection(direction string, open bool)
	ObserveTransportError(op string, err error)
}

// Stats contains transport statistics.
type Stats struct {
	Address   string `json:"address"`
	Running   bool   `json:"running"`
	FramesIn  int64  `json:"frames_in"`
	FramesOut int64  `json:"frames_out"`
	Dropped   int64  `json:"dropped"`
	Failures  int64  `json:"failures"`
	Inbound   int    `json:"inbound"`
	Outbound  int    `json:"outbound"`
}

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the transport logger.
func WithLogger(logger *log.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithObserver registers a transport observer.
func WithObserver(o Observer) Option {
	return func(t *Transport) {
		if o != nil {
			t.observers = append(t.observers, o)
		}
	}
}

// Transport moves framed messages between nodes over TCP.
//
// It runs one listener, one reader goroutine per accepted connection and a
// dispatcher that drains the outbox into per-destination lanes. Each lane has
// its own writer goroutine and connection, both created lazily and reused, so
// messages between a pair of nodes arrive in send order and a peer that stops
// reading only holds up its own lane.
type Transport struct {
	config    Config
	inbox     Inbox
	outbox    Outbox
	logger    *log.Logger
	observers []Observer
	dialer    net.Dialer

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu       sync.Mutex
	running  bool
	inbound  map[net.Conn]struct{}
	outbound map[message.NodeIdentity]net.Conn
	lanes    map[message.NodeIdentity]*lane

	framesIn  int64
	framesOut int64
	dropped   int64
	failures  int64
}

// New creates a transport delivering into inbox and sending from outbox.
// A nil outbox disables the sender loop; Send can still be called directly.
func New(config Config, inbox Inbox, outbox Outbox, opts ...Option) *Transport {
	if config.DialTimeout <= 0 {
		config.DialTimeout = DefaultConfig().DialTimeout
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = DefaultMaxFrameSize
	}

	t := &Transport{
		config:   config,
		inbox:    inbox,
		outbox:   outbox,
		logger:   log.Default(),
		dialer:   net.Dialer{Timeout: config.DialTimeout},
		inbound:  make(map[net.Conn]struct{}),
		outbound: make(map[message.NodeIdentity]net.Conn),
		lanes:    make(map[message.NodeIdentity]*lane),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start binds the listener and launches the accept and sender loops.
func (t *Transport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return ErrTransportRunning
	}

	lis, err := net.Listen("tcp", t.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", t.config.ListenAddress, err)
	}

	t.listener = lis
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.running = true

	t.wg.Add(1)
	go t.acceptLoop()

	if t.outbox != nil {
		t.wg.Add(1)
		go t.senderLoop()
	}

	t.logger.Printf("Transport listening on %s", lis.Addr())
	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (t *Transport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Stop closes the listener and every connection and waits for the loops to exit.
// Messages still queued in the outbox are not sent; those already handed to a
// lane are acknowledged without being sent.
func (t *Transport) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	t.cancel()

	_ = t.listener.Close()
	for conn := range t.inbound {
		conn.Close()
	}
	for id, conn := range t.outbound {
		conn.Close()
		delete(t.outbound, id)
		t.notifyConnection(DirectionOutbound, false)
	}
	clear(t.lanes)
	t.mu.Unlock()

	t.wg.Wait()
	t.logger.Printf("Transport on %s stopped", t.listener.Addr())
}

// IsRunning reports whether the transport is started.
func (t *Transport) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Send encodes msg and writes it to the recipient's cached connection,
// dialing it first if needed. A failed connection is evicted and redialed on
// the next send; the failed message itself is not retried.
func (t *Transport) Send(msg message.Network) error {
	data, err := Encode(msg)
	if err != nil {
		t.fail(OpEncode, err)
		return err
	}

	conn, err := t.connection(msg.Recipient)
	if err != nil {
		t.fail(OpDial, err)
		return err
	}

	if err := WriteFrame(conn, data, t.config.MaxMessageSize); err != nil {
		t.evict(msg.Recipient, conn)
		t.fail(OpWrite, err)
		return fmt.Errorf("send to %d: %w", msg.Recipient.ID, err)
	}

	atomic.AddInt64(&t.framesOut, 1)
	return nil
}

// Stats returns current transport statistics.
func (t *Transport) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := Stats{
		Running:   t.running,
		FramesIn:  atomic.LoadInt64(&t.framesIn),
		FramesOut: atomic.LoadInt64(&t.framesOut),
		Dropped:   atomic.LoadInt64(&t.dropped),
		Failures:  atomic.LoadInt64(&t.failures),
		Inbound:   len(t.inbound),
		Outbound:  len(t.outbound),
	}
	if t.listener != nil {
		stats.Address = t.listener.Addr().String()
	}
	return stats
}

func (t *Transport) connection(to message.NodeIdentity) (net.Conn, error) {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil, ErrTransportNotRunning
	}
	if conn, ok := t.outbound[to]; ok {
		t.mu.Unlock()
		return conn, nil
	}
	ctx := t.ctx
	t.mu.Unlock()

	conn, err := t.dialer.DialContext(ctx, "tcp", to.Address.String())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", to.Address, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		conn.Close()
		return nil, ErrTransportNotRunning
	}
	if cached, ok := t.outbound[to]; ok {
		conn.Close()
		return cached, nil
	}
	t.outbound[to] = conn
	t.notifyConnection(DirectionOutbound, true)
	return conn, nil
}

func (t *Transport) evict(to message.NodeIdentity, conn net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cached, ok := t.outbound[to]; ok && cached == conn {
		delete(t.outbound, to)
		t.notifyConnection(DirectionOutbound, false)
	}
	conn.Close()
}

// lane is the outbound FIFO of one destination. Only its writer goroutine
// sends to that destination.
type lane struct {
	mu      sync.Mutex
	pending []message.Network
	ready   chan struct{}
}

func (l *lane) push(msg message.Network) {
	l.mu.Lock()
	l.pending = append(l.pending, msg)
	l.mu.Unlock()

	select {
	case l.ready <- struct{}{}:
	default:
	}
}

func (l *lane) take() []message.Network {
	l.mu.Lock()
	defer l.mu.Unlock()

	batch := l.pending
	l.pending = nil
	return batch
}

// lane returns the lane of a destination, starting its writer on first use.
func (t *Transport) lane(to message.NodeIdentity) (*lane, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return nil, false
	}
	if l, ok := t.lanes[to]; ok {
		return l, true
	}

	l := &lane{ready: make(chan struct{}, 1)}
	t.lanes[to] = l
	t.wg.Add(1)
	go t.writeLoop(l)
	return l, true
}

// senderLoop drains the outbox into the destination lanes. It never writes
// to the network itself.
func (t *Transport) senderLoop() {
	defer t.wg.Done()

	for {
		msg, err := t.outbox.DequeueOutbound(t.ctx)
		if err != nil {
			return
		}

		l, ok := t.lane(msg.Recipient)
		if !ok {
			t.outbox.AckOutbound()
			return
		}
		l.push(msg)
	}
}

// writeLoop sends the messages of one lane in order. Failures are logged and
// counted, never fatal.
func (t *Transport) writeLoop(l *lane) {
	defer t.wg.Done()

	for {
		select {
		case <-l.ready:
		case <-t.ctx.Done():
			for range l.take() {
				t.outbox.AckOutbound()
			}
			return
		}

		for _, msg := range l.take() {
			if t.ctx.Err() == nil {
				if err := t.Send(msg); err != nil {
					t.logger.Printf("Failed to send %s to %d: %v", msg.Type, msg.Recipient.ID, err)
				}
			}
			t.outbox.AckOutbound()
		}
	}
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			t.fail(OpAccept, err)
			continue
		}

		t.mu.Lock()
		if !t.running {
			t.mu.Unlock()
			conn.Close()
			return
		}
		t.inbound[conn] = struct{}{}
		t.notifyConnection(DirectionInbound, true)
		t.mu.Unlock()

		t.wg.Add(1)
		go t.handleConnection(conn)
	}
}

// handleConnection reads frames until the peer closes the connection or a
// frame cannot be read. Frames that do not decode are dropped.
func (t *Transport) handleConnection(conn net.Conn) {
	defer t.wg.Done()
	defer func() {
		t.mu.Lock()
		delete(t.inbound, conn)
		t.notifyConnection(DirectionInbound, false)
		t.mu.Unlock()
		conn.Close()
	}()

	for {
		data, err := ReadFrame(conn, t.config.MaxMessageSize)
		if err != nil {
			if !errors.Is(err, io.EOF) && t.ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				t.fail(OpRead, err)
				t.logger.Printf("Closing connection from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}
		atomic.AddInt64(&t.framesIn, 1)

		msg, err := Decode(data)
		if err != nil {
			atomic.AddInt64(&t.dropped, 1)
			t.fail(OpDecode, err)
			t.logger.Printf("Dropping frame from %s: %v", conn.RemoteAddr(), err)
			continue
		}

		t.inbox.EnqueueInbound(msg)
	}
}

func (t *Transport) fail(op string, err error) {
	atomic.AddInt64(&t.failures, 1)
	for _, o := range t.observers {
		o.ObserveTransportError(op, err)
	}
}

// notifyConnection must be called with t.mu held.
func (t *Transport) notifyConnection(direction string, open bool) {
	for _, o := range t.observers {
		o.ObserveConnection(direction, open)
	}
}
