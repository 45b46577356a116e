// Package node assembles a runnable park node.
//
// A Runtime wires one engine (gate or visitor) to its broker, TCP transport,
// and the optional control endpoint, health service, metrics and message
// trace. A Cluster runs many gates in one process.
package node

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VanDung-dev/ParkGate-Engine/api"
	"github.com/VanDung-dev/ParkGate-Engine/broker"
	"github.com/VanDung-dev/ParkGate-Engine/control"
	"github.com/VanDung-dev/ParkGate-Engine/engine"
	"github.com/VanDung-dev/ParkGate-Engine/message"
	"github.com/VanDung-dev/ParkGate-Engine/network"
	"github.com/VanDung-dev/ParkGate-Engine/trace"
)

// Common errors for runtime operations
var (
	ErrNodeRunning    = errors.New("node is already running")
	ErrNodeNotRunning = errors.New("node is not running")
)

// Config holds the settings of a Runtime.
type Config struct {
	// ListenAddress overrides the address taken from the node identity.
	ListenAddress  string
	DialTimeout    time.Duration
	MaxMessageSize int

	// Optional components. Empty values disable them.
	ControlEndpoint string
	ControlToken    string
	HealthAddress   string
	TracePath       string

	// DrainTimeout bounds how long published messages may take to leave
	// after the processing loop stops.
	DrainTimeout time.Duration

	Logger  *log.Logger
	Metrics *api.Metrics
}

// DefaultConfig returns the default runtime configuration.
func DefaultConfig() Config {
	return Config{
		DialTimeout:    network.DefaultConfig().DialTimeout,
		MaxMessageSize: network.DefaultMaxFrameSize,
		DrainTimeout:   5 * time.Second,
	}
}

// Snapshot is a point-in-time view of a node's engine.
type Snapshot struct {
	Node   message.NodeIdentity
	State  string
	Leader *message.NodeIdentity
}

func (s Snapshot) String() string {
	if s.Leader == nil {
		return fmt.Sprintf("%d/%s", s.Node.ID, s.State)
	}
	return fmt.Sprintf("%d/%s leader=%d", s.Node.ID, s.State, s.Leader.ID)
}

// handler records a snapshot after every processed message, so other
// goroutines can observe the engine without calling into it.
type handler struct {
	inner    broker.Handler
	snap     func() Snapshot
	snapshot atomic.Value
}

func newHandler(inner broker.Handler, snap func() Snapshot) *handler {
	h := &handler{inner: inner, snap: snap}
	h.snapshot.Store(snap())
	return h
}

func (h *handler) Process(msg message.Message) (message.Outcome, error) {
	out, err := h.inner.Process(msg)
	h.snapshot.Store(h.snap())
	return out, err
}

func (h *handler) String() string {
	if s, ok := h.inner.(fmt.Stringer); ok {
		return s.String()
	}
	return strconv.Itoa(h.snap().Node.ID)
}

func (h *handler) current() Snapshot {
	return h.snapshot.Load().(Snapshot)
}

// Runtime runs one node.
type Runtime struct {
	identity message.NodeIdentity
	config   Config
	logger   *log.Logger
	handler  *handler

	broker    *broker.Broker
	transport *network.Transport
	control   *control.Server
	health    *api.HealthServer
	recorder  *trace.Recorder

	cancel context.CancelFunc
	done   chan struct{}
	err    error

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewGate creates a runtime for a gate.
func NewGate(info message.NodeIdentity, neighbours []message.NodeIdentity, repo engine.Repository, config Config) *Runtime {
	g := engine.NewGateNode(info, neighbours, repo)
	snap := func() Snapshot {
		s := Snapshot{Node: info, State: g.State().String()}
		if leader, ok := g.Leader(); ok {
			s.Leader = &leader
		}
		return s
	}
	return newRuntime(info, newHandler(g, snap), control.GateCommands, config)
}

// NewVisitor creates a runtime for a visitor.
func NewVisitor(info message.NodeIdentity, config Config) *Runtime {
	v := engine.NewVisitorNode(info)
	snap := func() Snapshot {
		return Snapshot{Node: info, State: v.State().String()}
	}
	return newRuntime(info, newHandler(v, snap), control.VisitorCommands, config)
}

func newRuntime(info message.NodeIdentity, h *handler, commands []message.Type, config Config) *Runtime {
	defaults := DefaultConfig()
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = defaults.DrainTimeout
	}
	if config.ListenAddress == "" {
		config.ListenAddress = info.Address.String()
	}

	logger := config.Logger
	if logger == nil {
		logger = log.Default()
	}

	r := &Runtime{
		identity: info,
		config:   config,
		logger:   logger,
		handler:  h,
		done:     make(chan struct{}),
	}

	brokerOpts := []broker.Option{broker.WithLogger(logger)}
	transportOpts := []network.Option{network.WithLogger(logger)}
	if config.Metrics != nil {
		nm := config.Metrics.Node(info.ID)
		brokerOpts = append(brokerOpts, broker.WithObserver(nm))
		transportOpts = append(transportOpts, network.WithObserver(nm))
	}
	if config.TracePath != "" {
		r.recorder = trace.NewRecorder(info.ID)
		brokerOpts = append(brokerOpts, broker.WithObserver(r.recorder))
	}

	r.broker = broker.New(strconv.Itoa(info.ID), brokerOpts...)
	r.transport = network.New(network.Config{
		ListenAddress:  config.ListenAddress,
		DialTimeout:    config.DialTimeout,
		MaxMessageSize: config.MaxMessageSize,
	}, r.broker, r.broker, transportOpts...)

	if config.ControlEndpoint != "" {
		opts := []control.Option{
			control.WithLogger(logger),
			control.WithStatus(func() string { return r.Snapshot().String() }),
		}
		if auth := control.NewAuthenticator(config.ControlToken); auth.Enabled() {
			opts = append(opts, control.WithAuthenticator(auth))
		}
		r.control = control.NewServer(config.ControlEndpoint, r.broker, commands, opts...)
	}
	if config.HealthAddress != "" {
		r.health = api.NewHealthServer()
	}
	return r
}

// Identity returns the node identity.
func (r *Runtime) Identity() message.NodeIdentity { return r.identity }

// Snapshot returns the engine view after the last processed message.
func (r *Runtime) Snapshot() Snapshot { return r.handler.current() }

// Stats returns the broker statistics.
func (r *Runtime) Stats() broker.Stats { return r.broker.Stats() }

// TransportStats returns the transport statistics.
func (r *Runtime) TransportStats() network.Stats { return r.transport.Stats() }

// Addr returns the transport listener address, or nil before Start.
func (r *Runtime) Addr() net.Addr { return r.transport.Addr() }

// ControlEndpoint returns the bound control endpoint, or "" when disabled.
func (r *Runtime) ControlEndpoint() string {
	if r.control == nil {
		return ""
	}
	return r.control.Endpoint()
}

// HealthAddr returns the health service address, or nil when disabled.
func (r *Runtime) HealthAddr() net.Addr {
	if r.health == nil {
		return nil
	}
	return r.health.Addr()
}

// Start brings up the transport and optional services, then launches the
// processing loop. Cancelling ctx stops the node.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return ErrNodeRunning
	}

	if r.recorder != nil {
		if err := r.recorder.Open(r.config.TracePath); err != nil {
			return fmt.Errorf("node %d: %w", r.identity.ID, err)
		}
	}
	if err := r.transport.Start(); err != nil {
		r.closeRecorder()
		return fmt.Errorf("node %d: %w", r.identity.ID, err)
	}
	if r.health != nil {
		if err := r.health.Start(r.config.HealthAddress); err != nil {
			r.transport.Stop()
			r.closeRecorder()
			return fmt.Errorf("node %d: %w", r.identity.ID, err)
		}
	}
	if r.control != nil {
		if err := r.control.Start(); err != nil {
			r.transport.Stop()
			if r.health != nil {
				r.health.Stop()
			}
			r.closeRecorder()
			return fmt.Errorf("node %d: %w", r.identity.ID, err)
		}
	}

	ctx, r.cancel = context.WithCancel(ctx)
	if err := r.broker.Start(ctx, r.handler); err != nil {
		r.cancel()
		r.shutdown()
		return fmt.Errorf("node %d: %w", r.identity.ID, err)
	}
	if r.health != nil {
		r.health.SetServing(true)
	}
	r.started = true

	go r.run()

	r.logger.Printf("Node %s started on %s", r.identity, r.transport.Addr())
	return nil
}

func (r *Runtime) run() {
	<-r.broker.Done()
	err := r.broker.Err()

	ctx, cancel := context.WithTimeout(context.Background(), r.config.DrainTimeout)
	if werr := r.broker.WaitOutbound(ctx); werr != nil {
		r.logger.Printf("Node %d: %d messages not sent before shutdown", r.identity.ID, r.broker.Stats().Unfinished)
	}
	cancel()

	r.shutdown()

	r.mu.Lock()
	if r.stopped && errors.Is(err, context.Canceled) {
		err = nil
	}
	r.err = err
	r.mu.Unlock()

	close(r.done)
	r.logger.Printf("Node %d stopped", r.identity.ID)
}

func (r *Runtime) shutdown() {
	if r.health != nil {
		r.health.SetServing(false)
	}
	if r.control != nil {
		r.control.Stop()
	}
	r.transport.Stop()
	if r.health != nil {
		r.health.Stop()
	}
	r.closeRecorder()
}

func (r *Runtime) closeRecorder() {
	if r.recorder == nil {
		return
	}
	if err := r.recorder.Close(); err != nil {
		r.logger.Printf("Node %d: failed to write trace: %v", r.identity.ID, err)
	}
}

// Submit enqueues a local command.
func (r *Runtime) Submit(msg message.Local) {
	r.broker.EnqueueInbound(msg)
}

// Done is closed once the node has stopped and released its resources.
func (r *Runtime) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the node stops and returns the error that stopped it.
// A node stopped by Stop or by a terminate command returns nil.
func (r *Runtime) Wait() error {
	<-r.done

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Stop cancels the processing loop and waits for the node to shut down.
func (r *Runtime) Stop() error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return ErrNodeNotRunning
	}
	r.stopped = true
	r.mu.Unlock()

	r.cancel()
	return r.Wait()
}
