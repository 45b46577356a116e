// Package control exposes a node's local command surface to operators.
//
// Each node can bind a ZeroMQ REP socket. A request is a JSON Command naming a
// local message type; accepted commands are enqueued into the node's broker and
// acknowledged immediately, before they are processed.
package control

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/goccy/go-json"

	"github.com/VanDung-dev/ParkGate-Engine/message"
)

// Common errors for control operations
var (
	ErrServerRunning     = errors.New("control server is already running")
	ErrCommandNotAllowed = errors.New("command not allowed")
	ErrBadCommand        = errors.New("malformed command")
)

// recvBackoff spaces out retries after a failed receive.
const recvBackoff = 50 * time.Millisecond

// StatusCommand asks for a status line without enqueueing anything.
const StatusCommand message.Type = "status"

// Command is an operator request.
type Command struct {
	Type  message.Type          `json:"type"`
	Gate  *message.NodeIdentity `json:"gate,omitempty"`
	Token string                `json:"token,omitempty"`
}

// Reply answers a Command.
type Reply struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Status string `json:"status,omitempty"`
}

// Inbox receives accepted commands.
type Inbox interface {
	EnqueueInbound(msg message.Message)
}

// GateCommands are the local commands a gate accepts.
var GateCommands = []message.Type{
	message.SayHello,
	message.StartElection,
	message.RemoveLeader,
	message.Terminate,
}

// VisitorCommands are the local commands a visitor accepts.
var VisitorCommands = []message.Type{
	message.EnterPark,
	message.LeavePark,
	message.Terminate,
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithAuthenticator requires commands to carry a valid token.
func WithAuthenticator(auth *Authenticator) Option {
	return func(s *Server) {
		s.auth = auth
	}
}

// WithStatus sets the function answering StatusCommand.
func WithStatus(fn func() string) Option {
	return func(s *Server) {
		s.status = fn
	}
}

// Server is the per-node control endpoint.
type Server struct {
	endpoint string
	inbox    Inbox
	allowed  map[message.Type]bool
	logger   *log.Logger
	status   func() string
	auth     *Authenticator

	sock   zmq4.Socket
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// NewServer creates a control server bound to endpoint (e.g. "tcp://127.0.0.1:7001").
func NewServer(endpoint string, inbox Inbox, allowed []message.Type, opts ...Option) *Server {
	s := &Server{
		endpoint: endpoint,
		inbox:    inbox,
		allowed:  make(map[message.Type]bool, len(allowed)),
		logger:   log.Default(),
	}
	for _, t := range allowed {
		s.allowed[t] = true
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start binds the REP socket and serves requests in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrServerRunning
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	sock := zmq4.NewRep(s.ctx)
	if err := sock.Listen(s.endpoint); err != nil {
		s.cancel()
		return fmt.Errorf("failed to bind control socket %s: %w", s.endpoint, err)
	}

	s.sock = sock
	s.running = true

	s.wg.Add(1)
	go s.serve()

	s.logger.Printf("Control server listening on %s", s.Endpoint())
	return nil
}

// Endpoint returns the bound endpoint, resolving an ephemeral port once started.
func (s *Server) Endpoint() string {
	if s.sock == nil || s.sock.Addr() == nil {
		return s.endpoint
	}
	scheme, _, _ := strings.Cut(s.endpoint, "://")
	return scheme + "://" + s.sock.Addr().String()
}

// Stop closes the socket and waits for the serving loop to exit.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	_ = s.sock.Close()
	s.wg.Wait()
}

// serve answers requests until the server is stopped. A failed exchange is
// logged and the loop keeps serving.
func (s *Server) serve() {
	defer s.wg.Done()

	for s.ctx.Err() == nil {
		req, err := s.sock.Recv()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Printf("Control receive failed: %v", err)
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(recvBackoff):
			}
			continue
		}

		reply := s.handle(req.Bytes())

		data, err := json.Marshal(reply)
		if err != nil {
			s.logger.Printf("Control reply encoding failed: %v", err)
			continue
		}
		if err := s.sock.Send(zmq4.NewMsg(data)); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Printf("Control reply failed: %v", err)
		}
	}
}

func (s *Server) handle(data []byte) Reply {
	cmd, err := s.parse(data)
	if err != nil {
		s.logger.Printf("Control rejected command: %v", err)
		return Reply{Error: err.Error()}
	}

	if cmd.Type == StatusCommand {
		reply := Reply{OK: true}
		if s.status != nil {
			reply.Status = s.status()
		}
		return reply
	}

	s.inbox.EnqueueInbound(message.NewLocal(cmd.Type, message.Payload{Gate: cmd.Gate}))
	return Reply{OK: true}
}

func (s *Server) parse(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrBadCommand, err)
	}
	if s.auth != nil {
		if err := s.auth.Validate(cmd.Token); err != nil {
			return Command{}, err
		}
	}
	if cmd.Type == StatusCommand {
		return cmd, nil
	}
	if !s.allowed[cmd.Type] {
		return Command{}, fmt.Errorf("%w: %q", ErrCommandNotAllowed, cmd.Type)
	}
	if (cmd.Type == message.EnterPark || cmd.Type == message.LeavePark) && cmd.Gate == nil {
		return Command{}, fmt.Errorf("%w: %s needs a gate", ErrBadCommand, cmd.Type)
	}
	return cmd, nil
}
