package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/goccy/go-json"
)

// ErrCommandFailed wraps an error reported by the remote node.
var ErrCommandFailed = errors.New("command failed")

// DefaultTimeout bounds one request/reply exchange.
const DefaultTimeout = 5 * time.Second

// Client sends commands to a node's control server.
type Client struct {
	sock    zmq4.Socket
	cancel  context.CancelFunc
	timeout time.Duration
}

// Dial connects a REQ socket to endpoint.
func Dial(endpoint string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	sock := zmq4.NewReq(ctx)
	if err := sock.Dial(endpoint); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to %s: %w", endpoint, err)
	}

	return &Client{sock: sock, cancel: cancel, timeout: timeout}, nil
}

// Send issues cmd and waits for the reply. A reply with OK unset is returned
// together with an error wrapping ErrCommandFailed.
func (c *Client) Send(cmd Command) (Reply, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return Reply{}, fmt.Errorf("failed to encode command: %w", err)
	}

	type result struct {
		msg zmq4.Msg
		err error
	}
	done := make(chan result, 1)

	go func() {
		if err := c.sock.Send(zmq4.NewMsg(data)); err != nil {
			done <- result{err: fmt.Errorf("failed to send command: %w", err)}
			return
		}
		msg, err := c.sock.Recv()
		done <- result{msg: msg, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-time.After(c.timeout):
		// REQ sockets cannot recover from a lost reply.
		c.Close()
		return Reply{}, fmt.Errorf("no reply within %s", c.timeout)
	}
	if res.err != nil {
		return Reply{}, res.err
	}

	var reply Reply
	if err := json.Unmarshal(res.msg.Bytes(), &reply); err != nil {
		return Reply{}, fmt.Errorf("failed to decode reply: %w", err)
	}
	if !reply.OK {
		return reply, fmt.Errorf("%w: %s", ErrCommandFailed, reply.Error)
	}
	return reply, nil
}

// Close releases the socket.
func (c *Client) Close() error {
	c.cancel()
	return c.sock.Close()
}
