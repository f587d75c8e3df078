// Package client talks to a dbgapi server over its local socket.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"

	"gni.dev/dbgapi/internal/dbg/api"
)

const defaultDialTimeout = 5 * time.Second

var ErrNotConnected = errors.New("not connected")

// ConnectionError reports a transport failure: the server could not be
// reached, or the connection broke during an exchange.
type ConnectionError struct {
	// Op is "connect", "send" or "receive".
	Op      string
	Network string
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s %s %s: %v", e.Op, e.Network, e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

type Options struct {
	Network string
	Address string
	// DialTimeout bounds the whole connect attempt, retries included.
	DialTimeout    time.Duration
	MaxMessageSize int
}

// Client sends one request at a time over a single connection.
type Client struct {
	opts Options
	log  logr.Logger

	mu   sync.Mutex
	conn net.Conn
	r    *bufio.Reader
}

func New(opts Options, log logr.Logger) *Client {
	if opts.Network == "" {
		opts.Network = "unix"
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = api.DefaultMaxMessageSize
	}
	return &Client{opts: opts, log: log}
}

// Connect dials the server, retrying with exponential backoff until
// DialTimeout elapses or ctx is done.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 20 * time.Millisecond
	eb.MaxInterval = 500 * time.Millisecond
	eb.MaxElapsedTime = c.opts.DialTimeout

	var d net.Dialer
	attempt := 0
	conn, err := backoff.RetryWithData(func() (net.Conn, error) {
		attempt++
		conn, err := d.DialContext(ctx, c.opts.Network, c.opts.Address)
		if err != nil {
			c.log.V(1).Info("dial failed", "address", c.opts.Address, "attempt", attempt, "error", err.Error())
		}
		return conn, err
	}, backoff.WithContext(eb, ctx))
	if err != nil {
		return c.connErr("connect", err)
	}

	c.conn = conn
	c.r = bufio.NewReader(conn)
	c.log.V(1).Info("connected", "address", c.opts.Address)
	return nil
}

var aLongTimeAgo = time.Unix(1, 0)

// SendRequest writes req and reads its response. An I/O failure closes the
// connection since the stream can no longer be trusted.
func (c *Client) SendRequest(ctx context.Context, req *api.Request) (*api.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, ErrNotConnected
	}

	deadline, _ := ctx.Deadline()
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, c.fail(ctx, c.connErr("send", err))
	}
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(aLongTimeAgo)
	})
	defer stop()

	if err := api.WriteMessage(c.conn, req); err != nil {
		return nil, c.fail(ctx, c.connErr("send", fmt.Errorf("%s request: %w", req.Request, err)))
	}
	msg, err := api.ReadMessage(c.r, c.opts.MaxMessageSize)
	if err != nil {
		return nil, c.fail(ctx, c.connErr("receive", fmt.Errorf("%s response: %w", req.Request, err)))
	}
	resp, err := api.DecodeResponse(msg)
	if err != nil {
		return nil, c.fail(ctx, err)
	}
	return resp, nil
}

func (c *Client) connErr(op string, err error) *ConnectionError {
	return &ConnectionError{Op: op, Network: c.opts.Network, Address: c.opts.Address, Err: err}
}

// fail drops the connection. Cancellation of ctx wins over the I/O error it
// caused.
func (c *Client) fail(ctx context.Context, err error) error {
	c.conn.Close()
	c.conn = nil
	c.r = nil
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

// Call sends req and decodes a successful result into result, which may be
// nil. Error responses are returned as *api.Error.
func (c *Client) Call(ctx context.Context, req *api.Request, result interface{}) error {
	resp, err := c.SendRequest(ctx, req)
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	if err := resp.DecodeData(result); err != nil {
		return fmt.Errorf("decoding %s result: %w", req.Request, err)
	}
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.r = nil
	return err
}
