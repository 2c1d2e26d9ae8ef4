package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/lcloud/internal/logger"
	"github.com/e2b-dev/infra/packages/lcloud/internal/metrics"
	"github.com/e2b-dev/infra/packages/lcloud/internal/register"
)

var ErrTransport = errors.New("controller transport failure")

type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Client owns at most one connection to the device controller and performs
// one frame exchange at a time. It connects on first use and reconnects after
// power-off or a failed exchange. Client is not safe for concurrent use.
type Client struct {
	address     string
	dial        DialFunc
	dialTimeout time.Duration
	blockSize   int

	conn  net.Conn
	frame []byte

	metrics metrics.Metrics
	logger  *zap.Logger
}

type Option func(*Client)

func WithDialer(dial DialFunc) Option {
	return func(c *Client) {
		c.dial = dial
	}
}

func WithDialTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.dialTimeout = timeout
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

func WithMetrics(m metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

func NewClient(address string, opts ...Option) *Client {
	var dialer net.Dialer

	c := &Client{
		address:   address,
		dial:      dialer.DialContext,
		blockSize: register.BlockSize,
		frame:     make([]byte, register.FrameSize),
		metrics:   metrics.Noop(),
		logger:    logger.NewNopLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *Client) Connected() bool {
	return c.conn != nil
}

func (c *Client) connect(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}

	dialCtx := ctx
	if c.dialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.dialTimeout)
		defer cancel()
	}

	conn, err := c.dial(dialCtx, "tcp", c.address)
	if err != nil {
		return fmt.Errorf("%w: connect %s: %w", ErrTransport, c.address, err)
	}

	c.logger.Info("connected to device controller", zap.String("address", c.address))
	c.conn = conn

	return nil
}

// Close drops the connection if one is open.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}

	err := c.conn.Close()
	c.conn = nil

	return err
}

func (c *Client) fail(op register.Opcode, step string, err error) error {
	c.logger.Error("controller exchange failed", logger.WithOpcode(op), zap.String("step", step), zap.Error(err))

	if closeErr := c.Close(); closeErr != nil {
		c.logger.Warn("failed to close controller connection", zap.Error(closeErr))
	}

	return fmt.Errorf("%w: %s %s: %w", ErrTransport, op, step, err)
}

func (c *Client) send(b []byte) error {
	n, err := c.conn.Write(b)
	if err != nil {
		return err
	}

	if n != len(b) {
		return io.ErrShortWrite
	}

	return nil
}

func (c *Client) receiveFrame() (register.Frame, error) {
	var f register.Frame

	if _, err := io.ReadFull(c.conn, c.frame); err != nil {
		return f, err
	}

	err := f.UnmarshalBinary(c.frame)

	return f, err
}

// Do performs one raw exchange. Block transfers carry exactly one block in
// buf: sent after the frame for writes, received after the response for
// reads. Power-off closes the connection once the response arrives.
func (c *Client) Do(ctx context.Context, req register.Frame, buf []byte) (register.Frame, error) {
	xfer := req.Opcode == register.OpBlockXfer
	if xfer {
		if req.Transfer != register.XferRead && req.Transfer != register.XferWrite {
			return register.Frame{}, fmt.Errorf("invalid transfer direction %d", req.Transfer)
		}

		if len(buf) != c.blockSize {
			return register.Frame{}, fmt.Errorf("block transfer buffer is %d bytes, expected %d", len(buf), c.blockSize)
		}
	}

	if err := req.Put(c.frame); err != nil {
		return register.Frame{}, fmt.Errorf("encode %s: %w", req.Opcode, err)
	}

	if err := c.connect(ctx); err != nil {
		return register.Frame{}, err
	}

	deadline, _ := ctx.Deadline()
	if err := c.conn.SetDeadline(deadline); err != nil {
		return register.Frame{}, c.fail(req.Opcode, "deadline", err)
	}

	sw := c.metrics.Begin(c.metrics.FrameRoundTrip)
	defer sw.End(ctx, metrics.KV("opcode", req.Opcode.String()))

	if err := c.send(c.frame); err != nil {
		return register.Frame{}, c.fail(req.Opcode, "send frame", err)
	}

	if xfer && req.Transfer == register.XferWrite {
		if err := c.send(buf); err != nil {
			return register.Frame{}, c.fail(req.Opcode, "send block", err)
		}
	}

	resp, err := c.receiveFrame()
	if err != nil {
		return register.Frame{}, c.fail(req.Opcode, "receive frame", err)
	}

	if xfer && req.Transfer == register.XferRead {
		if _, err := io.ReadFull(c.conn, buf); err != nil {
			return register.Frame{}, c.fail(req.Opcode, "receive block", err)
		}
	}

	if req.Opcode == register.OpPowerOff {
		if err := c.Close(); err != nil {
			c.logger.Warn("failed to close controller connection", zap.Error(err))
		}
	}

	c.logger.Debug("controller exchange", logger.WithOpcode(req.Opcode), zap.Stringer("response", resp))

	return resp, nil
}

// Call performs an exchange and verifies the response. A verification
// failure drops the connection like a transport failure.
func (c *Client) Call(ctx context.Context, req register.Frame, buf []byte) (register.Frame, error) {
	resp, err := c.Do(ctx, req, buf)
	if err != nil {
		return register.Frame{}, err
	}

	if err := resp.Verify(req); err != nil {
		c.logger.Error("unexpected controller response", logger.WithOpcode(req.Opcode), zap.Stringer("response", resp))

		if closeErr := c.Close(); closeErr != nil {
			c.logger.Warn("failed to close controller connection", zap.Error(closeErr))
		}

		return register.Frame{}, err
	}

	return resp, nil
}
