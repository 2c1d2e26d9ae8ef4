package controller

import (
	"io"
	"net"
	"sync"
)

// LimitedConn passes through a fixed number of bytes in each direction and
// then cuts the stream, to simulate a controller dropping mid-exchange.
// A negative limit never cuts.
type LimitedConn struct {
	net.Conn

	mu         sync.Mutex
	readsLeft  int
	writesLeft int
}

func NewLimitedConn(conn net.Conn, readLimit, writeLimit int) *LimitedConn {
	return &LimitedConn{
		Conn:       conn,
		readsLeft:  readLimit,
		writesLeft: writeLimit,
	}
}

func (c *LimitedConn) Read(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.readsLeft < 0 {
		return c.Conn.Read(b)
	}

	if c.readsLeft == 0 {
		return 0, io.EOF
	}

	if len(b) > c.readsLeft {
		b = b[:c.readsLeft]
	}

	n, err := c.Conn.Read(b)
	c.readsLeft -= n

	return n, err
}

func (c *LimitedConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writesLeft < 0 {
		return c.Conn.Write(b)
	}

	if len(b) > c.writesLeft {
		n, err := c.Conn.Write(b[:c.writesLeft])
		c.writesLeft -= n
		if err != nil {
			return n, err
		}

		return n, io.ErrShortWrite
	}

	n, err := c.Conn.Write(b)
	c.writesLeft -= n

	return n, err
}
