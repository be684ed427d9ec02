// Package transport provides the framed, persistent byte stream between the
// teacher and each student: TCP connections carrying length-prefixed
// protocol envelopes. It knows nothing about sessions or broadcast state;
// higher layers own connection lifecycle and queueing.
package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"classcast/pkg/protocol"
)

// Conn is one framed bidirectional stream. Reads must come from a single
// goroutine; writes are serialized internally so any goroutine may call
// Write.
type Conn struct {
	raw    net.Conn
	reader *bufio.Reader

	writeMu      sync.Mutex
	writer       *bufio.Writer
	writeTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps an established network connection. writeTimeout bounds each
// envelope write; zero disables the deadline.
func NewConn(raw net.Conn, writeTimeout time.Duration) *Conn {
	if tcp, ok := raw.(*net.TCPConn); ok {
		// Media frames are latency-sensitive; never wait for coalescing.
		_ = tcp.SetNoDelay(true)
	}
	return &Conn{
		raw:          raw,
		reader:       bufio.NewReaderSize(raw, 64*1024),
		writer:       bufio.NewWriterSize(raw, 64*1024),
		writeTimeout: writeTimeout,
	}
}

// Dial connects to a teacher at addr and returns the framed connection.
func Dial(ctx context.Context, addr string, writeTimeout time.Duration) (*Conn, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewConn(raw, writeTimeout), nil
}

// Read blocks until a full envelope arrives or the stream dies. Every
// failure mode (peer close, reset, malformed or oversized frame) is
// reported as ErrDisconnected: the framing allows no resynchronization, so
// the connection is unusable afterwards.
func (c *Conn) Read() (*protocol.Envelope, error) {
	env, err := protocol.ReadEnvelope(c.reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return env, nil
}

// Write frames and sends one envelope. Concurrent callers are serialized;
// a write failure leaves the connection dead and is reported as
// ErrDisconnected.
func (c *Conn) Write(env *protocol.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		if err := c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return fmt.Errorf("%w: %v", ErrDisconnected, err)
		}
	}
	if err := protocol.WriteEnvelope(c.writer, env); err != nil {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	if err := c.writer.Flush(); err != nil {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return nil
}

// Close tears down the underlying stream. Safe to call more than once and
// from any goroutine; it also unblocks a pending Read.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.raw.Close()
	})
	return c.closeErr
}

// RemoteAddr reports the peer address for display and logging.
func (c *Conn) RemoteAddr() string {
	return c.raw.RemoteAddr().String()
}

// Listener accepts framed connections from students.
type Listener struct {
	ln           net.Listener
	writeTimeout time.Duration
}

// Listen binds addr for incoming student connections. Failure to bind is
// the one startup error the caller should treat as fatal.
func Listen(addr string, writeTimeout time.Duration) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &Listener{ln: ln, writeTimeout: writeTimeout}, nil
}

// Accept blocks for the next student connection.
func (l *Listener) Accept() (*Conn, error) {
	raw, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return NewConn(raw, l.writeTimeout), nil
}

// Addr reports the bound address, useful when listening on port 0.
func (l *Listener) Addr() string {
	return l.ln.Addr().String()
}

// Close stops accepting and unblocks a pending Accept.
func (l *Listener) Close() error {
	return l.ln.Close()
}
