// Package mock provides test doubles for the realtime package interfaces.
//
// Use Dialer to verify that the relay opens upstream connections when expected
// and to inject dial failures. Use Conn to feed upstream messages and inspect
// what the relay wrote upstream.
//
// Example:
//
//	conn := mock.NewConn()
//	d := &mock.Dialer{Conn: conn}
//	gw := relay.New(cfg, verifier, d)
//	conn.ReadCh <- []byte(`{"type":"session.updated"}`)
//	close(conn.ReadCh) // upstream closes cleanly
//	// or: conn.Fail(errors.New("reset")) // upstream breaks
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/teleprompt/pkg/provider/realtime"
)

// ErrClosed is returned by Conn.Write after Close, and by Conn.Read after
// Close or once ReadCh is closed. It wraps [realtime.ErrClosed].
var ErrClosed = fmt.Errorf("mock: %w", realtime.ErrClosed)

// Dialer is a mock implementation of realtime.Dialer.
type Dialer struct {
	mu sync.Mutex

	// Conn is returned by Dial. If nil, Dial returns a fresh NewConn().
	Conn realtime.Conn

	// DialErr, if non-nil, is returned as the error from Dial.
	DialErr error

	// Gate, if non-nil, makes Dial block until the channel is closed or the
	// context is done. Use it to hold a session in the connecting state.
	Gate chan struct{}

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// DialCalls counts invocations of Dial.
	DialCalls int

	// Dialed receives every Conn returned by Dial when non-nil.
	Dialed chan realtime.Conn
}

// Dial records the call and returns Conn, DialErr.
func (d *Dialer) Dial(ctx context.Context) (realtime.Conn, error) {
	d.mu.Lock()
	d.DialCalls++
	gate := d.Gate
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	c := d.Conn
	if c == nil {
		c = NewConn()
	}
	if d.Dialed != nil {
		d.Dialed <- c
	}
	return c, nil
}

// Name returns ProviderName or "mock".
func (d *Dialer) Name() string {
	if d.ProviderName != "" {
		return d.ProviderName
	}
	return "mock"
}

// Calls returns the number of Dial invocations. Thread-safe.
func (d *Dialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.DialCalls
}

// Ensure Dialer implements realtime.Dialer at compile time.
var _ realtime.Dialer = (*Dialer)(nil)

// Conn is a mock implementation of realtime.Conn. Create it with NewConn.
type Conn struct {
	// ReadCh delivers messages to Read in order. Close it to simulate the
	// upstream closing the connection.
	ReadCh chan []byte

	// Written receives a copy of every successful Write. Buffered; writes
	// block once it is full, so tests should drain it.
	Written chan []byte

	mu         sync.Mutex
	failErr    error
	failed     chan struct{}
	failOnce   sync.Once
	writeErr   error
	writes     [][]byte
	closeCalls int
	done       chan struct{}
	closeOnce  sync.Once
}

// NewConn returns a Conn with buffered channels.
func NewConn() *Conn {
	return &Conn{
		ReadCh:  make(chan []byte, 64),
		Written: make(chan []byte, 256),
		done:    make(chan struct{}),
		failed:  make(chan struct{}),
	}
}

// Fail makes every pending and future Read return err, simulating a broken
// upstream connection.
func (c *Conn) Fail(err error) {
	c.failOnce.Do(func() {
		c.mu.Lock()
		c.failErr = err
		c.mu.Unlock()
		close(c.failed)
	})
}

// Read returns the next message from ReadCh.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	select {
	case msg, ok := <-c.ReadCh:
		if !ok {
			return nil, ErrClosed
		}
		return msg, nil
	case <-c.failed:
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.failErr
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write records data, or returns the error set with SetWriteErr.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	if c.writeErr != nil {
		err := c.writeErr
		c.mu.Unlock()
		return err
	}
	select {
	case <-c.done:
		c.mu.Unlock()
		return ErrClosed
	default:
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, cp)
	c.mu.Unlock()

	select {
	case c.Written <- cp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close marks the connection closed. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closeCalls++
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// SetWriteErr makes subsequent writes fail with err (nil restores success).
func (c *Conn) SetWriteErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

// Writes returns a copy of all recorded writes.
func (c *Conn) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	copy(out, c.writes)
	return out
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Done is closed once Close has been called.
func (c *Conn) Done() <-chan struct{} { return c.done }

// CloseCalls returns how many times Close was called.
func (c *Conn) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}

// Ensure Conn implements realtime.Conn at compile time.
var _ realtime.Conn = (*Conn)(nil)
