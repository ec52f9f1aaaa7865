// Package transporttest provides an in-memory Dialer for exercising the
// transport multiplexer and its consumers without a network.
package transporttest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/babmoim/babmoim-go/pkg/transport"
)

// ErrConnClosed is returned by reads and writes on a closed connection.
var ErrConnClosed = errors.New("transporttest: connection closed")

// Dialer hands out in-memory connections. The zero value is not usable;
// create one with NewDialer.
type Dialer struct {
	mu       sync.Mutex
	conns    []*Conn
	failures int
	waiters  []chan *Conn
}

// NewDialer creates an in-memory dialer.
func NewDialer() *Dialer {
	return &Dialer{}
}

// FailNext makes the next n Dial calls fail, simulating connect errors.
func (d *Dialer) FailNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures += n
}

// Dial implements transport.Dialer.
func (d *Dialer) Dial(endpoint string, header http.Header) (transport.Conn, error) {
	d.mu.Lock()
	if d.failures > 0 {
		d.failures--
		d.mu.Unlock()
		return nil, errors.New("transporttest: dial refused")
	}

	c := &Conn{
		Endpoint:   endpoint,
		AuthHeader: header.Get("Authorization"),
		inbound:    make(chan json.RawMessage, 64),
		closed:     make(chan struct{}),
	}
	d.conns = append(d.conns, c)
	waiters := d.waiters
	d.waiters = nil
	d.mu.Unlock()

	for _, w := range waiters {
		w <- c
	}
	return c, nil
}

// Conns returns every connection handed out so far.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Conn, len(d.conns))
	copy(out, d.conns)
	return out
}

// WaitConn blocks until the dialer hands out another connection, up to the
// timeout. Returns nil on timeout.
func (d *Dialer) WaitConn(timeout time.Duration) *Conn {
	ch := make(chan *Conn, 1)
	d.mu.Lock()
	if n := len(d.conns); n > 0 && !d.conns[n-1].IsClosed() {
		c := d.conns[n-1]
		d.mu.Unlock()
		return c
	}
	d.waiters = append(d.waiters, ch)
	d.mu.Unlock()

	select {
	case c := <-ch:
		return c
	case <-time.After(timeout):
		return nil
	}
}

// Conn is one in-memory connection. The test plays the server side: Push
// injects inbound frames, Written returns what the client wrote.
type Conn struct {
	Endpoint   string
	AuthHeader string

	mu      sync.Mutex
	written []json.RawMessage

	inbound   chan json.RawMessage
	closed    chan struct{}
	closeOnce sync.Once
}

// ReadJSON implements transport.Conn.
func (c *Conn) ReadJSON(v any) error {
	select {
	case raw := <-c.inbound:
		return json.Unmarshal(raw, v)
	case <-c.closed:
		return ErrConnClosed
	}
}

// WriteJSON implements transport.Conn.
func (c *Conn) WriteJSON(v any) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.written = append(c.written, raw)
	c.mu.Unlock()
	return nil
}

// Close implements transport.Conn.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// IsClosed reports whether the connection has been closed by either side.
func (c *Conn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Push injects an inbound frame for a topic, as the server would send it.
func (c *Conn) Push(topic string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(transport.Frame{Topic: topic, Body: raw})
	if err != nil {
		return err
	}
	select {
	case c.inbound <- frame:
		return nil
	case <-c.closed:
		return ErrConnClosed
	}
}

// Written returns everything the client wrote, decoded into generic maps.
func (c *Conn) Written() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.written))
	for _, raw := range c.written {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

// WaitWritten blocks until the client has written at least n frames, up to
// the timeout.
func (c *Conn) WaitWritten(n int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		c.mu.Lock()
		have := len(c.written)
		c.mu.Unlock()
		if have >= n {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("transporttest: timed out waiting for %d writes, have %d", n, have)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
